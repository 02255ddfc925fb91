package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Step is one best-effort shutdown action.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

type StepResult struct {
	Name     string
	Err      error
	TimedOut bool
	Elapsed  time.Duration
}

// RunSteps runs steps in order, each bounded by timeout. A failing, hanging
// or panicking step never stops the ones after it.
func RunSteps(ctx context.Context, timeout time.Duration, log *slog.Logger, steps ...Step) []StepResult {
	if log == nil {
		log = slog.Default()
	}
	out := make([]StepResult, 0, len(steps))
	for _, st := range steps {
		r := runStep(ctx, timeout, st)
		outcome := "ok"
		switch {
		case r.TimedOut:
			outcome = "timeout"
			log.Warn("shutdown step timed out", "step", r.Name, "timeout", timeout)
		case r.Err != nil:
			outcome = "error"
			log.Warn("shutdown step failed", "step", r.Name, "err", r.Err)
		default:
			log.Info("shutdown step done", "step", r.Name, "ms", r.Elapsed.Milliseconds())
		}
		metricSteps.WithLabelValues(r.Name, outcome).Inc()
		out = append(out, r)
	}
	return out
}

func runStep(ctx context.Context, timeout time.Duration, st Step) StepResult {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- st.Run(stepCtx)
	}()
	res := StepResult{Name: st.Name}
	select {
	case res.Err = <-done:
	case <-stepCtx.Done():
		res.Err = stepCtx.Err()
		res.TimedOut = true
	}
	res.Elapsed = time.Since(start)
	return res
}
