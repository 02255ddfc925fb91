// Package pipeline builds the conversational stack the supervisor drives:
// provider failover chains for the language model and speech synthesis, the
// pipeline session that feeds synthesized speech to the avatar, and the
// avatar-managed session used by the fallback agent.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var ErrNoProviders = errors.New("no providers configured")

// failover calls providers in order until one succeeds. Errors from every
// provider tried are joined so callers can still classify them.
func failover[P interface{ Name() string }, T any](ctx context.Context, log *slog.Logger, kind string, providers []P, call func(context.Context, P) (T, error)) (T, error) {
	var zero T
	if len(providers) == 0 {
		return zero, fmt.Errorf("%s: %w", kind, ErrNoProviders)
	}
	var errs []error
	for i, p := range providers {
		start := time.Now()
		out, err := call(ctx, p)
		metricProviderMS.WithLabelValues(kind, p.Name()).Observe(float64(time.Since(start).Milliseconds()))
		if err == nil {
			metricProviderCalls.WithLabelValues(kind, p.Name(), "ok").Inc()
			return out, nil
		}
		metricProviderCalls.WithLabelValues(kind, p.Name(), "error").Inc()
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		if ctx.Err() != nil {
			break
		}
		if i < len(providers)-1 {
			metricFailovers.WithLabelValues(kind).Inc()
			log.Warn("provider failed, trying next", "kind", kind, "provider", p.Name(), "err", err)
		}
	}
	return zero, errors.Join(errs...)
}
