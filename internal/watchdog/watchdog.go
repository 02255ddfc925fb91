// Package watchdog owns every deadline that bounds the lifetime of the
// worker process. Correctness is defined negatively: the process must not
// outlive a scheduled deadline, whatever state the rest of the program is in.
// Deadlines run on runtime timers, so a wedged goroutine elsewhere cannot
// delay them.
package watchdog

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"yuzu/avatar/internal/procreg"
)

// Action is what a deadline does when it elapses.
type Action int

const (
	// KillRoom force-kills every agent process of the room except this one.
	KillRoom Action = iota
	// KillSelf sweeps the room and then kills this process.
	KillSelf
	// ExitSelf kills this process only. A fallback agent started in its own
	// session outlives it.
	ExitSelf
)

func (a Action) String() string {
	switch a {
	case KillSelf:
		return "kill_self"
	case ExitSelf:
		return "exit_self"
	default:
		return "kill_room"
	}
}

type Watchdog struct {
	room string
	reg  procreg.Registry
	self int
	log  *slog.Logger
	exit func()

	failsafe sync.Once
}

type Option func(*Watchdog)

// WithExit replaces the self-termination hook (tests).
func WithExit(fn func()) Option { return func(w *Watchdog) { w.exit = fn } }

func WithLogger(l *slog.Logger) Option { return func(w *Watchdog) { w.log = l } }

func New(room string, reg procreg.Registry, opts ...Option) *Watchdog {
	w := &Watchdog{
		room: room,
		reg:  reg,
		self: os.Getpid(),
		log:  slog.Default(),
		exit: hardExit,
	}
	for _, o := range opts {
		o(w)
	}
	w.log = w.log.With("component", "watchdog", "room", room)
	return w
}

func (w *Watchdog) Room() string { return w.room }

// ScheduleDeadline starts an independent timer that performs action after d
// unless the returned cancel func is called first. Deadlines never cancel
// one another.
func (w *Watchdog) ScheduleDeadline(d time.Duration, action Action) (cancel func()) {
	w.log.Debug("deadline scheduled", "after", d, "action", action.String())
	t := time.AfterFunc(d, func() {
		metricDeadlinesFired.WithLabelValues(action.String()).Inc()
		w.log.Error("deadline elapsed, forcing termination", "after", d, "action", action.String())
		w.perform(action, fmt.Sprintf("deadline %s elapsed", d))
	})
	return func() { t.Stop() }
}

// StartFailsafe schedules the process-level deadline. Only the first call
// has an effect. It ends this process alone, so a fallback agent that took
// over the conversation is left running.
func (w *Watchdog) StartFailsafe(d time.Duration) {
	w.failsafe.Do(func() {
		w.ScheduleDeadline(d, ExitSelf)
	})
}

func (w *Watchdog) perform(action Action, reason string) {
	switch action {
	case KillSelf:
		w.KillSelf(reason)
	case ExitSelf:
		w.Exit(reason)
	default:
		w.TerminateRoomProcesses(w.room, procreg.ScopeAll)
	}
}

// TerminateRoomProcesses force-kills every process of room within scope,
// excluding the caller, and returns how many were killed. It never panics
// and never returns an error: it runs on emergency paths.
func (w *Watchdog) TerminateRoomProcesses(room string, scope procreg.Scope) (killed int) {
	if room == "" || w.reg == nil {
		return 0
	}
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("room sweep panicked", "panic", r)
		}
	}()
	procs, err := w.reg.Find(room, scope)
	if err != nil {
		w.log.Error("room sweep: list processes failed", "scope", scope.String(), "err", err)
		return 0
	}
	for _, p := range procs {
		if p.PID == w.self {
			continue
		}
		w.log.Info("killing agent process", "pid", p.PID, "role", p.Role, "target_room", room)
		switch err := w.reg.Kill(p.PID); {
		case err == nil:
			killed++
		case errors.Is(err, procreg.ErrNotFound):
			w.log.Info("process already dead", "pid", p.PID)
		default:
			w.log.Error("kill failed", "pid", p.PID, "err", err)
		}
	}
	metricProcessesKilled.WithLabelValues(scope.String()).Add(float64(killed))
	w.log.Info("room sweep done", "killed", killed, "scope", scope.String(), "target_room", room)
	return killed
}

// KillSelf sweeps the room and then terminates this process.
func (w *Watchdog) KillSelf(reason string) {
	w.TerminateRoomProcesses(w.room, procreg.ScopeAll)
	w.Exit(reason)
}

// Exit terminates this process immediately, without any sweep.
func (w *Watchdog) Exit(reason string) {
	w.log.Error("force killing current process", "reason", reason, "pid", w.self)
	w.exit()
}

// HandleSignals turns every termination signal into an immediate Exit.
// There is no graceful signal path.
func (w *Watchdog) HandleSignals() (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGINT, unix.SIGTERM, unix.SIGHUP, unix.SIGQUIT)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-ch:
			w.Exit("received signal " + sig.String())
		case <-done:
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}

func hardExit() {
	_ = unix.Kill(os.Getpid(), unix.SIGKILL)
	os.Exit(1)
}
