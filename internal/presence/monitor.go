// Package presence watches room membership for the departure of the one
// participant the session exists to serve.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Monitor resolves exactly once, the first time the expected identity
// leaves the room. Departures of other identities are ignored.
type Monitor struct {
	expected string
	log      *slog.Logger

	seen atomic.Bool
	once sync.Once
	done chan struct{}
}

func NewMonitor(expected string, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		expected: expected,
		log:      logger.With("component", "presence", "expected", expected),
		done:     make(chan struct{}),
	}
}

// Configured reports whether there is an identity to watch at all.
func (m *Monitor) Configured() bool { return m.expected != "" }

func (m *Monitor) Expected() string { return m.expected }

// Joined records that the expected identity was seen in the room.
func (m *Monitor) Joined(identity string) {
	if m.Configured() && identity == m.expected && !m.seen.Swap(true) {
		m.log.Info("expected participant present")
	}
}

// Seen reports whether the expected identity has been observed in the room.
func (m *Monitor) Seen() bool { return m.seen.Load() }

// Left feeds one disconnect notification. It reports whether this call
// resolved the monitor.
func (m *Monitor) Left(identity string) bool {
	if !m.Configured() || identity != m.expected {
		m.log.Debug("participant left", "identity", identity)
		return false
	}
	fired := false
	m.once.Do(func() {
		fired = true
		close(m.done)
		metricDepartures.Inc()
		m.log.Info("expected participant disconnected")
	})
	return fired
}

func (m *Monitor) Done() <-chan struct{} { return m.done }

// Departed reports whether the monitor has resolved.
func (m *Monitor) Departed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// Wait blocks until departure or until ctx ends.
func (m *Monitor) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
