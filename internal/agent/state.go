package agent

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrOverrideActive  = errors.New("an instruction override is already active")
	ErrInvalidOverride = errors.New("override matches the active instructions")
)

// State is the mutable session record shared by the protocol handler and
// the shutdown path. At most one override is pending or active at a time; a
// second request is rejected, never queued.
type State struct {
	mu             sync.Mutex
	active         string
	base           string
	overrideActive bool
	purpose        string
	pending        string
	pendingPurpose string
	reserved       bool
	consuming      bool

	fallbackTriggered atomic.Bool
}

// Snapshot is a consistent copy of State.
type Snapshot struct {
	ActiveInstructions string
	BaseInstructions   string
	OverrideActive     bool
	OverridePurpose    string
	FallbackTriggered  bool
}

func NewState(instructions string) *State {
	return &State{active: instructions, base: instructions}
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ActiveInstructions: s.active,
		BaseInstructions:   s.base,
		OverrideActive:     s.overrideActive,
		OverridePurpose:    s.purpose,
		FallbackTriggered:  s.fallbackTriggered.Load(),
	}
}

// reserveOverride checks and claims the single override slot before the
// instruction update is awaited.
func (s *State) reserveOverride(purpose, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.overrideActive || s.reserved {
		return ErrOverrideActive
	}
	if text == s.active {
		return ErrInvalidOverride
	}
	s.reserved = true
	s.pending = text
	s.pendingPurpose = purpose
	return nil
}

func (s *State) abortOverride() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserved = false
	s.pending = ""
	s.pendingPurpose = ""
}

// confirmOverride applies the reserved override once the session accepted it.
func (s *State) confirmOverride() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.reserved {
		return
	}
	s.base = s.active
	s.active = s.pending
	s.purpose = s.pendingPurpose
	s.overrideActive = true
	s.reserved = false
	s.pending = ""
	s.pendingPurpose = ""
}

// beginConsume claims the active override for exactly one consumer. Text
// and voice turns may both complete around the same time; only the first
// caller gets ok.
func (s *State) beginConsume() (base, purpose string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.overrideActive || s.consuming {
		return "", "", false
	}
	s.consuming = true
	return s.base, s.purpose, true
}

func (s *State) finishConsume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = s.base
	s.overrideActive = false
	s.purpose = ""
	s.consuming = false
}

// TriggerFallback latches the fallback flag. It reports true only for the
// first caller.
func (s *State) TriggerFallback() bool {
	return s.fallbackTriggered.CompareAndSwap(false, true)
}

func (s *State) FallbackTriggered() bool { return s.fallbackTriggered.Load() }
