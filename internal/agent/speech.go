package agent

import (
	"context"
	"errors"
	"sync"
)

var ErrCallbackRegistered = errors.New("completion callback already registered")

// SpeechHandle is the completion token of one agent utterance. It completes
// exactly once, when playout finished or generation failed.
type SpeechHandle struct {
	id            string
	userInitiated bool
	done          chan struct{}

	mu         sync.Mutex
	completed  bool
	err        error
	cb         func(error)
	registered bool
}

func NewSpeechHandle(id string, userInitiated bool) *SpeechHandle {
	return &SpeechHandle{id: id, userInitiated: userInitiated, done: make(chan struct{})}
}

func (h *SpeechHandle) ID() string { return h.id }

// UserInitiated is true for turns explicitly requested through GenerateReply,
// false for autonomous voice turns.
func (h *SpeechHandle) UserInitiated() bool { return h.userInitiated }

func (h *SpeechHandle) Done() <-chan struct{} { return h.done }

func (h *SpeechHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Wait blocks until playout completes or ctx ends.
func (h *SpeechHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnComplete registers the single completion callback. If the handle has
// already completed, fn runs immediately on the calling goroutine.
func (h *SpeechHandle) OnComplete(fn func(error)) error {
	h.mu.Lock()
	if h.registered {
		h.mu.Unlock()
		return ErrCallbackRegistered
	}
	h.registered = true
	if !h.completed {
		h.cb = fn
		h.mu.Unlock()
		return nil
	}
	err := h.err
	h.mu.Unlock()
	fn(err)
	return nil
}

// Complete resolves the handle. Later calls are no-ops.
func (h *SpeechHandle) Complete(err error) {
	h.mu.Lock()
	if h.completed {
		h.mu.Unlock()
		return
	}
	h.completed = true
	h.err = err
	close(h.done)
	cb := h.cb
	h.cb = nil
	h.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}
