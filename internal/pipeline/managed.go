package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"yuzu/avatar/internal/agent"
	"yuzu/avatar/internal/avatar"
)

// Responder is an avatar that runs its own conversational stack.
type Responder interface {
	Respond(ctx context.Context, utteranceID, text, instructions string) (<-chan error, error)
	SetContext(ctx context.Context, instructions string) error
	Events() <-chan avatar.Event
}

// ManagedSession delegates listening, thinking and speaking to the avatar
// provider. Speech the provider starts on its own surfaces as voice turns.
type ManagedSession struct {
	avatar Responder
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu       sync.Mutex
	onSpeech func(*agent.SpeechHandle)
	voice    map[string]*agent.SpeechHandle
	closed   bool
}

func NewManagedSession(a Responder, logger *slog.Logger) *ManagedSession {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ManagedSession{
		avatar: a,
		log:    logger.With("component", "managed-session"),
		ctx:    ctx,
		cancel: cancel,
		voice:  make(map[string]*agent.SpeechHandle),
	}
}

func (s *ManagedSession) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.once.Do(func() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.watch()
		}()
	})
	return nil
}

func (s *ManagedSession) watch() {
	events := s.avatar.Events()
	defer s.failVoice(avatar.ErrClosed)
	for {
		select {
		case <-s.ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			s.onEvent(e)
		}
	}
}

func (s *ManagedSession) onEvent(e avatar.Event) {
	switch e.Type {
	case avatar.TypeSpeechStarted:
		h := agent.NewSpeechHandle(e.UtteranceID, false)
		s.mu.Lock()
		// The avatar speaks one utterance at a time, so a new one means any
		// earlier voice turn has ended even if its stop event never arrived.
		var stale []*agent.SpeechHandle
		for id, old := range s.voice {
			stale = append(stale, old)
			delete(s.voice, id)
		}
		s.voice[e.UtteranceID] = h
		fn := s.onSpeech
		s.mu.Unlock()
		for _, old := range stale {
			s.log.Warn("voice turn ended without speech_stopped", "utterance_id", old.ID())
			old.Complete(nil)
		}
		if fn != nil {
			fn(h)
		}
	case avatar.TypeSpeechStopped:
		s.completeVoice(e.UtteranceID, nil)
	case avatar.TypeUserUtterance:
		s.log.Info("user said", "text", e.Text)
	case avatar.TypeError:
		if !s.completeVoice(e.UtteranceID, &avatar.ProviderError{Code: e.Code, Message: e.Message}) {
			s.log.Warn("avatar error outside a turn", "code", e.Code, "message", e.Message)
		}
	}
}

func (s *ManagedSession) completeVoice(id string, err error) bool {
	s.mu.Lock()
	h, ok := s.voice[id]
	delete(s.voice, id)
	s.mu.Unlock()
	if ok {
		h.Complete(err)
	}
	return ok
}

func (s *ManagedSession) failVoice(err error) {
	s.mu.Lock()
	pending := s.voice
	s.voice = make(map[string]*agent.SpeechHandle)
	s.mu.Unlock()
	for _, h := range pending {
		h.Complete(err)
	}
}

func (s *ManagedSession) GenerateReply(ctx context.Context, req agent.ReplyRequest) (*agent.SpeechHandle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	fn := s.onSpeech
	s.wg.Add(1)
	s.mu.Unlock()

	h := agent.NewSpeechHandle(uuid.NewString(), true)
	done, err := s.avatar.Respond(ctx, h.ID(), req.UserInput, req.Instructions)
	if err != nil {
		s.wg.Done()
		return nil, err
	}
	if fn != nil {
		fn(h)
	}
	go func() {
		defer s.wg.Done()
		select {
		case err := <-done:
			h.Complete(err)
		case <-s.ctx.Done():
			h.Complete(ErrSessionClosed)
		}
	}()
	return h, nil
}

func (s *ManagedSession) UpdateInstructions(ctx context.Context, instructions string) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	return s.avatar.SetContext(ctx, instructions)
}

func (s *ManagedSession) SetSpeechCreatedHandler(fn func(*agent.SpeechHandle)) {
	s.mu.Lock()
	s.onSpeech = fn
	s.mu.Unlock()
}

func (s *ManagedSession) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	err := waitGroup(ctx, &s.wg)
	s.failVoice(ErrSessionClosed)
	return err
}
