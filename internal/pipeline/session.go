package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"yuzu/avatar/internal/agent"
	"yuzu/avatar/internal/stt"
)

var ErrSessionClosed = errors.New("session closed")

const defaultHistory = 20

// Speaker plays synthesized audio through the avatar.
type Speaker interface {
	Speak(ctx context.Context, utteranceID string, pcm []byte, sampleRate int) (<-chan error, error)
}

// Transcriber yields final user transcripts.
type Transcriber interface {
	Run(ctx context.Context)
	Transcripts() <-chan stt.Transcript
}

// Session runs each turn as LLM, then TTS, then avatar playout. Replies are
// generated concurrently but played one at a time.
type Session struct {
	llm     LLM
	tts     TTS
	speaker Speaker
	stt     Transcriber
	log     *slog.Logger
	history int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu           sync.Mutex
	instructions string
	turns        []ChatMessage
	onSpeech     func(*agent.SpeechHandle)
	closed       bool

	playMu sync.Mutex
}

// NewSession wires the stack. stt may be nil, in which case only explicit
// replies are produced.
func NewSession(llm LLM, tts TTS, speaker Speaker, stt Transcriber, instructions string, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		llm:          llm,
		tts:          tts,
		speaker:      speaker,
		stt:          stt,
		log:          logger.With("component", "pipeline"),
		history:      defaultHistory,
		ctx:          ctx,
		cancel:       cancel,
		instructions: instructions,
	}
}

// Start begins listening for user speech.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.once.Do(func() {
		if s.stt == nil {
			s.log.Warn("no speech-to-text configured; voice turns disabled")
			return
		}
		s.stt.Run(s.ctx)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.listen()
		}()
	})
	return nil
}

func (s *Session) listen() {
	in := s.stt.Transcripts()
	for {
		select {
		case <-s.ctx.Done():
			return
		case tr, ok := <-in:
			if !ok {
				return
			}
			s.log.Info("user said", "source", tr.Source, "text", tr.Text)
			s.startTurn(context.Background(), agent.ReplyRequest{UserInput: tr.Text}, false)
		}
	}
}

func (s *Session) GenerateReply(ctx context.Context, req agent.ReplyRequest) (*agent.SpeechHandle, error) {
	return s.startTurn(ctx, req, true)
}

func (s *Session) startTurn(ctx context.Context, req agent.ReplyRequest, userInitiated bool) (*agent.SpeechHandle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	onSpeech := s.onSpeech
	msgs := s.promptLocked(req)
	s.wg.Add(1)
	s.mu.Unlock()

	h := agent.NewSpeechHandle(uuid.NewString(), userInitiated)
	if onSpeech != nil {
		onSpeech(h)
	}
	turnCtx, cancel := context.WithCancel(s.ctx)
	stop := context.AfterFunc(ctx, cancel)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer stop()
		h.Complete(s.turn(turnCtx, h, req, msgs))
	}()
	return h, nil
}

func (s *Session) turn(ctx context.Context, h *agent.SpeechHandle, req agent.ReplyRequest, msgs []ChatMessage) (err error) {
	start := time.Now()
	origin := "voice"
	if h.UserInitiated() {
		origin = "client"
	}
	log := s.log.With("utterance_id", h.ID(), "origin", origin)
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
			log.Warn("turn failed", "err", err)
		}
		metricTurnMS.WithLabelValues(origin, status).Observe(float64(time.Since(start).Milliseconds()))
	}()

	reply, err := s.llm.Chat(ctx, msgs)
	if err != nil {
		return err
	}
	log.Debug("reply generated", "text", reply, "ms", time.Since(start).Milliseconds())
	audio, err := s.tts.Synthesize(ctx, reply)
	if err != nil {
		return err
	}

	s.playMu.Lock()
	defer s.playMu.Unlock()
	done, err := s.speaker.Speak(ctx, h.ID(), audio.PCM, audio.SampleRate)
	if err != nil {
		return err
	}
	select {
	case err = <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	s.remember(req.UserInput, reply)
	log.Info("turn played", "ms", time.Since(start).Milliseconds())
	return nil
}

// promptLocked builds the messages for one turn. Per-reply instructions
// follow the session instructions.
func (s *Session) promptLocked(req agent.ReplyRequest) []ChatMessage {
	msgs := make([]ChatMessage, 0, len(s.turns)+3)
	if s.instructions != "" {
		msgs = append(msgs, ChatMessage{Role: RoleSystem, Content: s.instructions})
	}
	msgs = append(msgs, s.turns...)
	if req.Instructions != "" {
		msgs = append(msgs, ChatMessage{Role: RoleSystem, Content: req.Instructions})
	}
	if req.UserInput != "" {
		msgs = append(msgs, ChatMessage{Role: RoleUser, Content: req.UserInput})
	}
	return msgs
}

func (s *Session) remember(user, reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user != "" {
		s.turns = append(s.turns, ChatMessage{Role: RoleUser, Content: user})
	}
	s.turns = append(s.turns, ChatMessage{Role: RoleAssistant, Content: reply})
	if n := len(s.turns) - s.history; n > 0 {
		s.turns = append([]ChatMessage(nil), s.turns[n:]...)
	}
}

func (s *Session) UpdateInstructions(ctx context.Context, instructions string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.instructions = instructions
	return nil
}

func (s *Session) SetSpeechCreatedHandler(fn func(*agent.SpeechHandle)) {
	s.mu.Lock()
	s.onSpeech = fn
	s.mu.Unlock()
}

// Close cancels in-flight turns and waits for them to unwind.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	return waitGroup(ctx, &s.wg)
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
