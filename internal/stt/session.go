package stt

import (
	"log/slog"
	"sync"
)

// Session feeds one participant's audio into a Deepgram socket and exposes
// its final transcripts as a Source.
type Session struct {
	dg  *DeepgramConn
	log *slog.Logger

	mu       sync.Mutex
	identity string
	frames   uint64

	out  chan string
	once sync.Once
}

// NewSession binds dg to identity. An empty identity locks onto the first
// participant whose audio arrives.
func NewSession(dg *DeepgramConn, identity string, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		dg:       dg,
		identity: identity,
		log:      logger.With("component", "stt"),
		out:      make(chan string, 16),
	}
}

func (s *Session) Name() string { return "deepgram" }

func (s *Session) Healthy() bool { return s.dg.Healthy() }

func (s *Session) Transcripts() <-chan string { return s.out }

// Start connects the socket and begins forwarding finals.
func (s *Session) Start() {
	s.once.Do(func() {
		s.dg.Start()
		go s.run()
	})
}

func (s *Session) Close() { s.dg.Close() }

// Feed accepts one audio frame from the room.
func (s *Session) Feed(identity string, frame []byte) {
	s.mu.Lock()
	if s.identity == "" {
		s.identity = identity
		s.log.Info("transcribing participant", "participant", identity)
	}
	if identity != s.identity {
		s.mu.Unlock()
		return
	}
	s.frames++
	n := s.frames
	s.mu.Unlock()
	if !s.dg.Send(frame) && n%50 == 0 {
		s.log.Debug("audio frames dropped", "frame", n)
	}
}

func (s *Session) run() {
	defer close(s.out)
	for e := range s.dg.Events() {
		switch e.Type {
		case "final":
			s.log.Debug("final transcript", "text", e.Text)
			select {
			case s.out <- e.Text:
			default:
				metricEventDrops.Inc()
			}
		case "interim":
			s.log.Debug("interim transcript", "text", e.Text)
		case "error":
			s.log.Warn("deepgram error", "err", e.Text)
		}
	}
}
