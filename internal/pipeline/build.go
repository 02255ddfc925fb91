package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"yuzu/avatar/internal/agent"
	"yuzu/avatar/internal/avatar"
	"yuzu/avatar/internal/config"
	"yuzu/avatar/internal/health"
	"yuzu/avatar/internal/procreg"
	"yuzu/avatar/internal/stt"
)

const avatarTokenTTL = 2 * time.Hour

// AudioTap delivers remote participants' audio frames.
type AudioTap interface {
	OnAudio(fn func(identity string, frame []byte))
}

type Options struct {
	Config config.Config
	Room   string
	Role   procreg.Role
	Audio  AudioTap
	Logger *slog.Logger
}

// Stack is a built conversational stack: a session plus the avatar that
// renders it.
type Stack struct {
	session agent.Session
	avatar  *avatar.Client
	mode    avatar.Mode
	cfg     config.Config
	room    string
}

// Build constructs the stack for the given role. The primary role runs the
// full pipeline and is gated by a preflight; the fallback role hands the
// conversation to the avatar provider.
func Build(ctx context.Context, opts Options) (*Stack, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	cfg := opts.Config
	managed := opts.Role == procreg.RoleFallback
	log = log.With("component", "build", "role", string(opts.Role))

	var llms []LLM
	var ttss []TTS
	if !managed {
		st := health.Preflight(ctx, cfg)
		if !st.OK {
			return nil, fmt.Errorf("preflight failed: %s", strings.Join(st.Failed(), ", "))
		}
		var err error
		if llms, ttss, err = providers(ctx, cfg); err != nil {
			return nil, err
		}
		log.Info("providers ready", "llm", names(llms), "tts", names(ttss))
	}

	client, err := avatar.Dial(ctx, avatar.Config{
		URL:       cfg.Avatar.URL,
		APIKey:    cfg.Avatar.APIKey,
		ReplicaID: cfg.Avatar.ReplicaID,
		PersonaID: cfg.Avatar.PersonaID,
	}, log)
	if err != nil {
		return nil, err
	}

	s := &Stack{avatar: client, cfg: cfg, room: opts.Room}
	if managed {
		s.mode = avatar.ModeFull
		s.session = NewManagedSession(client, log)
		return s, nil
	}

	s.mode = avatar.ModeEcho
	tr := &transcriber{avatar: NewAvatarTranscripts(client.Events(), log)}
	sources := []stt.Source{}
	if cfg.Deepgram.APIKey != "" && opts.Audio != nil {
		dg := stt.NewDeepgramConn(context.Background(), stt.DeepgramConfig{
			APIKey:   cfg.Deepgram.APIKey,
			Model:    cfg.Deepgram.Model,
			Language: cfg.Agent.LanguageSTT,
			BaseURL:  cfg.Deepgram.URL,
		}, log)
		tr.deepgram = stt.NewSession(dg, cfg.Agent.ExpectedIdentity, log)
		opts.Audio.OnAudio(tr.deepgram.Feed)
		sources = append(sources, tr.deepgram)
	} else {
		log.Warn("DEEPGRAM_API_KEY not set; relying on avatar transcripts")
	}
	sources = append(sources, tr.avatar)
	tr.Failover = stt.NewFailover(log, sources...)

	s.session = NewSession(NewLLMChain(log, llms...), NewTTSChain(log, ttss...), client, tr, cfg.Agent.Instructions, log)
	return s, nil
}

func providers(ctx context.Context, cfg config.Config) ([]LLM, []TTS, error) {
	var llms []LLM
	var ttss []TTS
	var oa *OpenAI
	if cfg.OpenAI.APIKey != "" {
		oa = NewOpenAI(cfg.OpenAI.APIKey, cfg.OpenAI.Model, cfg.OpenAI.TTSModel, cfg.OpenAI.TTSVoice)
		llms = append(llms, oa)
	}
	if cfg.Gemini.APIKey != "" {
		g, err := NewGemini(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model)
		if err != nil {
			return nil, nil, err
		}
		llms = append(llms, g)
	}
	if cfg.Eleven.APIKey != "" && cfg.Eleven.VoiceID != "" {
		ttss = append(ttss, NewEleven(cfg.Eleven.APIKey, cfg.Eleven.VoiceID, cfg.Eleven.Model))
	}
	if oa != nil {
		ttss = append(ttss, oa)
	}
	if len(llms) == 0 {
		return nil, nil, fmt.Errorf("llm: %w", ErrNoProviders)
	}
	if len(ttss) == 0 {
		return nil, nil, fmt.Errorf("tts: %w", ErrNoProviders)
	}
	return llms, ttss, nil
}

func names[P interface{ Name() string }](ps []P) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Name()
	}
	return out
}

func (s *Stack) Session() agent.Session { return s.session }

// StartAvatar has the provider join the room and waits until it is ready.
func (s *Stack) StartAvatar(ctx context.Context) error {
	identity := s.cfg.Agent.Identity + "-avatar"
	token, err := avatar.JoinToken(s.cfg.LiveKit.APIKey, s.cfg.LiveKit.APISecret, s.room, identity, avatarTokenTTL)
	if err != nil {
		return err
	}
	return s.avatar.Start(ctx, avatar.StartRequest{
		RoomURL:      s.cfg.LiveKit.URL,
		Room:         s.room,
		Token:        token,
		Identity:     identity,
		Mode:         s.mode,
		Language:     s.cfg.Agent.Language,
		Instructions: s.cfg.Agent.Instructions,
	})
}

func (s *Stack) CloseAvatar(ctx context.Context) error { return s.avatar.Close(ctx) }

// transcriber starts the STT sources and merges them.
type transcriber struct {
	*stt.Failover
	deepgram *stt.Session
	avatar   *AvatarTranscripts
}

func (t *transcriber) Run(ctx context.Context) {
	if t.deepgram != nil {
		t.deepgram.Start()
		context.AfterFunc(ctx, t.deepgram.Close)
	}
	t.avatar.Run(ctx)
	t.Failover.Run(ctx)
}
