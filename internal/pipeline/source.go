package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"yuzu/avatar/internal/avatar"
)

// AvatarTranscripts turns the avatar provider's own user transcripts into an
// STT source. It is the backup behind the streaming recognizer.
type AvatarTranscripts struct {
	events <-chan avatar.Event
	log    *slog.Logger
	out    chan string
	alive  atomic.Bool
	once   sync.Once
}

func NewAvatarTranscripts(events <-chan avatar.Event, logger *slog.Logger) *AvatarTranscripts {
	if logger == nil {
		logger = slog.Default()
	}
	a := &AvatarTranscripts{
		events: events,
		log:    logger.With("component", "avatar-stt"),
		out:    make(chan string, 16),
	}
	a.alive.Store(true)
	return a
}

func (a *AvatarTranscripts) Name() string { return "avatar" }

func (a *AvatarTranscripts) Healthy() bool { return a.alive.Load() }

func (a *AvatarTranscripts) Transcripts() <-chan string { return a.out }

// Run drains avatar events until the socket ends or ctx is done.
func (a *AvatarTranscripts) Run(ctx context.Context) {
	a.once.Do(func() {
		go a.run(ctx)
	})
}

func (a *AvatarTranscripts) run(ctx context.Context) {
	defer close(a.out)
	defer a.alive.Store(false)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-a.events:
			if !ok {
				return
			}
			switch e.Type {
			case avatar.TypeUserUtterance:
				text := strings.TrimSpace(e.Text)
				if text == "" {
					continue
				}
				select {
				case a.out <- text:
				default:
					a.log.Warn("transcript dropped", "text", text)
				}
			case avatar.TypeError:
				a.log.Warn("avatar error", "code", e.Code, "message", e.Message, "utterance_id", e.UtteranceID)
			default:
				a.log.Debug("avatar event", "type", e.Type, "utterance_id", e.UtteranceID)
			}
		}
	}
}
