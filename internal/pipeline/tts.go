package pipeline

import (
	"context"
	"errors"
	"log/slog"
)

var errNoAudio = errors.New("no audio")

// Audio is mono PCM16 little-endian.
type Audio struct {
	PCM        []byte
	SampleRate int
}

// TTS synthesizes one utterance.
type TTS interface {
	Name() string
	Synthesize(ctx context.Context, text string) (Audio, error)
}

// TTSChain tries each provider in order.
type TTSChain struct {
	providers []TTS
	log       *slog.Logger
}

func NewTTSChain(logger *slog.Logger, providers ...TTS) *TTSChain {
	if logger == nil {
		logger = slog.Default()
	}
	return &TTSChain{providers: providers, log: logger.With("component", "tts")}
}

func (c *TTSChain) Name() string { return "tts-chain" }

func (c *TTSChain) Len() int { return len(c.providers) }

func (c *TTSChain) Synthesize(ctx context.Context, text string) (Audio, error) {
	return failover(ctx, c.log, "tts", c.providers, func(ctx context.Context, p TTS) (Audio, error) {
		a, err := p.Synthesize(ctx, text)
		if err != nil {
			return Audio{}, err
		}
		if len(a.PCM) == 0 {
			return Audio{}, errNoAudio
		}
		return a, nil
	})
}
