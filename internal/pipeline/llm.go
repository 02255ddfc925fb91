package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

var errEmptyReply = errors.New("empty reply")

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type ChatMessage struct {
	Role    string
	Content string
}

// LLM produces one reply for a conversation.
type LLM interface {
	Name() string
	Chat(ctx context.Context, msgs []ChatMessage) (string, error)
}

// LLMChain tries each provider in order.
type LLMChain struct {
	providers []LLM
	log       *slog.Logger
}

func NewLLMChain(logger *slog.Logger, providers ...LLM) *LLMChain {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMChain{providers: providers, log: logger.With("component", "llm")}
}

func (c *LLMChain) Name() string { return "llm-chain" }

func (c *LLMChain) Len() int { return len(c.providers) }

func (c *LLMChain) Chat(ctx context.Context, msgs []ChatMessage) (string, error) {
	return failover(ctx, c.log, "llm", c.providers, func(ctx context.Context, p LLM) (string, error) {
		out, err := p.Chat(ctx, msgs)
		if err != nil {
			return "", err
		}
		out = strings.TrimSpace(out)
		if out == "" {
			return "", errEmptyReply
		}
		return out, nil
	})
}
