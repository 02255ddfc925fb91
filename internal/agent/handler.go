package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"yuzu/avatar/internal/protocol"
)

const rawLogLimit = 200

// Handler consumes inbound data-channel messages and emits the lifecycle
// events they imply. Every message is handled on its own goroutine so a slow
// reply never stalls decoding of the next one.
type Handler struct {
	state   *State
	session Session
	pub     Publisher
	log     *slog.Logger

	wg sync.WaitGroup
}

func NewHandler(state *State, session Session, pub Publisher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		state:   state,
		session: session,
		pub:     pub,
		log:     logger.With("component", "protocol"),
	}
}

// HandleData dispatches one raw payload and returns immediately.
func (h *Handler) HandleData(ctx context.Context, data []byte) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.handle(ctx, data)
	}()
}

// Wait blocks until every dispatched message finished.
func (h *Handler) Wait() { h.wg.Wait() }

func (h *Handler) handle(ctx context.Context, data []byte) {
	log := h.log.With("msg_id", uuid.NewString())
	defer func() {
		if r := recover(); r != nil {
			metricDataMessages.WithLabelValues("unknown", "panic").Inc()
			log.Error("data message handler panicked", "panic", r)
		}
	}()
	log.Debug("data message received", "raw", truncate(string(data), rawLogLimit))

	env, err := protocol.Decode(data)
	if err != nil {
		metricDataMessages.WithLabelValues("invalid", "malformed").Inc()
		log.Error("malformed data message", "err", err, "raw", string(data))
		return
	}
	switch env.Type {
	case protocol.TypeUserMessage:
		h.handleUserMessage(ctx, log, env)
	case protocol.TypeSystemPrompt:
		h.handleSystemPrompt(ctx, log, env)
	default:
		metricDataMessages.WithLabelValues("other", "ignored").Inc()
		log.Debug("ignoring data message", "type", env.Type)
	}
}

func (h *Handler) handleUserMessage(ctx context.Context, log *slog.Logger, env protocol.Envelope) {
	content := strings.TrimSpace(env.Content)
	if content == "" {
		metricDataMessages.WithLabelValues(env.Type, "empty").Inc()
		log.Warn("user_message with empty content, skipping")
		return
	}
	log.Info("processing user message", "content", truncate(content, 100), "chars", len(content))

	played, err := h.userTurn(ctx, log, content)
	if err != nil {
		metricDataMessages.WithLabelValues(env.Type, "error").Inc()
		metricTurns.WithLabelValues("text", "error").Inc()
		log.Error("user turn failed", "err", err, "played", played)
		if perr := h.pub.Publish(ctx, protocol.SpeechEnded(err)); perr != nil {
			log.Error("failed to send error speech end", "err", perr)
		}
	} else {
		metricDataMessages.WithLabelValues(env.Type, "ok").Inc()
		metricTurns.WithLabelValues("text", "ok").Inc()
	}
	// The override was used by the reply once playout finished, whether or
	// not the end event got through.
	if played {
		h.consumeOverride(ctx, log, "text")
	}
}

// userTurn runs started -> reply -> playout -> ended. played reports whether
// playout completed; any error means the normal end event was not delivered.
func (h *Handler) userTurn(ctx context.Context, log *slog.Logger, content string) (played bool, err error) {
	if err := h.pub.Publish(ctx, protocol.SpeechStarted()); err != nil {
		return false, fmt.Errorf("publish speech started: %w", err)
	}
	handle, err := h.session.GenerateReply(ctx, ReplyRequest{UserInput: content})
	if err != nil {
		return false, fmt.Errorf("generate reply: %w", err)
	}
	log.Debug("reply generation started", "speech_id", handle.ID())
	if err := handle.Wait(ctx); err != nil {
		return false, fmt.Errorf("playout: %w", err)
	}
	if err := h.pub.Publish(ctx, protocol.SpeechEnded(nil)); err != nil {
		return true, fmt.Errorf("publish speech ended: %w", err)
	}
	return true, nil
}

func (h *Handler) handleSystemPrompt(ctx context.Context, log *slog.Logger, env protocol.Envelope) {
	purpose, ok := protocol.NormalizePurpose(env.Purpose)
	text := strings.TrimSpace(env.Content)
	log.Debug("system_prompt received", "purpose", purpose, "chars", len(text))
	if !ok || text == "" {
		metricDataMessages.WithLabelValues(env.Type, "invalid").Inc()
		log.Debug("ignoring system_prompt", "purpose", purpose, "empty", text == "")
		return
	}

	if err := h.state.reserveOverride(purpose, text); err != nil {
		metricDataMessages.WithLabelValues(env.Type, "rejected").Inc()
		metricOverrides.WithLabelValues("rejected").Inc()
		if errors.Is(err, ErrOverrideActive) {
			log.Warn("override already active; ignoring new one until the current turn completes", "purpose", purpose)
		} else {
			log.Warn("ignoring system_prompt", "purpose", purpose, "err", err)
		}
		return
	}
	if err := h.session.UpdateInstructions(ctx, text); err != nil {
		h.state.abortOverride()
		metricDataMessages.WithLabelValues(env.Type, "error").Inc()
		log.Error("failed to apply system prompt", "purpose", purpose, "err", err)
		return
	}
	h.state.confirmOverride()
	metricDataMessages.WithLabelValues(env.Type, "ok").Inc()
	metricOverrides.WithLabelValues("applied").Inc()
	log.Info("applied temporary system prompt for next turn", "purpose", purpose)

	if err := h.pub.Publish(ctx, protocol.SystemPromptAck(purpose)); err != nil {
		log.Debug("failed sending system_prompt_ack", "err", err)
	}
}

// OnSpeechCreated handles utterances the session started on its own (voice
// input). Client-triggered utterances are already covered by userTurn.
func (h *Handler) OnSpeechCreated(ctx context.Context, handle *SpeechHandle) {
	if handle.UserInitiated() {
		return
	}
	log := h.log.With("speech_id", handle.ID())
	started := make(chan struct{})
	go func() {
		defer close(started)
		if err := h.pub.Publish(ctx, protocol.SpeechStarted()); err != nil {
			log.Warn("could not emit speech started for voice turn", "err", err)
		}
	}()
	err := handle.OnComplete(func(turnErr error) {
		go func() {
			<-started
			defer h.consumeOverride(ctx, log, "voice")
			status := "ok"
			if turnErr != nil {
				status = "error"
				log.Error("voice turn failed", "err", turnErr)
			}
			metricTurns.WithLabelValues("voice", status).Inc()
			if err := h.pub.Publish(ctx, protocol.SpeechEnded(turnErr)); err != nil {
				log.Warn("could not emit speech ended for voice turn", "err", err)
			}
		}()
	})
	if err != nil {
		log.Warn("could not attach completion callback to speech handle", "err", err)
	}
}

// consumeOverride restores the base instructions after one completed turn.
func (h *Handler) consumeOverride(ctx context.Context, log *slog.Logger, turn string) {
	base, purpose, ok := h.state.beginConsume()
	if !ok {
		return
	}
	if err := h.session.UpdateInstructions(ctx, base); err != nil {
		log.Error("failed to restore base instructions on session", "err", err)
	}
	h.state.finishConsume()
	metricOverrides.WithLabelValues("consumed").Inc()
	log.Info("system prompt reset to default after one turn", "turn", turn, "was", purpose)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
