// Package agent holds the conversational session contract, the mutable
// session state and the data-channel protocol handler that drives both.
package agent

import (
	"context"

	"yuzu/avatar/internal/protocol"
)

// ReplyRequest asks the session for one reply. UserInput is treated as if
// the user had said it; Instructions, when set, steer this reply only.
type ReplyRequest struct {
	UserInput    string
	Instructions string
}

// Session is a live conversational stack bound to a room.
type Session interface {
	Start(ctx context.Context) error
	GenerateReply(ctx context.Context, req ReplyRequest) (*SpeechHandle, error)
	UpdateInstructions(ctx context.Context, instructions string) error
	// SetSpeechCreatedHandler installs the callback invoked for every new
	// utterance, client-triggered or autonomous.
	SetSpeechCreatedHandler(fn func(*SpeechHandle))
	Close(ctx context.Context) error
}

// Publisher sends protocol events to remote clients.
type Publisher interface {
	Publish(ctx context.Context, env protocol.Envelope) error
}
