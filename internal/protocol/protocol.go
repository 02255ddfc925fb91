// Package protocol defines the JSON envelope exchanged with remote clients
// over the room's reliable data channel.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultTopic scopes agent messages on the data channel.
const DefaultTopic = "avatar"

const (
	TypeUserMessage     = "user_message"
	TypeSystemPrompt    = "system_prompt"
	TypeSpeechStarted   = "avatar_speech_started"
	TypeSpeechEnded     = "avatar_speech_ended"
	TypeSystemPromptAck = "system_prompt_ack"
)

// Override purposes accepted by system_prompt.
const (
	PurposePronunciation = "pronunciation"
	PurposeDebugOverride = "debug_override"
)

// Envelope is the wire form of every message. Only Type is mandatory.
type Envelope struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Purpose string `json:"purpose,omitempty"`
	Error   bool   `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// Decode parses one inbound payload. An object without a type decodes to an
// empty Type, which callers treat as an unrecognized message.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

func Encode(env Envelope) ([]byte, error) { return json.Marshal(env) }

// NormalizePurpose trims and lower-cases a purpose and reports whether it is
// one of the recognized override purposes.
func NormalizePurpose(p string) (string, bool) {
	p = strings.ToLower(strings.TrimSpace(p))
	switch p {
	case PurposePronunciation, PurposeDebugOverride:
		return p, true
	}
	return p, false
}

func SpeechStarted() Envelope { return Envelope{Type: TypeSpeechStarted} }

// SpeechEnded marks the end of an utterance; a non-nil err tags it abnormal.
func SpeechEnded(err error) Envelope {
	env := Envelope{Type: TypeSpeechEnded}
	if err != nil {
		env.Error = true
		env.Message = err.Error()
	}
	return env
}

func SystemPromptAck(purpose string) Envelope {
	return Envelope{Type: TypeSystemPromptAck, Purpose: purpose}
}
