package avatar

import "time"

// Message is the envelope on the avatar control socket, in both directions.
type Message struct {
	Type        string         `json:"type"`
	TsMs        int64          `json:"ts_ms"`
	Seq         int64          `json:"seq"`
	UtteranceID string         `json:"utterance_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Outbound commands.
const (
	TypeStart      = "start"
	TypeSpeak      = "speak"
	TypeRespond    = "respond"
	TypeSetContext = "set_context"
	TypeInterrupt  = "interrupt"
	TypeStop       = "stop"
)

// Inbound events.
const (
	TypeReady             = "ready"
	TypeSpeechStarted     = "speech_started"
	TypeSpeechStopped     = "speech_stopped"
	TypeUserSpeechStarted = "user_speech_started"
	TypeUserUtterance     = "user_utterance"
	TypeError             = "error"
)

// Mode selects who runs the conversational pipeline.
type Mode string

const (
	// ModeEcho renders audio the agent sends.
	ModeEcho Mode = "echo"
	// ModeFull lets the provider run its own speech and language stack.
	ModeFull Mode = "full"
)

// Event is an inbound message the session layer cares about.
type Event struct {
	Type        string
	UtteranceID string
	Text        string
	Code        string
	Message     string
}

func (m Message) str(key string) string {
	if m.Payload == nil {
		return ""
	}
	s, _ := m.Payload[key].(string)
	return s
}

func nowMs() int64 { return time.Now().UnixMilli() }
