package avatar

import "sync"

// Decision is what the floor wants done after an event.
type Decision struct {
	ShouldStop      bool
	StopUtteranceID string
	Reason          string
}

// Floor tracks whether the avatar is speaking and which utterance holds the
// floor, so user speech can interrupt it.
type Floor struct {
	mu                sync.Mutex
	speaking          bool
	activeUtteranceID string
	lastStartedTsMs   int64
	lastUserTsMs      int64
}

func NewFloor() *Floor { return &Floor{} }

func (f *Floor) OnSpeechStarted(utteranceID string, tsMs int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.speaking = true
	f.activeUtteranceID = utteranceID
	f.lastStartedTsMs = tsMs
}

// OnSpeechStopped clears speaking regardless of id.
func (f *Floor) OnSpeechStopped(utteranceID string, tsMs int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.speaking = false
	f.activeUtteranceID = ""
}

func (f *Floor) OnUserSpeech(tsMs int64) Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUserTsMs = tsMs
	if f.speaking {
		return Decision{ShouldStop: true, StopUtteranceID: f.activeUtteranceID, Reason: "barge_in"}
	}
	return Decision{}
}

func (f *Floor) Speaking() (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.speaking, f.activeUtteranceID
}
