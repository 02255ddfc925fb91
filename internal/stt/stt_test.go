package stt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

type chanSource struct {
	name    string
	ch      chan string
	healthy atomic.Bool
}

func newChanSource(name string, healthy bool) *chanSource {
	s := &chanSource{name: name, ch: make(chan string, 4)}
	s.healthy.Store(healthy)
	return s
}

func (s *chanSource) Name() string               { return s.name }
func (s *chanSource) Transcripts() <-chan string { return s.ch }
func (s *chanSource) Healthy() bool              { return s.healthy.Load() }

func next(t *testing.T, f *Failover) Transcript {
	t.Helper()
	select {
	case tr := <-f.Transcripts():
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("no transcript")
		return Transcript{}
	}
}

func TestFailoverPrefersHealthyPrimary(t *testing.T) {
	primary := newChanSource("deepgram", true)
	secondary := newChanSource("avatar", true)
	f := NewFailover(nil, primary, secondary)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.Run(ctx)

	secondary.ch <- "shadowed"
	primary.ch <- "from primary"
	if tr := next(t, f); tr.Source != "deepgram" || tr.Text != "from primary" {
		t.Fatalf("got %+v", tr)
	}
	select {
	case tr := <-f.Transcripts():
		t.Fatalf("secondary leaked through: %+v", tr)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFailoverUsesSecondaryWhenPrimaryDown(t *testing.T) {
	primary := newChanSource("deepgram", false)
	secondary := newChanSource("avatar", true)
	f := NewFailover(nil, primary, secondary)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.Run(ctx)

	secondary.ch <- "from secondary"
	if tr := next(t, f); tr.Source != "avatar" || tr.Text != "from secondary" {
		t.Fatalf("got %+v", tr)
	}
}

func TestFailoverClosesWhenSourcesEnd(t *testing.T) {
	a := newChanSource("a", false)
	f := NewFailover(nil, a)
	f.Run(context.Background())
	close(a.ch)
	select {
	case _, ok := <-f.Transcripts():
		if ok {
			t.Fatal("unexpected transcript")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("output not closed")
	}
}

func TestDeepgramJoinsSegmentsUntilSpeechFinal(t *testing.T) {
	d := NewDeepgramConn(context.Background(), DeepgramConfig{}, nil)
	d.handle(result("hello there", true, false))
	d.handle(result("how are you", true, true))
	ev := <-d.Events()
	if ev.Type != "final" || ev.Text != "hello there how are you" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestDeepgramUtteranceEndFallsBackToInterim(t *testing.T) {
	d := NewDeepgramConn(context.Background(), DeepgramConfig{}, nil)
	d.handle(result("partial words", false, false))
	<-d.Events() // interim
	d.handle(map[string]any{"type": "UtteranceEnd"})
	ev := <-d.Events()
	if ev.Type != "final" || ev.Text != "partial words" {
		t.Fatalf("event = %+v", ev)
	}
	d.handle(map[string]any{"type": "UtteranceEnd"})
	select {
	case ev := <-d.Events():
		t.Fatalf("duplicate event %+v", ev)
	default:
	}
}

func TestDeepgramURLParams(t *testing.T) {
	d := NewDeepgramConn(context.Background(), DeepgramConfig{Language: "detect"}, nil)
	for _, want := range []string{"encoding=opus", "sample_rate=48000", "detect_language=true"} {
		if !strings.Contains(d.url, want) {
			t.Errorf("url %q missing %q", d.url, want)
		}
	}
}

func TestSessionStreamsFinalsFromSocket(t *testing.T) {
	audio := make(chan []byte, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token dg-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		_, b, err := c.Read(ctx)
		if err != nil {
			return
		}
		audio <- b
		out, _ := json.Marshal(result("turn on the lights", true, true))
		_ = c.Write(ctx, websocket.MessageText, out)
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dg := NewDeepgramConn(ctx, DeepgramConfig{APIKey: "dg-key", BaseURL: "ws" + strings.TrimPrefix(srv.URL, "http")}, nil)
	s := NewSession(dg, "user-1", nil)
	s.Start()
	defer s.Close()

	deadline := time.Now().Add(2 * time.Second)
	for !s.Healthy() {
		if time.Now().After(deadline) {
			t.Fatal("socket never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Feed("someone-else", []byte{9, 9})
	s.Feed("user-1", []byte{1, 2, 3})

	select {
	case b := <-audio:
		if len(b) != 3 || b[0] != 1 {
			t.Fatalf("audio = %v", b)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no audio reached provider")
	}
	select {
	case text := <-s.Transcripts():
		if text != "turn on the lights" {
			t.Fatalf("text = %q", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no transcript")
	}
}

func result(text string, isFinal, speechFinal bool) map[string]any {
	return map[string]any{
		"type":         "Results",
		"is_final":     isFinal,
		"speech_final": speechFinal,
		"channel": map[string]any{
			"alternatives": []any{map[string]any{"transcript": text}},
		},
	}
}
