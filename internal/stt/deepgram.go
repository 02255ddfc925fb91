// Package stt turns room audio into user transcripts. The primary provider
// is a live Deepgram socket; further sources can be chained behind it.
package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// Event is one parsed provider message.
type Event struct {
	Type string // "interim" | "final" | "error" | "meta"
	Text string
}

type DeepgramConfig struct {
	APIKey   string
	Model    string
	Language string
	// Encoding and SampleRate describe the frames passed to Send. Room audio
	// is raw opus at 48 kHz.
	Encoding      string
	SampleRate    int
	EndpointingMs int
	UtterEndMs    int
	BaseURL       string
	SocketMaxAge  time.Duration
}

// DeepgramConn keeps one live socket to Deepgram, reconnecting with backoff
// and a circuit breaker, and emits transcript events.
type DeepgramConn struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger

	apiKey string
	url    string
	maxAge time.Duration

	sendQ  chan []byte
	events chan Event

	connected atomic.Bool
	mu        sync.Mutex
	fails     []time.Time
	circuit   time.Time

	segments    []string
	lastInterim string
}

func NewDeepgramConn(parent context.Context, cfg DeepgramConfig, logger *slog.Logger) *DeepgramConn {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	q := url.Values{}
	q.Set("model", orDefault(cfg.Model, "nova-2"))
	switch lang := strings.TrimSpace(cfg.Language); lang {
	case "":
		q.Set("language", "en-US")
	case "detect":
		q.Set("detect_language", "true")
	default:
		q.Set("language", lang)
	}
	q.Set("smart_format", "true")
	q.Set("interim_results", "true")
	q.Set("vad_events", "true")
	q.Set("endpointing", strconv.Itoa(nzd(cfg.EndpointingMs, 1000)))
	q.Set("utterance_end_ms", strconv.Itoa(nzd(cfg.UtterEndMs, 1500)))
	q.Set("encoding", orDefault(cfg.Encoding, "opus"))
	q.Set("sample_rate", strconv.Itoa(nzd(cfg.SampleRate, 48000)))
	q.Set("channels", "1")
	base := cfg.BaseURL
	if base == "" {
		base = "wss://api.deepgram.com/v1/listen"
	}
	maxAge := cfg.SocketMaxAge
	if maxAge == 0 {
		maxAge = 15 * time.Minute
	}
	return &DeepgramConn{
		ctx:    ctx,
		cancel: cancel,
		log:    logger.With("component", "deepgram"),
		apiKey: cfg.APIKey,
		url:    base + "?" + q.Encode(),
		maxAge: maxAge,
		sendQ:  make(chan []byte, 64),
		events: make(chan Event, 32),
	}
}

func (d *DeepgramConn) Start() { go d.run() }

func (d *DeepgramConn) Close() { d.cancel() }

func (d *DeepgramConn) Events() <-chan Event { return d.events }

// Send enqueues one audio frame; false means the frame was dropped.
func (d *DeepgramConn) Send(frame []byte) bool {
	select {
	case d.sendQ <- frame:
		metricAudioBytes.Add(float64(len(frame)))
		metricFrames.Inc()
		return true
	default:
		metricDrops.Inc()
		return false
	}
}

// Healthy is true while the socket is up and the breaker is closed.
func (d *DeepgramConn) Healthy() bool {
	d.mu.Lock()
	open := time.Now().Before(d.circuit)
	d.mu.Unlock()
	return d.connected.Load() && !open
}

func (d *DeepgramConn) run() {
	defer close(d.events)
	for {
		if err := d.connectAndPump(); err != nil {
			d.addFailure()
			d.emit(Event{Type: "error", Text: err.Error()})
		} else {
			d.resetFailures()
		}
		if d.ctx.Err() != nil {
			return
		}
		select {
		case <-d.ctx.Done():
			return
		case <-time.After(d.nextBackoff()):
		}
	}
}

func (d *DeepgramConn) connectAndPump() error {
	d.mu.Lock()
	open := time.Now().Before(d.circuit)
	d.mu.Unlock()
	if open {
		return fmt.Errorf("circuit open")
	}

	hdr := make(http.Header)
	if d.apiKey != "" {
		hdr.Set("Authorization", "Token "+d.apiKey)
	}
	ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
	defer cancel()
	start := time.Now()
	ws, _, err := websocket.Dial(ctx, d.url, &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		return fmt.Errorf("deepgram dial: %w", err)
	}
	d.log.Info("deepgram connected", "ms", time.Since(start).Milliseconds())
	metricConnectMS.Observe(float64(time.Since(start).Milliseconds()))
	metricReconnects.Inc()
	d.connected.Store(true)
	defer func() {
		d.connected.Store(false)
		_ = ws.Close(websocket.StatusNormalClosure, "bye")
	}()

	go func() {
		for {
			select {
			case <-d.ctx.Done():
				return
			case b := <-d.sendQ:
				wctx, cancel := context.WithTimeout(d.ctx, 5*time.Second)
				err := ws.Write(wctx, websocket.MessageBinary, b)
				cancel()
				if err != nil {
					d.log.Warn("deepgram write failed", "err", err)
					return
				}
				gaugeQueueDepth.Set(float64(len(d.sendQ)))
			}
		}
	}()

	rotate := time.NewTimer(d.maxAge)
	defer rotate.Stop()
	for {
		select {
		case <-rotate.C:
			return fmt.Errorf("rotate")
		default:
		}
		_, data, err := ws.Read(d.ctx)
		if err != nil {
			if d.ctx.Err() != nil {
				return nil
			}
			return err
		}
		if len(data) == 0 {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			d.log.Debug("deepgram frame not JSON", "err", err)
			continue
		}
		d.handle(m)
	}
}

func (d *DeepgramConn) handle(m map[string]any) {
	typ := toString(m["type"])
	switch {
	case strings.EqualFold(typ, "Error") || m["error"] != nil:
		msg := toString(m["error"])
		if msg == "" {
			msg = toString(m["message"])
		}
		if msg == "" {
			msg = "provider_error"
		}
		d.emit(Event{Type: "error", Text: msg})
	case strings.EqualFold(typ, "Metadata"):
		d.emit(Event{Type: "meta"})
	case strings.EqualFold(typ, "SpeechStarted"):
		metricUtteranceEvents.WithLabelValues("speech_started").Inc()
	case strings.EqualFold(typ, "UtteranceEnd"):
		metricUtteranceEvents.WithLabelValues("utterance_end").Inc()
		d.flush("utterance_end")
	case strings.EqualFold(typ, "Results") || m["channel"] != nil:
		text := transcript(m)
		if toBool(m["is_final"]) {
			if text != "" {
				d.segments = append(d.segments, text)
			}
			if toBool(m["speech_final"]) {
				d.flush("provider")
			}
			return
		}
		if text != "" {
			d.lastInterim = text
			d.emit(Event{Type: "interim", Text: text})
		}
	}
}

// flush emits the finalized segments of the current utterance, falling back
// to the last interim when nothing was finalized.
func (d *DeepgramConn) flush(source string) {
	text := strings.TrimSpace(strings.Join(d.segments, " "))
	if text == "" && source == "utterance_end" {
		text = d.lastInterim
		source = "interim_fallback"
	}
	d.segments = nil
	d.lastInterim = ""
	if text == "" {
		metricEmptyFinalSkipped.Inc()
		return
	}
	metricFinalEmitted.WithLabelValues(source).Inc()
	d.emit(Event{Type: "final", Text: text})
}

func (d *DeepgramConn) emit(e Event) {
	select {
	case d.events <- e:
	default:
		metricEventDrops.Inc()
	}
}

func (d *DeepgramConn) addFailure() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	d.fails = append(d.fails, now)
	cutoff := now.Add(-60 * time.Second)
	j := 0
	for _, t := range d.fails {
		if t.After(cutoff) {
			d.fails[j] = t
			j++
		}
	}
	d.fails = d.fails[:j]
	if len(d.fails) >= 3 {
		d.circuit = now.Add(30 * time.Second)
		metricCircuitOpens.Inc()
	}
}

func (d *DeepgramConn) resetFailures() {
	d.mu.Lock()
	d.fails = nil
	d.mu.Unlock()
}

func (d *DeepgramConn) nextBackoff() time.Duration {
	d.mu.Lock()
	n := len(d.fails)
	d.mu.Unlock()
	if n <= 0 {
		return time.Second
	}
	if n > 5 {
		n = 5
	}
	return time.Duration(1<<uint(n-1)) * time.Second
}

func transcript(m map[string]any) string {
	channel, _ := m["channel"].(map[string]any)
	if channel == nil {
		return ""
	}
	alts, _ := channel["alternatives"].([]any)
	if len(alts) == 0 {
		return ""
	}
	a0, _ := alts[0].(map[string]any)
	return strings.TrimSpace(toString(a0["transcript"]))
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func nzd(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}

func toBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true")
	default:
		return false
	}
}
