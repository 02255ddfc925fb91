// Package avatar is the control socket to the avatar-rendering provider. The
// provider joins the room on the agent's behalf and publishes the avatar's
// video and voice; the agent either feeds it synthesized audio (echo mode) or
// lets it run its own conversational stack (full mode).
package avatar

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

var ErrClosed = errors.New("avatar connection closed")

// ProviderError is an error frame reported by the provider.
type ProviderError struct {
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	if e.Code == "" {
		return "avatar provider: " + e.Message
	}
	return fmt.Sprintf("avatar provider %s: %s", e.Code, e.Message)
}

type Config struct {
	URL       string
	APIKey    string
	ReplicaID string
	PersonaID string
}

// StartRequest tells the provider which room to join and how.
type StartRequest struct {
	RoomURL  string
	Room     string
	Token    string
	Identity string
	Mode     Mode
	Language string
	// Instructions is used in full mode only.
	Instructions string
}

type Client struct {
	cfg   Config
	log   *slog.Logger
	ws    *websocket.Conn
	floor *Floor

	writeMu sync.Mutex
	seq     atomic.Int64

	mu       sync.Mutex
	pending  map[string]*playout
	starting bool
	ready    chan error

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

type playout struct {
	done  chan error
	since time.Time
}

// Dial opens the control socket. The returned client reads until Close or
// until the provider hangs up.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.URL == "" {
		return nil, errors.New("avatar url not configured")
	}
	hdr := make(http.Header)
	if cfg.APIKey != "" {
		hdr.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	start := time.Now()
	ws, resp, err := websocket.Dial(ctx, cfg.URL, &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, &ProviderError{Code: "invalid_api_key", Message: "avatar provider rejected api_key"}
		}
		return nil, fmt.Errorf("dial avatar: %w", err)
	}
	ws.SetReadLimit(1 << 20)
	metricConnectMS.Observe(float64(time.Since(start).Milliseconds()))

	c := &Client{
		cfg:     cfg,
		log:     logger.With("component", "avatar"),
		ws:      ws,
		floor:   NewFloor(),
		pending: make(map[string]*playout),
		ready:   make(chan error, 1),
		events:  make(chan Event, 32),
		done:    make(chan struct{}),
	}
	c.log.Info("avatar socket connected", "ms", time.Since(start).Milliseconds())
	go c.readLoop()
	return c, nil
}

// Start asks the provider to join the room and waits until it reports ready.
func (c *Client) Start(ctx context.Context, req StartRequest) error {
	c.mu.Lock()
	c.starting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
	}()

	payload := map[string]any{
		"room_url":   req.RoomURL,
		"room":       req.Room,
		"token":      req.Token,
		"identity":   req.Identity,
		"mode":       string(req.Mode),
		"replica_id": c.cfg.ReplicaID,
		"persona_id": c.cfg.PersonaID,
	}
	if req.Language != "" {
		payload["language"] = req.Language
	}
	if req.Instructions != "" {
		payload["instructions"] = req.Instructions
	}
	if err := c.send(ctx, Message{Type: TypeStart, Payload: payload}); err != nil {
		return err
	}
	select {
	case err := <-c.ready:
		if err != nil {
			return fmt.Errorf("avatar start: %w", err)
		}
		c.log.Info("avatar joined room", "room", req.Room, "mode", req.Mode)
		return nil
	case <-c.done:
		return c.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Speak sends one utterance of PCM16 mono audio. The returned channel yields
// once, when the provider finished playing it or failed.
func (c *Client) Speak(ctx context.Context, utteranceID string, pcm []byte, sampleRate int) (<-chan error, error) {
	return c.track(ctx, utteranceID, Message{
		Type:        TypeSpeak,
		UtteranceID: utteranceID,
		Payload: map[string]any{
			"audio":       base64.StdEncoding.EncodeToString(pcm),
			"encoding":    "pcm_s16le",
			"sample_rate": sampleRate,
		},
	})
}

// Respond asks the provider to generate and speak a reply itself.
func (c *Client) Respond(ctx context.Context, utteranceID, text, instructions string) (<-chan error, error) {
	payload := map[string]any{"text": text}
	if instructions != "" {
		payload["instructions"] = instructions
	}
	return c.track(ctx, utteranceID, Message{Type: TypeRespond, UtteranceID: utteranceID, Payload: payload})
}

// SetContext replaces the provider-side instructions.
func (c *Client) SetContext(ctx context.Context, instructions string) error {
	return c.send(ctx, Message{Type: TypeSetContext, Payload: map[string]any{"text": instructions}})
}

func (c *Client) Interrupt(ctx context.Context, utteranceID string) error {
	return c.send(ctx, Message{Type: TypeInterrupt, UtteranceID: utteranceID})
}

// Events carries user transcripts, speech the provider started on its own,
// and unsolicited provider errors. It is closed when the socket ends.
func (c *Client) Events() <-chan Event { return c.events }

func (c *Client) Done() <-chan struct{} { return c.done }

// Close says goodbye and closes the socket. Pending playouts fail with
// ErrClosed.
func (c *Client) Close(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	default:
	}
	if err := c.send(ctx, Message{Type: TypeStop}); err != nil {
		c.log.Debug("stop not delivered", "err", err)
	}
	closed := make(chan error, 1)
	go func() { closed <- c.ws.Close(websocket.StatusNormalClosure, "bye") }()
	select {
	case err := <-closed:
		c.shutdown(ErrClosed)
		if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
			return fmt.Errorf("close avatar socket: %w", err)
		}
		return nil
	case <-ctx.Done():
		c.shutdown(ErrClosed)
		return ctx.Err()
	}
}

func (c *Client) track(ctx context.Context, id string, m Message) (<-chan error, error) {
	if id == "" {
		return nil, errors.New("utterance id required")
	}
	p := &playout{done: make(chan error, 1), since: time.Now()}
	c.mu.Lock()
	if err := c.closeErr; err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = p
	c.mu.Unlock()
	if err := c.send(ctx, m); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}
	return p.done, nil
}

func (c *Client) send(ctx context.Context, m Message) error {
	if c.isClosed() {
		return c.closedErr()
	}
	m.TsMs = nowMs()
	m.Seq = c.seq.Add(1)
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Type, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("send %s: %w", m.Type, err)
	}
	metricMessages.WithLabelValues("out", m.Type).Inc()
	return nil
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		typ, data, err := c.ws.Read(context.Background())
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				c.shutdown(ErrClosed)
			} else {
				c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			c.log.Warn("invalid avatar message", "err", err)
			continue
		}
		metricMessages.WithLabelValues("in", m.Type).Inc()
		c.dispatch(m)
	}
}

func (c *Client) dispatch(m Message) {
	switch m.Type {
	case TypeReady:
		c.signalReady(nil)
	case TypeSpeechStarted:
		c.floor.OnSpeechStarted(m.UtteranceID, m.TsMs)
		c.log.Debug("avatar speech started", "utterance_id", m.UtteranceID)
		if !c.isPending(m.UtteranceID) {
			c.emit(Event{Type: TypeSpeechStarted, UtteranceID: m.UtteranceID})
		}
	case TypeSpeechStopped:
		c.floor.OnSpeechStopped(m.UtteranceID, m.TsMs)
		c.log.Debug("avatar speech stopped", "utterance_id", m.UtteranceID, "reason", m.str("reason"))
		if !c.resolve(m.UtteranceID, nil) {
			c.emit(Event{Type: TypeSpeechStopped, UtteranceID: m.UtteranceID})
		}
	case TypeUserSpeechStarted:
		if dec := c.floor.OnUserSpeech(m.TsMs); dec.ShouldStop {
			metricBargeIns.Inc()
			c.log.Info("user barge-in, interrupting avatar", "utterance_id", dec.StopUtteranceID)
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := c.Interrupt(ctx, dec.StopUtteranceID); err != nil {
					c.log.Warn("interrupt not delivered", "err", err)
				}
			}()
		}
	case TypeUserUtterance:
		text := m.str("text")
		if text == "" {
			return
		}
		c.emit(Event{Type: TypeUserUtterance, UtteranceID: m.UtteranceID, Text: text})
	case TypeError:
		perr := &ProviderError{Code: m.str("code"), Message: m.str("message")}
		c.log.Error("avatar provider error", "code", perr.Code, "message", perr.Message, "utterance_id", m.UtteranceID)
		if m.UtteranceID != "" && c.resolve(m.UtteranceID, perr) {
			return
		}
		c.signalReady(perr)
		c.emit(Event{Type: TypeError, UtteranceID: m.UtteranceID, Code: perr.Code, Message: perr.Message})
	default:
		c.log.Debug("ignoring avatar message", "type", m.Type)
	}
}

func (c *Client) signalReady(err error) {
	c.mu.Lock()
	starting := c.starting
	c.mu.Unlock()
	if !starting {
		return
	}
	select {
	case c.ready <- err:
	default:
	}
}

func (c *Client) isPending(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	return ok
}

func (c *Client) resolve(id string, err error) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		return false
	}
	metricPlayoutMS.Observe(float64(time.Since(p.since).Milliseconds()))
	p.done <- err
	return true
}

// lifecycleWait bounds how long the read loop stalls to deliver a speech
// lifecycle event when the buffer is full. Those events complete turns
// downstream; transcripts may be dropped.
const lifecycleWait = 5 * time.Second

func (c *Client) emit(e Event) {
	select {
	case c.events <- e:
		return
	default:
	}
	if e.Type == TypeUserUtterance {
		c.log.Warn("avatar event dropped", "type", e.Type)
		return
	}
	t := time.NewTimer(lifecycleWait)
	defer t.Stop()
	select {
	case c.events <- e:
	case <-t.C:
		c.log.Error("avatar event dropped", "type", e.Type, "utterance_id", e.UtteranceID, "waited", lifecycleWait)
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = err
		pending := c.pending
		c.pending = make(map[string]*playout)
		c.mu.Unlock()
		for _, p := range pending {
			p.done <- err
		}
		close(c.done)
		c.log.Info("avatar socket closed", "err", err)
	})
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return c.closeErr
	}
	return ErrClosed
}
