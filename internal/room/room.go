// Package room adapts a LiveKit room to what the agent needs: an audio-only
// subscription, the reliable data channel, and membership notifications.
package room

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"

	"yuzu/avatar/internal/protocol"
)

var ErrNotConnected = errors.New("room not connected")

type Options struct {
	URL       string
	APIKey    string
	APISecret string
	Name      string
	Identity  string
	// Topic tags every published envelope.
	Topic string
}

// Handlers may be installed or replaced at any time; events that arrive
// before a handler is set are dropped.
type Room struct {
	opts Options
	log  *slog.Logger

	mu       sync.RWMutex
	lk       *lksdk.Room
	onData   func(payload []byte, sender string)
	onJoined func(identity string)
	onLeft   func(identity string)
	onAudio  func(identity string, frame []byte)

	connected atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}
}

func New(opts Options, logger *slog.Logger) *Room {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Topic == "" {
		opts.Topic = protocol.DefaultTopic
	}
	return &Room{
		opts:   opts,
		log:    logger.With("component", "room", "room", opts.Name),
		closed: make(chan struct{}),
	}
}

func (r *Room) Name() string { return r.opts.Name }

func (r *Room) Connected() bool { return r.connected.Load() }

func (r *Room) OnData(fn func(payload []byte, sender string)) {
	r.mu.Lock()
	r.onData = fn
	r.mu.Unlock()
}

func (r *Room) OnParticipantJoined(fn func(identity string)) {
	r.mu.Lock()
	r.onJoined = fn
	r.mu.Unlock()
}

func (r *Room) OnParticipantLeft(fn func(identity string)) {
	r.mu.Lock()
	r.onLeft = fn
	r.mu.Unlock()
}

// OnAudio receives raw opus payloads from every subscribed microphone track.
func (r *Room) OnAudio(fn func(identity string, frame []byte)) {
	r.mu.Lock()
	r.onAudio = fn
	r.mu.Unlock()
}

// Connect joins the room subscribing to audio tracks only.
func (r *Room) Connect(ctx context.Context) error {
	type result struct {
		lk  *lksdk.Room
		err error
	}
	done := make(chan result, 1)
	go func() {
		lk, err := lksdk.ConnectToRoom(r.opts.URL, lksdk.ConnectInfo{
			APIKey:              r.opts.APIKey,
			APISecret:           r.opts.APISecret,
			RoomName:            r.opts.Name,
			ParticipantIdentity: r.opts.Identity,
			ParticipantName:     r.opts.Identity,
			ParticipantKind:     lksdk.ParticipantAgent,
		}, r.callback(), lksdk.WithAutoSubscribe(false))
		done <- result{lk, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return fmt.Errorf("connect to room %s: %w", r.opts.Name, res.err)
		}
		r.mu.Lock()
		r.lk = res.lk
		r.mu.Unlock()
		r.connected.Store(true)
		r.log.Info("connected to room", "identity", r.opts.Identity)
		r.adoptExisting(res.lk)
		return nil
	case <-ctx.Done():
		go func() {
			if res := <-done; res.lk != nil {
				res.lk.Disconnect()
			}
		}()
		return ctx.Err()
	}
}

func (r *Room) callback() *lksdk.RoomCallback {
	return &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackPublished: func(pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				r.subscribeAudio(pub, rp.Identity())
			},
			OnTrackSubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if track.Kind() != webrtc.RTPCodecTypeAudio {
					return
				}
				r.log.Info("subscribed to audio track", "participant", rp.Identity(), "codec", track.Codec().MimeType)
				go r.readAudio(track, rp.Identity())
			},
			OnDataPacket: func(data lksdk.DataPacket, params lksdk.DataReceiveParams) {
				user := data.ToProto().GetUser()
				if user == nil || len(user.GetPayload()) == 0 {
					return
				}
				r.mu.RLock()
				fn := r.onData
				r.mu.RUnlock()
				if fn != nil {
					fn(user.GetPayload(), params.SenderIdentity)
				}
			},
		},
		OnParticipantConnected: func(rp *lksdk.RemoteParticipant) {
			r.log.Info("participant connected", "participant", rp.Identity())
			r.mu.RLock()
			fn := r.onJoined
			r.mu.RUnlock()
			if fn != nil {
				fn(rp.Identity())
			}
		},
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			r.log.Info("participant disconnected", "participant", rp.Identity())
			r.mu.RLock()
			fn := r.onLeft
			r.mu.RUnlock()
			if fn != nil {
				fn(rp.Identity())
			}
		},
		OnDisconnected: func() {
			r.connected.Store(false)
			r.log.Info("disconnected from room")
		},
	}
}

// adoptExisting reports participants already in the room at join time and
// subscribes to the audio they had published.
func (r *Room) adoptExisting(lk *lksdk.Room) {
	r.mu.RLock()
	joined := r.onJoined
	r.mu.RUnlock()
	for _, rp := range lk.GetRemoteParticipants() {
		if joined != nil {
			joined(rp.Identity())
		}
		for _, p := range rp.TrackPublications() {
			if pub, ok := p.(*lksdk.RemoteTrackPublication); ok {
				r.subscribeAudio(pub, rp.Identity())
			}
		}
	}
}

func (r *Room) subscribeAudio(pub *lksdk.RemoteTrackPublication, identity string) {
	if pub.Kind() != lksdk.TrackKindAudio {
		return
	}
	if err := pub.SetSubscribed(true); err != nil {
		r.log.Warn("audio subscribe failed", "participant", identity, "err", err)
	}
}

func (r *Room) readAudio(track *webrtc.TrackRemote, identity string) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.log.Debug("audio track read ended", "participant", identity, "err", err)
			}
			return
		}
		r.mu.RLock()
		fn := r.onAudio
		r.mu.RUnlock()
		if fn != nil && len(pkt.Payload) > 0 {
			fn(identity, pkt.Payload)
		}
	}
}

// Publish sends one envelope on the reliable data channel under the
// configured topic.
func (r *Room) Publish(ctx context.Context, env protocol.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.RLock()
	lk := r.lk
	r.mu.RUnlock()
	if lk == nil || !r.connected.Load() {
		return ErrNotConnected
	}
	b, err := protocol.Encode(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}
	if err := lk.LocalParticipant.PublishDataPacket(
		lksdk.UserData(b),
		lksdk.WithDataPublishReliable(true),
		lksdk.WithDataPublishTopic(r.opts.Topic),
	); err != nil {
		return fmt.Errorf("publish %s: %w", env.Type, err)
	}
	r.log.Debug("published data message", "type", env.Type)
	return nil
}

// Disconnect leaves the room. It returns when the SDK finished or ctx ends,
// whichever comes first; later calls are no-ops.
func (r *Room) Disconnect(ctx context.Context) error {
	r.mu.RLock()
	lk := r.lk
	r.mu.RUnlock()
	if lk == nil {
		return nil
	}
	r.closeOnce.Do(func() {
		r.connected.Store(false)
		go func() {
			lk.Disconnect()
			close(r.closed)
		}()
	})
	select {
	case <-r.closed:
		r.log.Info("left room")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("disconnect: %w", ctx.Err())
	}
}

// NewRoomService builds the server API client used to list participants
// once this process is no longer in the room itself.
func NewRoomService(url, apiKey, apiSecret string) *lksdk.RoomServiceClient {
	return lksdk.NewRoomServiceClient(url, apiKey, apiSecret)
}
