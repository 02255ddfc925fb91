package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/livekit/protocol/livekit"
)

// Lister is the slice of the room service API the poller needs;
// *lksdk.RoomServiceClient satisfies it.
type Lister interface {
	ListParticipants(ctx context.Context, req *livekit.ListParticipantsRequest) (*livekit.ListParticipantsResponse, error)
}

// Poller feeds a Monitor from the server's participant list. It is used once
// the supervisor has left the room itself and no longer receives membership
// events.
type Poller struct {
	lister   Lister
	room     string
	interval time.Duration
	log      *slog.Logger
}

func NewPoller(lister Lister, room string, interval time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Poller{
		lister:   lister,
		room:     room,
		interval: interval,
		log:      logger.With("component", "presence-poller", "room", room),
	}
}

// Run polls until the monitor resolves or ctx ends. An absent identity only
// counts as a departure once it has been seen at least once.
func (p *Poller) Run(ctx context.Context, m *Monitor) {
	if !m.Configured() {
		return
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.poll(ctx, m)
		if m.Departed() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-m.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) poll(ctx context.Context, m *Monitor) {
	res, err := p.lister.ListParticipants(ctx, &livekit.ListParticipantsRequest{Room: p.room})
	if err != nil {
		metricPolls.WithLabelValues("error").Inc()
		p.log.Warn("list participants failed", "err", err)
		return
	}
	metricPolls.WithLabelValues("ok").Inc()
	for _, pi := range res.GetParticipants() {
		if pi.GetIdentity() == m.Expected() {
			m.Joined(pi.GetIdentity())
			return
		}
	}
	if m.Seen() {
		m.Left(m.Expected())
	}
}
