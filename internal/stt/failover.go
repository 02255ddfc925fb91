package stt

import (
	"context"
	"log/slog"
	"sync"
)

// Source produces final user transcripts.
type Source interface {
	Name() string
	Transcripts() <-chan string
	Healthy() bool
}

type Transcript struct {
	Text   string
	Source string
}

// Failover merges sources in priority order: a transcript from a source is
// forwarded only while every source ahead of it is unhealthy.
type Failover struct {
	sources []Source
	log     *slog.Logger
	out     chan Transcript
	once    sync.Once
}

func NewFailover(logger *slog.Logger, sources ...Source) *Failover {
	if logger == nil {
		logger = slog.Default()
	}
	return &Failover{
		sources: sources,
		log:     logger.With("component", "stt-failover"),
		out:     make(chan Transcript, 16),
	}
}

func (f *Failover) Transcripts() <-chan Transcript { return f.out }

// Run forwards until every source is exhausted or ctx ends, then closes the
// output channel.
func (f *Failover) Run(ctx context.Context) {
	f.once.Do(func() {
		var wg sync.WaitGroup
		for i, src := range f.sources {
			wg.Add(1)
			go func(i int, src Source) {
				defer wg.Done()
				f.pump(ctx, i, src)
			}(i, src)
		}
		go func() {
			wg.Wait()
			close(f.out)
		}()
	})
}

func (f *Failover) pump(ctx context.Context, i int, src Source) {
	in := src.Transcripts()
	for {
		select {
		case <-ctx.Done():
			return
		case text, ok := <-in:
			if !ok {
				return
			}
			if !f.preferred(i) {
				f.log.Debug("transcript shadowed by healthier source", "source", src.Name())
				continue
			}
			metricTranscripts.WithLabelValues(src.Name()).Inc()
			select {
			case f.out <- Transcript{Text: text, Source: src.Name()}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (f *Failover) preferred(i int) bool {
	for _, s := range f.sources[:i] {
		if s.Healthy() {
			return false
		}
	}
	return true
}
