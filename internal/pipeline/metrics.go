package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_provider_calls_total",
		Help: "Provider calls by kind, provider and result",
	}, []string{"kind", "provider", "result"})

	metricProviderMS = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_provider_ms",
		Help:    "Provider call latency (ms)",
		Buckets: prometheus.ExponentialBuckets(25, 1.8, 10),
	}, []string{"kind", "provider"})

	metricFailovers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_provider_failovers_total",
		Help: "Times a chain moved on to its next provider",
	}, []string{"kind"})

	metricTurnMS = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_turn_ms",
		Help:    "Reply latency from request to playout end (ms)",
		Buckets: prometheus.ExponentialBuckets(100, 1.7, 10),
	}, []string{"origin", "status"})
)
