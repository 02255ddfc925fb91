package avatar

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatar_messages_total",
		Help: "Avatar control socket messages by direction and type",
	}, []string{"direction", "type"})

	metricConnectMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "avatar_connect_ms",
		Help:    "Time to establish the avatar control socket (ms)",
		Buckets: prometheus.ExponentialBuckets(10, 1.8, 10),
	})

	metricPlayoutMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "avatar_playout_ms",
		Help:    "Time from speak to speech_stopped (ms)",
		Buckets: prometheus.ExponentialBuckets(100, 1.6, 12),
	})

	metricBargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avatar_barge_ins_total",
		Help: "Utterances interrupted by user speech",
	})
)
