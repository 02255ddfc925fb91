package presence

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDepartures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_departures_total",
		Help: "Times the expected participant was observed leaving",
	})

	metricPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_polls_total",
		Help: "Server-side participant list polls by result",
	}, []string{"result"})
)
