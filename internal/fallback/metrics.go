package fallback

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fallback_launches_total",
	Help: "Fallback agent launch attempts by result",
}, []string{"result"})
