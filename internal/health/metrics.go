package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricChecks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "health_checks_total",
	Help: "Preflight and health check results by check and outcome",
}, []string{"check", "result"})
