package watchdog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDeadlinesFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watchdog_deadlines_fired_total",
		Help: "Deadlines that elapsed without being cancelled",
	}, []string{"action"})

	metricProcessesKilled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watchdog_processes_killed_total",
		Help: "Agent processes force-killed by room sweeps",
	}, []string{"scope"})
)
