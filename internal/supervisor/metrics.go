package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPhases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supervisor_phase_transitions_total",
		Help: "Supervisor phase transitions by phase entered",
	}, []string{"phase"})

	metricSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supervisor_shutdown_steps_total",
		Help: "Shutdown step outcomes",
	}, []string{"step", "outcome"})

	metricFallbackTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supervisor_fallback_triggers_total",
		Help: "Fallback escalations by cause",
	}, []string{"cause"})

	metricGreetings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supervisor_greetings_total",
		Help: "Initial greeting attempts by result",
	}, []string{"result"})
)
