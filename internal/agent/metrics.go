package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDataMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_data_messages_total",
		Help: "Inbound data-channel messages by type and outcome",
	}, []string{"type", "outcome"})

	metricOverrides = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_overrides_total",
		Help: "Instruction override lifecycle events",
	}, []string{"event"})

	metricTurns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_turns_total",
		Help: "Completed agent turns by origin and status",
	}, []string{"origin", "status"})
)
