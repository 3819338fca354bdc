package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "logarchive_agent_session_connected",
		Help: "1 while the agent holds an identified session with the coordinator.",
	})
	reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logarchive_agent_reconnects_total",
		Help: "Connection attempts made after a failure or a lost session.",
	})
)
