package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var filesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "logarchive",
	Subsystem: "agent",
	Name:      "files_skipped_total",
	Help:      "Discovered files left for a later sweep, by reason.",
}, []string{"reason"})
