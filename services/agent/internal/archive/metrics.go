package archive

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	filesArchived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "logarchive",
		Subsystem: "agent",
		Name:      "files_archived_total",
		Help:      "Files whose remote copy was verified.",
	})
	filesDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "logarchive",
		Subsystem: "agent",
		Name:      "files_deleted_total",
		Help:      "Local files removed after verification and retention.",
	})
	stageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "logarchive",
		Subsystem: "agent",
		Name:      "archive_failures_total",
		Help:      "Archive pipeline failures by stage.",
	}, []string{"stage"})
	integrityFaults = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "logarchive",
		Subsystem: "agent",
		Name:      "integrity_faults_total",
		Help:      "Uploads whose stored hash did not match the local file.",
	})
)

func recordFailure(stage string, err error) {
	stageFailures.WithLabelValues(stage).Inc()
	var integrity *IntegrityError
	if errors.As(err, &integrity) {
		integrityFaults.Inc()
	}
}
