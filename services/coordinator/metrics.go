package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RegisterMetrics exposes the tracker and registry sizes on reg.
func (s *Service) RegisterMetrics(reg prometheus.Registerer) error {
	hosts := func(pick func(tracked, connected, configured int) int) func() float64 {
		return func() float64 { return float64(pick(s.tracker.Counts())) }
	}
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "logarchive_coordinator_hosts",
			Help: "Hosts currently tracked from the inventory.",
		}, hosts(func(t, _, _ int) int { return t })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "logarchive_coordinator_hosts_connected",
			Help: "Tracked hosts with a live agent session.",
		}, hosts(func(_, c, _ int) int { return c })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "logarchive_coordinator_hosts_configured",
			Help: "Agent sessions that have received their configuration.",
		}, hosts(func(_, _, c int) int { return c })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "logarchive_coordinator_inflight_requests",
			Help: "Out-of-band requests awaiting a reply.",
		}, func() float64 { return float64(s.registry.Len()) }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
