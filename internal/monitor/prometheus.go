package monitor

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// RegisterPrometheus exposes the monitor's latest sample through a
// Prometheus registerer, for hosts that already run a scrape endpoint.
func (m *Monitor) RegisterPrometheus(reg prometheus.Registerer) error {
	gauges := []struct {
		name string
		help string
		fn   func(Sample) float64
	}{
		{"perfsup_cpu_percent", "Process CPU usage percent.",
			func(s Sample) float64 { return s.CPUPercent }},
		{"perfsup_memory_percent", "Heap usage as a percent of the configured ceiling.",
			func(s Sample) float64 { return s.MemoryPercent }},
		{"perfsup_cache_hit_rate", "Multi-level cache hit rate.",
			func(s Sample) float64 { return s.CacheHitRate }},
		{"perfsup_response_time_p95_seconds", "Nearest-rank p95 response time.",
			func(s Sample) float64 { return s.P95.Seconds() }},
		{"perfsup_response_time_p99_seconds", "Nearest-rank p99 response time.",
			func(s Sample) float64 { return s.P99.Seconds() }},
	}

	for _, g := range gauges {
		fn := g.fn
		collector := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: g.name,
			Help: g.help,
		}, func() float64 {
			s, ok := m.Last()
			if !ok {
				return 0
			}
			return fn(s)
		})
		if err := reg.Register(collector); err != nil {
			return fmt.Errorf("failed to register %s: %w", g.name, err)
		}
	}

	requests := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "perfsup_requests_total",
		Help: "Lifetime requests handled by the supervisor.",
	}, func() float64 { return float64(m.Requests()) })
	if err := reg.Register(requests); err != nil {
		return fmt.Errorf("failed to register perfsup_requests_total: %w", err)
	}
	return nil
}
