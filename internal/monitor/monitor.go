// Package monitor samples CPU, heap, cache, and response-time statistics on
// a fixed interval, retains a pruned metric history, and emits threshold
// alerts as events. Alerts are informational and never returned as errors.
package monitor

import (
	"context"
	"math"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"

	"perfsup/internal/config"
	"perfsup/internal/events"
	"perfsup/internal/logger"
)

// Sample is one aggregated measurement across all sources.
type Sample struct {
	At            time.Time
	CPUPercent    float64
	MemoryPercent float64
	CacheHitRate  float64
	P50           time.Duration
	P95           time.Duration
	P99           time.Duration
	Requests      int64
}

// Metric is one retained history point.
type Metric struct {
	Name  string
	Value float64
	Tags  map[string]string
	At    time.Time
}

// Alert describes a threshold breach.
type Alert struct {
	Metric    string
	Value     float64
	Threshold float64
	At        time.Time
}

// Analysis is a periodic interpretation of the latest sample, published on
// the performance-analysis topic for dashboards and operators.
type Analysis struct {
	Sample   Sample
	Findings []string
}

// Sources supplies the external readings a sample aggregates. Nil fields
// fall back to built-in collectors (gopsutil CPU, runtime heap).
type Sources struct {
	CPUPercent   func() (float64, error)
	MemoryBytes  func() uint64
	CacheHitRate func() float64
}

// Monitor owns the sampling loop and the response-time reservoir.
type Monitor struct {
	cfg config.MonitorConfig
	bus *events.Bus
	log logger.Logger
	src Sources

	mu      sync.Mutex
	samples []time.Duration // most recent response times, capped
	history []Metric

	requests atomic.Int64
	last     atomic.Pointer[Sample]
}

// New builds a monitor publishing to bus.
func New(cfg config.MonitorConfig, src Sources, bus *events.Bus, log logger.Logger) *Monitor {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = 1000
	}
	if src.CPUPercent == nil {
		src.CPUPercent = systemCPUPercent
	}
	if src.MemoryBytes == nil {
		src.MemoryBytes = heapAlloc
	}
	if src.CacheHitRate == nil {
		src.CacheHitRate = func() float64 { return 0 }
	}
	return &Monitor{cfg: cfg, bus: bus, log: log, src: src}
}

func systemCPUPercent() (float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0, err
	}
	return percents[0], nil
}

func heapAlloc() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

// Observe records one response time. The reservoir keeps only the most
// recent MaxSamples observations.
func (m *Monitor) Observe(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, d)
	if over := len(m.samples) - m.cfg.MaxSamples; over > 0 {
		m.samples = append(m.samples[:0], m.samples[over:]...)
	}
}

// IncRequests counts one handled request.
func (m *Monitor) IncRequests() { m.requests.Add(1) }

// Requests returns the lifetime request count.
func (m *Monitor) Requests() int64 { return m.requests.Load() }

// Snapshot computes a sample from the current sources and reservoir.
func (m *Monitor) Snapshot() Sample {
	cpuPct, err := m.src.CPUPercent()
	if err != nil {
		m.log.Debug("cpu sampling failed", logger.Field{Key: "error", Value: err})
	}

	memPct := 0.0
	if m.cfg.MemoryCeiling > 0 {
		memPct = float64(m.src.MemoryBytes()) / float64(m.cfg.MemoryCeiling) * 100
	}

	p50, p95, p99 := m.percentiles()

	s := Sample{
		At:            time.Now(),
		CPUPercent:    cpuPct,
		MemoryPercent: memPct,
		CacheHitRate:  m.src.CacheHitRate(),
		P50:           p50,
		P95:           p95,
		P99:           p99,
		Requests:      m.requests.Load(),
	}
	m.last.Store(&s)
	return s
}

// Last returns the most recently computed sample, if any.
func (m *Monitor) Last() (Sample, bool) {
	p := m.last.Load()
	if p == nil {
		return Sample{}, false
	}
	return *p, true
}

// percentiles reports p50 (as mean, matching the exported contract), and
// nearest-rank p95/p99 over the retained response times.
func (m *Monitor) percentiles() (p50, p95, p99 time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.samples)
	if n == 0 {
		return 0, 0, 0
	}

	var sum time.Duration
	sorted := make([]time.Duration, n)
	copy(sorted, m.samples)
	for _, d := range sorted {
		sum += d
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	p50 = sum / time.Duration(n)
	p95 = sorted[nearestRank(95, n)]
	p99 = sorted[nearestRank(99, n)]
	return p50, p95, p99
}

func nearestRank(percentile float64, n int) int {
	rank := int(math.Ceil(percentile / 100 * float64(n)))
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return rank - 1
}

// Run samples on the configured interval until ctx is cancelled. Each sample
// is published as a metrics event, appended to history, and checked against
// alert thresholds.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.cfg.Interval.Std()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick()
		}
	}
}

// Tick runs one sampling step. Exposed so tests can drive the loop manually.
func (m *Monitor) Tick() Sample {
	s := m.Snapshot()
	m.record(s)
	if m.bus != nil {
		m.bus.Publish(events.TopicMetrics, s)
		if findings := m.analyze(s); len(findings) > 0 {
			m.bus.Publish(events.TopicPerformanceAnalysis, Analysis{Sample: s, Findings: findings})
		}
	}
	m.checkThresholds(s)
	return s
}

// analyze derives operator-facing observations from one sample. Findings are
// softer than alerts: they flag trends worth a look before thresholds trip.
func (m *Monitor) analyze(s Sample) []string {
	var findings []string
	if s.Requests > 100 && s.CacheHitRate < 0.5 {
		findings = append(findings, "cache hit rate below 50%, review cacheability of hot paths")
	}
	if th := m.cfg.Alerts.ResponseTime.Std(); th > 0 && s.P95 > th/2 && s.P95 <= th {
		findings = append(findings, "p95 response time past half the alert threshold")
	}
	if m.cfg.Alerts.MemoryPercent > 0 && s.MemoryPercent > m.cfg.Alerts.MemoryPercent*0.8 {
		findings = append(findings, "heap usage approaching the memory alert threshold")
	}
	return findings
}

func (m *Monitor) record(s Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history,
		Metric{Name: "cpu_percent", Value: s.CPUPercent, At: s.At},
		Metric{Name: "memory_percent", Value: s.MemoryPercent, At: s.At},
		Metric{Name: "cache_hit_rate", Value: s.CacheHitRate, At: s.At},
		Metric{Name: "response_p95_ms", Value: float64(s.P95.Milliseconds()), At: s.At},
	)

	cutoff := s.At.Add(-m.cfg.RetentionWindow.Std())
	idx := 0
	for idx < len(m.history) && m.history[idx].At.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		m.history = append(m.history[:0], m.history[idx:]...)
	}
}

// History returns the retained metric points.
func (m *Monitor) History() []Metric {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Metric, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Monitor) checkThresholds(s Sample) {
	if m.bus == nil {
		return
	}
	th := m.cfg.Alerts
	if th.CPUPercent > 0 && s.CPUPercent > th.CPUPercent {
		m.alert("cpu_percent", s.CPUPercent, th.CPUPercent, s.At)
	}
	if th.MemoryPercent > 0 && s.MemoryPercent > th.MemoryPercent {
		m.alert("memory_percent", s.MemoryPercent, th.MemoryPercent, s.At)
	}
	if th.ResponseTime > 0 && s.P95 > th.ResponseTime.Std() {
		m.alert("response_time_ms", float64(s.P95.Milliseconds()),
			float64(th.ResponseTime.Std().Milliseconds()), s.At)
	}
}

func (m *Monitor) alert(metric string, value, threshold float64, at time.Time) {
	m.log.Warn("alert threshold breached",
		logger.Field{Key: "metric", Value: metric},
		logger.Field{Key: "value", Value: value},
		logger.Field{Key: "threshold", Value: threshold})
	m.bus.Publish(events.TopicAlerts, Alert{
		Metric:    metric,
		Value:     value,
		Threshold: threshold,
		At:        at,
	})
}
