package procs

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"perfsup/internal/events"
	"perfsup/internal/logger"
)

// MemoryLeakReport is the payload published when a worker crosses its
// memory restart threshold.
type MemoryLeakReport struct {
	WorkerID  string
	PID       int
	HeapBytes uint64
	Limit     uint64
}

func processRSS(pid int) (uint64, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return mem.RSS, nil
}

// Run polls worker memory on the telemetry interval until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	interval := s.cfg.TelemetryInterval.Std()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CollectTelemetry()
		}
	}
}

// CollectTelemetry reads resident memory for every active worker and
// gracefully restarts the ones past the restart threshold. Exposed so tests
// can drive the loop manually.
func (s *Supervisor) CollectTelemetry() {
	s.mu.Lock()
	active := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		if w.status == StatusActive {
			active = append(active, w)
		}
	}
	s.mu.Unlock()

	limit := uint64(float64(s.cfg.MaxMemoryPerWorker) * s.cfg.RestartThreshold)
	for _, w := range active {
		rss, err := s.memoryRSS(w.proc.PID())
		if err != nil {
			s.log.Debug("worker memory read failed",
				logger.Field{Key: "worker", Value: w.id.String()},
				logger.Field{Key: "error", Value: err})
			continue
		}
		w.heapBytes.Store(rss)

		if limit > 0 && rss > limit {
			s.log.Warn("worker memory over restart threshold",
				logger.Field{Key: "worker", Value: w.id.String()},
				logger.Field{Key: "rss", Value: rss},
				logger.Field{Key: "limit", Value: limit})
			if s.bus != nil {
				s.bus.Publish(events.TopicMemoryLeak, MemoryLeakReport{
					WorkerID:  w.id.String(),
					PID:       w.proc.PID(),
					HeapBytes: rss,
					Limit:     limit,
				})
			}
			_ = s.GracefulRestart(w.id)
		}
	}
}
