// Package scaler resizes the worker-process set from aggregated load. A
// cooldown gate guarantees two scaling actions are never issued closer
// together than the configured period, no matter how extreme the load.
package scaler

import (
	"context"
	"sync"
	"time"

	"perfsup/internal/config"
	"perfsup/internal/events"
	"perfsup/internal/logger"
	"perfsup/internal/monitor"
)

// Action is the outcome of one evaluation.
type Action int

const (
	ActionNone Action = iota
	ActionScaleUp
	ActionScaleDown
)

func (a Action) String() string {
	switch a {
	case ActionScaleUp:
		return "scale_up"
	case ActionScaleDown:
		return "scale_down"
	default:
		return "none"
	}
}

// Target is the worker set being resized; the process supervisor satisfies
// this through a thin adapter.
type Target interface {
	WorkerCount() int
	ScaleUp() error
	ScaleDown() error
}

// Scaler evaluates load on an interval and asks the target to grow or
// shrink within [MinInstances, MaxInstances].
type Scaler struct {
	cfg    config.ScalerConfig
	target Target
	sample func() monitor.Sample
	bus    *events.Bus
	log    logger.Logger

	mu         sync.Mutex
	lastAction time.Time
}

// New wires a scaler to its load source and target.
func New(cfg config.ScalerConfig, target Target, sample func() monitor.Sample, bus *events.Bus, log logger.Logger) *Scaler {
	if log == nil {
		log = logger.Nop()
	}
	return &Scaler{cfg: cfg, target: target, sample: sample, bus: bus, log: log}
}

// Run evaluates on the configured interval until ctx is cancelled.
func (s *Scaler) Run(ctx context.Context) {
	interval := s.cfg.EvaluateInterval.Std()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Evaluate(s.sample())
		}
	}
}

// Load reduces a sample to a single percent figure: the maximum of CPU,
// memory, and response-time load (p95 normalized against the target).
func (s *Scaler) Load(sample monitor.Sample) float64 {
	load := sample.CPUPercent
	if sample.MemoryPercent > load {
		load = sample.MemoryPercent
	}
	if target := s.cfg.ResponseTimeTarget.Std(); target > 0 {
		respLoad := float64(sample.P95) / float64(target) * 100
		if respLoad > load {
			load = respLoad
		}
	}
	return load
}

// Evaluate applies one scaling decision. Both directions are suppressed
// while the cooldown since the last action has not elapsed.
func (s *Scaler) Evaluate(sample monitor.Sample) Action {
	load := s.Load(sample)
	count := s.target.WorkerCount()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lastAction.IsZero() && time.Since(s.lastAction) < s.cfg.CooldownPeriod.Std() {
		return ActionNone
	}

	switch {
	case load > s.cfg.ScaleUpThreshold && count < s.cfg.MaxInstances:
		if err := s.target.ScaleUp(); err != nil {
			s.log.Error("scale-up failed", logger.Field{Key: "error", Value: err})
			return ActionNone
		}
		s.lastAction = time.Now()
		s.log.Info("scaled up",
			logger.Field{Key: "load", Value: load},
			logger.Field{Key: "workers", Value: count + 1})
		if s.bus != nil {
			s.bus.Publish(events.TopicScaleUp, map[string]interface{}{
				"load": load, "workers": count + 1,
			})
		}
		return ActionScaleUp

	case load < s.cfg.ScaleDownThreshold && count > s.cfg.MinInstances:
		if err := s.target.ScaleDown(); err != nil {
			s.log.Error("scale-down failed", logger.Field{Key: "error", Value: err})
			return ActionNone
		}
		s.lastAction = time.Now()
		s.log.Info("scaled down",
			logger.Field{Key: "load", Value: load},
			logger.Field{Key: "workers", Value: count - 1})
		if s.bus != nil {
			s.bus.Publish(events.TopicScaleDown, map[string]interface{}{
				"load": load, "workers": count - 1,
			})
		}
		return ActionScaleDown
	}
	return ActionNone
}
