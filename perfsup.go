// Package perfsup supervises the performance-critical machinery of a server
// process: a set of OS worker processes, a prioritized CPU-task queue, a
// tiered response cache, a backend load balancer, a sampling performance
// monitor, and an auto-scaler that resizes the worker set from observed load.
//
// Construct a Supervisor with New, start everything with Initialize, and
// tear it down with Shutdown. All other methods require an initialized
// supervisor.
package perfsup

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"perfsup/internal/balance"
	"perfsup/internal/bufpool"
	"perfsup/internal/cache"
	"perfsup/internal/config"
	"perfsup/internal/events"
	"perfsup/internal/logger"
	"perfsup/internal/monitor"
	"perfsup/internal/procs"
	"perfsup/internal/query"
	"perfsup/internal/scaler"
	"perfsup/internal/taskq"
)

// ErrNotRunning is returned by operations invoked before Initialize or
// after Shutdown.
var ErrNotRunning = errors.New("supervisor is not running")

// Resources summarizes host-side consumption at snapshot time.
type Resources struct {
	CPUPercent    float64
	MemoryPercent float64
	Goroutines    int
	WorkerCount   int
}

// Metrics is the aggregated snapshot returned by GetPerformanceMetrics.
type Metrics struct {
	Requests    int64
	Performance monitor.Sample
	Resources   Resources
	Cache       cache.Stats
	Workers     []procs.WorkerRecord
	TaskQueue   taskq.Stats
	Balancer    []*balance.Server
	Queries     query.Stats
	BufferPool  bufpool.Stats
}

// Supervisor is the top-level facade tying every subsystem together.
type Supervisor struct {
	cfg config.Config
	log logger.Logger

	bus      *events.Bus
	pool     *bufpool.Pool
	cache    *cache.MultiLevelCache
	queue    *taskq.Queue
	balancer *balance.Balancer
	monitor  *monitor.Monitor
	scaler   *scaler.Scaler
	procs    *procs.Supervisor
	queries  *query.Optimizer

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// Option customizes construction.
type Option func(*options)

type options struct {
	spawner procs.Spawner
}

// WithSpawner overrides how worker processes are launched.
func WithSpawner(sp procs.Spawner) Option {
	return func(o *options) { o.spawner = sp }
}

// New wires the subsystems together from cfg. Nothing runs until Initialize.
func New(cfg config.Config, log logger.Logger, opts ...Option) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if log == nil {
		log = logger.Nop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	bus := events.NewBus(64)
	pool := bufpool.New(cfg.BufferPool.BufferSize, cfg.BufferPool.Count)
	mlc := cache.New(cfg.Cache, pool, componentLogger(log, "cache"))

	q := taskq.New(cfg.TaskQueue, componentLogger(log, "taskq"))
	q.Register(taskq.TypeCPUIntensive, taskq.CPUIntensive)
	q.Register(taskq.TypeHash, taskq.Hash)

	lb := balance.New(cfg.Balancer, componentLogger(log, "balance"))

	ps, err := procs.New(cfg.Workers, o.spawner, bus, componentLogger(log, "procs"))
	if err != nil {
		return nil, err
	}

	mon := monitor.New(cfg.Monitor, monitor.Sources{
		CacheHitRate: mlc.HitRate,
	}, bus, componentLogger(log, "monitor"))
	q.SetOnComplete(mon.Observe)

	sc := scaler.New(cfg.Scaler, workerSet{ps}, func() monitor.Sample {
		if sample, ok := mon.Last(); ok {
			return sample
		}
		return mon.Snapshot()
	}, bus, componentLogger(log, "scaler"))

	return &Supervisor{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		pool:     pool,
		cache:    mlc,
		queue:    q,
		balancer: lb,
		monitor:  mon,
		scaler:   sc,
		procs:    ps,
		queries:  query.New(cfg.Query, componentLogger(log, "query")),
	}, nil
}

func componentLogger(log logger.Logger, name string) logger.Logger {
	return log.With(logger.Field{Key: "component", Value: name})
}

// workerSet adapts the process supervisor to the scaler's target contract.
type workerSet struct {
	ps *procs.Supervisor
}

func (w workerSet) WorkerCount() int { return w.ps.WorkerCount() }
func (w workerSet) ScaleUp() error   { return w.ps.Fork() }
func (w workerSet) ScaleDown() error { return w.ps.RemoveLeastBusy() }

// Initialize starts the worker processes, the task queue, and the background
// loops. Calling it on a running supervisor is a no-op.
func (s *Supervisor) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	if err := s.procs.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start worker processes: %w", err)
	}
	if err := s.queue.Start(runCtx); err != nil {
		cancel()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = s.procs.Shutdown(shutdownCtx)
		return fmt.Errorf("failed to start task queue: %w", err)
	}

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error { s.monitor.Run(groupCtx); return nil })
	group.Go(func() error { s.scaler.Run(groupCtx); return nil })
	group.Go(func() error { s.cache.Run(groupCtx); return nil })
	group.Go(func() error { s.balancer.Run(groupCtx); return nil })
	group.Go(func() error { s.procs.Run(groupCtx); return nil })

	s.cancel = cancel
	s.group = group
	s.running = true
	s.log.Info("supervisor initialized",
		logger.Field{Key: "workers", Value: s.cfg.Workers.Count},
		logger.Field{Key: "pool_size", Value: s.cfg.TaskQueue.ThreadPoolSize})
	return nil
}

// Shutdown drains in-flight work, stops the background loops, and terminates
// the worker processes. ctx bounds how long draining may take; work still
// queued when it expires is rejected.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	cancel, group := s.cancel, s.group
	s.mu.Unlock()

	s.log.Info("supervisor shutting down")

	if err := s.queue.Drain(ctx); err != nil {
		s.log.Warn("queue drain cut short", logger.Field{Key: "error", Value: err})
	}
	s.queue.Stop()

	// Terminate workers before cancelling the run context: cancellation
	// hard-kills any process still attached to it.
	err := s.procs.Shutdown(ctx)

	cancel()
	_ = group.Wait()

	s.bus.Publish(events.TopicShutdown, nil)
	s.bus.Close()
	_ = s.log.Sync()
	return err
}

// ExecuteTask submits a task and waits for its result.
func (s *Supervisor) ExecuteTask(ctx context.Context, taskType string, payload interface{}, priority int) (interface{}, error) {
	h, err := s.SubmitTask(taskType, payload, priority)
	if err != nil {
		return nil, err
	}
	return h.Wait(ctx)
}

// SubmitTask enqueues a task and returns its future. Each submission counts
// as one handled request for monitoring and worker attribution.
func (s *Supervisor) SubmitTask(taskType string, payload interface{}, priority int) (*taskq.Handle, error) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil, ErrNotRunning
	}

	h, err := s.queue.Submit(taskType, payload, priority)
	if err != nil {
		return nil, err
	}
	s.monitor.IncRequests()
	s.procs.RecordRequest()
	return h, nil
}

// RegisterTaskHandler installs a handler for a custom task type. Call before
// Initialize.
func (s *Supervisor) RegisterTaskHandler(taskType string, h taskq.Handler) {
	s.queue.Register(taskType, h)
}

// Cache exposes the tiered response cache.
func (s *Supervisor) Cache() *cache.MultiLevelCache { return s.cache }

// LoadBalancer exposes backend registration and selection.
func (s *Supervisor) LoadBalancer() *balance.Balancer { return s.balancer }

// Queries exposes the query optimizer.
func (s *Supervisor) Queries() *query.Optimizer { return s.queries }

// Events exposes the notification bus for subscribers.
func (s *Supervisor) Events() *events.Bus { return s.bus }

// Monitor exposes the performance monitor.
func (s *Supervisor) Monitor() *monitor.Monitor { return s.monitor }

// Buffers exposes the pre-allocated buffer pool.
func (s *Supervisor) Buffers() *bufpool.Pool { return s.pool }

// Workers snapshots the current worker-process set.
func (s *Supervisor) Workers() []procs.WorkerRecord { return s.procs.Workers() }

// GetPerformanceMetrics aggregates a snapshot across every subsystem.
func (s *Supervisor) GetPerformanceMetrics() Metrics {
	sample, ok := s.monitor.Last()
	if !ok {
		sample = s.monitor.Snapshot()
	}
	workers := s.procs.Workers()
	return Metrics{
		Requests:    s.monitor.Requests(),
		Performance: sample,
		Resources: Resources{
			CPUPercent:    sample.CPUPercent,
			MemoryPercent: sample.MemoryPercent,
			Goroutines:    runtime.NumGoroutine(),
			WorkerCount:   len(workers),
		},
		Cache:      s.cache.Stats(),
		Workers:    workers,
		TaskQueue:  s.queue.Stats(),
		Balancer:   s.balancer.Servers(),
		Queries:    s.queries.Stats(),
		BufferPool: s.pool.Stats(),
	}
}
