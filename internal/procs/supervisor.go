// Package procs maintains a set of OS worker processes: it spawns them,
// replaces crashed ones, restarts leaky ones gracefully, and tears the set
// down in order on shutdown.
package procs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"perfsup/internal/config"
	"perfsup/internal/events"
	"perfsup/internal/logger"
)

// Status is a worker lifecycle state. A worker never moves from restarting
// back to active; its replacement is a new record.
type Status string

const (
	StatusActive     Status = "active"
	StatusRestarting Status = "restarting"
	StatusDead       Status = "dead"
)

// ErrWorkerNotFound means the given worker ID is not in the current set.
var ErrWorkerNotFound = errors.New("worker not found")

// ErrShuttingDown rejects spawn requests during shutdown.
var ErrShuttingDown = errors.New("supervisor is shutting down")

// WorkerRecord is a point-in-time snapshot of one worker.
type WorkerRecord struct {
	ID        uuid.UUID
	PID       int
	StartedAt time.Time
	Requests  int64
	HeapBytes uint64
	Status    Status
}

type worker struct {
	id        uuid.UUID
	proc      Process
	startedAt time.Time

	requests  atomic.Int64
	heapBytes atomic.Uint64

	// guarded by Supervisor.mu
	status  Status
	removed bool // exit should not trigger a replacement
}

// Supervisor owns the worker-process set.
type Supervisor struct {
	cfg     config.WorkersConfig
	spawner Spawner
	bus     *events.Bus
	log     logger.Logger

	ctx context.Context

	mu       sync.Mutex
	workers  []*worker
	rr       int
	shutting bool

	wg sync.WaitGroup

	// memoryRSS reads resident memory for a PID; replaced in tests.
	memoryRSS func(pid int) (uint64, error)
}

// New builds a supervisor. A nil spawner gets the default exec spawner.
func New(cfg config.WorkersConfig, spawner Spawner, bus *events.Bus, log logger.Logger) (*Supervisor, error) {
	if log == nil {
		log = logger.Nop()
	}
	if spawner == nil {
		var err error
		spawner, err = NewExecSpawner(cfg.Command, cfg.Args)
		if err != nil {
			return nil, err
		}
	}
	return &Supervisor{
		cfg:       cfg,
		spawner:   spawner,
		bus:       bus,
		log:       log,
		memoryRSS: processRSS,
	}, nil
}

// Start spawns the configured number of workers. ctx bounds the lifetime of
// every process the supervisor ever spawns.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	for i := 0; i < s.cfg.Count; i++ {
		if err := s.spawnLocked(); err != nil {
			return fmt.Errorf("failed to start worker %d of %d: %w", i+1, s.cfg.Count, err)
		}
	}
	return nil
}

func (s *Supervisor) spawnLocked() error {
	proc, err := s.spawner.Spawn(s.ctx)
	if err != nil {
		return err
	}
	w := &worker{
		id:        uuid.New(),
		proc:      proc,
		startedAt: time.Now(),
		status:    StatusActive,
	}
	s.workers = append(s.workers, w)
	s.log.Info("worker started",
		logger.Field{Key: "worker", Value: w.id.String()},
		logger.Field{Key: "pid", Value: proc.PID()})

	s.wg.Add(1)
	go s.reap(w)
	return nil
}

// reap waits for one worker to exit and decides whether it gets a
// replacement. Crashed workers are respawned after RespawnDelay; gracefully
// restarted ones are replaced immediately.
func (s *Supervisor) reap(w *worker) {
	defer s.wg.Done()
	err := w.proc.Wait()

	s.mu.Lock()
	wasRestarting := w.status == StatusRestarting
	w.status = StatusDead
	s.removeLocked(w.id)
	respawn := !s.shutting && !w.removed
	s.mu.Unlock()

	if err != nil && !wasRestarting {
		s.log.Warn("worker crashed",
			logger.Field{Key: "worker", Value: w.id.String()},
			logger.Field{Key: "error", Value: err})
	}
	if !respawn {
		return
	}

	if !wasRestarting {
		if delay := s.cfg.RespawnDelay.Std(); delay > 0 {
			time.Sleep(delay)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutting {
		return
	}
	if err := s.spawnLocked(); err != nil {
		s.log.Error("worker respawn failed", logger.Field{Key: "error", Value: err})
	}
}

func (s *Supervisor) removeLocked(id uuid.UUID) {
	for i, w := range s.workers {
		if w.id == id {
			s.workers = append(s.workers[:i], s.workers[i+1:]...)
			return
		}
	}
}

func (s *Supervisor) findLocked(id uuid.UUID) *worker {
	for _, w := range s.workers {
		if w.id == id {
			return w
		}
	}
	return nil
}

// Fork adds one worker to the set.
func (s *Supervisor) Fork() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutting {
		return ErrShuttingDown
	}
	return s.spawnLocked()
}

// Remove terminates one worker without replacement. The worker gets a
// graceful termination window before it is killed.
func (s *Supervisor) Remove(id uuid.UUID) error {
	s.mu.Lock()
	w := s.findLocked(id)
	if w == nil {
		s.mu.Unlock()
		return ErrWorkerNotFound
	}
	w.removed = true
	proc := w.proc
	s.mu.Unlock()

	s.terminate(id, proc)
	return nil
}

// RemoveLeastBusy removes the active worker with the fewest attributed
// requests.
func (s *Supervisor) RemoveLeastBusy() error {
	s.mu.Lock()
	var least *worker
	for _, w := range s.workers {
		if w.status != StatusActive {
			continue
		}
		if least == nil || w.requests.Load() < least.requests.Load() {
			least = w
		}
	}
	s.mu.Unlock()
	if least == nil {
		return ErrWorkerNotFound
	}
	return s.Remove(least.id)
}

// GracefulRestart replaces one worker: termination signal, a bounded wait,
// then a hard kill. The reaper spawns the replacement once the old process
// exits.
func (s *Supervisor) GracefulRestart(id uuid.UUID) error {
	s.mu.Lock()
	w := s.findLocked(id)
	if w == nil || w.status != StatusActive {
		s.mu.Unlock()
		return ErrWorkerNotFound
	}
	w.status = StatusRestarting
	proc := w.proc
	s.mu.Unlock()

	s.log.Info("worker restarting", logger.Field{Key: "worker", Value: id.String()})
	s.terminate(id, proc)
	return nil
}

// terminate asks proc to exit and hard-kills it if it is still in the set
// after the graceful window.
func (s *Supervisor) terminate(id uuid.UUID, proc Process) {
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		_ = proc.Kill()
		return
	}
	timeout := s.cfg.GracefulShutdownTimeout.Std()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	time.AfterFunc(timeout, func() {
		s.mu.Lock()
		alive := s.findLocked(id) != nil
		s.mu.Unlock()
		if alive {
			s.log.Warn("worker ignored termination signal, killing",
				logger.Field{Key: "worker", Value: id.String()})
			_ = proc.Kill()
		}
	})
}

// RecordRequest attributes one handled request to a worker, rotating through
// the active set.
func (s *Supervisor) RecordRequest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.workers)
	for i := 0; i < n; i++ {
		w := s.workers[(s.rr+i)%n]
		if w.status == StatusActive {
			w.requests.Add(1)
			s.rr = (s.rr + i + 1) % n
			return
		}
	}
}

// WorkerCount reports the current set size.
func (s *Supervisor) WorkerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Workers snapshots the current set.
func (s *Supervisor) Workers() []WorkerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkerRecord, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, WorkerRecord{
			ID:        w.id,
			PID:       w.proc.PID(),
			StartedAt: w.startedAt,
			Requests:  w.requests.Load(),
			HeapBytes: w.heapBytes.Load(),
			Status:    w.status,
		})
	}
	return out
}

// Shutdown terminates every worker and waits for all reapers to finish.
// Workers still alive after the graceful window are killed.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutting = true
	procs := make([]Process, 0, len(s.workers))
	for _, w := range s.workers {
		procs = append(procs, w.proc)
	}
	s.mu.Unlock()

	for _, p := range procs {
		if err := p.Signal(syscall.SIGTERM); err != nil {
			_ = p.Kill()
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timeout := s.cfg.GracefulShutdownTimeout.Std()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
	}

	s.log.Warn("graceful shutdown window elapsed, killing remaining workers")
	for _, p := range procs {
		_ = p.Kill()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
