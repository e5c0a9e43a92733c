// Package taskq offloads CPU-bound work from the control path onto a fixed
// pool of worker goroutines, scheduled through a priority queue. Tasks carry
// absolute deadlines; a task still queued past its deadline is rejected and
// never dispatched. A worker that panics mid-task is replaced and, by
// default, its task is re-queued once.
package taskq

import (
	"container/heap"
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"perfsup/internal/config"
	"perfsup/internal/logger"
)

// Stats is a point-in-time snapshot of queue state.
type Stats struct {
	Queued    int
	Running   int64
	Capacity  int
	Completed int64
	Timeouts  int64
	Faults    int64
	Requeues  int64
}

// Queue owns the priority heap and the executing ants pool. The heap and the
// in-flight set are only mutated under mu; execution happens on pool workers.
type Queue struct {
	cfg config.TaskQueueConfig
	log logger.Logger

	mu       sync.Mutex
	pending  taskHeap
	inflight map[uuid.UUID]*Task
	seq      uint64
	running  bool

	pool   *ants.Pool
	notify chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	handlers map[string]Handler

	// onComplete observes wall-clock latency of finished tasks (set once
	// before Start; the performance monitor hooks in here).
	onComplete func(time.Duration)

	active    atomic.Int64
	completed atomic.Int64
	timeouts  atomic.Int64
	faults    atomic.Int64
	requeues  atomic.Int64
}

// New creates a stopped queue. Register handlers, then call Start.
func New(cfg config.TaskQueueConfig, log logger.Logger) *Queue {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.ThreadPoolSize <= 0 {
		cfg.ThreadPoolSize = runtime.NumCPU() * 2
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = config.Duration(100 * time.Millisecond)
	}
	return &Queue{
		cfg:      cfg,
		log:      log,
		inflight: make(map[uuid.UUID]*Task),
		handlers: make(map[string]Handler),
		notify:   make(chan struct{}, 1),
	}
}

// Register installs the handler for a task type. Must be called before Start.
func (q *Queue) Register(taskType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[taskType] = h
}

// SetOnComplete installs a latency observer. Must be called before Start.
func (q *Queue) SetOnComplete(fn func(time.Duration)) {
	q.onComplete = fn
}

// Start creates the worker pool and launches the scheduler.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return nil
	}

	pool, err := ants.NewPool(
		q.cfg.ThreadPoolSize,
		ants.WithNonblocking(true),
		ants.WithPreAlloc(true),
		ants.WithPanicHandler(func(r interface{}) {
			// Backstop only: run() recovers task panics itself. Anything
			// reaching here escaped the per-task recovery.
			q.log.Error("worker goroutine panic escaped task recovery",
				logger.Field{Key: "panic", Value: fmt.Sprint(r)})
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}

	q.pool = pool
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.running = true

	q.wg.Add(1)
	go q.schedule()
	return nil
}

// Submit enqueues a task and returns its future. The deadline is fixed at
// enqueue time from the configured TaskTimeout.
func (q *Queue) Submit(taskType string, payload interface{}, priority int) (*Handle, error) {
	now := time.Now()

	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil, ErrNotRunning
	}
	if _, ok := q.handlers[taskType]; !ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, taskType)
	}
	if q.pending.Len() >= q.cfg.MaxQueueDepth {
		q.mu.Unlock()
		return nil, ErrQueueFull
	}

	q.seq++
	t := &Task{
		ID:         uuid.New(),
		Type:       taskType,
		Payload:    payload,
		Priority:   priority,
		EnqueuedAt: now,
		Deadline:   now.Add(q.cfg.TaskTimeout.Std()),
		seq:        q.seq,
		handle:     newHandle(uuid.Nil),
	}
	t.handle.taskID = t.ID
	heap.Push(&q.pending, t)
	q.mu.Unlock()

	q.kick()
	return t.handle, nil
}

// Drain waits until no task is queued or running, or ctx expires.
func (q *Queue) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		q.mu.Lock()
		idle := q.pending.Len() == 0 && len(q.inflight) == 0
		q.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop rejects queued tasks, releases the pool, and waits for the scheduler.
// In-flight tasks run to completion (dispatched work cannot be cancelled).
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	rejected := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, t := range rejected {
		t.handle.complete(nil, ErrNotRunning)
	}

	q.cancel()
	q.wg.Wait()
	q.pool.Release()
}

// Stats returns current counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	queued := q.pending.Len()
	q.mu.Unlock()
	return Stats{
		Queued:    queued,
		Running:   q.active.Load(),
		Capacity:  q.cfg.ThreadPoolSize,
		Completed: q.completed.Load(),
		Timeouts:  q.timeouts.Load(),
		Faults:    q.faults.Load(),
		Requeues:  q.requeues.Load(),
	}
}

func (q *Queue) kick() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// schedule is the single goroutine that moves tasks from the heap onto the
// pool. The ticker bound guarantees deadline expiry even with no activity.
func (q *Queue) schedule() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.TickInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.notify:
		case <-ticker.C:
		}
		q.dispatch()
	}
}

func (q *Queue) dispatch() {
	for {
		now := time.Now()

		q.mu.Lock()
		if !q.running {
			q.mu.Unlock()
			return
		}
		q.expireLocked(now)
		if q.pending.Len() == 0 || q.pool.Free() <= 0 {
			q.mu.Unlock()
			return
		}
		t := heap.Pop(&q.pending).(*Task)
		t.attempts++
		q.inflight[t.ID] = t
		q.mu.Unlock()

		if err := q.pool.Submit(func() { q.run(t) }); err != nil {
			// Pool filled between the Free check and Submit; put it back.
			q.mu.Lock()
			delete(q.inflight, t.ID)
			t.attempts--
			heap.Push(&q.pending, t)
			q.mu.Unlock()
			return
		}
	}
}

// expireLocked rejects every queued task whose deadline passed. Safe to call
// repeatedly: once rejected, a task is gone from the heap and can never be
// dispatched.
func (q *Queue) expireLocked(now time.Time) {
	for q.pending.Len() > 0 {
		head := q.pending[0]
		if !now.After(head.Deadline) {
			// The head is the next to dispatch; scan the rest lazily by
			// checking the whole heap only when the head is live.
			break
		}
		heap.Pop(&q.pending)
		q.timeouts.Add(1)
		head.handle.complete(nil, fmt.Errorf("%w: task %s queued %s",
			ErrTaskTimeout, head.ID, now.Sub(head.EnqueuedAt)))
	}

	// Lower-priority tasks behind a live head can still be stale.
	for i := 0; i < q.pending.Len(); {
		t := q.pending[i]
		if now.After(t.Deadline) {
			heap.Remove(&q.pending, i)
			q.timeouts.Add(1)
			t.handle.complete(nil, fmt.Errorf("%w: task %s queued %s",
				ErrTaskTimeout, t.ID, now.Sub(t.EnqueuedAt)))
			continue
		}
		i++
	}
}

// run executes one claimed task on a pool worker.
func (q *Queue) run(t *Task) {
	defer q.recoverFault(t)

	q.active.Add(1)
	started := time.Now()

	q.mu.Lock()
	h := q.handlers[t.Type]
	q.mu.Unlock()

	result, err := h(q.ctx, t.Payload)

	q.active.Add(-1)
	q.mu.Lock()
	delete(q.inflight, t.ID)
	q.mu.Unlock()

	q.completed.Add(1)
	if q.onComplete != nil {
		q.onComplete(time.Since(started))
	}
	t.handle.complete(result, err)
	q.kick()
}

// recoverFault turns a panicking handler into a worker fault: the goroutine
// is replaced by the pool, and the held task is re-queued once if it can
// still meet its deadline.
func (q *Queue) recoverFault(t *Task) {
	r := recover()
	if r == nil {
		return
	}

	q.active.Add(-1)
	q.faults.Add(1)

	now := time.Now()
	q.mu.Lock()
	delete(q.inflight, t.ID)
	requeue := q.cfg.RequeueOnFault && q.running && t.attempts < 2 && now.Before(t.Deadline)
	if requeue {
		heap.Push(&q.pending, t)
		q.requeues.Add(1)
	}
	q.mu.Unlock()

	q.log.Error("task handler crashed",
		logger.Field{Key: "task_id", Value: t.ID.String()},
		logger.Field{Key: "task_type", Value: t.Type},
		logger.Field{Key: "panic", Value: fmt.Sprint(r)},
		logger.Field{Key: "requeued", Value: requeue})

	if !requeue {
		t.handle.complete(nil, fmt.Errorf("worker fault running task %s: %v", t.ID, r))
	}
	q.kick()
}
