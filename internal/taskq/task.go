package taskq

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTaskTimeout is returned for tasks whose deadline elapsed while they
	// were still queued. A timed-out task is never dispatched.
	ErrTaskTimeout = errors.New("task exceeded its deadline while queued")
	// ErrQueueFull is returned when the queue is at its configured depth.
	ErrQueueFull = errors.New("task queue is full")
	// ErrUnknownTaskType is returned when no handler is registered for a type.
	ErrUnknownTaskType = errors.New("unknown task type")
	// ErrNotRunning is returned for submissions outside Start/Stop.
	ErrNotRunning = errors.New("task queue is not running")
)

// Handler executes one task payload and returns its result.
type Handler func(ctx context.Context, payload interface{}) (interface{}, error)

// Task is one unit of CPU-bound work. Owned by the queue from Submit until a
// pool worker claims it; at most one worker holds a task at a time.
type Task struct {
	ID       uuid.UUID
	Type     string
	Payload  interface{}
	Priority int

	EnqueuedAt time.Time
	Deadline   time.Time

	seq      uint64 // arrival order, breaks priority ties
	attempts int    // executions started, for fault re-queue accounting
	handle   *Handle
	index    int // heap bookkeeping
}

// Handle is the future returned by Submit.
type Handle struct {
	taskID uuid.UUID
	done   chan struct{}
	result interface{}
	err    error
}

func newHandle(id uuid.UUID) *Handle {
	return &Handle{taskID: id, done: make(chan struct{})}
}

// TaskID identifies the submitted task.
func (h *Handle) TaskID() uuid.UUID { return h.taskID }

// Done is closed once the task completed, faulted, or timed out.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task resolves or ctx is cancelled.
func (h *Handle) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return h.result, h.err
	}
}

func (h *Handle) complete(result interface{}, err error) {
	h.result = result
	h.err = err
	close(h.done)
}
