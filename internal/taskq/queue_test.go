package taskq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"perfsup/internal/config"
)

func testConfig(poolSize int) config.TaskQueueConfig {
	return config.TaskQueueConfig{
		ThreadPoolSize: poolSize,
		TaskTimeout:    config.Duration(5 * time.Second),
		TickInterval:   config.Duration(10 * time.Millisecond),
		MaxQueueDepth:  100,
		RequeueOnFault: true,
	}
}

// recorder collects execution order across pool workers.
type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) handler(_ context.Context, payload interface{}) (interface{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, payload.(string))
	return payload, nil
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func startQueue(t *testing.T, cfg config.TaskQueueConfig, register func(*Queue)) *Queue {
	t.Helper()
	q := New(cfg, nil)
	if register != nil {
		register(q)
	}
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(q.Stop)
	return q
}

func TestHigherPriorityRunsFirst(t *testing.T) {
	rec := &recorder{}
	release := make(chan struct{})
	q := startQueue(t, testConfig(1), func(q *Queue) {
		q.Register("record", rec.handler)
		q.Register("block", func(context.Context, interface{}) (interface{}, error) {
			<-release
			return nil, nil
		})
	})

	// Occupy the only worker so the queue backs up.
	blocker, err := q.Submit("block", nil, 100)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	low, _ := q.Submit("record", "low", 1)
	high, _ := q.Submit("record", "high", 10)
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, h := range []*Handle{blocker, low, high} {
		if _, err := h.Wait(ctx); err != nil {
			t.Fatalf("task failed: %v", err)
		}
	}

	got := rec.snapshot()
	if len(got) != 2 || got[0] != "high" || got[1] != "low" {
		t.Fatalf("expected [high low], got %v", got)
	}
}

func TestEqualPriorityKeepsArrivalOrder(t *testing.T) {
	rec := &recorder{}
	release := make(chan struct{})
	q := startQueue(t, testConfig(1), func(q *Queue) {
		q.Register("record", rec.handler)
		q.Register("block", func(context.Context, interface{}) (interface{}, error) {
			<-release
			return nil, nil
		})
	})

	q.Submit("block", nil, 0)
	time.Sleep(50 * time.Millisecond)

	var handles []*Handle
	for _, name := range []string{"first", "second", "third"} {
		h, err := q.Submit("record", name, 5)
		if err != nil {
			t.Fatal(err)
		}
		handles = append(handles, h)
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, h := range handles {
		if _, err := h.Wait(ctx); err != nil {
			t.Fatalf("task failed: %v", err)
		}
	}

	got := rec.snapshot()
	want := []string{"first", "second", "third"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestQueuedTaskPastDeadlineNeverRuns(t *testing.T) {
	cfg := testConfig(1)
	cfg.TaskTimeout = config.Duration(50 * time.Millisecond)

	rec := &recorder{}
	release := make(chan struct{})
	q := startQueue(t, cfg, func(q *Queue) {
		q.Register("record", rec.handler)
		q.Register("block", func(context.Context, interface{}) (interface{}, error) {
			<-release
			return nil, nil
		})
	})

	q.Submit("block", nil, 0)
	time.Sleep(20 * time.Millisecond)
	victim, err := q.Submit("record", "victim", 0)
	if err != nil {
		t.Fatal(err)
	}

	// Keep the worker busy well past the victim's deadline.
	time.Sleep(150 * time.Millisecond)
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := victim.Wait(ctx); !errors.Is(err, ErrTaskTimeout) {
		t.Fatalf("expected ErrTaskTimeout, got %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("timed-out task must never run, ran: %v", got)
	}
	if q.Stats().Timeouts != 1 {
		t.Fatalf("expected 1 timeout, got %d", q.Stats().Timeouts)
	}
}

func TestPanickingHandlerRequeuesOnce(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	q := startQueue(t, testConfig(1), func(q *Queue) {
		q.Register("flaky", func(context.Context, interface{}) (interface{}, error) {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n == 1 {
				panic("transient worker crash")
			}
			return "recovered", nil
		})
	})

	h, err := q.Submit("flaky", nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("requeued task should succeed: %v", err)
	}
	if result != "recovered" {
		t.Fatalf("unexpected result %v", result)
	}

	st := q.Stats()
	if st.Faults != 1 || st.Requeues != 1 {
		t.Fatalf("expected 1 fault / 1 requeue, got %d / %d", st.Faults, st.Requeues)
	}
}

func TestPanicOnSecondAttemptFailsTheTask(t *testing.T) {
	q := startQueue(t, testConfig(1), func(q *Queue) {
		q.Register("broken", func(context.Context, interface{}) (interface{}, error) {
			panic("always broken")
		})
	})

	h, err := q.Submit("broken", nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.Wait(ctx); err == nil {
		t.Fatal("expected worker fault error")
	}
	if st := q.Stats(); st.Faults != 2 || st.Requeues != 1 {
		t.Fatalf("expected 2 faults / 1 requeue, got %d / %d", st.Faults, st.Requeues)
	}
}

func TestSubmitRejections(t *testing.T) {
	cfg := testConfig(1)
	cfg.MaxQueueDepth = 1
	release := make(chan struct{})
	defer close(release)
	q := startQueue(t, cfg, func(q *Queue) {
		q.Register("block", func(context.Context, interface{}) (interface{}, error) {
			<-release
			return nil, nil
		})
	})

	if _, err := q.Submit("no-such-type", nil, 0); !errors.Is(err, ErrUnknownTaskType) {
		t.Fatalf("expected ErrUnknownTaskType, got %v", err)
	}

	q.Submit("block", nil, 0) // dispatched to the worker
	time.Sleep(50 * time.Millisecond)
	q.Submit("block", nil, 0) // fills the single queue slot
	if _, err := q.Submit("block", nil, 0); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestStopRejectsPending(t *testing.T) {
	release := make(chan struct{})
	q := New(testConfig(1), nil)
	q.Register("block", func(context.Context, interface{}) (interface{}, error) {
		<-release
		return nil, nil
	})
	if err := q.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	q.Submit("block", nil, 0)
	time.Sleep(50 * time.Millisecond)
	pending, _ := q.Submit("block", nil, 0)

	// Stop first so the pending task is rejected, then let the in-flight
	// blocker finish.
	q.Stop()
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := pending.Wait(ctx); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning for the pending task, got %v", err)
	}

	if _, err := q.Submit("block", nil, 0); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("submit after stop must fail, got %v", err)
	}
}

func TestCompletionObserverSeesLatency(t *testing.T) {
	var mu sync.Mutex
	var observed []time.Duration
	q := New(testConfig(2), nil)
	q.Register("sleep", func(context.Context, interface{}) (interface{}, error) {
		time.Sleep(20 * time.Millisecond)
		return nil, nil
	})
	q.SetOnComplete(func(d time.Duration) {
		mu.Lock()
		observed = append(observed, d)
		mu.Unlock()
	})
	if err := q.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer q.Stop()

	h, _ := q.Submit("sleep", nil, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.Wait(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(observed) != 1 || observed[0] < 20*time.Millisecond {
		t.Fatalf("expected one observation >= 20ms, got %v", observed)
	}
}

func TestBuiltinHandlers(t *testing.T) {
	q := startQueue(t, testConfig(2), func(q *Queue) {
		q.Register(TypeCPUIntensive, CPUIntensive)
		q.Register(TypeHash, Hash)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h, err := q.Submit(TypeCPUIntensive, map[string]interface{}{"iterations": 1000}, 0)
	if err != nil {
		t.Fatal(err)
	}
	result, err := h.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := result.(float64); !ok {
		t.Fatalf("cpu_intensive must return a float, got %T", result)
	}

	h, err = q.Submit(TypeHash, map[string]interface{}{"data": "hello"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	result, err = h.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// sha256("hello")
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if result != want {
		t.Fatalf("hash mismatch: %v", result)
	}
}

func TestDrainWaitsForIdle(t *testing.T) {
	q := startQueue(t, testConfig(2), func(q *Queue) {
		q.Register("sleep", func(context.Context, interface{}) (interface{}, error) {
			time.Sleep(30 * time.Millisecond)
			return nil, nil
		})
	})

	for i := 0; i < 4; i++ {
		q.Submit("sleep", nil, 0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	st := q.Stats()
	if st.Queued != 0 || st.Running != 0 {
		t.Fatalf("queue not idle after drain: %+v", st)
	}
	if st.Completed != 4 {
		t.Fatalf("expected 4 completions, got %d", st.Completed)
	}
}
