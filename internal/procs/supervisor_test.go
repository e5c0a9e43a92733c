package procs

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"perfsup/internal/config"
	"perfsup/internal/events"
)

func testConfig(count int) config.WorkersConfig {
	return config.WorkersConfig{
		Count:                   count,
		MaxMemoryPerWorker:      1000,
		RestartThreshold:        0.9,
		TelemetryInterval:       config.Duration(10 * time.Second),
		GracefulShutdownTimeout: config.Duration(50 * time.Millisecond),
		RespawnDelay:            config.Duration(time.Millisecond),
	}
}

// fakeProc is an in-memory stand-in for a worker process.
type fakeProc struct {
	pid       int
	termExits bool

	mu   sync.Mutex
	sigs []os.Signal

	exitOnce sync.Once
	exited   chan struct{}
	err      error
}

func (p *fakeProc) PID() int { return p.pid }

func (p *fakeProc) Wait() error {
	<-p.exited
	return p.err
}

func (p *fakeProc) exit(err error) {
	p.exitOnce.Do(func() {
		p.err = err
		close(p.exited)
	})
}

func (p *fakeProc) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.sigs = append(p.sigs, sig)
	p.mu.Unlock()
	if sig == syscall.SIGTERM && p.termExits {
		p.exit(nil)
	}
	return nil
}

func (p *fakeProc) Kill() error {
	p.exit(errors.New("killed"))
	return nil
}

func (p *fakeProc) signals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]os.Signal, len(p.sigs))
	copy(out, p.sigs)
	return out
}

// fakeSpawner hands out fakeProcs with sequential PIDs.
type fakeSpawner struct {
	termExits bool

	mu      sync.Mutex
	nextPID int
	procs   []*fakeProc
}

func (s *fakeSpawner) Spawn(context.Context) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPID++
	p := &fakeProc{
		pid:       s.nextPID,
		termExits: s.termExits,
		exited:    make(chan struct{}),
	}
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSpawner) spawned() []*fakeProc {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*fakeProc, len(s.procs))
	copy(out, s.procs)
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newSupervisor(t *testing.T, cfg config.WorkersConfig, sp *fakeSpawner, bus *events.Bus) *Supervisor {
	t.Helper()
	s, err := New(cfg, sp, bus, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func TestStartSpawnsConfiguredCount(t *testing.T) {
	sp := &fakeSpawner{termExits: true}
	s := newSupervisor(t, testConfig(3), sp, nil)

	if got := s.WorkerCount(); got != 3 {
		t.Fatalf("expected 3 workers, got %d", got)
	}
	for _, w := range s.Workers() {
		if w.Status != StatusActive {
			t.Fatalf("worker %s not active: %s", w.ID, w.Status)
		}
		if w.PID == 0 || w.StartedAt.IsZero() {
			t.Fatalf("incomplete worker record %+v", w)
		}
	}
}

func TestCrashedWorkerIsReplaced(t *testing.T) {
	sp := &fakeSpawner{termExits: true}
	s := newSupervisor(t, testConfig(2), sp, nil)

	victim := s.Workers()[0]
	sp.spawned()[0].exit(errors.New("segfault"))

	waitFor(t, "replacement worker", func() bool {
		workers := s.Workers()
		if len(workers) != 2 {
			return false
		}
		for _, w := range workers {
			if w.ID == victim.ID {
				return false
			}
		}
		return true
	})
	if len(sp.spawned()) != 3 {
		t.Fatalf("expected 3 total spawns, got %d", len(sp.spawned()))
	}
}

func TestGracefulRestartReplacesWorker(t *testing.T) {
	sp := &fakeSpawner{termExits: true}
	s := newSupervisor(t, testConfig(1), sp, nil)

	old := s.Workers()[0]
	if err := s.GracefulRestart(old.ID); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "restarted worker", func() bool {
		workers := s.Workers()
		return len(workers) == 1 && workers[0].ID != old.ID && workers[0].Status == StatusActive
	})

	// The old process got a termination signal, not a kill.
	sigs := sp.spawned()[0].signals()
	if len(sigs) != 1 || sigs[0] != syscall.SIGTERM {
		t.Fatalf("expected a single SIGTERM, got %v", sigs)
	}
}

func TestStubbornWorkerIsKilled(t *testing.T) {
	sp := &fakeSpawner{termExits: false} // ignores SIGTERM
	s := newSupervisor(t, testConfig(1), sp, nil)

	old := s.Workers()[0]
	if err := s.GracefulRestart(old.ID); err != nil {
		t.Fatal(err)
	}

	// The graceful window elapses, the kill lands, a replacement appears.
	waitFor(t, "killed worker replaced", func() bool {
		workers := s.Workers()
		return len(workers) == 1 && workers[0].ID != old.ID
	})
}

func TestGracefulRestartUnknownWorker(t *testing.T) {
	sp := &fakeSpawner{termExits: true}
	s := newSupervisor(t, testConfig(1), sp, nil)
	other := s.Workers()[0]
	if err := s.Remove(other.ID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "removal", func() bool { return s.WorkerCount() == 0 })

	if err := s.GracefulRestart(other.ID); !errors.Is(err, ErrWorkerNotFound) {
		t.Fatalf("expected ErrWorkerNotFound, got %v", err)
	}
}

func TestForkAddsWorker(t *testing.T) {
	sp := &fakeSpawner{termExits: true}
	s := newSupervisor(t, testConfig(1), sp, nil)

	if err := s.Fork(); err != nil {
		t.Fatal(err)
	}
	if got := s.WorkerCount(); got != 2 {
		t.Fatalf("expected 2 workers after fork, got %d", got)
	}
}

func TestRemoveDoesNotReplace(t *testing.T) {
	sp := &fakeSpawner{termExits: true}
	s := newSupervisor(t, testConfig(2), sp, nil)

	target := s.Workers()[0]
	if err := s.Remove(target.ID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "worker removal", func() bool { return s.WorkerCount() == 1 })

	// No replacement shows up afterwards.
	time.Sleep(50 * time.Millisecond)
	if got := s.WorkerCount(); got != 1 {
		t.Fatalf("removed worker was replaced, count %d", got)
	}
}

func TestRemoveLeastBusy(t *testing.T) {
	sp := &fakeSpawner{termExits: true}
	s := newSupervisor(t, testConfig(2), sp, nil)

	// Attribution rotates, so three requests split 2/1.
	s.RecordRequest()
	s.RecordRequest()
	s.RecordRequest()

	var busiest WorkerRecord
	found := false
	for _, w := range s.Workers() {
		if w.Requests == 2 {
			busiest = w
			found = true
		}
	}
	if !found {
		t.Fatal("request attribution did not split 2/1")
	}

	if err := s.RemoveLeastBusy(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "least busy removed", func() bool {
		workers := s.Workers()
		return len(workers) == 1 && workers[0].ID == busiest.ID
	})
}

func TestMemoryThresholdTriggersRestart(t *testing.T) {
	bus := events.NewBus(4)
	ch, cancel := bus.Subscribe(events.TopicMemoryLeak)
	defer cancel()

	sp := &fakeSpawner{termExits: true}
	s := newSupervisor(t, testConfig(1), sp, bus)

	old := s.Workers()[0]
	// Over the 900-byte limit (1000 * 0.9).
	s.memoryRSS = func(pid int) (uint64, error) { return 950, nil }
	s.CollectTelemetry()

	select {
	case ev := <-ch:
		report := ev.Payload.(MemoryLeakReport)
		if report.HeapBytes != 950 || report.Limit != 900 {
			t.Fatalf("unexpected report %+v", report)
		}
	case <-time.After(time.Second):
		t.Fatal("no memory leak event published")
	}

	waitFor(t, "leaky worker replaced", func() bool {
		workers := s.Workers()
		return len(workers) == 1 && workers[0].ID != old.ID
	})
}

func TestTelemetryRecordsMemory(t *testing.T) {
	sp := &fakeSpawner{termExits: true}
	s := newSupervisor(t, testConfig(1), sp, nil)

	s.memoryRSS = func(pid int) (uint64, error) { return 123, nil }
	s.CollectTelemetry()

	if got := s.Workers()[0].HeapBytes; got != 123 {
		t.Fatalf("expected recorded heap bytes 123, got %d", got)
	}
}

func TestShutdownTerminatesEverything(t *testing.T) {
	sp := &fakeSpawner{termExits: true}
	s, err := New(testConfig(3), sp, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if got := s.WorkerCount(); got != 0 {
		t.Fatalf("workers remain after shutdown: %d", got)
	}
	if err := s.Fork(); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("fork after shutdown must fail, got %v", err)
	}
}

func TestShutdownKillsStubbornWorkers(t *testing.T) {
	sp := &fakeSpawner{termExits: false}
	s, err := New(testConfig(2), sp, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	started := time.Now()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if elapsed := time.Since(started); elapsed < 50*time.Millisecond {
		t.Fatalf("shutdown returned before the graceful window: %v", elapsed)
	}
	if got := s.WorkerCount(); got != 0 {
		t.Fatalf("workers remain after forced shutdown: %d", got)
	}
}
