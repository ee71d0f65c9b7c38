package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeStopper struct {
	mu      sync.Mutex
	done    bool
	reasons []error
}

func (f *fakeStopper) Stop(reason error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return false
	}
	f.reasons = append(f.reasons, reason)
	return true
}

func (f *fakeStopper) stopped() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.reasons...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

func TestWatchdog_StopsAfterTimeout(t *testing.T) {
	target := &fakeStopper{}
	w := newWatchdog(context.Background(), 10*time.Millisecond, &runningGuard{}, target)
	w.start()

	waitFor(t, func() bool { return len(target.stopped()) > 0 })
	if err := w.join(); !errors.Is(err, ErrTimeout) {
		t.Errorf("join() = %v, want ErrTimeout", err)
	}
	if got := target.stopped(); len(got) != 1 {
		t.Errorf("stop calls = %d, want 1", len(got))
	}
}

func TestWatchdog_PausedWhileGuardHeld(t *testing.T) {
	guard := &runningGuard{}
	target := &fakeStopper{}
	w := newWatchdog(context.Background(), 10*time.Millisecond, guard, target)

	release := guard.enter()
	w.start()
	time.Sleep(50 * time.Millisecond)
	if got := target.stopped(); len(got) != 0 {
		t.Fatalf("watchdog fired while a capability was running: %v", got)
	}

	release()
	waitFor(t, func() bool { return len(target.stopped()) > 0 })
	if err := w.join(); !errors.Is(err, ErrTimeout) {
		t.Errorf("join() = %v, want ErrTimeout", err)
	}
}

func TestWatchdog_NoStopAfterFinish(t *testing.T) {
	target := &fakeStopper{done: true}
	w := newWatchdog(context.Background(), time.Millisecond, &runningGuard{}, target)
	w.start()
	time.Sleep(20 * time.Millisecond)

	if err := w.join(); err != nil {
		t.Errorf("join() = %v, want nil for a finished target", err)
	}
	if got := target.stopped(); len(got) != 0 {
		t.Errorf("stop recorded after finish: %v", got)
	}
}

func TestWatchdog_JoinBeforeTimeout(t *testing.T) {
	target := &fakeStopper{}
	w := newWatchdog(context.Background(), time.Hour, &runningGuard{}, target)
	w.start()

	if err := w.join(); err != nil {
		t.Errorf("join() = %v, want nil", err)
	}
	if got := target.stopped(); len(got) != 0 {
		t.Errorf("unexpected stop: %v", got)
	}
}

func TestWatchdog_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	target := &fakeStopper{}
	w := newWatchdog(ctx, time.Hour, &runningGuard{}, target)
	w.start()
	cancel()

	waitFor(t, func() bool { return len(target.stopped()) > 0 })
	if err := w.join(); !errors.Is(err, context.Canceled) {
		t.Errorf("join() = %v, want context.Canceled", err)
	}
}

func TestWatchdog_HeapCeiling(t *testing.T) {
	target := &fakeStopper{}
	w := newWatchdog(context.Background(), time.Hour, &runningGuard{}, target)

	var mu sync.Mutex
	heap := uint64(1 << 20)
	w.heap = func() uint64 {
		mu.Lock()
		defer mu.Unlock()
		return heap
	}
	w.maxHeap = 4 << 20
	w.start()

	mu.Lock()
	heap += 8 << 20
	mu.Unlock()

	waitFor(t, func() bool { return len(target.stopped()) > 0 })
	if err := w.join(); !errors.Is(err, ErrMemoryLimit) {
		t.Errorf("join() = %v, want ErrMemoryLimit", err)
	}
}

func TestWatchdog_HostAllocationNotCharged(t *testing.T) {
	guard := &runningGuard{}
	target := &fakeStopper{}
	w := newWatchdog(context.Background(), time.Hour, guard, target)

	var mu sync.Mutex
	heap := uint64(1 << 20)
	w.heap = func() uint64 {
		mu.Lock()
		defer mu.Unlock()
		return heap
	}
	w.maxHeap = 4 << 20

	release := guard.enter()
	w.start()

	mu.Lock()
	heap += 64 << 20
	mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	release()

	// Several sample periods after the call returns.
	time.Sleep(50 * time.Millisecond)
	if got := target.stopped(); len(got) != 0 {
		t.Fatalf("watchdog charged host allocation to the script: %v", got)
	}

	// Growth after the call is still the script's.
	mu.Lock()
	heap += 8 << 20
	mu.Unlock()
	waitFor(t, func() bool { return len(target.stopped()) > 0 })
	if err := w.join(); !errors.Is(err, ErrMemoryLimit) {
		t.Errorf("join() = %v, want ErrMemoryLimit", err)
	}
}

func TestRunningGuard_CountsCompletedCalls(t *testing.T) {
	g := &runningGuard{}
	release := g.enter()
	if running, calls := g.state(); !running || calls != 0 {
		t.Errorf("state() = %v, %d; want true, 0", running, calls)
	}
	release()
	if running, calls := g.state(); running || calls != 1 {
		t.Errorf("state() = %v, %d; want false, 1", running, calls)
	}
}

func TestExecutionContext_StopAfterFinishIsNoop(t *testing.T) {
	c := newExecutionContext()
	c.finish()
	if c.Stop(ErrTimeout) {
		t.Error("Stop() after finish should report false")
	}
	v, err := c.Eval("after.js", "1 + 1")
	if err != nil {
		t.Fatalf("Eval() error: %v", err)
	}
	if v.ToInteger() != 2 {
		t.Errorf("Eval() = %v, want 2", v)
	}
}
