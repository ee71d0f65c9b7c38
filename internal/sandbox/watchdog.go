package sandbox

import (
	"context"
	"runtime/metrics"
	"sync"
	"time"
)

const (
	// pollInterval is the watchdog tick. Overshoot past the timeout is bounded
	// by this plus any in-flight host call.
	pollInterval = time.Millisecond

	// heapSampleEvery is how many ticks pass between heap samples.
	heapSampleEvery = 10

	heapMetric = "/gc/heap/live:bytes"
)

// stopper is the part of ExecutionContext the watchdog needs.
type stopper interface {
	Stop(reason error) bool
}

// watchdog terminates a stalled evaluation. Elapsed time accrues only while
// the running guard reports no capability call in flight.
type watchdog struct {
	timeout time.Duration
	guard   *runningGuard
	target  stopper
	ctx     context.Context

	// heap reports live heap bytes; tests replace it.
	heap     func() uint64
	maxHeap  uint64
	baseline uint64

	quit chan struct{}
	wg   sync.WaitGroup

	mu     sync.Mutex
	reason error
}

func newWatchdog(ctx context.Context, timeout time.Duration, guard *runningGuard, target stopper) *watchdog {
	return &watchdog{
		timeout: timeout,
		guard:   guard,
		target:  target,
		ctx:     ctx,
		heap:    liveHeapBytes,
		maxHeap: MaxHeapBytes,
		quit:    make(chan struct{}),
	}
}

// start launches the monitor goroutine. Call join exactly once afterwards.
func (w *watchdog) start() {
	w.baseline = w.heap()
	w.wg.Add(1)
	go w.loop()
}

// join stops the monitor and waits for it to exit. It returns the reason the
// watchdog stopped the target, or nil if it never did.
func (w *watchdog) join() error {
	close(w.quit)
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reason
}

func (w *watchdog) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var elapsed time.Duration
	last := time.Now()
	ticks := 0
	var seenCalls uint64

	for {
		select {
		case <-w.quit:
			return
		case <-w.ctx.Done():
			w.stop(w.ctx.Err())
			return
		case <-ticker.C:
			// Ticks can sit in the channel while the interpreter holds the
			// CPU, so the tick timestamp lags. Read the clock on wake.
			now := time.Now()
			delta := now.Sub(last)
			last = now

			running, calls := w.guard.state()
			if running {
				continue
			}
			elapsed += delta
			if elapsed > w.timeout {
				w.stop(ErrTimeout)
				return
			}

			// Allocations made by host capabilities are not the script's.
			if calls != seenCalls {
				seenCalls = calls
				w.baseline = w.heap()
				ticks = 0
				continue
			}

			ticks++
			if ticks%heapSampleEvery == 0 {
				if current := w.heap(); current > w.baseline && current-w.baseline > w.maxHeap {
					w.stop(ErrMemoryLimit)
					return
				}
			}
		}
	}
}

func (w *watchdog) stop(reason error) {
	if w.target.Stop(reason) {
		w.mu.Lock()
		w.reason = reason
		w.mu.Unlock()
	}
}

// liveHeapBytes reads the live heap size as of the last GC cycle. The value
// is process-wide; the watchdog only samples it while the script itself holds
// the interpreter and re-baselines after every capability call.
func liveHeapBytes() uint64 {
	sample := []metrics.Sample{{Name: heapMetric}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return sample[0].Value.Uint64()
}
