package sandbox

import "sync"

// runningGuard records whether the script is currently blocked inside a host
// capability call. The watchdog reads it to pause the timeout clock.
// At most one capability runs at a time because the interpreter is single-threaded.
type runningGuard struct {
	mu      sync.Mutex
	running bool
	calls   uint64 // completed capability calls
}

// enter marks a capability call as in flight and returns the release func.
// Callers must defer the release so it runs on every exit path.
func (g *runningGuard) enter() func() {
	g.mu.Lock()
	g.running = true
	g.mu.Unlock()

	return func() {
		g.mu.Lock()
		g.running = false
		g.calls++
		g.mu.Unlock()
	}
}

func (g *runningGuard) isRunning() bool {
	running, _ := g.state()
	return running
}

// state reports whether a call is in flight and how many have completed.
func (g *runningGuard) state() (running bool, calls uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running, g.calls
}
