// Package housekeeping runs a periodic maintenance task on its own
// goroutine with idempotent start/stop.
package housekeeping

import (
	"sync"
	"time"
)

// Runner executes fn every interval. When immediate is set the first run
// happens at Start rather than after the first interval.
type Runner struct {
	interval  time.Duration
	immediate bool
	fn        func()

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewRunner creates a stopped runner.
func NewRunner(interval time.Duration, immediate bool, fn func()) *Runner {
	return &Runner{interval: interval, immediate: immediate, fn: fn}
}

// Start launches the maintenance goroutine. A second Start is a no-op.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.loop(r.stop, r.done)
}

// Stop halts the goroutine and waits for any in-flight run to finish. A
// second Stop is a no-op.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	stop, done := r.stop, r.done
	r.mu.Unlock()

	close(stop)
	<-done
}

// Running reports whether the runner is started.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Runner) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	if r.immediate {
		r.fn()
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.fn()
		case <-stop:
			return
		}
	}
}
