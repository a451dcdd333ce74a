// Package timecache provides a coarse cached wall clock. The dispatch path
// reads the current time on every request; a cached millisecond value
// refreshed by a single goroutine keeps that read to one atomic load.
package timecache

import (
	"sync"
	"sync/atomic"
	"time"
)

const refreshInterval = 250 * time.Millisecond

var (
	mu      sync.Mutex
	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}
	nowMS   atomic.Int64
)

func init() {
	nowMS.Store(time.Now().UnixMilli())
}

// Start launches the refresh goroutine. Safe to call more than once.
func Start() {
	mu.Lock()
	defer mu.Unlock()
	if running.Load() {
		return
	}
	stop = make(chan struct{})
	done = make(chan struct{})
	go refreshLoop(stop, done)
	running.Store(true)
}

// Stop halts the refresh goroutine and waits for it to exit. The cached
// value remains readable afterwards.
func Stop() {
	mu.Lock()
	defer mu.Unlock()
	if !running.Load() {
		return
	}
	running.Store(false)
	close(stop)
	<-done
}

func refreshLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			nowMS.Store(time.Now().UnixMilli())
		case <-stop:
			return
		}
	}
}

// NowMilliseconds returns the cached current time in Unix milliseconds.
// While the refresh goroutine is stopped the value is refreshed inline.
func NowMilliseconds() int64 {
	if !running.Load() {
		now := time.Now().UnixMilli()
		nowMS.Store(now)
		return now
	}
	return nowMS.Load()
}
