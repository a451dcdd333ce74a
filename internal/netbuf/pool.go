// Package netbuf provides the pooled byte buffers used on the request and
// response paths. Buffers are handed out by fixed-capacity pools and
// returned after each request; buffers that outgrow their pool profile are
// left to the garbage collector.
package netbuf

import (
	"errors"
	"sync/atomic"
)

var (
	ErrPoolCapacity       = errors.New("netbuf: pool capacity must be positive")
	ErrPoolAllocationSize = errors.New("netbuf: pool allocation size must be positive")
)

// Pool is a fixed-capacity pool of equally sized byte buffers. Take and
// Reclaim never block: an empty pool allocates, a full pool rejects.
type Pool struct {
	allocationSize int
	free           chan []byte

	pooledTakes    atomic.Uint64
	allocatedTakes atomic.Uint64
	accepted       atomic.Uint64
	rejected       atomic.Uint64
}

// PoolMetrics is a point-in-time snapshot of a pool's counters.
type PoolMetrics struct {
	Available            int
	PooledTakes          uint64
	AllocatedTakes       uint64
	AcceptedReclamations uint64
	RejectedReclamations uint64
}

// NewPool creates a pool pre-filled to capacity.
func NewPool(capacity, allocationSize int) (*Pool, error) {
	if capacity <= 0 {
		return nil, ErrPoolCapacity
	}
	if allocationSize <= 0 {
		return nil, ErrPoolAllocationSize
	}
	p := &Pool{
		allocationSize: allocationSize,
		free:           make(chan []byte, capacity),
	}
	for i := 0; i < capacity; i++ {
		p.free <- make([]byte, 0, allocationSize)
	}
	return p, nil
}

// AllocationSize returns the capacity of each buffer the pool hands out.
func (p *Pool) AllocationSize() int {
	return p.allocationSize
}

// Take returns an empty buffer with capacity AllocationSize, from the pool
// if one is available and freshly allocated otherwise.
func (p *Pool) Take() []byte {
	select {
	case buf := <-p.free:
		p.pooledTakes.Add(1)
		return buf[:0]
	default:
		p.allocatedTakes.Add(1)
		return make([]byte, 0, p.allocationSize)
	}
}

// Reclaim offers a buffer back to the pool. It reports whether the buffer
// was accepted; buffers of the wrong profile and offers to a full pool are
// rejected.
//
// The caller must own buf exclusively and offer it at most once: a buffer
// reclaimed twice would be handed to two takers sharing the same backing
// array. The channel's capacity keeps the accounting itself sound either
// way, so Available never exceeds the pool's capacity.
func (p *Pool) Reclaim(buf []byte) bool {
	if cap(buf) != p.allocationSize {
		p.rejected.Add(1)
		return false
	}
	select {
	case p.free <- buf[:0]:
		p.accepted.Add(1)
		return true
	default:
		p.rejected.Add(1)
		return false
	}
}

// Available returns the number of buffers currently pooled.
func (p *Pool) Available() int {
	return len(p.free)
}

// Metrics snapshots the pool counters. The snapshot is not atomic across
// fields; individual counters are exact.
func (p *Pool) Metrics() PoolMetrics {
	return PoolMetrics{
		Available:            len(p.free),
		PooledTakes:          p.pooledTakes.Load(),
		AllocatedTakes:       p.allocatedTakes.Load(),
		AcceptedReclamations: p.accepted.Load(),
		RejectedReclamations: p.rejected.Load(),
	}
}
