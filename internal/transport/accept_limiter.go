package transport

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// AcceptLimiter applies a token bucket per remote address ahead of the
// dispatch pipeline. It is a first, cheap line ahead of the request
// monitor's windowed accounting: a flooding address is shed at accept time
// before it costs a pipeline slot. Addresses are parsed and canonicalized,
// so an IPv4 client hits the same bucket whether the listener reports it
// as dotted-quad or IPv4-mapped IPv6.
type AcceptLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	denied atomic.Uint64

	mu        sync.Mutex
	buckets   map[netip.Addr]*acceptBucket
	nextSweep time.Time
}

type acceptBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewAcceptLimiter creates a per-address limiter; returns nil if args are
// invalid. A nil limiter allows everything.
func NewAcceptLimiter(rps float64, burst int, idleTTL time.Duration) *AcceptLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &AcceptLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		buckets: make(map[netip.Addr]*acceptBucket),
	}
}

// Allow reports whether one connection can be accepted for the address at
// now. Strings that do not parse as an IP address, such as the pipe
// endpoints of in-process tests, pass through: the request monitor still
// accounts for them downstream.
func (l *AcceptLimiter) Allow(ip string, now time.Time) bool {
	if l == nil {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return true
	}
	addr = addr.Unmap()

	l.mu.Lock()
	b, ok := l.buckets[addr]
	if !ok {
		b = &acceptBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[addr] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)
	if !now.Before(l.nextSweep) {
		l.sweepLocked(now)
	}
	l.mu.Unlock()

	if !allowed {
		l.denied.Add(1)
	}
	return allowed
}

// sweepLocked drops buckets idle for a full TTL. The next sweep is due one
// TTL out, so an address seen since the previous sweep always survives it.
func (l *AcceptLimiter) sweepLocked(now time.Time) {
	cutoff := now.Add(-l.idleTTL)
	for addr, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, addr)
		}
	}
	l.nextSweep = now.Add(l.idleTTL)
}

// Denied returns the number of connections turned away so far.
func (l *AcceptLimiter) Denied() uint64 {
	if l == nil {
		return 0
	}
	return l.denied.Load()
}

// TrackedAddresses returns the number of addresses currently holding a
// bucket.
func (l *AcceptLimiter) TrackedAddresses() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
