// Package ipmonitor tracks per-IP request activity over a rolling window
// and grades each address's standing. Addresses that produce too many
// erroneous requests, or spam legitimate ones, are temporarily blocked for
// the remainder of the window; blacklisting is a manual operation and
// survives rollovers and restarts.
package ipmonitor

import (
	"sort"
	"sync"

	"feedbactory/server/internal/eventlog"
	"feedbactory/server/internal/platform/housekeeping"
	"feedbactory/server/internal/platform/timecache"
	"feedbactory/server/internal/protocol"
)

// Policy holds the monitor thresholds.
type Policy struct {
	ErroneousThreshold int
	SpamThreshold      int
}

type ipEntry struct {
	standing    protocol.IPStanding
	legitimate  int64
	erroneous   int64
	denied      int64
	lastUpdated int64
}

// Monitor is the per-IP request monitor.
type Monitor struct {
	policy Policy
	log    *eventlog.Logger

	mu      sync.RWMutex
	entries map[string]*ipEntry

	hkMu sync.Mutex
	hk   *housekeeping.Runner
}

// Snapshot is a point-in-time view of one address.
type Snapshot struct {
	IP          string
	Standing    protocol.IPStanding
	Legitimate  int64
	Erroneous   int64
	Denied      int64
	LastUpdated int64
}

// New creates a monitor with the given thresholds.
func New(policy Policy, log *eventlog.Logger) *Monitor {
	return &Monitor{
		policy:  policy,
		log:     log,
		entries: make(map[string]*ipEntry),
	}
}

// Standing returns the address's current standing. Unknown addresses are OK.
func (m *Monitor) Standing(ip string) protocol.IPStanding {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.entries[ip]; ok {
		return e.standing
	}
	return protocol.StandingOK
}

func (m *Monitor) entryLocked(ip string) *ipEntry {
	e, ok := m.entries[ip]
	if !ok {
		e = &ipEntry{standing: protocol.StandingOK}
		m.entries[ip] = e
	}
	return e
}

// ReportLegitimate records a completed request. Crossing the spam threshold
// within the window temporarily blocks the address.
func (m *Monitor) ReportLegitimate(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entryLocked(ip)
	e.legitimate++
	e.lastUpdated = timecache.NowMilliseconds()
	if e.standing == protocol.StandingOK && e.legitimate >= int64(m.policy.SpamThreshold) {
		e.standing = protocol.StandingTempBlocked
		m.log.Security(eventlog.GradeHigh, "address blocked for request spam",
			"ip", ip, "legitimate_requests", e.legitimate)
	}
}

// ReportErroneous records a malformed or unauthorized request. Crossing the
// erroneous threshold within the window temporarily blocks the address.
func (m *Monitor) ReportErroneous(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entryLocked(ip)
	e.erroneous++
	e.lastUpdated = timecache.NowMilliseconds()
	if e.standing == protocol.StandingOK && e.erroneous >= int64(m.policy.ErroneousThreshold) {
		e.standing = protocol.StandingTempBlocked
		m.log.Security(eventlog.GradeHigh, "address blocked for erroneous requests",
			"ip", ip, "erroneous_requests", e.erroneous)
	}
}

// ReportDenied records a request turned away because of the address's
// standing.
func (m *Monitor) ReportDenied(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entryLocked(ip)
	e.denied++
	e.lastUpdated = timecache.NowMilliseconds()
}

// Blacklist permanently bars an address until paroled.
func (m *Monitor) Blacklist(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entryLocked(ip)
	e.standing = protocol.StandingBlacklisted
	e.lastUpdated = timecache.NowMilliseconds()
	m.log.Security(eventlog.GradeMedium, "address blacklisted", "ip", ip)
}

// Parole restores an address to OK standing. It reports whether the
// address was known.
func (m *Monitor) Parole(ip string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[ip]
	if !ok {
		return false
	}
	e.standing = protocol.StandingOK
	e.lastUpdated = timecache.NowMilliseconds()
	m.log.Info("address paroled", "ip", ip)
	return true
}

// Blocked returns the addresses currently blocked or blacklisted.
func (m *Monitor) Blocked() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0)
	for ip, e := range m.entries {
		if e.standing != protocol.StandingOK {
			out = append(out, snapshotOf(ip, e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// Busiest returns up to n addresses ordered by total requests this window.
func (m *Monitor) Busiest(n int) []Snapshot {
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.entries))
	for ip, e := range m.entries {
		out = append(out, snapshotOf(ip, e))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return total(out[i]) > total(out[j])
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func total(s Snapshot) int64 {
	return s.Legitimate + s.Erroneous + s.Denied
}

func snapshotOf(ip string, e *ipEntry) Snapshot {
	return Snapshot{
		IP:          ip,
		Standing:    e.standing,
		Legitimate:  e.legitimate,
		Erroneous:   e.erroneous,
		Denied:      e.denied,
		LastUpdated: e.lastUpdated,
	}
}

// RollWindow starts a new monitoring window: counters reset, temporary
// blocks lapse, and idle OK entries are dropped. Blacklisted addresses are
// kept.
func (m *Monitor) RollWindow() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ip, e := range m.entries {
		active := e.legitimate+e.erroneous+e.denied > 0
		e.legitimate, e.erroneous, e.denied = 0, 0, 0
		switch e.standing {
		case protocol.StandingBlacklisted:
			// Keep.
		case protocol.StandingTempBlocked:
			e.standing = protocol.StandingOK
		default:
			if !active {
				delete(m.entries, ip)
			}
		}
	}
}
