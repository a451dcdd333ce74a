package session

import (
	"feedbactory/server/internal/platform/timecache"
)

// StartHousekeeping begins periodic maintenance. The first run happens
// immediately so a restart with a stale checkpoint prunes before serving.
func (m *Manager) StartHousekeeping() {
	m.hk.Start()
}

// StopHousekeeping halts maintenance and waits for any in-flight run.
func (m *Manager) StopHousekeeping() {
	m.hk.Stop()
}

// HousekeepingRunning reports whether maintenance is active.
func (m *Manager) HousekeepingRunning() bool {
	return m.hk.Running()
}

func (m *Manager) runHousekeeping() {
	now := timecache.NowMilliseconds()

	var dormant []*Session
	expiry := m.cfg.DormantExpiry.Milliseconds()
	m.sessions.Range(func(_ string, s *Session) bool {
		if now-s.lastResumedMS() > expiry {
			dormant = append(dormant, s)
		}
		return true
	})
	for _, s := range dormant {
		m.removeSession(s)
	}

	leniency := m.cfg.TimeLeniency.Milliseconds()
	prunedNonces := m.nonces.Prune(func(_ string, ts int64) bool {
		return now-ts > leniency
	})

	if len(dormant) > 0 || prunedNonces > 0 {
		m.log.Info("session housekeeping",
			"dormant_sessions_expired", len(dormant),
			"nonces_pruned", prunedNonces,
			"live_sessions", m.sessions.Len())
	}
}
