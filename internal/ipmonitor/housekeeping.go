package ipmonitor

import (
	"time"

	"feedbactory/server/internal/platform/housekeeping"
)

// StartHousekeeping begins window rollovers every window duration. The
// first rollover happens a full window after start so the opening window
// is not cut short.
func (m *Monitor) StartHousekeeping(window time.Duration) {
	m.hkMu.Lock()
	defer m.hkMu.Unlock()
	if m.hk == nil {
		m.hk = housekeeping.NewRunner(window, false, m.RollWindow)
	}
	m.hk.Start()
}

// StopHousekeeping halts window rollovers.
func (m *Monitor) StopHousekeeping() {
	m.hkMu.Lock()
	defer m.hkMu.Unlock()
	if m.hk != nil {
		m.hk.Stop()
	}
}
