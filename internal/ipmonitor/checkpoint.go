package ipmonitor

import (
	"bufio"
	"fmt"
	"io"

	"feedbactory/server/internal/checkpoint"
	"feedbactory/server/internal/protocol"
)

// Checkpoint layout, big-endian: repeated records of a 1-byte IP length,
// the IP bytes, a 1-byte standing and an int64 last-updated timestamp,
// terminated by a 0xFF length byte. Only blocked and blacklisted addresses
// are saved; windowed counters are deliberately transient.
const checkpointTerminator = 0xFF

// SaveCheckpoint writes the non-OK addresses to path.
func (m *Monitor) SaveCheckpoint(path string) error {
	blocked := m.Blocked()
	return checkpoint.WriteAtomic(path, func(w *bufio.Writer) error {
		for _, s := range blocked {
			if len(s.IP) == 0 || len(s.IP) > 254 {
				continue
			}
			if err := w.WriteByte(byte(len(s.IP))); err != nil {
				return err
			}
			if _, err := w.WriteString(s.IP); err != nil {
				return err
			}
			if err := w.WriteByte(byte(s.Standing)); err != nil {
				return err
			}
			if err := checkpoint.PutInt64(w, s.LastUpdated); err != nil {
				return err
			}
		}
		return w.WriteByte(checkpointTerminator)
	})
}

// RestoreCheckpoint replaces the monitor state with the checkpoint at path.
func (m *Monitor) RestoreCheckpoint(path string) error {
	restored := make(map[string]*ipEntry)
	err := checkpoint.Read(path, func(r *bufio.Reader) error {
		for {
			length, err := r.ReadByte()
			if err != nil {
				return fmt.Errorf("ipmonitor: checkpoint record length: %w", err)
			}
			if length == checkpointTerminator {
				return nil
			}
			ip := make([]byte, length)
			if _, err := io.ReadFull(r, ip); err != nil {
				return fmt.Errorf("ipmonitor: checkpoint address: %w", err)
			}
			standingByte, err := r.ReadByte()
			if err != nil {
				return fmt.Errorf("ipmonitor: checkpoint standing: %w", err)
			}
			lastUpdated, err := checkpoint.Int64(r)
			if err != nil {
				return fmt.Errorf("ipmonitor: checkpoint timestamp: %w", err)
			}
			restored[string(ip)] = &ipEntry{
				standing:    protocol.IPStanding(standingByte),
				lastUpdated: lastUpdated,
			}
		}
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.entries = restored
	m.mu.Unlock()
	m.log.Info("address monitor checkpoint restored", "blocked_addresses", len(restored))
	return nil
}
