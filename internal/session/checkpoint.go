package session

import (
	"bufio"
	"fmt"
	"io"

	"feedbactory/server/internal/checkpoint"
	"feedbactory/server/internal/platform/shardmap"
	"feedbactory/server/internal/protocol"
)

// Session checkpoint layout, big-endian: per account an int32 account ID
// and int32 session count, then per session the 16-byte session ID, the
// 32-byte key, and int64 creation time, last-resumed time and counter. An
// account ID of -1 terminates the file. The nonce ledger is a separate
// file of records flagged with a leading 1 byte (24-byte nonce plus int64
// timestamp each) and terminated by a 0 flag byte.
const (
	accountTerminator = int32(-1)

	nonceRecordFlag = byte(1)
	nonceEndFlag    = byte(0)
)

// SaveCheckpoint writes the session table and nonce ledger to their files.
func (m *Manager) SaveCheckpoint(sessionsPath, noncesPath string) error {
	if err := m.saveSessions(sessionsPath); err != nil {
		return err
	}
	if err := m.saveNonces(noncesPath); err != nil {
		return err
	}
	m.log.Info("session checkpoint saved",
		"sessions", m.sessions.Len(), "nonces", m.nonces.Len())
	return nil
}

func (m *Manager) saveSessions(path string) error {
	return checkpoint.WriteAtomic(path, func(w *bufio.Writer) error {
		var outerErr error
		m.byAccount.Range(func(_ string, sessions []*Session) bool {
			if len(sessions) == 0 {
				return true
			}
			if err := checkpoint.PutInt32(w, sessions[0].account.ID); err != nil {
				outerErr = err
				return false
			}
			if err := checkpoint.PutInt32(w, int32(len(sessions))); err != nil {
				outerErr = err
				return false
			}
			for _, s := range sessions {
				if err := writeSessionRecord(w, s); err != nil {
					outerErr = err
					return false
				}
			}
			return true
		})
		if outerErr != nil {
			return outerErr
		}
		return checkpoint.PutInt32(w, accountTerminator)
	})
}

func writeSessionRecord(w *bufio.Writer, s *Session) error {
	s.mu.Lock()
	lastResumed, counter := s.lastResumed, s.counter
	s.mu.Unlock()

	if _, err := w.Write(s.id[:]); err != nil {
		return err
	}
	if _, err := w.Write(s.key); err != nil {
		return err
	}
	if err := checkpoint.PutInt64(w, s.created); err != nil {
		return err
	}
	if err := checkpoint.PutInt64(w, lastResumed); err != nil {
		return err
	}
	return checkpoint.PutInt64(w, int64(counter))
}

func (m *Manager) saveNonces(path string) error {
	return checkpoint.WriteAtomic(path, func(w *bufio.Writer) error {
		var outerErr error
		m.nonces.Range(func(nonce string, ts int64) bool {
			if err := w.WriteByte(nonceRecordFlag); err != nil {
				outerErr = err
				return false
			}
			if _, err := w.WriteString(nonce); err != nil {
				outerErr = err
				return false
			}
			if err := checkpoint.PutInt64(w, ts); err != nil {
				outerErr = err
				return false
			}
			return true
		})
		if outerErr != nil {
			return outerErr
		}
		return w.WriteByte(nonceEndFlag)
	})
}

// RestoreCheckpoint replaces all session and nonce state from the files.
// It is refused while housekeeping is running: a prune sweeping the maps
// mid-swap could resurrect sessions the restore removed.
func (m *Manager) RestoreCheckpoint(sessionsPath, noncesPath string) error {
	if m.hk.Running() {
		return ErrRestoreWhileActive
	}

	sessions := shardmap.New[*Session]()
	byAccount := shardmap.New[[]*Session]()
	skippedAccounts := 0

	err := checkpoint.Read(sessionsPath, func(r *bufio.Reader) error {
		for {
			accountID, err := checkpoint.Int32(r)
			if err != nil {
				return fmt.Errorf("session: checkpoint account ID: %w", err)
			}
			if accountID == accountTerminator {
				return nil
			}
			count, err := checkpoint.Int32(r)
			if err != nil {
				return fmt.Errorf("session: checkpoint session count: %w", err)
			}

			acct := m.resolver.AccountByID(accountID)
			if acct == nil {
				skippedAccounts++
			}
			restored := make([]*Session, 0, count)
			for i := int32(0); i < count; i++ {
				s, err := readSessionRecord(r)
				if err != nil {
					return err
				}
				if acct == nil {
					continue
				}
				s.account = acct
				sessions.Set(s.id[:], s)
				restored = append(restored, s)
			}
			if len(restored) > 0 {
				byAccount.Set(accountKey(accountID), restored)
			}
		}
	})
	if err != nil {
		return err
	}

	nonces := shardmap.New[int64]()
	err = checkpoint.Read(noncesPath, func(r *bufio.Reader) error {
		for {
			flag, err := r.ReadByte()
			if err != nil {
				return fmt.Errorf("session: nonce checkpoint flag: %w", err)
			}
			if flag == nonceEndFlag {
				return nil
			}
			nonce := make([]byte, protocol.NonceSize)
			if _, err := io.ReadFull(r, nonce); err != nil {
				return fmt.Errorf("session: nonce checkpoint record: %w", err)
			}
			ts, err := checkpoint.Int64(r)
			if err != nil {
				return fmt.Errorf("session: nonce checkpoint timestamp: %w", err)
			}
			nonces.Set(nonce, ts)
		}
	})
	if err != nil {
		return err
	}

	m.sessions = sessions
	m.byAccount = byAccount
	m.nonces = nonces

	if skippedAccounts > 0 {
		m.log.Warn("session checkpoint referenced unknown accounts",
			"skipped_accounts", skippedAccounts)
	}
	m.log.Info("session checkpoint restored",
		"sessions", sessions.Len(), "nonces", nonces.Len())
	return nil
}

func readSessionRecord(r *bufio.Reader) (*Session, error) {
	s := &Session{key: make([]byte, KeySize)}
	if _, err := io.ReadFull(r, s.id[:]); err != nil {
		return nil, fmt.Errorf("session: checkpoint session ID: %w", err)
	}
	if _, err := io.ReadFull(r, s.key); err != nil {
		return nil, fmt.Errorf("session: checkpoint session key: %w", err)
	}
	var err error
	if s.created, err = checkpoint.Int64(r); err != nil {
		return nil, fmt.Errorf("session: checkpoint creation time: %w", err)
	}
	if s.lastResumed, err = checkpoint.Int64(r); err != nil {
		return nil, fmt.Errorf("session: checkpoint resume time: %w", err)
	}
	counter, err := checkpoint.Int64(r)
	if err != nil {
		return nil, fmt.Errorf("session: checkpoint counter: %w", err)
	}
	s.counter = uint32(counter)
	return s, nil
}
