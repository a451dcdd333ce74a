package session

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"feedbactory/server/internal/account"
	"feedbactory/server/internal/eventlog"
	"feedbactory/server/internal/netbuf"
	"feedbactory/server/internal/platform/housekeeping"
	"feedbactory/server/internal/platform/shardmap"
	"feedbactory/server/internal/platform/timecache"
	"feedbactory/server/internal/protocol"
)

var (
	ErrMalformedRequest   = errors.New("session: malformed session request")
	ErrStaleTimestamp     = errors.New("session: client time outside leniency window")
	ErrReplayDetected     = errors.New("session: nonce replay detected")
	ErrRestoreWhileActive = errors.New("session: restore refused while housekeeping is running")
)

// Config is the session policy.
type Config struct {
	SessionsPerAccount   int
	DormantExpiry        time.Duration
	TimeLeniency         time.Duration
	HousekeepingInterval time.Duration
}

// Pools are the buffer pools the manager draws plaintext scratch buffers
// from.
type Pools struct {
	Regular  *netbuf.Pool
	Oversize *netbuf.Pool
}

// DispatchFunc carries an authenticated request into the application
// gateways. payload is positioned at the gateway byte; response collects
// the operation's plaintext reply.
type DispatchFunc func(us *UserSession, payload *netbuf.Readable, response *netbuf.Growable) error

// Manager owns every live session, the nonce replay ledger and the session
// housekeeping.
type Manager struct {
	cfg      Config
	keys     *KeyPair
	accounts AccountPort
	resolver account.Resolver
	pools    Pools
	log      *eventlog.Logger

	sessions  *shardmap.Map[*Session]
	byAccount *shardmap.Map[[]*Session]
	nonces    *shardmap.Map[int64]

	hk *housekeeping.Runner
}

// NewManager builds a manager with no sessions.
func NewManager(cfg Config, keys *KeyPair, accounts AccountPort, resolver account.Resolver, pools Pools, log *eventlog.Logger) *Manager {
	m := &Manager{
		cfg:       cfg,
		keys:      keys,
		accounts:  accounts,
		resolver:  resolver,
		pools:     pools,
		log:       log,
		sessions:  shardmap.New[*Session](),
		byAccount: shardmap.New[[]*Session](),
		nonces:    shardmap.New[int64](),
	}
	m.hk = housekeeping.NewRunner(cfg.HousekeepingInterval, true, m.runHousekeeping)
	return m
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	return m.sessions.Len()
}

// NonceCount returns the number of nonces currently remembered.
func (m *Manager) NonceCount() int {
	return m.nonces.Len()
}

func accountKey(id int32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(id))
	return b[:]
}

// ProcessInitiation handles an InitiateSession request: unwrap the session
// key and body, enforce time leniency and nonce uniqueness, authenticate
// through the account port, and on success install a session and write the
// sealed session block to resp. A non-nil error means the request was
// erroneous and no response bytes were written.
func (m *Manager) ProcessInitiation(req *netbuf.Readable, resp *netbuf.Growable) error {
	sealedKey := req.View(SealedKeySize)
	requestIV := req.View(IVSize)
	responseIV := req.View(IVSize)
	body := req.View(req.Remaining())
	if req.Err() != nil {
		return ErrMalformedRequest
	}

	key, err := m.keys.OpenSessionKey(sealedKey)
	if err != nil {
		m.log.Security(eventlog.GradeHigh, "session key block rejected")
		return err
	}
	plain, err := OpenBody(key, requestIV, body)
	if err != nil {
		m.log.Security(eventlog.GradeHigh, "initiation body rejected")
		return err
	}

	pr := netbuf.Wrap(plain)
	clientReportedTime := pr.Int64()
	nonce := pr.View(protocol.NonceSize)
	initiationByte := pr.Byte()
	if pr.Err() != nil {
		return ErrMalformedRequest
	}
	initiationType, ok := protocol.SessionInitiationTypeFromByte(initiationByte)
	if !ok {
		return ErrMalformedRequest
	}

	now := timecache.NowMilliseconds()
	if clientReportedTime == protocol.NoTime || absMS(now-clientReportedTime) > m.cfg.TimeLeniency.Milliseconds() {
		m.log.Security(eventlog.GradeHigh, "initiation outside time leniency",
			"client_reported_ms", clientReportedTime, "server_ms", now)
		return ErrStaleTimestamp
	}
	if !m.nonces.SetIfAbsent(nonce, now) {
		m.log.Security(eventlog.GradeHigh, "initiation nonce replayed",
			"nonce", eventlog.ShortID(nonce))
		return ErrReplayDetected
	}

	plainResp := netbuf.NewGrowable(m.pools.Regular, m.pools.Oversize)
	defer plainResp.Reclaim()
	auth := m.accounts.Authenticate(initiationType, pr, plainResp)

	resp.PutByte(byte(auth.Status))
	switch auth.Status {
	case protocol.AuthSuccess:
		if auth.Account == nil {
			return fmt.Errorf("session: authenticator returned success without an account")
		}
		sess, err := m.createSession(auth.Account, key, now)
		if err != nil {
			return err
		}
		return m.sealInitiationBlock(resp, key, responseIV, sess, plainResp)
	case protocol.AuthSuccessNotActivated:
		return m.sealInitiationBlock(resp, key, responseIV, nil, plainResp)
	default:
		// Failed authentications carry the status byte alone.
		m.log.Security(eventlog.GradeMedium, "session initiation refused",
			"initiation_type", int(initiationType), "status", int(auth.Status))
		return nil
	}
}

// sealInitiationBlock seals the initiation payload: for an established
// session its ID and any queued account messages, then the account detail
// payload the authenticator wrote. A nil sess (account not yet activated)
// seals the detail payload alone.
func (m *Manager) sealInitiationBlock(resp *netbuf.Growable, key, responseIV []byte, sess *Session, authPayload *netbuf.Growable) error {
	payload := netbuf.NewGrowable(m.pools.Regular, m.pools.Oversize)
	defer payload.Reclaim()
	if sess != nil {
		payload.PutBytes(sess.id[:])
		m.accounts.WriteAccountMessages(sess.account, payload)
	}
	detail := authPayload.Flip()
	payload.PutBytes(detail.View(detail.Remaining()))

	view := payload.Flip()
	sealed, err := SealBody(key, responseIV, view.View(view.Remaining()))
	if err != nil {
		return err
	}
	resp.PutBytes(sealed)
	return nil
}

func (m *Manager) createSession(acct *account.Account, key []byte, nowMS int64) (*Session, error) {
	acct.Lock()
	defer acct.Unlock()

	existing, _ := m.byAccount.Get(accountKey(acct.ID))
	if len(existing) >= m.cfg.SessionsPerAccount {
		for _, s := range existing {
			s.expire()
			m.sessions.Delete(s.id[:])
		}
		m.byAccount.Delete(accountKey(acct.ID))
		existing = nil
		m.log.Security(eventlog.GradeLow, "session cap exceeded, account sessions cleared",
			"account_id", acct.ID, "cap", m.cfg.SessionsPerAccount)
	}

	// The counter starts at zero on both ends; the client learns nothing
	// beyond the session ID and derives its first counter value from that
	// shared starting point.
	sess := &Session{
		account:     acct,
		key:         append([]byte(nil), key...),
		created:     nowMS,
		lastResumed: nowMS,
	}
	for {
		if _, err := rand.Read(sess.id[:]); err != nil {
			return nil, fmt.Errorf("session: generate session ID: %w", err)
		}
		if m.sessions.SetIfAbsent(sess.id[:], sess) {
			break
		}
	}
	m.byAccount.Set(accountKey(acct.ID), append(existing, sess))

	m.log.Info("session created",
		"account_id", acct.ID, "session_id", eventlog.ShortID(sess.id[:]))
	return sess, nil
}

// ProcessRegular handles a RegularSessionRequest: plain session ID lookup,
// queued message delivery and gateway dispatch, all plaintext. The request
// neither consumes a counter tick nor refreshes the resume timestamp.
func (m *Manager) ProcessRegular(req *netbuf.Readable, resp *netbuf.Growable, dispatch DispatchFunc) error {
	id := req.View(protocol.SessionIDSize)
	if req.Err() != nil {
		return ErrMalformedRequest
	}
	sess, ok := m.sessions.Get(id)
	if !ok || !sess.alive() {
		m.refuseUnknownSession(resp, id)
		return nil
	}

	resp.PutByte(byte(protocol.AuthSuccess))
	m.accounts.WriteAccountMessages(sess.account, resp)
	return dispatch(&UserSession{SessionID: sess.id[:], Account: sess.account}, req, resp)
}

// ProcessEncrypted handles an EncryptedSessionRequest: session lookup, body
// decryption, counter verification, queued message delivery, gateway
// dispatch, and sealing of the response payload.
func (m *Manager) ProcessEncrypted(req *netbuf.Readable, resp *netbuf.Growable, dispatch DispatchFunc) error {
	sess, pr, responseIV, err := m.openSessionBody(req, resp)
	if err != nil || sess == nil {
		return err
	}

	responseCounter, ok := m.verifyCounter(sess, pr, resp)
	if !ok {
		return nil
	}
	sess.touch(timecache.NowMilliseconds())
	resp.PutByte(byte(protocol.AuthSuccess))

	plainResp := netbuf.NewGrowable(m.pools.Regular, m.pools.Oversize)
	defer plainResp.Reclaim()
	plainResp.PutInt32(int32(responseCounter))
	m.accounts.WriteAccountMessages(sess.account, plainResp)

	if err := dispatch(&UserSession{SessionID: sess.id[:], Account: sess.account}, pr, plainResp); err != nil {
		return err
	}
	return m.sealSessionResponse(resp, sess, responseIV, plainResp)
}

// ProcessResume handles a ResumeSession request: counter verification, then
// a sealed response re-delivering queued messages and the full account
// detail snapshot. Resume is the only request that refreshes the dormancy
// timestamp alongside encrypted requests.
func (m *Manager) ProcessResume(req *netbuf.Readable, resp *netbuf.Growable) error {
	sess, pr, responseIV, err := m.openSessionBody(req, resp)
	if err != nil || sess == nil {
		return err
	}

	responseCounter, ok := m.verifyCounter(sess, pr, resp)
	if !ok {
		return nil
	}
	sess.touch(timecache.NowMilliseconds())
	resp.PutByte(byte(protocol.AuthSuccess))

	plainResp := netbuf.NewGrowable(m.pools.Regular, m.pools.Oversize)
	defer plainResp.Reclaim()
	plainResp.PutInt32(int32(responseCounter))
	m.accounts.WriteAccountMessages(sess.account, plainResp)
	m.accounts.WriteAccountDetails(sess.account, plainResp)

	return m.sealSessionResponse(resp, sess, responseIV, plainResp)
}

// ProcessEnd handles an EndSession request: counter verification, removal
// of the session, and a sealed acknowledgement. The client is shutting
// down, so queued messages are deliberately withheld for a later session
// and the response carries the explicit no-messages marker instead.
func (m *Manager) ProcessEnd(req *netbuf.Readable, resp *netbuf.Growable) error {
	sess, pr, responseIV, err := m.openSessionBody(req, resp)
	if err != nil || sess == nil {
		return err
	}

	responseCounter, ok := m.verifyCounter(sess, pr, resp)
	if !ok {
		return nil
	}
	resp.PutByte(byte(protocol.AuthSuccess))

	plainResp := netbuf.NewGrowable(m.pools.Regular, m.pools.Oversize)
	defer plainResp.Reclaim()
	plainResp.PutInt32(int32(responseCounter))
	m.accounts.WriteNoAccountMessages(plainResp)

	m.removeSession(sess)
	m.log.Info("session ended",
		"account_id", sess.account.ID, "session_id", eventlog.ShortID(sess.id[:]))
	return m.sealSessionResponse(resp, sess, responseIV, plainResp)
}

func (m *Manager) sealSessionResponse(resp *netbuf.Growable, sess *Session, responseIV []byte, plainResp *netbuf.Growable) error {
	view := plainResp.Flip()
	sealed, err := SealBody(sess.key, responseIV, view.View(view.Remaining()))
	if err != nil {
		return err
	}
	resp.PutBytes(sealed)
	return nil
}

// openSessionBody reads the common encrypted-request prelude: session ID,
// both IVs and the AEAD body. A nil session with nil error means the
// refusal response has already been written.
func (m *Manager) openSessionBody(req *netbuf.Readable, resp *netbuf.Growable) (*Session, *netbuf.Readable, []byte, error) {
	id := req.View(protocol.SessionIDSize)
	requestIV := req.View(IVSize)
	responseIV := req.View(IVSize)
	body := req.View(req.Remaining())
	if req.Err() != nil {
		return nil, nil, nil, ErrMalformedRequest
	}

	sess, ok := m.sessions.Get(id)
	if !ok || !sess.alive() {
		m.refuseUnknownSession(resp, id)
		return nil, nil, nil, nil
	}

	plain, err := OpenBody(sess.key, requestIV, body)
	if err != nil {
		m.log.Security(eventlog.GradeHigh, "session body rejected",
			"session_id", eventlog.ShortID(id))
		return nil, nil, nil, err
	}
	return sess, netbuf.Wrap(plain), responseIV, nil
}

func (m *Manager) verifyCounter(sess *Session, pr *netbuf.Readable, resp *netbuf.Growable) (uint32, bool) {
	reported := uint32(pr.Int32())
	if pr.Err() != nil {
		m.refuse(resp)
		return 0, false
	}
	responseCounter, ok := sess.verifyAndAdvance(reported)
	if !ok {
		// The session survives: a mismatch here is either an attacker
		// replaying a captured request or a client that lost sync, and
		// tearing the session down would let the former evict the latter.
		m.log.Security(eventlog.GradeHigh, "session counter mismatch",
			"account_id", sess.account.ID, "session_id", eventlog.ShortID(sess.id[:]))
		m.refuse(resp)
		return 0, false
	}
	return responseCounter, true
}

func (m *Manager) refuseUnknownSession(resp *netbuf.Growable, id []byte) {
	m.log.Security(eventlog.GradeMedium, "unknown session ID",
		"session_id", eventlog.ShortID(id))
	m.refuse(resp)
}

func (m *Manager) refuse(resp *netbuf.Growable) {
	resp.PutByte(byte(protocol.AuthFailed))
}

func (m *Manager) removeSession(sess *Session) {
	acct := sess.account
	acct.Lock()
	defer acct.Unlock()

	sess.expire()
	m.sessions.Delete(sess.id[:])

	// The checkpoint writer iterates over published slices without the
	// account lock, so the old slice must stay intact: filter into a fresh
	// one rather than compacting in place.
	existing, _ := m.byAccount.Get(accountKey(acct.ID))
	remaining := make([]*Session, 0, len(existing))
	for _, s := range existing {
		if s != sess {
			remaining = append(remaining, s)
		}
	}
	if len(remaining) == 0 {
		m.byAccount.Delete(accountKey(acct.ID))
	} else {
		m.byAccount.Set(accountKey(acct.ID), remaining)
	}
}

func absMS(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
