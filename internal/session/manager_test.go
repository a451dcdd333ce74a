package session

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"feedbactory/server/internal/account"
	"feedbactory/server/internal/eventlog"
	"feedbactory/server/internal/netbuf"
	"feedbactory/server/internal/platform/timecache"
	"feedbactory/server/internal/protocol"
)

// Markers the stub account port writes so tests can see which blocks made
// it into a response.
const (
	authPayloadMarker = byte(0xEE)
	messagesMarker    = byte(0xE1)
	noMessagesMarker  = byte(0xE0)
	detailsMarker     = byte(0xE2)
)

type stubAuthenticator struct {
	registry *account.Registry
	status   protocol.AuthenticationStatus
	nextID   int32
}

func (a *stubAuthenticator) Authenticate(_ protocol.SessionInitiationType, _ *netbuf.Readable, response *netbuf.Growable) Authentication {
	response.PutByte(authPayloadMarker)
	if a.status == protocol.AuthSuccess {
		return Authentication{Status: protocol.AuthSuccess, Account: a.registry.Register(a.nextID)}
	}
	return Authentication{Status: a.status}
}

func (a *stubAuthenticator) WriteAccountMessages(_ *account.Account, response *netbuf.Growable) {
	response.PutByte(messagesMarker)
}

func (a *stubAuthenticator) WriteNoAccountMessages(response *netbuf.Growable) {
	response.PutByte(noMessagesMarker)
}

func (a *stubAuthenticator) WriteAccountDetails(_ *account.Account, response *netbuf.Growable) {
	response.PutByte(detailsMarker)
}

type testEnv struct {
	manager  *Manager
	keys     *KeyPair
	auth     *stubAuthenticator
	registry *account.Registry
	pools    Pools
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	keys, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	regular, err := netbuf.NewPool(16, 512)
	if err != nil {
		t.Fatalf("regular pool: %v", err)
	}
	oversize, err := netbuf.NewPool(4, 4096)
	if err != nil {
		t.Fatalf("oversize pool: %v", err)
	}
	registry := account.NewRegistry()
	auth := &stubAuthenticator{registry: registry, status: protocol.AuthSuccess, nextID: 1}
	pools := Pools{Regular: regular, Oversize: oversize}
	log := eventlog.New(slog.NewTextHandler(io.Discard, nil))
	return &testEnv{
		manager:  NewManager(cfg, keys, auth, registry, pools, log),
		keys:     keys,
		auth:     auth,
		registry: registry,
		pools:    pools,
	}
}

func defaultConfig() Config {
	return Config{
		SessionsPerAccount:   4,
		DormantExpiry:        8 * 24 * time.Hour,
		TimeLeniency:         125 * time.Minute,
		HousekeepingInterval: 5 * time.Minute,
	}
}

type clientSession struct {
	key       []byte
	sessionID []byte
	counter   uint32
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return b
}

// storedCounter peeks at the server-side counter of a live session.
func storedCounter(env *testEnv, sessionID []byte) (uint32, bool) {
	s, ok := env.manager.sessions.Get(sessionID)
	if !ok {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter, true
}

// buildInitiation assembles the wire payload of an InitiateSession request.
func buildInitiation(t *testing.T, env *testEnv, key, nonce []byte, clientTime int64, respIV []byte) *netbuf.Readable {
	t.Helper()
	reqIV := randomBytes(t, IVSize)

	body := make([]byte, 0, 64)
	body = binary.BigEndian.AppendUint64(body, uint64(clientTime))
	body = append(body, nonce...)
	body = append(body, byte(protocol.InitiateEmailSignIn))

	sealedKey, err := SealSessionKeyTo(env.keys.PublicKey(), key)
	if err != nil {
		t.Fatalf("seal key: %v", err)
	}
	sealedBody, err := SealBody(key, reqIV, body)
	if err != nil {
		t.Fatalf("seal body: %v", err)
	}

	wire := make([]byte, 0, len(sealedKey)+2*IVSize+len(sealedBody))
	wire = append(wire, sealedKey...)
	wire = append(wire, reqIV...)
	wire = append(wire, respIV...)
	wire = append(wire, sealedBody...)
	return netbuf.Wrap(wire)
}

// initiate runs a full successful initiation and returns the client's view
// of the established session. Like a real client it derives everything,
// including the starting counter of zero, from the response alone.
func initiate(t *testing.T, env *testEnv) *clientSession {
	t.Helper()
	key := randomBytes(t, KeySize)
	respIV := randomBytes(t, IVSize)
	req := buildInitiation(t, env, key, randomBytes(t, protocol.NonceSize), timecache.NowMilliseconds(), respIV)

	resp := netbuf.NewGrowable(env.pools.Regular, env.pools.Oversize)
	defer resp.Reclaim()
	if err := env.manager.ProcessInitiation(req, resp); err != nil {
		t.Fatalf("initiation failed: %v", err)
	}

	view := resp.Flip()
	if status := protocol.AuthenticationStatus(view.Byte()); status != protocol.AuthSuccess {
		t.Fatalf("status = %d", status)
	}
	opened, err := OpenBody(key, respIV, view.View(view.Remaining()))
	if err != nil {
		t.Fatalf("open response block: %v", err)
	}
	// Session ID, then the queued-messages block, then the account detail
	// payload the authenticator wrote.
	if len(opened) != protocol.SessionIDSize+2 ||
		opened[protocol.SessionIDSize] != messagesMarker ||
		opened[protocol.SessionIDSize+1] != authPayloadMarker {
		t.Fatalf("response block = %v", opened)
	}

	sessionID := append([]byte(nil), opened[:protocol.SessionIDSize]...)
	return &clientSession{key: key, sessionID: sessionID, counter: 0}
}

// buildEncrypted assembles an encrypted-prelude request (Encrypted, Resume
// or End all share it); inner starts with the 4-byte counter.
func buildEncrypted(t *testing.T, cs *clientSession, respIV, inner []byte) *netbuf.Readable {
	t.Helper()
	reqIV := randomBytes(t, IVSize)
	sealed, err := SealBody(cs.key, reqIV, inner)
	if err != nil {
		t.Fatalf("seal body: %v", err)
	}
	wire := make([]byte, 0, protocol.SessionIDSize+2*IVSize+len(sealed))
	wire = append(wire, cs.sessionID...)
	wire = append(wire, reqIV...)
	wire = append(wire, respIV...)
	wire = append(wire, sealed...)
	return netbuf.Wrap(wire)
}

func counterBytes(counter uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], counter)
	return b[:]
}

func TestInitiationEstablishesSession(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	initiate(t, env)
	if env.manager.SessionCount() != 1 {
		t.Fatalf("session count = %d", env.manager.SessionCount())
	}
	if env.manager.NonceCount() != 1 {
		t.Fatalf("nonce count = %d", env.manager.NonceCount())
	}
}

func TestInitiationNonceReplayRejected(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	nonce := randomBytes(t, protocol.NonceSize)
	respIV := randomBytes(t, IVSize)

	for attempt := 0; attempt < 2; attempt++ {
		key := randomBytes(t, KeySize)
		req := buildInitiation(t, env, key, nonce, timecache.NowMilliseconds(), respIV)
		resp := netbuf.NewGrowable(env.pools.Regular, env.pools.Oversize)
		err := env.manager.ProcessInitiation(req, resp)
		resp.Reclaim()

		if attempt == 0 && err != nil {
			t.Fatalf("first use rejected: %v", err)
		}
		if attempt == 1 && !errors.Is(err, ErrReplayDetected) {
			t.Fatalf("replay err = %v", err)
		}
	}
	if env.manager.SessionCount() != 1 {
		t.Fatalf("session count = %d", env.manager.SessionCount())
	}
}

func TestInitiationOutsideLeniencyRejected(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	key := randomBytes(t, KeySize)
	stale := timecache.NowMilliseconds() - (126 * time.Minute).Milliseconds()
	req := buildInitiation(t, env, key, randomBytes(t, protocol.NonceSize), stale, randomBytes(t, IVSize))

	resp := netbuf.NewGrowable(env.pools.Regular, env.pools.Oversize)
	defer resp.Reclaim()
	if err := env.manager.ProcessInitiation(req, resp); !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("err = %v", err)
	}
	// The nonce of a time-rejected request must not be consumed.
	if env.manager.NonceCount() != 0 {
		t.Fatalf("nonce count = %d", env.manager.NonceCount())
	}
}

func TestInitiationNoTimeSentinelRejected(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	key := randomBytes(t, KeySize)
	req := buildInitiation(t, env, key, randomBytes(t, protocol.NonceSize), protocol.NoTime, randomBytes(t, IVSize))

	resp := netbuf.NewGrowable(env.pools.Regular, env.pools.Oversize)
	defer resp.Reclaim()
	if err := env.manager.ProcessInitiation(req, resp); !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("err = %v", err)
	}
}

func TestInitiationFailureWritesStatusOnly(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	env.auth.status = protocol.AuthFailedTooManyTries
	key := randomBytes(t, KeySize)
	req := buildInitiation(t, env, key, randomBytes(t, protocol.NonceSize), timecache.NowMilliseconds(), randomBytes(t, IVSize))

	resp := netbuf.NewGrowable(env.pools.Regular, env.pools.Oversize)
	defer resp.Reclaim()
	if err := env.manager.ProcessInitiation(req, resp); err != nil {
		t.Fatalf("err = %v", err)
	}
	view := resp.Flip()
	if status := protocol.AuthenticationStatus(view.Byte()); status != protocol.AuthFailedTooManyTries {
		t.Fatalf("status = %d", status)
	}
	if view.Remaining() != 0 {
		t.Fatalf("failure response carries %d extra bytes", view.Remaining())
	}
	if env.manager.SessionCount() != 0 {
		t.Fatal("failed initiation created a session")
	}
}

func TestSessionCapClearsAllSessions(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	var first *clientSession
	for i := 0; i < 4; i++ {
		cs := initiate(t, env)
		if first == nil {
			first = cs
		}
	}
	if env.manager.SessionCount() != 4 {
		t.Fatalf("session count = %d", env.manager.SessionCount())
	}
	evicted, ok := env.manager.sessions.Get(first.sessionID)
	if !ok {
		t.Fatal("setup: first session missing")
	}

	// A fifth initiation for the same account clears the previous four.
	cs := initiate(t, env)
	if env.manager.SessionCount() != 1 {
		t.Fatalf("session count after cap = %d", env.manager.SessionCount())
	}
	if _, ok := storedCounter(env, cs.sessionID); !ok {
		t.Fatal("replacement session missing")
	}
	// A request that grabbed an evicted session just before the clear must
	// find it dead.
	if evicted.alive() {
		t.Fatal("evicted session still alive")
	}
}

// A freshly initiated session accepts a first encrypted request carrying
// counter zero: the client learns only the session ID and both ends start
// counting from the same implicit zero.
func TestCounterStartsAtZero(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	cs := initiate(t, env)

	respIV := randomBytes(t, IVSize)
	inner := append(counterBytes(0), byte(protocol.FeedbackGatewayID))
	req := buildEncrypted(t, cs, respIV, inner)

	resp := netbuf.NewGrowable(env.pools.Regular, env.pools.Oversize)
	defer resp.Reclaim()
	noop := func(*UserSession, *netbuf.Readable, *netbuf.Growable) error { return nil }
	if err := env.manager.ProcessEncrypted(req, resp, noop); err != nil {
		t.Fatalf("process: %v", err)
	}
	view := resp.Flip()
	if status := protocol.AuthenticationStatus(view.Byte()); status != protocol.AuthSuccess {
		t.Fatalf("status = %d", status)
	}
	opened, err := OpenBody(cs.key, respIV, view.View(view.Remaining()))
	if err != nil {
		t.Fatalf("open response: %v", err)
	}
	if got := binary.BigEndian.Uint32(opened[:4]); got != 1 {
		t.Fatalf("response counter = %d, want 1", got)
	}
}

func TestEncryptedRequestCounterDiscipline(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	cs := initiate(t, env)

	respIV := randomBytes(t, IVSize)
	inner := append(counterBytes(cs.counter), byte(protocol.FeedbackGatewayID), 0x11)
	req := buildEncrypted(t, cs, respIV, inner)

	resp := netbuf.NewGrowable(env.pools.Regular, env.pools.Oversize)
	defer resp.Reclaim()
	dispatched := false
	err := env.manager.ProcessEncrypted(req, resp, func(us *UserSession, payload *netbuf.Readable, response *netbuf.Growable) error {
		dispatched = true
		if !bytes.Equal(us.SessionID, cs.sessionID) {
			t.Fatal("wrong session dispatched")
		}
		if g := payload.Byte(); g != byte(protocol.FeedbackGatewayID) {
			t.Fatalf("gateway byte = %d", g)
		}
		response.PutByte(0x22)
		return nil
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !dispatched {
		t.Fatal("dispatch not invoked")
	}

	view := resp.Flip()
	if status := protocol.AuthenticationStatus(view.Byte()); status != protocol.AuthSuccess {
		t.Fatalf("status = %d", status)
	}
	opened, err := OpenBody(cs.key, respIV, view.View(view.Remaining()))
	if err != nil {
		t.Fatalf("open response: %v", err)
	}
	gotCounter := binary.BigEndian.Uint32(opened[:4])
	if gotCounter != cs.counter+1 {
		t.Fatalf("response counter = %d, want %d", gotCounter, cs.counter+1)
	}
	// Counter, then queued messages, then the gateway reply.
	if opened[4] != messagesMarker || opened[5] != 0x22 {
		t.Fatalf("payload = %v", opened[4:])
	}

	// Stored counter must have advanced by two.
	if stored, _ := storedCounter(env, cs.sessionID); stored != cs.counter+2 {
		t.Fatalf("stored counter = %d, want %d", stored, cs.counter+2)
	}
}

func TestEncryptedRequestCounterMismatchKeepsSession(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	cs := initiate(t, env)

	respIV := randomBytes(t, IVSize)
	inner := append(counterBytes(cs.counter+9), byte(protocol.FeedbackGatewayID))
	req := buildEncrypted(t, cs, respIV, inner)

	resp := netbuf.NewGrowable(env.pools.Regular, env.pools.Oversize)
	defer resp.Reclaim()
	err := env.manager.ProcessEncrypted(req, resp, func(*UserSession, *netbuf.Readable, *netbuf.Growable) error {
		t.Fatal("dispatch invoked despite counter mismatch")
		return nil
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	view := resp.Flip()
	if status := protocol.AuthenticationStatus(view.Byte()); status != protocol.AuthFailed {
		t.Fatalf("status = %d", status)
	}
	// Session survives; counter untouched.
	if stored, ok := storedCounter(env, cs.sessionID); !ok || stored != cs.counter {
		t.Fatalf("stored = %d/%v, want %d", stored, ok, cs.counter)
	}
}

func TestReplayedEncryptedRequestRejected(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	cs := initiate(t, env)

	respIV := randomBytes(t, IVSize)
	inner := append(counterBytes(cs.counter), byte(protocol.FeedbackGatewayID))
	wire := buildEncrypted(t, cs, respIV, inner)
	raw := wire.View(wire.Remaining())

	noop := func(*UserSession, *netbuf.Readable, *netbuf.Growable) error { return nil }

	resp := netbuf.NewGrowable(env.pools.Regular, env.pools.Oversize)
	if err := env.manager.ProcessEncrypted(netbuf.Wrap(raw), resp, noop); err != nil {
		t.Fatalf("first use: %v", err)
	}
	resp.Reclaim()

	// Byte-identical replay: the counter has advanced, so the copy fails.
	resp = netbuf.NewGrowable(env.pools.Regular, env.pools.Oversize)
	defer resp.Reclaim()
	if err := env.manager.ProcessEncrypted(netbuf.Wrap(raw), resp, noop); err != nil {
		t.Fatalf("replay: %v", err)
	}
	view := resp.Flip()
	if status := protocol.AuthenticationStatus(view.Byte()); status != protocol.AuthFailed {
		t.Fatalf("replay status = %d", status)
	}
}

func TestRegularRequest(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	cs := initiate(t, env)

	wire := append(append([]byte(nil), cs.sessionID...), byte(protocol.AccountGatewayID), 0x33)
	resp := netbuf.NewGrowable(env.pools.Regular, env.pools.Oversize)
	defer resp.Reclaim()

	err := env.manager.ProcessRegular(netbuf.Wrap(wire), resp, func(us *UserSession, payload *netbuf.Readable, response *netbuf.Growable) error {
		if us.Account.ID != 1 {
			t.Fatalf("account = %d", us.Account.ID)
		}
		if g := payload.Byte(); g != byte(protocol.AccountGatewayID) {
			t.Fatalf("gateway byte = %d", g)
		}
		response.PutByte(0x44)
		return nil
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	view := resp.Flip()
	if status := protocol.AuthenticationStatus(view.Byte()); status != protocol.AuthSuccess {
		t.Fatalf("status = %d", status)
	}
	// Queued messages ride along in plaintext, then the gateway reply.
	if view.Byte() != messagesMarker || view.Byte() != 0x44 || view.Err() != nil {
		t.Fatal("plaintext payload mismatch")
	}
}

// A regular request authenticates by session ID alone: it must neither
// consume a counter tick nor count as a resume against dormancy expiry.
func TestRegularRequestLeavesCounterAndDormancyClockAlone(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	cs := initiate(t, env)

	sess, ok := env.manager.sessions.Get(cs.sessionID)
	if !ok {
		t.Fatal("session missing")
	}
	staleMS := timecache.NowMilliseconds() - time.Hour.Milliseconds()
	sess.touch(staleMS)

	wire := append(append([]byte(nil), cs.sessionID...), byte(protocol.AccountGatewayID))
	resp := netbuf.NewGrowable(env.pools.Regular, env.pools.Oversize)
	defer resp.Reclaim()
	noop := func(*UserSession, *netbuf.Readable, *netbuf.Growable) error { return nil }
	if err := env.manager.ProcessRegular(netbuf.Wrap(wire), resp, noop); err != nil {
		t.Fatalf("process: %v", err)
	}

	if got := sess.lastResumedMS(); got != staleMS {
		t.Fatalf("regular request moved resume time to %d", got)
	}
	if stored, _ := storedCounter(env, cs.sessionID); stored != cs.counter {
		t.Fatalf("regular request advanced counter to %d", stored)
	}

	// A resume, by contrast, refreshes the clock.
	req := buildEncrypted(t, cs, randomBytes(t, IVSize), counterBytes(cs.counter))
	resumeResp := netbuf.NewGrowable(env.pools.Regular, env.pools.Oversize)
	defer resumeResp.Reclaim()
	if err := env.manager.ProcessResume(req, resumeResp); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := sess.lastResumedMS(); got == staleMS {
		t.Fatal("resume did not refresh resume time")
	}
}

func TestRegularRequestUnknownSession(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	wire := append(randomBytes(t, protocol.SessionIDSize), byte(protocol.AccountGatewayID))
	resp := netbuf.NewGrowable(env.pools.Regular, env.pools.Oversize)
	defer resp.Reclaim()

	err := env.manager.ProcessRegular(netbuf.Wrap(wire), resp, func(*UserSession, *netbuf.Readable, *netbuf.Growable) error {
		t.Fatal("dispatch invoked for unknown session")
		return nil
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	view := resp.Flip()
	if status := protocol.AuthenticationStatus(view.Byte()); status != protocol.AuthFailed {
		t.Fatalf("status = %d", status)
	}
}

func TestResumeDeliversMessagesAndDetails(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	cs := initiate(t, env)

	respIV := randomBytes(t, IVSize)
	req := buildEncrypted(t, cs, respIV, counterBytes(cs.counter))
	resp := netbuf.NewGrowable(env.pools.Regular, env.pools.Oversize)
	defer resp.Reclaim()

	if err := env.manager.ProcessResume(req, resp); err != nil {
		t.Fatalf("resume: %v", err)
	}
	view := resp.Flip()
	if status := protocol.AuthenticationStatus(view.Byte()); status != protocol.AuthSuccess {
		t.Fatalf("status = %d", status)
	}
	opened, err := OpenBody(cs.key, respIV, view.View(view.Remaining()))
	if err != nil {
		t.Fatalf("open ack: %v", err)
	}
	if binary.BigEndian.Uint32(opened) != cs.counter+1 {
		t.Fatalf("ack counter = %d", binary.BigEndian.Uint32(opened))
	}
	// Resume re-delivers queued messages and the account detail snapshot.
	if len(opened) != 6 || opened[4] != messagesMarker || opened[5] != detailsMarker {
		t.Fatalf("resume payload = %v", opened[4:])
	}
}

func TestEndSessionRemovesSession(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	cs := initiate(t, env)

	respIV := randomBytes(t, IVSize)
	req := buildEncrypted(t, cs, respIV, counterBytes(cs.counter))
	resp := netbuf.NewGrowable(env.pools.Regular, env.pools.Oversize)
	defer resp.Reclaim()

	if err := env.manager.ProcessEnd(req, resp); err != nil {
		t.Fatalf("end: %v", err)
	}
	if env.manager.SessionCount() != 0 {
		t.Fatalf("session count = %d", env.manager.SessionCount())
	}
	view := resp.Flip()
	if status := protocol.AuthenticationStatus(view.Byte()); status != protocol.AuthSuccess {
		t.Fatalf("status = %d", status)
	}
	opened, err := OpenBody(cs.key, respIV, view.View(view.Remaining()))
	if err != nil {
		t.Fatalf("open ack: %v", err)
	}
	// The teardown acknowledgement carries the counter and the explicit
	// no-messages marker: queued messages stay behind for a later session.
	if binary.BigEndian.Uint32(opened) != cs.counter+1 {
		t.Fatalf("ack counter = %d", binary.BigEndian.Uint32(opened))
	}
	if len(opened) != 5 || opened[4] != noMessagesMarker {
		t.Fatalf("end payload = %v", opened[4:])
	}
}

// A goroutine that fetched a session pointer just before removal must see
// it refuse, not advance a counter the table no longer tracks.
func TestRemovedSessionRefusesStalePointer(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	cs := initiate(t, env)

	sess, ok := env.manager.sessions.Get(cs.sessionID)
	if !ok {
		t.Fatal("session missing")
	}
	env.manager.removeSession(sess)

	if sess.alive() {
		t.Fatal("removed session still alive")
	}
	if _, ok := sess.verifyAndAdvance(cs.counter); ok {
		t.Fatal("removed session accepted a counter")
	}
}

// Removal must not disturb a previously published account-session slice:
// the checkpoint writer iterates those slices without the account lock.
func TestRemoveSessionPreservesPublishedSlice(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	var ids [][]byte
	for i := 0; i < 3; i++ {
		ids = append(ids, initiate(t, env).sessionID)
	}

	before, ok := env.manager.byAccount.Get(accountKey(1))
	if !ok || len(before) != 3 {
		t.Fatalf("account sessions = %d", len(before))
	}
	snapshot := append([]*Session(nil), before...)

	middle, _ := env.manager.sessions.Get(ids[1])
	env.manager.removeSession(middle)

	for i, s := range before {
		if s != snapshot[i] {
			t.Fatalf("slice entry %d rewritten during removal", i)
		}
	}
	after, _ := env.manager.byAccount.Get(accountKey(1))
	if len(after) != 2 || after[0] != snapshot[0] || after[1] != snapshot[2] {
		t.Fatal("remaining sessions wrong after removal")
	}
}

func TestTamperedEncryptedBodyIsErroneous(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	cs := initiate(t, env)

	req := buildEncrypted(t, cs, randomBytes(t, IVSize), counterBytes(cs.counter))
	raw := req.View(req.Remaining())
	raw[len(raw)-1] ^= 0x01

	resp := netbuf.NewGrowable(env.pools.Regular, env.pools.Oversize)
	defer resp.Reclaim()
	err := env.manager.ProcessResume(netbuf.Wrap(raw), resp)
	if !errors.Is(err, ErrBodyDecrypt) {
		t.Fatalf("err = %v", err)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	cs := initiate(t, env)
	env.auth.nextID = 2
	initiate(t, env)

	// Advance the first session's counter so the restore has something
	// other than the zero start to prove.
	req := buildEncrypted(t, cs, randomBytes(t, IVSize), append(counterBytes(cs.counter), byte(protocol.FeedbackGatewayID)))
	resp := netbuf.NewGrowable(env.pools.Regular, env.pools.Oversize)
	noop := func(*UserSession, *netbuf.Readable, *netbuf.Growable) error { return nil }
	if err := env.manager.ProcessEncrypted(req, resp, noop); err != nil {
		t.Fatalf("advance counter: %v", err)
	}
	resp.Reclaim()

	dir := t.TempDir()
	sessionsPath := filepath.Join(dir, "sessions.chk")
	noncesPath := filepath.Join(dir, "nonces.chk")
	if err := env.manager.SaveCheckpoint(sessionsPath, noncesPath); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Restore into a fresh manager resolving the same accounts.
	restoredEnv := newTestEnv(t, defaultConfig())
	restoredEnv.registry.Register(1)
	restoredEnv.registry.Register(2)
	if err := restoredEnv.manager.RestoreCheckpoint(sessionsPath, noncesPath); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restoredEnv.manager.SessionCount() != 2 {
		t.Fatalf("restored sessions = %d", restoredEnv.manager.SessionCount())
	}
	if restoredEnv.manager.NonceCount() != 2 {
		t.Fatalf("restored nonces = %d", restoredEnv.manager.NonceCount())
	}

	// The restored session carries the advanced counter.
	if counter, ok := storedCounter(restoredEnv, cs.sessionID); !ok || counter != cs.counter+2 {
		t.Fatalf("restored counter = %d/%v, want %d", counter, ok, cs.counter+2)
	}
}

func TestCheckpointSkipsUnknownAccounts(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	initiate(t, env)

	dir := t.TempDir()
	sessionsPath := filepath.Join(dir, "sessions.chk")
	noncesPath := filepath.Join(dir, "nonces.chk")
	if err := env.manager.SaveCheckpoint(sessionsPath, noncesPath); err != nil {
		t.Fatalf("save: %v", err)
	}

	restoredEnv := newTestEnv(t, defaultConfig()) // account 1 unregistered
	if err := restoredEnv.manager.RestoreCheckpoint(sessionsPath, noncesPath); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restoredEnv.manager.SessionCount() != 0 {
		t.Fatalf("restored sessions = %d", restoredEnv.manager.SessionCount())
	}
}

func TestRestoreRefusedWhileHousekeeping(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	env.manager.StartHousekeeping()
	defer env.manager.StopHousekeeping()

	err := env.manager.RestoreCheckpoint("unused", "unused")
	if !errors.Is(err, ErrRestoreWhileActive) {
		t.Fatalf("err = %v", err)
	}
}

func TestHousekeepingExpiresDormantSessions(t *testing.T) {
	cfg := defaultConfig()
	cfg.DormantExpiry = time.Millisecond
	env := newTestEnv(t, cfg)
	initiate(t, env)

	time.Sleep(5 * time.Millisecond)
	env.manager.runHousekeeping()
	if env.manager.SessionCount() != 0 {
		t.Fatalf("dormant session survived: %d", env.manager.SessionCount())
	}
}

func TestHousekeepingPrunesStaleNonces(t *testing.T) {
	cfg := defaultConfig()
	cfg.TimeLeniency = time.Minute
	env := newTestEnv(t, cfg)
	env.manager.nonces.Set(randomBytes(t, protocol.NonceSize), timecache.NowMilliseconds()-(2*time.Minute).Milliseconds())
	env.manager.nonces.Set(randomBytes(t, protocol.NonceSize), timecache.NowMilliseconds())

	env.manager.runHousekeeping()
	if env.manager.NonceCount() != 1 {
		t.Fatalf("nonce count = %d", env.manager.NonceCount())
	}
}
