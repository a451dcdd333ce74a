package session

import (
	"sync"

	"feedbactory/server/internal/account"
	"feedbactory/server/internal/netbuf"
	"feedbactory/server/internal/protocol"
)

// Session is one established client session bound to an account.
type Session struct {
	id      [protocol.SessionIDSize]byte
	account *account.Account
	key     []byte
	created int64

	mu          sync.Mutex
	lastResumed int64
	counter     uint32
	expired     bool
}

// ID returns the session identifier bytes.
func (s *Session) ID() []byte {
	return s.id[:]
}

// Account returns the account the session is bound to.
func (s *Session) Account() *account.Account {
	return s.account
}

func (s *Session) touch(nowMS int64) {
	s.mu.Lock()
	s.lastResumed = nowMS
	s.mu.Unlock()
}

func (s *Session) lastResumedMS() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResumed
}

// expire marks the session dead, so a request that fetched it just before
// removal fails cleanly instead of advancing a discarded counter.
func (s *Session) expire() {
	s.mu.Lock()
	s.expired = true
	s.mu.Unlock()
}

func (s *Session) alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.expired
}

// verifyAndAdvance checks the client-reported counter against the stored
// one. On a match the counter advances by two and the intermediate value,
// which the client expects in the encrypted response, is returned. An
// expired session never matches.
func (s *Session) verifyAndAdvance(reported uint32) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired || reported != s.counter {
		return 0, false
	}
	responseCounter := s.counter + 1
	s.counter += 2
	return responseCounter, true
}

// UserSession is the resolved session identity handed to the application
// gateways with each authenticated request.
type UserSession struct {
	SessionID []byte
	Account   *account.Account
}

// Authentication is the account layer's verdict on a session initiation.
type Authentication struct {
	Status  protocol.AuthenticationStatus
	Account *account.Account
}

// AccountPort is the session layer's port into the account business
// layer: session-initiation authentication, plus delivery of queued
// account messages and account detail snapshots into session responses.
type AccountPort interface {
	// Authenticate resolves a session initiation. The payload cursor is
	// positioned after the initiation type byte; the response buffer
	// collects the account detail payload, which the session layer seals
	// before it leaves the server.
	Authenticate(initiation protocol.SessionInitiationType, payload *netbuf.Readable, response *netbuf.Growable) Authentication
	// WriteAccountMessages appends the messages queued for the account,
	// ending with the no-messages marker, or the marker alone when none
	// are waiting.
	WriteAccountMessages(acct *account.Account, response *netbuf.Growable)
	// WriteNoAccountMessages appends the explicit no-messages marker.
	// Session teardown uses it so messages stay queued for a session that
	// will actually display them.
	WriteNoAccountMessages(response *netbuf.Growable)
	// WriteAccountDetails appends the account detail snapshot delivered on
	// session initiation and resume.
	WriteAccountDetails(acct *account.Account, response *netbuf.Growable)
}
