package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"feedbactory/server/internal/eventlog"
)

var ErrServerRunning = errors.New("transport: server already started")

// Server accepts client connections and hands each to the connection
// handler on its own goroutine. It tracks the live connection count for
// the busy check and drains handlers on Stop.
type Server struct {
	addr    string
	limiter *AcceptLimiter
	log     *eventlog.Logger
	handler func(net.Conn)

	active atomic.Int64

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer builds a stopped server. handler is invoked once per accepted
// connection and owns closing it.
func NewServer(addr string, limiter *AcceptLimiter, log *eventlog.Logger, handler func(net.Conn)) *Server {
	return &Server{addr: addr, limiter: limiter, log: log, handler: handler}
}

// Start begins listening and accepting.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return ErrServerRunning
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", s.addr, err)
	}
	s.listener = ln
	s.wg.Add(1)
	go s.acceptLoop(ln)
	s.log.Info("listening", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address, or empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ActiveConnections returns the number of connections currently being
// handled.
func (s *Server) ActiveConnections() int64 {
	return s.active.Load()
}

// Stop closes the listener and waits for in-flight handlers.
func (s *Server) Stop() {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln == nil {
		return
	}
	ln.Close()
	s.wg.Wait()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}

		ip := remoteIP(conn)
		if !s.limiter.Allow(ip, time.Now()) {
			s.log.Security(eventlog.GradeLow, "connection rate limited", "ip", ip)
			conn.Close()
			continue
		}

		s.active.Add(1)
		s.wg.Add(1)
		go func(conn net.Conn) {
			defer s.wg.Done()
			defer s.active.Add(-1)
			s.handler(conn)
		}(conn)
	}
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// RemoteIP exposes the address parsing used by the accept loop so the
// dispatch pipeline grades the same key the limiter does.
func RemoteIP(conn net.Conn) string {
	return remoteIP(conn)
}
