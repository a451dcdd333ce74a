// Package transport implements the server's TCP surface: the listener with
// its per-IP accept limiter, and the framed request reader and response
// writer used by the dispatch pipeline.
//
// Framing is an explicit 4-byte big-endian length prefix on both requests
// and responses. The original wire format relied on TCP half-close to mark
// the end of a request; a length prefix is deterministic over transports
// without half-close and lets the oversize check reject a request before
// its body is read.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"feedbactory/server/internal/netbuf"
)

var (
	ErrReadOverflow = errors.New("transport: request exceeds size limit")
	ErrReadTimeout  = errors.New("transport: request read timed out")
	ErrBadFrame     = errors.New("transport: malformed length prefix")

	ErrReaderMaxSize = errors.New("transport: maximum read size must be positive")
	ErrReaderTimeout = errors.New("transport: read timeout must be positive")
)

const readChunkSize = 512

// RequestReader reads one framed request per connection. Exactly one
// outcome is reported per call: nil (complete), ErrReadOverflow,
// ErrReadTimeout, or a wrapped read failure.
type RequestReader struct {
	maxSize int
	timeout time.Duration
}

// NewRequestReader validates and builds a reader.
func NewRequestReader(maxSize int, timeout time.Duration) (*RequestReader, error) {
	if maxSize <= 0 {
		return nil, ErrReaderMaxSize
	}
	if timeout <= 0 {
		return nil, ErrReaderTimeout
	}
	return &RequestReader{maxSize: maxSize, timeout: timeout}, nil
}

// Read reads the length prefix and body into dst under the read deadline.
func (r *RequestReader) Read(conn net.Conn, dst netbuf.Sink) error {
	if err := conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
		return fmt.Errorf("transport: set read deadline: %w", err)
	}

	var prefix [4]byte
	if _, err := io.ReadFull(conn, prefix[:]); err != nil {
		return classifyReadError(err)
	}
	length := int(int32(uint32(prefix[0])<<24 | uint32(prefix[1])<<16 | uint32(prefix[2])<<8 | uint32(prefix[3])))
	if length < 0 {
		return ErrBadFrame
	}
	if length > r.maxSize {
		return ErrReadOverflow
	}

	var chunk [readChunkSize]byte
	remaining := length
	for remaining > 0 {
		n := remaining
		if n > readChunkSize {
			n = readChunkSize
		}
		if _, err := io.ReadFull(conn, chunk[:n]); err != nil {
			return classifyReadError(err)
		}
		dst.PutBytes(chunk[:n])
		remaining -= n
	}
	return nil
}

func classifyReadError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrReadTimeout
	}
	return fmt.Errorf("transport: request read: %w", err)
}
