package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"feedbactory/server/internal/netbuf"
)

var ErrWriterTimeout = errors.New("transport: write timeout must be positive")

// ResponseWriter writes one framed response per connection, then half-closes
// the write side so the client sees a clean end of response.
type ResponseWriter struct {
	timeout time.Duration
}

// NewResponseWriter validates and builds a writer.
func NewResponseWriter(timeout time.Duration) (*ResponseWriter, error) {
	if timeout <= 0 {
		return nil, ErrWriterTimeout
	}
	return &ResponseWriter{timeout: timeout}, nil
}

// Write frames and writes the unread remainder of resp. The response
// buffer is consumed; reclamation stays with the caller.
func (w *ResponseWriter) Write(conn net.Conn, resp *netbuf.Readable) error {
	if err := conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
		return fmt.Errorf("transport: set write deadline: %w", err)
	}

	body := resp.View(resp.Remaining())
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := conn.Write(prefix[:]); err != nil {
		return fmt.Errorf("transport: response prefix write: %w", err)
	}
	if _, err := conn.Write(body); err != nil {
		return fmt.Errorf("transport: response write: %w", err)
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.CloseWrite(); err != nil {
			return fmt.Errorf("transport: output shutdown: %w", err)
		}
	}
	return nil
}
