package netbuf

import (
	"encoding/binary"
	"errors"
	"unicode/utf8"
)

var (
	// ErrUnderflow is reported by Err after a read past the written bytes.
	ErrUnderflow = errors.New("netbuf: read past end of buffer")
	// ErrBadString is reported by Err after a malformed string field.
	ErrBadString = errors.New("netbuf: malformed string field")
)

// Readable is a read cursor over a flipped buffer. Reads past the end set a
// sticky error and return zero values, so request parsing can run straight
// through and check Err once at the end.
type Readable struct {
	owner *Growable
	data  []byte
	pos   int
	err   error
}

// Wrap returns a readable view over bytes not owned by any pool. Reclaim on
// the view is a no-op, so a shared static response can be wrapped per use.
func Wrap(data []byte) *Readable {
	return &Readable{data: data}
}

// Err returns the first read error, or nil.
func (r *Readable) Err() error {
	return r.err
}

// Remaining returns the number of unread bytes.
func (r *Readable) Remaining() int {
	return len(r.data) - r.pos
}

// Limit returns the total number of readable bytes.
func (r *Readable) Limit() int {
	return len(r.data)
}

// Position returns the read cursor.
func (r *Readable) Position() int {
	return r.pos
}

// SetPosition rewinds or advances the read cursor within the limit.
func (r *Readable) SetPosition(pos int) {
	if pos < 0 || pos > len(r.data) {
		r.fail()
		return
	}
	r.pos = pos
}

func (r *Readable) fail() {
	if r.err == nil {
		r.err = ErrUnderflow
	}
}

func (r *Readable) take(n int) []byte {
	if r.err != nil || r.Remaining() < n {
		r.fail()
		return nil
	}
	out := r.data[r.pos : r.pos+n]
	r.pos += n
	return out
}

func (r *Readable) Byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// Bytes copies the next n bytes out of the buffer.
func (r *Readable) Bytes(n int) []byte {
	src := r.take(n)
	if src == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, src)
	return out
}

// View returns the next n bytes without copying. The slice aliases the
// buffer and is invalid after reclamation.
func (r *Readable) View(n int) []byte {
	return r.take(n)
}

func (r *Readable) Bool() bool {
	return r.Byte() != 0
}

func (r *Readable) Int16() int16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return int16(binary.BigEndian.Uint16(b))
}

func (r *Readable) Int32() int32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

func (r *Readable) Int64() int64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

// String reads an int32 byte length followed by UTF-8 bytes. A negative
// length, a length beyond the remaining bytes or invalid UTF-8 sets
// ErrBadString.
func (r *Readable) String() string {
	length := r.Int32()
	if r.err != nil {
		return ""
	}
	if length < 0 || int(length) > r.Remaining() {
		r.err = ErrBadString
		return ""
	}
	b := r.take(int(length))
	if !utf8.Valid(b) {
		r.err = ErrBadString
		return ""
	}
	return string(b)
}

// Reclaim returns the underlying pooled buffer, if any, to its pool.
func (r *Readable) Reclaim() {
	if r.owner != nil {
		r.owner.Reclaim()
	}
}
