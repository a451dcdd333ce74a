package netbuf

import "encoding/binary"

// Sink is the writable surface the request reader fills. Growable retains
// what it is given; Discard drops it.
type Sink interface {
	PutBytes(p []byte)
	Written() int
}

// Growable is a write buffer backed by pooled storage. It starts on a
// regular-pool buffer and grows on demand: first into the oversize pool,
// then onto the heap for sizes beyond the oversize profile. All multi-byte
// writes are big-endian.
type Growable struct {
	regular  *Pool
	oversize *Pool
	buf      []byte
}

// NewGrowable returns a buffer drawing from the given pools.
func NewGrowable(regular, oversize *Pool) *Growable {
	return &Growable{
		regular:  regular,
		oversize: oversize,
		buf:      regular.Take(),
	}
}

func (g *Growable) grow(growth int) {
	newSize := len(g.buf) + growth
	var replacement []byte
	if newSize <= g.oversize.AllocationSize() {
		replacement = g.oversize.Take()
	} else {
		replacement = make([]byte, 0, newSize)
	}
	replacement = append(replacement, g.buf...)
	old := g.buf
	g.buf = replacement
	g.reclaimBuffer(old)
}

func (g *Growable) reclaimBuffer(buf []byte) {
	// Heap-allocated buffers match neither profile and are silently dropped.
	if !g.regular.Reclaim(buf) {
		g.oversize.Reclaim(buf)
	}
}

// EnsureRemaining grows the buffer so that at least n more bytes can be
// written without another growth step.
func (g *Growable) EnsureRemaining(n int) {
	if cap(g.buf)-len(g.buf) < n {
		growth := n
		if alloc := g.regular.AllocationSize(); growth < alloc {
			growth = alloc
		}
		g.grow(growth)
	}
}

// Written returns the number of bytes written so far.
func (g *Growable) Written() int {
	return len(g.buf)
}

// Truncate discards bytes written after position n. Used to rewind a
// partially assembled response.
func (g *Growable) Truncate(n int) {
	if n >= 0 && n <= len(g.buf) {
		g.buf = g.buf[:n]
	}
}

func (g *Growable) PutByte(b byte) {
	g.EnsureRemaining(1)
	g.buf = append(g.buf, b)
}

func (g *Growable) PutBytes(p []byte) {
	g.EnsureRemaining(len(p))
	g.buf = append(g.buf, p...)
}

func (g *Growable) PutBool(v bool) {
	g.EnsureRemaining(1)
	if v {
		g.buf = append(g.buf, 1)
	} else {
		g.buf = append(g.buf, 0)
	}
}

func (g *Growable) PutInt16(v int16) {
	g.EnsureRemaining(2)
	g.buf = binary.BigEndian.AppendUint16(g.buf, uint16(v))
}

func (g *Growable) PutInt32(v int32) {
	g.EnsureRemaining(4)
	g.buf = binary.BigEndian.AppendUint32(g.buf, uint32(v))
}

func (g *Growable) PutInt64(v int64) {
	g.EnsureRemaining(8)
	g.buf = binary.BigEndian.AppendUint64(g.buf, uint64(v))
}

// PutString writes a UTF-8 string as an int32 byte length followed by the
// bytes.
func (g *Growable) PutString(s string) {
	g.EnsureRemaining(4 + len(s))
	g.buf = binary.BigEndian.AppendUint32(g.buf, uint32(len(s)))
	g.buf = append(g.buf, s...)
}

// Flip freezes the written bytes into a readable view. The view shares the
// underlying buffer; reclaiming either returns the storage to its pool.
func (g *Growable) Flip() *Readable {
	return &Readable{owner: g, data: g.buf}
}

// Reclaim returns the live buffer to its pool. Safe to call more than once;
// only the first call has effect.
func (g *Growable) Reclaim() {
	if g.buf == nil {
		return
	}
	buf := g.buf
	g.buf = nil
	g.reclaimBuffer(buf)
}
