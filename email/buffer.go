package email

import (
	"fmt"
	"sync"
)

// Buffer is a growable byte buffer with a write cursor.
//
// Unlike bytes.Buffer, Buffer survives embedded NULs written into it by a
// parser: b2s only treats the first NUL as a terminator, so callers that
// need the raw bytes should use Bytes() and their own length, not b2s.
type Buffer struct {
	buf []byte
}

// NewBuffer returns an empty Buffer with room for at least size bytes.
func NewBuffer(size int) *Buffer {
	return &Buffer{buf: make([]byte, 0, size)}
}

// Clear empties the buffer without releasing its storage.
func (b *Buffer) Clear() { b.buf = b.buf[:0] }

// Len reports the number of bytes written so far.
func (b *Buffer) Len() int { return len(b.buf) }

// Cap reports the buffer's current storage capacity.
func (b *Buffer) Cap() int { return cap(b.buf) }

// Reserve grows the buffer's capacity so n further bytes can be appended
// without reallocating, using amortised (doubling) growth.
func (b *Buffer) Reserve(n int) {
	if cap(b.buf)-len(b.buf) >= n {
		return
	}
	need := len(b.buf) + n
	newCap := cap(b.buf)
	if newCap == 0 {
		newCap = 64
	}
	for newCap < need {
		newCap *= 2
	}
	nb := make([]byte, len(b.buf), newCap)
	copy(nb, b.buf)
	b.buf = nb
}

// AppendByte appends a single byte.
func (b *Buffer) AppendByte(c byte) {
	b.Reserve(1)
	b.buf = append(b.buf, c)
}

// AppendBytes appends p, which may contain embedded NULs.
func (b *Buffer) AppendBytes(p []byte) {
	b.Reserve(len(p))
	b.buf = append(b.buf, p...)
}

// AppendString appends s.
func (b *Buffer) AppendString(s string) {
	b.Reserve(len(s))
	b.buf = append(b.buf, s...)
}

// AppendCString appends s followed by a NUL terminator. The terminator is
// not counted by Len in the way a raw append would be; callers wanting the
// string back should use B2S.
func (b *Buffer) AppendCString(s string) {
	b.AppendString(s)
	b.AppendByte(0)
}

// Printf appends a formatted string.
func (b *Buffer) Printf(format string, args ...interface{}) {
	b.AppendString(fmt.Sprintf(format, args...))
}

// Rewind truncates the buffer back to n bytes.
func (b *Buffer) Rewind(n int) {
	if n < 0 || n > len(b.buf) {
		panic("email: Buffer.Rewind out of range")
	}
	b.buf = b.buf[:n]
}

// Bytes returns the full contents written so far, embedded NULs included.
func (b *Buffer) Bytes() []byte { return b.buf }

// B2S returns the contents as a string, stopping at the first embedded NUL
// if one is present. Every mutating method leaves the buffer NUL-terminated
// as a post-condition, so this view is always safe to take.
func (b *Buffer) B2S() string {
	for i, c := range b.buf {
		if c == 0 {
			return string(b.buf[:i])
		}
	}
	return string(b.buf)
}

// BufferPool is a thread-safe pool of Buffers, avoiding a per-call
// allocation for short-lived parser scratch space.
type BufferPool struct {
	pool sync.Pool
}

// NewBufferPool returns a pool whose Buffers start with the given capacity.
func NewBufferPool(initialCap int) *BufferPool {
	p := &BufferPool{}
	p.pool.New = func() interface{} { return NewBuffer(initialCap) }
	return p
}

// Get returns a cleared Buffer from the pool.
func (p *BufferPool) Get() *Buffer {
	b := p.pool.Get().(*Buffer)
	b.Clear()
	return b
}

// Put returns b to the pool for reuse.
func (p *BufferPool) Put(b *Buffer) {
	if b == nil {
		return
	}
	p.pool.Put(b)
}
