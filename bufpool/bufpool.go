// Package bufpool implements a fixed-population free list of equally sized
// byte buffers, so the socket-interposition hot path never allocates.
//
// A Buffer is either on the free list or lent out to exactly one Packet;
// never both, never neither.
package bufpool

// DefaultBufferSize is PACKET_SIZE from spec.md: the size of one framed
// packet, header included.
const DefaultBufferSize = 1024

// DefaultPoolSize is the default population of a Pool.
const DefaultPoolSize = 1024

// Buffer is a fixed-capacity byte array with an intrinsic free-list link,
// so it can be threaded onto Pool's free list without a separate node
// allocation.
type Buffer struct {
	Data []byte
	next *Buffer
}

// Pool is a free-list of N equally sized Buffers.
//
// Not safe for concurrent use; callers own a descriptor's buffers from a
// single thread, per spec.md §5.
type Pool struct {
	bufSize int
	free    *Buffer
}

// New allocates size Buffers of bufLen bytes each and pushes them onto the
// free list.
func New(size, bufLen int) *Pool {
	p := &Pool{bufSize: bufLen}
	for i := 0; i < size; i++ {
		p.Release(&Buffer{Data: make([]byte, bufLen)})
	}
	return p
}

// Acquire removes and returns the head of the free list, or nil if the pool
// is exhausted. A nil return is the pool's designed back-pressure signal:
// callers must not grow the pool implicitly.
func (p *Pool) Acquire() *Buffer {
	b := p.free
	if b == nil {
		return nil
	}
	p.free = b.next
	b.next = nil
	return b
}

// Release prepends b to the free list. b must not still be referenced by
// any live Packet.
func (p *Pool) Release(b *Buffer) {
	b.next = p.free
	p.free = b
}

// BufSize returns the fixed buffer length this pool was constructed with.
func (p *Pool) BufSize() int { return p.bufSize }

// Len reports how many buffers currently sit on the free list. Intended for
// tests and diagnostics, not the hot path.
func (p *Pool) Len() int {
	n := 0
	for b := p.free; b != nil; b = b.next {
		n++
	}
	return n
}
