// Package pktqueue implements Packet and PacketQueue: the per-descriptor
// bounded FIFO of framed packets waiting to be released to the application,
// and the wire framing (see framing.go) used to tag them.
package pktqueue

import (
	"fmt"

	"github.com/cozgo/cozgo/bufpool"
	"github.com/cozgo/cozgo/timeutil"
)

// DefaultCapacity is the fixed ring buffer capacity of a Queue, matching
// PacketQueue's BUFFER_SIZE.
const DefaultCapacity = 1024

// Packet is the in-flight record of one framed payload: a borrowed buffer,
// the total payload length, how much of it has been delivered to the
// application so far, and the instant at which it may be delivered.
//
// Created on ingress read, mutated only by the owning descriptor's consumer
// path, destroyed when fully delivered or the descriptor is closed.
type Packet struct {
	Buffer *bufpool.Buffer
	Len    int
	NRead  int
	WakeUp timeutil.Timespec
}

// Remaining reports how many payload bytes are still undelivered.
func (p *Packet) Remaining() int { return p.Len - p.NRead }

// Queue is a bounded ring buffer of Packets for one socket descriptor,
// FIFO-ordered by arrival, not by wake-up time. The head packet is always
// the next candidate for delivery.
//
// Not safe for concurrent use: a descriptor's Queue is owned by the single
// thread that owns that descriptor (spec.md §5).
type Queue struct {
	ring []Packet
	head int
	tail int
	size int
}

// NewQueue returns an empty Queue with the given fixed capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{ring: make([]Packet, capacity)}
}

// Len reports the number of packets currently queued.
func (q *Queue) Len() int { return q.size }

// Cap reports the queue's fixed capacity.
func (q *Queue) Cap() int { return len(q.ring) }

// Push enqueues p at the tail. Pushing onto a full queue is a programming
// error — the sender is expected to bound in-flight packets — and panics
// rather than silently dropping data.
func (q *Queue) Push(p Packet) {
	if q.size == len(q.ring) {
		panic(fmt.Sprintf("pktqueue: push on full queue (capacity %d)", len(q.ring)))
	}
	q.ring[q.tail] = p
	q.tail = (q.tail + 1) % len(q.ring)
	q.size++
}

// Pop removes and returns the head packet. Popping an empty queue is a
// programming error and panics.
func (q *Queue) Pop() Packet {
	if q.size == 0 {
		panic("pktqueue: pop on empty queue")
	}
	p := q.ring[q.head]
	q.head = (q.head + 1) % len(q.ring)
	q.size--
	return p
}

// Peek returns a mutable reference to the head packet so the consumer can
// advance its NRead in place without copying, or nil if the queue is empty.
func (q *Queue) Peek() *Packet {
	if q.size == 0 {
		return nil
	}
	return &q.ring[q.head]
}
