// Package shim implements SyscallShim and DescriptorTable from spec.md
// §4.4: the socket-call interposition logic that frames outgoing writes,
// unframes and delay-queues incoming reads, and synthesizes epoll
// readiness for packets whose wake-up time hasn't arrived yet.
//
// This file is grounded directly on socket_hook.cpp — close enough to be
// "the same file, translated" for get_packet_queue, read_to_queue, and the
// read/write/epoll_pwait bodies — but takes its real syscalls as closures
// rather than dlsym'd C function pointers, so every behavior here is
// testable with fakes and carries no cgo dependency. The cgo glue that
// actually resolves and calls the libc symbols lives in cmd/libcoz.
package shim

import (
	"errors"
	"time"

	"github.com/cozgo/cozgo/bufpool"
	"github.com/cozgo/cozgo/cozlog"
	"github.com/cozgo/cozgo/pktqueue"
	"github.com/cozgo/cozgo/timeutil"
)

// ErrPoolExhausted is returned by Read when the buffer pool has no free
// buffers for an incoming packet. Per spec.md §7 this is the shim's
// primary back-pressure signal, surfaced to the caller as a read failure
// rather than silently dropped or retried.
var ErrPoolExhausted = errors.New("shim: buffer pool exhausted")

// PacketSize is PACKET_SIZE: the fixed size of one pool Buffer and the
// largest single real read/write this shim issues.
const PacketSize = 1024

// DelayPerServerCallNS is the 10_000 ns-per-server-call constant from
// spec.md §4.4's refill and §6's testable property.
const DelayPerServerCallNS = 10_000

// RealRead, RealWrite, and friends are the shapes of the real function
// pointers that cmd/libcoz resolves via dlsym(RTLD_NEXT, ...) and threads
// into a Table; see socket_hook.cpp's read_t/write_t/etc. typedefs.
type (
	RealRead  func(fd int, buf []byte) (int, error)
	RealWrite func(fd int, buf []byte) (int, error)
	// RealPoll waits at most timeout for fd to become readable, reporting
	// whether it returned because fd is readable (true) or because the
	// timeout elapsed with nothing pending (false). A zero timeout means
	// "don't block"; a negative timeout means "forever." Mirrors the
	// shim's use of ppoll on a single descriptor.
	RealPoll func(fd int, timeout time.Duration) (ready bool, err error)
)

// entry is one DescriptorTable slot: a descriptor's pending packets plus
// refill's carried-over partial packet, if any.
type entry struct {
	queue   *pktqueue.Queue
	partial *pktqueue.Packet
}

// Table is DescriptorTable: the map from socket descriptor to pending
// packet state, owned exclusively by the single thread operating on it
// (spec.md §5 — no cross-thread protocol is provided).
type Table struct {
	pool    *bufpool.Pool
	entries map[int]*entry

	read  RealRead
	write RealWrite
	poll  RealPoll

	now func() time.Time
}

// New constructs a Table backed by pool for packet storage, and read,
// write, and poll as the real syscalls to fall back to and block on.
func New(pool *bufpool.Pool, read RealRead, write RealWrite, poll RealPoll) *Table {
	return &Table{
		pool:    pool,
		entries: make(map[int]*entry),
		read:    read,
		write:   write,
		poll:    poll,
		now:     time.Now,
	}
}

// Track registers fd as a socket descriptor — the Connect/Accept/Accept4
// counterpart to socket_hook.cpp's fds.emplace_back. A duplicate fd (reuse
// of a previously closed descriptor number) replaces the prior entry.
func (t *Table) Track(fd int) {
	t.entries[fd] = &entry{queue: pktqueue.NewQueue(pktqueue.DefaultCapacity)}
}

// Untrack removes fd's entry, returning any buffers it still held to the
// pool. This is Close's bookkeeping half.
func (t *Table) Untrack(fd int) {
	e, ok := t.entries[fd]
	if !ok {
		return
	}
	for e.queue.Len() > 0 {
		p := e.queue.Pop()
		if p.Buffer != nil {
			t.pool.Release(p.Buffer)
		}
	}
	if e.partial != nil && e.partial.Buffer != nil {
		t.pool.Release(e.partial.Buffer)
	}
	delete(t.entries, fd)
}

func (t *Table) lookup(fd int) *entry {
	return t.entries[fd]
}

// Connect is SyscallShim's connect: call real, then track sockfd only if
// real succeeded.
func (t *Table) Connect(sockfd int, real func() error) error {
	if err := real(); err != nil {
		return err
	}
	t.Track(sockfd)
	return nil
}

// Accept is SyscallShim's accept: call real, then track the returned fd if
// non-negative.
func (t *Table) Accept(real func() (int, error)) (int, error) {
	fd, err := real()
	if fd >= 0 {
		t.Track(fd)
	}
	return fd, err
}

// Accept4 behaves like Accept; spec.md treats accept and accept4 alike.
func (t *Table) Accept4(real func() (int, error)) (int, error) {
	return t.Accept(real)
}

// Close is SyscallShim's close: untrack fd, then call real regardless of
// whether fd was tracked.
func (t *Table) Close(fd int, real func() error) error {
	t.Untrack(fd)
	return real()
}

// Write is SyscallShim's write(fd, buf, count). Untracked descriptors
// forward unchanged.
func (t *Table) Write(fd int, buf []byte) (int, error) {
	if t.lookup(fd) == nil {
		return t.write(fd, buf)
	}

	headerSize := pktqueue.HeaderSize
	limit := PacketSize - headerSize
	payload := buf
	truncated := false
	if len(payload) > limit {
		payload = payload[:limit]
		truncated = true
	}
	if truncated {
		cozlog.Shim.Warn().Int("fd", fd).Int("count", len(buf)).Msg("write payload truncated to PACKET_SIZE")
	}

	frame := make([]byte, headerSize+len(payload))
	pktqueue.PutFrame(frame, pktqueue.FrameHeader{
		NumberServerCalls: 0,
		TotalVirtualDelay: 0,
		DataSize:          uint32(len(payload)),
	})
	copy(frame[headerSize:], payload)

	n, err := t.write(fd, frame)
	if err != nil {
		return n, err
	}
	out := n - headerSize
	if out < 0 {
		out = 0
	}
	return out, nil
}

// Read is SyscallShim's read(fd, buf, count). Untracked descriptors
// forward unchanged.
func (t *Table) Read(fd int, buf []byte) (int, error) {
	e := t.lookup(fd)
	if e == nil {
		return t.read(fd, buf)
	}

	if e.queue.Len() == 0 {
		if err := t.refill(fd, e); err != nil {
			return 0, err
		}
		if e.queue.Len() == 0 {
			// refill read zero bytes (EOF) with nothing buffered.
			return 0, nil
		}
	}

	for {
		head := e.queue.Peek()
		now := timeutil.FromTime(t.now())

		if timeutil.Passed(head.WakeUp, now) {
			avail := head.Remaining()
			n := min(avail, len(buf))
			copy(buf[:n], head.Buffer.Data[head.NRead:head.NRead+n])
			head.NRead += n
			if head.NRead == head.Len {
				t.pool.Release(head.Buffer)
				e.queue.Pop()
			}
			return n, nil
		}

		timeout := timeutil.Diff(head.WakeUp, now).Duration()
		ready, err := t.poll(fd, timeout)
		if err != nil {
			return 0, err
		}
		if !ready {
			// Timeout elapsed with nothing pending; head is now ready to
			// serve on the next loop iteration. Issuing a real read here
			// would block indefinitely on a socket with nothing to
			// deliver.
			continue
		}
		// fd became readable; refill to absorb what arrived, ignoring
		// errors since the head packet is still servable regardless.
		_ = t.refill(fd, e)
	}
}

// refill is socket_hook.cpp's read_to_queue, generalized to resume a
// partially received packet across calls via e.partial. A packet may span
// multiple real reads on a stream socket, which does not preserve write-call
// boundaries, so refill reissues the real read until consume has completed
// at least one packet into e.queue, matching read_to_queue's own
// while(nconsumed < n) loop and its guarantee that the queue holds at least
// one element by the time it returns successfully.
func (t *Table) refill(fd int, e *entry) error {
	for {
		before := e.queue.Len()
		scratch := make([]byte, PacketSize)
		n, err := t.read(fd, scratch)
		if n <= 0 {
			return err
		}
		if err := t.consume(fd, e, scratch[:n]); err != nil {
			return err
		}
		if e.queue.Len() > before {
			return nil
		}
	}
}

// consume walks one real read's worth of bytes, possibly completing a
// carried-over partial packet and/or starting and completing further
// packets, pushing each completed packet to e.queue.
func (t *Table) consume(fd int, e *entry, data []byte) error {
	now := timeutil.FromTime(t.now())
	pos := 0

	for pos < len(data) {
		if e.partial == nil {
			hdr, ok := pktqueue.ParseFrame(data[pos:])
			buf := t.pool.Acquire()
			if buf == nil {
				cozlog.Shim.Error().Int("fd", fd).Msg("buffer pool exhausted during refill")
				return ErrPoolExhausted
			}
			if ok {
				pos += pktqueue.HeaderSize
				wake := timeutil.AddNS(now, int64(DelayPerServerCallNS)*int64(hdr.NumberServerCalls))
				e.partial = &pktqueue.Packet{Buffer: buf, Len: int(hdr.DataSize), WakeUp: wake}
			} else {
				e.partial = &pktqueue.Packet{Buffer: buf, Len: len(data) - pos, WakeUp: now}
			}
		}

		toCopy := min(e.partial.Remaining(), len(data)-pos)
		copy(e.partial.Buffer.Data[e.partial.NRead:e.partial.NRead+toCopy], data[pos:pos+toCopy])
		e.partial.NRead += toCopy
		pos += toCopy

		if e.partial.NRead == e.partial.Len {
			p := *e.partial
			p.NRead = 0
			e.queue.Push(p)
			e.partial = nil
		}
	}
	return nil
}

