package shim

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/cozgo/cozgo/bufpool"
	"github.com/cozgo/cozgo/pktqueue"
	"github.com/cozgo/cozgo/timeutil"
)

// fakeConn is an in-memory byte stream standing in for a real socket fd:
// read drains from a flat byte buffer, returning io.EOF once drained and
// nothing further is queued. Unlike a real TCP stream it never reorders
// bytes, but maxChunk lets a test force read to hand back fewer bytes than
// a full frame per call, exercising the same multi-read reassembly a real
// stream socket requires.
type fakeConn struct {
	stream   []byte
	written  [][]byte
	maxChunk int
}

func (c *fakeConn) enqueue(b []byte) {
	c.written = append(c.written, append([]byte{}, b...))
	c.stream = append(c.stream, b...)
}

func (c *fakeConn) read(buf []byte) (int, error) {
	if len(c.stream) == 0 {
		return 0, io.EOF
	}
	n := len(buf)
	if n > len(c.stream) {
		n = len(c.stream)
	}
	if c.maxChunk > 0 && n > c.maxChunk {
		n = c.maxChunk
	}
	copy(buf, c.stream[:n])
	c.stream = c.stream[n:]
	return n, nil
}

func newTestTable(t *testing.T, conn *fakeConn) (*Table, *time.Time) {
	t.Helper()
	pool := bufpool.New(16, PacketSize)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &now

	read := func(fd int, buf []byte) (int, error) { return conn.read(buf) }
	write := func(fd int, buf []byte) (int, error) { conn.enqueue(buf); return len(buf), nil }
	// ready mirrors a real poll: the wait always costs the full timeout in
	// this fixture, but whether fd is reported readable afterward depends
	// on whether there is anything left in the stream for a real read to
	// pick up, not on the mere fact that the timeout elapsed.
	poll := func(fd int, timeout time.Duration) (bool, error) {
		*clock = clock.Add(timeout)
		return len(conn.stream) > 0, nil
	}

	tbl := New(pool, read, write, poll)
	tbl.now = func() time.Time { return *clock }
	return tbl, clock
}

func TestReadForwardsUntrackedDescriptor(t *testing.T) {
	conn := &fakeConn{}
	conn.enqueue([]byte("hello\n"))
	tbl, _ := newTestTable(t, conn)

	buf := make([]byte, 16)
	n, err := tbl.Read(5, buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(buf[:n]) != "hello\n" {
		t.Errorf("Read() = %q, want %q", buf[:n], "hello\n")
	}
}

func TestWriteForwardsUntrackedDescriptor(t *testing.T) {
	conn := &fakeConn{}
	tbl, _ := newTestTable(t, conn)

	n, err := tbl.Write(5, []byte("hello\n"))
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if n != 6 {
		t.Errorf("Write() = %d, want 6", n)
	}
	if string(conn.written[0]) != "hello\n" {
		t.Errorf("underlying write = %q, want %q", conn.written[0], "hello\n")
	}
}

func TestUnframedPeerDeliversRawBytes(t *testing.T) {
	conn := &fakeConn{}
	conn.enqueue([]byte("hello\n"))
	tbl, _ := newTestTable(t, conn)
	tbl.Track(5)

	buf := make([]byte, 16)
	n, err := tbl.Read(5, buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(buf[:n]) != "hello\n" {
		t.Errorf("Read() = %q, want %q", buf[:n], "hello\n")
	}
}

func TestFramedPeerZeroDelayRoundTrips(t *testing.T) {
	for _, n := range []int{1, 100, 1000, PacketSize - pktqueue.HeaderSize} {
		conn := &fakeConn{}
		writer, _ := newTestTable(t, conn)
		writer.Track(5)

		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i)
		}
		wn, err := writer.Write(5, payload)
		if err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		if wn != n {
			t.Fatalf("Write() = %d, want %d", wn, n)
		}

		reader, _ := newTestTable(t, conn)
		reader.Track(5)
		got := make([]byte, n)
		total := 0
		for total < n {
			rn, err := reader.Read(5, got[total:])
			if err != nil {
				t.Fatalf("Read() error = %v", err)
			}
			total += rn
		}
		for i := range payload {
			if got[i] != payload[i] {
				t.Fatalf("round trip mismatch at byte %d for n=%d", i, n)
			}
		}
	}
}

func TestFramedPeerZeroDelayWakeUpNearEnqueue(t *testing.T) {
	conn := &fakeConn{}
	writer, clock := newTestTable(t, conn)
	writer.Track(5)
	enqueueTime := *clock

	if _, err := writer.Write(5, []byte("abc")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	reader, readerClock := newTestTable(t, conn)
	*readerClock = enqueueTime
	reader.Track(5)

	buf := make([]byte, 16)
	n, err := reader.Read(5, buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(buf[:n]) != "abc" {
		t.Errorf("Read() = %q, want %q", buf[:n], "abc")
	}
	if waited := readerClock.Sub(enqueueTime); waited > time.Millisecond {
		t.Errorf("delivery waited %v after enqueue, want within 1ms", waited)
	}
}

func TestFramedPeerNonzeroDelayDelaysDelivery(t *testing.T) {
	conn := &fakeConn{}
	writer, _ := newTestTable(t, conn)
	writer.Track(5)

	frame := make([]byte, pktqueue.HeaderSize+3)
	pktqueue.PutFrame(frame, pktqueue.FrameHeader{NumberServerCalls: 5, DataSize: 3})
	copy(frame[pktqueue.HeaderSize:], "abc")
	conn.enqueue(frame)

	reader, clock := newTestTable(t, conn)
	reader.Track(5)
	start := *clock

	buf := make([]byte, 16)
	n, err := reader.Read(5, buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(buf[:n]) != "abc" {
		t.Errorf("Read() = %q, want %q", buf[:n], "abc")
	}
	elapsed := clock.Sub(start)
	wantMin := time.Duration(5*DelayPerServerCallNS) * time.Nanosecond
	if elapsed < wantMin {
		t.Errorf("elapsed = %v, want >= %v (5 server calls x %dns)", elapsed, wantMin, DelayPerServerCallNS)
	}
}

// TestReadDoesNotCallRealReadWhenPollReportsNotReady covers the hang this
// shim must never produce: once a delayed packet is already fully buffered,
// waking up because the wait timeout elapsed (poll reports not-ready) must
// never be followed by a real read, since on a real socket with nothing
// pending that call blocks indefinitely instead of returning EOF.
func TestReadDoesNotCallRealReadWhenPollReportsNotReady(t *testing.T) {
	pool := bufpool.New(8, PacketSize)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &now

	readCalled := false
	read := func(fd int, buf []byte) (int, error) {
		readCalled = true
		return 0, errors.New("real read must not be called when poll reports fd not readable")
	}
	write := func(fd int, buf []byte) (int, error) { return len(buf), nil }
	poll := func(fd int, timeout time.Duration) (bool, error) {
		*clock = clock.Add(timeout)
		return false, nil
	}

	tbl := New(pool, read, write, poll)
	tbl.now = func() time.Time { return *clock }
	tbl.Track(5)

	e := tbl.lookup(5)
	buf := pool.Acquire()
	copy(buf.Data, "abc")
	wake := timeutil.AddNS(timeutil.FromTime(*clock), 50_000)
	e.queue.Push(pktqueue.Packet{Buffer: buf, Len: 3, WakeUp: wake})

	out := make([]byte, 16)
	n, err := tbl.Read(5, out)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(out[:n]) != "abc" {
		t.Errorf("Read() = %q, want %q", out[:n], "abc")
	}
	if readCalled {
		t.Error("Read() issued a real read despite poll reporting fd not readable; this would block indefinitely on a real socket")
	}
}

// TestReadReassemblesPacketSplitAcrossMultipleRealReads covers refill's
// internal retry loop: a stream socket does not preserve write-call
// boundaries, so a single frame may arrive in many short reads. maxChunk is
// pinned to HeaderSize so every chunk boundary falls on or after the frame
// header, the same way a real stream never splits mid-field by convention
// of this test, not of the wire format itself.
func TestReadReassemblesPacketSplitAcrossMultipleRealReads(t *testing.T) {
	conn := &fakeConn{maxChunk: pktqueue.HeaderSize}
	writer, _ := newTestTable(t, conn)
	writer.Track(5)

	payload := []byte("the quick brown fox jumps over the lazy dog")
	if _, err := writer.Write(5, payload); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	reader, _ := newTestTable(t, conn)
	reader.Track(5)

	got := make([]byte, len(payload))
	total := 0
	for total < len(payload) {
		n, err := reader.Read(5, got[total:])
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		total += n
	}
	if string(got) != string(payload) {
		t.Fatalf("Read() = %q, want %q", got, payload)
	}
}

// TestRefillNeverReturnsEmptyQueueWithoutEOFOrError pins down the contract
// the review flagged: when a real read returns a partial frame, refill
// must keep reading rather than surface a spuriously-empty queue with a
// nil error, which Read would otherwise interpret as EOF.
func TestRefillNeverReturnsEmptyQueueWithoutEOFOrError(t *testing.T) {
	conn := &fakeConn{maxChunk: pktqueue.HeaderSize}
	frame := make([]byte, pktqueue.HeaderSize+3)
	pktqueue.PutFrame(frame, pktqueue.FrameHeader{NumberServerCalls: 0, DataSize: 3})
	copy(frame[pktqueue.HeaderSize:], "abc")
	conn.enqueue(frame)

	tbl, _ := newTestTable(t, conn)
	tbl.Track(5)
	e := tbl.lookup(5)

	if err := tbl.refill(5, e); err != nil {
		t.Fatalf("refill() error = %v", err)
	}
	if e.queue.Len() == 0 {
		t.Fatal("refill() returned nil error with an empty queue and a still-open connection")
	}
}

func TestCloseReleasesHeldBuffers(t *testing.T) {
	conn := &fakeConn{}
	frame := make([]byte, pktqueue.HeaderSize+3)
	pktqueue.PutFrame(frame, pktqueue.FrameHeader{NumberServerCalls: 1000000, DataSize: 3})
	copy(frame[pktqueue.HeaderSize:], "abc")
	conn.enqueue(frame)

	tbl, _ := newTestTable(t, conn)
	tbl.Track(5)
	before := tbl.pool.Len()

	// Refill directly (bypassing Read's wake-up wait) so a not-yet-ready
	// packet ends up holding a pool buffer, then Close it.
	if err := tbl.refill(5, tbl.lookup(5)); err != nil {
		t.Fatalf("refill() error = %v", err)
	}
	if got := tbl.pool.Len(); got != before-1 {
		t.Fatalf("pool.Len() after refill = %d, want %d", got, before-1)
	}

	if err := tbl.Close(5, func() error { return nil }); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if tbl.lookup(5) != nil {
		t.Error("Close() left a DescriptorTable entry behind")
	}
	if got := tbl.pool.Len(); got != before {
		t.Errorf("pool.Len() after Close() = %d, want %d (buffer returned)", got, before)
	}
}

func TestConnectTracksDescriptor(t *testing.T) {
	conn := &fakeConn{}
	tbl, _ := newTestTable(t, conn)

	if err := tbl.Connect(5, func() error { return nil }); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if tbl.lookup(5) == nil {
		t.Error("Connect() did not track the descriptor")
	}
}

func TestAcceptTracksNonNegativeFD(t *testing.T) {
	tbl, _ := newTestTable(t, &fakeConn{})

	fd, err := tbl.Accept(func() (int, error) { return 7, nil })
	if err != nil || fd != 7 {
		t.Fatalf("Accept() = (%d, %v), want (7, nil)", fd, err)
	}
	if tbl.lookup(7) == nil {
		t.Error("Accept() did not track the returned descriptor")
	}
}

func TestAcceptDoesNotTrackOnFailure(t *testing.T) {
	tbl, _ := newTestTable(t, &fakeConn{})

	fd, err := tbl.Accept(func() (int, error) { return -1, errors.New("accept failed") })
	if err == nil || fd != -1 {
		t.Fatalf("Accept() = (%d, %v), want (-1, error)", fd, err)
	}
	if tbl.lookup(-1) != nil {
		t.Error("Accept() tracked a negative descriptor")
	}
}

func TestWriteTruncatesOversizedPayload(t *testing.T) {
	conn := &fakeConn{}
	tbl, _ := newTestTable(t, conn)
	tbl.Track(5)

	limit := PacketSize - pktqueue.HeaderSize
	payload := make([]byte, limit+500)
	n, err := tbl.Write(5, payload)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if n != limit {
		t.Errorf("Write() = %d, want truncated %d", n, limit)
	}
	if len(conn.written[0]) != PacketSize {
		t.Errorf("underlying write length = %d, want %d", len(conn.written[0]), PacketSize)
	}
}

func TestEpollPwaitMultiplexedReadiness(t *testing.T) {
	conn := &fakeConn{}
	tbl, clock := newTestTable(t, conn)

	for fd := 0; fd < 10; fd++ {
		tbl.Track(fd)
		e := tbl.lookup(fd)
		buf := tbl.pool.Acquire()
		copy(buf.Data, "future")
		e.queue.Push(pktqueue.Packet{Buffer: buf, Len: 6, WakeUp: timeutil.FromTime(clock.Add(time.Hour))})
	}
	readyFD := 99
	tbl.Track(readyFD)
	e := tbl.lookup(readyFD)
	buf := tbl.pool.Acquire()
	copy(buf.Data, "now")
	e.queue.Push(pktqueue.Packet{Buffer: buf, Len: 3, WakeUp: timeutil.FromTime(*clock)})

	events := make([]ReadyEvent, 16)
	real := func(events []ReadyEvent, timeout time.Duration) (int, error) {
		t.Fatal("real epoll_pwait should not be called when a packet is already ready")
		return 0, nil
	}
	n, err := tbl.EpollPwait(events, -1, real)
	if err != nil {
		t.Fatalf("EpollPwait() error = %v", err)
	}
	if n != 1 || events[0].FD != readyFD {
		t.Fatalf("EpollPwait() = %d events, fd[0]=%d; want 1 event for fd %d", n, events[0].FD, readyFD)
	}
}

func TestEpollPwaitFallsThroughToRealWhenNothingReady(t *testing.T) {
	tbl, _ := newTestTable(t, &fakeConn{})
	tbl.Track(5)

	calledReal := false
	real := func(events []ReadyEvent, timeout time.Duration) (int, error) {
		calledReal = true
		return 0, nil
	}
	n, err := tbl.EpollPwait(make([]ReadyEvent, 4), 10*time.Millisecond, real)
	if err != nil {
		t.Fatalf("EpollPwait() error = %v", err)
	}
	if n != 0 {
		t.Errorf("EpollPwait() = %d, want 0", n)
	}
	if !calledReal {
		t.Error("EpollPwait() never called the real epoll_pwait")
	}
}
