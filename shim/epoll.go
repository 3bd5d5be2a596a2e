package shim

import (
	"time"

	"github.com/cozgo/cozgo/timeutil"
)

// ReadyEvent is the synthesized readiness record EpollPwait hands back,
// matching the fd/EPOLLIN shape socket_hook.cpp assigns into epoll_event.
type ReadyEvent struct {
	FD int
}

// RealEpollWait is the real epoll_pwait's shape, taking its timeout as a
// time.Duration instead of a raw millisecond count; a negative timeout
// means wait forever, as -1 does for the real call. It fills events and
// returns how many were written, same as the real call's return value.
type RealEpollWait func(events []ReadyEvent, timeout time.Duration) (int, error)

// EpollPwait is SyscallShim's epoll_pwait: it first tries to satisfy the
// call entirely out of already-queued, already-ready packets; only when
// none are ready yet does it fall through to the real epoll_pwait, and
// even then every readable fd it gets back is re-checked against that
// descriptor's PacketQueue before being handed to the caller — because the
// kernel being readable and the packet's wake-up time having arrived are
// different conditions (spec.md §4.4's "still in the future" check).
//
// Per spec.md §4.4's documented limitation, this does not track which
// descriptors belong to which epoll instance; any tracked descriptor with
// a ready head packet is considered a candidate regardless of epfd.
func (t *Table) EpollPwait(events []ReadyEvent, timeout time.Duration, real RealEpollWait) (int, error) {
	infinite := timeout < 0
	deadline := t.now().Add(nonNegative(timeout))

	if n := t.appendReady(events); n > 0 {
		return n, nil
	}

	for {
		remaining := time.Duration(-1)
		if !infinite {
			remaining = deadline.Sub(t.now())
			if remaining <= 0 {
				return 0, nil
			}
		}

		realEvents := make([]ReadyEvent, len(events))
		rn, err := real(realEvents, remaining)
		if rn <= 0 {
			return rn, err
		}

		// Partition: fds whose queue is ready-now move to the front;
		// fds the kernel saw but whose head packet is still in the
		// future move to the back and drop out of the returned count,
		// mirroring the curr/end swap in socket_hook.cpp's loop.
		curr, end := 0, rn-1
		for curr <= end {
			fd := realEvents[curr].FD
			e := t.lookup(fd)
			if e == nil {
				curr++
				continue
			}
			_ = t.refill(fd, e)
			if e.queue.Len() > 0 && t.headReady(e) {
				curr++
			} else {
				realEvents[curr], realEvents[end] = realEvents[end], realEvents[curr]
				end--
			}
		}
		rn = end + 1

		copy(events, realEvents[:rn])
		n := rn + t.appendReady(events[rn:])
		if n > 0 {
			return n, nil
		}
		// Neither the kernel's fds nor any other tracked descriptor is
		// ready yet; loop, consuming the remaining timeout budget.
	}
}

// appendReady scans every tracked descriptor for one whose head packet is
// already due, writing into events and returning how many were written.
func (t *Table) appendReady(events []ReadyEvent) int {
	n := 0
	for fd, e := range t.entries {
		if n >= len(events) {
			break
		}
		if e.queue.Len() == 0 {
			continue
		}
		if t.headReady(e) {
			events[n] = ReadyEvent{FD: fd}
			n++
		}
	}
	return n
}

func (t *Table) headReady(e *entry) bool {
	head := e.queue.Peek()
	if head == nil {
		return false
	}
	return timeutil.Passed(head.WakeUp, timeutil.FromTime(t.now()))
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
