//go:build linux

package sampler

/*
#include "sampler_linux.h"
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// waker pairs a timer created on the profiled thread with the eventfd its
// signal handler wakes. Calling back into Go from a raw sigaction handler
// delivered on an arbitrary OS thread has no safety guarantee — the
// handler must stay inside functions POSIX lists as async-signal-safe, and
// the Go runtime's scheduler is not one of them. So the handler installed
// by sampler_linux.c does the one safe thing available to it: write(2) a
// token to an eventfd (listed safe by signal-safety(7)). ProcessSamples
// itself then runs on an ordinary goroutine that blocks reading that
// eventfd, exactly as if it were any other event source.
type waker struct {
	c       *Collector
	timerID C.timer_t
	eventFD int
	stop    chan struct{}
	done    chan struct{}
}

var (
	wakersMu sync.Mutex
	wakers   = map[uintptr]*waker{}
)

// armTimer creates a CLOCK_THREAD_CPUTIME_ID timer on the calling thread
// that delivers the sampler's real-time signal (SIGRTMIN_OFFSET in
// sampler_linux.h) via SIGEV_THREAD_ID every delayNS nanoseconds, and
// starts the goroutine that drains c's ring buffer each time the timer's
// signal handler wakes it. Mirrors Profiler::init's timer_create/sigaction
// setup plus Profiler::start's timer_settime, combined into one step.
func armTimer(c *Collector, delayNS uint64) (uintptr, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return 0, fmt.Errorf("eventfd: %w", err)
	}

	var timerID C.timer_t
	rc := C.coz_arm_timer(C.int(fd), C.uint64_t(delayNS), &timerID)
	if rc != 0 {
		unix.Close(fd)
		return 0, fmt.Errorf("coz_arm_timer: errno %d", int(rc))
	}

	w := &waker{c: c, timerID: timerID, eventFD: fd, stop: make(chan struct{}), done: make(chan struct{})}
	go w.run()

	wakersMu.Lock()
	token := uintptr(unsafe.Pointer(timerID))
	wakers[token] = w
	wakersMu.Unlock()
	return token, nil
}

// disarmTimer deletes the timer created by armTimer, stops its drain
// goroutine, and closes its eventfd.
func disarmTimer(token uintptr) {
	wakersMu.Lock()
	w := wakers[token]
	delete(wakers, token)
	wakersMu.Unlock()
	if w == nil {
		return
	}

	C.coz_disarm_timer(w.timerID)
	close(w.stop)
	// Nudge the blocked read with one more token so run() observes stop
	// promptly; closing the eventfd would not wake a read already blocked
	// on it, so it is closed only after run() has returned.
	_, _ = unix.Write(w.eventFD, []byte{1, 0, 0, 0, 0, 0, 0, 0})
	<-w.done
	unix.Close(w.eventFD)
}

func (w *waker) run() {
	defer close(w.done)
	buf := make([]byte, 8)
	for {
		select {
		case <-w.stop:
			return
		default:
		}
		if _, err := unix.Read(w.eventFD, buf); err != nil {
			return
		}
		w.c.ProcessSamples()
	}
}
