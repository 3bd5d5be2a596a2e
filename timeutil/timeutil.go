// Package timeutil implements the normalized-timespec arithmetic that the
// rest of cozgo uses to reason about wake-up instants: adding a nanosecond
// delay, checking whether one instant has passed another, and computing the
// non-negative difference between two instants.
package timeutil

import "time"

const billion = int64(time.Second)

// Timespec mirrors the (seconds, nanoseconds) pair the kernel hands back
// from CLOCK_MONOTONIC, kept as a plain struct rather than syscall.Timespec
// so the package has no platform build tags of its own.
type Timespec struct {
	Sec  int64
	Nsec int64
}

// epoch anchors Now()'s Timespec values to process start rather than the
// wall clock; only differences between Timespecs are ever meaningful, and
// time.Since keeps the monotonic reading time.Now() carries internally.
var epoch = time.Now()

// Now returns the current CLOCK_MONOTONIC-equivalent instant, relative to
// process start.
func Now() Timespec {
	return fromDuration(time.Since(epoch))
}

// FromTime converts an absolute time.Time — typically from an injected
// clock in a test, or time.Now() itself — to a Timespec relative to the
// same epoch Now() uses. Both sides carry time.Now()'s monotonic reading,
// so differences between a FromTime value and a Now() value remain
// monotonic-clock-accurate.
func FromTime(t time.Time) Timespec {
	return fromDuration(t.Sub(epoch))
}

// AddNS returns t advanced by ns nanoseconds, with Nsec renormalized into
// [0, 1e9) and the overflow carried into Sec. ns must be >= 0.
func AddNS(t Timespec, ns int64) Timespec {
	addSec := ns / billion
	ns %= billion

	t.Nsec += ns
	addSec += t.Nsec / billion
	t.Nsec %= billion
	t.Sec += addSec
	return t
}

// Passed reports whether a <= b, i.e. whether instant a has already arrived
// by the time b is observed.
func Passed(a, b Timespec) bool {
	return a.Sec < b.Sec || (a.Sec == b.Sec && a.Nsec <= b.Nsec)
}

// Diff returns a - b. It assumes a >= b; the result is always non-negative
// for such inputs.
func Diff(a, b Timespec) Timespec {
	secDiff := a.Sec - b.Sec
	var nsecDiff int64
	if a.Nsec < b.Nsec {
		secDiff--
		nsecDiff = billion + a.Nsec - b.Nsec
	} else {
		nsecDiff = a.Nsec - b.Nsec
	}
	return Timespec{Sec: secDiff, Nsec: nsecDiff}
}

// Duration converts t to a time.Duration, for handing off to ppoll-style
// timeouts expressed as durations.
func (t Timespec) Duration() time.Duration {
	return time.Duration(t.Sec)*time.Second + time.Duration(t.Nsec)
}

func fromDuration(d time.Duration) Timespec {
	return Timespec{
		Sec:  int64(d / time.Second),
		Nsec: int64(d % time.Second),
	}
}
