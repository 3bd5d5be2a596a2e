package timeutil

import (
	"testing"
	"time"
)

func TestAddNSNormalizes(t *testing.T) {
	cases := []struct {
		start Timespec
		ns    int64
		want  Timespec
	}{
		{Timespec{Sec: 0, Nsec: 0}, 0, Timespec{Sec: 0, Nsec: 0}},
		{Timespec{Sec: 0, Nsec: 500}, 600, Timespec{Sec: 0, Nsec: 1100}},
		{Timespec{Sec: 1, Nsec: 999_999_999}, 2, Timespec{Sec: 2, Nsec: 1}},
		{Timespec{Sec: 5, Nsec: 0}, 2_500_000_000, Timespec{Sec: 7, Nsec: 500_000_000}},
	}
	for _, c := range cases {
		got := AddNS(c.start, c.ns)
		if got.Nsec >= int64(time.Second) {
			t.Fatalf("AddNS(%+v, %d) = %+v: Nsec not normalized", c.start, c.ns, got)
		}
		if got != c.want {
			t.Errorf("AddNS(%+v, %d) = %+v, want %+v", c.start, c.ns, got, c.want)
		}
	}
}

func TestPassed(t *testing.T) {
	a := Timespec{Sec: 1, Nsec: 0}
	b := Timespec{Sec: 1, Nsec: 0}
	if !Passed(a, b) {
		t.Errorf("Passed(a, a) should be true (<=)")
	}
	if !Passed(a, Timespec{Sec: 1, Nsec: 1}) {
		t.Errorf("earlier instant should have passed by a later one")
	}
	if Passed(Timespec{Sec: 2, Nsec: 0}, Timespec{Sec: 1, Nsec: 0}) {
		t.Errorf("future instant should not have passed yet")
	}
}

func TestDiffNonNegative(t *testing.T) {
	a := Timespec{Sec: 10, Nsec: 100}
	b := Timespec{Sec: 9, Nsec: 200}
	d := Diff(a, b)
	if d.Sec < 0 || (d.Sec == 0 && d.Nsec < 0) {
		t.Fatalf("Diff(%+v, %+v) = %+v, want non-negative", a, b, d)
	}
	want := Timespec{Sec: 0, Nsec: 999_999_900}
	if d != want {
		t.Errorf("Diff(%+v, %+v) = %+v, want %+v", a, b, d, want)
	}
}

func TestDiffEqual(t *testing.T) {
	a := Timespec{Sec: 3, Nsec: 42}
	if got := Diff(a, a); got != (Timespec{}) {
		t.Errorf("Diff(a, a) = %+v, want zero", got)
	}
}

func TestAddThenDiffRoundTrips(t *testing.T) {
	start := Timespec{Sec: 4, Nsec: 123}
	for _, ns := range []int64{0, 1, 999, 1_000_000_000, 3_500_000_001} {
		end := AddNS(start, ns)
		if !Passed(start, end) {
			t.Errorf("AddNS(start, %d) did not advance past start", ns)
		}
		d := Diff(end, start)
		got := d.Sec*int64(time.Second) + d.Nsec
		if got != ns {
			t.Errorf("Diff(AddNS(start, %d), start) = %dns, want %dns", ns, got, ns)
		}
	}
}
