// Command cozdump pretty-prints one or more <pid>.txt report files written
// by cmd/libcoz's StartupController. It only formats numbers for reading;
// estimating a speedup curve from the causal delay is explicitly out of
// scope, the same way cmd/bench's final report is a plain tally rather than
// a regression fit.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// report mirrors startup.Report's seven fields, parsed back out of the text
// file rather than imported from the startup package, since cozdump may run
// long after the profiled process (and its Go runtime) has exited.
type report struct {
	targetModule        string
	targetOffsetHex     string
	speedupFactorString string
	hitCount            uint64
	sampleCount         uint64
	totalVirtualDelayNS uint64
	entryDurationNS     uint64
}

func main() {
	paths := os.Args[1:]
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "usage: cozdump <pid.txt>...")
		os.Exit(2)
	}

	p := message.NewPrinter(language.English)
	exit := 0
	for _, path := range paths {
		r, err := parseReport(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cozdump: %s: %v\n", path, err)
			exit = 1
			continue
		}
		printReport(p, path, r)
	}
	os.Exit(exit)
}

// parseReport reads the seven newline-terminated fields Report.WriteTo
// writes, in order: target module, target offset (hex), speedup factor
// (string, possibly empty), hit count, sample count, total virtual delay in
// nanoseconds, and the profiled entry's wall-clock duration in nanoseconds.
func parseReport(path string) (report, error) {
	f, err := os.Open(path)
	if err != nil {
		return report{}, err
	}
	defer f.Close()

	fields := make([]string, 0, 7)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields = append(fields, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return report{}, err
	}
	if len(fields) != 7 {
		return report{}, fmt.Errorf("expected 7 fields, got %d", len(fields))
	}

	var r report
	r.targetModule = fields[0]
	r.targetOffsetHex = fields[1]
	r.speedupFactorString = fields[2]

	uints := [4]*uint64{&r.hitCount, &r.sampleCount, &r.totalVirtualDelayNS, &r.entryDurationNS}
	for i, dst := range uints {
		v, err := strconv.ParseUint(fields[3+i], 10, 64)
		if err != nil {
			return report{}, fmt.Errorf("field %d: %w", 3+i, err)
		}
		*dst = v
	}
	return r, nil
}

func printReport(p *message.Printer, path string, r report) {
	p.Printf("\n%s\n", path)
	p.Printf(" Target:            %s+%s\n", r.targetModule, r.targetOffsetHex)
	if r.speedupFactorString != "" {
		p.Printf(" Speedup factor:    %s\n", r.speedupFactorString)
	} else {
		p.Printf(" Speedup factor:    (not set)\n")
	}
	p.Printf(" Samples hit:       %d / %d (%.4f%%)\n",
		r.hitCount, r.sampleCount, hitRatio(r.hitCount, r.sampleCount)*100)
	p.Printf(" Virtual delay:     %s\n", humanize.Comma(int64(r.totalVirtualDelayNS))+" ns")
	p.Printf(" Entry duration:    %s\n", humanizeDuration(r.entryDurationNS))
}

func hitRatio(hits, samples uint64) float64 {
	if samples == 0 {
		return 0
	}
	return float64(hits) / float64(samples)
}

func humanizeDuration(ns uint64) string {
	return fmt.Sprintf("%s (%s ns)", humanizeSeconds(ns), humanize.Comma(int64(ns)))
}

func humanizeSeconds(ns uint64) string {
	return fmt.Sprintf("%.3fs", float64(ns)/1e9)
}
