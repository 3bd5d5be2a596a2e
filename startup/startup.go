// Package startup implements StartupController from spec.md §4.5: the
// process-entry orchestration that decides whether to profile at all,
// resolves the target instruction pointer, drives SampleCollector's
// lifecycle around the real application entry point, and writes the
// report file.
//
// Grounded directly on hook.cpp's wrapped_main, find_library_callback, and
// reconstruct_envp. dl_iterate_phdr has no Go binding, so module base
// resolution here reads /proc/self/maps with
// github.com/google/pprof/profile.ParseProcMaps instead — the same
// substitution a pack profiling agent makes for the identical problem.
package startup

import (
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/google/pprof/profile"

	"github.com/cozgo/cozgo/config"
	"github.com/cozgo/cozgo/cozlog"
	"github.com/cozgo/cozgo/sampler"
)

// MaxExecveEnv is the cap hook.cpp's execve wrapper enforces on the
// combined reconstructed + inherited environment.
const MaxExecveEnv = 100

// Report is the 7-field record written to <pid>.txt, in the order spec.md
// §6 lists them.
type Report struct {
	TargetModule        string
	TargetOffsetHex     string
	SpeedupFactorString string
	HitCount            uint64
	SampleCount         uint64
	TotalVirtualDelayNS uint64
	EntryDurationNS     uint64
}

// WriteTo writes r as seven newline-terminated fields, in spec.md §6's
// order, to w.
func (r Report) WriteTo(w *os.File) error {
	_, err := fmt.Fprintf(w, "%s\n%s\n%s\n%d\n%d\n%d\n%d\n",
		r.TargetModule, r.TargetOffsetHex, r.SpeedupFactorString,
		r.HitCount, r.SampleCount, r.TotalVirtualDelayNS, r.EntryDurationNS)
	return err
}

// procMaps lets tests substitute a canned /proc/self/maps-shaped reader.
type procMaps func() ([]*profile.Mapping, error)

// ResolveIP implements StartupController step 3–4: find the first loaded
// mapping whose file path contains cfg.TargetModule, add cfg.TargetOffset
// to its start address, and return the absolute instruction pointer.
func ResolveIP(cfg config.StartupConfig, maps procMaps) (uint64, bool) {
	mappings, err := maps()
	if err != nil {
		cozlog.Startup.Error().Err(err).Msg("failed to read process memory map")
		return 0, false
	}
	for _, m := range mappings {
		if strings.Contains(m.File, cfg.TargetModule) {
			return m.Start + cfg.TargetOffset, true
		}
	}
	return 0, false
}

// SelfProcMaps parses /proc/self/maps, falling back to /proc/self/exe's
// target for the main binary's own unnamed mapping the way
// find_library_callback does when dlpi_name is empty.
func SelfProcMaps() ([]*profile.Mapping, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	mappings, err := profile.ParseProcMaps(f)
	if err != nil {
		return nil, err
	}

	exe, err := os.Readlink("/proc/self/exe")
	if err == nil {
		for _, m := range mappings {
			if m.File == "" {
				m.File = exe
			}
		}
	}
	return mappings, nil
}

// Run implements StartupController end to end: read config, resolve a
// target IP, run the application's entry point with profiling around it
// if resolution succeeds, and write the report. entry is the application's
// real main; it is called exactly once regardless of whether profiling was
// enabled. Returns entry's own result.
func Run(tunables config.Tunables, entry func() int, maps procMaps) int {
	cfg, err := config.LoadStartupConfig()
	if err != nil {
		cozlog.Startup.Error().Err(err).Msg("invalid profiling configuration, running unprofiled")
		return entry()
	}
	if !cfg.Configured() {
		cozlog.Startup.Info().Msg("TARGET_MODULE/TARGET_OFFSET not set, running unprofiled")
		return entry()
	}

	ip, found := ResolveIP(cfg, maps)
	if !found {
		cozlog.Startup.Warn().Str("module", cfg.TargetModule).Msg("target module not found, running unprofiled")
		return entry()
	}

	collector := sampler.New(ip, tunables.SamplePeriod, tunables.BatchSize)
	if err := collector.Init(); err != nil {
		cozlog.Startup.Error().Err(err).Msg("failed to initialize sample collector, running unprofiled")
		return entry()
	}
	if err := collector.Start(); err != nil {
		cozlog.Startup.Error().Err(err).Msg("failed to start sample collector, running unprofiled")
		return entry()
	}

	start := time.Now()
	result := entry()
	elapsed := time.Since(start)

	if err := collector.Stop(); err != nil {
		cozlog.Startup.Error().Err(err).Msg("failed to stop sample collector cleanly")
	}

	report := Report{
		TargetModule:        cfg.TargetModule,
		TargetOffsetHex:     cfg.TargetOffsetHex,
		SpeedupFactorString: cfg.SpeedupFactorString,
		HitCount:            collector.HitCount(),
		SampleCount:         collector.SampleCount(),
		TotalVirtualDelayNS: collector.HitCount() * cfg.DelayLengthNS(tunables.SamplePeriod),
		EntryDurationNS:     uint64(elapsed.Nanoseconds()),
	}
	writeReport(report)

	return result
}

func writeReport(r Report) {
	path := fmt.Sprintf("%d.txt", os.Getpid())
	f, err := os.Create(path)
	if err != nil {
		cozlog.Startup.Error().Err(err).Str("path", path).Msg("could not open report file, writing to stderr")
		_ = r.WriteTo(os.Stderr)
		return
	}
	defer f.Close()
	if err := r.WriteTo(f); err != nil {
		cozlog.Startup.Error().Err(err).Msg("failed writing report")
	}
}

// ReconstructEnv implements execve's environment reconstruction: a fresh
// slice containing LD_PRELOAD, TARGET_MODULE, TARGET_OFFSET, and
// SPEEDUP_FACTOR (whichever are set to a non-empty value) read from the
// current process's environment, followed by every entry of inherited,
// capped at MaxExecveEnv total. Returns an error wrapping syscall.E2BIG if
// the combination would exceed that cap.
func ReconstructEnv(inherited []string) ([]string, error) {
	var out []string
	for _, name := range []string{"LD_PRELOAD", "TARGET_MODULE", "TARGET_OFFSET", "SPEEDUP_FACTOR"} {
		if v := os.Getenv(name); v != "" {
			out = append(out, name+"="+v)
		}
	}

	if len(out)+len(inherited) > MaxExecveEnv {
		return nil, fmt.Errorf("startup: combined environment exceeds %d entries: %w", MaxExecveEnv, syscall.E2BIG)
	}
	out = append(out, inherited...)
	return out, nil
}
