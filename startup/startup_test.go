package startup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/pprof/profile"

	"github.com/cozgo/cozgo/config"
)

func fakeMaps(mappings ...*profile.Mapping) procMaps {
	return func() ([]*profile.Mapping, error) { return mappings, nil }
}

func TestResolveIPMatchesBySubstring(t *testing.T) {
	cfg := config.StartupConfig{TargetModule: "libfoo.so", TargetOffset: 0x20}
	maps := fakeMaps(
		&profile.Mapping{Start: 0x1000, File: "/usr/lib/libbar.so"},
		&profile.Mapping{Start: 0x5000, File: "/usr/lib/libfoo.so.1"},
	)

	ip, ok := ResolveIP(cfg, maps)
	if !ok {
		t.Fatal("ResolveIP() ok = false, want true")
	}
	if ip != 0x5000+0x20 {
		t.Errorf("ResolveIP() = %#x, want %#x", ip, 0x5020)
	}
}

func TestResolveIPNoMatch(t *testing.T) {
	cfg := config.StartupConfig{TargetModule: "libmissing.so", TargetOffset: 0x10}
	maps := fakeMaps(&profile.Mapping{Start: 0x1000, File: "/usr/lib/libbar.so"})

	if _, ok := ResolveIP(cfg, maps); ok {
		t.Error("ResolveIP() ok = true, want false for a module that isn't loaded")
	}
}

func TestResolveIPPropagatesMapError(t *testing.T) {
	cfg := config.StartupConfig{TargetModule: "libfoo.so", TargetOffset: 0x10}
	maps := func() ([]*profile.Mapping, error) { return nil, os.ErrNotExist }

	if _, ok := ResolveIP(cfg, maps); ok {
		t.Error("ResolveIP() ok = true, want false when reading maps fails")
	}
}

func TestRunSkipsProfilingWhenUnconfigured(t *testing.T) {
	t.Setenv("TARGET_MODULE", "")
	t.Setenv("TARGET_OFFSET", "")

	called := false
	result := Run(config.DefaultTunables(), func() int { called = true; return 42 }, fakeMaps())
	if !called {
		t.Fatal("Run() did not invoke the application entry point")
	}
	if result != 42 {
		t.Errorf("Run() = %d, want 42", result)
	}
}

func TestRunSkipsProfilingWhenModuleNotFound(t *testing.T) {
	t.Setenv("TARGET_MODULE", "nope.so")
	t.Setenv("TARGET_OFFSET", "0x1")
	t.Setenv("SPEEDUP_FACTOR", "")

	called := false
	Run(config.DefaultTunables(), func() int { called = true; return 0 }, fakeMaps())
	if !called {
		t.Fatal("Run() did not invoke the application entry point when the module was unresolvable")
	}
}

func TestReportWriteToFormatsSevenFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.txt")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}

	r := Report{
		TargetModule:        "libfoo.so",
		TargetOffsetHex:     "0x20",
		SpeedupFactorString: "0.5",
		HitCount:            10,
		SampleCount:         100,
		TotalVirtualDelayNS: 5000,
		EntryDurationNS:     123456,
	}
	if err := r.WriteTo(f); err != nil {
		t.Fatal(err)
	}
	f.Close()

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "libfoo.so\n0x20\n0.5\n10\n100\n5000\n123456\n"
	if string(got) != want {
		t.Errorf("WriteTo() wrote %q, want %q", got, want)
	}
}

func TestReconstructEnvIncludesConfigVars(t *testing.T) {
	t.Setenv("LD_PRELOAD", "/lib/libcoz.so")
	t.Setenv("TARGET_MODULE", "libfoo.so")
	t.Setenv("TARGET_OFFSET", "0x20")
	t.Setenv("SPEEDUP_FACTOR", "")

	env, err := ReconstructEnv([]string{"PATH=/bin"})
	if err != nil {
		t.Fatalf("ReconstructEnv() error = %v", err)
	}
	want := []string{"LD_PRELOAD=/lib/libcoz.so", "TARGET_MODULE=libfoo.so", "TARGET_OFFSET=0x20", "PATH=/bin"}
	if len(env) != len(want) {
		t.Fatalf("ReconstructEnv() = %v, want %v", env, want)
	}
	for i := range want {
		if env[i] != want[i] {
			t.Errorf("ReconstructEnv()[%d] = %q, want %q", i, env[i], want[i])
		}
	}
}

func TestReconstructEnvRejectsOversizedEnvironment(t *testing.T) {
	t.Setenv("LD_PRELOAD", "/lib/libcoz.so")
	t.Setenv("TARGET_MODULE", "")
	t.Setenv("TARGET_OFFSET", "")
	t.Setenv("SPEEDUP_FACTOR", "")

	huge := make([]string, MaxExecveEnv)
	for i := range huge {
		huge[i] = "X=1"
	}
	if _, err := ReconstructEnv(huge); err == nil {
		t.Fatal("ReconstructEnv() error = nil, want non-nil for an oversized environment")
	}
}
