// Package cozlog provides the module-scoped structured loggers used for
// every "log once to stderr" disposition in spec.md §7, mirroring the
// per-module logger variables the pack's own ETW exporter keeps.
package cozlog

import (
	"os"

	"github.com/phuslu/log"
)

var (
	// Startup covers env parsing, module resolution, and report writing.
	Startup log.Logger
	// Sampler covers perf_event_open, ring buffer mapping, and the timer.
	Sampler log.Logger
	// Shim covers descriptor table and socket interposition diagnostics.
	Shim log.Logger
	// Libcoz covers real-symbol resolution and the LD_PRELOAD entry hook.
	Libcoz log.Logger
)

func init() {
	SetLevel(ParseLevel(os.Getenv("COZ_LOG_LEVEL")))
}

// ParseLevel converts a string log level to log.Level, defaulting to
// log.InfoLevel for an empty or unrecognized string.
func ParseLevel(levelStr string) log.Level {
	switch levelStr {
	case "trace":
		return log.TraceLevel
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "fatal":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}

// SetLevel sets the level of every module logger and (re)creates them
// writing to standard error, since this library runs inside an arbitrary
// host process whose stdout belongs to the application.
func SetLevel(level log.Level) {
	writer := &log.IOWriter{Writer: os.Stderr}
	mk := func(module string) log.Logger {
		return log.Logger{
			Level:      level,
			Caller:     0,
			TimeFormat: "15:04:05.000",
			Writer:     writer,
			Context:    log.NewContext(nil).Str("module", module).Value(),
		}
	}
	Startup = mk("startup")
	Sampler = mk("sampler")
	Shim = mk("shim")
	Libcoz = mk("libcoz")
}
