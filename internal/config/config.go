// Package config defines the environment contract between the SharpLens host
// and its worker process.
//
// The supervisor passes the worker an explicit, minimal environment built
// from WorkerEnv.Environ. Notably absent from that set is AUTO_LOAD_WORKSPACE:
// a freshly spawned worker must never initialize itself, initialization is an
// explicit call issued by the host after spawn.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Environment variable names.
const (
	// EnvLogLevel sets worker logging verbosity (debug, info, warn, error).
	EnvLogLevel = "SHARPLENS_LOG_LEVEL"

	// EnvOpTimeoutSecs bounds a single engine operation, in seconds.
	EnvOpTimeoutSecs = "SHARPLENS_OP_TIMEOUT_SECS"

	// EnvMaxDiagnostics caps the number of diagnostics an operation reports.
	EnvMaxDiagnostics = "SHARPLENS_MAX_DIAGNOSTICS"

	// EnvPathStyle selects how file paths are rendered (native or uri).
	EnvPathStyle = "SHARPLENS_PATH_STYLE"

	// EnvAutoLoadWorkspace names a workspace to load at startup. Honored only
	// when the process is launched directly; the supervisor strips it from a
	// spawned worker's environment.
	EnvAutoLoadWorkspace = "SHARPLENS_AUTO_LOAD_WORKSPACE"
)

// Defaults.
const (
	DefaultLogLevel       = "info"
	DefaultOpTimeout      = 60 * time.Second
	DefaultMaxDiagnostics = 200
	DefaultPathStyle      = "native"
)

// WorkerEnv is the typed form of the worker environment contract.
type WorkerEnv struct {
	// LogLevel is the worker's logging verbosity.
	LogLevel string

	// OpTimeout bounds a single engine operation.
	OpTimeout time.Duration

	// MaxDiagnostics caps diagnostics per operation.
	MaxDiagnostics int

	// PathStyle is "native" or "uri".
	PathStyle string
}

// DefaultWorkerEnv returns the contract defaults.
func DefaultWorkerEnv() WorkerEnv {
	return WorkerEnv{
		LogLevel:       DefaultLogLevel,
		OpTimeout:      DefaultOpTimeout,
		MaxDiagnostics: DefaultMaxDiagnostics,
		PathStyle:      DefaultPathStyle,
	}
}

// FromEnviron reads the worker contract from the process environment,
// falling back to defaults for unset or malformed values.
func FromEnviron() WorkerEnv {
	env := DefaultWorkerEnv()

	if v, ok := os.LookupEnv(EnvLogLevel); ok {
		switch v {
		case "debug", "info", "warn", "error":
			env.LogLevel = v
		}
	}
	if v, ok := os.LookupEnv(EnvOpTimeoutSecs); ok {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			env.OpTimeout = time.Duration(secs) * time.Second
		}
	}
	if v, ok := os.LookupEnv(EnvMaxDiagnostics); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			env.MaxDiagnostics = n
		}
	}
	if v, ok := os.LookupEnv(EnvPathStyle); ok {
		switch v {
		case "native", "uri":
			env.PathStyle = v
		}
	}

	return env
}

// Environ renders the explicit variable set passed to a spawned worker.
// AUTO_LOAD_WORKSPACE is deliberately never included.
func (e WorkerEnv) Environ() []string {
	return []string{
		EnvLogLevel + "=" + e.LogLevel,
		EnvOpTimeoutSecs + "=" + strconv.Itoa(int(e.OpTimeout/time.Second)),
		EnvMaxDiagnostics + "=" + strconv.Itoa(e.MaxDiagnostics),
		EnvPathStyle + "=" + e.PathStyle,
	}
}

// SlogLevel maps LogLevel to a slog level.
func (e WorkerEnv) SlogLevel() slog.Level {
	switch e.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// AutoLoadWorkspace returns the ambient auto-load target, if any. Only the
// directly launched process consults this; see EnvAutoLoadWorkspace.
func AutoLoadWorkspace() (string, bool) {
	v, ok := os.LookupEnv(EnvAutoLoadWorkspace)
	if v == "" {
		return "", false
	}
	return v, ok
}
