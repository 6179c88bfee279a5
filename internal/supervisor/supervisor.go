// Package supervisor owns the lifecycle of the SharpLens analysis worker:
// spawning it, replacing it after a crash, and tearing it down.
//
// A Supervisor manages at most one live worker at a time. Respawn is lazy:
// a worker dying between calls is invisible until the next EnsureWorker,
// which detects the dead process and spawns a fresh one. Supervisors carry
// no global state; tests may run several independently.
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pzalutski-pixel/sharplens-mcp-sub000/internal/config"
	"github.com/pzalutski-pixel/sharplens-mcp-sub000/internal/proxy"
)

// ErrClosed is returned by operations on a closed supervisor.
var ErrClosed = errors.New("supervisor closed")

// Default configuration values.
const (
	// DefaultPingTimeout bounds the best-effort post-spawn ping.
	DefaultPingTimeout = 2 * time.Second

	// killWait is how long a forced shutdown waits for OS-level exit after
	// killing the process tree.
	killWait = 1 * time.Second
)

// WorkerModeFlag is the sentinel command-line flag that makes the SharpLens
// executable run as a worker instead of a host.
const WorkerModeFlag = "-worker"

// Config configures a Supervisor. All dependencies are injected; the zero
// value of every field has a working default.
type Config struct {
	// Command is the worker executable. Empty means the current executable,
	// resolved at spawn time; failure to resolve it is a fatal spawn error.
	Command string

	// Args are the worker's arguments. Nil means the worker-mode sentinel.
	Args []string

	// Env is the explicit environment contract passed to the worker.
	Env config.WorkerEnv

	// Logger receives supervisor and proxy diagnostics.
	Logger *slog.Logger

	// PingTimeout bounds the post-spawn liveness probe.
	PingTimeout time.Duration

	// StderrSink receives the worker's forwarded stderr lines. Defaults to
	// the host's own stderr.
	StderrSink io.Writer
}

// RecoveryState records the last successful initialization call issued to a
// worker, so callers can replay it after a respawn. The supervisor stores it
// but never replays it itself.
type RecoveryState struct {
	Method string
	Params json.RawMessage
	At     time.Time
}

// workerHandle pairs a worker process with its proxy. Created and disposed
// together.
type workerHandle struct {
	proc *WorkerProcess
	prox *proxy.Proxy
}

// Supervisor guarantees callers can obtain a live proxy to a worker,
// spawning or respawning as needed.
type Supervisor struct {
	cfg        Config
	log        *slog.Logger
	sink       io.Writer
	pingWithin time.Duration

	// mu is the liveness lock: held briefly to read or swap the current
	// worker pair. Never held across a spawn.
	mu      sync.Mutex
	current *workerHandle

	// spawnSlot is the spawn lock: a token channel so acquisition can be
	// abandoned on context cancellation. Spawns are mutually exclusive, but
	// liveness checks never block behind one.
	spawnSlot chan struct{}

	recMu    sync.Mutex
	recovery *RecoveryState

	closed atomic.Bool
}

// New creates a Supervisor from cfg.
func New(cfg Config) *Supervisor {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	sink := cfg.StderrSink
	if sink == nil {
		sink = os.Stderr
	}
	pingWithin := cfg.PingTimeout
	if pingWithin <= 0 {
		pingWithin = DefaultPingTimeout
	}

	s := &Supervisor{
		cfg:        cfg,
		log:        log,
		sink:       sink,
		pingWithin: pingWithin,
		spawnSlot:  make(chan struct{}, 1),
	}
	s.spawnSlot <- struct{}{}
	return s
}

// EnsureWorker returns a proxy to a live worker, spawning one if none is
// alive. Concurrent callers during a cold start all await the same spawn and
// receive the same proxy; exactly one OS process is created.
func (s *Supervisor) EnsureWorker(ctx context.Context) (*proxy.Proxy, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	if prox := s.liveProxy(); prox != nil {
		return prox, nil
	}

	select {
	case <-s.spawnSlot:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { s.spawnSlot <- struct{}{} }()

	// Another caller may have finished spawning while we waited.
	if prox := s.liveProxy(); prox != nil {
		return prox, nil
	}

	return s.spawn(ctx)
}

// SpawnWorker unconditionally replaces the current worker with a new one.
func (s *Supervisor) SpawnWorker(ctx context.Context) (*proxy.Proxy, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	select {
	case <-s.spawnSlot:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { s.spawnSlot <- struct{}{} }()

	return s.spawn(ctx)
}

// liveProxy returns the current proxy if its process is running.
func (s *Supervisor) liveProxy() *proxy.Proxy {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.proc.Running() {
		return s.current.prox
	}
	return nil
}

// spawn creates a new worker pair. Callers must hold the spawn slot.
func (s *Supervisor) spawn(ctx context.Context) (*proxy.Proxy, error) {
	// Tear down any predecessor pair before creating the replacement.
	s.mu.Lock()
	old := s.current
	s.current = nil
	s.mu.Unlock()
	if old != nil {
		s.release(old)
	}

	path := s.cfg.Command
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate worker executable: %w", err)
		}
		path = exe
	}
	args := s.cfg.Args
	if args == nil {
		args = []string{WorkerModeFlag}
	}

	cmd := exec.Command(path, args...)
	// The explicit allowlisted contract only: in particular the ambient
	// auto-load variable never reaches a spawned worker, because
	// initialization after a spawn is the caller's responsibility.
	cmd.Env = s.cfg.Env.Environ()
	// Own process group, so a forced shutdown can kill the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	proc := newWorkerProcess(cmd)

	var err error
	proc.stdin, err = cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	proc.stdout, err = cmd.StdoutPipe()
	if err != nil {
		_ = proc.stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	proc.stderr, err = cmd.StderrPipe()
	if err != nil {
		_ = proc.stdin.Close()
		_ = proc.stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := proc.start(); err != nil {
		_ = proc.stdin.Close()
		proc.closePipes()
		return nil, err
	}

	// One-shot exit notification: log the exit, nothing more. Respawn is
	// lazy, driven by the next EnsureWorker.
	go func() {
		<-proc.Done()
		s.log.Info("worker exited", "worker", proc.ID, "pid", proc.PID(), "code", proc.ExitCode())
	}()

	go s.forwardStderr(proc)

	prox := proxy.New(proc.stdin, proc.stdout, proc, s.log)
	handle := &workerHandle{proc: proc, prox: prox}

	s.mu.Lock()
	s.current = handle
	s.mu.Unlock()

	s.log.Info("worker spawned", "worker", proc.ID, "pid", proc.PID())

	// Best-effort startup probe. A failed ping does not fail the spawn; the
	// worker may still become responsive.
	pingCtx, cancel := context.WithTimeout(ctx, s.pingWithin)
	if !prox.Ping(pingCtx, s.pingWithin) {
		s.log.Warn("post-spawn ping failed", "worker", proc.ID)
	}
	cancel()

	return prox, nil
}

// forwardStderr copies the worker's stderr line-by-line into the host's
// diagnostic sink until EOF. Its own failure is logged, never fatal.
func (s *Supervisor) forwardStderr(proc *WorkerProcess) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("stderr forwarder panicked", "worker", proc.ID, "panic", r)
		}
	}()

	scanner := bufio.NewScanner(proc.stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if _, err := fmt.Fprintln(s.sink, scanner.Text()); err != nil {
			s.log.Warn("forward worker stderr", "worker", proc.ID, "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		s.log.Warn("read worker stderr", "worker", proc.ID, "error", err)
	}
	s.log.Debug("stderr forwarder finished", "worker", proc.ID)
}

// ShutdownWorker shuts down the current worker. It first attempts a
// cooperative shutdown (closing the worker's input) and waits up to
// gracefulTimeout; if that fails and force is set, it kills the process tree
// and waits briefly for OS-level exit. Resources are released on every
// successful path. No running worker counts as immediate success.
func (s *Supervisor) ShutdownWorker(ctx context.Context, force bool, gracefulTimeout time.Duration) bool {
	s.mu.Lock()
	handle := s.current
	s.mu.Unlock()

	if handle == nil || !handle.proc.Running() {
		if handle != nil {
			s.detach(handle)
			s.release(handle)
		}
		return true
	}

	if handle.prox.Shutdown(ctx, gracefulTimeout) {
		s.detach(handle)
		s.release(handle)
		return true
	}

	if !force {
		return false
	}

	handle.proc.killTree()
	select {
	case <-handle.proc.Done():
	case <-time.After(killWait):
	}
	s.detach(handle)
	s.release(handle)
	return true
}

// detach removes handle from current if it is still installed.
func (s *Supervisor) detach(handle *workerHandle) {
	s.mu.Lock()
	if s.current == handle {
		s.current = nil
	}
	s.mu.Unlock()
}

// release disposes a worker pair: best-effort kill plus handle cleanup.
func (s *Supervisor) release(handle *workerHandle) {
	_ = handle.prox.Close()
	if handle.proc.Running() {
		handle.proc.killTree()
	}
	handle.proc.closePipes()
}

// RecordInit stores the last successful initialization call. Callers replay
// it themselves after a respawn.
func (s *Supervisor) RecordInit(method string, params json.RawMessage) {
	s.recMu.Lock()
	s.recovery = &RecoveryState{
		Method: method,
		Params: append(json.RawMessage(nil), params...),
		At:     time.Now(),
	}
	s.recMu.Unlock()
}

// LastInit returns a copy of the recorded initialization call, if any.
func (s *Supervisor) LastInit() (RecoveryState, bool) {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	if s.recovery == nil {
		return RecoveryState{}, false
	}
	return *s.recovery, true
}

// WorkerPID returns the current worker's OS pid, if one is running.
func (s *Supervisor) WorkerPID() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.proc.Running() {
		return s.current.proc.PID(), true
	}
	return 0, false
}

// Close forcefully shuts down any worker and marks the supervisor unusable.
func (s *Supervisor) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.ShutdownWorker(context.Background(), true, 500*time.Millisecond)
	return nil
}
