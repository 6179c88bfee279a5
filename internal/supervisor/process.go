package supervisor

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// ProcessState represents the lifecycle state of a worker process.
// The lifecycle is monotonic: NotStarted -> Running -> Exited. A worker is
// never resurrected; a respawn creates a new WorkerProcess.
type ProcessState int32

const (
	// StateNotStarted indicates the process has been created but not started.
	StateNotStarted ProcessState = iota
	// StateRunning indicates the process is currently running.
	StateRunning
	// StateExited indicates the process has exited or been killed.
	StateExited
)

// String returns a human-readable state name.
func (s ProcessState) String() string {
	switch s {
	case StateNotStarted:
		return "not started"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// WorkerProcess wraps one worker OS process with lifecycle tracking.
// It is exclusively owned by the Supervisor that spawned it.
type WorkerProcess struct {
	// ID uniquely identifies this worker incarnation.
	ID string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	started  time.Time
	state    atomic.Int32
	exitCode atomic.Int32

	done     chan struct{}
	waitOnce sync.Once
}

// newWorkerProcess wraps cmd; the command must not be started yet.
func newWorkerProcess(cmd *exec.Cmd) *WorkerProcess {
	p := &WorkerProcess{
		ID:   uuid.New().String(),
		cmd:  cmd,
		done: make(chan struct{}),
	}
	p.state.Store(int32(StateNotStarted))
	p.exitCode.Store(-1)
	return p
}

// start launches the process and begins exit tracking.
func (p *WorkerProcess) start() error {
	if ProcessState(p.state.Load()) != StateNotStarted {
		return fmt.Errorf("worker process already started")
	}

	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("start worker process: %w", err)
	}

	p.started = time.Now()
	p.state.Store(int32(StateRunning))

	go p.waitLoop()
	return nil
}

// waitLoop reaps the process and records its exit, closing done exactly once.
func (p *WorkerProcess) waitLoop() {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()

		code := 0
		if err != nil {
			code = -1
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			}
		}

		p.exitCode.Store(int32(code))
		p.state.Store(int32(StateExited))
		close(p.done)
	})
}

// State returns the current lifecycle state.
func (p *WorkerProcess) State() ProcessState {
	return ProcessState(p.state.Load())
}

// Running reports whether the process is currently running.
func (p *WorkerProcess) Running() bool {
	return p.State() == StateRunning
}

// Done returns a channel closed when the process exits. This is the one-shot
// exit notification; it fires exactly once.
func (p *WorkerProcess) Done() <-chan struct{} {
	return p.done
}

// ExitCode returns the exit code, or -1 if the process has not exited.
func (p *WorkerProcess) ExitCode() int {
	return int(p.exitCode.Load())
}

// PID returns the OS process id, or -1 if the process never started.
// The value is only meaningful while the process is running.
func (p *WorkerProcess) PID() int {
	if p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

// StartedAt returns the time the process was started.
func (p *WorkerProcess) StartedAt() time.Time {
	return p.started
}

// killTree kills the entire process tree rooted at the worker. The worker is
// started in its own process group, so the negative pid addresses the group.
func (p *WorkerProcess) killTree() {
	pid := p.PID()
	if pid <= 0 || !p.Running() {
		return
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		// Group kill failed; fall back to the process itself.
		_ = p.cmd.Process.Kill()
	}
}

// closePipes releases the output pipe handles. Stdin is owned and closed by
// the proxy.
func (p *WorkerProcess) closePipes() {
	if p.stdout != nil {
		_ = p.stdout.Close()
	}
	if p.stderr != nil {
		_ = p.stderr.Close()
	}
}
