// Package proxy implements the host side of the worker protocol: transport
// and correlation for exactly one worker process.
//
// A Proxy owns the worker's stdin and stdout. All calls are serialized
// through a single request slot, so at most one request is in flight at a
// time; the background reader loop is the sole reader of the output stream.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pzalutski-pixel/sharplens-mcp-sub000/internal/protocol"
)

// ProcessProbe reports worker process liveness to the proxy.
type ProcessProbe interface {
	// Running reports whether the process is currently running.
	Running() bool

	// Done returns a channel closed when the process exits.
	Done() <-chan struct{}
}

// Proxy is the transport and correlation layer for one worker.
type Proxy struct {
	stdin io.WriteCloser
	probe ProcessProbe
	log   *slog.Logger

	// slot is a binary semaphore serializing calls; a buffered token means
	// the slot is free.
	slot chan struct{}

	nextID atomic.Int64

	mu      sync.Mutex
	pending *pendingCall

	stdinOnce sync.Once
	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}
}

// pendingCall is the single outstanding request awaiting a response.
type pendingCall struct {
	id int64
	ch chan callResult
}

type callResult struct {
	resp *protocol.Response
	err  error
}

// New creates a proxy over the worker's pipes and starts the reader loop.
func New(stdin io.WriteCloser, stdout io.Reader, probe ProcessProbe, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Proxy{
		stdin: stdin,
		probe: probe,
		log:   logger,
		slot:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	p.slot <- struct{}{}

	go p.readLoop(stdout)

	return p
}

// Invoke sends one request and waits for its response or the timeout.
// A structured error from the worker is returned as a *protocol.WireError.
// A timed-out call clears its slot but sends no cancellation to the worker;
// the engine operation may run to completion unobserved.
func (p *Proxy) Invoke(ctx context.Context, method string, params []byte, timeout time.Duration) ([]byte, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}

	// Acquire the request slot.
	select {
	case <-p.slot:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrClosed
	}
	defer func() {
		select {
		case p.slot <- struct{}{}:
		default:
		}
	}()

	if !p.probe.Running() {
		return nil, ErrNotRunning
	}

	id := p.nextID.Add(1)
	call := &pendingCall{id: id, ch: make(chan callResult, 1)}

	p.mu.Lock()
	p.pending = call
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		if p.pending == call {
			p.pending = nil
		}
		p.mu.Unlock()
	}()

	line, err := protocol.EncodeLine(&protocol.Request{
		ID:     id,
		Method: method,
		Params: params,
	})
	if err != nil {
		return nil, err
	}

	if _, err := p.stdin.Write(line); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%s after %s: %w", method, timeout, ErrTimeout)
	case <-p.done:
		return nil, ErrClosed
	case res := <-call.ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.resp.Error != nil {
			return nil, res.resp.Error
		}
		return res.resp.Result, nil
	}
}

// Ping sends a ping and reports whether a timely response arrived.
// It never returns an error; a dead worker simply yields false.
func (p *Proxy) Ping(ctx context.Context, timeout time.Duration) bool {
	_, err := p.Invoke(ctx, protocol.MethodPing, nil, timeout)
	return err == nil
}

// Shutdown closes the worker's input stream, which is the cooperative
// shutdown trigger, then waits up to timeout for the process to exit.
func (p *Proxy) Shutdown(ctx context.Context, timeout time.Duration) bool {
	p.closeInput()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.probe.Done():
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Close disposes the proxy: outstanding waits fail with ErrClosed and the
// worker's input stream is closed. Close is idempotent.
func (p *Proxy) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.done)
		p.failPending(ErrClosed)
		p.closeInput()
	})
	return nil
}

// IsClosed reports whether the proxy has been closed.
func (p *Proxy) IsClosed() bool {
	return p.closed.Load()
}

func (p *Proxy) closeInput() {
	p.stdinOnce.Do(func() {
		if p.stdin != nil {
			_ = p.stdin.Close()
		}
	})
}

// readLoop is the sole reader of the worker's output stream. It resolves the
// pending call for each well-formed line and stops on EOF or a parse failure.
func (p *Proxy) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		resp, err := protocol.DecodeResponse(line)
		if err != nil {
			p.log.Error("malformed response from worker", "error", err)
			p.failPending(fmt.Errorf("malformed response: %w", ErrConnectionClosed))
			return
		}

		p.mu.Lock()
		call := p.pending
		if call != nil && call.id == resp.ID {
			p.pending = nil
			p.mu.Unlock()
			call.ch <- callResult{resp: resp}
			continue
		}
		p.mu.Unlock()

		// No matching pending call: a late response after a timeout, or an
		// id the proxy never issued. Discard rather than misattribute.
		p.log.Debug("discarding uncorrelated response", "id", resp.ID)
	}

	if err := scanner.Err(); err != nil && !p.closed.Load() {
		p.log.Warn("worker output stream error", "error", err)
	}
	p.failPending(ErrConnectionClosed)
}

// failPending fails the pending call, if any, with err.
func (p *Proxy) failPending(err error) {
	p.mu.Lock()
	call := p.pending
	p.pending = nil
	p.mu.Unlock()

	if call != nil {
		call.ch <- callResult{err: err}
	}
}
