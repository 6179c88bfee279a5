// Package worker implements the worker side of the SharpLens protocol.
//
// The loop reads one request per line from its input, dispatches to the
// analysis engine, and writes one response per line to its output. Requests
// are handled strictly sequentially; parallelism across analysis operations
// comes from running multiple worker processes, not from this loop.
package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pzalutski-pixel/sharplens-mcp-sub000/internal/engine"
	"github.com/pzalutski-pixel/sharplens-mcp-sub000/internal/protocol"
)

// State represents the loop's lifecycle state.
type State int32

const (
	// StateStarting means the loop has been created but is not yet serving.
	StateStarting State = iota
	// StateServing means the loop is reading and dispatching requests.
	StateServing
	// StateDraining means the loop has stopped reading and is flushing.
	StateDraining
	// StateStopped is terminal.
	StateStopped
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateServing:
		return "serving"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// defaultShutdownGrace is how long the loop waits after acknowledging a
// shutdown request before cancelling its input read, so the acknowledgement
// flushes first.
const defaultShutdownGrace = 100 * time.Millisecond

// Loop serves the worker protocol over a pair of byte streams. It owns the
// engine instance for the lifetime of the process.
type Loop struct {
	eng engine.Engine
	in  io.Reader
	out *bufio.Writer
	log *slog.Logger

	grace     time.Duration
	opTimeout time.Duration

	state atomic.Int32
}

// Option configures a Loop.
type Option func(*Loop)

// WithShutdownGrace overrides the delay between the shutdown acknowledgement
// and read cancellation.
func WithShutdownGrace(d time.Duration) Option {
	return func(l *Loop) { l.grace = d }
}

// WithOperationTimeout bounds each engine invocation. Zero means unbounded.
func WithOperationTimeout(d time.Duration) Option {
	return func(l *Loop) { l.opTimeout = d }
}

// New creates a worker loop over the given streams.
func New(eng engine.Engine, in io.Reader, out io.Writer, logger *slog.Logger, opts ...Option) *Loop {
	if logger == nil {
		logger = slog.Default()
	}

	l := &Loop{
		eng:   eng,
		in:    in,
		out:   bufio.NewWriter(out),
		log:   logger,
		grace: defaultShutdownGrace,
	}
	l.state.Store(int32(StateStarting))

	for _, opt := range opts {
		opt(l)
	}
	return l
}

// State returns the loop's current state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Serve runs the read loop until EOF on the input stream or cooperative
// cancellation. A malformed request never terminates the loop; it yields a
// parse-error response. Serve returns nil on a clean drain.
func (l *Loop) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.state.Store(int32(StateServing))
	l.log.Debug("worker serving")

	lines := make(chan []byte)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(l.in)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			l.log.Warn("input stream error", "error", err)
		}
	}()

serving:
	for {
		select {
		case <-ctx.Done():
			break serving
		case line, ok := <-lines:
			if !ok {
				break serving // EOF
			}
			l.handleLine(ctx, cancel, line)
		}
	}

	l.state.Store(int32(StateDraining))
	l.log.Debug("worker draining")
	if err := l.out.Flush(); err != nil {
		l.log.Warn("flush on drain", "error", err)
	}

	l.state.Store(int32(StateStopped))
	l.log.Debug("worker stopped")
	return nil
}

// handleLine dispatches a single request line.
func (l *Loop) handleLine(ctx context.Context, cancel context.CancelFunc, line []byte) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}

	req, err := protocol.DecodeRequest(line)
	if err != nil {
		l.respond(&protocol.Response{
			Error: protocol.NewWireError(protocol.CodeParseError, "malformed request: %v", err),
		})
		return
	}

	switch req.Method {
	case protocol.MethodPing:
		l.respondResult(req.ID, protocol.PingResult{
			Pong: true,
			TS:   time.Now().Format(time.RFC3339Nano),
		})

	case protocol.MethodShutdown:
		l.respondResult(req.ID, protocol.ShutdownResult{OK: true})
		// Delay cancellation so the acknowledgement is flushed before the
		// input read is torn down.
		time.AfterFunc(l.grace, cancel)

	case protocol.MethodInvokeTool:
		l.invokeTool(ctx, req)

	default:
		l.respond(&protocol.Response{
			ID:    req.ID,
			Error: protocol.NewWireError(protocol.CodeMethodNotFound, "unknown method: %s", req.Method),
		})
	}
}

// invokeTool runs one engine operation and wraps its outcome in a response.
// An engine error never escapes as a crash; it becomes a protocol error.
func (l *Loop) invokeTool(ctx context.Context, req *protocol.Request) {
	var params protocol.InvokeParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Tool == "" {
		l.respond(&protocol.Response{
			ID:    req.ID,
			Error: protocol.NewWireError(protocol.CodeInvalidParams, "invoke_tool requires a tool name"),
		})
		return
	}

	if l.opTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := l.eng.Invoke(ctx, params.Tool, params.Arguments)
	elapsed := time.Since(start)

	if err != nil {
		l.log.Info("tool failed", "tool", params.Tool, "elapsed", elapsed, "error", err)
		l.respond(&protocol.Response{
			ID:    req.ID,
			Error: protocol.NewWireError(protocol.CodeInternalError, "%s", err.Error()),
		})
		return
	}

	l.log.Info("tool invoked", "tool", params.Tool, "elapsed", elapsed)
	l.respond(&protocol.Response{ID: req.ID, Result: result})
}

// respondResult marshals a result payload into a response.
func (l *Loop) respondResult(id int64, result any) {
	data, err := json.Marshal(result)
	if err != nil {
		l.respond(&protocol.Response{
			ID:    id,
			Error: protocol.NewWireError(protocol.CodeInternalError, "marshal result: %v", err),
		})
		return
	}
	l.respond(&protocol.Response{ID: id, Result: data})
}

// respond writes one response line and flushes.
func (l *Loop) respond(resp *protocol.Response) {
	line, err := protocol.EncodeLine(resp)
	if err != nil {
		// A result payload that cannot re-marshal (invalid raw JSON from an
		// engine op). Fall back to an error response.
		line, _ = protocol.EncodeLine(&protocol.Response{
			ID:    resp.ID,
			Error: protocol.NewWireError(protocol.CodeInternalError, "encode response: %v", err),
		})
	}
	if _, err := l.out.Write(line); err != nil {
		l.log.Warn("write response", "error", err)
		return
	}
	if err := l.out.Flush(); err != nil {
		l.log.Warn("flush response", "error", err)
	}
}
