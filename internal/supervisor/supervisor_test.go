package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/pzalutski-pixel/sharplens-mcp-sub000/internal/config"
	"github.com/pzalutski-pixel/sharplens-mcp-sub000/internal/engine"
	"github.com/pzalutski-pixel/sharplens-mcp-sub000/internal/protocol"
	"github.com/pzalutski-pixel/sharplens-mcp-sub000/internal/worker"
)

// TestMain doubles as the worker executable: the supervisor spawns the test
// binary itself, and the sentinel argument switches it into worker mode.
func TestMain(m *testing.M) {
	for _, arg := range os.Args[1:] {
		switch arg {
		case WorkerModeFlag:
			runTestWorker()
			os.Exit(0)
		case "-hang":
			// A worker that ignores cooperative shutdown: it drains its
			// input to EOF and then refuses to exit. Sleep rather than
			// block on a bare select, which would trip the runtime's
			// deadlock detector and terminate the process.
			_, _ = io.Copy(io.Discard, os.Stdin)
			for {
				time.Sleep(time.Hour)
			}
		}
	}
	os.Exit(m.Run())
}

func runTestWorker() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	eng := engine.NewDefault(config.FromEnviron())
	loop := worker.New(eng, os.Stdin, os.Stdout, logger)
	_ = loop.Serve(context.Background())
}

func newTestSupervisor(t *testing.T, args ...string) *Supervisor {
	t.Helper()

	s := New(Config{
		Args:        args,
		Env:         config.DefaultWorkerEnv(),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		PingTimeout: 2 * time.Second,
		StderrSink:  io.Discard,
	})
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnsureWorker_SpawnsOnce(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	const callers = 8
	proxies := make([]any, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			prox, err := s.EnsureWorker(ctx)
			if err != nil {
				t.Errorf("EnsureWorker: %v", err)
				return
			}
			proxies[i] = prox
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if proxies[i] != proxies[0] {
			t.Fatal("concurrent EnsureWorker returned different proxies")
		}
	}
	if _, ok := s.WorkerPID(); !ok {
		t.Error("no worker pid after EnsureWorker")
	}
}

func TestEnsureWorker_RespawnsAfterCrash(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	first, err := s.EnsureWorker(ctx)
	if err != nil {
		t.Fatalf("EnsureWorker: %v", err)
	}
	pid, ok := s.WorkerPID()
	if !ok {
		t.Fatal("no worker pid")
	}

	// Crash the worker out of band.
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		t.Fatalf("kill worker: %v", err)
	}
	waitForExit(t, s)

	second, err := s.EnsureWorker(ctx)
	if err != nil {
		t.Fatalf("EnsureWorker after crash: %v", err)
	}
	if second == first {
		t.Error("expected a fresh proxy after crash")
	}
	newPID, ok := s.WorkerPID()
	if !ok {
		t.Fatal("no worker pid after respawn")
	}
	if newPID == pid {
		t.Errorf("respawn reused pid %d", pid)
	}
	if !second.Ping(ctx, 2*time.Second) {
		t.Error("respawned worker did not answer ping")
	}
}

// waitForExit waits until the supervisor no longer reports a running worker.
func waitForExit(t *testing.T, s *Supervisor) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := s.WorkerPID(); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("worker did not exit")
}

func TestEndToEnd_InvokeTool(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	prox, err := s.EnsureWorker(ctx)
	if err != nil {
		t.Fatalf("EnsureWorker: %v", err)
	}

	params, _ := json.Marshal(protocol.InvokeParams{Tool: "workspace_info"})
	result, err := prox.Invoke(ctx, protocol.MethodInvokeTool, params, 5*time.Second)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if gjson.GetBytes(result, "loaded").Bool() {
		t.Errorf("fresh worker reports a loaded workspace: %s", result)
	}
}

func TestEndToEnd_UnknownTool(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	prox, err := s.EnsureWorker(ctx)
	if err != nil {
		t.Fatalf("EnsureWorker: %v", err)
	}

	params, _ := json.Marshal(protocol.InvokeParams{Tool: "nope"})
	_, err = prox.Invoke(ctx, protocol.MethodInvokeTool, params, 5*time.Second)

	var werr *protocol.WireError
	if !errors.As(err, &werr) {
		t.Fatalf("expected WireError, got %v", err)
	}
	if werr.Message != "Unknown tool: nope" {
		t.Errorf("message = %q", werr.Message)
	}
}

func TestShutdownWorker_Graceful(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	if _, err := s.EnsureWorker(ctx); err != nil {
		t.Fatalf("EnsureWorker: %v", err)
	}

	if !s.ShutdownWorker(ctx, false, 5*time.Second) {
		t.Fatal("graceful shutdown failed")
	}
	if _, ok := s.WorkerPID(); ok {
		t.Error("worker still reported running after shutdown")
	}
}

func TestShutdownWorker_Force(t *testing.T) {
	s := New(Config{
		Args:        []string{"-hang"},
		Env:         config.DefaultWorkerEnv(),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		PingTimeout: 100 * time.Millisecond,
		StderrSink:  io.Discard,
	})
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	if _, err := s.EnsureWorker(ctx); err != nil {
		t.Fatalf("EnsureWorker: %v", err)
	}

	if s.ShutdownWorker(ctx, false, 200*time.Millisecond) {
		t.Fatal("hanging worker reported graceful shutdown")
	}
	if !s.ShutdownWorker(ctx, true, 200*time.Millisecond) {
		t.Fatal("forced shutdown failed")
	}
	if _, ok := s.WorkerPID(); ok {
		t.Error("worker still reported running after forced shutdown")
	}
}

func TestShutdownWorker_NoWorker(t *testing.T) {
	s := newTestSupervisor(t)

	if !s.ShutdownWorker(context.Background(), false, time.Second) {
		t.Error("shutdown with no worker must succeed")
	}
}

func TestRecordInit(t *testing.T) {
	s := newTestSupervisor(t)

	if _, ok := s.LastInit(); ok {
		t.Error("expected no recovery state initially")
	}

	params := json.RawMessage(`{"root":"/src/app"}`)
	s.RecordInit("load_workspace", params)

	rec, ok := s.LastInit()
	if !ok {
		t.Fatal("expected recovery state")
	}
	if rec.Method != "load_workspace" || string(rec.Params) != `{"root":"/src/app"}` {
		t.Errorf("recovery state = %+v", rec)
	}
	if rec.At.IsZero() {
		t.Error("recovery timestamp not set")
	}

	// The stored copy must be isolated from the caller's buffer.
	params[2] = 'X'
	rec, _ = s.LastInit()
	if string(rec.Params) != `{"root":"/src/app"}` {
		t.Error("recovery state aliases the caller's params")
	}
}

func TestClose(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	if _, err := s.EnsureWorker(ctx); err != nil {
		t.Fatalf("EnsureWorker: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := s.EnsureWorker(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("EnsureWorker after Close = %v, want ErrClosed", err)
	}
	if _, err := s.SpawnWorker(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("SpawnWorker after Close = %v, want ErrClosed", err)
	}
}

func TestProcessState_String(t *testing.T) {
	tests := []struct {
		state ProcessState
		want  string
	}{
		{StateNotStarted, "not started"},
		{StateRunning, "running"},
		{StateExited, "exited"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("ProcessState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
