// Package mcpserver exposes the analysis worker's operations as MCP tools.
//
// This layer is deliberately thin: each tool handler obtains a live proxy
// from the supervisor and forwards the call over the worker protocol. The
// one piece of host-side intelligence is initialization replay: when the
// handler notices the worker was respawned since the last call, it replays
// the recorded workspace initialization before forwarding.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/pzalutski-pixel/sharplens-mcp-sub000/internal/config"
	"github.com/pzalutski-pixel/sharplens-mcp-sub000/internal/protocol"
	"github.com/pzalutski-pixel/sharplens-mcp-sub000/internal/proxy"
	"github.com/pzalutski-pixel/sharplens-mcp-sub000/internal/supervisor"
)

// initTool is the engine operation whose successful call is recorded as the
// worker's recovery state.
const initTool = "load_workspace"

// Server is the MCP host surface backed by a supervised worker.
type Server struct {
	sup     *supervisor.Supervisor
	log     *slog.Logger
	timeout time.Duration
	srv     *mcp.Server

	mu   sync.Mutex
	last *proxy.Proxy
}

// New builds the MCP server and registers its tool catalog.
func New(sup *supervisor.Supervisor, env config.WorkerEnv, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		sup:     sup,
		log:     logger,
		timeout: env.OpTimeout,
		srv: mcp.NewServer(&mcp.Implementation{
			Name:    "sharplens",
			Version: version,
		}, nil),
	}
	s.registerTools()
	return s
}

// Run serves MCP over stdio until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.srv.Run(ctx, &mcp.StdioTransport{})
}

func (s *Server) registerTools() {
	s.srv.AddTool(&mcp.Tool{
		Name:        "load_workspace",
		Description: "Load a workspace into the analysis engine. Must be called before other analysis tools.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"root": {Type: "string", Description: "Workspace root directory"},
			},
			Required: []string{"root"},
		},
	}, s.engineTool("load_workspace"))

	s.srv.AddTool(&mcp.Tool{
		Name:        "workspace_info",
		Description: "Report the currently loaded workspace.",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}, s.engineTool("workspace_info"))

	s.srv.AddTool(&mcp.Tool{
		Name:        "list_files",
		Description: "List workspace source files, optionally filtered by a base-name glob.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"glob": {Type: "string", Description: "Glob matched against file base names"},
			},
		},
	}, s.engineTool("list_files"))

	s.srv.AddTool(&mcp.Tool{
		Name:        "find_symbol",
		Description: "Find occurrences of a symbol name across the workspace.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"name": {Type: "string", Description: "Symbol name to search for"},
			},
			Required: []string{"name"},
		},
	}, s.engineTool("find_symbol"))

	s.srv.AddTool(&mcp.Tool{
		Name:        "restart_worker",
		Description: "Force-replace the analysis worker process. The loaded workspace is restored afterwards.",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}, s.handleRestart)
}

// engineTool builds a handler forwarding the named engine operation.
func (s *Server) engineTool(tool string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := rawArguments(req.Params.Arguments)

		result, err := s.callWorker(ctx, tool, args)
		if err != nil {
			return errorResult(err), nil
		}

		if tool == initTool {
			s.sup.RecordInit(tool, args)
		}
		return textResult(string(result)), nil
	}
}

// handleRestart spawns a fresh worker and replays initialization.
func (s *Server) handleRestart(ctx context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prox, err := s.sup.SpawnWorker(ctx)
	if err != nil {
		return errorResult(fmt.Errorf("restart worker: %w", err)), nil
	}

	s.mu.Lock()
	s.last = prox
	s.mu.Unlock()

	if rec, ok := s.sup.LastInit(); ok {
		if err := s.invoke(ctx, prox, rec.Method, rec.Params); err != nil {
			return errorResult(fmt.Errorf("restore workspace: %w", err)), nil
		}
	}
	return textResult(`{"restarted":true}`), nil
}

// callWorker forwards one engine operation, respawning and replaying
// initialization transparently when the worker has been replaced.
func (s *Server) callWorker(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
	prox, err := s.sup.EnsureWorker(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	respawned := prox != s.last
	s.last = prox
	s.mu.Unlock()

	if respawned && tool != initTool {
		if rec, ok := s.sup.LastInit(); ok {
			if err := s.invoke(ctx, prox, rec.Method, rec.Params); err != nil {
				s.log.Warn("initialization replay failed", "tool", rec.Method, "error", err)
			}
		}
	}

	params, err := json.Marshal(protocol.InvokeParams{Tool: tool, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return prox.Invoke(ctx, protocol.MethodInvokeTool, params, s.timeout)
}

// invoke runs one engine operation on prox without replay logic.
func (s *Server) invoke(ctx context.Context, prox *proxy.Proxy, tool string, args json.RawMessage) error {
	params, err := json.Marshal(protocol.InvokeParams{Tool: tool, Arguments: args})
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	_, err = prox.Invoke(ctx, protocol.MethodInvokeTool, params, s.timeout)
	return err
}

// rawArguments normalizes tool arguments to raw JSON. The SDK delivers
// json.RawMessage for raw tool handlers; anything else is re-marshaled.
func rawArguments(arguments any) json.RawMessage {
	switch v := arguments.(type) {
	case json.RawMessage:
		return v
	case nil:
		return nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return data
	}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func errorResult(err error) *mcp.CallToolResult {
	var wireErr *protocol.WireError
	msg := err.Error()
	if errors.As(err, &wireErr) {
		msg = wireErr.Message
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
		IsError: true,
	}
}
