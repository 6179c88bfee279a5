// Package protocol defines the wire protocol between the SharpLens host and
// its analysis worker process.
//
// The protocol is newline-delimited UTF-8 JSON: one Request or Response
// object per line, no batching, no embedded newlines. A Request names a
// method and carries a params object; a Response carries either a result or
// a structured error. The id field correlates a Response with its Request.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Methods understood by the worker loop.
const (
	// MethodInvokeTool invokes a named operation on the analysis engine.
	MethodInvokeTool = "invoke_tool"

	// MethodPing requests a liveness acknowledgement.
	MethodPing = "ping"

	// MethodShutdown requests a cooperative shutdown of the worker.
	MethodShutdown = "shutdown"
)

// Request is one request envelope.
type Request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one response envelope. Exactly one of Result and Error is set.
type Response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

// InvokeParams is the params object for an invoke_tool request.
type InvokeParams struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// PingResult is the result payload for a ping request.
type PingResult struct {
	Pong bool   `json:"pong"`
	TS   string `json:"ts"`
}

// ShutdownResult acknowledges a shutdown request.
type ShutdownResult struct {
	OK bool `json:"ok"`
}

// EncodeLine marshals v and appends the line terminator. The encoded form is
// guaranteed to contain no interior newline: encoding/json never emits raw
// control characters inside a marshaled object.
func EncodeLine(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	if bytes.ContainsRune(data, '\n') {
		return nil, fmt.Errorf("envelope contains embedded newline")
	}
	return append(data, '\n'), nil
}

// DecodeRequest parses one request line.
func DecodeRequest(line []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, fmt.Errorf("parse request: %w", err)
	}
	if req.Method == "" {
		return nil, fmt.Errorf("request missing method")
	}
	return &req, nil
}

// DecodeResponse parses one response line.
func DecodeResponse(line []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &resp, nil
}
