package protocol

import "fmt"

// Protocol error codes. The JSON-RPC reserved values are used for the shapes
// they conventionally name; the -320xx block is specific to this protocol.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeConnectionClosed marks a call failed because the transport to the
	// worker closed before a response arrived.
	CodeConnectionClosed = -32001
)

// WireError is the structured error carried inside a Response.
type WireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *WireError) Error() string {
	return fmt.Sprintf("worker error %d: %s", e.Code, e.Message)
}

// NewWireError builds a WireError with a formatted message.
func NewWireError(code int, format string, args ...any) *WireError {
	return &WireError{Code: code, Message: fmt.Sprintf(format, args...)}
}
