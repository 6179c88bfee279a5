package proxy

import "errors"

// Standard errors returned by the proxy.
var (
	// ErrNotRunning indicates the worker process has already exited.
	ErrNotRunning = errors.New("worker not running")

	// ErrTimeout indicates a call exceeded its deadline.
	ErrTimeout = errors.New("request timed out")

	// ErrClosed indicates the proxy has been closed.
	ErrClosed = errors.New("proxy closed")

	// ErrConnectionClosed indicates the worker's output stream closed or
	// produced an unparseable line while a call was in flight.
	ErrConnectionClosed = errors.New("connection to worker closed")
)
