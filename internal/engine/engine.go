// Package engine defines the analysis engine seam.
//
// The worker loop treats the engine as opaque: a set of named operations that
// take a JSON parameter bag and return a JSON result or an error. The real
// analysis machinery lives behind this interface; the Registry implementation
// here carries the thin built-in operations the shipped binary exposes and is
// the extension point for everything else.
package engine

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// Engine exposes named operations to the worker loop.
type Engine interface {
	// Invoke runs the named operation with the given parameter bag.
	Invoke(ctx context.Context, name string, params json.RawMessage) (json.RawMessage, error)

	// Operations returns the names of all registered operations, sorted.
	Operations() []string
}

// OperationFunc is a single engine operation.
type OperationFunc func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)

// UnknownOperationError reports an invoke of an unregistered operation.
type UnknownOperationError struct {
	Name string
}

// Error implements the error interface.
func (e *UnknownOperationError) Error() string {
	return "Unknown tool: " + e.Name
}

// Registry is an Engine backed by a map of named operations.
// It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]OperationFunc
}

// NewRegistry creates an empty operation registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]OperationFunc)}
}

// Register adds or replaces a named operation.
func (r *Registry) Register(name string, fn OperationFunc) {
	r.mu.Lock()
	r.ops[name] = fn
	r.mu.Unlock()
}

// Invoke implements Engine.
func (r *Registry) Invoke(ctx context.Context, name string, params json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	fn, ok := r.ops[name]
	r.mu.RUnlock()

	if !ok {
		return nil, &UnknownOperationError{Name: name}
	}
	return fn(ctx, params)
}

// Operations implements Engine.
func (r *Registry) Operations() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}
