package handler

import (
	"fmt"
	"sort"
	"sync"

	"github.com/flowmesh/diaflow/engine/diagram"
	"github.com/flowmesh/diaflow/engine/execution"
)

// Registry maps node kinds to their handlers. Populated at startup,
// read-only during execution.
type Registry struct {
	mu       sync.RWMutex
	handlers map[diagram.Kind]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[diagram.Kind]Handler)}
}

// Register installs a handler for its kind. Duplicate kinds are
// rejected.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kind := h.Kind()
	if kind == "" {
		return fmt.Errorf("handler registers empty kind")
	}
	if _, dup := r.handlers[kind]; dup {
		return fmt.Errorf("handler for kind %q already registered", kind)
	}
	r.handlers[kind] = h
	return nil
}

// MustRegister is Register panicking on error, for composition-time
// wiring.
func (r *Registry) MustRegister(h Handler) {
	if err := r.Register(h); err != nil {
		panic(err)
	}
}

// Resolve returns the handler for kind, or HandlerMissingError.
func (r *Registry) Resolve(kind diagram.Kind) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	if !ok {
		return nil, &execution.HandlerMissingError{Kind: kind}
	}
	return h, nil
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []diagram.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]diagram.Kind, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
