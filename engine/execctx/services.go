package execctx

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowmesh/diaflow/engine/diagram"
	"github.com/flowmesh/diaflow/engine/envelope"
	"github.com/flowmesh/diaflow/engine/execution"
)

// Well-known service keys. Handlers look collaborators up by key so
// the engine core never depends on concrete LLM, code or file I/O
// implementations.
const (
	ServiceConversationalist = "conversationalist"
	ServiceCodeRunner        = "code_runner"
	ServiceFileSink          = "file_sink"
	ServiceDiagramLoader     = "diagram_loader"
)

// Conversationalist is the LLM port the person_job handler talks to.
type Conversationalist interface {
	Converse(ctx context.Context, prompt string, dialogue *envelope.Dialogue) (string, execution.TokenUsage, error)
}

// CodeRunner is the code execution port behind code_job nodes.
type CodeRunner interface {
	RunCode(ctx context.Context, language, code string, inputs map[string]any) (any, error)
}

// FileSink persists endpoint results when save_to_file is set.
type FileSink interface {
	Save(ctx context.Context, path string, data []byte) error
}

// DiagramLoader fetches named sub-diagrams.
type DiagramLoader interface {
	Load(ctx context.Context, name string) (*diagram.Diagram, error)
}

// ServiceRegistry holds the collaborators handlers may use. It is
// populated at composition time and read-only during execution.
type ServiceRegistry struct {
	mu       sync.RWMutex
	services map[string]any
	sealed   bool
}

// NewServiceRegistry returns an empty registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{services: make(map[string]any)}
}

// Register installs a service under key. Registering after Seal or
// re-registering a key is an error.
func (r *ServiceRegistry) Register(key string, svc any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("service registry is sealed, cannot register %q", key)
	}
	if _, dup := r.services[key]; dup {
		return fmt.Errorf("service %q already registered", key)
	}
	r.services[key] = svc
	return nil
}

// Seal freezes the registry before execution starts.
func (r *ServiceRegistry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Get returns the service registered under key.
func (r *ServiceRegistry) Get(key string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[key]
	return svc, ok
}

// Keys returns the registered service keys.
func (r *ServiceRegistry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.services))
	for k := range r.services {
		out = append(out, k)
	}
	return out
}
