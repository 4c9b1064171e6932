// Package handler defines the contract node implementations satisfy,
// the registry that maps node kinds to handlers and the pipeline that
// drives one dispatch through its phases.
package handler

import (
	"context"
	"time"

	"github.com/flowmesh/diaflow/engine/diagram"
	"github.com/flowmesh/diaflow/engine/envelope"
	"github.com/flowmesh/diaflow/engine/execctx"
	"github.com/flowmesh/diaflow/engine/execution"
)

// Request carries everything one dispatch needs: the scoped execution
// context, the node and its resolved inputs.
type Request struct {
	Ctx       *execctx.Context
	Node      *diagram.Node
	Inputs    map[string]*envelope.Envelope
	Iteration int
	Timeout   time.Duration

	// Usage is filled by handlers that consume model tokens; the
	// scheduler folds it into the execution total on completion.
	Usage execution.TokenUsage
}

// Input returns the envelope on a port.
func (r *Request) Input(port string) (*envelope.Envelope, bool) {
	env, ok := r.Inputs[port]
	return env, ok
}

// DefaultInput returns the envelope on the default port, falling back
// to the first port for person_job first-iteration wiring.
func (r *Request) DefaultInput() (*envelope.Envelope, bool) {
	if env, ok := r.Inputs[diagram.PortDefault]; ok {
		return env, true
	}
	if env, ok := r.Inputs[diagram.PortFirst]; ok {
		return env, true
	}
	return nil, false
}

// InputValues projects all inputs into plain Go values keyed by port.
func (r *Request) InputValues() map[string]any {
	out := make(map[string]any, len(r.Inputs))
	for port, env := range r.Inputs {
		out[port] = env.Body()
	}
	return out
}

// Handler is the closed contract every node kind implements. The
// pipeline calls the phases in order: Validate, PreExecute, Prepare,
// Run, SerializeOutput, PostExecute; OnError maps failures.
type Handler interface {
	// Kind returns the node type tag this handler serves.
	Kind() diagram.Kind

	// Validate checks static node configuration.
	Validate(req *Request) error

	// PreExecute performs runtime setup. A non-nil envelope
	// short-circuits the dispatch with that result.
	PreExecute(ctx context.Context, req *Request) (*envelope.Envelope, error)

	// Prepare projects inputs into handler-native form.
	Prepare(ctx context.Context, req *Request) error

	// Run is the core logic. It may block on I/O and must honor ctx.
	Run(ctx context.Context, req *Request) (any, error)

	// SerializeOutput wraps Run's result into an envelope.
	SerializeOutput(result any, req *Request) *envelope.Envelope

	// PostExecute may transform the outgoing envelope.
	PostExecute(ctx context.Context, req *Request, out *envelope.Envelope) (*envelope.Envelope, error)

	// OnError maps a failure to a custom error envelope. Returning
	// false falls back to the default mapping. The node fails either
	// way.
	OnError(ctx context.Context, req *Request, cause error) (*envelope.Envelope, bool)
}

// Base supplies the neutral phase implementations. Concrete handlers
// embed it and override what they need; Kind and Run stay theirs.
type Base struct{}

func (Base) Validate(*Request) error { return nil }

func (Base) PreExecute(context.Context, *Request) (*envelope.Envelope, error) {
	return nil, nil
}

func (Base) Prepare(context.Context, *Request) error { return nil }

// SerializeOutput applies the default wrapping rules: envelopes pass
// through, strings become text, maps and slices objects, errors error
// envelopes.
func (Base) SerializeOutput(result any, req *Request) *envelope.Envelope {
	return envelope.Pack(string(req.Node.ID), result).WithTrace(string(req.Ctx.ExecutionID))
}

func (Base) PostExecute(_ context.Context, _ *Request, out *envelope.Envelope) (*envelope.Envelope, error) {
	return out, nil
}

func (Base) OnError(context.Context, *Request, error) (*envelope.Envelope, bool) {
	return nil, false
}
