package execution

import (
	"errors"
	"fmt"
	"time"

	"github.com/flowmesh/diaflow/engine/diagram"
)

// ErrNotFound is returned by state stores when an execution does not exist.
var ErrNotFound = errors.New("execution not found")

// ValidationError reports a diagram or request that cannot be executed.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// SetupError reports a failure while assembling the runtime for an
// execution, before any node ran.
type SetupError struct {
	Stage string
	Err   error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("setup %s: %v", e.Stage, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// HandlerError wraps a failure raised by a node handler.
type HandlerError struct {
	Node      diagram.NodeID
	Err       error
	Retryable bool
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("node %s: %v", e.Node, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// TimeoutError reports a node that exceeded its configured deadline.
type TimeoutError struct {
	Node  diagram.NodeID
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("node %s timed out after %s", e.Node, e.Limit)
}

// InputResolutionError reports a failure while materializing a node's
// inputs from upstream outputs.
type InputResolutionError struct {
	Node diagram.NodeID
	Err  error
}

func (e *InputResolutionError) Error() string {
	return fmt.Sprintf("resolve inputs for %s: %v", e.Node, e.Err)
}

func (e *InputResolutionError) Unwrap() error { return e.Err }

// InvalidTransitionError reports a status change the transition table
// does not permit. It always aborts the whole execution.
type InvalidTransitionError struct {
	Node diagram.NodeID
	From NodeStatus
	To   NodeStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("node %s: illegal transition %s -> %s", e.Node, e.From, e.To)
}

// PersistenceError wraps a state store failure. The engine retries
// these and then degrades to memory only operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// CancellationError reports an execution stopped by external request.
type CancellationError struct {
	ExecutionID ID
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("execution %s cancelled", e.ExecutionID)
}

// HandlerMissingError reports a node kind with no registered handler.
type HandlerMissingError struct {
	Kind diagram.Kind
}

func (e *HandlerMissingError) Error() string {
	return fmt.Sprintf("no handler registered for node type %q", e.Kind)
}

// ErrorType classifies an error for event payloads and envelope
// metadata. Unrecognized errors fall back to HandlerError.
func ErrorType(err error) string {
	if err == nil {
		return ""
	}
	var (
		validation *ValidationError
		setup      *SetupError
		timeout    *TimeoutError
		input      *InputResolutionError
		transition *InvalidTransitionError
		persist    *PersistenceError
		cancel     *CancellationError
		missing    *HandlerMissingError
	)
	switch {
	case errors.As(err, &validation):
		return "ValidationError"
	case errors.As(err, &setup):
		return "SetupError"
	case errors.As(err, &timeout):
		return "TimeoutError"
	case errors.As(err, &input):
		return "InputResolutionError"
	case errors.As(err, &transition):
		return "InvalidTransitionError"
	case errors.As(err, &persist):
		return "PersistenceError"
	case errors.As(err, &cancel):
		return "CancellationError"
	case errors.As(err, &missing):
		return "HandlerMissingError"
	}
	return "HandlerError"
}
