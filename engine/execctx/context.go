// Package execctx is the facade handlers see during execution: read
// access to the diagram, tracker history and variables, the service
// registry, input resolution and the narrow write surface for the
// node currently executing.
package execctx

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/flowmesh/diaflow/engine/diagram"
	"github.com/flowmesh/diaflow/engine/envelope"
	"github.com/flowmesh/diaflow/engine/execution"
	"github.com/flowmesh/diaflow/engine/readiness"
	"github.com/flowmesh/diaflow/engine/resolver"
	"github.com/flowmesh/diaflow/engine/tracker"
)

// Transitioner is the write surface the context exposes to handlers,
// restricted to the current node. Implemented by the transition
// controller.
type Transitioner interface {
	ToCompleted(ctx context.Context, node *diagram.Node, out *envelope.Envelope, usage execution.TokenUsage) error
	ToMaxIter(ctx context.Context, node *diagram.Node) error
	Rearm(ctx context.Context, node diagram.NodeID)
}

// SubRunner starts child executions for sub-diagram nodes. Implemented
// by the scheduler.
type SubRunner interface {
	RunChild(ctx context.Context, d *diagram.Diagram, variables map[string]any) (*execution.State, error)
}

// variables is shared across per-dispatch context copies so updates
// from one handler are visible to later readers.
type variables struct {
	mu   sync.RWMutex
	vals map[string]any
}

// Context is one execution's handler-facing facade. Copies made with
// ForNode share all underlying state.
type Context struct {
	ExecutionID execution.ID
	Diagram     *diagram.Diagram
	CurrentNode diagram.NodeID

	tr       *tracker.Tracker
	services *ServiceRegistry
	res      *resolver.Resolver
	check    *readiness.Checker
	flow     Transitioner
	runner   SubRunner
	vars     *variables
}

// New assembles the facade for one execution.
func New(execID execution.ID, d *diagram.Diagram, tr *tracker.Tracker, services *ServiceRegistry, res *resolver.Resolver, check *readiness.Checker, flow Transitioner, runner SubRunner, vars map[string]any) *Context {
	vals := make(map[string]any, len(vars))
	for k, v := range vars {
		vals[k] = v
	}
	if services == nil {
		services = NewServiceRegistry()
	}
	return &Context{
		ExecutionID: execID,
		Diagram:     d,
		tr:          tr,
		services:    services,
		res:         res,
		check:       check,
		flow:        flow,
		runner:      runner,
		vars:        &variables{vals: vals},
	}
}

// DiagramID returns the executing diagram's id.
func (c *Context) DiagramID() diagram.DiagramID { return c.Diagram.ID }

// ForNode returns a copy of the context scoped to one dispatch.
func (c *Context) ForNode(node diagram.NodeID) *Context {
	cp := *c
	cp.CurrentNode = node
	return &cp
}

// NodeState returns a copy of a node's state.
func (c *Context) NodeState(id diagram.NodeID) execution.NodeState {
	return c.tr.NodeState(id)
}

// NodeOutput returns a node's last output envelope, nil when absent.
func (c *Context) NodeOutput(id diagram.NodeID) *envelope.Envelope {
	return c.tr.LastOutput(id)
}

// ExecCount returns how many times a node has started.
func (c *Context) ExecCount(id diagram.NodeID) int {
	return c.tr.ExecCount(id)
}

// Variables returns a snapshot of the execution variables.
func (c *Context) Variables() map[string]any {
	c.vars.mu.RLock()
	defer c.vars.mu.RUnlock()
	out := make(map[string]any, len(c.vars.vals))
	for k, v := range c.vars.vals {
		out[k] = v
	}
	return out
}

// UpdateVariables merges key/value pairs into the execution scope.
func (c *Context) UpdateVariables(vars map[string]any) {
	c.vars.mu.Lock()
	defer c.vars.mu.Unlock()
	for k, v := range vars {
		c.vars.vals[k] = v
	}
}

// Service looks up a registered collaborator by key.
func (c *Context) Service(key string) (any, bool) {
	return c.services.Get(key)
}

// Conversationalist returns the LLM port when registered.
func (c *Context) Conversationalist() (Conversationalist, bool) {
	svc, ok := c.services.Get(ServiceConversationalist)
	if !ok {
		return nil, false
	}
	port, ok := svc.(Conversationalist)
	return port, ok
}

// CodeRunner returns the code execution port when registered.
func (c *Context) CodeRunner() (CodeRunner, bool) {
	svc, ok := c.services.Get(ServiceCodeRunner)
	if !ok {
		return nil, false
	}
	port, ok := svc.(CodeRunner)
	return port, ok
}

// FileSink returns the file persistence port when registered.
func (c *Context) FileSink() (FileSink, bool) {
	svc, ok := c.services.Get(ServiceFileSink)
	if !ok {
		return nil, false
	}
	port, ok := svc.(FileSink)
	return port, ok
}

// DiagramLoader returns the sub-diagram loader port when registered.
func (c *Context) DiagramLoader() (DiagramLoader, bool) {
	svc, ok := c.services.Get(ServiceDiagramLoader)
	if !ok {
		return nil, false
	}
	port, ok := svc.(DiagramLoader)
	return port, ok
}

// CompletedNodes returns the nodes whose current status is COMPLETED.
func (c *Context) CompletedNodes() []diagram.NodeID {
	var out []diagram.NodeID
	for _, id := range c.Diagram.NodeOrder() {
		if c.tr.Status(id) == execution.NodeCompleted {
			out = append(out, id)
		}
	}
	return out
}

// HasRunningNodes reports whether any node is mid-execution.
func (c *Context) HasRunningNodes() bool {
	for _, id := range c.Diagram.NodeOrder() {
		if c.tr.Status(id) == execution.NodeRunning {
			return true
		}
	}
	return false
}

// ReadyNodes returns the currently dispatchable nodes.
func (c *Context) ReadyNodes() []diagram.NodeID {
	return c.check.ReadyNodes(c.Diagram, c.tr, c.Variables())
}

// IsComplete reports whether nothing is ready and nothing is running.
func (c *Context) IsComplete() bool {
	return len(c.ReadyNodes()) == 0 && !c.HasRunningNodes()
}

// ResolveInputs materializes the input envelopes for a node.
func (c *Context) ResolveInputs(node *diagram.Node) (map[string]*envelope.Envelope, error) {
	return c.res.Resolve(c.Diagram, c.tr, node)
}

// TransitionToCompleted completes the current node with output.
// Restricted to the node this context was scoped to.
func (c *Context) TransitionToCompleted(ctx context.Context, out *envelope.Envelope, usage execution.TokenUsage) error {
	node, err := c.currentNode()
	if err != nil {
		return err
	}
	return c.flow.ToCompleted(ctx, node, out, usage)
}

// TransitionToMaxIter marks the current node's loop budget exhausted.
func (c *Context) TransitionToMaxIter(ctx context.Context) error {
	node, err := c.currentNode()
	if err != nil {
		return err
	}
	return c.flow.ToMaxIter(ctx, node)
}

// ResetNode rewinds a node for re-execution. Meant for orchestrator
// handlers such as sub_diagram batch drivers.
func (c *Context) ResetNode(ctx context.Context, id diagram.NodeID) {
	c.flow.Rearm(ctx, id)
}

func (c *Context) currentNode() (*diagram.Node, error) {
	if c.CurrentNode == "" {
		return nil, fmt.Errorf("context is not scoped to a node")
	}
	node, ok := c.Diagram.Node(c.CurrentNode)
	if !ok {
		return nil, fmt.Errorf("current node %q not in diagram", c.CurrentNode)
	}
	return node, nil
}

// SubContainer is an isolated child execution: its own diagram and
// variable scope, services inherited from the parent.
type SubContainer struct {
	Diagram   *diagram.Diagram
	Variables map[string]any

	parent *Context
}

// CreateSubContainer prepares a child execution of d. Overrides are
// merged into the parent variables RFC 7386 style: child keys win,
// null removes. Returns nil when no sub-runner is wired, in which
// case callers degrade or fail.
func (c *Context) CreateSubContainer(d *diagram.Diagram, overrides map[string]any) (*SubContainer, error) {
	if c.runner == nil {
		return nil, nil
	}

	base := c.Variables()
	for k, v := range d.Variables {
		if _, exists := base[k]; !exists {
			base[k] = v
		}
	}

	merged := base
	if len(overrides) > 0 {
		baseJSON, err := json.Marshal(base)
		if err != nil {
			return nil, fmt.Errorf("marshal parent variables: %w", err)
		}
		patchJSON, err := json.Marshal(overrides)
		if err != nil {
			return nil, fmt.Errorf("marshal variable overrides: %w", err)
		}
		mergedJSON, err := jsonpatch.MergePatch(baseJSON, patchJSON)
		if err != nil {
			return nil, fmt.Errorf("merge variable overrides: %w", err)
		}
		merged = make(map[string]any)
		if err := json.Unmarshal(mergedJSON, &merged); err != nil {
			return nil, fmt.Errorf("decode merged variables: %w", err)
		}
	}

	return &SubContainer{
		Diagram:   d,
		Variables: merged,
		parent:    c,
	}, nil
}

// Run executes the child diagram to completion and returns its final
// state.
func (s *SubContainer) Run(ctx context.Context) (*execution.State, error) {
	return s.parent.runner.RunChild(ctx, s.Diagram, s.Variables)
}
