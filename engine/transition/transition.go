// Package transition applies node state changes atomically for one
// execution: the to_* primitives, event emission, persistence
// write-through and the downstream reset cascade that re-arms loops.
package transition

import (
	"context"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/flowmesh/diaflow/common/logger"
	"github.com/flowmesh/diaflow/engine/diagram"
	"github.com/flowmesh/diaflow/engine/envelope"
	"github.com/flowmesh/diaflow/engine/eventbus"
	"github.com/flowmesh/diaflow/engine/execution"
	"github.com/flowmesh/diaflow/engine/tracker"
)

// previewLimit bounds output previews carried in events. Full outputs
// live in the state store.
const previewLimit = 256

// Persister is the slice of the state store the controller writes
// through to on terminal node transitions.
type Persister interface {
	UpdateNodeStatus(ctx context.Context, id execution.ID, node diagram.NodeID, status execution.NodeStatus, errMsg string) error
	UpdateNodeOutput(ctx context.Context, id execution.ID, node diagram.NodeID, out *envelope.Envelope) error
	AddTokenUsage(ctx context.Context, id execution.ID, usage execution.TokenUsage) error
	AppendExecuted(ctx context.Context, id execution.ID, node diagram.NodeID) error
}

// Controller serializes all state transitions of one execution. Handler
// bodies run outside its mutex; only the transition primitives and the
// cascade hold it.
type Controller struct {
	mu sync.Mutex

	execID execution.ID
	d      *diagram.Diagram
	tr     *tracker.Tracker
	store  Persister
	bus    *eventbus.Bus
	log    *logger.Logger
}

// New builds a controller for one execution.
func New(execID execution.ID, d *diagram.Diagram, tr *tracker.Tracker, store Persister, bus *eventbus.Bus, log *logger.Logger) *Controller {
	return &Controller{
		execID: execID,
		d:      d,
		tr:     tr,
		store:  store,
		bus:    bus,
		log:    log,
	}
}

// Tracker exposes the execution's tracker for readiness evaluation and
// input resolution.
func (c *Controller) Tracker() *tracker.Tracker { return c.tr }

// ToRunning opens an invocation and returns its 1-based iteration.
func (c *Controller) ToRunning(ctx context.Context, node *diagram.Node) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st := c.tr.Status(node.ID); st != execution.NodePending {
		return 0, &execution.InvalidTransitionError{Node: node.ID, From: st, To: execution.NodeRunning}
	}
	iteration, err := c.tr.Begin(node.ID)
	if err != nil {
		return 0, err
	}
	c.tr.SetCurrent(node.ID)

	c.persistStatus(ctx, node.ID, execution.NodeRunning, "")
	c.bus.Publish(eventbus.Event{
		Type:        eventbus.NodeStarted,
		ExecutionID: c.execID,
		NodeID:      node.ID,
		Data: map[string]any{
			"node_type": string(node.Kind),
			"iteration": iteration,
		},
	})
	return iteration, nil
}

// ToCompleted closes the invocation successfully, stores the output
// and runs the downstream reset cascade for loop re-entry.
func (c *Controller) ToCompleted(ctx context.Context, node *diagram.Node, out *envelope.Envelope, usage execution.TokenUsage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	started := c.tr.NodeState(node.ID).StartedAt
	if err := c.tr.Complete(node.ID, execution.NodeCompleted, out, "", usage); err != nil {
		return err
	}

	c.persistStatus(ctx, node.ID, execution.NodeCompleted, "")
	if out != nil {
		if err := c.store.UpdateNodeOutput(ctx, c.execID, node.ID, out); err != nil {
			c.log.Warn("persist node output", "node_id", node.ID, "error", err)
		}
	}
	if usage.Total > 0 {
		if err := c.store.AddTokenUsage(ctx, c.execID, usage); err != nil {
			c.log.Warn("persist token usage", "node_id", node.ID, "error", err)
		}
	}
	c.appendExecuted(ctx, node.ID)

	c.bus.Publish(eventbus.Event{
		Type:        eventbus.NodeCompleted,
		ExecutionID: c.execID,
		NodeID:      node.ID,
		Data: map[string]any{
			"status":         string(execution.NodeCompleted),
			"duration_ms":    durationMS(started),
			"output_summary": summary(out),
			"token_usage":    usage.Total,
		},
	})

	c.cascadeLocked(ctx, node)
	return nil
}

// ToFailed closes the invocation with a failure. No cascade runs.
func (c *Controller) ToFailed(ctx context.Context, node *diagram.Node, cause error, out *envelope.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := c.tr.Complete(node.ID, execution.NodeFailed, out, msg, execution.TokenUsage{}); err != nil {
		return err
	}

	c.persistStatus(ctx, node.ID, execution.NodeFailed, msg)
	if out != nil {
		if err := c.store.UpdateNodeOutput(ctx, c.execID, node.ID, out); err != nil {
			c.log.Warn("persist node output", "node_id", node.ID, "error", err)
		}
	}
	c.appendExecuted(ctx, node.ID)

	c.bus.Publish(eventbus.Event{
		Type:        eventbus.NodeFailed,
		ExecutionID: c.execID,
		NodeID:      node.ID,
		Data: map[string]any{
			"error":      msg,
			"error_type": execution.ErrorType(cause),
		},
	})
	return nil
}

// ToMaxIter marks a node whose loop budget is exhausted. The guard
// fires before a record opens, so the invocation count is untouched
// and the last output survives.
func (c *Controller) ToMaxIter(ctx context.Context, node *diagram.Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.tr.MarkTerminal(node.ID, execution.NodeMaxIterations); err != nil {
		return err
	}
	c.persistStatus(ctx, node.ID, execution.NodeMaxIterations, "")
	c.appendExecuted(ctx, node.ID)

	c.bus.Publish(eventbus.Event{
		Type:        eventbus.NodeCompleted,
		ExecutionID: c.execID,
		NodeID:      node.ID,
		Data: map[string]any{
			"status":         string(execution.NodeMaxIterations),
			"output_summary": summary(c.tr.LastOutput(node.ID)),
			"iterations":     c.tr.ExecCount(node.ID),
		},
	})
	return nil
}

// ToSkipped classifies a node that can never become ready, at drain
// time or after a failed dependency.
func (c *Controller) ToSkipped(ctx context.Context, node *diagram.Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.tr.MarkTerminal(node.ID, execution.NodeSkipped); err != nil {
		return err
	}
	c.persistStatus(ctx, node.ID, execution.NodeSkipped, "")
	c.appendExecuted(ctx, node.ID)

	c.bus.Publish(eventbus.Event{
		Type:        eventbus.NodeCompleted,
		ExecutionID: c.execID,
		NodeID:      node.ID,
		Data:        map[string]any{"status": string(execution.NodeSkipped)},
	})
	return nil
}

// Rearm rewinds a node to PENDING for its next run, preserving its
// history and last output. Used for loop resets requested by handlers
// and for condition nodes re-executing on fresh input.
func (c *Controller) Rearm(ctx context.Context, node diagram.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rearmLocked(ctx, node)
}

func (c *Controller) rearmLocked(ctx context.Context, node diagram.NodeID) {
	c.tr.Reset(node)
	c.persistStatus(ctx, node, execution.NodePending, "")
}

// cascadeLocked re-arms completed downstream nodes after a successful
// completion, breadth first. Start, endpoint and condition nodes never
// reset; person_jobs reset only within their iteration budget; each
// node resets at most once per cascade.
func (c *Controller) cascadeLocked(ctx context.Context, from *diagram.Node) {
	visited := mapset.NewThreadUnsafeSet[diagram.NodeID]()
	queue := c.cascadeTargets(from)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if !visited.Add(id) {
			continue
		}

		node, ok := c.d.Node(id)
		if !ok || !c.resettable(node) {
			continue
		}

		c.rearmLocked(ctx, id)
		c.log.Debug("cascade reset", "execution_id", c.execID, "node_id", id)

		next, _ := c.d.Node(id)
		queue = append(queue, c.cascadeTargets(next)...)
	}
}

// cascadeTargets returns the downstream nodes a completion may reach.
// Arrows leaving a condition node count only on the selected branch.
func (c *Controller) cascadeTargets(from *diagram.Node) []diagram.NodeID {
	branch := ""
	if from.Kind == diagram.KindCondition {
		branch = c.tr.Branch(from.ID)
	}

	var out []diagram.NodeID
	for _, a := range c.d.Outgoing(from.ID) {
		if branch != "" && a.SourcePort != branch {
			continue
		}
		out = append(out, a.Target)
	}
	return out
}

func (c *Controller) resettable(node *diagram.Node) bool {
	switch node.Kind {
	case diagram.KindStart, diagram.KindEndpoint, diagram.KindCondition:
		return false
	}
	if c.tr.Status(node.ID) != execution.NodeCompleted {
		return false
	}
	if node.Kind == diagram.KindPersonJob && c.tr.ExecCount(node.ID) > node.MaxIteration() {
		return false
	}
	return true
}

func (c *Controller) persistStatus(ctx context.Context, node diagram.NodeID, status execution.NodeStatus, errMsg string) {
	if err := c.store.UpdateNodeStatus(ctx, c.execID, node, status, errMsg); err != nil {
		c.log.Warn("persist node status", "node_id", node, "status", status, "error", err)
	}
}

func (c *Controller) appendExecuted(ctx context.Context, node diagram.NodeID) {
	if err := c.store.AppendExecuted(ctx, c.execID, node); err != nil {
		c.log.Warn("persist execution order", "node_id", node, "error", err)
	}
}

func durationMS(started *time.Time) int64 {
	if started == nil {
		return 0
	}
	return time.Since(*started).Milliseconds()
}

func summary(out *envelope.Envelope) string {
	if out == nil {
		return ""
	}
	return out.Preview(previewLimit)
}
