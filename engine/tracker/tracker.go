// Package tracker records node executions for a single run: an append
// only history of records plus the mutable runtime view the scheduler
// reads. Loop resets rewind the runtime view without touching history.
package tracker

import (
	"sync"
	"time"

	"github.com/flowmesh/diaflow/engine/diagram"
	"github.com/flowmesh/diaflow/engine/envelope"
	"github.com/flowmesh/diaflow/engine/execution"
)

// Record is one completed or in-flight invocation of a node.
type Record struct {
	Seq        int64
	NodeID     diagram.NodeID
	Iteration  int
	Status     execution.NodeStatus
	StartedAt  time.Time
	EndedAt    *time.Time
	Output     *envelope.Envelope
	Error      string
	TokenUsage execution.TokenUsage
}

// Summary aggregates an execution's history.
type Summary struct {
	TotalRecords int                       `json:"total_records"`
	Counts       map[diagram.NodeID]int    `json:"counts"`
	Order        []diagram.NodeID          `json:"execution_order"`
	TokenUsage   execution.TokenUsage      `json:"token_usage"`
	Statuses     map[diagram.NodeID]string `json:"statuses"`
}

// Tracker holds all per-execution node state. Every method is safe for
// concurrent use; callers never observe a half-applied transition.
type Tracker struct {
	mu sync.Mutex

	execID execution.ID

	states  map[diagram.NodeID]*execution.NodeState
	outputs map[diagram.NodeID]*envelope.Envelope
	records []*Record
	open    map[diagram.NodeID]int

	// seq counts terminal node transitions. lastTerminal remembers at
	// which seq each node last finished, which is how condition nodes
	// detect that fresh input arrived after their own last run.
	seq          int64
	lastTerminal map[diagram.NodeID]int64

	executed []diagram.NodeID
	usage    execution.TokenUsage
	current  diagram.NodeID
}

// New returns an empty tracker for one execution.
func New(execID execution.ID) *Tracker {
	return &Tracker{
		execID:       execID,
		states:       make(map[diagram.NodeID]*execution.NodeState),
		outputs:      make(map[diagram.NodeID]*envelope.Envelope),
		open:         make(map[diagram.NodeID]int),
		lastTerminal: make(map[diagram.NodeID]int64),
	}
}

func (t *Tracker) state(node diagram.NodeID) *execution.NodeState {
	ns, ok := t.states[node]
	if !ok {
		ns = &execution.NodeState{Status: execution.NodePending, FlowStatus: execution.FlowWaiting}
		t.states[node] = ns
	}
	return ns
}

// Begin opens a record for a new invocation of node and returns the
// invocation number (1 for the first run). A node can have at most one
// open record.
func (t *Tracker) Begin(node diagram.NodeID) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, dup := t.open[node]; dup {
		return 0, &execution.InvalidTransitionError{Node: node, From: execution.NodeRunning, To: execution.NodeRunning}
	}

	ns := t.state(node)
	ns.ExecCount++
	ns.Status = execution.NodeRunning
	ns.FlowStatus = execution.FlowRunning
	now := time.Now().UTC()
	ns.StartedAt = &now
	ns.EndedAt = nil
	ns.Error = ""

	rec := &Record{
		NodeID:    node,
		Iteration: ns.ExecCount,
		Status:    execution.NodeRunning,
		StartedAt: now,
	}
	t.records = append(t.records, rec)
	t.open[node] = len(t.records) - 1
	return ns.ExecCount, nil
}

// Complete closes the node's open record with a terminal status. It
// fails with InvalidTransitionError when no invocation is open, which
// the scheduler treats as a fatal bookkeeping bug.
func (t *Tracker) Complete(node diagram.NodeID, status execution.NodeStatus, out *envelope.Envelope, errMsg string, usage execution.TokenUsage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.open[node]
	if !ok {
		return &execution.InvalidTransitionError{Node: node, From: t.state(node).Status, To: status}
	}
	delete(t.open, node)

	now := time.Now().UTC()
	rec := t.records[idx]
	rec.Status = status
	rec.EndedAt = &now
	rec.Output = out
	rec.Error = errMsg
	rec.TokenUsage = usage

	t.seq++
	rec.Seq = t.seq
	t.lastTerminal[node] = t.seq

	ns := t.state(node)
	ns.Status = status
	ns.EndedAt = &now
	ns.Error = errMsg
	ns.TokenUsage.Add(usage)
	ns.FlowStatus = flowAfter(status)

	// Error envelopes land here too so a failed node still exposes a
	// last output downstream consumers can inspect.
	if out != nil {
		t.outputs[node] = out
	}
	t.executed = append(t.executed, node)
	t.usage.Add(usage)
	if t.current == node {
		t.current = ""
	}
	return nil
}

// MarkTerminal moves a node straight to a terminal status without an
// invocation record. Used for SKIPPED nodes at drain time and for
// MAXITER_REACHED, where the budget guard fires before any record
// opens so the invocation count stays untouched.
func (t *Tracker) MarkTerminal(node diagram.NodeID, status execution.NodeStatus) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, dup := t.open[node]; dup {
		return 0, &execution.InvalidTransitionError{Node: node, From: execution.NodeRunning, To: status}
	}

	now := time.Now().UTC()
	ns := t.state(node)
	ns.Status = status
	ns.EndedAt = &now
	ns.FlowStatus = flowAfter(status)

	t.seq++
	t.lastTerminal[node] = t.seq
	t.executed = append(t.executed, node)
	return t.seq, nil
}

// Reset rewinds a node for the next loop iteration. History, invocation
// count and last output survive. Resetting a node that never ran is a
// no-op.
func (t *Tracker) Reset(node diagram.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ns, ok := t.states[node]
	if !ok || ns.ExecCount == 0 {
		return
	}
	ns.Status = execution.NodePending
	ns.FlowStatus = execution.FlowReady
	ns.DependenciesMet = true
	ns.Active = true
	ns.StartedAt = nil
	ns.EndedAt = nil
	ns.Error = ""
}

func flowAfter(status execution.NodeStatus) execution.FlowStatus {
	if status == execution.NodeFailed {
		return execution.FlowBlocked
	}
	return execution.FlowWaiting
}

// ExecCount returns how many times node has started.
func (t *Tracker) ExecCount(node diagram.NodeID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ns, ok := t.states[node]; ok {
		return ns.ExecCount
	}
	return 0
}

// LastOutput returns the node's most recent output envelope, surviving
// resets. Nil when the node never produced one.
func (t *Tracker) LastOutput(node diagram.NodeID) *envelope.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outputs[node]
}

// Branch returns the branch a condition node selected on its last run,
// or "" when it has no output yet.
func (t *Tracker) Branch(node diagram.NodeID) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out, ok := t.outputs[node]
	if !ok {
		return ""
	}
	branch, _ := out.Meta()[envelope.MetaBranch].(string)
	return branch
}

// Status returns the node's persisted status, PENDING when unseen.
func (t *Tracker) Status(node diagram.NodeID) execution.NodeStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ns, ok := t.states[node]; ok {
		return ns.Status
	}
	return execution.NodePending
}

// FlowStatus returns the node's runtime dataflow position.
func (t *Tracker) FlowStatus(node diagram.NodeID) execution.FlowStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ns, ok := t.states[node]; ok {
		return ns.FlowStatus
	}
	return execution.FlowWaiting
}

// SetFlowStatus overrides the runtime dataflow position.
func (t *Tracker) SetFlowStatus(node diagram.NodeID, fs execution.FlowStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state(node).FlowStatus = fs
}

// Seq returns the terminal transition counter.
func (t *Tracker) Seq() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seq
}

// LastTerminalSeq returns the seq at which node last reached a terminal
// status, 0 when it never has.
func (t *Tracker) LastTerminalSeq(node diagram.NodeID) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastTerminal[node]
}

// ExecutedNodes returns the terminal transition order, one entry per
// finish including skips and budget stops.
func (t *Tracker) ExecutedNodes() []diagram.NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]diagram.NodeID, len(t.executed))
	copy(out, t.executed)
	return out
}

// Records returns copies of all invocation records in append order.
func (t *Tracker) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, len(t.records))
	for i, r := range t.records {
		out[i] = *r
	}
	return out
}

// Snapshot returns deep copies of every node state.
func (t *Tracker) Snapshot() map[diagram.NodeID]*execution.NodeState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[diagram.NodeID]*execution.NodeState, len(t.states))
	for id, ns := range t.states {
		cp := *ns
		if ns.StartedAt != nil {
			s := *ns.StartedAt
			cp.StartedAt = &s
		}
		if ns.EndedAt != nil {
			e := *ns.EndedAt
			cp.EndedAt = &e
		}
		out[id] = &cp
	}
	return out
}

// NodeState returns a copy of one node's state.
func (t *Tracker) NodeState(node diagram.NodeID) execution.NodeState {
	t.mu.Lock()
	defer t.mu.Unlock()
	ns, ok := t.states[node]
	if !ok {
		return execution.NodeState{Status: execution.NodePending, FlowStatus: execution.FlowWaiting}
	}
	cp := *ns
	if ns.StartedAt != nil {
		s := *ns.StartedAt
		cp.StartedAt = &s
	}
	if ns.EndedAt != nil {
		e := *ns.EndedAt
		cp.EndedAt = &e
	}
	return cp
}

// TotalUsage returns tokens aggregated across all invocations.
func (t *Tracker) TotalUsage() execution.TokenUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage
}

// SetCurrent marks the node whose handler is on the hot path.
func (t *Tracker) SetCurrent(node diagram.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = node
}

// Current returns the marked node, "" between dispatches.
func (t *Tracker) Current() diagram.NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Summarize aggregates history for endpoints and CLI output.
func (t *Tracker) Summarize() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Summary{
		TotalRecords: len(t.records),
		Counts:       make(map[diagram.NodeID]int, len(t.states)),
		Order:        make([]diagram.NodeID, len(t.executed)),
		TokenUsage:   t.usage,
		Statuses:     make(map[diagram.NodeID]string, len(t.states)),
	}
	copy(s.Order, t.executed)
	for id, ns := range t.states {
		s.Counts[id] = ns.ExecCount
		s.Statuses[id] = string(ns.Status)
	}
	return s
}

// Seed rebuilds the runtime view from a persisted execution so a
// resumed run continues where the original stopped. Nodes persisted as
// RUNNING were interrupted mid-flight and rewind to PENDING.
func (t *Tracker) Seed(state *execution.State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, ns := range state.NodeStates {
		cp := *ns
		if cp.Status == execution.NodeRunning {
			cp.Status = execution.NodePending
			cp.FlowStatus = execution.FlowWaiting
			cp.StartedAt = nil
		}
		t.states[id] = &cp
	}
	for id, out := range state.NodeOutputs {
		t.outputs[id] = out
	}
	t.executed = append(t.executed[:0], state.ExecutedNodes...)
	t.seq = 0
	for _, id := range t.executed {
		t.seq++
		t.lastTerminal[id] = t.seq
	}
	t.usage = state.TokenUsage
}
