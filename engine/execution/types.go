// Package execution defines the state model shared by the tracker,
// the scheduler and the persistence layer: execution and node level
// statuses, per node bookkeeping and the serializable execution record.
package execution

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh/diaflow/engine/diagram"
	"github.com/flowmesh/diaflow/engine/envelope"
)

// ID identifies a single execution of a diagram.
type ID string

// NewID returns a fresh execution ID.
func NewID() ID {
	return ID(uuid.NewString())
}

func (id ID) String() string { return string(id) }

// Status is the lifecycle status of an execution as a whole.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusAborted   Status = "ABORTED"
)

// Terminal reports whether the execution can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// NodeStatus is the lifecycle status of a single node within an execution.
type NodeStatus string

const (
	NodePending       NodeStatus = "PENDING"
	NodeRunning       NodeStatus = "RUNNING"
	NodeCompleted     NodeStatus = "COMPLETED"
	NodeFailed        NodeStatus = "FAILED"
	NodeSkipped       NodeStatus = "SKIPPED"
	NodeMaxIterations NodeStatus = "MAXITER_REACHED"
)

// Terminal reports whether the node finished its current attempt.
// A node in a loop can leave a terminal status again through an
// iteration reset.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeSkipped, NodeMaxIterations:
		return true
	}
	return false
}

// Satisfies reports whether the status counts as a finished dependency
// for downstream readiness checks.
func (s NodeStatus) Satisfies() bool {
	return s == NodeCompleted || s == NodeMaxIterations
}

// FlowStatus is the coarse dataflow position of a node, kept alongside
// NodeStatus for observability and resume.
type FlowStatus string

const (
	FlowWaiting FlowStatus = "WAITING"
	FlowReady   FlowStatus = "READY"
	FlowRunning FlowStatus = "RUNNING"
	FlowBlocked FlowStatus = "BLOCKED"
)

// TokenUsage accumulates model token counts across node executions.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Cached int `json:"cached"`
	Total  int `json:"total"`
}

// Add folds another usage sample into the receiver.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Input += other.Input
	u.Output += other.Output
	u.Cached += other.Cached
	u.Total += other.Total
}

// NodeState is the per node slice of an execution's state.
type NodeState struct {
	Status          NodeStatus `json:"status"`
	FlowStatus      FlowStatus `json:"flow_status"`
	ExecCount       int        `json:"exec_count"`
	DependenciesMet bool       `json:"dependencies_met"`
	Active          bool       `json:"is_active"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	Error           string     `json:"error,omitempty"`
	TokenUsage      TokenUsage `json:"token_usage"`
}

// State is the full serializable record of one execution. It is what
// the state store persists and what resume rebuilds the tracker from.
type State struct {
	ID        ID                `json:"id"`
	DiagramID diagram.DiagramID `json:"diagram_id"`
	Status    Status            `json:"status"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   *time.Time        `json:"ended_at,omitempty"`

	NodeStates  map[diagram.NodeID]*NodeState         `json:"node_states"`
	NodeOutputs map[diagram.NodeID]*envelope.Envelope `json:"node_outputs,omitempty"`

	Variables     map[string]any   `json:"variables,omitempty"`
	ExecutedNodes []diagram.NodeID `json:"executed_nodes"`
	TokenUsage    TokenUsage       `json:"token_usage"`
	Error         string           `json:"error,omitempty"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
}

// NewState returns an empty state for a fresh execution.
func NewState(id ID, diagramID diagram.DiagramID) *State {
	return &State{
		ID:            id,
		DiagramID:     diagramID,
		Status:        StatusPending,
		StartedAt:     time.Now().UTC(),
		NodeStates:    make(map[diagram.NodeID]*NodeState),
		NodeOutputs:   make(map[diagram.NodeID]*envelope.Envelope),
		Variables:     make(map[string]any),
		ExecutedNodes: make([]diagram.NodeID, 0),
		Metadata:      make(map[string]any),
	}
}

// Node returns the state for a node, creating a pending entry on first use.
func (s *State) Node(id diagram.NodeID) *NodeState {
	ns, ok := s.NodeStates[id]
	if !ok {
		ns = &NodeState{Status: NodePending, FlowStatus: FlowWaiting}
		s.NodeStates[id] = ns
	}
	return ns
}

// Clone returns a deep copy of the state. Envelopes round trip through
// their wire form, so the copy shares nothing with the original.
func (s *State) Clone() (*State, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("clone execution %s: %w", s.ID, err)
	}
	out := &State{}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("clone execution %s: %w", s.ID, err)
	}
	return out, nil
}
