// Package state persists execution state behind a per-execution cache.
// Active executions live in an expiring LRU and mutate in memory; the
// durable backend sees terminal node transitions and the final state.
// Persistence failures degrade the execution to memory only operation
// instead of failing it.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/flowmesh/diaflow/common/logger"
	"github.com/flowmesh/diaflow/common/telemetry"
	"github.com/flowmesh/diaflow/engine/diagram"
	"github.com/flowmesh/diaflow/engine/envelope"
	"github.com/flowmesh/diaflow/engine/execution"
)

const (
	persistAttempts = 3
	persistBackoff  = 50 * time.Millisecond

	// MetaDegraded is set on an execution's metadata once durable
	// persistence gave up and the run continues memory only.
	MetaDegraded = "persistence_degraded"

	// MetaAborted flags a state whose run was cancelled before it could
	// finish. MetaAbortedNodes lists the nodes that were still RUNNING
	// when the run gave up on them; they keep that status in the
	// persisted state so resume can rewind and re-dispatch them.
	MetaAborted      = "aborted"
	MetaAbortedNodes = "aborted_nodes"
)

// Row is the durable representation of one execution: indexable
// columns plus the serialized state.
type Row struct {
	ID        execution.ID      `json:"id"`
	DiagramID diagram.DiagramID `json:"diagram_id"`
	Status    execution.Status  `json:"status"`
	StartedAt time.Time         `json:"started_at"`
	Data      []byte            `json:"data"`
}

// Filter narrows List and cleanup scans. Zero values mean "any".
type Filter struct {
	DiagramID    diagram.DiagramID
	Status       execution.Status
	TerminalOnly bool
	Before       time.Time
	Limit        int
	Offset       int
}

// Match reports whether a row passes the non-positional filter fields.
func (f Filter) Match(r Row) bool {
	if f.DiagramID != "" && r.DiagramID != f.DiagramID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.TerminalOnly && !r.Status.Terminal() {
		return false
	}
	if !f.Before.IsZero() && !r.StartedAt.Before(f.Before) {
		return false
	}
	return true
}

// Backend is the durable layer under the cache.
type Backend interface {
	Put(ctx context.Context, row Row) error
	Get(ctx context.Context, id execution.ID) (Row, error)
	Delete(ctx context.Context, id execution.ID) error
	List(ctx context.Context, f Filter) ([]Row, error)
	Close() error
}

// Store is the cache-first state store. Safe for concurrent use across
// executions; writes within one execution serialize on its own mutex.
type Store struct {
	backend  Backend
	cache    *expirable.LRU[execution.ID, *execution.State]
	locks    sync.Map
	log      *logger.Logger
	counters *telemetry.Counters
}

// New builds a store over backend. cacheSize bounds resident active
// executions, ttl expires abandoned entries.
func New(backend Backend, cacheSize int, ttl time.Duration, log *logger.Logger, counters *telemetry.Counters) *Store {
	return &Store{
		backend:  backend,
		cache:    expirable.NewLRU[execution.ID, *execution.State](cacheSize, nil, ttl),
		log:      log,
		counters: counters,
	}
}

func (s *Store) lock(id execution.ID) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func encodeRow(state *execution.State) (Row, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return Row{}, fmt.Errorf("encode execution %s: %w", state.ID, err)
	}
	return Row{
		ID:        state.ID,
		DiagramID: state.DiagramID,
		Status:    state.Status,
		StartedAt: state.StartedAt,
		Data:      data,
	}, nil
}

func decodeRow(row Row) (*execution.State, error) {
	state := &execution.State{}
	if err := json.Unmarshal(row.Data, state); err != nil {
		return nil, fmt.Errorf("decode execution %s: %w", row.ID, err)
	}
	return state, nil
}

// CreateExecution registers a fresh execution in cache and backend.
func (s *Store) CreateExecution(ctx context.Context, id execution.ID, diagramID diagram.DiagramID, variables map[string]any) (*execution.State, error) {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	state := execution.NewState(id, diagramID)
	for k, v := range variables {
		state.Variables[k] = v
	}
	s.cache.Add(id, state)
	s.persistLocked(ctx, state)
	return state.Clone()
}

// MarkRunning flips an execution to RUNNING and writes it through, so
// listings and readers in other processes see the run as active while
// it is in flight.
func (s *Store) MarkRunning(ctx context.Context, id execution.ID) error {
	return s.mutate(ctx, id, true, func(state *execution.State) {
		state.Status = execution.StatusRunning
	})
}

// GetState returns a copy of the execution's state, cache first.
// Missing executions return execution.ErrNotFound.
func (s *Store) GetState(ctx context.Context, id execution.ID) (*execution.State, error) {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	state, err := s.loadLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	return state.Clone()
}

// loadLocked returns the live cached state, filling the cache from the
// backend on miss. Terminal states are not re-cached.
func (s *Store) loadLocked(ctx context.Context, id execution.ID) (*execution.State, error) {
	if state, ok := s.cache.Get(id); ok {
		return state, nil
	}
	row, err := s.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	state, err := decodeRow(row)
	if err != nil {
		return nil, err
	}
	if !state.Status.Terminal() {
		s.cache.Add(id, state)
	}
	return state, nil
}

// SaveState upserts a full state. Active executions stay cached;
// terminal ones are flushed durably and evicted.
func (s *Store) SaveState(ctx context.Context, state *execution.State) error {
	cp, err := state.Clone()
	if err != nil {
		return err
	}

	mu := s.lock(cp.ID)
	mu.Lock()
	defer mu.Unlock()

	if cp.Status.Terminal() {
		s.persistLocked(ctx, cp)
		s.cache.Remove(cp.ID)
		return nil
	}
	s.cache.Add(cp.ID, cp)
	return nil
}

// mutate applies fn to the live state under the execution's lock.
func (s *Store) mutate(ctx context.Context, id execution.ID, persist bool, fn func(*execution.State)) error {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	state, err := s.loadLocked(ctx, id)
	if err != nil {
		return err
	}
	fn(state)
	s.cache.Add(id, state)
	if persist {
		s.persistLocked(ctx, state)
	}
	return nil
}

// UpdateNodeStatus records a node's status change. Terminal node
// statuses are written through to the backend so a crash loses at most
// the in-flight node.
func (s *Store) UpdateNodeStatus(ctx context.Context, id execution.ID, node diagram.NodeID, status execution.NodeStatus, errMsg string) error {
	return s.mutate(ctx, id, status.Terminal(), func(state *execution.State) {
		ns := state.Node(node)
		ns.Status = status
		ns.Error = errMsg
		now := time.Now().UTC()
		switch {
		case status == execution.NodeRunning:
			ns.StartedAt = &now
			ns.EndedAt = nil
			ns.ExecCount++
		case status.Terminal():
			ns.EndedAt = &now
		}
	})
}

// UpdateNodeOutput stores a node's latest output envelope.
func (s *Store) UpdateNodeOutput(ctx context.Context, id execution.ID, node diagram.NodeID, out *envelope.Envelope) error {
	return s.mutate(ctx, id, false, func(state *execution.State) {
		state.NodeOutputs[node] = out
	})
}

// UpdateVariables merges key/value pairs into the execution variables.
func (s *Store) UpdateVariables(ctx context.Context, id execution.ID, vars map[string]any) error {
	return s.mutate(ctx, id, false, func(state *execution.State) {
		if state.Variables == nil {
			state.Variables = make(map[string]any, len(vars))
		}
		for k, v := range vars {
			state.Variables[k] = v
		}
	})
}

// AddTokenUsage folds a usage sample into the execution total.
func (s *Store) AddTokenUsage(ctx context.Context, id execution.ID, usage execution.TokenUsage) error {
	return s.mutate(ctx, id, false, func(state *execution.State) {
		state.TokenUsage.Add(usage)
	})
}

// AppendExecuted appends to the execution order.
func (s *Store) AppendExecuted(ctx context.Context, id execution.ID, node diagram.NodeID) error {
	return s.mutate(ctx, id, false, func(state *execution.State) {
		state.ExecutedNodes = append(state.ExecutedNodes, node)
	})
}

// PersistFinal writes the terminal state durably before returning. On
// persistent backend failure the state stays cached and the execution
// is marked degraded rather than failed.
func (s *Store) PersistFinal(ctx context.Context, state *execution.State) error {
	cp, err := state.Clone()
	if err != nil {
		return err
	}

	mu := s.lock(cp.ID)
	mu.Lock()
	defer mu.Unlock()

	if cp.EndedAt == nil {
		now := time.Now().UTC()
		cp.EndedAt = &now
	}
	if s.persistLocked(ctx, cp) {
		s.cache.Remove(cp.ID)
		s.locks.Delete(cp.ID)
		return nil
	}
	// Keep the state reachable in memory for a later retry or list.
	s.cache.Add(cp.ID, cp)
	return nil
}

// persistLocked writes the state durably with bounded retries. Returns
// false after degrading to memory only.
func (s *Store) persistLocked(ctx context.Context, state *execution.State) bool {
	row, err := encodeRow(state)
	if err != nil {
		s.log.Error("encode state for persistence", "error", err, "execution_id", state.ID)
		return false
	}

	backoff := persistBackoff
	var lastErr error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		if lastErr = s.backend.Put(ctx, row); lastErr == nil {
			if state.Metadata != nil {
				delete(state.Metadata, MetaDegraded)
			}
			return true
		}
		if attempt < persistAttempts {
			s.counters.PersistenceRetries.Add(1)
			select {
			case <-ctx.Done():
				attempt = persistAttempts
			case <-time.After(backoff):
				backoff *= 2
			}
		}
	}

	s.counters.PersistenceDegraded.Add(1)
	if state.Metadata == nil {
		state.Metadata = make(map[string]any)
	}
	state.Metadata[MetaDegraded] = true
	s.log.Warn("persistence degraded, continuing memory only",
		"execution_id", state.ID,
		"error", &execution.PersistenceError{Op: "put", Err: lastErr})
	return false
}

// ListExecutions returns states matching the filter, newest first.
// Cached copies win over stale backend rows.
func (s *Store) ListExecutions(ctx context.Context, f Filter) ([]*execution.State, error) {
	rows, err := s.backend.List(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]*execution.State, 0, len(rows))
	for _, row := range rows {
		if cached, ok := s.cache.Get(row.ID); ok {
			cp, cerr := cached.Clone()
			if cerr == nil {
				out = append(out, cp)
				continue
			}
		}
		state, derr := decodeRow(row)
		if derr != nil {
			s.log.Warn("skipping undecodable execution row", "execution_id", row.ID, "error", derr)
			continue
		}
		out = append(out, state)
	}
	return out, nil
}

// CleanupOldStates deletes terminal executions started before the
// retention window. Each pruned state is offered to prune first; a
// prune error keeps the row for the next sweep.
func (s *Store) CleanupOldStates(ctx context.Context, olderThan time.Duration, prune func(context.Context, *execution.State) error) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.backend.List(ctx, Filter{TerminalOnly: true, Before: cutoff})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, row := range rows {
		state, derr := decodeRow(row)
		if derr != nil {
			s.log.Warn("skipping undecodable execution row", "execution_id", row.ID, "error", derr)
			continue
		}
		if prune != nil {
			if perr := prune(ctx, state); perr != nil {
				s.log.Warn("prune hook failed, keeping state", "execution_id", row.ID, "error", perr)
				continue
			}
		}
		if derr := s.backend.Delete(ctx, row.ID); derr != nil {
			s.log.Warn("delete expired state", "execution_id", row.ID, "error", derr)
			continue
		}
		s.cache.Remove(row.ID)
		removed++
	}
	return removed, nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
