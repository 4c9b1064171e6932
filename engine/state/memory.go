package state

import (
	"context"
	"sort"
	"sync"

	"github.com/flowmesh/diaflow/engine/execution"
)

// MemoryBackend keeps rows in process memory. It backs tests and the
// degraded mode where no durable store is configured.
type MemoryBackend struct {
	mu   sync.RWMutex
	rows map[execution.ID]Row
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{rows: make(map[execution.ID]Row)}
}

func (m *MemoryBackend) Put(_ context.Context, row Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data := make([]byte, len(row.Data))
	copy(data, row.Data)
	row.Data = data
	m.rows[row.ID] = row
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, id execution.ID) (Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[id]
	if !ok {
		return Row{}, execution.ErrNotFound
	}
	return row, nil
}

func (m *MemoryBackend) Delete(_ context.Context, id execution.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

func (m *MemoryBackend) List(_ context.Context, f Filter) ([]Row, error) {
	m.mu.RLock()
	matched := make([]Row, 0, len(m.rows))
	for _, row := range m.rows {
		if f.Match(row) {
			matched = append(matched, row)
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})
	return paginate(matched, f), nil
}

func (m *MemoryBackend) Close() error { return nil }

func paginate(rows []Row, f Filter) []Row {
	if f.Offset > 0 {
		if f.Offset >= len(rows) {
			return nil
		}
		rows = rows[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(rows) {
		rows = rows[:f.Limit]
	}
	return rows
}
