package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/flowmesh/diaflow/engine/execution"
)

// Key layout:
//
//	x:<id>                         row JSON
//	s:<status>:<started>:<id>      status index, value is the id
//
// The status index keeps List and cleanup scans bounded when the filter
// names a status; unfiltered scans walk the row prefix.
const (
	rowPrefix   = "x:"
	indexPrefix = "s:"
)

// PebbleBackend stores rows in an embedded pebble database. It is the
// default durable backend.
type PebbleBackend struct {
	db *pebble.DB
}

// NewPebbleBackend opens or creates the database at path.
func NewPebbleBackend(path string) (*PebbleBackend, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open state db at %s: %w", path, err)
	}
	return &PebbleBackend{db: db}, nil
}

func rowKey(id execution.ID) []byte {
	return []byte(rowPrefix + string(id))
}

func indexKey(status execution.Status, startedAt time.Time, id execution.ID) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%s",
		indexPrefix, status, startedAt.UTC().Format(time.RFC3339Nano), id))
}

func (p *PebbleBackend) Put(_ context.Context, row Row) error {
	data, err := json.Marshal(row)
	if err != nil {
		return &execution.PersistenceError{Op: "put", Err: err}
	}

	batch := p.db.NewBatch()
	defer batch.Close()

	// Replacing a row moves its index entry when the status changed.
	if old, gerr := p.get(row.ID); gerr == nil {
		if old.Status != row.Status || !old.StartedAt.Equal(row.StartedAt) {
			if derr := batch.Delete(indexKey(old.Status, old.StartedAt, old.ID), nil); derr != nil {
				return &execution.PersistenceError{Op: "put", Err: derr}
			}
		}
	}

	if err := batch.Set(rowKey(row.ID), data, nil); err != nil {
		return &execution.PersistenceError{Op: "put", Err: err}
	}
	if err := batch.Set(indexKey(row.Status, row.StartedAt, row.ID), []byte(row.ID), nil); err != nil {
		return &execution.PersistenceError{Op: "put", Err: err}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return &execution.PersistenceError{Op: "put", Err: err}
	}
	return nil
}

func (p *PebbleBackend) get(id execution.ID) (Row, error) {
	val, closer, err := p.db.Get(rowKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return Row{}, execution.ErrNotFound
		}
		return Row{}, &execution.PersistenceError{Op: "get", Err: err}
	}
	defer closer.Close()

	var row Row
	if err := json.Unmarshal(val, &row); err != nil {
		return Row{}, &execution.PersistenceError{Op: "get", Err: err}
	}
	return row, nil
}

func (p *PebbleBackend) Get(_ context.Context, id execution.ID) (Row, error) {
	return p.get(id)
}

func (p *PebbleBackend) Delete(_ context.Context, id execution.ID) error {
	row, err := p.get(id)
	if err != nil {
		if errors.Is(err, execution.ErrNotFound) {
			return nil
		}
		return err
	}

	batch := p.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(rowKey(id), nil); err != nil {
		return &execution.PersistenceError{Op: "delete", Err: err}
	}
	if err := batch.Delete(indexKey(row.Status, row.StartedAt, row.ID), nil); err != nil {
		return &execution.PersistenceError{Op: "delete", Err: err}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return &execution.PersistenceError{Op: "delete", Err: err}
	}
	return nil
}

func (p *PebbleBackend) List(_ context.Context, f Filter) ([]Row, error) {
	var (
		rows []Row
		err  error
	)
	if f.Status != "" {
		rows, err = p.listByStatus(f)
	} else {
		rows, err = p.scanRows(f)
	}
	if err != nil {
		return nil, err
	}

	sort.Slice(rows, func(i, j int) bool {
		return rows[i].StartedAt.After(rows[j].StartedAt)
	})
	return paginate(rows, f), nil
}

// listByStatus walks the status index and fetches matching rows.
func (p *PebbleBackend) listByStatus(f Filter) ([]Row, error) {
	prefix := []byte(indexPrefix + string(f.Status) + ":")
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, &execution.PersistenceError{Op: "list", Err: err}
	}
	defer iter.Close()

	var rows []Row
	for iter.First(); iter.Valid(); iter.Next() {
		row, gerr := p.get(execution.ID(iter.Value()))
		if gerr != nil {
			continue
		}
		if f.Match(row) {
			rows = append(rows, row)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, &execution.PersistenceError{Op: "list", Err: err}
	}
	return rows, nil
}

// scanRows walks every stored row.
func (p *PebbleBackend) scanRows(f Filter) ([]Row, error) {
	prefix := []byte(rowPrefix)
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, &execution.PersistenceError{Op: "list", Err: err}
	}
	defer iter.Close()

	var rows []Row
	for iter.First(); iter.Valid(); iter.Next() {
		var row Row
		if uerr := json.Unmarshal(iter.Value(), &row); uerr != nil {
			continue
		}
		if f.Match(row) {
			rows = append(rows, row)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, &execution.PersistenceError{Op: "list", Err: err}
	}
	return rows, nil
}

func (p *PebbleBackend) Close() error {
	return p.db.Close()
}

// upperBound returns the smallest key greater than every key with the
// given prefix.
func upperBound(prefix []byte) []byte {
	out := make([]byte, len(prefix))
	copy(out, prefix)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}
