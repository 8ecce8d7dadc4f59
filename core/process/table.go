package process

import (
	"errors"
	"fmt"
	"slices"

	"github.com/kabili207/meshcore-ota/core"
)

var (
	// ErrCapacity is returned when the table is full.
	ErrCapacity = errors.New("process table full")
	// ErrExists is returned when a process id is already in the table.
	ErrExists = errors.New("process already exists")
	// ErrNotFound is returned for unknown process ids.
	ErrNotFound = fmt.Errorf("process %w", core.ErrNotFound)
)

// Table is a bounded set of records keyed by process id. A failed insert
// never changes the table.
type Table struct {
	capacity int
	records  map[core.ProcessID]*Record
}

// NewTable creates a table holding at most capacity records.
func NewTable(capacity int) *Table {
	return &Table{
		capacity: capacity,
		records:  make(map[core.ProcessID]*Record, capacity),
	}
}

// Create builds a new STARTED record from p and inserts it.
func (t *Table) Create(p *core.Parameters, origin core.Endpoint, buf []byte) (*Record, error) {
	if err := t.checkInsert(p.ProcessID); err != nil {
		return nil, err
	}
	rec, err := NewRecord(p, origin, buf)
	if err != nil {
		return nil, err
	}
	t.records[rec.ID()] = rec
	return rec, nil
}

// Insert adds an existing record, e.g. one rehydrated from storage.
func (t *Table) Insert(rec *Record) error {
	if err := t.checkInsert(rec.ID()); err != nil {
		return err
	}
	t.records[rec.ID()] = rec
	return nil
}

func (t *Table) checkInsert(id core.ProcessID) error {
	if _, ok := t.records[id]; ok {
		return fmt.Errorf("%w: %v", ErrExists, id)
	}
	if len(t.records) >= t.capacity {
		return fmt.Errorf("%w: %d of %d", ErrCapacity, len(t.records), t.capacity)
	}
	return nil
}

// Get returns the record for id.
func (t *Table) Get(id core.ProcessID) (*Record, error) {
	rec, ok := t.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, id)
	}
	return rec, nil
}

// Remove deletes the record for id and returns it.
func (t *Table) Remove(id core.ProcessID) (*Record, bool) {
	rec, ok := t.records[id]
	if ok {
		delete(t.records, id)
	}
	return rec, ok
}

// Len returns the number of records.
func (t *Table) Len() int { return len(t.records) }

// Cap returns the table capacity.
func (t *Table) Cap() int { return t.capacity }

// IDs returns the process ids in ascending order.
func (t *Table) IDs() []core.ProcessID {
	ids := make([]core.ProcessID, 0, len(t.records))
	for id := range t.records {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// ForEach calls fn for every record in ascending id order. Iteration stops
// when fn returns false.
func (t *Table) ForEach(fn func(*Record) bool) {
	for _, id := range t.IDs() {
		if !fn(t.records[id]) {
			return
		}
	}
}

// Clear removes every record.
func (t *Table) Clear() {
	clear(t.records)
}
