package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// index is an unsynchronized id -> Record table. Callers hold their own lock.
type index struct {
	rows map[string]Record
}

func newIndex() *index { return &index{rows: map[string]Record{}} }

func (ix *index) insert(r Record) error {
	if _, ok := ix.rows[r.ID]; ok {
		return ErrDuplicateID
	}
	ix.rows[r.ID] = r
	return nil
}

func (ix *index) get(id string) (Record, error) {
	r, ok := ix.rows[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (ix *index) query(q RangeQuery) []Record {
	out := make([]Record, 0, 8)
	for _, r := range ix.rows {
		if q.match(r) {
			out = append(out, r)
		}
	}
	sortRecords(out)
	return out
}

// next computes the row after applying t without mutating the index.
// ok is false when the current status is not in t.From.
func (ix *index) next(t Transition) (Record, bool, error) {
	r, ok := ix.rows[t.ID]
	if !ok {
		return Record{}, false, ErrNotFound
	}
	if !statusIn(r.Status, t.From) {
		return r, false, nil
	}
	r.Status = t.To
	r.Reason = t.Reason
	r.UpdatedAt = t.At
	return r, true, nil
}

func (ix *index) put(r Record) { ix.rows[r.ID] = r }

func sortRecords(rs []Record) {
	sort.Slice(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// Memory is a process-local Store.
type Memory struct {
	mu     sync.Mutex
	ix     *index
	loc    *time.Location
	closed bool
}

func NewMemory(loc *time.Location) *Memory {
	if loc == nil {
		loc = time.Local
	}
	return &Memory{ix: newIndex(), loc: loc}
}

func (m *Memory) Insert(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return m.ix.insert(normalize(r, m.loc))
}

func (m *Memory) Get(ctx context.Context, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ix.get(id)
}

func (m *Memory) Range(ctx context.Context, q RangeQuery) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ix.query(q), nil
}

func (m *Memory) Transition(ctx context.Context, t Transition) (bool, error) {
	if err := t.validate(); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	r, ok, err := m.ix.next(t)
	if err != nil || !ok {
		return false, err
	}
	m.ix.put(normalize(r, m.loc))
	return true, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// normalize truncates timestamps to the persisted millisecond precision so every
// backend returns identical values.
func normalize(r Record, loc *time.Location) Record {
	return toRow(r, loc).record(loc)
}
