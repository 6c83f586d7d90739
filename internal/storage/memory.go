package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"remindbot/internal/reminder"
)

type memItem struct {
	Seq      uint64            `json:"seq"`
	Reminder reminder.Reminder `json:"reminder"`
}

// memIndex is the in-memory table shared by the memory and file drivers.
// Callers hold their own lock. spent holds every removed or reserved ID.
type memIndex struct {
	seq   uint64
	items map[string]memItem
	spent map[string]struct{}
}

func newMemIndex() *memIndex {
	return &memIndex{items: map[string]memItem{}, spent: map[string]struct{}{}}
}

func (m *memIndex) has(id string) bool {
	_, ok := m.items[id]
	return ok
}

// taken reports whether id is live or spent.
func (m *memIndex) taken(id string) bool {
	if m.has(id) {
		return true
	}
	_, ok := m.spent[id]
	return ok
}

func (m *memIndex) reserve(id string) { m.spent[id] = struct{}{} }

func (m *memIndex) insert(r reminder.Reminder) memItem {
	m.seq++
	it := memItem{Seq: m.seq, Reminder: r}
	m.items[r.ID] = it
	return it
}

// put restores an item with its original sequence (snapshot/journal replay).
func (m *memIndex) put(it memItem) {
	m.items[it.Reminder.ID] = it
	if it.Seq > m.seq {
		m.seq = it.Seq
	}
}

func (m *memIndex) remove(id string) bool {
	if _, ok := m.items[id]; !ok {
		return false
	}
	delete(m.items, id)
	m.spent[id] = struct{}{}
	return true
}

func (m *memIndex) sorted(keep func(reminder.Reminder) bool) []reminder.Reminder {
	its := make([]memItem, 0, len(m.items))
	for _, it := range m.items {
		if keep(it.Reminder) {
			its = append(its, it)
		}
	}
	sort.Slice(its, func(i, j int) bool {
		a, b := its[i], its[j]
		if !a.Reminder.DueAt.Equal(b.Reminder.DueAt) {
			return a.Reminder.DueAt.Before(b.Reminder.DueAt)
		}
		return a.Seq < b.Seq
	})
	out := make([]reminder.Reminder, len(its))
	for i, it := range its {
		out[i] = it.Reminder
	}
	return out
}

func (m *memIndex) due(now time.Time, limit int) []reminder.Reminder {
	out := m.sorted(func(r reminder.Reminder) bool { return !r.DueAt.After(now) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *memIndex) byOwner(ownerID int64) []reminder.Reminder {
	return m.sorted(func(r reminder.Reminder) bool { return r.OwnerID == ownerID })
}

func (m *memIndex) cancel(id string, ownerID int64) reminder.CancelResult {
	it, ok := m.items[id]
	switch {
	case !ok:
		return reminder.NotFound
	case it.Reminder.OwnerID != ownerID:
		return reminder.NotOwner
	}
	delete(m.items, id)
	m.spent[id] = struct{}{}
	return reminder.Cancelled
}

// MemoryStore keeps reminders in process memory only.
type MemoryStore struct {
	mu     sync.Mutex
	idx    *memIndex
	closed bool
}

func NewMemory() *MemoryStore { return &MemoryStore{idx: newMemIndex()} }

func (s *MemoryStore) Insert(ctx context.Context, r reminder.Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.idx.taken(r.ID) {
		return reminder.ErrDuplicateID
	}
	s.idx.insert(r)
	return nil
}

func (s *MemoryStore) Reserve(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.idx.taken(id) {
		return reminder.ErrDuplicateID
	}
	s.idx.reserve(id)
	return nil
}

func (s *MemoryStore) FindDue(ctx context.Context, now time.Time, limit int) ([]reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.idx.due(now, limit), nil
}

func (s *MemoryStore) FindByOwner(ctx context.Context, ownerID int64) ([]reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.idx.byOwner(ownerID), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	return s.idx.remove(id), nil
}

func (s *MemoryStore) DeleteIfOwner(ctx context.Context, id string, ownerID int64) (reminder.CancelResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return reminder.NotFound, ErrClosed
	}
	return s.idx.cancel(id, ownerID), nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (reminder.Reminder, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return reminder.Reminder{}, false, ErrClosed
	}
	it, ok := s.idx.items[id]
	return it.Reminder, ok, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
