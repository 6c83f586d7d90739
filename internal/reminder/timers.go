package reminder

import (
	"sort"
	"sync"
	"time"
)

// Timer is the part of *time.Timer the table needs.
type Timer interface {
	Stop() bool
}

// AfterFunc arms f to run once after d. Tests inject a virtual clock here.
type AfterFunc func(d time.Duration, f func()) Timer

// RealAfterFunc is AfterFunc backed by time.AfterFunc.
func RealAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

type timerEntry struct {
	r     Reminder
	t     Timer
	armed uint64
}

// TimerTable holds ephemeral reminders as one-shot timers keyed by ID.
//
// Firing and cancelling both remove the entry under mu; whichever gets there first
// wins, so a reminder is either delivered or cancelled, never both. A timer whose
// entry is gone (or was re-armed) does nothing when it fires.
type TimerTable struct {
	mu        sync.Mutex
	afterFunc AfterFunc
	now       func() time.Time
	entries   map[string]*timerEntry
	seq       uint64
	drained   bool
}

func NewTimerTable(afterFunc AfterFunc, now func() time.Time) *TimerTable {
	if afterFunc == nil {
		afterFunc = RealAfterFunc
	}
	if now == nil {
		now = time.Now
	}
	return &TimerTable{afterFunc: afterFunc, now: now, entries: map[string]*timerEntry{}}
}

// Schedule arms a timer for r.DueAt. onFire runs on the timer goroutine after the
// entry has been removed.
func (t *TimerTable) Schedule(r Reminder, onFire func(Reminder)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.drained {
		return ErrStopped
	}
	if _, ok := t.entries[r.ID]; ok {
		return ErrDuplicateID
	}
	t.seq++
	armed := t.seq
	e := &timerEntry{r: r, armed: armed}
	t.entries[r.ID] = e

	delay := max(r.DueAt.Sub(t.now()), 0)
	e.t = t.afterFunc(delay, func() { t.fire(r.ID, armed, onFire) })
	return nil
}

func (t *TimerTable) fire(id string, armed uint64, onFire func(Reminder)) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok || e.armed != armed {
		t.mu.Unlock()
		return
	}
	delete(t.entries, id)
	t.mu.Unlock()

	if onFire != nil {
		onFire(e.r)
	}
}

// Cancel removes id if ownerID owns it.
func (t *TimerTable) Cancel(id string, ownerID int64) CancelResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return NotFound
	}
	if e.r.OwnerID != ownerID {
		return NotOwner
	}
	delete(t.entries, id)
	if e.t != nil {
		e.t.Stop()
	}
	return Cancelled
}

// List returns ownerID's pending reminders ordered by DueAt.
func (t *TimerTable) List(ownerID int64) []Reminder {
	t.mu.Lock()
	out := make([]Reminder, 0, 4)
	for _, e := range t.entries {
		if e.r.OwnerID == ownerID {
			out = append(out, e.r)
		}
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].DueAt.Before(out[j].DueAt)
	})
	return out
}

func (t *TimerTable) Has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[id]
	return ok
}

func (t *TimerTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Drain disarms every timer and refuses further Schedule calls. Pending ephemeral
// reminders are dropped; it returns what was dropped.
func (t *TimerTable) Drain() []Reminder {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.drained = true
	out := make([]Reminder, 0, len(t.entries))
	for id, e := range t.entries {
		if e.t != nil {
			e.t.Stop()
		}
		out = append(out, e.r)
		delete(t.entries, id)
	}
	return out
}
