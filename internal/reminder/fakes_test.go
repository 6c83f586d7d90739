package reminder

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	kit "remindbot/internal/transport"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

// fakeClock is a virtual clock. Advance fires due timers synchronously, in due order.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// memStore is a minimal Store for service tests.
type memStore struct {
	mu    sync.Mutex
	seq   int
	items map[string]storeItem
	spent map[string]struct{}

	findErr    error
	reserveErr error
	deleteErrs int // fail this many Delete calls
	deletes    int
}

type storeItem struct {
	seq int
	r   Reminder
}

func newMemStore() *memStore {
	return &memStore{items: map[string]storeItem{}, spent: map[string]struct{}{}}
}

func (s *memStore) taken(id string) bool {
	_, live := s.items[id]
	_, spent := s.spent[id]
	return live || spent
}

func (s *memStore) Insert(_ context.Context, r Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.taken(r.ID) {
		return ErrDuplicateID
	}
	s.seq++
	s.items[r.ID] = storeItem{seq: s.seq, r: r}
	return nil
}

func (s *memStore) Reserve(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reserveErr != nil {
		return s.reserveErr
	}
	if s.taken(id) {
		return ErrDuplicateID
	}
	s.spent[id] = struct{}{}
	return nil
}

func (s *memStore) sorted(keep func(Reminder) bool) []Reminder {
	its := make([]storeItem, 0, len(s.items))
	for _, it := range s.items {
		if keep(it.r) {
			its = append(its, it)
		}
	}
	sort.Slice(its, func(i, j int) bool {
		if !its[i].r.DueAt.Equal(its[j].r.DueAt) {
			return its[i].r.DueAt.Before(its[j].r.DueAt)
		}
		return its[i].seq < its[j].seq
	})
	out := make([]Reminder, len(its))
	for i, it := range its {
		out[i] = it.r
	}
	return out
}

func (s *memStore) FindDue(_ context.Context, now time.Time, limit int) ([]Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	out := s.sorted(func(r Reminder) bool { return !r.DueAt.After(now) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) FindByOwner(_ context.Context, ownerID int64) ([]Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(func(r Reminder) bool { return r.OwnerID == ownerID }), nil
}

func (s *memStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	if s.deleteErrs > 0 {
		s.deleteErrs--
		return false, errors.New("store unavailable")
	}
	_, ok := s.items[id]
	if ok {
		delete(s.items, id)
		s.spent[id] = struct{}{}
	}
	return ok, nil
}

func (s *memStore) DeleteIfOwner(_ context.Context, id string, ownerID int64) (CancelResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return NotFound, nil
	}
	if it.r.OwnerID != ownerID {
		return NotOwner, nil
	}
	delete(s.items, id)
	s.spent[id] = struct{}{}
	return Cancelled, nil
}

func (s *memStore) Get(_ context.Context, id string) (Reminder, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	return it.r, ok, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// recorder is a Deliverer that records what it was asked to deliver.
type recorder struct {
	mu       sync.Mutex
	got      []Reminder
	outcomes map[string]Outcome // per-ID outcome; Delivered by default

	// When gate is non-nil Deliver signals entered and blocks until gate closes.
	gate    chan struct{}
	entered chan string
}

func newRecorder() *recorder { return &recorder{outcomes: map[string]Outcome{}} }

func (d *recorder) Deliver(ctx context.Context, r Reminder) Outcome {
	if d.gate != nil {
		d.entered <- r.ID
		<-d.gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.got = append(d.got, r)
	if o, ok := d.outcomes[r.ID]; ok {
		return o
	}
	return Delivered
}

func (d *recorder) IDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.got))
	for i, r := range d.got {
		out[i] = r.ID
	}
	return out
}

func (d *recorder) Count(id string) int {
	n := 0
	for _, got := range d.IDs() {
		if got == id {
			n++
		}
	}
	return n
}

// seqIDs hands out a fixed list of IDs, then r00100, r00101, ...
type seqIDs struct {
	mu   sync.Mutex
	next []string
	n    int
}

func (g *seqIDs) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.next) > 0 {
		id := g.next[0]
		g.next = g.next[1:]
		return id
	}
	g.n++
	return "r" + string(idAlphabet[(g.n/1024)%32]) + string(idAlphabet[(g.n/32)%32]) + string(idAlphabet[g.n%32]) + "00"
}

// sinkCall is one SendText invocation seen by fakeSink.
type sinkCall struct {
	to   kit.ChatTarget
	text string
	opt  *kit.SendOptions
}

type fakeSink struct {
	mu    sync.Mutex
	calls []sinkCall
	errs  []error // consumed in order; nil afterwards
}

func (s *fakeSink) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{to: to, text: text, opt: opt})
	var err error
	if len(s.errs) > 0 {
		err = s.errs[0]
		s.errs = s.errs[1:]
	}
	if err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: len(s.calls)}, nil
}

func (s *fakeSink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}
