package reminder

import "sync"

const defaultConsumedCap = 4096

// ledger tracks, in process, which IDs a sweep is currently delivering (claimed),
// which a cancel is deleting (cancelling) and which were recently fired or
// cancelled (consumed).
//
// A durable record is claimed before delivery and deleted after it, so a cancel
// racing with the sweep has to go through the ledger: either it marks the ID
// first and the sweep leaves the record alone, or the sweep claimed first and the
// cancel reports NotFound. The consumed set also stops a record whose delete
// failed from being re-delivered. It is bounded; the store's spent IDs are what
// keeps an ID from ever being reused.
type ledger struct {
	mu         sync.Mutex
	claimed    map[string]struct{}
	cancelling map[string]struct{}
	consumed   map[string]struct{}
	order      []string
	cap        int
}

type claimResult int

const (
	claimAcquired claimResult = iota
	// claimBusy: a cancel is in flight; the outcome is not known yet.
	claimBusy
	// claimSpent: already delivered or cancelled.
	claimSpent
)

func newLedger(capacity int) *ledger {
	if capacity <= 0 {
		capacity = defaultConsumedCap
	}
	return &ledger{
		claimed:    map[string]struct{}{},
		cancelling: map[string]struct{}{},
		consumed:   map[string]struct{}{},
		cap:        capacity,
	}
}

// claim marks id as being delivered.
func (l *ledger) claim(id string) claimResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.cancelling[id]; ok {
		return claimBusy
	}
	if l.busyLocked(id) {
		return claimSpent
	}
	l.claimed[id] = struct{}{}
	return claimAcquired
}

func (l *ledger) busyLocked(id string) bool {
	_, c := l.claimed[id]
	_, x := l.cancelling[id]
	_, d := l.consumed[id]
	return c || x || d
}

// finish releases a claim and records id as consumed.
func (l *ledger) finish(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.claimed, id)
	l.consumeLocked(id)
}

func (l *ledger) consume(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consumeLocked(id)
}

func (l *ledger) consumeLocked(id string) {
	if _, ok := l.consumed[id]; ok {
		return
	}
	l.consumed[id] = struct{}{}
	l.order = append(l.order, id)
	if len(l.order) > l.cap {
		delete(l.consumed, l.order[0])
		l.order = l.order[1:]
	}
}

// spent reports whether id is claimed, being cancelled or was recently consumed.
func (l *ledger) spent(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.busyLocked(id)
}

// cancel runs del unless id is being delivered, cancelled or already spent. The
// ID is marked while del runs, so no sweep can claim it in between, but the
// ledger lock is not held across the store call. A successful cancel consumes id;
// any other result releases it.
func (l *ledger) cancel(id string, del func() (CancelResult, error)) (CancelResult, error) {
	l.mu.Lock()
	if l.busyLocked(id) {
		l.mu.Unlock()
		return NotFound, nil
	}
	l.cancelling[id] = struct{}{}
	l.mu.Unlock()

	res, err := del()

	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cancelling, id)
	if err == nil && res == Cancelled {
		l.consumeLocked(id)
	}
	return res, err
}
