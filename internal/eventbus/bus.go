package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the reminder service.
const (
	TypeReminderScheduled = "reminder.scheduled"
	TypeReminderFired     = "reminder.fired"
	TypeReminderCancelled = "reminder.cancelled"
	TypeReminderSweep     = "reminder.sweep"
	TypeConfigReloaded    = "config.reloaded"
)

// Event is a small in-memory signal used to decouple components.
//
// Publish never blocks: subscribers own a buffered channel and a slow subscriber
// drops events instead of stalling the publisher.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() *MemBus {
	return &MemBus{}
}

type subscriber struct {
	ch     chan Event
	closed bool
}

type MemBus struct {
	mu      sync.Mutex
	subs    []*subscriber
	dropped atomic.Uint64
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *MemBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s.closed {
			return
		}
		s.closed = true
		for i, cur := range b.subs {
			if cur == s {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		close(s.ch)
	}
	return s.ch, unsub
}

// Dropped reports how many events were discarded because a subscriber was full.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }
