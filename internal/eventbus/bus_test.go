package eventbus

import "testing"

func TestPublishFansOutAndDrops(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(1)
	defer unsubA()
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: TypeReminderScheduled})
	b.Publish(Event{Type: TypeReminderFired})

	if e := <-a; e.Type != TypeReminderScheduled || e.Time.IsZero() {
		t.Fatalf("a got %+v", e)
	}
	if got := len(c); got != 2 {
		t.Fatalf("c buffered %d events, want 2", got)
	}
	if b.Dropped() != 1 {
		t.Fatalf("dropped=%d want 1", b.Dropped())
	}
}

func TestUnsubscribeClosesOnce(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(0)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
	b.Publish(Event{Type: TypeReminderSweep})
}
