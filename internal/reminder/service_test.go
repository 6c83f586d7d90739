package reminder

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"remindbot/internal/eventbus"
	logx "remindbot/pkg/logx"
)

type harness struct {
	svc   *Service
	clk   *fakeClock
	store *memStore
	disp  *recorder
	ids   *seqIDs
	bus   *eventbus.MemBus
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		clk:   newFakeClock(),
		store: newMemStore(),
		disp:  newRecorder(),
		ids:   &seqIDs{},
		bus:   eventbus.New(),
	}
	h.svc = New(cfg, h.store, h.disp, logx.Nop(), h.bus,
		WithClock(h.clk.Now, h.clk.AfterFunc),
		WithIDGenerator(h.ids),
		WithMetrics(NewMetrics(nil)),
	)
	return h
}

func (h *harness) schedule(t *testing.T, dur, text string, owner int64) Reminder {
	t.Helper()
	r, err := h.svc.Schedule(context.Background(), Request{
		DurationText: dur,
		Text:         text,
		OwnerID:      owner,
		OwnerName:    "user",
		ChatID:       -100500,
		ThreadID:     4,
	})
	if err != nil {
		t.Fatalf("Schedule(%s): %v", dur, err)
	}
	return r
}

func (h *harness) sweep(t *testing.T) SweepReport {
	t.Helper()
	rep, err := h.svc.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	return rep
}

func TestScheduleRoutesByTier(t *testing.T) {
	h := newHarness(t, Config{})
	eph := h.schedule(t, "59s", "short", 1)
	dur := h.schedule(t, "60s", "boundary", 1)
	long := h.schedule(t, "61s", "long", 1)

	if h.svc.Pending() != 1 || !h.svc.timers.Has(eph.ID) {
		t.Fatalf("59s reminder should be ephemeral")
	}
	if h.store.Len() != 2 {
		t.Fatalf("store len = %d, want 2", h.store.Len())
	}
	for _, r := range []Reminder{dur, long} {
		if _, ok, _ := h.store.Get(context.Background(), r.ID); !ok {
			t.Fatalf("%s should be durable", r.ID)
		}
	}
	if !eph.DueAt.Equal(t0.Add(59*time.Second)) || !eph.CreatedAt.Equal(t0) {
		t.Fatalf("times = %v / %v", eph.DueAt, eph.CreatedAt)
	}
}

func TestScheduleValidation(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	if _, err := h.svc.Schedule(ctx, Request{DurationText: "soon", Text: "x", OwnerID: 1}); !errors.Is(err, ErrParse) {
		t.Fatalf("err = %v, want ErrParse", err)
	}
	if _, err := h.svc.Schedule(ctx, Request{DurationText: "0m", Text: "x", OwnerID: 1}); !errors.Is(err, ErrNonPositive) {
		t.Fatalf("err = %v, want ErrNonPositive", err)
	}
	if _, err := h.svc.Schedule(ctx, Request{DurationText: "5m", Text: " \x00 ", OwnerID: 1}); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("err = %v, want ErrEmptyText", err)
	}
	r, err := h.svc.Schedule(ctx, Request{DurationText: "5m", OwnerID: 1, Origin: "https://t.me/c/1/2"})
	if err != nil {
		t.Fatalf("origin-only reminder: %v", err)
	}
	if r.Text != "" || r.Origin != "https://t.me/c/1/2" {
		t.Fatalf("unexpected reminder %+v", r)
	}
}

func TestScheduleDestination(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	r, err := h.svc.Schedule(ctx, Request{DurationText: "5m", Text: "dm", OwnerID: 7, ChatID: 7, Private: true})
	if err != nil {
		t.Fatal(err)
	}
	if !r.Destination.IsDirect() {
		t.Fatalf("private request should deliver directly, got %+v", r.Destination)
	}
	r = h.schedule(t, "5m", "group", 7)
	if r.Destination != Channel(-100500, 4) {
		t.Fatalf("destination = %+v, want channel thread", r.Destination)
	}
}

func TestEphemeralFiresExactlyOnce(t *testing.T) {
	h := newHarness(t, Config{})
	r := h.schedule(t, "30s", "tea", 1)

	h.clk.Advance(29 * time.Second)
	if len(h.disp.IDs()) != 0 {
		t.Fatal("fired early")
	}
	h.clk.Advance(time.Second)
	h.clk.Advance(time.Hour)
	if h.disp.Count(r.ID) != 1 {
		t.Fatalf("delivered %d times, want 1", h.disp.Count(r.ID))
	}
	if h.svc.Pending() != 0 {
		t.Fatalf("pending = %d after fire", h.svc.Pending())
	}
	if res, _ := h.svc.Cancel(context.Background(), r.ID, 1); res != NotFound {
		t.Fatalf("cancel after fire = %v, want not_found", res)
	}
}

func TestDurableSweepDeliversOnce(t *testing.T) {
	h := newHarness(t, Config{})
	r := h.schedule(t, "2m", "standup", 1)

	if rep := h.sweep(t); rep.Due != 0 {
		t.Fatalf("early sweep due = %d", rep.Due)
	}
	h.clk.Advance(2 * time.Minute)
	rep := h.sweep(t)
	if rep.Due != 1 || rep.Delivered != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if h.store.Len() != 0 {
		t.Fatal("fired record should be deleted")
	}
	if rep := h.sweep(t); rep.Due != 0 {
		t.Fatalf("second sweep due = %d", rep.Due)
	}
	if h.disp.Count(r.ID) != 1 {
		t.Fatalf("delivered %d times, want 1", h.disp.Count(r.ID))
	}
}

func TestSweepConsumesWhateverTheOutcome(t *testing.T) {
	h := newHarness(t, Config{})
	ok := h.schedule(t, "5m", "a", 1)
	gone := h.schedule(t, "5m", "b", 2)
	bad := h.schedule(t, "5m", "c", 3)
	h.disp.outcomes[gone.ID] = Unreachable
	h.disp.outcomes[bad.ID] = SinkError

	h.clk.Advance(5 * time.Minute)
	rep := h.sweep(t)
	if rep.Due != 3 || rep.Delivered != 1 || rep.Unreachable != 1 || rep.Failed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if h.store.Len() != 0 {
		t.Fatalf("store len = %d, want 0", h.store.Len())
	}
	h.sweep(t)
	for _, r := range []Reminder{ok, gone, bad} {
		if h.disp.Count(r.ID) != 1 {
			t.Fatalf("%s attempted %d times, want 1", r.ID, h.disp.Count(r.ID))
		}
	}
}

func TestSweepBatchLimitAndOrder(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 2, DeliveryWorkers: 1})
	late := h.schedule(t, "3m", "late", 1)
	early := h.schedule(t, "2m", "early", 1)
	mid := h.schedule(t, "150s", "mid", 1)

	h.clk.Advance(10 * time.Minute)
	if rep := h.sweep(t); rep.Due != 2 {
		t.Fatalf("due = %d, want 2", rep.Due)
	}
	got := h.disp.IDs()
	if len(got) != 2 || got[0] != early.ID || got[1] != mid.ID {
		t.Fatalf("delivered %v, want [%s %s]", got, early.ID, mid.ID)
	}
	if rep := h.sweep(t); rep.Due != 1 || h.disp.Count(late.ID) != 1 {
		t.Fatalf("second batch = %+v", rep)
	}
}

func TestSweepDeleteFailureDoesNotRedeliver(t *testing.T) {
	h := newHarness(t, Config{})
	r := h.schedule(t, "5m", "x", 1)
	h.store.deleteErrs = 1

	h.clk.Advance(5 * time.Minute)
	rep := h.sweep(t)
	if rep.Delivered != 1 || rep.DeleteErrors != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if h.store.Len() != 1 {
		t.Fatal("record should still be in the store after failed delete")
	}

	rep = h.sweep(t)
	if rep.Skipped != 1 || rep.DeleteErrors != 0 {
		t.Fatalf("retry report = %+v", rep)
	}
	if h.store.Len() != 0 || h.disp.Count(r.ID) != 1 {
		t.Fatalf("store len %d, deliveries %d", h.store.Len(), h.disp.Count(r.ID))
	}
	if list, _ := h.svc.List(context.Background(), 1); len(list) != 0 {
		t.Fatalf("fired reminder still listed: %v", list)
	}
}

func TestSweepStoreErrorFailsSweep(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.findErr = errors.New("db down")
	if _, err := h.svc.Sweep(context.Background()); err == nil {
		t.Fatal("expected sweep error")
	}
}

func TestCancel(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	eph := h.schedule(t, "10s", "eph", 1)
	dur := h.schedule(t, "1h", "dur", 1)

	for _, id := range []string{eph.ID, dur.ID} {
		if res, err := h.svc.Cancel(ctx, id, 2); err != nil || res != NotOwner {
			t.Fatalf("cancel %s by other = %v %v, want not_owner", id, res, err)
		}
	}
	if res, _ := h.svc.Cancel(ctx, "zzzz99", 1); res != NotFound {
		t.Fatalf("cancel unknown = %v", res)
	}
	if res, _ := h.svc.Cancel(ctx, "not an id!", 1); res != NotFound {
		t.Fatalf("cancel garbage = %v", res)
	}
	if res, _ := h.svc.Cancel(ctx, eph.ID, 1); res != Cancelled {
		t.Fatalf("cancel ephemeral = %v", res)
	}
	if res, _ := h.svc.Cancel(ctx, " "+toUpper(dur.ID)+" ", 1); res != Cancelled {
		t.Fatalf("cancel durable (case-folded) = %v", res)
	}
	if res, _ := h.svc.Cancel(ctx, dur.ID, 1); res != NotFound {
		t.Fatalf("cancel twice = %v", res)
	}

	h.clk.Advance(2 * time.Hour)
	h.sweep(t)
	if got := h.disp.IDs(); len(got) != 0 {
		t.Fatalf("cancelled reminders delivered: %v", got)
	}
}

func toUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}

func TestCancelLookalikeID(t *testing.T) {
	h := newHarness(t, Config{})
	h.ids.next = []string{"r00101"}
	h.schedule(t, "5m", "x", 1)
	if res, _ := h.svc.Cancel(context.Background(), "ROOlOl", 1); res != Cancelled {
		t.Fatalf("cancel with look-alike letters = %v, want cancelled", res)
	}
}

func TestCancelDuringDeliveryReportsNotFound(t *testing.T) {
	h := newHarness(t, Config{})
	r := h.schedule(t, "5m", "x", 1)
	h.disp.gate = make(chan struct{})
	h.disp.entered = make(chan string, 1)

	h.clk.Advance(5 * time.Minute)
	done := make(chan SweepReport, 1)
	go func() {
		rep, _ := h.svc.Sweep(context.Background())
		done <- rep
	}()
	<-h.disp.entered

	if res, err := h.svc.Cancel(context.Background(), r.ID, 1); err != nil || res != NotFound {
		t.Fatalf("cancel while delivering = %v %v, want not_found", res, err)
	}
	if _, err := h.svc.Sweep(context.Background()); !errors.Is(err, ErrSweepRunning) {
		t.Fatalf("concurrent sweep err = %v, want ErrSweepRunning", err)
	}
	close(h.disp.gate)
	rep := <-done
	if rep.Delivered != 1 || h.store.Len() != 0 {
		t.Fatalf("report = %+v store len %d", rep, h.store.Len())
	}
}

func TestIDCollisionRetries(t *testing.T) {
	h := newHarness(t, Config{})
	h.ids.next = []string{"r00001", "r00001", "r00001", "r00002"}
	a := h.schedule(t, "10s", "a", 1)
	b := h.schedule(t, "10m", "b", 1)
	c := h.schedule(t, "10s", "c", 1)
	if a.ID != "r00001" || b.ID != "r00002" {
		t.Fatalf("ids = %s %s", a.ID, b.ID)
	}
	if c.ID == a.ID || c.ID == b.ID {
		t.Fatalf("duplicate id %s", c.ID)
	}
}

func TestListMergesTiers(t *testing.T) {
	h := newHarness(t, Config{})
	later := h.schedule(t, "1d", "later", 1)
	soon := h.schedule(t, "20s", "soon", 1)
	mid := h.schedule(t, "2h", "mid", 1)
	h.schedule(t, "1h", "someone else", 2)

	list, err := h.svc.List(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 || list[0].ID != soon.ID || list[1].ID != mid.ID || list[2].ID != later.ID {
		t.Fatalf("list = %v", list)
	}
}

func TestEventsPublished(t *testing.T) {
	h := newHarness(t, Config{})
	ch, unsub := h.bus.Subscribe(16)
	defer unsub()

	r := h.schedule(t, "5s", "x", 1)
	h.clk.Advance(5 * time.Second)

	var types []string
	for len(types) < 2 {
		select {
		case e := <-ch:
			types = append(types, e.Type)
			if d, ok := e.Data.(EventData); ok && d.ID != r.ID {
				t.Fatalf("event for %s, want %s", d.ID, r.ID)
			}
		case <-time.After(time.Second):
			t.Fatalf("events = %v", types)
		}
	}
	if types[0] != eventbus.TypeReminderScheduled || types[1] != eventbus.TypeReminderFired {
		t.Fatalf("events = %v", types)
	}
}

func TestStopDropsEphemeral(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.schedule(t, "10s", "lost", 1)
	dur := h.schedule(t, "10m", "kept", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.svc.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	h.clk.Advance(time.Minute)
	if len(h.disp.IDs()) != 0 {
		t.Fatal("ephemeral reminder fired after stop")
	}
	if _, ok, _ := h.store.Get(context.Background(), dur.ID); !ok {
		t.Fatal("durable reminder should survive stop")
	}
	if _, err := h.svc.Schedule(context.Background(), Request{DurationText: "5m", Text: "x", OwnerID: 1}); !errors.Is(err, ErrStopped) {
		t.Fatalf("schedule after stop err = %v, want ErrStopped", err)
	}
}

func TestStartCatchesUpOverdue(t *testing.T) {
	h := newHarness(t, Config{})
	r := h.schedule(t, "1h", "overdue", 1)
	h.clk.Advance(3 * time.Hour)

	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for h.disp.Count(r.ID) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = h.svc.Stop(ctx)
	if h.disp.Count(r.ID) != 1 {
		t.Fatalf("catch-up sweep delivered %d times, want 1", h.disp.Count(r.ID))
	}
}

func TestApplyChangesThreshold(t *testing.T) {
	h := newHarness(t, Config{})
	h.svc.Apply(Config{EphemeralThreshold: 5 * time.Minute})
	h.schedule(t, "2m", "now ephemeral", 1)
	if h.svc.Pending() != 1 || h.store.Len() != 0 {
		t.Fatalf("pending %d store %d", h.svc.Pending(), h.store.Len())
	}
}

func TestScheduleListCancelSweepScenario(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	r, err := h.svc.Schedule(ctx, Request{DurationText: "10m", Text: "Stretch", OwnerID: 42, OwnerName: "user", ChatID: 42, Private: true})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if !r.DueAt.Equal(t0.Add(600*time.Second)) || !r.Destination.IsDirect() || r.Text != "Stretch" {
		t.Fatalf("scheduled %+v", r)
	}
	list, err := h.svc.List(ctx, 42)
	if err != nil || len(list) != 1 || list[0].ID != r.ID {
		t.Fatalf("List = %v %v, want [%s]", list, err, r.ID)
	}
	if res, err := h.svc.Cancel(ctx, r.ID, 42); err != nil || res != Cancelled {
		t.Fatalf("Cancel = %v %v, want cancelled", res, err)
	}
	if list, _ := h.svc.List(ctx, 42); len(list) != 0 {
		t.Fatalf("List after cancel = %v", list)
	}

	h.clk.Advance(601 * time.Second)
	if rep := h.sweep(t); rep.Due != 0 {
		t.Fatalf("sweep after cancel = %+v, want nothing due", rep)
	}
	if h.disp.Count(r.ID) != 0 {
		t.Fatal("cancelled reminder delivered")
	}
}

func TestSpentIDsNeverReissued(t *testing.T) {
	tests := []struct {
		name          string
		first, second string
		cancel        bool
		restart       bool
	}{
		{name: "durable fired then restart", first: "5m", second: "10m", restart: true},
		{name: "ephemeral fired then restart", first: "10s", second: "10s", restart: true},
		{name: "ephemeral fired then durable after restart", first: "10s", second: "10m", restart: true},
		{name: "durable cancelled then ephemeral after restart", first: "5m", second: "10s", cancel: true, restart: true},
		{name: "durable fired long ago in process", first: "5m", second: "5m"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			ctx := context.Background()
			h.ids.next = []string{"r00001"}
			r := h.schedule(t, tt.first, "first", 1)

			if tt.cancel {
				if res, err := h.svc.Cancel(ctx, r.ID, 1); err != nil || res != Cancelled {
					t.Fatalf("Cancel = %v %v", res, err)
				}
			} else {
				h.clk.Advance(10 * time.Minute)
				h.sweep(t)
				if h.disp.Count(r.ID) != 1 {
					t.Fatalf("first reminder delivered %d times", h.disp.Count(r.ID))
				}
			}

			svc := h.svc
			if tt.restart {
				svc = New(Config{}, h.store, h.disp, logx.Nop(), h.bus,
					WithClock(h.clk.Now, h.clk.AfterFunc),
					WithIDGenerator(h.ids),
					WithMetrics(NewMetrics(nil)),
				)
			} else {
				for i := 0; i < defaultConsumedCap; i++ {
					svc.ledger.consume(fmt.Sprintf("x%05d", i))
				}
			}

			h.ids.next = []string{r.ID}
			got, err := svc.Schedule(ctx, Request{DurationText: tt.second, Text: "second", OwnerID: 2, ChatID: 2, Private: true})
			if err != nil {
				t.Fatalf("Schedule: %v", err)
			}
			if got.ID == r.ID {
				t.Fatalf("spent id %s handed out again", r.ID)
			}
		})
	}
}

func TestScheduleEphemeralReserveError(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.reserveErr = errors.New("db down")

	_, err := h.svc.Schedule(context.Background(), Request{DurationText: "10s", Text: "x", OwnerID: 1})
	if err == nil || errors.Is(err, ErrDuplicateID) {
		t.Fatalf("err = %v, want store error", err)
	}
	if h.svc.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", h.svc.Pending())
	}
}

func TestDueAtNeverBeforeRequestedDelay(t *testing.T) {
	tests := []struct {
		offset time.Duration
		dur    string
		delay  time.Duration
	}{
		{0, "10s", 10 * time.Second},
		{time.Microsecond, "10s", 10 * time.Second},
		{999 * time.Microsecond, "10s", 10 * time.Second},
		{1500 * time.Microsecond, "10s", 10 * time.Second},
		{1500 * time.Microsecond, "5m", 5 * time.Minute},
		{time.Millisecond - time.Nanosecond, "2h", 2 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s+%v", tt.dur, tt.offset), func(t *testing.T) {
			h := newHarness(t, Config{})
			h.clk.Advance(tt.offset)
			now := h.clk.Now()
			r := h.schedule(t, tt.dur, "x", 1)

			want := now.Add(tt.delay)
			if r.DueAt.Before(want) || r.DueAt.Sub(want) >= time.Millisecond {
				t.Fatalf("DueAt = %v, want within [%v, +1ms)", r.DueAt, want)
			}
			if r.DueAt.Nanosecond()%int(time.Millisecond) != 0 {
				t.Fatalf("DueAt %v not on a millisecond", r.DueAt)
			}

			h.clk.Advance(tt.delay - time.Nanosecond)
			h.sweep(t)
			if h.disp.Count(r.ID) != 0 {
				t.Fatal("fired before now + delay")
			}
			h.clk.Advance(time.Millisecond)
			h.sweep(t)
			if h.disp.Count(r.ID) != 1 {
				t.Fatalf("delivered %d times after due, want 1", h.disp.Count(r.ID))
			}
		})
	}
}
