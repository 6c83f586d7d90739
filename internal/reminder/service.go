package reminder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"remindbot/internal/eventbus"
	logx "remindbot/pkg/logx"
)

const (
	maxIDAttempts = 8
	sweepTimeout  = 2 * time.Minute
	deleteTimeout = 5 * time.Second
)

type Config struct {
	EphemeralThreshold time.Duration
	SweepInterval      time.Duration
	BatchSize          int
	ListLimit          int
	DeliveryWorkers    int
}

func (c Config) withDefaults() Config {
	if c.EphemeralThreshold <= 0 {
		c.EphemeralThreshold = DefaultEphemeralThreshold
	}
	if c.SweepInterval < time.Second {
		c.SweepInterval = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.ListLimit <= 0 {
		c.ListLimit = 50
	}
	if c.DeliveryWorkers <= 0 {
		c.DeliveryWorkers = 4
	}
	return c
}

// SweepReport summarises one durable sweep.
type SweepReport struct {
	At           time.Time     `json:"at"`
	Due          int           `json:"due"`
	Delivered    int           `json:"delivered"`
	Unreachable  int           `json:"unreachable"`
	Failed       int           `json:"failed"`
	Skipped      int           `json:"skipped"`
	DeleteErrors int           `json:"delete_errors"`
	Took         time.Duration `json:"took"`
}

// EventData is the payload of reminder.* bus events.
type EventData struct {
	ID      string    `json:"id"`
	OwnerID int64     `json:"owner_id"`
	Tier    string    `json:"tier"`
	DueAt   time.Time `json:"due_at"`
	Outcome string    `json:"outcome,omitempty"`
}

type Option func(*Service)

// WithClock replaces the wall clock and the timer factory (tests use a virtual clock).
func WithClock(now func() time.Time, afterFunc AfterFunc) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
		if afterFunc != nil {
			s.afterFunc = afterFunc
		}
	}
}

func WithIDGenerator(g IDGenerator) Option {
	return func(s *Service) {
		if g != nil {
			s.ids = g
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Service routes reminders between the ephemeral timer table and the durable
// store, fires them through a Deliverer, and handles cancellation and listing.
type Service struct {
	log       logx.Logger
	bus       eventbus.Bus
	store     Store
	disp      Deliverer
	ids       IDGenerator
	now       func() time.Time
	afterFunc AfterFunc
	timers    *TimerTable
	ledger    *ledger
	metrics   *Metrics

	sweeping atomic.Bool

	mu    sync.Mutex
	cfg   Config
	c     *cron.Cron
	entry cron.EntryID

	// fmu guards runCtx, stopped and fires.Add so Stop can wait for in-flight
	// deliveries without racing new ones.
	fmu       sync.Mutex
	runCtx    context.Context
	cancelRun context.CancelFunc
	stopped   bool
	fires     sync.WaitGroup
}

func New(cfg Config, st Store, disp Deliverer, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:       cfg.withDefaults(),
		log:       log,
		bus:       bus,
		store:     st,
		disp:      disp,
		ids:       NewIDGenerator(),
		now:       time.Now,
		afterFunc: RealAfterFunc,
		ledger:    newLedger(0),
		runCtx:    context.Background(),
	}
	for _, o := range opts {
		o(s)
	}
	s.timers = NewTimerTable(s.afterFunc, s.now)
	return s
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps the runtime config. A changed sweep interval reschedules the sweep;
// a changed threshold only affects reminders scheduled afterwards.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if s.c != nil && old.SweepInterval != cfg.SweepInterval {
		s.c.Remove(s.entry)
		s.entry = s.c.Schedule(cron.Every(cfg.SweepInterval), cron.FuncJob(s.sweepTick))
		s.log.Info("sweep interval changed", logx.Duration("from", old.SweepInterval), logx.Duration("to", cfg.SweepInterval))
	}
}

// Schedule parses req, builds the reminder and stores it in the tier its delay
// calls for. The returned Reminder carries the assigned ID and due time.
func (s *Service) Schedule(ctx context.Context, req Request) (Reminder, error) {
	delay, err := ParseDuration(req.DurationText)
	if err != nil {
		return Reminder{}, err
	}
	if delay <= 0 {
		return Reminder{}, fmt.Errorf("%w: %q", ErrNonPositive, req.DurationText)
	}
	text := SanitizeText(req.Text)
	origin := strings.TrimSpace(req.Origin)
	if text == "" && origin == "" {
		return Reminder{}, ErrEmptyText
	}
	if s.isStopped() {
		return Reminder{}, ErrStopped
	}

	dest := Direct()
	if !req.Private {
		dest = Channel(req.ChatID, req.ThreadID)
	}
	// Stores keep millisecond instants. Rounding the due time up keeps it at or
	// after now+delay.
	now := s.now().UTC()
	due := now.Add(delay).Add(time.Millisecond - 1).Truncate(time.Millisecond)
	return s.insert(ctx, Reminder{
		OwnerID:     req.OwnerID,
		OwnerName:   strings.TrimSpace(req.OwnerName),
		Destination: dest,
		Text:        text,
		Origin:      origin,
		DueAt:       due,
		CreatedAt:   now.Truncate(time.Millisecond),
	})
}

// insert assigns a fresh ID to r and routes it by tier.
func (s *Service) insert(ctx context.Context, r Reminder) (Reminder, error) {
	tier := r.Tier(s.Config().EphemeralThreshold)

	for attempt := 1; attempt <= maxIDAttempts; attempt++ {
		r.ID = s.ids.NewID()
		if s.ledger.spent(r.ID) || s.timers.Has(r.ID) {
			continue
		}

		var err error
		if tier == TierEphemeral {
			// The store remembers every ID either tier ever used.
			if err = s.store.Reserve(ctx, r.ID); err == nil {
				err = s.timers.Schedule(r, s.fireEphemeral)
			}
		} else {
			err = s.store.Insert(ctx, r)
		}
		if errors.Is(err, ErrDuplicateID) {
			s.log.Debug("reminder id collision", logx.String("id", r.ID), logx.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return Reminder{}, fmt.Errorf("reminder: schedule %s: %w", tier, err)
		}

		s.metrics.scheduled(tier)
		s.metrics.pending(s.timers.Len())
		s.log.Info("reminder scheduled",
			logx.String("id", r.ID),
			logx.Int64("owner_id", r.OwnerID),
			logx.String("tier", tier.String()),
			logx.String("dest", string(r.Destination.Kind)),
			logx.Time("due_at", r.DueAt),
		)
		s.publish(eventbus.TypeReminderScheduled, r, tier, "")
		return r, nil
	}
	return Reminder{}, fmt.Errorf("%w: no free id after %d attempts", ErrDuplicateID, maxIDAttempts)
}

func (s *Service) fireEphemeral(r Reminder) {
	s.fmu.Lock()
	if s.stopped {
		s.fmu.Unlock()
		s.log.Warn("ephemeral reminder dropped during shutdown", logx.String("id", r.ID), logx.Int64("owner_id", r.OwnerID))
		return
	}
	s.fires.Add(1)
	ctx := s.runCtx
	s.fmu.Unlock()
	defer s.fires.Done()

	s.ledger.consume(r.ID)
	s.metrics.pending(s.timers.Len())
	s.recordFire(r, TierEphemeral, s.disp.Deliver(ctx, r))
}

// Cancel removes a pending reminder owned by ownerID. The ephemeral table is
// checked first, then the store.
func (s *Service) Cancel(ctx context.Context, id string, ownerID int64) (CancelResult, error) {
	id = NormalizeID(id)
	if !ValidID(id) {
		return NotFound, nil
	}

	switch s.timers.Cancel(id, ownerID) {
	case Cancelled:
		s.ledger.consume(id)
		s.metrics.pending(s.timers.Len())
		s.recordCancel(Reminder{ID: id, OwnerID: ownerID}, TierEphemeral)
		return Cancelled, nil
	case NotOwner:
		return NotOwner, nil
	}

	res, err := s.ledger.cancel(id, func() (CancelResult, error) {
		return s.store.DeleteIfOwner(ctx, id, ownerID)
	})
	if err != nil {
		return NotFound, fmt.Errorf("reminder: cancel %s: %w", id, err)
	}
	if res == Cancelled {
		s.recordCancel(Reminder{ID: id, OwnerID: ownerID}, TierDurable)
	}
	return res, nil
}

// List returns every pending reminder of ownerID from both tiers, soonest first.
func (s *Service) List(ctx context.Context, ownerID int64) ([]Reminder, error) {
	out := s.timers.List(ownerID)
	durable, err := s.store.FindByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("reminder: list: %w", err)
	}
	for _, r := range durable {
		if !s.ledger.spent(r.ID) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out, nil
}

// Pending reports how many ephemeral reminders are armed.
func (s *Service) Pending() int { return s.timers.Len() }

type sweepResult struct {
	outcome      Outcome
	skipped      bool
	deleteFailed bool
}

// Sweep delivers one batch of due durable reminders. Each record is deleted after
// its delivery attempt whatever the outcome, so a reminder is never delivered
// twice. Only a store query failure fails the sweep.
func (s *Service) Sweep(ctx context.Context) (SweepReport, error) {
	if !s.sweeping.CompareAndSwap(false, true) {
		return SweepReport{}, ErrSweepRunning
	}
	defer s.sweeping.Store(false)

	cfg := s.Config()
	started := time.Now()
	rep := SweepReport{At: s.now().UTC()}

	due, err := s.store.FindDue(ctx, rep.At, cfg.BatchSize)
	if err != nil {
		s.metrics.sweep(time.Since(started).Seconds(), true)
		return rep, fmt.Errorf("reminder: find due: %w", err)
	}
	rep.Due = len(due)

	results := make([]sweepResult, len(due))
	var g errgroup.Group
	g.SetLimit(cfg.DeliveryWorkers)
	for i, r := range due {
		g.Go(func() error {
			results[i] = s.fireDurable(ctx, r)
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		switch {
		case res.skipped:
			rep.Skipped++
		case res.outcome == Delivered:
			rep.Delivered++
		case res.outcome == Unreachable:
			rep.Unreachable++
		default:
			rep.Failed++
		}
		if res.deleteFailed {
			rep.DeleteErrors++
		}
	}
	rep.Took = time.Since(started)
	s.metrics.sweep(rep.Took.Seconds(), false)
	if rep.Due > 0 && s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeReminderSweep, Data: rep})
	}
	return rep, nil
}

func (s *Service) fireDurable(ctx context.Context, r Reminder) sweepResult {
	// Shutting down: leave the record for the next process.
	if ctx.Err() != nil {
		return sweepResult{skipped: true}
	}
	switch s.ledger.claim(r.ID) {
	case claimBusy:
		// A cancel is deleting it right now; if that fails the next sweep retries.
		return sweepResult{skipped: true}
	case claimSpent:
		// Already fired or cancelled; only make sure the row is gone.
		return sweepResult{skipped: true, deleteFailed: s.deleteConsumed(ctx, r.ID) != nil}
	}
	out := s.disp.Deliver(ctx, r)
	s.ledger.finish(r.ID)
	res := sweepResult{outcome: out, deleteFailed: s.deleteConsumed(ctx, r.ID) != nil}
	s.recordFire(r, TierDurable, out)
	return res
}

func (s *Service) deleteConsumed(ctx context.Context, id string) error {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deleteTimeout)
	defer cancel()
	if _, err := s.store.Delete(dctx, id); err != nil {
		s.log.Error("delete fired reminder failed", logx.String("id", id), logx.Err(err))
		return err
	}
	return nil
}

// Start schedules the periodic sweep and runs one immediately to catch up on
// reminders that fell due while the process was down.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	s.fmu.Lock()
	if s.stopped {
		s.fmu.Unlock()
		return ErrStopped
	}
	s.runCtx, s.cancelRun = context.WithCancel(ctx)
	s.fires.Add(1)
	s.fmu.Unlock()

	cl := logx.CronLogger{L: s.log}
	s.c = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	s.entry = s.c.Schedule(cron.Every(s.cfg.SweepInterval), cron.FuncJob(s.sweepTick))
	s.c.Start()

	go func() {
		defer s.fires.Done()
		s.sweepTick()
	}()

	s.log.Info("service started",
		logx.Duration("sweep_interval", s.cfg.SweepInterval),
		logx.Duration("ephemeral_threshold", s.cfg.EphemeralThreshold),
		logx.Int("batch_size", s.cfg.BatchSize),
	)
	return nil
}

func (s *Service) sweepTick() {
	s.fmu.Lock()
	base := s.runCtx
	s.fmu.Unlock()

	ctx, cancel := context.WithTimeout(base, sweepTimeout)
	defer cancel()

	rep, err := s.Sweep(ctx)
	switch {
	case errors.Is(err, ErrSweepRunning):
		s.log.Debug("sweep skipped: previous sweep still running")
	case err != nil:
		s.log.Warn("sweep failed; retrying next tick", logx.Err(err))
	case rep.Due > 0:
		s.log.Info("sweep done",
			logx.Int("due", rep.Due),
			logx.Int("delivered", rep.Delivered),
			logx.Int("unreachable", rep.Unreachable),
			logx.Int("failed", rep.Failed),
			logx.Int("skipped", rep.Skipped),
			logx.Duration("took", rep.Took),
		)
	}
}

// Stop halts the sweep, disarms ephemeral timers (their reminders are lost) and
// waits for in-flight deliveries until ctx expires.
func (s *Service) Stop(ctx context.Context) error {
	started := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	if dropped := s.timers.Drain(); len(dropped) > 0 {
		s.log.Warn("ephemeral reminders dropped on shutdown", logx.Int("count", len(dropped)))
	}
	s.metrics.pending(0)

	s.fmu.Lock()
	s.stopped = true
	cancel := s.cancelRun
	s.fmu.Unlock()
	if cancel != nil {
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		s.fires.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(started)))
	return nil
}

func (s *Service) isStopped() bool {
	s.fmu.Lock()
	defer s.fmu.Unlock()
	return s.stopped
}

func (s *Service) recordFire(r Reminder, tier Tier, out Outcome) {
	s.metrics.fired(tier, out)
	s.log.Info("reminder fired",
		logx.String("id", r.ID),
		logx.Int64("owner_id", r.OwnerID),
		logx.String("tier", tier.String()),
		logx.String("outcome", out.String()),
		logx.Duration("late", s.now().Sub(r.DueAt)),
	)
	s.publish(eventbus.TypeReminderFired, r, tier, out.String())
}

func (s *Service) recordCancel(r Reminder, tier Tier) {
	s.metrics.cancelled(tier)
	s.log.Info("reminder cancelled", logx.String("id", r.ID), logx.Int64("owner_id", r.OwnerID), logx.String("tier", tier.String()))
	s.publish(eventbus.TypeReminderCancelled, r, tier, "")
}

func (s *Service) publish(typ string, r Reminder, tier Tier, outcome string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: EventData{
		ID:      r.ID,
		OwnerID: r.OwnerID,
		Tier:    tier.String(),
		DueAt:   r.DueAt,
		Outcome: outcome,
	}})
}
