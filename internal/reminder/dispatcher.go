package reminder

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

// Sink sends a rendered notification. The Telegram adapter implements it.
type Sink = kit.Sender

type Outcome int

const (
	Delivered Outcome = iota
	Unreachable
	SinkError
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Unreachable:
		return "unreachable"
	default:
		return "sink_error"
	}
}

// Deliverer is what Service needs from the dispatch side.
type Deliverer interface {
	Deliver(ctx context.Context, r Reminder) Outcome
}

type DispatcherConfig struct {
	// Timeout bounds a single send attempt.
	Timeout time.Duration
	// RetryMax is the number of extra attempts after a SinkError. 0 disables retry.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// RatePerSec caps sends across all reminders. <=0 disables the limiter.
	RatePerSec int
	// BreakerFailures is the consecutive-failure count that opens the breaker.
	// <=0 disables the breaker.
	BreakerFailures int
	BreakerCooldown time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}

// Dispatcher renders reminders and hands them to a Sink, classifying the result.
// It never returns an error: the caller consumes the reminder whatever happens.
type Dispatcher struct {
	sink Sink
	log  logx.Logger

	mu      sync.RWMutex
	cfg     DispatcherConfig
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker

	// sleep waits between retries; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(cfg DispatcherConfig, sink Sink, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{sink: sink, log: log, sleep: sleepCtx}
	d.Apply(cfg)
	return d
}

// Apply swaps dispatch knobs at runtime. The breaker is rebuilt, which resets its counts.
func (d *Dispatcher) Apply(cfg DispatcherConfig) {
	cfg = cfg.withDefaults()

	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	var cb *gobreaker.CircuitBreaker
	if cfg.BreakerFailures > 0 {
		failures := uint32(cfg.BreakerFailures)
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "reminder.sink",
			MaxRequests: 1,
			Timeout:     cfg.BreakerCooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= failures },
			// A blocked user says nothing about the health of the sink.
			IsSuccessful: func(err error) bool { return err == nil || errors.Is(err, ErrUnreachable) },
			OnStateChange: func(name string, from, to gobreaker.State) {
				d.log.Warn("sink breaker state changed", logx.String("from", from.String()), logx.String("to", to.String()))
			},
		})
	}

	d.mu.Lock()
	d.cfg, d.limiter, d.cb = cfg, lim, cb
	d.mu.Unlock()
}

func (d *Dispatcher) snapshot() (DispatcherConfig, *rate.Limiter, *gobreaker.CircuitBreaker) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg, d.limiter, d.cb
}

// Deliver sends r and reports how it went. SinkError is retried with backoff up to
// RetryMax times; Unreachable never is, and neither is a partial send.
func (d *Dispatcher) Deliver(ctx context.Context, r Reminder) Outcome {
	cfg, lim, cb := d.snapshot()
	to, msg := Render(r)
	log := d.log.With(logx.String("id", r.ID), logx.Int64("owner_id", r.OwnerID))

	for attempt := 1; ; attempt++ {
		err := d.sendOnce(ctx, cfg, lim, cb, to, msg.Text, msg.Opt)
		if err == nil {
			log.Debug("reminder delivered", logx.Int("attempt", attempt))
			return Delivered
		}
		if errors.Is(err, ErrUnreachable) {
			log.Warn("reminder destination unreachable", logx.String("outcome", Unreachable.String()), logx.Err(err))
			return Unreachable
		}
		if errors.Is(err, ErrPartialSend) {
			log.Warn("reminder partially delivered", logx.String("outcome", SinkError.String()), logx.Int("attempts", attempt), logx.Err(err))
			return SinkError
		}
		if attempt > cfg.RetryMax || ctx.Err() != nil {
			log.Warn("reminder delivery failed", logx.String("outcome", SinkError.String()), logx.Int("attempts", attempt), logx.Err(err))
			return SinkError
		}
		wait := retryDelay(cfg, attempt)
		log.Debug("reminder delivery retry", logx.Int("attempt", attempt), logx.Duration("backoff", wait), logx.Err(err))
		if d.sleep(ctx, wait) != nil {
			log.Warn("reminder delivery failed", logx.String("outcome", SinkError.String()), logx.Int("attempts", attempt), logx.Err(err))
			return SinkError
		}
	}
}

func (d *Dispatcher) sendOnce(ctx context.Context, cfg DispatcherConfig, lim *rate.Limiter, cb *gobreaker.CircuitBreaker, to kit.ChatTarget, text string, opt *kit.SendOptions) error {
	if d.sink == nil {
		return errors.New("reminder: no sink configured")
	}
	sctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if lim != nil {
		if err := lim.Wait(sctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}
	send := func() (any, error) {
		_, err := d.sink.SendText(sctx, to, text, opt)
		return nil, err
	}
	if cb == nil {
		_, err := send()
		return err
	}
	_, err := cb.Execute(send)
	return err
}

// retryDelay is exponential from RetryBase with 0.7..1.3 jitter. attempt starts at 1
// and the delay is for the next attempt.
func retryDelay(cfg DispatcherConfig, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	return time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
