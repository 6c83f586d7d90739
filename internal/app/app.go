// Package app wires configuration, storage, the reminder service, the Telegram
// adapter and the ops server into one supervised process.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"remindbot/internal/commands"
	"remindbot/internal/config"
	"remindbot/internal/eventbus"
	"remindbot/internal/observability/ops"
	"remindbot/internal/reminder"
	rtsup "remindbot/internal/runtime/supervisor"
	"remindbot/internal/storage"
	kit "remindbot/internal/transport"
	telegram "remindbot/internal/transport/telegram/adapter"
	logx "remindbot/pkg/logx"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// botAdapter is the slice of the Telegram adapter the app depends on.
type botAdapter interface {
	kit.Adapter
	kit.CommandMenuUpdater
	Username() string
}

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus
	reg  *prometheus.Registry

	store   reminder.Store
	adapter botAdapter
	disp    *reminder.Dispatcher
	svc     *reminder.Service
	router  *commands.Router
	ops     *ops.Server

	updates chan kit.Update
	notify  notifier
}

// NewApp loads cfgPath (plus a .env file next to it) and builds every
// component. Nothing is started yet.
func NewApp(cfgPath string) (*App, error) {
	if err := config.LoadDotEnv(filepath.Join(filepath.Dir(cfgPath), ".env")); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	pollTimeout, err := cfg.PollTimeout()
	if err != nil {
		return nil, err
	}
	bootLog := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "telegram"))
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg, ad)
}

func build(cfgm *config.Manager, cfg *config.Config, ad botAdapter) (*App, error) {
	logSvc, log := logx.New(cfg.LogConfig())

	sc, err := cfg.StoreConfig()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	svcCfg, err := cfg.ServiceConfig()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	dispCfg, err := cfg.DispatcherConfig()
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	bus := eventbus.New()

	disp := reminder.NewDispatcher(dispCfg, ad, log.With(logx.String("comp", "dispatcher")))
	svc := reminder.New(svcCfg, store, disp, log.With(logx.String("comp", "reminders")), bus,
		reminder.WithMetrics(reminder.NewMetrics(reg)))

	h := commands.NewHandler(svc, ad, log.With(logx.String("comp", "commands")))
	router := commands.NewRouter(h, ad, ad.Username, cfg.Reminders.CommandWorkers, log)

	opsSrv := ops.New(ops.Config{Enabled: cfg.Ops.Enabled, Addr: cfg.OpsAddr(), Token: cfg.Ops.Token}, reg, log)
	opsSrv.AddCheck("store", func(ctx context.Context) error {
		_, _, err := store.Get(ctx, "000000")
		return err
	})
	opsSrv.AddCheck("telegram", func(context.Context) error {
		if sp, ok := ad.(interface{ Supervisor() *rtsup.Supervisor }); ok {
			if sup := sp.Supervisor(); sup != nil {
				return sup.Err()
			}
		}
		return nil
	})

	return &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     bus,
		reg:     reg,
		store:   store,
		adapter: ad,
		disp:    disp,
		svc:     svc,
		router:  router,
		ops:     opsSrv,
		updates: make(chan kit.Update, 256),
		notify:  systemdNotifier{},
	}, nil
}

// Service exposes the reminder service, mainly for tests.
func (a *App) Service() *reminder.Service { return a.svc }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	// Reminders first, so overdue durable ones are swept before new commands arrive.
	if err := a.svc.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sup.Go0("telegram.menu", func(c context.Context) {
		mctx, cancel := context.WithTimeout(c, 10*time.Second)
		defer cancel()
		if err := a.adapter.UpdateMenuCommands(mctx, commands.MenuCommands()); err != nil {
			a.log.Warn("command menu update failed", logx.Err(err))
		}
	})
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})
	if err := a.ops.Start(a.sup.Context()); err != nil {
		return err
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.logEvent(e)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go0("systemd.watchdog", func(c context.Context) { runWatchdog(c, a.notify, a.log) })
	if err := a.notify.Ready(); err != nil {
		a.log.Debug("systemd notify failed", logx.Err(err))
	}

	a.log.Info("app started", logx.String("bot", a.adapter.Username()))
	return nil
}

// applyConfig pushes the hot-reloadable sections into running components.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart {
		a.log.Warn("some config changes need a restart to take effect", logx.String("changed", strings.Join(sections, ",")))
	}

	a.logs.Apply(newCfg.LogConfig())

	if svcCfg, err := newCfg.ServiceConfig(); err != nil {
		a.log.Warn("invalid reminders config; keeping previous", logx.Err(err))
	} else {
		a.svc.Apply(svcCfg)
	}
	if dispCfg, err := newCfg.DispatcherConfig(); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(dispCfg)
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) logEvent(e eventbus.Event) {
	fields := []logx.Field{logx.String("type", e.Type)}
	switch d := e.Data.(type) {
	case reminder.EventData:
		fields = append(fields,
			logx.String("id", d.ID),
			logx.Int64("owner_id", d.OwnerID),
			logx.String("tier", d.Tier),
		)
		if d.Outcome != "" {
			fields = append(fields, logx.String("outcome", d.Outcome))
		}
	case reminder.SweepReport:
		fields = append(fields, logx.Int("due", d.Due), logx.Duration("took", d.Took))
	}
	a.log.Debug("event", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if err := a.notify.Stopping(); err != nil {
		a.log.Debug("systemd notify failed", logx.Err(err))
	}

	// Intake stops first so no command races the reminder shutdown.
	a.sup.Cancel()

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	collect(a.step(ctx, "adapter", 3*time.Second, a.adapter.Stop))
	collect(a.step(ctx, "reminders", 5*time.Second, a.svc.Stop))
	collect(a.step(ctx, "ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil }))
	collect(a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() }))
	collect(a.step(ctx, "supervisor", 3*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}))

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

// step runs one shutdown step bounded by limit (never beyond ctx's deadline).
// A step that ignores its context is abandoned and logged.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			return fmt.Errorf("%s: %w", name, err)
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		return nil
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
		return fmt.Errorf("%s: %w", name, stepCtx.Err())
	}
}
