package commands

import (
	"context"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	rtsup "remindbot/internal/runtime/supervisor"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

const (
	defaultWorkers  = 4
	defaultQueueCap = 256
	commandTimeout  = 15 * time.Second
)

// Router reads updates, parses commands and runs them on a bounded worker pool.
type Router struct {
	handle   HandlerFunc
	out      kit.Sender
	log      logx.Logger
	username func() string
	workers  int

	jobs chan func()

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

// NewRouter wires h behind the panic, logging and timeout middleware. username
// reports the bot's own handle; it may be nil.
func NewRouter(h *Handler, out kit.Sender, username func() string, workers int, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if workers <= 0 {
		workers = defaultWorkers
	}
	if username == nil {
		username = func() string { return "" }
	}
	return &Router{
		handle:   Chain(h.Handle, MWPanicRecover(log), MWRequestLog(log), MWTimeout(commandTimeout)),
		out:      out,
		log:      log,
		username: username,
		workers:  workers,
		jobs:     make(chan func(), defaultQueueCap),
	}
}

// Supervisor returns the worker pool supervisor (nil if not running).
func (rt *Router) Supervisor() *rtsup.Supervisor {
	rt.runMu.Lock()
	defer rt.runMu.Unlock()
	if !rt.running {
		return nil
	}
	return rt.sup
}

func (rt *Router) setSupervisor(sup *rtsup.Supervisor, running bool) {
	rt.runMu.Lock()
	rt.sup = sup
	rt.running = running
	rt.runMu.Unlock()
}

// tryEnqueue is a panic-safe enqueue (handles the jobs channel being closed).
func (rt *Router) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case rt.jobs <- fn:
		return true
	default:
		return false
	}
}

// Run dispatches updates until ctx is done or updates is closed.
func (rt *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx,
		rtsup.WithLogger(rt.log.With(logx.String("comp", "commands.router"))),
		rtsup.WithCancelOnError(false),
	)
	rt.setSupervisor(sup, true)
	rt.log.Info("command dispatcher started", logx.Int("workers", rt.workers), logx.Int("job_queue_cap", cap(rt.jobs)))

	for i := 0; i < rt.workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-rt.jobs:
					if !ok {
						return nil
					}
					rt.runJob(idx, job)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	}

	defer func() {
		rt.setSupervisor(sup, false)
		close(rt.jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		sup.Cancel()
		rt.setSupervisor(nil, false)
		rt.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			rt.route(ctx, up)
		}
	}
}

func (rt *Router) runJob(worker int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			rt.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (rt *Router) route(ctx context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	cmd := Parse(msg.Text, rt.username())
	if cmd.Kind == KindNone {
		return
	}

	rid := uuid.NewString()[:8]
	req := &Request{
		Msg:   msg,
		Cmd:   cmd,
		ReqID: rid,
		Log: rt.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int("thread_id", msg.ThreadID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}
	if !rt.tryEnqueue(func() { _ = rt.handle(ctx, req) }) {
		req.Log.Warn("command queue full")
		_, _ = rt.out.SendText(ctx, kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}, "busy, try again", nil)
	}
}
