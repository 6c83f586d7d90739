package commands

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	logx "remindbot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] is the outermost middleware.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// slowCommand is the latency above which a successful command logs at Info.
const slowCommand = 750 * time.Millisecond

// MWTimeout bounds a command, including its store calls and the reply.
func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			err := next(cctx, req)
			if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return fmt.Errorf("command %s timed out after %s: %w", req.Cmd.Name, d, err)
			}
			return err
		}
	}
}

// MWPanicRecover turns a handler panic into an error so one bad message cannot
// take down a worker.
func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req.logger(log).Error("command panicked",
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("panic in %s: %v", req.Cmd.Name, r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)

			l := req.logger(log).With(logx.String("cmd", req.Cmd.Name), logx.Duration("took", took))
			switch {
			case err != nil:
				l.Warn("command failed", logx.Err(err))
			case took >= slowCommand:
				l.Info("command slow")
			default:
				l.Debug("command ok")
			}
			return err
		}
	}
}
