package app

import (
	"context"
	"time"

	logx "remindbot/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

// notifier talks to the service manager. Outside systemd every call is a no-op.
type notifier interface {
	Ready() error
	Stopping() error
	Watchdog() error
	WatchdogInterval() time.Duration
}

type systemdNotifier struct{}

func (systemdNotifier) Ready() error    { return sdNotify(daemon.SdNotifyReady) }
func (systemdNotifier) Stopping() error { return sdNotify(daemon.SdNotifyStopping) }
func (systemdNotifier) Watchdog() error { return sdNotify(daemon.SdNotifyWatchdog) }

func (systemdNotifier) WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return 0
	}
	return d
}

func sdNotify(state string) error {
	_, err := daemon.SdNotify(false, state)
	return err
}

// runWatchdog pings the systemd watchdog at half its interval until ctx ends.
func runWatchdog(ctx context.Context, n notifier, log logx.Logger) {
	every := n.WatchdogInterval() / 2
	if every <= 0 {
		return
	}
	log.Debug("systemd watchdog enabled", logx.Duration("every", every))
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := n.Watchdog(); err != nil {
				log.Warn("systemd watchdog ping failed", logx.Err(err))
			}
		}
	}
}
