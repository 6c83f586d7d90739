package config

import (
	"sort"
	"strings"

	logx "remindbot/pkg/logx"
)

// SummarizeConfigChange lists the changed top-level sections and returns safe
// log fields describing the new values. Tokens and DSNs are reported only as
// set/unset. restart is true when a changed section is only read at startup.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart bool) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	o, n := oldCfg.Telegram, newCfg.Telegram
	if o.Token != n.Token || strings.TrimSpace(o.PollTimeout) != strings.TrimSpace(n.PollTimeout) {
		changed = append(changed, "telegram")
		restart = true
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(n.PollTimeout)),
			logx.Bool("telegram.token_changed", o.Token != n.Token),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.json", newCfg.Logging.JSON),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Reminders != newCfg.Reminders {
		r := newCfg.Reminders
		changed = append(changed, "reminders")
		if oldCfg.Reminders.CommandWorkers != r.CommandWorkers {
			restart = true
		}
		attrs = append(attrs,
			logx.String("reminders.sweep_interval", r.SweepInterval),
			logx.String("reminders.ephemeral_threshold", r.EphemeralThreshold),
			logx.Int("reminders.batch_size", r.BatchSize),
			logx.Int("reminders.delivery_workers", r.DeliveryWorkers),
			logx.Int("reminders.retry_max", r.RetryMax),
			logx.Int("reminders.rate_per_sec", r.RatePerSec),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		s := newCfg.Storage
		changed = append(changed, "storage")
		restart = true
		attrs = append(attrs,
			logx.String("storage.driver", s.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(s.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(s.DSN) != ""),
		)
	}

	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		restart = true
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.OpsAddr()),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs, restart
}
