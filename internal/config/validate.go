package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

// Validate checks everything that can be checked without opening connections.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(fmt.Errorf("telegram.token is required (or set %s)", EnvTelegramToken))
	}
	_, err := cfg.PollTimeout()
	add(err)

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		add(fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when logging.file.enabled"))
	}

	_, err = cfg.ServiceConfig()
	add(err)
	_, err = cfg.DispatcherConfig()
	add(err)
	r := cfg.Reminders
	for name, v := range map[string]int{
		"reminders.batch_size":       r.BatchSize,
		"reminders.list_limit":       r.ListLimit,
		"reminders.delivery_workers": r.DeliveryWorkers,
		"reminders.retry_max":        r.RetryMax,
		"reminders.rate_per_sec":     r.RatePerSec,
		"reminders.breaker_failures": r.BreakerFailures,
		"reminders.command_workers":  r.CommandWorkers,
	} {
		if v < 0 {
			add(fmt.Errorf("%s must be >= 0", name))
		}
	}

	add(validateStorage(cfg.Storage))

	if cfg.Ops.Enabled {
		host, _, err := net.SplitHostPort(cfg.OpsAddr())
		if err != nil {
			add(fmt.Errorf("ops.addr: %w", err))
		} else if !isLoopbackHost(host) && strings.TrimSpace(cfg.Ops.Token) == "" {
			add(fmt.Errorf("ops.addr %q is not loopback; set ops.token", cfg.OpsAddr()))
		}
	}
	return errors.Join(errs...)
}

func validateStorage(s StorageConfig) error {
	driver := strings.ToLower(strings.TrimSpace(s.Driver))
	switch driver {
	case "", "sqlite", "sqlite3", "file":
		if strings.TrimSpace(s.Path) == "" {
			return fmt.Errorf("storage.path is required for driver %q", s.Driver)
		}
	case "postgres", "postgresql", "pg", "redis":
		if strings.TrimSpace(s.DSN) == "" {
			return fmt.Errorf("storage.dsn is required for driver %q (or set %s)", s.Driver, EnvStorageDSN)
		}
	case "memory", "mem":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q (want one of %s)", s.Driver, strings.Join(storage.Drivers(), ", "))
	}
	if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
		return err
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
