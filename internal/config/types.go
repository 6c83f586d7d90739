// Package config loads the bot configuration from JSON or YAML, applies .env
// overrides for secrets, validates it and watches the file for hot reloads.
package config

import (
	"time"

	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

// Config is the on-disk configuration. All durations are Go duration strings
// ("500ms", "10s", "1m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Reminders RemindersConfig `json:"reminders"`
	Storage   StorageConfig   `json:"storage"`
	Ops       OpsConfig       `json:"ops,omitempty"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// RemindersConfig tunes scheduling and delivery.
//
// Defaults (when fields are omitted/zero):
//   - sweep_interval: "10s" (also the lateness bound shown to users)
//   - ephemeral_threshold: "60s"
//   - batch_size: 100
//   - list_limit: 50
//   - delivery_timeout: "10s"
//   - delivery_workers: 4
//   - retry_max: 0 (a failed send is not retried)
//   - retry_base: "500ms"
//   - rate_per_sec: 25
//   - breaker_failures: 5, breaker_cooldown: "30s"
//   - command_workers: 4
type RemindersConfig struct {
	SweepInterval      string `json:"sweep_interval,omitempty"`
	EphemeralThreshold string `json:"ephemeral_threshold,omitempty"`
	BatchSize          int    `json:"batch_size,omitempty"`
	ListLimit          int    `json:"list_limit,omitempty"`
	DeliveryTimeout    string `json:"delivery_timeout,omitempty"`
	DeliveryWorkers    int    `json:"delivery_workers,omitempty"`
	RetryMax           int    `json:"retry_max,omitempty"`
	RetryBase          string `json:"retry_base,omitempty"`
	RatePerSec         int    `json:"rate_per_sec,omitempty"`
	BreakerFailures    int    `json:"breaker_failures,omitempty"`
	BreakerCooldown    string `json:"breaker_cooldown,omitempty"`
	CommandWorkers     int    `json:"command_workers,omitempty"`
}

// StorageConfig selects the durable store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/reminders.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres DSN or redis URL (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"`
	KeyPrefix   string `json:"key_prefix,omitempty"`
}

// OpsConfig controls the health/metrics/pprof HTTP server.
//
// Security note: bind to loopback unless a token is set.
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default "127.0.0.1:9090"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)
}

const (
	defaultRatePerSec      = 25
	defaultBreakerFailures = 5
	defaultOpsAddr         = "127.0.0.1:9090"
)

func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		JSON:    c.Logging.JSON,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
	}
}

func (c *Config) PollTimeout() (time.Duration, error) {
	return ParseDurationOrDefault("telegram.poll_timeout", c.Telegram.PollTimeout, 10*time.Second)
}

// ServiceConfig maps the reminders section onto reminder.Config. Zero values are
// left for reminder.Config's own defaults.
func (c *Config) ServiceConfig() (reminder.Config, error) {
	r := c.Reminders
	sweep, err := ParseDurationField("reminders.sweep_interval", r.SweepInterval)
	if err != nil {
		return reminder.Config{}, err
	}
	threshold, err := ParseDurationField("reminders.ephemeral_threshold", r.EphemeralThreshold)
	if err != nil {
		return reminder.Config{}, err
	}
	return reminder.Config{
		EphemeralThreshold: threshold,
		SweepInterval:      sweep,
		BatchSize:          r.BatchSize,
		ListLimit:          r.ListLimit,
		DeliveryWorkers:    r.DeliveryWorkers,
	}, nil
}

func (c *Config) DispatcherConfig() (reminder.DispatcherConfig, error) {
	r := c.Reminders
	timeout, err := ParseDurationField("reminders.delivery_timeout", r.DeliveryTimeout)
	if err != nil {
		return reminder.DispatcherConfig{}, err
	}
	base, err := ParseDurationField("reminders.retry_base", r.RetryBase)
	if err != nil {
		return reminder.DispatcherConfig{}, err
	}
	cooldown, err := ParseDurationField("reminders.breaker_cooldown", r.BreakerCooldown)
	if err != nil {
		return reminder.DispatcherConfig{}, err
	}
	rps := r.RatePerSec
	if rps == 0 {
		rps = defaultRatePerSec
	}
	failures := r.BreakerFailures
	if failures == 0 {
		failures = defaultBreakerFailures
	}
	return reminder.DispatcherConfig{
		Timeout:         timeout,
		RetryMax:        r.RetryMax,
		RetryBase:       base,
		RatePerSec:      rps,
		BreakerFailures: failures,
		BreakerCooldown: cooldown,
	}, nil
}

func (c *Config) StoreConfig() (storage.Config, error) {
	busy, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      c.Storage.Driver,
		Path:        c.Storage.Path,
		DSN:         c.Storage.DSN,
		BusyTimeout: busy,
		KeyPrefix:   c.Storage.KeyPrefix,
	}, nil
}

// OpsAddr returns the configured listen address or the loopback default.
func (c *Config) OpsAddr() string {
	if c.Ops.Addr == "" {
		return defaultOpsAddr
	}
	return c.Ops.Addr
}
