package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage: closed")

// Config configures the durable store.
type Config struct {
	Driver string
	// Path is the database or journal file for the sqlite and file drivers.
	Path string
	// DSN is the connection string for postgres, or the redis URL
	// (redis://[:password@]host:port/db).
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// KeyPrefix namespaces redis keys.
	KeyPrefix string
}
