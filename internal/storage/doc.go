// Package storage persists durable reminders.
//
// Drivers:
//   - "memory":   process-local map (tests, throwaway runs)
//   - "file":     dependency-free JSONL journal + snapshot
//   - "sqlite":   SQLite database file via modernc.org/sqlite (default)
//   - "postgres": PostgreSQL via lib/pq
//   - "redis":    Redis sorted sets + hashes via go-redis
package storage
