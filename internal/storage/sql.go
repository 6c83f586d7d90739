package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqlStore implements reminder.Store on database/sql. Queries are written with
// "?" placeholders and rebound per dialect. Instants are stored as unix millis.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	dialect string
}

const reminderCols = `id, owner_id, owner_name, dest_kind, channel_id, thread_id, text, origin, due_at, created_at`

func (s *sqlStore) q(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/" + s.dialect + ".sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("migrate %s: %w", s.dialect, err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// inTx runs fn in a transaction and commits when it returns nil.
func (s *sqlStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) exists(ctx context.Context, tx *sql.Tx, table, id string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, s.q(`SELECT 1 FROM `+table+` WHERE id = ?`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *sqlStore) spend(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, s.q(`INSERT INTO spent_ids(id) VALUES(?) ON CONFLICT(id) DO NOTHING`), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqlStore) Insert(ctx context.Context, r reminder.Reminder) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if spent, err := s.exists(ctx, tx, "spent_ids", r.ID); err != nil {
			return err
		} else if spent {
			return reminder.ErrDuplicateID
		}
		res, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO reminders(`+reminderCols+`) VALUES(?,?,?,?,?,?,?,?,?,?)
			 ON CONFLICT(id) DO NOTHING`),
			r.ID, r.OwnerID, r.OwnerName, string(r.Destination.Kind), r.Destination.ChannelID, r.Destination.ThreadID,
			r.Text, r.Origin, r.DueAt.UnixMilli(), r.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return reminder.ErrDuplicateID
		}
		return nil
	})
}

func (s *sqlStore) Reserve(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if live, err := s.exists(ctx, tx, "reminders", id); err != nil {
			return err
		} else if live {
			return reminder.ErrDuplicateID
		}
		added, err := s.spend(ctx, tx, id)
		if err != nil {
			return err
		}
		if !added {
			return reminder.ErrDuplicateID
		}
		return nil
	})
}

func (s *sqlStore) FindDue(ctx context.Context, now time.Time, limit int) ([]reminder.Reminder, error) {
	query := `SELECT ` + reminderCols + ` FROM reminders WHERE due_at <= ? ORDER BY due_at, seq`
	args := []any{now.UnixMilli()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

func (s *sqlStore) FindByOwner(ctx context.Context, ownerID int64) ([]reminder.Reminder, error) {
	return s.query(ctx, `SELECT `+reminderCols+` FROM reminders WHERE owner_id = ? ORDER BY due_at, seq`, ownerID)
}

func (s *sqlStore) Delete(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM reminders WHERE id = ?`), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil || n == 0 {
			return err
		}
		deleted = true
		_, err = s.spend(ctx, tx, id)
		return err
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

func (s *sqlStore) DeleteIfOwner(ctx context.Context, id string, ownerID int64) (reminder.CancelResult, error) {
	out := reminder.NotFound
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM reminders WHERE id = ? AND owner_id = ?`), id, ownerID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n > 0 {
			out = reminder.Cancelled
			_, err = s.spend(ctx, tx, id)
			return err
		}
		live, err := s.exists(ctx, tx, "reminders", id)
		if live {
			out = reminder.NotOwner
		}
		return err
	})
	if err != nil {
		return reminder.NotFound, err
	}
	return out, nil
}

func (s *sqlStore) Get(ctx context.Context, id string) (reminder.Reminder, bool, error) {
	out, err := s.query(ctx, `SELECT `+reminderCols+` FROM reminders WHERE id = ?`, id)
	if err != nil || len(out) == 0 {
		return reminder.Reminder{}, false, err
	}
	return out[0], true, nil
}

func (s *sqlStore) query(ctx context.Context, query string, args ...any) ([]reminder.Reminder, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []reminder.Reminder
	for rows.Next() {
		var (
			r                reminder.Reminder
			kind             string
			thread           int64
			dueMS, createdMS int64
		)
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.OwnerName, &kind, &r.Destination.ChannelID, &thread,
			&r.Text, &r.Origin, &dueMS, &createdMS); err != nil {
			return nil, err
		}
		r.Destination.Kind = reminder.DestinationKind(kind)
		r.Destination.ThreadID = int(thread)
		r.DueAt = time.UnixMilli(dueMS).UTC()
		r.CreatedAt = time.UnixMilli(createdMS).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
