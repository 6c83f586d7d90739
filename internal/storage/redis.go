package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

// redisStore layout (prefix defaults to "remindbot:"):
//
//	<p>r:<id>        HASH  owner, seq, data (JSON reminder)
//	<p>due           ZSET  id scored by due unix millis
//	<p>owner:<owner> ZSET  id scored by due unix millis
//	<p>seq           INT   insertion sequence
//	<p>spent         SET   IDs deleted or reserved; never reused
//
// Insert and delete run as Lua scripts so each is atomic.
type redisStore struct {
	c      *redis.Client
	log    logx.Logger
	prefix string
}

var insertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
if redis.call('SISMEMBER', KEYS[5], ARGV[1]) == 1 then return 0 end
local seq = redis.call('INCR', KEYS[3])
redis.call('HSET', KEYS[1], 'owner', ARGV[2], 'seq', seq, 'data', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
redis.call('ZADD', KEYS[4], ARGV[4], ARGV[1])
return 1
`)

// Returns 1 deleted, 0 missing, -1 owned by someone else.
var deleteScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'owner')
if not owner then return 0 end
if ARGV[2] ~= '' and owner ~= ARGV[2] then return -1 end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', ARGV[3] .. owner, ARGV[1])
redis.call('SADD', KEYS[3], ARGV[1])
return 1
`)

var reserveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
return redis.call('SADD', KEYS[2], ARGV[1])
`)

func openRedis(cfg Config, log logx.Logger) (reminder.Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for redis driver")
	}
	var opts *redis.Options
	if strings.Contains(dsn, "://") {
		o, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = o
	} else {
		opts = &redis.Options{Addr: dsn}
	}
	c := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "remindbot:"
	}
	log.Info("redis store opened", logx.String("addr", opts.Addr), logx.String("prefix", prefix))
	return &redisStore{c: c, log: log, prefix: prefix}, nil
}

func (s *redisStore) recKey(id string) string { return s.prefix + "r:" + id }
func (s *redisStore) dueKey() string          { return s.prefix + "due" }
func (s *redisStore) ownerPrefix() string     { return s.prefix + "owner:" }
func (s *redisStore) ownerKey(owner int64) string {
	return s.ownerPrefix() + strconv.FormatInt(owner, 10)
}
func (s *redisStore) seqKey() string   { return s.prefix + "seq" }
func (s *redisStore) spentKey() string { return s.prefix + "spent" }

func (s *redisStore) Close() error { return s.c.Close() }

func (s *redisStore) Insert(ctx context.Context, r reminder.Reminder) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	n, err := insertScript.Run(ctx, s.c,
		[]string{s.recKey(r.ID), s.dueKey(), s.seqKey(), s.ownerKey(r.OwnerID), s.spentKey()},
		r.ID, strconv.FormatInt(r.OwnerID, 10), string(data), r.DueAt.UnixMilli(),
	).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return reminder.ErrDuplicateID
	}
	return nil
}

func (s *redisStore) Reserve(ctx context.Context, id string) error {
	n, err := reserveScript.Run(ctx, s.c, []string{s.recKey(id), s.spentKey()}, id).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return reminder.ErrDuplicateID
	}
	return nil
}

func (s *redisStore) FindDue(ctx context.Context, now time.Time, limit int) ([]reminder.Reminder, error) {
	args := redis.ZRangeArgs{
		Key:     s.dueKey(),
		Start:   "-inf",
		Stop:    strconv.FormatInt(now.UnixMilli(), 10),
		ByScore: true,
	}
	if limit > 0 {
		args.Count = int64(limit)
	}
	ids, err := s.c.ZRangeArgs(ctx, args).Result()
	if err != nil {
		return nil, err
	}
	return s.load(ctx, ids)
}

func (s *redisStore) FindByOwner(ctx context.Context, ownerID int64) ([]reminder.Reminder, error) {
	ids, err := s.c.ZRange(ctx, s.ownerKey(ownerID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return s.load(ctx, ids)
}

func (s *redisStore) Delete(ctx context.Context, id string) (bool, error) {
	n, err := s.delete(ctx, id, "")
	return n == 1, err
}

func (s *redisStore) DeleteIfOwner(ctx context.Context, id string, ownerID int64) (reminder.CancelResult, error) {
	n, err := s.delete(ctx, id, strconv.FormatInt(ownerID, 10))
	switch {
	case err != nil:
		return reminder.NotFound, err
	case n == 1:
		return reminder.Cancelled, nil
	case n == -1:
		return reminder.NotOwner, nil
	default:
		return reminder.NotFound, nil
	}
}

func (s *redisStore) delete(ctx context.Context, id, owner string) (int, error) {
	return deleteScript.Run(ctx, s.c, []string{s.recKey(id), s.dueKey(), s.spentKey()}, id, owner, s.ownerPrefix()).Int()
}

func (s *redisStore) Get(ctx context.Context, id string) (reminder.Reminder, bool, error) {
	out, err := s.load(ctx, []string{id})
	if err != nil || len(out) == 0 {
		return reminder.Reminder{}, false, err
	}
	return out[0], true, nil
}

// load fetches records by ID and orders them by (DueAt, seq). IDs deleted in the
// meantime are skipped.
func (s *redisStore) load(ctx context.Context, ids []string) ([]reminder.Reminder, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.c.Pipeline()
	cmds := make([]*redis.SliceCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HMGet(ctx, s.recKey(id), "seq", "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	type row struct {
		seq int64
		r   reminder.Reminder
	}
	rows := make([]row, 0, len(ids))
	for i, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) != 2 || vals[0] == nil || vals[1] == nil {
			continue
		}
		seq, _ := strconv.ParseInt(fmt.Sprint(vals[0]), 10, 64)
		var r reminder.Reminder
		if err := json.Unmarshal([]byte(fmt.Sprint(vals[1])), &r); err != nil {
			s.log.Warn("skipping undecodable reminder", logx.String("id", ids[i]), logx.Err(err))
			continue
		}
		rows = append(rows, row{seq: seq, r: r})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].r.DueAt.Equal(rows[j].r.DueAt) {
			return rows[i].r.DueAt.Before(rows[j].r.DueAt)
		}
		return rows[i].seq < rows[j].seq
	})
	out := make([]reminder.Reminder, len(rows))
	for i, rw := range rows {
		out[i] = rw.r
	}
	return out, nil
}
