package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

const compactEvery = 500

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot of every live reminder and spent ID)
//   - <prefix>.journal.jsonl (append-only journal of puts, deletes and reservations)
//
// The journal is compacted into the snapshot on open and every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu           sync.Mutex
	idx          *memIndex
	snapshotPath string
	journal      *os.File
	writes       int
}

type journalOp struct {
	Op   string   `json:"op"` // "put" | "del" | "res"
	ID   string   `json:"id"`
	Item *memItem `json:"item,omitempty"`
}

type snapshot struct {
	Seq   uint64    `json:"seq"`
	Items []memItem `json:"items"`
	Spent []string  `json:"spent,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (reminder.Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	idx := newMemIndex()
	if err := loadSnapshot(snapPath, idx); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	replayed, err := replayJournal(journalPath, idx)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s := &fileStore{log: log, idx: idx, snapshotPath: snapPath, journal: jf}
	if replayed > 0 {
		if err := s.compactLocked(); err != nil {
			log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	log.Info("file store opened", logx.String("path", prefix), logx.Int("reminders", len(idx.items)))
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) appendLocked(op journalOp) error {
	if s.journal == nil {
		return ErrClosed
	}
	b, err := json.Marshal(op)
	if err != nil {
		return err
	}
	if _, err := s.journal.Write(append(b, '\n')); err != nil {
		return err
	}
	if err := s.journal.Sync(); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Insert(ctx context.Context, r reminder.Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx.taken(r.ID) {
		return reminder.ErrDuplicateID
	}
	it := memItem{Seq: s.idx.seq + 1, Reminder: r}
	if err := s.appendLocked(journalOp{Op: "put", ID: r.ID, Item: &it}); err != nil {
		return err
	}
	s.idx.put(it)
	return nil
}

func (s *fileStore) Reserve(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx.taken(id) {
		return reminder.ErrDuplicateID
	}
	if err := s.appendLocked(journalOp{Op: "res", ID: id}); err != nil {
		return err
	}
	s.idx.reserve(id)
	return nil
}

func (s *fileStore) FindDue(ctx context.Context, now time.Time, limit int) ([]reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	return s.idx.due(now, limit), nil
}

func (s *fileStore) FindByOwner(ctx context.Context, ownerID int64) ([]reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	return s.idx.byOwner(ownerID), nil
}

func (s *fileStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.idx.has(id) {
		return false, nil
	}
	if err := s.appendLocked(journalOp{Op: "del", ID: id}); err != nil {
		return false, err
	}
	return s.idx.remove(id), nil
}

func (s *fileStore) DeleteIfOwner(ctx context.Context, id string, ownerID int64) (reminder.CancelResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.idx.items[id]
	if !ok {
		return reminder.NotFound, nil
	}
	if it.Reminder.OwnerID != ownerID {
		return reminder.NotOwner, nil
	}
	if err := s.appendLocked(journalOp{Op: "del", ID: id}); err != nil {
		return reminder.NotFound, err
	}
	return s.idx.cancel(id, ownerID), nil
}

func (s *fileStore) Get(ctx context.Context, id string) (reminder.Reminder, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.idx.items[id]
	return it.Reminder, ok, nil
}

func (s *fileStore) compactLocked() error {
	snap := snapshot{Seq: s.idx.seq, Items: make([]memItem, 0, len(s.idx.items))}
	for _, it := range s.idx.items {
		snap.Items = append(snap.Items, it)
	}
	snap.Spent = make([]string, 0, len(s.idx.spent))
	for id := range s.idx.spent {
		snap.Spent = append(snap.Spent, id)
	}
	sort.Strings(snap.Spent)

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, idx *memIndex) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, it := range snap.Items {
		idx.put(it)
	}
	for _, id := range snap.Spent {
		idx.reserve(id)
	}
	if snap.Seq > idx.seq {
		idx.seq = snap.Seq
	}
	return nil
}

// replayJournal applies journal ops on top of the snapshot. A torn last line
// (crash mid-write) is skipped.
func replayJournal(path string, idx *memIndex) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil || op.ID == "" {
			continue
		}
		switch op.Op {
		case "put":
			if op.Item != nil {
				idx.put(*op.Item)
			}
		case "del":
			idx.remove(op.ID)
		case "res":
			idx.reserve(op.ID)
		}
		n++
	}
	return n, sc.Err()
}
