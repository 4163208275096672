package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "remindbot/pkg/logx"
)

const fileCompactEvery = 500

// fileStore keeps every row in memory and persists changes to disk.
//
// Files:
//   - <prefix>.snapshot.json  (all rows at the last compaction)
//   - <prefix>.journal.jsonl  (append-only row states since the snapshot)
//
// A change is appended to the journal before it is applied in memory, so a
// failed write leaves the in-memory state untouched.
type fileStore struct {
	log logx.Logger
	loc *time.Location

	mu sync.Mutex
	ix *index

	snapshotPath string
	journal      journalFile
	writes       int
}

// journalFile is the part of *os.File the store writes through.
type journalFile interface {
	io.Writer
	io.Seeker
	io.Closer
	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
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

	loc := cfg.location()
	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	ix := newIndex()
	if err := loadSnapshot(snapPath, ix, loc); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	skipped, err := replayJournal(journalPath, ix, loc)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if skipped > 0 {
		log.Warn("skipped corrupt journal lines", logx.Int("count", skipped), logx.String("path", journalPath))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	log.Info("file store opened", logx.String("path", prefix), logx.Int("rows", len(ix.rows)))

	return &fileStore{
		log:          log,
		loc:          loc,
		ix:           ix,
		snapshotPath: snapPath,
		journal:      jf,
	}, nil
}

func (s *fileStore) Insert(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	r = normalize(r, s.loc)
	if _, err := s.ix.get(r.ID); err == nil {
		return ErrDuplicateID
	}
	if err := s.appendLocked(r); err != nil {
		return err
	}
	s.ix.put(r)
	return nil
}

func (s *fileStore) Get(ctx context.Context, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ix.get(id)
}

func (s *fileStore) Range(ctx context.Context, q RangeQuery) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ix.query(q), nil
}

func (s *fileStore) Transition(ctx context.Context, t Transition) (bool, error) {
	if err := t.validate(); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return false, ErrClosed
	}
	r, ok, err := s.ix.next(t)
	if err != nil || !ok {
		return false, err
	}
	r = normalize(r, s.loc)
	if err := s.appendLocked(r); err != nil {
		return false, err
	}
	s.ix.put(r)
	return true, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	cerr := s.compactLocked()
	if cerr != nil {
		s.log.Warn("compact on close failed", logx.Err(cerr))
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) appendLocked(r Record) error {
	b, err := json.Marshal(toRow(r, s.loc))
	if err != nil {
		return err
	}
	b = append(b, '\n')
	info, err := s.journal.Stat()
	if err != nil {
		return err
	}
	// A failed append is cut back to the previous length so a torn line
	// never swallows the next record on replay.
	off := info.Size()
	if _, err := s.journal.Write(b); err != nil {
		s.rollbackLocked(off)
		return err
	}
	if err := s.journal.Sync(); err != nil {
		s.rollbackLocked(off)
		return err
	}
	s.writes++
	if s.writes%fileCompactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) rollbackLocked(off int64) {
	if err := s.journal.Truncate(off); err != nil {
		s.log.Warn("journal rollback failed", logx.Err(err), logx.Int64("offset", off))
	}
}

// compactLocked writes all rows to the snapshot and truncates the journal.
// The snapshot is replaced atomically via rename.
func (s *fileStore) compactLocked() error {
	rows := make([]row, 0, len(s.ix.rows))
	for _, r := range s.ix.query(RangeQuery{}) {
		rows = append(rows, toRow(r, s.loc))
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(rows); err != nil {
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
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, ix *index, loc *time.Location) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var rows []row
	if err := json.NewDecoder(f).Decode(&rows); err != nil {
		return err
	}
	for _, w := range rows {
		ix.put(w.record(loc))
	}
	return nil
}

// replayJournal applies journal lines in order; the last state of a row wins.
func replayJournal(path string, ix *index, loc *time.Location) (skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var w row
		if err := json.Unmarshal(sc.Bytes(), &w); err != nil || w.ID == "" {
			// A torn final line is expected after a crash mid-write.
			skipped++
			continue
		}
		ix.put(w.record(loc))
	}
	return skipped, sc.Err()
}
