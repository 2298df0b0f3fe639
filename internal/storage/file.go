package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "pewsched/pkg/logx"
)

const fileCompactEvery = 200

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl              (append-only JSON Lines)
//   - <prefix>.schedules.snapshot.json  (periodic snapshot)
//   - <prefix>.schedules.journal.jsonl  (append-only journal)
//
// The journal is compacted into the snapshot on open and every few hundred writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditPath string
	auditFile *os.File

	snapshotPath string
	journalFile  *os.File
	rows         map[string]Record

	writes int
}

type journalOp struct {
	Op     string  `json:"op"` // put | del
	Key    string  `json:"key"`
	Record *Record `json:"record,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".schedules.snapshot.json"
	journalPath := prefix + ".schedules.journal.jsonl"

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	rows := map[string]Record{}
	if err := loadSnapshot(snapPath, rows); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("schedule snapshot unreadable; starting from journal", logx.Err(err))
	}
	if err := replayJournal(journalPath, rows); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("schedule journal replay incomplete", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	s := &fileStore{
		log:          log,
		auditPath:    auditPath,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
		rows:         rows,
	}
	s.mu.Lock()
	if err := s.compactLocked(); err != nil {
		log.Debug("schedule compact on open failed", logx.Err(err))
	}
	s.mu.Unlock()
	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("schedules", len(rows)))
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.journalFile != nil {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("schedule compact on close failed", logx.Err(err))
		}
		err1 = s.journalFile.Close()
		s.journalFile = nil
	}
	if s.auditFile != nil {
		err2 = s.auditFile.Close()
		s.auditFile = nil
	}
	return errors.Join(err1, err2)
}

func (s *fileStore) LoadSchedule(ctx context.Context, key string) (Record, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[strings.TrimSpace(key)]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (s *fileStore) ListSchedules(ctx context.Context) ([]Record, error) {
	_ = ctx
	s.mu.Lock()
	out := make([]Record, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, r)
	}
	s.mu.Unlock()
	sortRecords(out)
	return out, nil
}

func (s *fileStore) SaveSchedule(ctx context.Context, r Record) error {
	_ = ctx
	r, err := r.normalize(time.Now())
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalOp{Op: "put", Key: r.Key, Record: &r}); err != nil {
		return err
	}
	s.rows[r.Key] = r
	return nil
}

func (s *fileStore) DeleteSchedule(ctx context.Context, key string) error {
	_ = ctx
	key = strings.TrimSpace(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[key]; !ok {
		return nil
	}
	if err := s.appendLocked(journalOp{Op: "del", Key: key}); err != nil {
		return err
	}
	delete(s.rows, key)
	return nil
}

func (s *fileStore) appendLocked(op journalOp) error {
	if s.journalFile == nil {
		return errors.New("schedule journal closed")
	}
	if err := json.NewEncoder(s.journalFile).Encode(op); err != nil {
		return err
	}
	s.writes++
	if s.writes%fileCompactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("schedule compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.rows); err != nil {
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
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

// PruneAudit rewrites the audit file without entries older than before.
func (s *fileStore) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return 0, errors.New("audit file closed")
	}

	in, err := os.Open(s.auditPath)
	if err != nil {
		return 0, err
	}
	tmp := s.auditPath + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		_ = in.Close()
		return 0, err
	}

	var dropped int64
	w := bufio.NewWriter(out)
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil || e.At.Before(before) {
			dropped++
			continue
		}
		_, _ = w.Write(sc.Bytes())
		_ = w.WriteByte('\n')
	}
	_ = in.Close()
	if err := sc.Err(); err != nil {
		_ = out.Close()
		return 0, fmt.Errorf("scan audit: %w", err)
	}
	if err := w.Flush(); err != nil {
		_ = out.Close()
		return 0, err
	}
	if err := out.Close(); err != nil {
		return 0, err
	}
	if dropped == 0 {
		_ = os.Remove(tmp)
		return 0, nil
	}

	_ = s.auditFile.Close()
	s.auditFile = nil
	if err := os.Rename(tmp, s.auditPath); err != nil {
		return 0, err
	}
	af, err := os.OpenFile(s.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return dropped, err
	}
	s.auditFile = af
	return dropped, nil
}

func loadSnapshot(path string, out map[string]Record) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]Record
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]Record) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for s.Scan() {
		var op journalOp
		if err := json.Unmarshal(s.Bytes(), &op); err != nil {
			// Torn tail write after a crash.
			continue
		}
		if op.Key == "" {
			continue
		}
		switch op.Op {
		case "put":
			if op.Record != nil {
				out[op.Key] = *op.Record
			}
		case "del":
			delete(out, op.Key)
		}
	}
	return s.Err()
}
