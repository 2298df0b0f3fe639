package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "pewsched/pkg/logx"
)

//go:embed migrations.sql
var sqliteMigrations string

// Fixed-width so TEXT comparison orders like time.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigrations)
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const sqliteScheduleCols = `key, next_due, frequency, anchor_day, month_day, action, args, active, source, fingerprint, updated_at`

func (s *sqliteStore) LoadSchedule(ctx context.Context, key string) (Record, error) {
	if s == nil || s.db == nil {
		return Record{}, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteScheduleCols+` FROM schedules WHERE key = ?`, strings.TrimSpace(key))
	r, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) ListSchedules(ctx context.Context) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteScheduleCols+` FROM schedules ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveSchedule(ctx context.Context, r Record) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	r, err := r.normalize(time.Now())
	if err != nil {
		return err
	}
	args, err := encodeArgs(r.Args)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules(`+sqliteScheduleCols+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(key) DO UPDATE SET
		   next_due=excluded.next_due, frequency=excluded.frequency, anchor_day=excluded.anchor_day,
		   month_day=excluded.month_day, action=excluded.action, args=excluded.args,
		   active=excluded.active, source=excluded.source, fingerprint=excluded.fingerprint,
		   updated_at=excluded.updated_at`,
		r.Key, r.NextDue.Format(sqliteTimeLayout), r.Frequency, nullStr(r.AnchorDay), r.MonthDay,
		r.Action, nullStr(args), boolInt(r.Active), r.Source, nullStr(r.Fingerprint), r.UpdatedAt.Format(sqliteTimeLayout),
	)
	return err
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE key = ?`, strings.TrimSpace(key))
	return err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, action, target, run_id, ok, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(sqliteTimeLayout), nullStr(e.Actor), e.Action, nullStr(e.Target), nullStr(e.RunID),
		boolInt(e.OK), nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

func (s *sqliteStore) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit WHERE at < ?`, before.UTC().Format(sqliteTimeLayout))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(sc rowScanner) (Record, error) {
	var (
		r                Record
		nextDue, updated string
		anchor, args, fp sql.NullString
		active           int
	)
	if err := sc.Scan(&r.Key, &nextDue, &r.Frequency, &anchor, &r.MonthDay, &r.Action, &args, &active, &r.Source, &fp, &updated); err != nil {
		return Record{}, err
	}
	var err error
	if r.NextDue, err = time.Parse(sqliteTimeLayout, nextDue); err != nil {
		return Record{}, fmt.Errorf("schedule %q: next_due: %w", r.Key, err)
	}
	if r.UpdatedAt, err = time.Parse(sqliteTimeLayout, updated); err != nil {
		return Record{}, fmt.Errorf("schedule %q: updated_at: %w", r.Key, err)
	}
	r.AnchorDay = anchor.String
	r.Fingerprint = fp.String
	r.Active = active != 0
	if r.Args, err = decodeArgs(args.String); err != nil {
		return Record{}, fmt.Errorf("schedule %q: args: %w", r.Key, err)
	}
	return r, nil
}

func encodeArgs(args map[string]string) (string, error) {
	if len(args) == 0 {
		return "", nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeArgs(raw string) (map[string]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
