package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "pewsched/pkg/logx"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

const (
	pgConnectAttempts = 3
	pgRetryInterval   = time.Second
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pcfg.MaxConns = 4

	var pool *pgxpool.Pool
	for i := 0; i < pgConnectAttempts; i++ {
		pool, err = pgxpool.NewWithConfig(ctx, pcfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				break
			}
			pool.Close()
			pool = nil
		}
		log.Warn("postgres connect failed", logx.Int("attempt", i+1), logx.Err(err))
		if i == pgConnectAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(err, ctx.Err())
		case <-time.After(time.Duration(i+1) * pgRetryInterval):
		}
	}
	if pool == nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}

	st := &postgresStore{pool: pool, log: log}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Debug("postgres store opened")
	return st, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(postgresMigrations, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

const pgScheduleCols = `key, next_due, frequency, anchor_day, month_day, action, args, active, source, fingerprint, updated_at`

func (s *postgresStore) LoadSchedule(ctx context.Context, key string) (Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgScheduleCols+` FROM pewsched_schedules WHERE key = $1`, strings.TrimSpace(key))
	r, err := scanPGRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

func (s *postgresStore) ListSchedules(ctx context.Context) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgScheduleCols+` FROM pewsched_schedules ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanPGRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *postgresStore) SaveSchedule(ctx context.Context, r Record) error {
	r, err := r.normalize(time.Now())
	if err != nil {
		return err
	}
	var args any
	if len(r.Args) > 0 {
		args = r.Args
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO pewsched_schedules(`+pgScheduleCols+`)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 ON CONFLICT(key) DO UPDATE SET
		   next_due=excluded.next_due, frequency=excluded.frequency, anchor_day=excluded.anchor_day,
		   month_day=excluded.month_day, action=excluded.action, args=excluded.args,
		   active=excluded.active, source=excluded.source, fingerprint=excluded.fingerprint,
		   updated_at=excluded.updated_at`,
		r.Key, r.NextDue, r.Frequency, nullStr(r.AnchorDay), r.MonthDay, r.Action, args, r.Active, r.Source, nullStr(r.Fingerprint), r.UpdatedAt,
	)
	return err
}

func (s *postgresStore) DeleteSchedule(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM pewsched_schedules WHERE key = $1`, strings.TrimSpace(key))
	return err
}

func (s *postgresStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pewsched_audit(at, actor, action, target, run_id, ok, err, took_ms, meta)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.At.UTC(), nullStr(e.Actor), e.Action, nullStr(e.Target), nullStr(e.RunID),
		e.OK, nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

func (s *postgresStore) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM pewsched_audit WHERE at < $1`, before.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanPGRecord(row pgx.Row) (Record, error) {
	var (
		r      Record
		anchor *string
		fp     *string
		args   map[string]string
	)
	if err := row.Scan(&r.Key, &r.NextDue, &r.Frequency, &anchor, &r.MonthDay, &r.Action, &args, &r.Active, &r.Source, &fp, &r.UpdatedAt); err != nil {
		return Record{}, err
	}
	if anchor != nil {
		r.AnchorDay = *anchor
	}
	if fp != nil {
		r.Fingerprint = *fp
	}
	if len(args) > 0 {
		r.Args = args
	}
	r.NextDue = r.NextDue.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}
