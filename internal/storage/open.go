package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	logx "pewsched/pkg/logx"
)

// Store is the persistence API used by the scheduler and the admin surface.
type Store interface {
	LoadSchedule(ctx context.Context, key string) (Record, error)
	SaveSchedule(ctx context.Context, r Record) error
	ListSchedules(ctx context.Context) ([]Record, error)
	DeleteSchedule(ctx context.Context, key string) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	// PruneAudit drops audit entries older than before and reports how many went.
	PruneAudit(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := NormalizeDriver(cfg.Driver)
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite":
		return openSQLite(cfg, log)
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return openPostgres(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

// NormalizeDriver maps aliases to canonical driver names.
func NormalizeDriver(driver string) string {
	switch d := strings.ToLower(strings.TrimSpace(driver)); d {
	case "sqlite3":
		return "sqlite"
	case "postgresql", "pg", "pgx":
		return "postgres"
	case "mem":
		return "memory"
	default:
		return d
	}
}

func sortRecords(out []Record) {
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
}
