package storage

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrDisabled   = errors.New("storage disabled")
	ErrNotFound   = errors.New("schedule record not found")
	ErrKeyMissing = errors.New("schedule record key required")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process map, lost on exit
//   - "file": dependency-free file backend (snapshot + jsonl journal)
//   - "sqlite": SQLite database file
//   - "postgres": PostgreSQL via DSN
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Record is one persisted schedule.
type Record struct {
	Key       string            `json:"key"`
	NextDue   time.Time         `json:"next_due"`
	Frequency string            `json:"frequency"`
	AnchorDay string            `json:"anchor_day,omitempty"`
	MonthDay  int               `json:"month_day,omitempty"`
	Action    string            `json:"action"`
	Args      map[string]string `json:"args,omitempty"`
	Active    bool              `json:"active"`
	// Source is "config" for rows owned by the config file, "admin" otherwise.
	Source string `json:"source"`
	// Fingerprint identifies the definition a row was created from (config jobs).
	Fingerprint string    `json:"fingerprint,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (r Record) normalize(now time.Time) (Record, error) {
	r.Key = strings.TrimSpace(r.Key)
	if r.Key == "" {
		return Record{}, ErrKeyMissing
	}
	r.NextDue = r.NextDue.UTC().Truncate(time.Second)
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	r.UpdatedAt = r.UpdatedAt.UTC()
	if len(r.Args) > 0 {
		cp := make(map[string]string, len(r.Args))
		for k, v := range r.Args {
			cp[k] = v
		}
		r.Args = cp
	} else {
		r.Args = nil
	}
	return r, nil
}

// AuditEntry records an administrative action or a firing outcome.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time `json:"at"`
	Actor    string    `json:"actor,omitempty"`
	Action   string    `json:"action"`
	Target   string    `json:"target,omitempty"`
	RunID    string    `json:"run_id,omitempty"`
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms,omitempty"`
	MetaJSON string    `json:"meta,omitempty"`
}
