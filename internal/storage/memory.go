package storage

import (
	"context"
	"sync"
	"time"
)

// Memory is a process-local Store. It is safe for concurrent use.
type Memory struct {
	mu    sync.Mutex
	rows  map[string]Record
	audit []AuditEntry
	// FailSaves makes SaveSchedule return this error when set (tests).
	FailSaves error
}

func NewMemory() *Memory {
	return &Memory{rows: map[string]Record{}}
}

func (m *Memory) LoadSchedule(ctx context.Context, key string) (Record, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) SaveSchedule(ctx context.Context, r Record) error {
	_ = ctx
	r, err := r.normalize(time.Now())
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSaves != nil {
		return m.FailSaves
	}
	m.rows[r.Key] = r
	return nil
}

func (m *Memory) ListSchedules(ctx context.Context) ([]Record, error) {
	_ = ctx
	m.mu.Lock()
	out := make([]Record, 0, len(m.rows))
	for _, r := range m.rows {
		out = append(out, r)
	}
	m.mu.Unlock()
	sortRecords(out)
	return out, nil
}

func (m *Memory) DeleteSchedule(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, key)
	return nil
}

func (m *Memory) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.mu.Lock()
	m.audit = append(m.audit, e)
	m.mu.Unlock()
	return nil
}

// Audit returns a copy of the audit log.
func (m *Memory) Audit() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}

func (m *Memory) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.audit[:0]
	var n int64
	for _, e := range m.audit {
		if e.At.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.audit = kept
	return n, nil
}

func (m *Memory) Close() error { return nil }
