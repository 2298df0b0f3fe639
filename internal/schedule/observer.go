package schedule

import (
	"context"
	"time"
)

// Persister is the persistence collaborator. Persist is called after every
// firing with the freshly computed due instant, and is best-effort.
type Persister interface {
	Persist(ctx context.Context, snap Snapshot) error
}

type PersisterFunc func(ctx context.Context, snap Snapshot) error

func (f PersisterFunc) Persist(ctx context.Context, snap Snapshot) error { return f(ctx, snap) }

// FireReport describes one firing.
type FireReport struct {
	Key      string
	Task     string
	RunID    string
	Due      time.Time
	Started  time.Time
	Duration time.Duration
	// Drift is how late the firing started relative to Due.
	Drift   time.Duration
	NextDue time.Time
	Err     error
}

// Observer receives lifecycle reports. Implementations must not block for long:
// they run on the schedule's own goroutine.
type Observer interface {
	OnArmed(key string, nextDue time.Time)
	OnCancelled(key string)
	OnFire(r FireReport)
	OnTaskError(err *TaskExecutionError)
	OnPersistError(err *PersistenceWriteError)
}

type NopObserver struct{}

func (NopObserver) OnArmed(string, time.Time)             {}
func (NopObserver) OnCancelled(string)                    {}
func (NopObserver) OnFire(FireReport)                     {}
func (NopObserver) OnTaskError(*TaskExecutionError)       {}
func (NopObserver) OnPersistError(*PersistenceWriteError) {}
