package schedule

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"pewsched/internal/task"
	logx "pewsched/pkg/logx"
)

const defaultPersistTimeout = 10 * time.Second

var (
	ErrKeyRequired  = errors.New("schedule key required")
	ErrTaskRequired = errors.New("schedule task required")
	ErrDueRequired  = errors.New("schedule next_due required")
)

// Options carries the injected collaborators. Zero values are replaced with
// the real clock, no persistence, a no-op observer and a no-op logger.
type Options struct {
	Clock     clockwork.Clock
	Persister Persister
	Observer  Observer
	Log       logx.Logger

	// TaskTimeout bounds a single firing (0 disables).
	TaskTimeout time.Duration
	// PersistTimeout bounds a single persistence write (default 10s).
	PersistTimeout time.Duration
}

// Stats are best-effort counters for status reporting.
type Stats struct {
	Fires    uint64
	Failures uint64
	LastFire time.Time
	LastErr  string
}

// Snapshot is a point-in-time copy of a schedule's state.
type Snapshot struct {
	Key     string
	Task    string
	NextDue time.Time
	Rule    Rule
	State   State
	Stats   Stats
}

type Schedule struct {
	key  string
	rule Rule
	task *task.Task

	clock          clockwork.Clock
	persister      Persister
	obs            Observer
	log            logx.Logger
	taskTimeout    time.Duration
	persistTimeout time.Duration

	mu      sync.Mutex
	nextDue time.Time
	state   State
	gen     uint64
	cancel  context.CancelFunc
	done    chan struct{}
	stats   Stats
}

func New(key string, rule Rule, nextDue time.Time, t *task.Task, opt Options) (*Schedule, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrKeyRequired
	}
	if t == nil {
		return nil, ErrTaskRequired
	}
	if nextDue.IsZero() {
		return nil, ErrDueRequired
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if rule.Frequency == Monthly && rule.MonthDay == 0 {
		rule.MonthDay = nextDue.UTC().Day()
	}
	if opt.Clock == nil {
		opt.Clock = clockwork.NewRealClock()
	}
	if opt.Observer == nil {
		opt.Observer = NopObserver{}
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.PersistTimeout <= 0 {
		opt.PersistTimeout = defaultPersistTimeout
	}
	done := make(chan struct{})
	close(done)
	return &Schedule{
		key:            key,
		rule:           rule,
		task:           t,
		clock:          opt.Clock,
		persister:      opt.Persister,
		obs:            opt.Observer,
		log:            opt.Log.With(logx.String("schedule", key)),
		taskTimeout:    opt.TaskTimeout,
		persistTimeout: opt.PersistTimeout,
		nextDue:        nextDue.UTC(),
		state:          Idle,
		done:           done,
	}, nil
}

func (s *Schedule) Key() string { return s.key }

func (s *Schedule) Rule() Rule { return s.rule }

func (s *Schedule) NextDue() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextDue
}

func (s *Schedule) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Schedule) IsRunning() bool { return s.State() == Armed }

// IsDue reports whether now has reached the due instant.
func (s *Schedule) IsDue(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !now.Before(s.nextDue)
}

// Done is closed when the loop started by the latest Run has exited.
func (s *Schedule) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Schedule) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Schedule) snapshotLocked() Snapshot {
	return Snapshot{
		Key:     s.key,
		Task:    s.task.Name(),
		NextDue: s.nextDue,
		Rule:    s.rule,
		State:   s.state,
		Stats:   s.stats,
	}
}

// Run arms the schedule and starts its loop. The loop lives until Cancel is
// called or ctx is done. Calling Run on an armed schedule is a no-op.
func (s *Schedule) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.state == Armed {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	gen := s.gen
	runCtx, cancel := context.WithCancel(ctx)
	prev := s.done
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.state = Armed
	next := s.nextDue
	s.mu.Unlock()

	s.log.Debug("schedule armed", logx.Time("next_due", next), logx.String("rule", s.rule.String()))
	s.obs.OnArmed(s.key, next)
	go s.loop(runCtx, cancel, gen, prev, done)
	return nil
}

// Cancel disarms the schedule and interrupts its pending wait. It is safe to
// call from any state and any goroutine; only an armed schedule is affected.
// A firing already in progress runs to completion (its context is canceled)
// and a later Run waits for it before stepping.
func (s *Schedule) Cancel() {
	s.mu.Lock()
	if s.state != Armed {
		s.mu.Unlock()
		return
	}
	s.state = Cancelled
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.log.Debug("schedule cancelled")
	s.obs.OnCancelled(s.key)
}

// Reschedule recomputes the due instant strictly after the current time and
// returns it. It is invoked automatically after each firing.
func (s *Schedule) Reschedule() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rescheduleLocked()
}

func (s *Schedule) rescheduleLocked() time.Time {
	s.nextDue = s.rule.Next(s.nextDue, s.clock.Now())
	return s.nextDue
}

// loop runs one generation. It starts stepping only after the previous
// generation (prev) has exited, so firings of one schedule never overlap.
func (s *Schedule) loop(ctx context.Context, cancel context.CancelFunc, gen uint64, prev <-chan struct{}, done chan struct{}) {
	defer close(done)
	defer cancel()
	defer s.disarm(gen)

	select {
	case <-prev:
	case <-ctx.Done():
		<-prev
		return
	}

	for {
		wait, ok := s.step(ctx, gen)
		if !ok {
			return
		}
		if wait <= 0 {
			continue
		}
		timer := s.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}
	}
}

// disarm moves a loop that exits on its own (parent context done) out of Armed.
func (s *Schedule) disarm(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen && s.state == Armed {
		s.state = Cancelled
		s.cancel = nil
	}
}

// step is the single transition of the loop. It reports how long to wait
// before the next step, or ok=false when this loop generation must stop.
func (s *Schedule) step(ctx context.Context, gen uint64) (wait time.Duration, ok bool) {
	s.mu.Lock()
	if s.gen != gen || s.state != Armed || ctx.Err() != nil {
		s.mu.Unlock()
		return 0, false
	}
	now := s.clock.Now()
	due := s.nextDue
	if diff := due.Sub(now); diff > 0 {
		s.mu.Unlock()
		s.log.Trace("schedule not due yet", logx.Duration("remaining", diff))
		return diff, true
	}
	s.mu.Unlock()

	rep := s.fire(ctx, due, now)

	s.mu.Lock()
	next := s.rescheduleLocked()
	snap := s.snapshotLocked()
	active := s.gen == gen && s.state == Armed
	s.mu.Unlock()

	rep.NextDue = next
	s.obs.OnFire(rep)
	s.persist(ctx, snap)

	if !active || ctx.Err() != nil {
		return 0, false
	}
	return next.Sub(s.clock.Now()), true
}

func (s *Schedule) fire(ctx context.Context, due, now time.Time) FireReport {
	rep := FireReport{
		Key:     s.key,
		Task:    s.task.Name(),
		RunID:   uuid.NewString(),
		Due:     due,
		Started: s.clock.Now(),
		Drift:   now.Sub(due),
	}
	err := s.invoke(ctx, rep.RunID)
	rep.Duration = s.clock.Since(rep.Started)
	rep.Err = err

	s.mu.Lock()
	s.stats.Fires++
	s.stats.LastFire = rep.Started
	if err != nil {
		s.stats.Failures++
		s.stats.LastErr = err.Error()
	} else {
		s.stats.LastErr = ""
	}
	s.mu.Unlock()

	if err != nil {
		var te *TaskExecutionError
		if errors.As(err, &te) {
			s.obs.OnTaskError(te)
		}
	}
	s.log.Debug("schedule fired",
		logx.String("run_id", rep.RunID),
		logx.Time("due", due),
		logx.Duration("drift", rep.Drift),
		logx.Duration("took", rep.Duration),
		logx.Err(err),
	)
	return rep
}

// invoke runs the task once, converting errors and panics into *TaskExecutionError.
func (s *Schedule) invoke(ctx context.Context, runID string) (err error) {
	runCtx := ctx
	if s.taskTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.taskTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = &TaskExecutionError{
				Key:   s.key,
				Task:  s.task.Name(),
				RunID: runID,
				Err:   fmt.Errorf("panic: %v", r),
				Panic: r,
				Stack: string(debug.Stack()),
			}
		}
	}()
	if terr := s.task.Run(runCtx); terr != nil {
		return &TaskExecutionError{Key: s.key, Task: s.task.Name(), RunID: runID, Err: terr}
	}
	return nil
}

// persist writes the new due instant. The write survives cancellation of the
// loop context so a shutdown racing a firing still records the new value.
func (s *Schedule) persist(ctx context.Context, snap Snapshot) {
	if s.persister == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.persistTimeout)
	defer cancel()
	if err := s.persister.Persist(pctx, snap); err != nil {
		s.obs.OnPersistError(&PersistenceWriteError{Key: s.key, NextDue: snap.NextDue, Err: err})
	}
}
