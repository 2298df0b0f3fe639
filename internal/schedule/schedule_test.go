package schedule

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pewsched/internal/task"
)

const waitTimeout = 2 * time.Second

type recorder struct {
	mu         sync.Mutex
	armed      int
	cancelled  int
	fires      []FireReport
	taskErrs   []*TaskExecutionError
	persistErr []*PersistenceWriteError
}

func (r *recorder) OnArmed(string, time.Time) {
	r.mu.Lock()
	r.armed++
	r.mu.Unlock()
}

func (r *recorder) OnCancelled(string) {
	r.mu.Lock()
	r.cancelled++
	r.mu.Unlock()
}

func (r *recorder) OnFire(rep FireReport) {
	r.mu.Lock()
	r.fires = append(r.fires, rep)
	r.mu.Unlock()
}

func (r *recorder) OnTaskError(err *TaskExecutionError) {
	r.mu.Lock()
	r.taskErrs = append(r.taskErrs, err)
	r.mu.Unlock()
}

func (r *recorder) OnPersistError(err *PersistenceWriteError) {
	r.mu.Lock()
	r.persistErr = append(r.persistErr, err)
	r.mu.Unlock()
}

func (r *recorder) counts() (fires, taskErrs, persistErrs, cancelled int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fires), len(r.taskErrs), len(r.persistErr), r.cancelled
}

// persistLog captures every persisted snapshot and signals on each write.
type persistLog struct {
	mu    sync.Mutex
	snaps []Snapshot
	err   error
	ch    chan Snapshot
}

func newPersistLog() *persistLog { return &persistLog{ch: make(chan Snapshot, 16)} }

func (p *persistLog) Persist(_ context.Context, snap Snapshot) error {
	p.mu.Lock()
	p.snaps = append(p.snaps, snap)
	err := p.err
	p.mu.Unlock()
	p.ch <- snap
	return err
}

func (p *persistLog) next(t *testing.T) Snapshot {
	t.Helper()
	select {
	case snap := <-p.ch:
		return snap
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for persist")
		return Snapshot{}
	}
}

func waitDone(t *testing.T, s *Schedule) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for schedule loop to exit")
	}
}

var t0 = time.Date(2024, 3, 10, 9, 30, 0, 0, time.UTC)

func counting(calls *atomic.Int32, err error) *task.Task {
	return task.MustNew("count", func(ctx context.Context) error {
		calls.Add(1)
		return err
	})
}

func TestScheduleFiresPersistsAndStaysArmed(t *testing.T) {
	fc := clockwork.NewFakeClockAt(t0)
	rec := &recorder{}
	pl := newPersistLog()
	var calls atomic.Int32

	s, err := New("daily-report", Rule{Frequency: Daily}, t0.Add(2*time.Second), counting(&calls, nil), Options{
		Clock: fc, Persister: pl, Observer: rec,
	})
	require.NoError(t, err)
	assert.Equal(t, Idle, s.State())

	require.NoError(t, s.Run(context.Background()))
	assert.True(t, s.IsRunning())

	fc.BlockUntil(1)
	assert.Equal(t, int32(0), calls.Load())
	fc.Advance(2 * time.Second)

	snap := pl.next(t)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, t0.Add(2*time.Second).Add(24*time.Hour), snap.NextDue)
	assert.Equal(t, snap.NextDue, s.NextDue())
	assert.True(t, s.IsRunning())
	assert.False(t, s.IsDue(fc.Now()))

	fc.BlockUntil(1)
	fires, taskErrs, _, _ := rec.counts()
	assert.Equal(t, 1, fires)
	assert.Equal(t, 0, taskErrs)
	assert.Equal(t, uint64(1), s.Snapshot().Stats.Fires)

	s.Cancel()
	waitDone(t, s)
	assert.False(t, s.IsRunning())
}

func TestPastDueFiresOnceThenWaits(t *testing.T) {
	fc := clockwork.NewFakeClockAt(t0)
	pl := newPersistLog()
	var calls atomic.Int32

	s, err := New("stale", Rule{Frequency: Daily}, t0.Add(-72*time.Hour), counting(&calls, nil), Options{
		Clock: fc, Persister: pl,
	})
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	snap := pl.next(t)
	assert.Equal(t, t0.Add(24*time.Hour), snap.NextDue)

	fc.BlockUntil(1)
	assert.Equal(t, int32(1), calls.Load())

	s.Cancel()
	waitDone(t, s)
}

func TestTaskFailureKeepsLoopAlive(t *testing.T) {
	fc := clockwork.NewFakeClockAt(t0)
	rec := &recorder{}
	pl := newPersistLog()
	boom := errors.New("boom")
	var calls atomic.Int32

	s, err := New("flaky", Rule{Frequency: Daily}, t0.Add(time.Second), counting(&calls, boom), Options{
		Clock: fc, Persister: pl, Observer: rec,
	})
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	fc.BlockUntil(1)
	fc.Advance(time.Second)
	first := pl.next(t)
	assert.Equal(t, t0.Add(time.Second+24*time.Hour), first.NextDue)
	assert.True(t, s.IsRunning())

	fc.BlockUntil(1)
	fc.Advance(24 * time.Hour)
	second := pl.next(t)
	assert.Equal(t, first.NextDue.Add(24*time.Hour), second.NextDue)
	assert.Equal(t, int32(2), calls.Load())

	fires, taskErrs, _, _ := rec.counts()
	assert.Equal(t, 2, fires)
	require.Equal(t, 2, taskErrs)

	rec.mu.Lock()
	te := rec.taskErrs[0]
	rep := rec.fires[0]
	rec.mu.Unlock()
	assert.ErrorIs(t, te, boom)
	assert.Equal(t, "flaky", te.Key)
	assert.NotEmpty(t, te.RunID)
	assert.ErrorIs(t, rep.Err, boom)
	assert.Equal(t, uint64(2), s.Snapshot().Stats.Failures)

	s.Cancel()
	waitDone(t, s)
}

func TestTaskPanicIsContained(t *testing.T) {
	fc := clockwork.NewFakeClockAt(t0)
	rec := &recorder{}
	pl := newPersistLog()

	tk := task.MustNew("explode", func(ctx context.Context) error { panic("kaboom") })
	s, err := New("panicky", Rule{Frequency: Weekly}, t0, tk, Options{
		Clock: fc, Persister: pl, Observer: rec,
	})
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	snap := pl.next(t)
	assert.Equal(t, t0.Add(7*24*time.Hour), snap.NextDue)
	fc.BlockUntil(1)
	assert.True(t, s.IsRunning())

	rec.mu.Lock()
	require.Len(t, rec.taskErrs, 1)
	te := rec.taskErrs[0]
	rec.mu.Unlock()
	assert.Equal(t, "kaboom", te.Panic)
	assert.NotEmpty(t, te.Stack)
	assert.Contains(t, te.Error(), "panicked")

	s.Cancel()
	waitDone(t, s)
}

func TestPersistFailureIsReportedNotFatal(t *testing.T) {
	fc := clockwork.NewFakeClockAt(t0)
	rec := &recorder{}
	pl := newPersistLog()
	pl.err = errors.New("disk full")
	var calls atomic.Int32

	s, err := New("nodisk", Rule{Frequency: Daily}, t0, counting(&calls, nil), Options{
		Clock: fc, Persister: pl, Observer: rec,
	})
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	pl.next(t)
	fc.BlockUntil(1)
	assert.True(t, s.IsRunning())
	assert.Equal(t, t0.Add(24*time.Hour), s.NextDue())

	rec.mu.Lock()
	require.Len(t, rec.persistErr, 1)
	pe := rec.persistErr[0]
	rec.mu.Unlock()
	assert.Equal(t, "nodisk", pe.Key)
	assert.Equal(t, t0.Add(24*time.Hour), pe.NextDue)

	s.Cancel()
	waitDone(t, s)
}

func TestCancelStopsFutureFirings(t *testing.T) {
	fc := clockwork.NewFakeClockAt(t0)
	rec := &recorder{}
	var calls atomic.Int32

	s, err := New("stop-me", Rule{Frequency: Daily}, t0.Add(time.Hour), counting(&calls, nil), Options{
		Clock: fc, Observer: rec,
	})
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))
	fc.BlockUntil(1)

	s.Cancel()
	waitDone(t, s)
	assert.False(t, s.IsRunning())
	assert.Equal(t, Cancelled, s.State())

	fc.Advance(48 * time.Hour)
	assert.Equal(t, int32(0), calls.Load())

	s.Cancel()
	_, _, _, cancelled := rec.counts()
	assert.Equal(t, 1, cancelled)
}

func TestCancelOnIdleIsNoop(t *testing.T) {
	var calls atomic.Int32
	s, err := New("idle", Rule{Frequency: Daily}, t0, counting(&calls, nil), Options{Clock: clockwork.NewFakeClockAt(t0)})
	require.NoError(t, err)

	s.Cancel()
	assert.Equal(t, Idle, s.State())
	select {
	case <-s.Done():
	default:
		t.Fatal("Done must be closed before the first Run")
	}
}

func TestRunWhileArmedIsNoop(t *testing.T) {
	fc := clockwork.NewFakeClockAt(t0)
	rec := &recorder{}
	var calls atomic.Int32

	s, err := New("once", Rule{Frequency: Daily}, t0.Add(time.Minute), counting(&calls, nil), Options{
		Clock: fc, Observer: rec,
	})
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))
	done := s.Done()

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, done, s.Done())

	rec.mu.Lock()
	assert.Equal(t, 1, rec.armed)
	rec.mu.Unlock()

	s.Cancel()
	waitDone(t, s)
}

func TestRunAfterCancelRearms(t *testing.T) {
	fc := clockwork.NewFakeClockAt(t0)
	pl := newPersistLog()
	var calls atomic.Int32

	s, err := New("again", Rule{Frequency: Daily}, t0.Add(time.Minute), counting(&calls, nil), Options{
		Clock: fc, Persister: pl,
	})
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))
	fc.BlockUntil(1)
	s.Cancel()
	waitDone(t, s)

	require.NoError(t, s.Run(context.Background()))
	assert.True(t, s.IsRunning())
	fc.BlockUntil(1)
	fc.Advance(time.Minute)
	pl.next(t)
	assert.Equal(t, int32(1), calls.Load())

	s.Cancel()
	waitDone(t, s)
}

// blocking returns a task that ignores ctx and blocks until release is
// closed, tracking how many invocations overlap.
func blocking(calls, inFlight, maxInFlight *atomic.Int32, started chan<- struct{}, release <-chan struct{}) *task.Task {
	return task.MustNew("block", func(ctx context.Context) error {
		calls.Add(1)
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		started <- struct{}{}
		<-release
		return nil
	})
}

func TestRunAfterCancelWaitsForInFlightFiring(t *testing.T) {
	fc := clockwork.NewFakeClockAt(t0)
	pl := newPersistLog()
	var calls, inFlight, maxInFlight atomic.Int32
	started := make(chan struct{}, 4)
	release := make(chan struct{})

	s, err := New("overlap", Rule{Frequency: Daily}, t0.Add(-time.Minute),
		blocking(&calls, &inFlight, &maxInFlight, started, release), Options{Clock: fc, Persister: pl})
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))
	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatal("task never started")
	}

	s.Cancel()
	require.NoError(t, s.Run(context.Background()))
	assert.True(t, s.IsRunning())

	// The new generation must not fire while the old firing is still running.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	close(release)
	snap := pl.next(t)
	assert.Equal(t, t0.Add(-time.Minute).Add(24*time.Hour), snap.NextDue)

	fc.BlockUntil(1)
	assert.Equal(t, int32(1), calls.Load())
	fc.Advance(24 * time.Hour)
	pl.next(t)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(1), maxInFlight.Load())

	s.Cancel()
	waitDone(t, s)
}

func TestParentContextCancelDisarms(t *testing.T) {
	fc := clockwork.NewFakeClockAt(t0)
	var calls atomic.Int32

	s, err := New("ctx", Rule{Frequency: Daily}, t0.Add(time.Hour), counting(&calls, nil), Options{Clock: fc})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Run(ctx))
	fc.BlockUntil(1)
	cancel()

	waitDone(t, s)
	assert.Equal(t, Cancelled, s.State())
	assert.False(t, s.IsRunning())

	assert.Error(t, s.Run(ctx))
}

func TestEarlyWakeDoesNotFire(t *testing.T) {
	fc := clockwork.NewFakeClockAt(t0)
	var calls atomic.Int32

	s, err := New("early", Rule{Frequency: Daily}, t0.Add(10*time.Second), counting(&calls, nil), Options{Clock: fc})
	require.NoError(t, err)

	s.mu.Lock()
	s.state = Armed
	s.gen = 1
	s.mu.Unlock()

	fc.Advance(3 * time.Second)
	wait, ok := s.step(context.Background(), 1)
	assert.True(t, ok)
	assert.Equal(t, 7*time.Second, wait)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, t0.Add(10*time.Second), s.NextDue())

	// A stale generation stops without firing.
	fc.Advance(time.Minute)
	_, ok = s.step(context.Background(), 0)
	assert.False(t, ok)
	assert.Equal(t, int32(0), calls.Load())
}

func TestManualRescheduleAndIsDue(t *testing.T) {
	fc := clockwork.NewFakeClockAt(t0)
	var calls atomic.Int32

	s, err := New("manual", Rule{Frequency: Weekly, Weekday: time.Friday, Anchored: true}, t0.Add(-time.Hour), counting(&calls, nil), Options{Clock: fc})
	require.NoError(t, err)
	assert.True(t, s.IsDue(fc.Now()))

	next := s.Reschedule()
	assert.True(t, next.After(fc.Now()))
	assert.Equal(t, time.Friday, next.Weekday())
	assert.False(t, s.IsDue(fc.Now()))
}

func TestNewValidatesInput(t *testing.T) {
	tk := task.MustNew("x", func(ctx context.Context) error { return nil })

	_, err := New(" ", Rule{Frequency: Daily}, t0, tk, Options{})
	assert.ErrorIs(t, err, ErrKeyRequired)

	_, err = New("k", Rule{Frequency: Daily}, t0, nil, Options{})
	assert.ErrorIs(t, err, ErrTaskRequired)

	_, err = New("k", Rule{Frequency: Daily}, time.Time{}, tk, Options{})
	assert.ErrorIs(t, err, ErrDueRequired)

	_, err = New("k", Rule{Frequency: "hourly"}, t0, tk, Options{})
	assert.ErrorIs(t, err, ErrInvalidFrequency)

	s, err := New("k", Rule{Frequency: Monthly}, time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC), tk, Options{})
	require.NoError(t, err)
	assert.Equal(t, 31, s.Rule().MonthDay)
}
