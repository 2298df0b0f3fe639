package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"pewsched/internal/eventbus"
	"pewsched/internal/schedule"
	logx "pewsched/pkg/logx"
)

// ReportConfig throttles failure warnings per schedule key.
type ReportConfig struct {
	// Rate is warnings per second per key (default 1/min).
	Rate  float64
	Burst int
}

// FireEvent is the payload of schedule.fired and schedule.task_failed events.
type FireEvent struct {
	RunID    string        `json:"run_id"`
	Task     string        `json:"task"`
	Due      time.Time     `json:"due"`
	NextDue  time.Time     `json:"next_due"`
	Drift    time.Duration `json:"drift"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Reporter is the schedule.Observer used in production: it logs and
// publishes lifecycle events. Failure warnings are rate limited per key so a
// schedule that fails every cycle cannot flood the log.
type Reporter struct {
	log logx.Logger
	bus eventbus.Bus
	cfg ReportConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	suppressed atomic.Uint64
}

var _ schedule.Observer = (*Reporter)(nil)

func NewReporter(cfg ReportConfig, log logx.Logger, bus eventbus.Bus) *Reporter {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 1.0 / 60
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 3
	}
	return &Reporter{log: log, bus: bus, cfg: cfg, limiters: map[string]*rate.Limiter{}}
}

func (r *Reporter) allow(key string) bool {
	r.mu.Lock()
	lim, ok := r.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(r.cfg.Rate), r.cfg.Burst)
		r.limiters[key] = lim
	}
	r.mu.Unlock()
	if lim.Allow() {
		return true
	}
	r.suppressed.Add(1)
	return false
}

// Forget drops the limiter of a removed schedule.
func (r *Reporter) Forget(key string) {
	r.mu.Lock()
	delete(r.limiters, key)
	r.mu.Unlock()
}

// Suppressed counts warnings dropped by the limiter.
func (r *Reporter) Suppressed() uint64 { return r.suppressed.Load() }

func (r *Reporter) publish(typ, key string, data any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Key: key, Data: data})
}

func (r *Reporter) OnArmed(key string, nextDue time.Time) {
	r.log.Info("schedule armed", logx.String("schedule", key), logx.Time("next_due", nextDue))
	r.publish(eventbus.TypeArmed, key, nextDue)
}

func (r *Reporter) OnCancelled(key string) {
	r.log.Info("schedule cancelled", logx.String("schedule", key))
	r.publish(eventbus.TypeCancelled, key, nil)
}

func (r *Reporter) OnFire(rep schedule.FireReport) {
	ev := FireEvent{
		RunID:    rep.RunID,
		Task:     rep.Task,
		Due:      rep.Due,
		NextDue:  rep.NextDue,
		Drift:    rep.Drift,
		Duration: rep.Duration,
	}
	if rep.Err != nil {
		// Logged by OnTaskError.
		ev.Error = rep.Err.Error()
	} else {
		r.log.Info("schedule fired",
			logx.String("schedule", rep.Key),
			logx.String("run_id", rep.RunID),
			logx.Duration("took", rep.Duration),
			logx.Duration("drift", rep.Drift),
			logx.Time("next_due", rep.NextDue),
		)
	}
	r.publish(eventbus.TypeFired, rep.Key, ev)
}

func (r *Reporter) OnTaskError(err *schedule.TaskExecutionError) {
	r.publish(eventbus.TypeTaskFailed, err.Key, FireEvent{RunID: err.RunID, Task: err.Task, Error: err.Error()})
	if !r.allow(err.Key) {
		r.log.Debug("schedule task failed (warning suppressed)", logx.String("schedule", err.Key), logx.Err(err))
		return
	}
	fields := []logx.Field{logx.String("schedule", err.Key), logx.String("task", err.Task), logx.String("run_id", err.RunID), logx.Err(err.Err)}
	if err.Panic != nil {
		fields = append(fields, logx.Stack(err.Stack))
	}
	r.log.Warn("schedule task failed", fields...)
}

func (r *Reporter) OnPersistError(err *schedule.PersistenceWriteError) {
	r.publish(eventbus.TypePersistFailed, err.Key, err.NextDue)
	if !r.allow("persist:" + err.Key) {
		return
	}
	r.log.Error("schedule persist failed; in-memory next_due kept",
		logx.String("schedule", err.Key),
		logx.Time("next_due", err.NextDue),
		logx.Err(err.Err),
	)
}
