// Package admin is the administrative surface over the scheduler: it turns
// wall-clock definitions into schedules, keeps storage in step with the
// registry and records an audit trail.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"pewsched/internal/jobs"
	"pewsched/internal/schedule"
	"pewsched/internal/scheduler"
	"pewsched/internal/storage"
	logx "pewsched/pkg/logx"
)

const (
	SourceAdmin  = "admin"
	SourceConfig = "config"
)

var ErrKeyRequired = errors.New("key required")

type Options struct {
	// Store may be nil when storage is disabled.
	Store     storage.Store
	Scheduler *scheduler.Service
	Jobs      *jobs.Registry
	Observer  schedule.Observer
	Clock     clockwork.Clock
	Log       logx.Logger

	// Location is used when a request names no timezone.
	Location    *time.Location
	TaskTimeout time.Duration
}

// CreateRequest describes a schedule in wall-clock terms.
type CreateRequest struct {
	Key       string
	Frequency string
	// Day is a weekday name (weekly) or a day of month (monthly).
	Day      string
	At       string
	Timezone string
	Action   string
	Args     map[string]string
	Paused   bool

	Source      string
	Fingerprint string
	Actor       string
}

// Info is the status view of one schedule.
type Info struct {
	schedule.Snapshot
	Action string            `json:"action"`
	Args   map[string]string `json:"args,omitempty"`
	Source string            `json:"source"`
}

type entryMeta struct {
	action      string
	args        map[string]string
	source      string
	fingerprint string
}

type Service struct {
	store storage.Store
	sched *scheduler.Service
	jobs  *jobs.Registry
	obs   schedule.Observer
	clock clockwork.Clock
	log   logx.Logger
	loc   *time.Location

	taskTimeout time.Duration

	// opMu serializes administrative operations.
	opMu sync.Mutex
	// rowMu serializes read-modify-write of stored rows (admin ops vs. loop persists).
	rowMu sync.Mutex

	metaMu sync.RWMutex
	meta   map[string]entryMeta
}

func New(opt Options) (*Service, error) {
	if opt.Scheduler == nil || opt.Jobs == nil {
		return nil, errors.New("admin: scheduler and jobs registry required")
	}
	if opt.Clock == nil {
		opt.Clock = clockwork.NewRealClock()
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.Location == nil {
		opt.Location = time.UTC
	}
	if opt.Observer == nil {
		opt.Observer = schedule.NopObserver{}
	}
	return &Service{
		store:       opt.Store,
		sched:       opt.Scheduler,
		jobs:        opt.Jobs,
		obs:         opt.Observer,
		clock:       opt.Clock,
		log:         opt.Log,
		loc:         opt.Location,
		taskTimeout: opt.TaskTimeout,
		meta:        map[string]entryMeta{},
	}, nil
}

func (a *Service) location(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return a.loc, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", name, err)
	}
	return loc, nil
}

// SetLocation changes the default timezone for later creates. Armed
// schedules keep their UTC cadence.
func (a *Service) SetLocation(loc *time.Location) {
	if loc == nil {
		loc = time.UTC
	}
	a.opMu.Lock()
	a.loc = loc
	a.opMu.Unlock()
}

// Create converts req to a UTC schedule, stores it and arms it (unless paused).
func (a *Service) Create(ctx context.Context, req CreateRequest) (Info, error) {
	a.opMu.Lock()
	defer a.opMu.Unlock()
	start := a.clock.Now()
	info, err := a.createLocked(ctx, req)
	a.audit(ctx, req.Actor, "create", req.Key, start, err, map[string]any{
		"frequency": req.Frequency, "day": req.Day, "at": req.At, "timezone": req.Timezone, "action": req.Action,
	})
	return info, err
}

func (a *Service) createLocked(ctx context.Context, req CreateRequest) (Info, error) {
	key := strings.TrimSpace(req.Key)
	if key == "" {
		return Info{}, ErrKeyRequired
	}
	if _, err := a.sched.Get(key); err == nil {
		return Info{}, fmt.Errorf("%w: %s", scheduler.ErrDuplicateKey, key)
	}
	freq, err := schedule.ParseFrequency(req.Frequency)
	if err != nil {
		return Info{}, err
	}
	loc, err := a.location(req.Timezone)
	if err != nil {
		return Info{}, err
	}
	first, rule, err := FirstDue(freq, req.Day, req.At, loc, a.clock.Now())
	if err != nil {
		return Info{}, err
	}
	source := req.Source
	if source == "" {
		source = SourceAdmin
	}
	rec := storage.Record{
		Key:         key,
		NextDue:     first,
		Frequency:   string(rule.Frequency),
		AnchorDay:   rule.AnchorDay(),
		MonthDay:    rule.MonthDay,
		Action:      strings.ToLower(strings.TrimSpace(req.Action)),
		Args:        req.Args,
		Active:      !req.Paused,
		Source:      source,
		Fingerprint: req.Fingerprint,
		UpdatedAt:   a.clock.Now(),
	}
	sc, err := a.build(rec, rule)
	if err != nil {
		return Info{}, err
	}

	if a.store != nil {
		a.rowMu.Lock()
		err := a.store.SaveSchedule(ctx, rec)
		a.rowMu.Unlock()
		if err != nil {
			return Info{}, fmt.Errorf("store %s: %w", key, err)
		}
	}
	if err := a.register(rec, sc); err != nil {
		if a.store != nil {
			_ = a.store.DeleteSchedule(ctx, key)
		}
		return Info{}, err
	}
	a.log.Info("schedule created",
		logx.String("key", key),
		logx.String("rule", rule.String()),
		logx.Time("next_due", first),
		logx.String("local", first.In(loc).Format("Mon 2006-01-02 15:04 MST")),
		logx.Bool("active", rec.Active),
	)
	return a.infoFor(sc), nil
}

// build turns a stored row into a schedule wired to the persister.
func (a *Service) build(rec storage.Record, rule schedule.Rule) (*schedule.Schedule, error) {
	t, err := a.jobs.Build(jobs.Spec{Key: rec.Key, Action: rec.Action, Args: rec.Args})
	if err != nil {
		return nil, err
	}
	opts := schedule.Options{
		Clock:       a.clock,
		Observer:    a.obs,
		Log:         a.log,
		TaskTimeout: a.taskTimeout,
	}
	if a.store != nil {
		opts.Persister = storePersister{store: a.store, mu: &a.rowMu, clock: a.clock}
	}
	return schedule.New(rec.Key, rule, rec.NextDue, t, opts)
}

func (a *Service) register(rec storage.Record, sc *schedule.Schedule) error {
	var err error
	if rec.Active {
		err = a.sched.Spawn(rec.Key, sc)
	} else {
		err = a.sched.Add(rec.Key, sc)
	}
	if err != nil {
		return err
	}
	a.metaMu.Lock()
	a.meta[rec.Key] = entryMeta{action: rec.Action, args: rec.Args, source: rec.Source, fingerprint: rec.Fingerprint}
	a.metaMu.Unlock()
	return nil
}

// Cancel disarms a schedule and marks its row inactive so it stays paused
// across restarts.
func (a *Service) Cancel(ctx context.Context, key, actor string) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()
	start := a.clock.Now()
	err := a.cancelLocked(ctx, key)
	a.audit(ctx, actor, "cancel", key, start, err, nil)
	return err
}

func (a *Service) cancelLocked(ctx context.Context, key string) error {
	if err := a.sched.Cancel(key); err != nil {
		return err
	}
	return a.updateRow(ctx, key, func(r *storage.Record) { r.Active = false })
}

// Resume re-arms a schedule. A next_due already in the past is moved forward
// first, so a firing missed while paused is skipped rather than replayed.
func (a *Service) Resume(ctx context.Context, key, actor string) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()
	start := a.clock.Now()
	err := a.resumeLocked(ctx, key)
	a.audit(ctx, actor, "resume", key, start, err, nil)
	return err
}

func (a *Service) resumeLocked(ctx context.Context, key string) error {
	sc, err := a.sched.Get(key)
	if err != nil {
		return err
	}
	if sc.IsRunning() {
		return nil
	}
	if sc.IsDue(a.clock.Now()) {
		sc.Reschedule()
	}
	if err := a.sched.Resume(key); err != nil {
		return err
	}
	next := sc.NextDue()
	return a.updateRow(ctx, key, func(r *storage.Record) {
		r.Active = true
		r.NextDue = next
	})
}

// Remove cancels the schedule, drops it from the registry and deletes its row.
func (a *Service) Remove(ctx context.Context, key, actor string) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()
	start := a.clock.Now()
	err := a.removeLocked(ctx, key)
	a.audit(ctx, actor, "remove", key, start, err, nil)
	return err
}

func (a *Service) removeLocked(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if err := a.sched.Remove(key); err != nil {
		return err
	}
	a.metaMu.Lock()
	delete(a.meta, key)
	a.metaMu.Unlock()
	if f, ok := a.obs.(interface{ Forget(string) }); ok {
		f.Forget(key)
	}
	if a.store == nil {
		return nil
	}
	a.rowMu.Lock()
	defer a.rowMu.Unlock()
	if err := a.store.DeleteSchedule(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (a *Service) Inspect(key string) (Info, error) {
	sc, err := a.sched.Get(key)
	if err != nil {
		return Info{}, err
	}
	return a.infoFor(sc), nil
}

func (a *Service) List() []Info {
	snaps := a.sched.Snapshot()
	out := make([]Info, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, a.infoFrom(s))
	}
	return out
}

func (a *Service) infoFor(sc *schedule.Schedule) Info { return a.infoFrom(sc.Snapshot()) }

func (a *Service) infoFrom(s schedule.Snapshot) Info {
	a.metaMu.RLock()
	m := a.meta[s.Key]
	a.metaMu.RUnlock()
	return Info{Snapshot: s, Action: m.action, Args: m.args, Source: m.source}
}

// Housekeep prunes audit entries older than retention.
func (a *Service) Housekeep(ctx context.Context, retention time.Duration) (int64, error) {
	if a.store == nil || retention <= 0 {
		return 0, nil
	}
	n, err := a.store.PruneAudit(ctx, a.clock.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		a.log.Info("audit pruned", logx.Int64("entries", n), logx.Duration("retention", retention))
	}
	return n, nil
}

func (a *Service) updateRow(ctx context.Context, key string, mutate func(r *storage.Record)) error {
	if a.store == nil {
		return nil
	}
	a.rowMu.Lock()
	defer a.rowMu.Unlock()
	rec, err := a.store.LoadSchedule(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	mutate(&rec)
	rec.UpdatedAt = a.clock.Now()
	return a.store.SaveSchedule(ctx, rec)
}

func (a *Service) audit(ctx context.Context, actor, action, target string, start time.Time, err error, meta map[string]any) {
	if a.store == nil {
		return
	}
	if actor == "" {
		actor = "system"
	}
	e := storage.AuditEntry{
		At:     a.clock.Now(),
		Actor:  actor,
		Action: action,
		Target: strings.TrimSpace(target),
		OK:     err == nil,
		TookMS: a.clock.Since(start).Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if len(meta) > 0 {
		if b, merr := json.Marshal(meta); merr == nil {
			e.MetaJSON = string(b)
		}
	}
	if aerr := a.store.AppendAudit(context.WithoutCancel(ctx), e); aerr != nil {
		a.log.Warn("audit append failed", logx.String("action", action), logx.Err(aerr))
	}
}

// storePersister writes the new next_due of a fired schedule into its row,
// leaving the rest of the row (action, active flag) untouched.
type storePersister struct {
	store storage.Store
	mu    *sync.Mutex
	clock clockwork.Clock
}

func (p storePersister) Persist(ctx context.Context, snap schedule.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, err := p.store.LoadSchedule(ctx, snap.Key)
	if errors.Is(err, storage.ErrNotFound) {
		// Removed while firing.
		return nil
	}
	if err != nil {
		return err
	}
	rec.NextDue = snap.NextDue
	rec.UpdatedAt = p.clock.Now()
	return p.store.SaveSchedule(ctx, rec)
}
