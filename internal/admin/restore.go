package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"pewsched/internal/eventbus"
	"pewsched/internal/schedule"
	"pewsched/internal/scheduler"
	"pewsched/internal/storage"
	logx "pewsched/pkg/logx"
)

// JobDef is a schedule declared in the config file.
type JobDef struct {
	Key       string            `json:"key"`
	Frequency string            `json:"frequency"`
	Day       string            `json:"day,omitempty"`
	At        string            `json:"at,omitempty"`
	Timezone  string            `json:"timezone,omitempty"`
	Action    string            `json:"action"`
	Args      map[string]string `json:"args,omitempty"`
	Enabled   bool              `json:"-"`
}

// Fingerprint is a stable hash of the definition. The enabled flag is not part
// of it: toggling maps to cancel/resume, not to re-creation.
func (d JobDef) Fingerprint() string {
	d.Key = strings.TrimSpace(d.Key)
	d.Frequency = strings.ToLower(strings.TrimSpace(d.Frequency))
	d.Day = strings.ToLower(strings.TrimSpace(d.Day))
	d.At = strings.TrimSpace(d.At)
	d.Timezone = strings.TrimSpace(d.Timezone)
	d.Action = strings.ToLower(strings.TrimSpace(d.Action))
	// encoding/json sorts map keys, so the encoding is canonical.
	b, err := json.Marshal(d)
	if err != nil {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return strconv.FormatUint(h.Sum64(), 16)
}

// Restore loads every stored row into the registry. Active rows are armed
// with their stored next_due (a past value fires once, then the cadence
// resumes); inactive rows are registered cancelled. Rows that cannot be
// rebuilt are skipped and reported in the returned error.
func (a *Service) Restore(ctx context.Context) (int, error) {
	if a.store == nil {
		return 0, nil
	}
	a.opMu.Lock()
	defer a.opMu.Unlock()

	recs, err := a.store.ListSchedules(ctx)
	if err != nil {
		return 0, fmt.Errorf("list schedules: %w", err)
	}
	var (
		restored int
		errs     []error
	)
	for _, rec := range recs {
		if _, err := a.sched.Get(rec.Key); err == nil {
			continue
		}
		if err := a.restoreOne(rec); err != nil {
			a.log.Warn("schedule restore failed", logx.String("key", rec.Key), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", rec.Key, err))
			continue
		}
		restored++
	}
	a.log.Info("schedules restored", logx.Int("restored", restored), logx.Int("failed", len(errs)))
	return restored, errors.Join(errs...)
}

func (a *Service) restoreOne(rec storage.Record) error {
	rule, err := ruleFromRecord(rec)
	if err != nil {
		return err
	}
	sc, err := a.build(rec, rule)
	if err != nil {
		return err
	}
	if !rec.Active {
		a.log.Debug("schedule restored inactive", logx.String("key", rec.Key))
	} else if sc.IsDue(a.clock.Now()) {
		a.log.Info("schedule overdue; firing once", logx.String("key", rec.Key), logx.Time("next_due", rec.NextDue))
	}
	return a.register(rec, sc)
}

func ruleFromRecord(rec storage.Record) (schedule.Rule, error) {
	freq, err := schedule.ParseFrequency(rec.Frequency)
	if err != nil {
		return schedule.Rule{}, err
	}
	rule := schedule.Rule{Frequency: freq, MonthDay: rec.MonthDay}
	if freq == schedule.Weekly && strings.TrimSpace(rec.AnchorDay) != "" {
		wd, err := schedule.ParseWeekday(rec.AnchorDay)
		if err != nil {
			return schedule.Rule{}, err
		}
		rule.Weekday, rule.Anchored = wd, true
	}
	if freq == schedule.Monthly && rule.MonthDay == 0 {
		rule.MonthDay = rec.NextDue.UTC().Day()
	}
	return rule, rule.Validate()
}

// Reconcile makes the config-owned schedules match defs: new jobs are created,
// changed ones re-created, dropped ones removed, and the enabled flag maps to
// cancel/resume. Schedules created through the admin API are left alone.
func (a *Service) Reconcile(ctx context.Context, defs []JobDef) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	desired := make(map[string]JobDef, len(defs))
	for _, d := range defs {
		desired[strings.TrimSpace(d.Key)] = d
	}

	a.metaMu.RLock()
	current := make(map[string]entryMeta, len(a.meta))
	for k, m := range a.meta {
		current[k] = m
	}
	a.metaMu.RUnlock()

	var errs []error
	var created, recreated, removed, toggled int

	for key, m := range current {
		if m.source != SourceConfig {
			continue
		}
		if _, ok := desired[key]; ok {
			continue
		}
		if err := a.removeLocked(ctx, key); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	for key, d := range desired {
		fp := d.Fingerprint()
		m, exists := current[key]
		if exists && m.source != SourceConfig {
			a.log.Warn("config job skipped: key owned by admin", logx.String("key", key))
			continue
		}
		if exists && m.fingerprint != fp {
			if err := a.removeLocked(ctx, key); err != nil {
				errs = append(errs, err)
				continue
			}
			exists = false
			recreated++
		}
		if !exists {
			_, err := a.createLocked(ctx, CreateRequest{
				Key: key, Frequency: d.Frequency, Day: d.Day, At: d.At, Timezone: d.Timezone,
				Action: d.Action, Args: d.Args, Paused: !d.Enabled,
				Source: SourceConfig, Fingerprint: fp, Actor: "config",
			})
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				continue
			}
			created++
			continue
		}

		sc, err := a.sched.Get(key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		switch {
		case d.Enabled && !sc.IsRunning():
			err = a.resumeLocked(ctx, key)
			toggled++
		case !d.Enabled && sc.IsRunning():
			err = a.cancelLocked(ctx, key)
			toggled++
		}
		if err != nil {
			errs = append(errs, err)
		}
	}

	a.log.Info("config jobs reconciled",
		logx.Int("jobs", len(desired)),
		logx.Int("created", created-recreated),
		logx.Int("recreated", recreated),
		logx.Int("removed", removed),
		logx.Int("toggled", toggled),
	)
	return errors.Join(errs...)
}

// AuditRuns records every firing from the bus in the audit log until ctx is done.
func (a *Service) AuditRuns(ctx context.Context, bus eventbus.Bus) error {
	return a.RunAuditor(bus)(ctx)
}

// RunAuditor subscribes to firings right away and returns the loop that
// writes them to the audit log, so no firing after this call is missed.
func (a *Service) RunAuditor(bus eventbus.Bus) func(ctx context.Context) error {
	if a.store == nil || bus == nil {
		return func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		}
	}
	ch, unsub := bus.Subscribe(64, eventbus.TypeFired)
	return func(ctx context.Context) error {
		defer unsub()
		return a.auditLoop(ctx, ch)
	}
}

func (a *Service) auditLoop(ctx context.Context, ch <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			fe, ok := e.Data.(scheduler.FireEvent)
			if !ok {
				continue
			}
			entry := storage.AuditEntry{
				At:     e.Time,
				Actor:  "scheduler",
				Action: "fire",
				Target: e.Key,
				RunID:  fe.RunID,
				OK:     fe.Error == "",
				Error:  fe.Error,
				TookMS: fe.Duration.Milliseconds(),
			}
			if err := a.store.AppendAudit(ctx, entry); err != nil {
				a.log.Debug("run audit append failed", logx.String("key", e.Key), logx.Err(err))
			}
		}
	}
}
