// Package app wires the scheduler daemon: config, logging, storage, the
// schedule registry, the admin service and the background goroutines that
// keep them in step.
package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"pewsched/internal/admin"
	"pewsched/internal/config"
	"pewsched/internal/eventbus"
	"pewsched/internal/jobs"
	"pewsched/internal/runtime/supervisor"
	"pewsched/internal/schedule"
	"pewsched/internal/scheduler"
	"pewsched/internal/storage"
	logx "pewsched/pkg/logx"
	"pewsched/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sched    *scheduler.Service
	reporter *scheduler.Reporter
	jobs     *jobs.Registry
	admin    *admin.Service
	house    *housekeeping
	sd       *systemd.Notifier

	shutdownTimeout time.Duration
}

// NewApp loads the config at cfgPath and builds every component. Nothing
// runs until Start.
func NewApp(cfgPath string) (*App, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return newApp(cfgm, cfg, clockwork.NewRealClock())
}

func newApp(cfgm *config.ConfigManager, cfg *config.Config, clock clockwork.Clock) (*App, error) {
	durs, err := cfg.ParseDurations()
	if err != nil {
		return nil, err
	}
	loc, err := loadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.Logging.Logx())
	appLog := log.With(logx.String("comp", "app"))

	store, err := OpenStore(cfg, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	if store != nil {
		appLog.Info("storage enabled", logx.String("driver", storage.NormalizeDriver(cfg.Storage.Driver)))
	} else {
		appLog.Warn("storage disabled; schedules will not survive a restart")
	}

	bus := eventbus.New()
	sched := scheduler.New(log.With(logx.String("comp", "scheduler")))
	reporter := scheduler.NewReporter(scheduler.ReportConfig{
		Rate:  cfg.Scheduler.ReportRate,
		Burst: cfg.Scheduler.ReportBurst,
	}, log.With(logx.String("comp", "schedule")), bus)
	reg := jobs.NewRegistry(log.With(logx.String("comp", "jobs")), bus)

	adm, err := admin.New(admin.Options{
		Store:       store,
		Scheduler:   sched,
		Jobs:        reg,
		Observer:    reporter,
		Clock:       clock,
		Log:         log.With(logx.String("comp", "admin")),
		Location:    loc,
		TaskTimeout: durs.TaskTimeout,
	})
	if err != nil {
		closeStore(store)
		_ = logSvc.Close()
		return nil, err
	}

	var house *housekeeping
	if store != nil {
		house, err = newHousekeeping(cfg, durs.AuditRetention, adm, log.With(logx.String("comp", "housekeeping")))
		if err != nil {
			closeStore(store)
			_ = logSvc.Close()
			return nil, err
		}
	}

	if cfgm != nil {
		cfgm.SetLogger(log.With(logx.String("comp", "config")))
	}

	return &App{
		cfgm:            cfgm,
		log:             appLog,
		logs:            logSvc,
		bus:             bus,
		store:           store,
		sched:           sched,
		reporter:        reporter,
		jobs:            reg,
		admin:           adm,
		house:           house,
		sd:              systemd.New(cfg.Systemd.Notify, log.With(logx.String("comp", "systemd"))),
		shutdownTimeout: durs.ShutdownTimeout,
	}, nil
}

func loadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

func closeStore(st storage.Store) {
	if st != nil {
		_ = st.Close()
	}
}

// Admin exposes the administrative surface (create/cancel/resume/remove).
func (a *App) Admin() *admin.Service { return a.admin }

// ShutdownTimeout is the configured bound for Stop.
func (a *App) ShutdownTimeout() time.Duration { return a.shutdownTimeout }

// Done is closed when the supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start restores stored schedules, reconciles config jobs and starts the
// background goroutines. Restore failures of single rows are logged, not fatal.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))), supervisor.WithCancelOnError(true))

	// Subscribed before Restore: overdue rows fire as soon as they are armed.
	a.sup.Go("audit.runs", a.admin.RunAuditor(a.bus))
	a.sup.Go("eventbus.log", a.logEvents)

	n, err := a.admin.Restore(ctx)
	if err != nil {
		a.log.Warn("some schedules could not be restored", logx.Int("restored", n), logx.Err(err))
	}
	if cfg := a.currentConfig(); cfg != nil {
		if err := a.admin.Reconcile(ctx, cfg.JobDefs()); err != nil {
			a.log.Warn("config jobs reconciled with errors", logx.Err(err))
		}
	}

	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go("config.reload", func(c context.Context) error {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
			return nil
		})
		a.sup.GoRestart("config.watch", a.cfgm.Watch)
	}
	if a.house != nil {
		a.sup.Go("storage.housekeeping", a.house.Run)
	}
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return a.sd.RunWatchdog(c, a.healthy)
	})

	a.sd.Ready()
	a.sd.Status(a.status())
	a.log.Info("app started", logx.Int("schedules", len(a.sched.Keys())), logx.Strings("actions", a.jobs.Names()))
	return nil
}

func (a *App) currentConfig() *config.Config {
	if a.cfgm == nil {
		return nil
	}
	return a.cfgm.Get()
}

// healthy gates watchdog pings on a live supervisor without a fatal error.
func (a *App) healthy() bool {
	select {
	case <-a.Done():
		return false
	default:
	}
	return a.Err() == nil
}

func (a *App) status() string {
	armed := 0
	snaps := a.sched.Snapshot()
	for _, s := range snaps {
		if s.State == schedule.Armed {
			armed++
		}
	}
	return fmt.Sprintf("%d schedules, %d armed", len(snaps), armed)
}

func (a *App) logEvents(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.String("key", e.Key), logx.Time("time", e.Time))
		}
	}
}

// reloadLoop applies published configs. Bursts are coalesced to the newest.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			newCfg = c
		}
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					newCfg = newer
				}
			default:
				break drain
			}
		}
		a.applyConfig(ctx, lastApplied, newCfg)
		lastApplied = newCfg
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, changedJobs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.sd.Reloading()
	defer a.sd.Ready()

	if slices.Contains(sections, "logging") {
		a.logs.Apply(newCfg.Logging.Logx())
	}
	if slices.Contains(sections, "scheduler") {
		if loc, err := loadLocation(newCfg.Scheduler.Timezone); err == nil {
			a.admin.SetLocation(loc)
		}
		a.log.Warn("scheduler timeouts and report limits apply after restart; timezone applies to new jobs")
	}
	for _, s := range []string{"storage", "systemd"} {
		if slices.Contains(sections, s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}
	if slices.Contains(sections, "jobs") {
		if err := a.admin.Reconcile(ctx, newCfg.JobDefs()); err != nil {
			a.log.Warn("config jobs reconciled with errors", logx.Err(err))
		}
		a.sd.Status(a.status())
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	if len(changedJobs) > 0 {
		fields = append(fields, logx.Strings("jobs", changedJobs))
	}
	a.log.Info("config reloaded", fields...)
}

// Stop cancels the background goroutines, disarms every schedule and closes
// storage. Each step is bounded; a step that overruns is left behind.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()
	a.sup.Cancel()

	a.step(ctx, "scheduler", 0, a.sched.Shutdown)
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped", logx.Uint64("events_dropped", a.bus.Dropped()), logx.Uint64("warnings_suppressed", a.reporter.Suppressed()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx := ctx
	if limit > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
