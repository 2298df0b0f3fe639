package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"pewsched/internal/admin"
	"pewsched/internal/config"
	logx "pewsched/pkg/logx"
)

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Warn("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}

// housekeeping prunes the audit log on a cron spec (storage.housekeeping).
type housekeeping struct {
	c         *cron.Cron
	spec      string
	ctx       context.Context
	adm       *admin.Service
	retention time.Duration
	log       logx.Logger
}

// newHousekeeping returns nil when housekeeping is "off".
func newHousekeeping(cfg *config.Config, retention time.Duration, adm *admin.Service, log logx.Logger) (*housekeeping, error) {
	spec := strings.TrimSpace(cfg.Storage.Housekeeping)
	if spec == "" {
		spec = config.DefaultHousekeeping
	}
	if spec == "off" {
		return nil, nil
	}
	cl := cronLogger{log: log}
	h := &housekeeping{
		c: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		spec:      spec,
		ctx:       context.Background(),
		adm:       adm,
		retention: retention,
		log:       log,
	}
	if _, err := h.c.AddFunc(spec, h.prune); err != nil {
		return nil, fmt.Errorf("storage.housekeeping %q: %w", spec, err)
	}
	return h, nil
}

// Run starts the cron and blocks until ctx is done, then waits for a running
// prune to finish.
func (h *housekeeping) Run(ctx context.Context) error {
	h.ctx = ctx
	h.c.Start()
	h.log.Info("housekeeping scheduled", logx.String("spec", h.spec), logx.Duration("audit_retention", h.retention))
	<-ctx.Done()
	<-h.c.Stop().Done()
	return nil
}

func (h *housekeeping) prune() {
	pctx, cancel := context.WithTimeout(h.ctx, time.Minute)
	defer cancel()
	if _, err := h.adm.Housekeep(pctx, h.retention); err != nil {
		h.log.Warn("audit prune failed", logx.Err(err))
	}
}
