package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"pewsched/internal/admin"
	"pewsched/internal/schedule"
	"pewsched/internal/storage"
)

var knownDrivers = map[string]bool{"": true, "none": true, "memory": true, "file": true, "sqlite": true, "postgres": true}

// Validate checks the whole config and reports every problem it finds.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if _, err := cfg.ParseDurations(); err != nil {
		errs = append(errs, err)
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("scheduler.timezone: %w", err)
		}
	}
	if cfg.Scheduler.ReportRate < 0 {
		add("scheduler.report_rate must be >= 0")
	}
	if cfg.Scheduler.ReportBurst < 0 {
		add("scheduler.report_burst must be >= 0")
	}

	driver := storage.NormalizeDriver(cfg.Storage.Driver)
	if !knownDrivers[driver] {
		add("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	switch driver {
	case "file", "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add("storage.path is required for %s driver", driver)
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add("storage.dsn is required for postgres driver")
		}
	}
	if spec := strings.TrimSpace(cfg.Storage.Housekeeping); spec != "" && spec != "off" {
		if _, err := cron.ParseStandard(spec); err != nil {
			add("storage.housekeeping: %w", err)
		}
	}

	seen := make(map[string]int, len(cfg.Jobs))
	for i, j := range cfg.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		key := strings.TrimSpace(j.Key)
		if key == "" {
			add("%s.key is required", path)
		} else if prev, dup := seen[key]; dup {
			add("%s.key %q duplicates jobs[%d]", path, key, prev)
		} else {
			seen[key] = i
		}
		if err := validateJob(j); err != nil {
			add("%s (%s): %w", path, key, err)
		}
	}
	return errors.Join(errs...)
}

func validateJob(j JobConfig) error {
	freq, err := schedule.ParseFrequency(j.Frequency)
	if err != nil {
		return err
	}
	if strings.TrimSpace(j.Action) == "" {
		return errors.New("action is required")
	}
	loc := time.UTC
	if tz := strings.TrimSpace(j.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
	}
	// Resolving the first due instant checks day and at together.
	if _, _, err := admin.FirstDue(freq, j.Day, j.At, loc, time.Now()); err != nil {
		return err
	}
	return nil
}

// JobDefs maps the config jobs to the definitions reconciled by the admin service.
func (c *Config) JobDefs() []admin.JobDef {
	out := make([]admin.JobDef, 0, len(c.Jobs))
	for _, j := range c.Jobs {
		out = append(out, admin.JobDef{
			Key:       strings.TrimSpace(j.Key),
			Frequency: j.Frequency,
			Day:       j.Day,
			At:        j.At,
			Timezone:  j.Timezone,
			Action:    j.Action,
			Args:      j.Args,
			Enabled:   j.IsEnabled(),
		})
	}
	return out
}
