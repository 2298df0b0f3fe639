package config

import (
	"time"

	logx "pewsched/pkg/logx"
)

// Config is the on-disk configuration of the scheduler daemon.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "720h").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   StorageConfig   `json:"storage"`
	Systemd   SystemdConfig   `json:"systemd"`
	Jobs      []JobConfig     `json:"jobs,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Logx maps the logging block onto the logx sink config.
func (c LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		JSON:    c.JSON,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

// SchedulerConfig controls schedule execution and failure reporting.
//
// Defaults (when fields are omitted/zero):
//   - timezone: UTC
//   - shutdown_timeout: 10s
//   - task_timeout: 0s (disabled)
//   - report_rate: 1/60 warnings per second per schedule
//   - report_burst: 3
type SchedulerConfig struct {
	// Timezone is the default IANA zone for job "at" times.
	Timezone        string  `json:"timezone,omitempty"`
	ShutdownTimeout string  `json:"shutdown_timeout,omitempty"`
	TaskTimeout     string  `json:"task_timeout,omitempty"`
	ReportRate      float64 `json:"report_rate,omitempty"`
	ReportBurst     int     `json:"report_burst,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/pewsched.db" }
type StorageConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
	// DSN is only used by the postgres driver (never logged).
	DSN            string `json:"dsn,omitempty"`
	BusyTimeout    string `json:"busy_timeout,omitempty"` // sqlite
	Housekeeping   string `json:"housekeeping,omitempty"` // cron spec, default "@daily"
	AuditRetention string `json:"audit_retention,omitempty"`
}

type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
}

// JobConfig declares one recurring job.
//
// Day is a weekday name for weekly jobs and is ignored otherwise. At is a
// local "HH:MM" or "HH:MM:SS" in Timezone (or scheduler.timezone).
type JobConfig struct {
	Key       string            `json:"key"`
	Frequency string            `json:"frequency"`
	Day       string            `json:"day,omitempty"`
	At        string            `json:"at,omitempty"`
	Timezone  string            `json:"timezone,omitempty"`
	Action    string            `json:"action"`
	Args      map[string]string `json:"args,omitempty"`
	// Enabled is a pointer so an omitted flag means enabled.
	Enabled *bool `json:"enabled,omitempty"`
}

func (j JobConfig) IsEnabled() bool { return j.Enabled == nil || *j.Enabled }

const (
	DefaultShutdownTimeout = 10 * time.Second
	DefaultHousekeeping    = "@daily"
	DefaultAuditRetention  = 30 * 24 * time.Hour
)

// Durations holds the parsed duration fields of a validated config.
type Durations struct {
	ShutdownTimeout time.Duration
	TaskTimeout     time.Duration
	BusyTimeout     time.Duration
	AuditRetention  time.Duration
}

// ParseDurations parses every duration field, applying defaults.
func (c *Config) ParseDurations() (Durations, error) {
	var (
		d   Durations
		err error
	)
	if d.ShutdownTimeout, err = ParseDurationOrDefault("scheduler.shutdown_timeout", c.Scheduler.ShutdownTimeout, DefaultShutdownTimeout); err != nil {
		return d, err
	}
	if d.TaskTimeout, err = ParseDurationField("scheduler.task_timeout", c.Scheduler.TaskTimeout); err != nil {
		return d, err
	}
	if d.BusyTimeout, err = ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return d, err
	}
	if d.AuditRetention, err = ParseDurationOrDefault("storage.audit_retention", c.Storage.AuditRetention, DefaultAuditRetention); err != nil {
		return d, err
	}
	return d, nil
}
