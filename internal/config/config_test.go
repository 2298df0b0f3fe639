package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pewsched/internal/schedule"
	logx "pewsched/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  timezone: Asia/Manila
  shutdown_timeout: 5s
storage:
  driver: sqlite
  path: ./data/pewsched.db
  audit_retention: 48h
systemd:
  notify: true
jobs:
  - key: weekly-digest
    frequency: weekly
    day: monday
    at: "08:00"
    action: log
    args: { message: "weekly digest" }
  - key: rotate
    frequency: monthly
    day: "31"
    action: exec
    args: { command: "logrotate -f /etc/logrotate.conf" }
    enabled: false
`

func noEnv() (EnvOverrides, error) { return EnvOverrides{}, nil }

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAML(t *testing.T) {
	p := writeFile(t, t.TempDir(), "pewsched.yaml", sampleYAML)
	m := NewConfigManager(p)
	m.SetEnv(noEnv)

	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Len(t, cfg.Jobs, 2)
	assert.True(t, cfg.Jobs[0].IsEnabled())
	assert.False(t, cfg.Jobs[1].IsEnabled())

	d, err := cfg.ParseDurations()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d.ShutdownTimeout)
	assert.Equal(t, 48*time.Hour, d.AuditRetention)
	assert.Zero(t, d.TaskTimeout)

	defs := cfg.JobDefs()
	require.Len(t, defs, 2)
	assert.Equal(t, "weekly-digest", defs[0].Key)
	assert.Equal(t, "weekly digest", defs[0].Args["message"])
	assert.False(t, defs[1].Enabled)

	lc := cfg.Logging.Logx()
	assert.Equal(t, "debug", lc.Level)
	assert.True(t, lc.Console)
}

func TestDecodeIsStrict(t *testing.T) {
	_, err := Decode("c.json", []byte(`{"scheduler":{"timezone":"UTC","workers":4}}`))
	assert.ErrorContains(t, err, "unknown field")

	_, err = Decode("c.json", []byte(`{} {}`))
	assert.ErrorContains(t, err, "trailing data")

	_, err = Decode("c.yml", []byte("storage:\n  drivr: file\n"))
	assert.ErrorContains(t, err, "unknown field")

	cfg, err := Decode("c.yaml", nil)
	require.NoError(t, err)
	assert.Empty(t, cfg.Jobs)
}

func TestValidate(t *testing.T) {
	ok := func() *Config {
		return &Config{
			Storage: StorageConfig{Driver: "file", Path: "./state"},
			Jobs: []JobConfig{
				{Key: "a", Frequency: "daily", At: "09:30", Action: "log"},
			},
		}
	}
	require.NoError(t, Validate(ok()))

	cases := map[string]struct {
		mutate func(c *Config)
		want   string
	}{
		"duplicate key": {func(c *Config) {
			c.Jobs = append(c.Jobs, JobConfig{Key: " a ", Frequency: "daily", Action: "log"})
		}, "duplicates jobs[0]"},
		"missing key":       {func(c *Config) { c.Jobs[0].Key = "" }, "key is required"},
		"bad frequency":     {func(c *Config) { c.Jobs[0].Frequency = "hourly" }, "frequency"},
		"bad clock":         {func(c *Config) { c.Jobs[0].At = "25:00" }, "time of day"},
		"bad weekday":       {func(c *Config) { c.Jobs[0].Frequency, c.Jobs[0].Day = "weekly", "funday" }, "weekday"},
		"monthly weekday":   {func(c *Config) { c.Jobs[0].Frequency, c.Jobs[0].Day = "monthly", "monday" }, schedule.ErrAnchorMonthly.Error()},
		"missing action":    {func(c *Config) { c.Jobs[0].Action = " " }, "action is required"},
		"bad job tz":        {func(c *Config) { c.Jobs[0].Timezone = "Mars/Olympus" }, "timezone"},
		"bad default tz":    {func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		"bad duration":      {func(c *Config) { c.Scheduler.ShutdownTimeout = "soon" }, "scheduler.shutdown_timeout"},
		"negative duration": {func(c *Config) { c.Storage.AuditRetention = "-1h" }, ">= 0"},
		"unknown driver":    {func(c *Config) { c.Storage.Driver = "redis" }, "unknown driver"},
		"missing path":      {func(c *Config) { c.Storage.Path = "" }, "storage.path is required"},
		"postgres dsn":      {func(c *Config) { c.Storage.Driver = "pg" }, "storage.dsn is required"},
		"bad housekeeping":  {func(c *Config) { c.Storage.Housekeeping = "every tuesday" }, "storage.housekeeping"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			c := ok()
			tc.mutate(c)
			assert.ErrorContains(t, Validate(c), tc.want)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	o, err := ReadEnv([]string{
		"PEWSCHED_LOG_LEVEL=warn",
		"PEWSCHED_STORAGE_DRIVER=postgres",
		"PEWSCHED_STORAGE_DSN=postgres://u:secret@db/pewsched",
		"STORAGE_PATH=/ignored/without/prefix",
	})
	require.NoError(t, err)

	cfg := &Config{Storage: StorageConfig{Driver: "file", Path: "./state"}}
	o.Apply(cfg)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "./state", cfg.Storage.Path)
	assert.Equal(t, "postgres://u:secret@db/pewsched", cfg.Storage.DSN)
	assert.Equal(t, []string{"PEWSCHED_LOG_LEVEL", "PEWSCHED_STORAGE_DRIVER", "PEWSCHED_STORAGE_DSN"}, o.Set())
}

func TestManagerAppliesEnvBeforeValidation(t *testing.T) {
	p := writeFile(t, t.TempDir(), "pewsched.json", `{"storage":{"driver":"file"}}`)
	m := NewConfigManager(p)

	m.SetEnv(noEnv)
	_, err := m.Load()
	assert.ErrorContains(t, err, "storage.path is required")

	m.SetEnv(func() (EnvOverrides, error) { return EnvOverrides{StoragePath: "/var/lib/pewsched/state"}, nil })
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/pewsched/state", cfg.Storage.Path)
}

func TestLoadDotEnvKeepsExistingVars(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, ".env", "PEWSCHED_DOTENV_TEST_A=from-file\nPEWSCHED_DOTENV_TEST_B=from-file\n")
	t.Setenv("PEWSCHED_DOTENV_TEST_B", "from-env")
	t.Cleanup(func() { _ = os.Unsetenv("PEWSCHED_DOTENV_TEST_A") })

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), p))
	assert.Equal(t, "from-file", os.Getenv("PEWSCHED_DOTENV_TEST_A"))
	assert.Equal(t, "from-env", os.Getenv("PEWSCHED_DOTENV_TEST_B"))
}

func TestSummarizeConfigChange(t *testing.T) {
	off := false
	oldCfg := &Config{
		Storage: StorageConfig{Driver: "file", Path: "./a"},
		Jobs: []JobConfig{
			{Key: "a", Frequency: "daily", Action: "log"},
			{Key: "b", Frequency: "daily", Action: "log"},
			{Key: "c", Frequency: "daily", Action: "log"},
		},
	}
	newCfg := &Config{
		Storage: StorageConfig{Driver: "file", Path: "./a", DSN: "ignored"},
		Jobs: []JobConfig{
			{Key: "a", Frequency: "daily", Action: "log", Args: map[string]string{}},
			{Key: "b", Frequency: "daily", Action: "log", Enabled: &off},
			{Key: "d", Frequency: "weekly", Action: "log"},
		},
	}
	sections, attrs, jobs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"storage", "jobs"}, sections)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"b", "c", "d"}, jobs)

	sections, _, jobs = SummarizeConfigChange(nil, nil)
	assert.Empty(t, sections)
	assert.Empty(t, jobs)
}

func TestWatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "pewsched.json", `{"jobs":[{"key":"a","frequency":"daily","action":"log"}]}`)
	m := NewConfigManager(p)
	m.SetEnv(noEnv)
	m.SetLogger(logx.Nop())
	m.debounce = 20 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)

	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		for _, j := range cfg.Jobs {
			if j.Key == "blocked" {
				return assert.AnError
			}
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	ch := m.Subscribe(1)
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		m.Unsubscribe(ch)
	})

	// The watcher starts asynchronously; keep rewriting until a reload lands.
	body := `{"jobs":[{"key":"a","frequency":"daily","action":"log"},{"key":"b","frequency":"weekly","action":"log"}]}`
	var got *Config
	require.Eventually(t, func() bool {
		_ = os.WriteFile(p, []byte(body), 0o600)
		select {
		case got = <-ch:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(t, got.Jobs, 2)
	assert.Same(t, got, m.Get())

	// Invalid or rejected content is not committed.
	require.NoError(t, os.WriteFile(p, []byte(`{"jobs":[{"key":"x","frequency":"hourly","action":"log"}]}`), 0o600))
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, os.WriteFile(p, []byte(`{"jobs":[{"key":"blocked","frequency":"daily","action":"log"}]}`), 0o600))
	time.Sleep(150 * time.Millisecond)
	assert.Len(t, m.Get().Jobs, 2)
	assert.Empty(t, ch)
}
