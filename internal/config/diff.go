package config

import (
	"reflect"
	"sort"
	"strings"

	logx "pewsched/pkg/logx"
)

// SummarizeConfigChange returns (1) the changed top-level sections,
// (2) safe structured attrs for logging (the storage DSN is never included),
// and (3) the keys of jobs that were added, removed or modified.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.json", newCfg.Logging.JSON),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.shutdown_timeout", strings.TrimSpace(newCfg.Scheduler.ShutdownTimeout)),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
	}

	jobs := diffJobs(oldCfg.Jobs, newCfg.Jobs)
	if len(jobs) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.count", len(newCfg.Jobs)),
			logx.Int("jobs.enabled", countEnabled(newCfg.Jobs)),
		)
	}
	return changed, attrs, jobs
}

func countEnabled(jobs []JobConfig) int {
	n := 0
	for _, j := range jobs {
		if j.IsEnabled() {
			n++
		}
	}
	return n
}

func diffJobs(oldJobs, newJobs []JobConfig) []string {
	index := func(in []JobConfig) map[string]JobConfig {
		m := make(map[string]JobConfig, len(in))
		for _, j := range in {
			m[strings.TrimSpace(j.Key)] = j
		}
		return m
	}
	oldM, newM := index(oldJobs), index(newJobs)

	var out []string
	for k, o := range oldM {
		n, ok := newM[k]
		if !ok || o.IsEnabled() != n.IsEnabled() || !reflect.DeepEqual(withoutEnabled(o), withoutEnabled(n)) {
			out = append(out, k)
		}
	}
	for k := range newM {
		if _, ok := oldM[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func withoutEnabled(j JobConfig) JobConfig {
	j.Enabled = nil
	if len(j.Args) == 0 {
		j.Args = nil
	}
	return j
}
