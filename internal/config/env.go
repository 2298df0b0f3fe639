package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvOverrides are the environment variables that take precedence over the
// config file. Empty values leave the file setting untouched.
type EnvOverrides struct {
	LogLevel      string `env:"LOG_LEVEL"`
	StorageDriver string `env:"STORAGE_DRIVER"`
	StoragePath   string `env:"STORAGE_PATH"`
	StorageDSN    string `env:"STORAGE_DSN"`
	Timezone      string `env:"TIMEZONE"`
}

const EnvPrefix = "PEWSCHED_"

// LoadDotEnv loads .env style files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		existing = append(existing, p)
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// ReadEnv parses the PEWSCHED_* overrides from environ ("K=V" pairs).
// A nil environ reads the process environment.
func ReadEnv(environ []string) (EnvOverrides, error) {
	var o EnvOverrides
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = env.ToMap(environ)
	}
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return EnvOverrides{}, fmt.Errorf("parse env: %w", err)
	}
	return o, nil
}

// Apply copies the non-empty overrides into cfg.
func (o EnvOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Logging.Level, o.LogLevel)
	set(&cfg.Storage.Driver, o.StorageDriver)
	set(&cfg.Storage.Path, o.StoragePath)
	set(&cfg.Storage.DSN, o.StorageDSN)
	set(&cfg.Scheduler.Timezone, o.Timezone)
}

// Set reports which overrides are present, for logging. Values are omitted
// since the DSN may carry credentials.
func (o EnvOverrides) Set() []string {
	var out []string
	add := func(name, v string) {
		if strings.TrimSpace(v) != "" {
			out = append(out, EnvPrefix+name)
		}
	}
	add("LOG_LEVEL", o.LogLevel)
	add("STORAGE_DRIVER", o.StorageDriver)
	add("STORAGE_PATH", o.StoragePath)
	add("STORAGE_DSN", o.StorageDSN)
	add("TIMEZONE", o.Timezone)
	return out
}
