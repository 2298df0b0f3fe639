package jobs

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"pewsched/internal/eventbus"
	"pewsched/internal/task"
	logx "pewsched/pkg/logx"
)

const (
	defaultExecTimeout = time.Minute
	maxExecOutput      = 4 << 10
)

// logAction emits one log line per firing. Args: message, level (info|warn|debug).
func (r *Registry) logAction(spec Spec) (task.Func, error) {
	msg := spec.arg("message")
	if msg == "" {
		msg = "scheduled job fired"
	}
	level := strings.ToLower(spec.arg("level"))
	switch level {
	case "", "info", "warn", "debug":
	default:
		return nil, fmt.Errorf("%w: level %q", ErrInvalidArgs, level)
	}
	log := r.log.With(logx.String("job", spec.Key))
	return func(ctx context.Context) error {
		switch level {
		case "warn":
			log.Warn(msg)
		case "debug":
			log.Debug(msg)
		default:
			log.Info(msg)
		}
		return nil
	}, nil
}

// execAction runs a command. Args: command (required), args (space separated),
// dir, timeout (Go duration, default 1m).
func (r *Registry) execAction(spec Spec) (task.Func, error) {
	command := spec.arg("command")
	if command == "" {
		return nil, fmt.Errorf("%w: command required", ErrInvalidArgs)
	}
	argv := strings.Fields(spec.arg("args"))
	dir := spec.arg("dir")
	timeout := defaultExecTimeout
	if raw := spec.arg("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("%w: timeout %q", ErrInvalidArgs, raw)
		}
		timeout = d
	}
	log := r.log.With(logx.String("job", spec.Key), logx.String("command", command))

	return func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		cmd := exec.CommandContext(cctx, command, argv...)
		cmd.Dir = dir
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out

		start := time.Now()
		err := cmd.Run()
		tail := lastBytes(out.Bytes(), maxExecOutput)
		log.Debug("exec finished", logx.Duration("took", time.Since(start)), logx.String("output", tail), logx.Err(err))
		if err != nil {
			if cctx.Err() == context.DeadlineExceeded {
				return fmt.Errorf("%s timed out after %s", command, timeout)
			}
			if tail != "" {
				return fmt.Errorf("%s: %w: %s", command, err, tail)
			}
			return fmt.Errorf("%s: %w", command, err)
		}
		return nil
	}, nil
}

// eventAction publishes an event on the bus. Args: type (default "job.<key>");
// the remaining args are the event data.
func (r *Registry) eventAction(spec Spec) (task.Func, error) {
	if r.bus == nil {
		return nil, fmt.Errorf("%w: event bus not configured", ErrInvalidArgs)
	}
	typ := spec.arg("type")
	if typ == "" {
		typ = "job." + spec.Key
	}
	data := make(map[string]string, len(spec.Args))
	for k, v := range spec.Args {
		if k != "type" {
			data[k] = v
		}
	}
	bus := r.bus
	key := spec.Key
	return func(ctx context.Context) error {
		bus.Publish(eventbus.Event{Type: typ, Key: key, Data: data})
		return nil
	}, nil
}

func lastBytes(b []byte, n int) string {
	b = bytes.TrimSpace(b)
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
