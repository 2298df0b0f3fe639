// Package jobs turns named actions from config or storage into tasks.
package jobs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"pewsched/internal/eventbus"
	"pewsched/internal/task"
	logx "pewsched/pkg/logx"
)

var (
	ErrUnknownAction = errors.New("unknown action")
	ErrInvalidArgs   = errors.New("invalid action args")
)

// Spec names an action and its arguments for one schedule.
type Spec struct {
	Key    string
	Action string
	Args   map[string]string
}

func (s Spec) arg(name string) string { return strings.TrimSpace(s.Args[name]) }

// Factory validates a spec and builds the work for it. It runs at create and
// restore time, so bad args are rejected before anything is scheduled.
type Factory func(spec Spec) (task.Func, error)

type Registry struct {
	log logx.Logger
	bus eventbus.Bus

	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the builtin actions (log, exec, event).
func NewRegistry(log logx.Logger, bus eventbus.Bus) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registry{log: log, bus: bus, factories: map[string]Factory{}}
	_ = r.Register("log", r.logAction)
	_ = r.Register("exec", r.execAction)
	_ = r.Register("event", r.eventAction)
	return r
}

// Register adds or replaces an action.
func (r *Registry) Register(name string, f Factory) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || f == nil {
		return errors.New("action name and factory required")
	}
	r.mu.Lock()
	r.factories[name] = f
	r.mu.Unlock()
	return nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Build resolves spec.Action and returns a ready task named "<key>:<action>".
func (r *Registry) Build(spec Spec) (*task.Task, error) {
	name := strings.ToLower(strings.TrimSpace(spec.Action))
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, spec.Action)
	}
	fn, err := f(spec)
	if err != nil {
		return nil, fmt.Errorf("action %s for %s: %w", name, spec.Key, err)
	}
	return task.New(spec.Key+":"+name, fn)
}
