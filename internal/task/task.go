// Package task wraps a single unit of work invoked by a schedule.
//
// A Task carries no scheduling knowledge and never retries. Errors and panics
// propagate to the caller; the owning schedule is the failure boundary.
package task

import (
	"context"
	"errors"
	"strings"
)

// Func is the work itself. It should be idempotent: the scheduler guarantees
// at-most-one extra invocation after a crash, not exactly-once delivery.
type Func func(ctx context.Context) error

var ErrNilFunc = errors.New("task func is nil")

type Task struct {
	name string
	fn   Func
}

func New(name string, fn Func) (*Task, error) {
	if fn == nil {
		return nil, ErrNilFunc
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "task"
	}
	return &Task{name: name, fn: fn}, nil
}

// MustNew is New for static task definitions.
func MustNew(name string, fn Func) *Task {
	t, err := New(name, fn)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Task) Name() string { return t.name }

// Run invokes the wrapped func exactly once.
func (t *Task) Run(ctx context.Context) error {
	return t.fn(ctx)
}
