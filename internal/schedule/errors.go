package schedule

import (
	"fmt"
	"time"
)

// TaskExecutionError wraps an error returned, or a panic raised, by a task.
// It is reported, never propagated: the owning loop keeps running.
type TaskExecutionError struct {
	Key   string
	Task  string
	RunID string
	Err   error
	Panic any
	Stack string
}

func (e *TaskExecutionError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("schedule %q: task %q panicked: %v", e.Key, e.Task, e.Panic)
	}
	return fmt.Sprintf("schedule %q: task %q failed: %v", e.Key, e.Task, e.Err)
}

func (e *TaskExecutionError) Unwrap() error { return e.Err }

// PersistenceWriteError reports that the new due instant could not be stored.
type PersistenceWriteError struct {
	Key     string
	NextDue time.Time
	Err     error
}

func (e *PersistenceWriteError) Error() string {
	return fmt.Sprintf("schedule %q: persist next_due %s: %v", e.Key, e.NextDue.Format(time.RFC3339), e.Err)
}

func (e *PersistenceWriteError) Unwrap() error { return e.Err }
