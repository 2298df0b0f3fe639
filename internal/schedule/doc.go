// Package schedule owns a single recurring schedule: its recurrence rule, the
// next due instant, the bound task and the wait loop that fires it.
//
// # Recurrence
//
// All arithmetic happens in UTC. Rule.Next derives the following due instant
// from the current clock reading (not from the previous due instant), so late
// wake-ups and process downtime never compound across cycles. The time of day
// is always carried over from the previous due instant.
//
//   - daily:   tomorrow (relative to now) at the same time of day
//   - weekly:  next anchor weekday strictly after now, or now+7 days when unanchored
//   - monthly: MonthDay of the month after now, clamped to the month's last day
//
// If a computed instant is not strictly after now, it is advanced by whole
// recurrence steps until it is.
//
// # State machine
//
// A Schedule is Idle, Armed or Cancelled. Run arms it and starts one loop
// goroutine; Cancel interrupts the pending wait immediately. Each Run bumps a
// generation counter so a loop started by an earlier Run can never fire after
// a Cancel/Run cycle.
//
// # Failures
//
// Task errors and panics are wrapped in TaskExecutionError and reported to the
// Observer; they never stop the loop. Persistence failures are reported as
// PersistenceWriteError; the in-memory due instant stays authoritative, which
// bounds a crash to at most one extra firing on the next start.
package schedule
