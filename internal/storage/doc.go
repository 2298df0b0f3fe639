// Package storage persists schedule rows and the administrative audit log.
//
// Drivers:
//   - memory: process-local, used by tests and dry runs
//   - file: schedule snapshot + journal, audit as JSON Lines
//   - sqlite: single database file (modernc, pure Go)
//   - postgres: pgx connection pool
//
// Every driver stores next_due in UTC. Records survive restarts so a schedule
// resumes its cadence instead of starting over.
package storage
