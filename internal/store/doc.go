// Package store provides SQLite-backed durable storage for test runs.
//
// Two tables are kept:
//   - tests: one row per test instance with its status, result and
//     configuration (implements testinfo.Service)
//   - events: the audit trail, one row per eventlog.Entry (implements
//     eventlog.Sink)
//
// # Ordering
//
// Events are keyed by (test_id, seq). Reads always ORDER BY seq ASC so that
// a stored trail replays in the order it was logged, regardless of wall
// time. Appending an entry whose key already exists is a no-op.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// JSON columns hold canonical JSON (see internal/canonical) so that equal
// values are stored byte-identically.
package store
