// Package store provides the SQLite-backed durable substrate shared by every
// tidemark component.
//
// The store holds:
//   - Blobs: content-addressed byte metadata (digest primary key)
//   - Items: semantic records referencing a blob or inline text
//   - Edges: directed, labeled lineage between items
//   - Runs: one row per execution attempt, with inputs, outputs and logs
//   - Tasks: the leased work queue
//
// # Concurrency
//
// There is no in-process locking. Every mutation is a single statement or a
// single transaction, and mutual exclusion is delegated to SQLite:
//   - Insert-or-read-existing via INSERT ... ON CONFLICT DO NOTHING
//   - Checked updates whose WHERE clause re-states the expected prior state
//   - Lease acquisition as one UPDATE ... RETURNING compare-and-swap
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes, multiple processes allowed
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Bounded wait for the write lock
//   - foreign_keys=ON: Enforce referential integrity
//
// # Time
//
// Timestamps are stored as fixed-width UTC text (see TimeLayout) so that
// lexical comparison in SQL matches chronological order.
package store
