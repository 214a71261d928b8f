// Package store provides the relational persistence for storesync.
//
// The store holds, per tenant:
//   - Index rows: typed, denormalized projection of each record plus a
//     search_text column recomputed on every write
//   - Detail rows: the verbatim source payload, for full-record lookups
//   - Sync checkpoints: one row per (tenant, collection), the only state
//     that lets a sync resume after a restart
//   - Leases: TTL-bounded mutual exclusion for sync runs
//
// # Write Semantics
//
// Index and detail writes are multi-row INSERT ... ON CONFLICT DO UPDATE
// statements keyed by (tenant_id, record_id): unconditional last write wins.
//
// Checkpoint writes merge field by field; a field left unset keeps its
// stored value. The (last_seen_timestamp, last_seen_id) pair only moves
// forward under the tie-break ordering; RepairCheckpoint is the single
// path allowed to overwrite it.
//
// # Dialects
//
// SQLite (github.com/mattn/go-sqlite3) is the default and what the tests
// run against. Timestamps are stored as fixed-width UTC text so that
// lexical MAX and comparisons are chronological.
//
// PostgreSQL (github.com/lib/pq) uses TIMESTAMPTZ columns and a GIN
// full-text index over search_text.
//
// Queries are written with '?' placeholders and rebound per dialect.
package store
