// Package engine implements checkpointed, resumable synchronization of
// source collections into the store.
//
// ARCHITECTURE:
//
// A Pipeline binds one collection to its normalizer. For every tenant the
// driver runs either Backfill (full history from BackfillEpoch, ordered by
// created_at) or Incremental (records updated since the checkpoint, ordered
// by updated_at). Both share one paginated fetch loop:
//
//	FETCH_PAGE -> PROCESS_PAGE -> CHECK_CONTINUE -> {FETCH_PAGE | DONE}
//
// PROCESS_PAGE normalizes the page and writes detail rows before index rows,
// so a crash between the two writes still leaves the payload retrievable.
// CHECK_CONTINUE stops on an empty page or a missing next cursor, and when
// the run's context is done.
//
// Tenants are processed one after another. A failure of one tenant is
// recorded in its checkpoint run_error and in the Summary; the driver then
// moves on to the next tenant.
//
// CHECKPOINTS:
//
// The checkpoint position (last_seen_timestamp, last_seen_id) never moves
// backward. Incremental tracks the running maximum of the records it writes
// and persists it every CheckpointEvery pages and at the end of the run.
// Before fetching, Incremental bootstraps the checkpoint: when it is missing
// or stuck at the epoch while the index already holds rows, the position is
// rebuilt from MAX(updated_at), MAX(record_id) of the index and re-read. If
// it is still unusable the run aborts with CHECKPOINT_CORRUPT and fetches
// nothing.
//
// LEASES:
//
// Each tenant run holds the lease "sync:{tenant}:{collection}" in the store
// so that concurrent invocations cannot interleave checkpoint writes. A run
// that finds the lease held is skipped.
package engine
