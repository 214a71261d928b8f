// Package harness runs sync scenarios end to end.
//
// A scenario registers tenants, loads records into an in-memory source and
// drives backfill and incremental runs against a fresh SQLite store, then
// checks the recorded runs and the store it leaves behind.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	now: 2024-06-01T00:00:00Z
//	page_size: 2
//	tenants:
//	  - id: acme
//	  - id: globex
//	    no_token: true
//	records:
//	  - tenant: acme
//	    collection: orders
//	    id: 1
//	    created: 2024-01-01T00:00:00Z
//	    fields: { name: "#1001" }
//	steps:
//	  - run: backfill
//	    collection: orders
//	    expect: { acme: ok, globex: failed }
//	  - advance: 1h
//	  - add: [ ... ]
//	  - fail: { tenant: acme, error: "unauthorized" }
//	  - run: sync
//	assertions:
//	  - type: checkpoint
//	    tenant: acme
//	    collection: orders
//	    position: 2024-01-01T00:00:00Z/1
//	    backfill_done: true
//
// Tenants default to the domain "<id>.example.com" and the token "tok-<id>".
// Run steps process enabled tenants ordered by id, and every collection
// unless one is named.
//
// # Assertion Types
//
//   - run_status: a tenant's run in a given step ended with a status and code
//   - run_count: the number of runs matching tenant, collection, status, code
//   - checkpoint: a checkpoint's position and backfill flag
//   - row_count: the number of index rows of a tenant
//   - search: the record ids a search finds
//
// # Deterministic Testing
//
// The harness uses a fake clock whose sleeps return immediately, so page
// delays and retry waits advance time without blocking. Together with the
// in-memory source this makes the run trace reproducible, and RunWithGolden
// compares it against testdata/golden.
package harness
