package engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/storesync/internal/normalize"
	"github.com/roach88/storesync/internal/source"
	"github.com/roach88/storesync/internal/store"
	"github.com/roach88/storesync/internal/testutil"
)

func TestBackfill_PagesThroughHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := tenant("a")
	f.src.Add(a.Domain, "orders", records(1, 510, base)...)

	sum := f.engine.RunBackfill(ctx, pipeline(t, "orders"), []store.Tenant{a}, false)

	require.Len(t, sum.Tenants, 1)
	res := sum.Tenants[0]
	assert.Equal(t, StatusOK, res.Status, res.Error)
	assert.Equal(t, 3, res.Pages)
	assert.Equal(t, 510, res.Fetched)
	assert.Equal(t, 510, res.Upserted)
	assert.EqualValues(t, 510, res.NewRows)
	assert.Equal(t, 1, sum.Succeeded)
	assert.False(t, sum.HasFailures())

	assert.Equal(t, []time.Duration{500 * time.Millisecond, 500 * time.Millisecond}, f.clock.Sleeps(),
		"delay separates fetches and is never taken before the first")

	calls := f.src.Calls()
	require.Len(t, calls, 3)
	first := calls[0].Query
	assert.Equal(t, source.SortCreatedAsc, first.SortOrder)
	assert.Equal(t, source.CreatedAtMin, first.LowerBoundField)
	assert.True(t, first.LowerBound.Equal(BackfillEpoch))
	assert.Equal(t, 250, first.PageSize)
	assert.Empty(t, first.Cursor)
	assert.NotEmpty(t, calls[1].Query.Cursor)

	cp := f.checkpoint("a", "orders")
	require.NotNil(t, cp)
	assert.True(t, cp.BackfillDone)
	pos := cp.Position()
	require.NotNil(t, pos)
	assert.True(t, pos.Timestamp.Equal(base.Add(509*time.Minute)))
	assert.EqualValues(t, 510, pos.ID)
	assert.EqualValues(t, 510, cp.RunNewCount)
	assert.Empty(t, cp.RunError)
	require.NotNil(t, cp.RunFinishedAt)

	assert.EqualValues(t, 510, f.count(store.Orders, "a"))
	_, err := f.store.GetDetail(ctx, store.Orders, "a", 42)
	assert.NoError(t, err, "detail rows are written alongside index rows")
}

func TestBackfill_SkipsWhenDoneUnlessForced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := tenant("a")
	f.src.Add(a.Domain, "orders", records(1, 3, base)...)
	p := pipeline(t, "orders")

	first := f.engine.RunBackfill(ctx, p, []store.Tenant{a}, false)
	require.Equal(t, StatusOK, first.Tenants[0].Status)
	calls := len(f.src.Calls())

	again := f.engine.RunBackfill(ctx, p, []store.Tenant{a}, false)
	assert.Equal(t, StatusSkipped, again.Tenants[0].Status)
	assert.Equal(t, "backfill already done", again.Tenants[0].Reason)
	assert.Equal(t, 1, again.Skipped)
	assert.Len(t, f.src.Calls(), calls, "a skipped backfill never fetches")

	forced := f.engine.RunBackfill(ctx, p, []store.Tenant{a}, true)
	res := forced.Tenants[0]
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, 3, res.Upserted)
	assert.EqualValues(t, 0, res.NewRows)
	assert.EqualValues(t, 3, f.count(store.Orders, "a"))
}

func TestBackfill_EmptyTenant(t *testing.T) {
	f := newFixture(t)
	a := tenant("a")

	sum := f.engine.RunBackfill(context.Background(), pipeline(t, "orders"), []store.Tenant{a}, false)

	res := sum.Tenants[0]
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, 1, res.Pages)
	assert.Zero(t, res.Fetched)
	assert.Empty(t, f.clock.Sleeps())

	cp := f.checkpoint("a", "orders")
	require.NotNil(t, cp)
	assert.True(t, cp.BackfillDone)
	assert.Nil(t, cp.Position(), "no rows means no position")
	assert.EqualValues(t, 0, cp.RunNewCount)
}

func TestIncremental_RepeatedRunsAreIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := tenant("a")
	f.src.Add(a.Domain, "orders", records(1, 510, base)...)
	p := pipeline(t, "orders")

	require.Equal(t, StatusOK, f.engine.RunBackfill(ctx, p, []store.Tenant{a}, false).Tenants[0].Status)
	want := f.checkpoint("a", "orders").Position()
	require.NotNil(t, want)

	for i := 0; i < 2; i++ {
		f.clock.Advance(time.Hour)
		sum := f.engine.RunIncremental(ctx, p, []store.Tenant{a})
		res := sum.Tenants[0]
		require.Equal(t, StatusOK, res.Status, res.Error)
		assert.EqualValues(t, 0, res.NewRows)
		// The safety window re-reads the last ten minutes.
		assert.Equal(t, 11, res.Fetched)

		cp := f.checkpoint("a", "orders")
		assertPosition(t, *want, cp.Position())
		assert.EqualValues(t, 0, cp.RunNewCount)
		require.NotNil(t, cp.RunFinishedAt)
		assert.True(t, cp.RunFinishedAt.Equal(f.clock.Now()))
		assert.EqualValues(t, 510, f.count(store.Orders, "a"))
	}

	last := f.src.Calls()[len(f.src.Calls())-1].Query
	assert.Equal(t, source.SortUpdatedAsc, last.SortOrder)
	assert.Equal(t, source.UpdatedAtMin, last.LowerBoundField)
	assert.True(t, last.LowerBound.Equal(want.Timestamp.Add(-DefaultOrderSafety)))
}

func TestIncremental_ZeroWindowRereadsCheckpointRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := tenant("a")
	f.src.Add(a.Domain, "customers", records(1, 3, base)...)
	p := pipeline(t, "customers")
	require.Equal(t, StatusOK, f.engine.RunBackfill(ctx, p, []store.Tenant{a}, false).Tenants[0].Status)

	res := f.engine.RunIncremental(ctx, p, []store.Tenant{a}).Tenants[0]

	require.Equal(t, StatusOK, res.Status, res.Error)
	assert.Equal(t, 1, res.Fetched, "the lower bound includes the checkpoint record")
	assert.Equal(t, 1, res.Upserted)
	assert.EqualValues(t, 0, res.NewRows)
	last := f.src.Calls()[len(f.src.Calls())-1].Query
	assert.True(t, last.LowerBound.Equal(base.Add(2*time.Minute)))
}

func TestIncremental_EmptyFirstPage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seed := store.Position{Timestamp: base.Add(time.Hour), ID: 5}
	prev := int64(4)
	require.NoError(t, f.store.SaveCheckpoint(ctx, store.CheckpointUpdate{
		TenantID:    "a",
		Collection:  "customers",
		Position:    &seed,
		RunNewCount: &prev,
		UpdatedAt:   now,
	}))
	f.clock.Advance(time.Hour)

	pages := &scriptedPages{pages: []source.Page{{}}}
	res := f.newEngine(pages).RunIncremental(ctx, pipeline(t, "customers"), []store.Tenant{tenant("a")}).Tenants[0]

	require.Equal(t, StatusOK, res.Status, res.Error)
	assert.Equal(t, 1, pages.calls)
	assert.Equal(t, 1, res.Pages)
	assert.Zero(t, res.Fetched)
	assert.Zero(t, res.Upserted)
	assert.EqualValues(t, 0, res.NewRows)
	assert.False(t, res.Repaired)
	assert.Empty(t, f.clock.Sleeps())

	cp := f.checkpoint("a", "customers")
	assertPosition(t, seed, cp.Position())
	require.NotNil(t, cp.RunFinishedAt)
	assert.True(t, cp.RunFinishedAt.Equal(f.clock.Now()))
	assert.EqualValues(t, 0, cp.RunNewCount)
	assert.Empty(t, cp.RunError)
}

func TestIncremental_PicksUpNewAndUpdatedRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := tenant("a")
	f.src.Add(a.Domain, "customers", records(1, 5, base)...)
	p := pipeline(t, "customers")

	require.Equal(t, StatusOK, f.engine.RunBackfill(ctx, p, []store.Tenant{a}, false).Tenants[0].Status)

	later := base.Add(24 * time.Hour)
	f.src.Add(a.Domain, "customers", records(6, 2, later)...)
	f.src.Add(a.Domain, "customers", records(2, 1, later.Add(5*time.Minute))...)

	res := f.engine.RunIncremental(ctx, p, []store.Tenant{a}).Tenants[0]
	require.Equal(t, StatusOK, res.Status, res.Error)
	assert.EqualValues(t, 2, res.NewRows)
	// Record 5 sits on the checkpoint and is re-read with the three changes.
	assert.Equal(t, 4, res.Fetched)

	pos := f.checkpoint("a", "customers").Position()
	require.NotNil(t, pos)
	assert.True(t, pos.Timestamp.Equal(later.Add(5*time.Minute)))
	assert.EqualValues(t, 2, pos.ID)

	row, err := f.store.GetIndexRow(ctx, store.Customers, "a", 2)
	require.NoError(t, err)
	require.NotNil(t, row.UpdatedAt)
	assert.True(t, row.UpdatedAt.Equal(later.Add(5*time.Minute)))
}

func TestIncremental_CheckpointNeverMovesBackward(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		page   []source.Record
		wantTS time.Time
		wantID int64
	}{
		{
			name:   "same timestamp lower id",
			page:   []source.Record{recordAt(100, at)},
			wantTS: at,
			wantID: 105,
		},
		{
			name:   "older timestamp",
			page:   []source.Record{recordAt(900, at.Add(-time.Minute))},
			wantTS: at,
			wantID: 105,
		},
		{
			name:   "same timestamp higher id",
			page:   []source.Record{recordAt(100, at), recordAt(110, at)},
			wantTS: at,
			wantID: 110,
		},
		{
			name:   "newer timestamp",
			page:   []source.Record{recordAt(1, at.Add(time.Second))},
			wantTS: at.Add(time.Second),
			wantID: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			require.NoError(t, f.store.SaveCheckpoint(ctx, store.CheckpointUpdate{
				TenantID:   "a",
				Collection: "customers",
				Position:   &store.Position{Timestamp: at, ID: 105},
				UpdatedAt:  now,
			}))

			e := f.newEngine(&scriptedPages{pages: []source.Page{{Records: tt.page}}})
			res := e.RunIncremental(ctx, pipeline(t, "customers"), []store.Tenant{tenant("a")}).Tenants[0]
			require.Equal(t, StatusOK, res.Status, res.Error)

			pos := f.checkpoint("a", "customers").Position()
			require.NotNil(t, pos)
			assert.True(t, pos.Timestamp.Equal(tt.wantTS), "got %s", pos.Timestamp)
			assert.Equal(t, tt.wantID, pos.ID)
		})
	}
}

func TestIncremental_SelfHealsMissingCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedIndex(store.Customers, "a", 5000, func(i int) *time.Time {
		return tsPtr(base.Add(time.Duration(i) * time.Second))
	})
	top := store.Position{Timestamp: base.Add(5000 * time.Second), ID: 5000}

	probe := &checkpointProbe{next: f.src, store: f.store, tenantID: "a"}
	e := f.newEngine(probe)
	res := e.RunIncremental(ctx, pipeline(t, "customers"), []store.Tenant{tenant("a")}).Tenants[0]

	require.Equal(t, StatusOK, res.Status, res.Error)
	assert.True(t, res.Repaired)
	assert.Equal(t, 1, f.rec.repairs["customers"])

	require.Len(t, probe.seen, 1)
	seen := probe.seen[0]
	require.NotNil(t, seen, "the checkpoint is repaired before the first fetch")
	assertPosition(t, top, seen.Position())
	assert.True(t, seen.BackfillDone)

	calls := f.src.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Query.LowerBound.Equal(top.Timestamp))

	assertPosition(t, top, f.checkpoint("a", "customers").Position())
	assert.EqualValues(t, 5000, f.count(store.Customers, "a"))
}

func TestIncremental_RepairsStuckEpochCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SaveCheckpoint(ctx, store.CheckpointUpdate{
		TenantID:   "a",
		Collection: "orders",
		Position:   &store.Position{Timestamp: BackfillEpoch},
		UpdatedAt:  now,
	}))
	f.seedIndex(store.Orders, "a", 3, func(i int) *time.Time {
		return tsPtr(base.Add(time.Duration(i) * time.Hour))
	})

	res := f.engine.RunIncremental(ctx, pipeline(t, "orders"), []store.Tenant{tenant("a")}).Tenants[0]

	require.Equal(t, StatusOK, res.Status, res.Error)
	assert.True(t, res.Repaired)
	calls := f.src.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Query.LowerBound.Equal(base.Add(3*time.Hour-DefaultOrderSafety)),
		"lower bound is the rebuilt position minus the safety window, got %s", calls[0].Query.LowerBound)

	pos := f.checkpoint("a", "orders").Position()
	require.NotNil(t, pos)
	assert.True(t, pos.Timestamp.Equal(base.Add(3*time.Hour)))
	assert.EqualValues(t, 3, pos.ID)
}

func TestIncremental_FailsFastOnCorruptIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedIndex(store.Orders, "a", 4, func(int) *time.Time { return nil })

	sum := f.engine.RunIncremental(ctx, pipeline(t, "orders"), []store.Tenant{tenant("a")})

	res := sum.Tenants[0]
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, ErrCodeCheckpointCorrupt, res.ErrorCode)
	assert.Contains(t, res.Error, "manual intervention required")
	assert.True(t, sum.HasFailures())
	assert.Empty(t, f.src.Calls(), "a corrupt tenant is never fetched")

	cp := f.checkpoint("a", "orders")
	require.NotNil(t, cp)
	assert.Nil(t, cp.Position())
	assert.Contains(t, cp.RunError, string(ErrCodeCheckpointCorrupt))
	assert.Equal(t, 1, f.rec.runs["incremental/orders/failed"])
}

func TestRun_IsolatesTenantFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenants := []store.Tenant{tenant("a"), tenant("b"), tenant("c")}
	for _, tn := range tenants {
		f.src.Add(tn.Domain, "orders", records(1, 3, base)...)
	}
	f.src.FailDomain("b.example.com", errors.New("boom"))

	sum := f.engine.RunBackfill(ctx, pipeline(t, "orders"), tenants, false)

	require.Len(t, sum.Tenants, 3)
	assert.Equal(t, 2, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)
	assert.True(t, sum.HasFailures())
	assert.Equal(t, 6, sum.Upserted)

	b := sum.Result("b")
	require.NotNil(t, b)
	assert.Equal(t, StatusFailed, b.Status)
	assert.Equal(t, ErrCodeFetchFailed, b.ErrorCode)
	assert.Contains(t, b.Error, "boom")
	assert.Contains(t, f.checkpoint("b", "orders").RunError, "boom")
	assert.False(t, f.checkpoint("b", "orders").BackfillDone)

	for _, id := range []string{"a", "c"} {
		assert.Equal(t, StatusOK, sum.Result(id).Status)
		cp := f.checkpoint(id, "orders")
		require.NotNil(t, cp)
		assert.True(t, cp.BackfillDone)
		assert.Empty(t, cp.RunError)
	}
}

func TestRun_FinalCheckpointFailureKeepsRunOK(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := tenant("a")
	f.src.Add(a.Domain, "orders", records(1, 3, base)...)
	st := &failingCheckpoints{Store: f.store, fail: func(u store.CheckpointUpdate) bool {
		return u.RunFinishedAt != nil
	}}

	res := f.newEngineOn(st, f.src).RunBackfill(ctx, pipeline(t, "orders"), []store.Tenant{a}, false).Tenants[0]

	require.Equal(t, StatusOK, res.Status, res.Error)
	assert.Contains(t, res.CheckpointError, "database is locked")
	assert.Empty(t, res.ErrorCode)
	assert.Equal(t, 3, res.Upserted)
	assert.EqualValues(t, 3, res.NewRows)
	assert.Equal(t, 1, st.failed)
	assert.Equal(t, 1, f.rec.runs["backfill/orders/ok"])

	assert.EqualValues(t, 3, f.count(store.Orders, "a"), "written rows stay")
	for id := int64(1); id <= 3; id++ {
		_, err := f.store.GetDetail(ctx, store.Orders, "a", id)
		assert.NoError(t, err, "detail %d", id)
	}

	cp := f.checkpoint("a", "orders")
	require.NotNil(t, cp, "the run start was recorded")
	assert.False(t, cp.BackfillDone)
	assert.Nil(t, cp.RunFinishedAt)
	assert.Nil(t, cp.Position())

	// The next run rebuilds the position from the stored rows.
	res = f.engine.RunIncremental(ctx, pipeline(t, "orders"), []store.Tenant{a}).Tenants[0]
	require.Equal(t, StatusOK, res.Status, res.Error)
	assert.True(t, res.Repaired)
	assert.Empty(t, res.CheckpointError)
	assert.EqualValues(t, 0, res.NewRows)

	cp = f.checkpoint("a", "orders")
	assertPosition(t, store.Position{Timestamp: base.Add(2 * time.Minute), ID: 3}, cp.Position())
	assert.True(t, cp.BackfillDone)
}

func TestRun_RunErrorWriteFailureDoesNotStopTheRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := tenant("a"), tenant("b")
	f.src.Add(a.Domain, "orders", records(1, 3, base)...)
	f.src.Add(b.Domain, "orders", records(1, 3, base)...)
	f.src.FailDomain(a.Domain, errors.New("boom"))
	st := &failingCheckpoints{Store: f.store, fail: func(u store.CheckpointUpdate) bool {
		return u.RunError != nil
	}}
	var logs bytes.Buffer
	e := f.newEngineOn(st, f.src, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	sum := e.RunIncremental(ctx, pipeline(t, "orders"), []store.Tenant{a, b})

	require.NotNil(t, sum)
	require.Len(t, sum.Tenants, 2)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 1, st.failed)
	assert.Contains(t, logs.String(), "failed to record run error")

	ra := sum.Result("a")
	require.NotNil(t, ra)
	assert.Equal(t, StatusFailed, ra.Status)
	assert.Equal(t, ErrCodeFetchFailed, ra.ErrorCode)
	assert.Contains(t, ra.Error, "boom")
	cp := f.checkpoint("a", "orders")
	require.NotNil(t, cp)
	assert.Empty(t, cp.RunError, "the error could not be stored")

	rb := sum.Result("b")
	require.NotNil(t, rb)
	assert.Equal(t, StatusOK, rb.Status, rb.Error)
	assert.EqualValues(t, 3, f.count(store.Orders, "b"))
}

func TestRun_RepeatedRecordInPageCountedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	page := source.Page{Records: []source.Record{
		testutil.Updated(1, base, map[string]any{"name": "#old"}),
		testutil.Updated(2, base, map[string]any{"name": "#2"}),
		testutil.Updated(1, base.Add(time.Minute), map[string]any{"name": "#new"}),
	}}

	res := f.newEngine(&scriptedPages{pages: []source.Page{page}}).
		RunBackfill(ctx, pipeline(t, "orders"), []store.Tenant{tenant("a")}, false).Tenants[0]

	require.Equal(t, StatusOK, res.Status, res.Error)
	assert.Equal(t, 3, res.Fetched)
	assert.Equal(t, 2, res.Upserted)
	assert.EqualValues(t, 2, res.NewRows)
	assert.Equal(t, 2, f.rec.upserted[store.Orders.IndexTable])
	assert.Equal(t, 2, f.rec.upserted[store.Orders.DetailTable])

	detail, err := f.store.GetDetail(ctx, store.Orders, "a", 1)
	require.NoError(t, err)
	assert.Contains(t, string(detail.Payload), "#new", "the last copy wins")
	assertPosition(t, store.Position{Timestamp: base.Add(time.Minute), ID: 1}, f.checkpoint("a", "orders").Position())
}

func TestRun_MissingCredentials(t *testing.T) {
	f := newFixture(t)
	noToken := tenant("a")
	noToken.AccessToken = ""
	noDomain := tenant("b")
	noDomain.Domain = ""

	sum := f.engine.RunIncremental(context.Background(), pipeline(t, "orders"), []store.Tenant{noToken, noDomain})

	assert.Equal(t, 2, sum.Failed)
	for _, res := range sum.Tenants {
		assert.Equal(t, ErrCodeMissingCredentials, res.ErrorCode)
		assert.Nil(t, f.checkpoint(res.TenantID, "orders"), "missing credentials leave no checkpoint row")
	}
	assert.Empty(t, f.src.Calls())
}

func TestRun_SkipsWhileLeaseHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := tenant("a")
	f.src.Add(a.Domain, "orders", records(1, 2, base)...)
	p := pipeline(t, "orders")

	ok, err := f.store.AcquireLease(ctx, LeaseName("a", "orders"), "other-run", now, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	res := f.engine.RunIncremental(ctx, p, []store.Tenant{a}).Tenants[0]
	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, "already running", res.Reason)
	assert.Empty(t, f.src.Calls())
	assert.Nil(t, f.checkpoint("a", "orders"))

	// The lease expires and the next run proceeds.
	f.clock.Advance(2 * time.Hour)
	res = f.engine.RunIncremental(ctx, p, []store.Tenant{a}).Tenants[0]
	require.Equal(t, StatusOK, res.Status, res.Error)

	ok, err = f.store.AcquireLease(ctx, LeaseName("a", "orders"), "next-run", f.clock.Now(), time.Hour)
	require.NoError(t, err)
	assert.True(t, ok, "a finished run releases its lease")
}

func TestRun_UsesGeneratedRunIDAsLeaseOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	probe := &leaseProbe{store: f.store, name: LeaseName("a", "orders"), now: f.clock.Now}
	e := f.newEngine(probe, WithIDGenerator(NewFixedGenerator("run-1")))
	res := e.RunIncremental(ctx, pipeline(t, "orders"), []store.Tenant{tenant("a")}).Tenants[0]

	require.Equal(t, StatusOK, res.Status, res.Error)
	assert.False(t, probe.acquired, "the lease is held by run-1 during the fetch")
}

func TestIncremental_ProgressiveCheckpointSurvivesFailure(t *testing.T) {
	f := newFixture(t, WithPageSize(2), WithCheckpointEvery(2))
	ctx := context.Background()
	a := tenant("a")
	f.src.Add(a.Domain, "customers", records(1, 7, base)...)
	f.src.FailCall(4, errors.New("connection dropped"))
	p := pipeline(t, "customers")

	res := f.engine.RunIncremental(ctx, p, []store.Tenant{a}).Tenants[0]
	require.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, ErrCodeFetchFailed, res.ErrorCode)
	assert.Equal(t, 3, res.Pages)
	assert.Equal(t, 6, res.Upserted)

	cp := f.checkpoint("a", "customers")
	pos := cp.Position()
	require.NotNil(t, pos, "pages before the failure were checkpointed")
	assert.EqualValues(t, 4, pos.ID)
	assert.True(t, pos.Timestamp.Equal(base.Add(3*time.Minute)))
	assert.Contains(t, cp.RunError, "connection dropped")

	res = f.engine.RunIncremental(ctx, p, []store.Tenant{a}).Tenants[0]
	require.Equal(t, StatusOK, res.Status, res.Error)
	assert.EqualValues(t, 1, res.NewRows)
	assert.Equal(t, 4, res.Fetched, "resumes from the saved position")

	cp = f.checkpoint("a", "customers")
	assert.EqualValues(t, 7, cp.Position().ID)
	assert.Empty(t, cp.RunError, "a successful run clears the previous error")
	assert.EqualValues(t, 7, f.count(store.Customers, "a"))
}

func TestRun_CancellationSkipsRemainingTenants(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, b := tenant("a"), tenant("b")
	f.src.Add(a.Domain, "orders", records(1, 510, base)...)
	f.src.Add(b.Domain, "orders", records(1, 5, base)...)
	f.clock.OnSleep(func(n int) {
		if n == 1 {
			cancel()
		}
	})

	sum := f.engine.RunBackfill(ctx, pipeline(t, "orders"), []store.Tenant{a, b}, false)

	ra := sum.Result("a")
	assert.Equal(t, StatusFailed, ra.Status)
	assert.Equal(t, ErrCodeCancelled, ra.ErrorCode)
	assert.Equal(t, 250, ra.Upserted)

	rb := sum.Result("b")
	assert.Equal(t, StatusSkipped, rb.Status)
	assert.Equal(t, "cancelled", rb.Reason)

	cp := f.checkpoint("a", "orders")
	require.NotNil(t, cp)
	assert.False(t, cp.BackfillDone)
	assert.NotEmpty(t, cp.RunError, "the failure is recorded despite the cancelled context")
	assert.Nil(t, f.checkpoint("b", "orders"))

	ok, err := f.store.AcquireLease(context.Background(), LeaseName("a", "orders"), "next", f.clock.Now(), time.Hour)
	require.NoError(t, err)
	assert.True(t, ok, "the lease is released despite the cancelled context")
}

func TestRun_InvalidCursorFailsTenant(t *testing.T) {
	f := newFixture(t)
	a := tenant("a")
	f.src.Add(a.Domain, "orders", records(1, 300, base)...)
	f.clock.OnSleep(func(int) { f.src.ExpireCursors() })

	res := f.engine.RunBackfill(context.Background(), pipeline(t, "orders"), []store.Tenant{a}, false).Tenants[0]

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, ErrCodeFetchFailed, res.ErrorCode)
	assert.Contains(t, res.Error, "cursor")
	assert.Equal(t, 1, res.Pages)
}

func TestRun_NormalizeFailure(t *testing.T) {
	f := newFixture(t)
	bad := source.Record{ID: 9, CreatedAt: base}
	e := f.newEngine(&scriptedPages{pages: []source.Page{{Records: []source.Record{bad}}}})

	res := e.RunBackfill(context.Background(), pipeline(t, "orders"), []store.Tenant{tenant("a")}, false).Tenants[0]

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, ErrCodeNormalizeFailed, res.ErrorCode)
	assert.Zero(t, res.Upserted)
	assert.EqualValues(t, 0, f.count(store.Orders, "a"))
}

func TestRun_RecordsMetrics(t *testing.T) {
	f := newFixture(t)
	a := tenant("a")
	f.src.Add(a.Domain, "orders", records(1, 510, base)...)

	f.engine.RunBackfill(context.Background(), pipeline(t, "orders"), []store.Tenant{a}, false)

	assert.Equal(t, 3, f.rec.pages)
	assert.Equal(t, 510, f.rec.records)
	assert.Equal(t, 510, f.rec.upserted["orders_index"])
	assert.Equal(t, 510, f.rec.upserted["orders_detail"])
	assert.Equal(t, 1, f.rec.runs["backfill/orders/ok"])
	assert.Empty(t, f.rec.repairs)
}

func TestRun_RetriesTransientFetchErrors(t *testing.T) {
	f := newFixture(t)
	a := tenant("a")
	f.src.Add(a.Domain, "orders", records(1, 3, base)...)
	f.src.FailCall(1, &source.StatusError{StatusCode: 503})

	retrying := &source.RetryingCollector{
		Next:   f.src,
		Policy: source.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Second, BackoffFactor: 2},
		Sleep:  f.clock.Sleep,
	}
	e := f.newEngine(retrying)

	res := e.RunBackfill(context.Background(), pipeline(t, "orders"), []store.Tenant{a}, false).Tenants[0]

	require.Equal(t, StatusOK, res.Status, res.Error)
	assert.Equal(t, 3, res.Upserted)
	assert.Len(t, f.src.Calls(), 2)
	assert.Equal(t, []time.Duration{time.Second}, f.clock.Sleeps())
}

func TestIncremental_LowerBoundClampedToEpoch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := stuckCutoff.Add(time.Hour)
	require.NoError(t, f.store.SaveCheckpoint(ctx, store.CheckpointUpdate{
		TenantID:   "a",
		Collection: "orders",
		Position:   &store.Position{Timestamp: at, ID: 1},
		UpdatedAt:  now,
	}))
	p := Pipeline{Collection: store.Orders, Normalizer: normalize.Orders{}, SafetyWindow: 48 * time.Hour}

	res := f.engine.RunIncremental(ctx, p, []store.Tenant{tenant("a")}).Tenants[0]

	require.Equal(t, StatusOK, res.Status, res.Error)
	assert.False(t, res.Repaired)
	calls := f.src.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Query.LowerBound.Equal(BackfillEpoch))
}

func TestPipelineFor(t *testing.T) {
	p, err := PipelineFor("orders")
	require.NoError(t, err)
	assert.Same(t, store.Orders, p.Collection)
	assert.Equal(t, DefaultOrderSafety, p.SafetyWindow)

	p, err = PipelineFor("customers")
	require.NoError(t, err)
	assert.Zero(t, p.SafetyWindow)

	_, err = PipelineFor("products")
	assert.Error(t, err)
}

func TestLeaseName(t *testing.T) {
	assert.Equal(t, "sync:acme:orders", LeaseName("acme", "orders"))
}

func TestNew_Defaults(t *testing.T) {
	e := New(nil, nil, WithCheckpointEvery(0), WithRecorder(nil))
	assert.Equal(t, DefaultPageSize, e.pageSize)
	assert.Equal(t, DefaultPageDelay, e.pageDelay)
	assert.Equal(t, 1, e.checkpointEvery)
	assert.Equal(t, DefaultLeaseTTL, e.leaseTTL)
	assert.NotNil(t, e.logger)
	assert.IsType(t, nopRecorder{}, e.recorder)
	assert.IsType(t, SystemClock{}, e.clock)
}

func recordAt(id int64, at time.Time) source.Record {
	return records(id, 1, at)[0]
}

// leaseProbe tries to take the lease on every fetch and remembers whether
// it could.
type leaseProbe struct {
	store    *store.Store
	name     string
	now      func() time.Time
	acquired bool
}

func (p *leaseProbe) FetchPage(ctx context.Context, creds source.Credentials, collection string, q source.Query) (*source.Page, error) {
	ok, err := p.store.AcquireLease(ctx, p.name, "intruder", p.now(), time.Hour)
	if err != nil {
		return nil, err
	}
	p.acquired = p.acquired || ok
	return &source.Page{}, nil
}
