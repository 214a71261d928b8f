package engine

import (
	"context"

	"github.com/roach88/storesync/internal/source"
	"github.com/roach88/storesync/internal/store"
)

// backfill ingests the tenant's full history from BackfillEpoch.
//
// On completion the checkpoint is taken from the index table rather than
// from the pages seen, so a source that broke its ordering promise cannot
// leave the checkpoint short of the stored data.
func (e *Engine) backfill(ctx context.Context, r *run, force bool) error {
	coll := r.pipeline.Collection

	cp, err := e.store.GetCheckpoint(ctx, r.tenant.ID, coll.Name)
	if err != nil {
		return newSyncError(ErrCodeWriteFailed, r, err, "read checkpoint")
	}
	if cp != nil && cp.BackfillDone && !force {
		r.result.Status = StatusSkipped
		r.result.Reason = "backfill already done"
		return nil
	}

	release, err := e.acquire(ctx, r)
	if err != nil {
		return err
	}
	defer release()

	if err := e.startRun(ctx, r); err != nil {
		return err
	}

	before, err := e.store.CountIndexRows(ctx, coll, r.tenant.ID)
	if err != nil {
		return newSyncError(ErrCodeWriteFailed, r, err, "count index rows")
	}

	err = e.fetchAll(ctx, r, source.Query{
		SortOrder:       source.SortCreatedAsc,
		LowerBoundField: source.CreatedAtMin,
		LowerBound:      BackfillEpoch,
	}, nil)
	if err != nil {
		return err
	}

	top, err := e.store.MaxIndexPosition(ctx, coll, r.tenant.ID)
	if err != nil {
		return newSyncError(ErrCodeWriteFailed, r, err, "read max position")
	}
	after, err := e.store.CountIndexRows(ctx, coll, r.tenant.ID)
	if err != nil {
		return newSyncError(ErrCodeWriteFailed, r, err, "count index rows")
	}
	r.result.NewRows = after - before

	done := true
	e.finishRun(ctx, r, store.CheckpointUpdate{
		Position:     top,
		BackfillDone: &done,
	})
	return nil
}
