package engine

import (
	"context"

	"github.com/roach88/storesync/internal/source"
	"github.com/roach88/storesync/internal/store"
)

// incremental ingests records updated since the checkpoint.
func (e *Engine) incremental(ctx context.Context, r *run) error {
	coll := r.pipeline.Collection

	release, err := e.acquire(ctx, r)
	if err != nil {
		return err
	}
	defer release()

	if err := e.startRun(ctx, r); err != nil {
		return err
	}

	cp, err := e.bootstrap(ctx, r)
	if err != nil {
		return err
	}

	lower := BackfillEpoch
	if pos := cp.Position(); pos != nil {
		lower = pos.Timestamp.Add(-r.pipeline.SafetyWindow)
		if lower.Before(BackfillEpoch) {
			lower = BackfillEpoch
		}
		r.max = pos
		r.saved = pos
	}
	r.logger.Debug("incremental lower bound", "lower_bound", lower)

	before, err := e.store.CountIndexRows(ctx, coll, r.tenant.ID)
	if err != nil {
		return newSyncError(ErrCodeWriteFailed, r, err, "count index rows")
	}

	err = e.fetchAll(ctx, r, source.Query{
		SortOrder:       source.SortUpdatedAsc,
		LowerBoundField: source.UpdatedAtMin,
		LowerBound:      lower,
	}, e.progressiveCheckpoint)
	if err != nil {
		return err
	}

	after, err := e.store.CountIndexRows(ctx, coll, r.tenant.ID)
	if err != nil {
		return newSyncError(ErrCodeWriteFailed, r, err, "count index rows")
	}
	r.result.NewRows = after - before

	e.finishRun(ctx, r, store.CheckpointUpdate{Position: r.max})
	return nil
}

// bootstrap returns a checkpoint the run can resume from, repairing it from
// the index table when it is missing or stuck at the epoch. The returned
// checkpoint is always re-read from the store. A nil checkpoint is only
// returned when the tenant has no index rows.
func (e *Engine) bootstrap(ctx context.Context, r *run) (*store.Checkpoint, error) {
	coll := r.pipeline.Collection

	cp, err := e.store.GetCheckpoint(ctx, r.tenant.ID, coll.Name)
	if err != nil {
		return nil, newSyncError(ErrCodeWriteFailed, r, err, "read checkpoint")
	}
	if !stuck(cp) {
		return cp, nil
	}

	count, err := e.store.CountIndexRows(ctx, coll, r.tenant.ID)
	if err != nil {
		return nil, newSyncError(ErrCodeWriteFailed, r, err, "count index rows")
	}
	if count == 0 {
		return cp, nil
	}

	top, err := e.store.MaxIndexPosition(ctx, coll, r.tenant.ID)
	if err != nil {
		return nil, newSyncError(ErrCodeWriteFailed, r, err, "read max position")
	}
	if top != nil {
		if err := e.store.RepairCheckpoint(ctx, r.tenant.ID, coll.Name, *top, e.clock.Now()); err != nil {
			return nil, newSyncError(ErrCodeWriteFailed, r, err, "repair checkpoint")
		}
		r.result.Repaired = true
		e.recorder.CheckpointRepaired(coll.Name)
		r.logger.Warn("checkpoint rebuilt from index",
			"rows", count, "last_seen_timestamp", top.Timestamp, "last_seen_id", top.ID)
	}

	cp, err = e.store.GetCheckpoint(ctx, r.tenant.ID, coll.Name)
	if err != nil {
		return nil, newSyncError(ErrCodeWriteFailed, r, err, "re-read checkpoint")
	}
	if stuck(cp) {
		return nil, newSyncError(ErrCodeCheckpointCorrupt, r, nil,
			"%s has %d rows but no usable updated_at; data corruption, manual intervention required", coll.IndexTable, count)
	}
	return cp, nil
}

// stuck reports whether a checkpoint is missing or never advanced past the
// epoch default.
func stuck(cp *store.Checkpoint) bool {
	pos := cp.Position()
	return pos == nil || !pos.Timestamp.After(stuckCutoff)
}

// progressiveCheckpoint persists the running maximum every checkpointEvery
// pages. A failed write is logged and the run continues: the data is
// already stored and the next save retries the position.
func (e *Engine) progressiveCheckpoint(ctx context.Context, r *run) error {
	if r.result.Pages%e.checkpointEvery != 0 || r.max == nil {
		return nil
	}
	if r.saved != nil && !r.max.After(*r.saved) {
		return nil
	}
	pos := *r.max
	err := e.store.SaveCheckpoint(ctx, store.CheckpointUpdate{
		TenantID:   r.tenant.ID,
		Collection: r.pipeline.Collection.Name,
		Position:   &pos,
		UpdatedAt:  e.clock.Now(),
	})
	if err != nil {
		r.logger.Error("progressive checkpoint failed", "page", r.result.Pages, "error", err)
		return nil
	}
	r.saved = &pos
	r.logger.Debug("progressive checkpoint", "page", r.result.Pages,
		"last_seen_timestamp", pos.Timestamp, "last_seen_id", pos.ID)
	return nil
}
