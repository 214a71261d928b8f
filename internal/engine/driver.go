package engine

import (
	"context"
	"time"

	"github.com/roach88/storesync/internal/store"
)

// persistTimeout bounds bookkeeping writes made after the run's context
// may already be done (run_error, lease release).
const persistTimeout = 10 * time.Second

// RunBackfill backfills every tenant in order. Tenants whose backfill is
// already done are skipped unless force is set.
//
// The Summary is always returned, even when every tenant failed.
func (e *Engine) RunBackfill(ctx context.Context, p Pipeline, tenants []store.Tenant, force bool) *Summary {
	return e.drive(ctx, ModeBackfill, p, tenants, func(ctx context.Context, r *run) error {
		return e.backfill(ctx, r, force)
	})
}

// RunIncremental catches every tenant up from its checkpoint, in order.
//
// The Summary is always returned, even when every tenant failed.
func (e *Engine) RunIncremental(ctx context.Context, p Pipeline, tenants []store.Tenant) *Summary {
	return e.drive(ctx, ModeIncremental, p, tenants, e.incremental)
}

func (e *Engine) drive(ctx context.Context, mode Mode, p Pipeline, tenants []store.Tenant, fn func(context.Context, *run) error) *Summary {
	sum := &Summary{
		Mode:       mode,
		Collection: p.Collection.Name,
		StartedAt:  e.clock.Now(),
		Tenants:    make([]TenantResult, 0, len(tenants)),
	}

	for _, t := range tenants {
		if ctx.Err() != nil {
			sum.add(TenantResult{
				TenantID:   t.ID,
				Collection: p.Collection.Name,
				Mode:       mode,
				Status:     StatusSkipped,
				Reason:     "cancelled",
			})
			continue
		}
		sum.add(e.runTenant(ctx, mode, p, t, fn))
	}

	sum.FinishedAt = e.clock.Now()
	e.logger.Info("sync finished",
		"mode", mode, "collection", p.Collection.Name,
		"tenants", len(tenants), "succeeded", sum.Succeeded, "failed", sum.Failed, "skipped", sum.Skipped,
		"fetched", sum.Fetched, "upserted", sum.Upserted)
	return sum
}

// runTenant is the tenant boundary: whatever fn returns is turned into a
// TenantResult, and failures are recorded in the checkpoint's run_error.
func (e *Engine) runTenant(ctx context.Context, mode Mode, p Pipeline, t store.Tenant, fn func(context.Context, *run) error) TenantResult {
	started := e.clock.Now()
	res := TenantResult{
		TenantID:   t.ID,
		Collection: p.Collection.Name,
		Mode:       mode,
	}
	r := &run{
		mode:     mode,
		pipeline: p,
		tenant:   t,
		result:   &res,
		logger:   e.logger.With("tenant", t.ID, "collection", p.Collection.Name, "mode", string(mode)),
	}

	var err error
	if t.Domain == "" || t.AccessToken == "" {
		err = newSyncError(ErrCodeMissingCredentials, r, nil, "tenant has no domain or access token")
	} else {
		r.id = e.ids.Generate()
		r.logger = r.logger.With("run", r.id)
		r.logger.Info("sync started")
		err = fn(ctx, r)
	}

	switch {
	case err == nil:
		if res.Status == "" {
			res.Status = StatusOK
		}
	case IsLeaseHeldError(err):
		res.Status = StatusSkipped
		res.Reason = "already running"
	default:
		res.Status = StatusFailed
		res.Error = err.Error()
		res.ErrorCode = ErrorCode(err)
	}
	res.Duration = e.clock.Now().Sub(started)

	switch res.Status {
	case StatusOK:
		r.logger.Info("sync succeeded",
			"pages", res.Pages, "fetched", res.Fetched, "upserted", res.Upserted, "new_rows", res.NewRows)
	case StatusSkipped:
		r.logger.Info("sync skipped", "reason", res.Reason)
	case StatusFailed:
		r.logger.Error("sync failed", "error", err, "pages", res.Pages, "upserted", res.Upserted)
		// Missing credentials are reported in the summary only.
		if !IsMissingCredentialsError(err) {
			e.recordFailure(ctx, r, err)
		}
	}
	e.recorder.RunFinished(mode, p.Collection.Name, res.Status, res.Duration)
	return res
}

// recordFailure stores err in the checkpoint's run_error. A failure to do
// so is logged and otherwise ignored.
func (e *Engine) recordFailure(ctx context.Context, r *run, runErr error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	msg := runErr.Error()
	err := e.store.SaveCheckpoint(ctx, store.CheckpointUpdate{
		TenantID:   r.tenant.ID,
		Collection: r.pipeline.Collection.Name,
		RunError:   &msg,
		UpdatedAt:  e.clock.Now(),
	})
	if err != nil {
		r.logger.Error("failed to record run error", "error", err, "run_error", msg)
	}
}

// acquire takes the run lease. The returned release function never fails
// the run; it logs instead.
func (e *Engine) acquire(ctx context.Context, r *run) (func(), error) {
	name := LeaseName(r.tenant.ID, r.pipeline.Collection.Name)
	ok, err := e.store.AcquireLease(ctx, name, r.id, e.clock.Now(), e.leaseTTL)
	if err != nil {
		return nil, newSyncError(ErrCodeWriteFailed, r, err, "acquire lease %s", name)
	}
	if !ok {
		return nil, newSyncError(ErrCodeLeaseHeld, r, nil, "lease %s is held by another run", name)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if err := e.store.ReleaseLease(ctx, name, r.id); err != nil {
			r.logger.Error("failed to release lease", "lease", name, "error", err)
		}
	}, nil
}

// startRun stamps run_started_at and clears the previous run's error.
func (e *Engine) startRun(ctx context.Context, r *run) error {
	now := e.clock.Now()
	err := e.store.SaveCheckpoint(ctx, store.CheckpointUpdate{
		TenantID:      r.tenant.ID,
		Collection:    r.pipeline.Collection.Name,
		RunStartedAt:  &now,
		ClearRunError: true,
		UpdatedAt:     now,
	})
	if err != nil {
		return newSyncError(ErrCodeWriteFailed, r, err, "start checkpoint run")
	}
	return nil
}

// finishRun writes the final checkpoint of a successful run. The data is
// already stored, so a failure here is logged and reported on the result
// without failing the run.
func (e *Engine) finishRun(ctx context.Context, r *run, u store.CheckpointUpdate) {
	now := e.clock.Now()
	u.TenantID = r.tenant.ID
	u.Collection = r.pipeline.Collection.Name
	u.RunFinishedAt = &now
	u.RunNewCount = &r.result.NewRows
	u.UpdatedAt = now

	if err := e.store.SaveCheckpoint(ctx, u); err != nil {
		r.logger.Error("final checkpoint failed", "error", err)
		r.result.CheckpointError = err.Error()
	}
}
