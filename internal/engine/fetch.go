package engine

import (
	"context"
	"log/slog"

	"github.com/roach88/storesync/internal/source"
	"github.com/roach88/storesync/internal/store"
)

// run is the state of one tenant's run.
type run struct {
	id       string
	mode     Mode
	pipeline Pipeline
	tenant   store.Tenant
	logger   *slog.Logger
	result   *TenantResult

	// max is the furthest position written so far, seeded from the
	// checkpoint. saved is the last position persisted by this run.
	max   *store.Position
	saved *store.Position
}

// observe advances the running maximum. Records at or before it never
// move it.
func (r *run) observe(p store.Position) {
	if r.max == nil || p.After(*r.max) {
		pos := p
		r.max = &pos
	}
}

// pageHook runs after a page has been written.
type pageHook func(ctx context.Context, r *run) error

// fetchAll drives FETCH_PAGE -> PROCESS_PAGE -> CHECK_CONTINUE until the
// source reports no more pages. q carries the first page's sort order and
// lower bound. Errors are returned unretried; retries belong to the collector.
func (e *Engine) fetchAll(ctx context.Context, r *run, q source.Query, afterPage pageHook) error {
	creds := source.Credentials{Domain: r.tenant.Domain, AccessToken: r.tenant.AccessToken}
	coll := r.pipeline.Collection
	q.PageSize = e.pageSize
	q.FieldSelector = r.pipeline.FieldSelector

	for {
		// FETCH_PAGE. The rate-limit delay only separates fetches.
		if q.Cursor != "" && e.pageDelay > 0 {
			if err := e.clock.Sleep(ctx, e.pageDelay); err != nil {
				return newSyncError(ErrCodeCancelled, r, err, "interrupted between pages")
			}
		}
		page, err := e.collector.FetchPage(ctx, creds, coll.Name, q)
		if err != nil {
			if ctx.Err() != nil {
				return newSyncError(ErrCodeCancelled, r, err, "interrupted during fetch")
			}
			return newSyncError(ErrCodeFetchFailed, r, err, "fetch page %d", r.result.Pages+1)
		}
		e.recorder.PageFetched(coll.Name, len(page.Records))

		// PROCESS_PAGE
		if err := e.processPage(ctx, r, page); err != nil {
			return err
		}
		r.result.Pages++
		r.logger.Debug("page processed",
			"page", r.result.Pages, "records", len(page.Records), "has_more", page.HasMore())

		if afterPage != nil {
			if err := afterPage(ctx, r); err != nil {
				return err
			}
		}

		// CHECK_CONTINUE
		if err := ctx.Err(); err != nil {
			return newSyncError(ErrCodeCancelled, r, err, "interrupted after page %d", r.result.Pages)
		}
		if !page.HasMore() {
			return nil
		}
		q.Cursor = page.NextCursor
	}
}

// processPage normalizes every record, then writes detail rows before
// index rows.
func (e *Engine) processPage(ctx context.Context, r *run, page *source.Page) error {
	if len(page.Records) == 0 {
		return nil
	}
	coll := r.pipeline.Collection
	now := e.clock.Now()

	index := make([]store.IndexRow, 0, len(page.Records))
	detail := make([]store.DetailRow, 0, len(page.Records))
	seen := make(map[int64]int, len(page.Records))
	for _, rec := range page.Records {
		ir, dr, err := r.pipeline.Normalizer.Normalize(r.tenant.ID, rec, now)
		if err != nil {
			return newSyncError(ErrCodeNormalizeFailed, r, err, "normalize record %d", rec.ID)
		}
		// A record repeated within a page is written once, last copy wins.
		if i, ok := seen[rec.ID]; ok {
			index[i], detail[i] = ir, dr
			continue
		}
		seen[rec.ID] = len(index)
		index = append(index, ir)
		detail = append(detail, dr)
	}
	r.result.Fetched += len(page.Records)

	if err := e.store.UpsertDetailRows(ctx, coll, detail); err != nil {
		return newSyncError(ErrCodeWriteFailed, r, err, "write %s", coll.DetailTable)
	}
	e.recorder.RowsUpserted(coll.DetailTable, len(detail))

	if err := e.store.UpsertIndexRows(ctx, coll, index); err != nil {
		return newSyncError(ErrCodeWriteFailed, r, err, "write %s", coll.IndexTable)
	}
	e.recorder.RowsUpserted(coll.IndexTable, len(index))
	r.result.Upserted += len(index)

	for _, row := range index {
		if row.UpdatedAt != nil {
			r.observe(store.Position{Timestamp: *row.UpdatedAt, ID: row.RecordID})
		}
	}
	return nil
}
