package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Position is a checkpoint coordinate. Positions are ordered by Timestamp,
// then by ID.
type Position struct {
	Timestamp time.Time
	ID        int64
}

// After reports whether p is strictly past o.
func (p Position) After(o Position) bool {
	if p.Timestamp.After(o.Timestamp) {
		return true
	}
	return p.Timestamp.Equal(o.Timestamp) && p.ID > o.ID
}

// Checkpoint is the durable sync state of one (tenant, collection).
type Checkpoint struct {
	TenantID          string
	Collection        string
	LastSeenTimestamp *time.Time
	LastSeenID        *int64
	BackfillDone      bool
	RunStartedAt      *time.Time
	RunFinishedAt     *time.Time
	RunNewCount       int64
	RunError          string
	UpdatedAt         time.Time
}

// Position returns the stored position, or nil when no timestamp is set.
func (c *Checkpoint) Position() *Position {
	if c == nil || c.LastSeenTimestamp == nil {
		return nil
	}
	p := Position{Timestamp: *c.LastSeenTimestamp}
	if c.LastSeenID != nil {
		p.ID = *c.LastSeenID
	}
	return &p
}

// CheckpointUpdate is a partial checkpoint write. Nil fields keep their
// stored value. A new row defaults backfill_done to false and
// run_new_count to 0.
type CheckpointUpdate struct {
	TenantID      string
	Collection    string
	Position      *Position
	BackfillDone  *bool
	RunStartedAt  *time.Time
	RunFinishedAt *time.Time
	RunNewCount   *int64
	RunError      *string
	ClearRunError bool
	UpdatedAt     time.Time
}

// SaveCheckpoint merges u into the stored checkpoint.
//
// The position only moves forward: an update whose position is at or
// before the stored one leaves (last_seen_timestamp, last_seen_id)
// untouched. Use RepairCheckpoint to overwrite it.
func (s *Store) SaveCheckpoint(ctx context.Context, u CheckpointUpdate) error {
	var ts, id any
	if u.Position != nil {
		ts = s.dialect.timeArg(u.Position.Timestamp)
		id = u.Position.ID
	}
	backfill := false
	if u.BackfillDone != nil {
		backfill = *u.BackfillDone
	}
	var newCount int64
	if u.RunNewCount != nil {
		newCount = *u.RunNewCount
	}
	var runErr any
	if u.RunError != nil {
		runErr = *u.RunError
	}
	updatedAt := u.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	const advance = `excluded.last_seen_timestamp IS NOT NULL AND (
			sync_checkpoints.last_seen_timestamp IS NULL
			OR excluded.last_seen_timestamp > sync_checkpoints.last_seen_timestamp
			OR (excluded.last_seen_timestamp = sync_checkpoints.last_seen_timestamp
				AND excluded.last_seen_id > COALESCE(sync_checkpoints.last_seen_id, -1)))`

	set := []string{
		fmt.Sprintf("last_seen_id = CASE WHEN %s THEN excluded.last_seen_id ELSE sync_checkpoints.last_seen_id END", advance),
		fmt.Sprintf("last_seen_timestamp = CASE WHEN %s THEN excluded.last_seen_timestamp ELSE sync_checkpoints.last_seen_timestamp END", advance),
		"run_started_at = COALESCE(excluded.run_started_at, sync_checkpoints.run_started_at)",
		"run_finished_at = COALESCE(excluded.run_finished_at, sync_checkpoints.run_finished_at)",
		"updated_at = excluded.updated_at",
	}
	if u.BackfillDone != nil {
		set = append(set, "backfill_done = excluded.backfill_done")
	}
	if u.RunNewCount != nil {
		set = append(set, "run_new_count = excluded.run_new_count")
	}
	switch {
	case u.ClearRunError:
		set = append(set, "run_error = NULL")
	case u.RunError != nil:
		set = append(set, "run_error = excluded.run_error")
	}

	query := `INSERT INTO sync_checkpoints (
			tenant_id, collection, last_seen_timestamp, last_seen_id, backfill_done,
			run_started_at, run_finished_at, run_new_count, run_error, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, collection) DO UPDATE SET ` + strings.Join(set, ", ")

	if u.ClearRunError {
		runErr = nil
	}
	_, err := s.exec(ctx, s.db, query,
		u.TenantID, u.Collection, ts, id, backfill,
		s.dialect.nullableTimeArg(u.RunStartedAt),
		s.dialect.nullableTimeArg(u.RunFinishedAt),
		newCount, runErr, s.dialect.timeArg(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint %s/%s: %w", u.TenantID, u.Collection, err)
	}
	return nil
}

// RepairCheckpoint overwrites the stored position with pos and marks the
// backfill done. It is the only write allowed to move a position backward.
func (s *Store) RepairCheckpoint(ctx context.Context, tenantID, collection string, pos Position, now time.Time) error {
	_, err := s.exec(ctx, s.db, `
		INSERT INTO sync_checkpoints (
			tenant_id, collection, last_seen_timestamp, last_seen_id, backfill_done, run_new_count, updated_at
		) VALUES (?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT (tenant_id, collection) DO UPDATE SET
			last_seen_timestamp = excluded.last_seen_timestamp,
			last_seen_id = excluded.last_seen_id,
			backfill_done = excluded.backfill_done,
			updated_at = excluded.updated_at`,
		tenantID, collection, s.dialect.timeArg(pos.Timestamp), pos.ID, true, s.dialect.timeArg(now),
	)
	if err != nil {
		return fmt.Errorf("repair checkpoint %s/%s: %w", tenantID, collection, err)
	}
	return nil
}

const checkpointColumns = `tenant_id, collection, last_seen_timestamp, last_seen_id, backfill_done,
	run_started_at, run_finished_at, run_new_count, run_error, updated_at`

// GetCheckpoint returns the stored checkpoint, or nil if none exists.
func (s *Store) GetCheckpoint(ctx context.Context, tenantID, collection string) (*Checkpoint, error) {
	row := s.queryRow(ctx,
		"SELECT "+checkpointColumns+" FROM sync_checkpoints WHERE tenant_id = ? AND collection = ?",
		tenantID, collection,
	)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint %s/%s: %w", tenantID, collection, err)
	}
	return cp, nil
}

// ListCheckpoints returns every checkpoint, or only tenantID's when it is
// non-empty, ordered by tenant and collection.
func (s *Store) ListCheckpoints(ctx context.Context, tenantID string) ([]Checkpoint, error) {
	query := "SELECT " + checkpointColumns + " FROM sync_checkpoints"
	var args []any
	if tenantID != "" {
		query += " WHERE tenant_id = ?"
		args = append(args, tenantID)
	}
	query += " ORDER BY tenant_id, collection"

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	result := []Checkpoint{}
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("list checkpoints: %w", err)
		}
		result = append(result, *cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(sc scanner) (*Checkpoint, error) {
	var cp Checkpoint
	var lastTS, started, finished, updated nullTime
	var lastID sql.NullInt64
	var runErr sql.NullString
	err := sc.Scan(
		&cp.TenantID, &cp.Collection, &lastTS, &lastID, &cp.BackfillDone,
		&started, &finished, &cp.RunNewCount, &runErr, &updated,
	)
	if err != nil {
		return nil, err
	}
	cp.LastSeenTimestamp = lastTS.Ptr()
	if lastID.Valid {
		id := lastID.Int64
		cp.LastSeenID = &id
	}
	cp.RunStartedAt = started.Ptr()
	cp.RunFinishedAt = finished.Ptr()
	cp.RunError = runErr.String
	cp.UpdatedAt = updated.Time
	return &cp, nil
}
