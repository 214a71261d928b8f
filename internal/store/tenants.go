package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Tenant is one store whose data is synced.
type Tenant struct {
	ID          string
	Domain      string
	AccessToken string
	Enabled     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// UpsertTenant inserts or updates a tenant. created_at is kept on update.
func (s *Store) UpsertTenant(ctx context.Context, t Tenant, now time.Time) error {
	if t.ID == "" {
		return errors.New("upsert tenant: empty id")
	}
	_, err := s.exec(ctx, s.db, `
		INSERT INTO stores (tenant_id, domain, access_token, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET
			domain = excluded.domain,
			access_token = excluded.access_token,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`,
		t.ID, t.Domain, t.AccessToken, t.Enabled, s.dialect.timeArg(now), s.dialect.timeArg(now),
	)
	if err != nil {
		return fmt.Errorf("upsert tenant %s: %w", t.ID, err)
	}
	return nil
}

// ListTenants returns tenants ordered by id.
func (s *Store) ListTenants(ctx context.Context, enabledOnly bool) ([]Tenant, error) {
	query := "SELECT tenant_id, domain, access_token, enabled, created_at, updated_at FROM stores"
	var args []any
	if enabledOnly {
		query += " WHERE enabled = ?"
		args = append(args, true)
	}
	query += " ORDER BY tenant_id"

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	result := []Tenant{}
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("list tenants: %w", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	return result, nil
}

// GetTenant loads one tenant.
func (s *Store) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	row := s.queryRow(ctx,
		"SELECT tenant_id, domain, access_token, enabled, created_at, updated_at FROM stores WHERE tenant_id = ?",
		id,
	)
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tenant %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant %s: %w", id, err)
	}
	return &t, nil
}

func scanTenant(sc scanner) (Tenant, error) {
	var t Tenant
	var created, updated nullTime
	if err := sc.Scan(&t.ID, &t.Domain, &t.AccessToken, &t.Enabled, &created, &updated); err != nil {
		return Tenant{}, err
	}
	t.CreatedAt = created.Time
	t.UpdatedAt = updated.Time
	return t, nil
}
