package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// CountIndexRows returns how many index rows a tenant has in the collection.
func (s *Store) CountIndexRows(ctx context.Context, coll *Collection, tenantID string) (int64, error) {
	var n int64
	err := s.queryRow(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE tenant_id = ?", coll.IndexTable),
		tenantID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", coll.IndexTable, err)
	}
	return n, nil
}

// MaxIndexPosition returns MAX(updated_at) and MAX(record_id) over a
// tenant's index rows, computed independently. It returns nil when no row
// carries an updated_at.
func (s *Store) MaxIndexPosition(ctx context.Context, coll *Collection, tenantID string) (*Position, error) {
	var ts nullTime
	var id sql.NullInt64
	err := s.queryRow(ctx,
		fmt.Sprintf("SELECT MAX(updated_at), MAX(record_id) FROM %s WHERE tenant_id = ?", coll.IndexTable),
		tenantID,
	).Scan(&ts, &id)
	if err != nil {
		return nil, fmt.Errorf("max position %s: %w", coll.IndexTable, err)
	}
	if !ts.Valid {
		return nil, nil
	}
	return &Position{Timestamp: ts.Time, ID: id.Int64}, nil
}

// Search returns a tenant's index rows whose search_text matches every term
// of query, most recently updated first.
func (s *Store) Search(ctx context.Context, coll *Collection, tenantID, query string, limit int) ([]IndexRow, error) {
	if limit <= 0 {
		limit = 50
	}
	folded := FoldSearch(query)

	where := []string{"tenant_id = ?"}
	args := []any{tenantID}
	if folded != "" {
		if s.dialect == Postgres {
			where = append(where, "to_tsvector('simple', search_text) @@ plainto_tsquery('simple', ?)")
			args = append(args, folded)
		} else {
			for _, term := range strings.Fields(folded) {
				where = append(where, `search_text LIKE ? ESCAPE '\'`)
				args = append(args, "%"+escapeLike(term)+"%")
			}
		}
	}
	args = append(args, limit)

	cols := coll.indexColumns()
	rows, err := s.query(ctx, fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s ORDER BY updated_at DESC, record_id DESC LIMIT ?",
		strings.Join(cols, ", "), coll.IndexTable, strings.Join(where, " AND "),
	), args...)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", coll.IndexTable, err)
	}
	defer rows.Close()

	result := []IndexRow{}
	for rows.Next() {
		r, err := scanIndexRow(coll, rows)
		if err != nil {
			return nil, fmt.Errorf("search %s: %w", coll.IndexTable, err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search %s: %w", coll.IndexTable, err)
	}
	return result, nil
}

// GetIndexRow loads one index row.
func (s *Store) GetIndexRow(ctx context.Context, coll *Collection, tenantID string, recordID int64) (*IndexRow, error) {
	rows, err := s.query(ctx, fmt.Sprintf(
		"SELECT %s FROM %s WHERE tenant_id = ? AND record_id = ?",
		strings.Join(coll.indexColumns(), ", "), coll.IndexTable,
	), tenantID, recordID)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", coll.IndexTable, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("get %s: %w", coll.IndexTable, err)
		}
		return nil, fmt.Errorf("%s %d: %w", coll.Name, recordID, ErrNotFound)
	}
	r, err := scanIndexRow(coll, rows)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", coll.IndexTable, err)
	}
	return &r, nil
}

// GetDetail loads the verbatim payload of one record.
func (s *Store) GetDetail(ctx context.Context, coll *Collection, tenantID string, recordID int64) (*DetailRow, error) {
	var payload string
	var fetched nullTime
	err := s.queryRow(ctx,
		fmt.Sprintf("SELECT payload, fetched_at FROM %s WHERE tenant_id = ? AND record_id = ?", coll.DetailTable),
		tenantID, recordID,
	).Scan(&payload, &fetched)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %d: %w", coll.Name, recordID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", coll.DetailTable, err)
	}
	return &DetailRow{
		TenantID:  tenantID,
		RecordID:  recordID,
		Payload:   json.RawMessage(payload),
		FetchedAt: fetched.Time,
	}, nil
}

func scanIndexRow(coll *Collection, rows *sql.Rows) (IndexRow, error) {
	var r IndexRow
	var created, updated, indexed nullTime

	holders := make([]any, 0, len(coll.Columns))
	for _, col := range coll.Columns {
		switch col.Kind {
		case KindInt:
			holders = append(holders, &sql.NullInt64{})
		case KindTime:
			holders = append(holders, &nullTime{})
		default:
			holders = append(holders, &sql.NullString{})
		}
	}

	dest := make([]any, 0, len(holders)+6)
	dest = append(dest, &r.TenantID, &r.RecordID)
	dest = append(dest, holders...)
	dest = append(dest, &created, &updated, &r.SearchText, &indexed)
	if err := rows.Scan(dest...); err != nil {
		return IndexRow{}, err
	}

	r.Attrs = make(map[string]any, len(coll.Columns))
	for i, col := range coll.Columns {
		switch h := holders[i].(type) {
		case *sql.NullInt64:
			if h.Valid {
				r.Attrs[col.Name] = h.Int64
			}
		case *nullTime:
			if h.Valid {
				r.Attrs[col.Name] = h.Time
			}
		case *sql.NullString:
			if h.Valid {
				r.Attrs[col.Name] = h.String
			}
		}
	}
	r.CreatedAt = created.Ptr()
	r.UpdatedAt = updated.Ptr()
	r.IndexedAt = indexed.Time
	return r, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
