package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// IndexRow is the canonical, queryable projection of one record.
//
// Attrs holds the collection's projected columns keyed by Column.Name;
// missing keys are stored as NULL. SearchText is recomputed by the writer
// and ignored on input.
type IndexRow struct {
	TenantID   string
	RecordID   int64
	CreatedAt  *time.Time
	UpdatedAt  *time.Time
	Attrs      map[string]any
	SearchText string
	IndexedAt  time.Time
}

// DetailRow holds the verbatim source payload of one record.
type DetailRow struct {
	TenantID  string
	RecordID  int64
	Payload   json.RawMessage
	FetchedAt time.Time
}

// UpsertIndexRows writes rows into the collection's index table with one
// multi-row INSERT ... ON CONFLICT DO UPDATE per chunk, inside a single
// transaction. search_text is recomputed from each row's own fields.
//
// Rows repeating a (tenant_id, record_id) key keep only the last occurrence;
// PostgreSQL rejects a statement that updates the same row twice.
func (s *Store) UpsertIndexRows(ctx context.Context, coll *Collection, rows []IndexRow) error {
	if len(rows) == 0 {
		return nil
	}
	rows = dedupe(rows, func(r IndexRow) rowKey { return rowKey{r.TenantID, r.RecordID} })

	cols := coll.indexColumns()
	values := make([][]any, 0, len(rows))
	for _, r := range rows {
		v, err := s.indexValues(coll, r)
		if err != nil {
			return fmt.Errorf("upsert %s: record %d: %w", coll.IndexTable, r.RecordID, err)
		}
		values = append(values, v)
	}

	if err := s.upsert(ctx, coll.IndexTable, cols, values); err != nil {
		return fmt.Errorf("upsert %s: %w", coll.IndexTable, err)
	}
	return nil
}

// UpsertDetailRows writes verbatim payloads into the collection's detail table.
func (s *Store) UpsertDetailRows(ctx context.Context, coll *Collection, rows []DetailRow) error {
	if len(rows) == 0 {
		return nil
	}
	rows = dedupe(rows, func(r DetailRow) rowKey { return rowKey{r.TenantID, r.RecordID} })

	cols := []string{"tenant_id", "record_id", "payload", "fetched_at"}
	values := make([][]any, 0, len(rows))
	for _, r := range rows {
		if len(r.Payload) == 0 {
			return fmt.Errorf("upsert %s: record %d: empty payload", coll.DetailTable, r.RecordID)
		}
		values = append(values, []any{r.TenantID, r.RecordID, string(r.Payload), s.dialect.timeArg(r.FetchedAt)})
	}

	if err := s.upsert(ctx, coll.DetailTable, cols, values); err != nil {
		return fmt.Errorf("upsert %s: %w", coll.DetailTable, err)
	}
	return nil
}

// upsert chunks values to stay under the dialect's bind-parameter limit.
func (s *Store) upsert(ctx context.Context, table string, cols []string, values [][]any) error {
	perStmt := s.dialect.maxParams() / len(cols)
	if perStmt < 1 {
		perStmt = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	for start := 0; start < len(values); start += perStmt {
		end := min(start+perStmt, len(values))
		query, args := buildUpsert(table, cols, values[start:end])
		if _, err := s.exec(ctx, tx, query, args...); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// buildUpsert renders a multi-row upsert keyed by (tenant_id, record_id)
// that overwrites every non-key column.
func buildUpsert(table string, cols []string, values [][]any) (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", table, strings.Join(cols, ", "))

	tuple := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"
	args := make([]any, 0, len(cols)*len(values))
	for i, row := range values {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(tuple)
		args = append(args, row...)
	}

	b.WriteString(" ON CONFLICT (tenant_id, record_id) DO UPDATE SET ")
	first := true
	for _, c := range cols {
		if c == "tenant_id" || c == "record_id" {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&b, "%s = excluded.%s", c, c)
	}
	return b.String(), args
}

func (s *Store) indexValues(coll *Collection, r IndexRow) ([]any, error) {
	v := make([]any, 0, len(coll.Columns)+6)
	v = append(v, r.TenantID, r.RecordID)
	for _, col := range coll.Columns {
		arg, err := s.bindAttr(col, r.Attrs[col.Name])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col.Name, err)
		}
		v = append(v, arg)
	}
	indexedAt := r.IndexedAt
	if indexedAt.IsZero() {
		indexedAt = time.Now()
	}
	return append(v,
		s.dialect.nullableTimeArg(r.CreatedAt),
		s.dialect.nullableTimeArg(r.UpdatedAt),
		SearchText(coll, r.Attrs),
		s.dialect.timeArg(indexedAt),
	), nil
}

func (s *Store) bindAttr(col Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch col.Kind {
	case KindTime:
		switch t := v.(type) {
		case time.Time:
			return s.dialect.nullableTimeArg(&t), nil
		case *time.Time:
			return s.dialect.nullableTimeArg(t), nil
		}
	case KindInt:
		switch n := v.(type) {
		case int64:
			return n, nil
		case int:
			return int64(n), nil
		case *int64:
			if n == nil {
				return nil, nil
			}
			return *n, nil
		}
	case KindText:
		switch t := v.(type) {
		case string:
			return t, nil
		case *string:
			if t == nil {
				return nil, nil
			}
			return *t, nil
		}
	}
	return nil, fmt.Errorf("unsupported value %T", v)
}

// SearchText concatenates the collection's searchable attributes and folds
// them to NFC lower case. Empty values are skipped.
func SearchText(coll *Collection, attrs map[string]any) string {
	parts := make([]string, 0, len(coll.SearchFields))
	for _, f := range coll.SearchFields {
		if s := attrString(attrs[f]); s != "" {
			parts = append(parts, s)
		}
	}
	return FoldSearch(strings.Join(parts, " "))
}

// FoldSearch normalizes text the way search_text is stored, so queries and
// stored values compare equal.
func FoldSearch(s string) string {
	folded := cases.Lower(language.Und).String(norm.NFC.String(s))
	return strings.Join(strings.Fields(folded), " ")
}

func attrString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case *string:
		if t == nil {
			return ""
		}
		return *t
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case *int64:
		if t == nil {
			return ""
		}
		return strconv.FormatInt(*t, 10)
	default:
		return ""
	}
}

type rowKey struct {
	tenant string
	id     int64
}

// dedupe keeps the last row for each key, preserving first-seen order.
func dedupe[T any](rows []T, key func(T) rowKey) []T {
	pos := make(map[rowKey]int, len(rows))
	out := make([]T, 0, len(rows))
	for _, r := range rows {
		k := key(r)
		if i, ok := pos[k]; ok {
			out[i] = r
			continue
		}
		pos[k] = len(out)
		out = append(out, r)
	}
	return out
}
