// Package normalize maps raw source records into the index and detail rows
// persisted by the store.
//
// The index projection is lossy: only the columns
// declared by the collection are kept. The detail row carries the payload
// exactly as received so later projections can be re-derived from it.
package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/storesync/internal/source"
	"github.com/roach88/storesync/internal/store"
)

// Normalizer projects one raw record of a collection.
type Normalizer interface {
	Normalize(tenantID string, rec source.Record, fetchedAt time.Time) (store.IndexRow, store.DetailRow, error)
}

// ForCollection returns the normalizer registered for a collection name.
func ForCollection(name string) (Normalizer, error) {
	switch name {
	case store.Orders.Name:
		return Orders{}, nil
	case store.Customers.Name:
		return Customers{}, nil
	default:
		return nil, fmt.Errorf("no normalizer for collection %q", name)
	}
}

// rows builds the parts shared by every collection. updated_at falls back
// to created_at when the source never reported an update.
func rows(tenantID string, rec source.Record, attrs map[string]any, fetchedAt time.Time) (store.IndexRow, store.DetailRow) {
	var created *time.Time
	if !rec.CreatedAt.IsZero() {
		t := rec.CreatedAt.UTC()
		created = &t
	}
	updated := created
	if rec.UpdatedAt != nil && !rec.UpdatedAt.IsZero() {
		t := rec.UpdatedAt.UTC()
		updated = &t
	}

	index := store.IndexRow{
		TenantID:  tenantID,
		RecordID:  rec.ID,
		CreatedAt: created,
		UpdatedAt: updated,
		Attrs:     attrs,
		IndexedAt: fetchedAt,
	}
	detail := store.DetailRow{
		TenantID:  tenantID,
		RecordID:  rec.ID,
		Payload:   rec.Payload,
		FetchedAt: fetchedAt,
	}
	return index, detail
}

func decode(rec source.Record, v any) error {
	if len(rec.Payload) == 0 {
		return fmt.Errorf("record %d: empty payload", rec.ID)
	}
	// null and scalar payloads decode into a struct without error.
	if b := bytes.TrimSpace(rec.Payload); len(b) == 0 || b[0] != '{' {
		return fmt.Errorf("record %d: payload is not a JSON object", rec.ID)
	}
	if err := json.Unmarshal(rec.Payload, v); err != nil {
		return fmt.Errorf("record %d: %w", rec.ID, err)
	}
	return nil
}

// attrs collects non-empty values only; absent keys are stored as NULL.
type attrs map[string]any

func (a attrs) str(key string, v *string) {
	if v == nil {
		return
	}
	if s := strings.TrimSpace(*v); s != "" {
		a[key] = s
	}
}

func (a attrs) num(key string, v *int64) {
	if v != nil {
		a[key] = *v
	}
}

func (a attrs) ts(key string, v *time.Time) {
	if v != nil && !v.IsZero() {
		a[key] = v.UTC()
	}
}

// fullName joins the non-empty name parts.
func fullName(parts ...*string) *string {
	var names []string
	for _, p := range parts {
		if p != nil && strings.TrimSpace(*p) != "" {
			names = append(names, strings.TrimSpace(*p))
		}
	}
	if len(names) == 0 {
		return nil
	}
	s := strings.Join(names, " ")
	return &s
}
