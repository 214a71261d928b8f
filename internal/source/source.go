package source

import (
	"context"
	"encoding/json"
	"time"
)

// SortOrder is the ordering requested from the source API.
type SortOrder string

const (
	// SortCreatedAsc orders records by creation time, oldest first. Used by backfill.
	SortCreatedAsc SortOrder = "created_at asc"

	// SortUpdatedAsc orders records by last update, oldest first. Used by incremental sync.
	SortUpdatedAsc SortOrder = "updated_at asc"
)

// LowerBoundField names the filter parameter carrying the lower bound timestamp.
type LowerBoundField string

const (
	CreatedAtMin LowerBoundField = "created_at_min"
	UpdatedAtMin LowerBoundField = "updated_at_min"
)

// Cursor is an opaque continuation token returned by the source.
type Cursor string

// Credentials identify one tenant on the source platform.
type Credentials struct {
	Domain      string
	AccessToken string
}

// Valid reports whether both the domain and the token are present.
func (c Credentials) Valid() bool {
	return c.Domain != "" && c.AccessToken != ""
}

// Query describes one page request.
//
// When Cursor is set the source continues the listing started by the first
// request; SortOrder and the lower bound only apply to that first request.
type Query struct {
	PageSize        int
	SortOrder       SortOrder
	LowerBoundField LowerBoundField
	LowerBound      time.Time
	Cursor          Cursor
	FieldSelector   string
}

// Record is one raw entity returned by the source.
//
// Payload holds the record exactly as received. UpdatedAt is nil when the
// source did not report it.
type Record struct {
	ID        int64
	CreatedAt time.Time
	UpdatedAt *time.Time
	Payload   json.RawMessage
}

// Timestamp returns the time that orders the record for incremental sync:
// UpdatedAt, falling back to CreatedAt.
func (r Record) Timestamp() time.Time {
	if r.UpdatedAt != nil {
		return *r.UpdatedAt
	}
	return r.CreatedAt
}

// Page is one response from the source.
// An empty Records slice or an empty NextCursor both mean "no more pages".
type Page struct {
	Records    []Record
	NextCursor Cursor
}

// HasMore reports whether the listing continues after this page.
func (p *Page) HasMore() bool {
	return len(p.Records) > 0 && p.NextCursor != ""
}

// Collector fetches pages of records for one collection of one tenant.
type Collector interface {
	FetchPage(ctx context.Context, creds Credentials, collection string, q Query) (*Page, error)
}
