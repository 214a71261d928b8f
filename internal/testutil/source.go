package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/roach88/storesync/internal/source"
)

// FetchCall records one FetchPage call received by a MemorySource.
type FetchCall struct {
	Domain     string
	Collection string
	Query      source.Query
}

// MemorySource is an in-memory source.Collector that honours the paging
// contract: records are filtered by the query's lower bound, ordered by the
// requested sort with the record id as tie-break, and returned in pages of
// at most PageSize with an opaque cursor while more remain.
//
// The listing is snapshotted by the first request; records added later only
// show up in a new listing. Unknown cursors fail with source.ErrInvalidCursor.
type MemorySource struct {
	mu       sync.Mutex
	records  map[string][]source.Record
	listings map[source.Cursor][]source.Record
	nextID   int
	calls    []FetchCall

	failDomain map[string]error
	failCall   map[int]error
}

// NewMemorySource creates an empty source.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		records:    make(map[string][]source.Record),
		listings:   make(map[source.Cursor][]source.Record),
		failDomain: make(map[string]error),
		failCall:   make(map[int]error),
	}
}

func sourceKey(domain, collection string) string {
	return domain + "/" + collection
}

// Add appends records to a tenant's collection. A record with an id already
// present replaces it, as an update on the source would.
func (m *MemorySource) Add(domain, collection string, recs ...source.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := sourceKey(domain, collection)
	for _, rec := range recs {
		replaced := false
		for i, old := range m.records[key] {
			if old.ID == rec.ID {
				m.records[key][i] = rec
				replaced = true
				break
			}
		}
		if !replaced {
			m.records[key] = append(m.records[key], rec)
		}
	}
}

// FailDomain makes every fetch for domain fail with err.
func (m *MemorySource) FailDomain(domain string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failDomain[domain] = err
}

// FailCall makes the n-th FetchPage call (1-based, across all tenants) fail
// with err.
func (m *MemorySource) FailCall(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCall[n] = err
}

// Calls returns every FetchPage call received so far.
func (m *MemorySource) Calls() []FetchCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]FetchCall(nil), m.calls...)
}

// ExpireCursors drops all open listings.
func (m *MemorySource) ExpireCursors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listings = make(map[source.Cursor][]source.Record)
}

// FetchPage implements source.Collector.
func (m *MemorySource) FetchPage(ctx context.Context, creds source.Credentials, collection string, q source.Query) (*source.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, FetchCall{Domain: creds.Domain, Collection: collection, Query: q})
	if err, ok := m.failCall[len(m.calls)]; ok {
		return nil, err
	}
	if err, ok := m.failDomain[creds.Domain]; ok {
		return nil, err
	}

	var remaining []source.Record
	if q.Cursor != "" {
		list, ok := m.listings[q.Cursor]
		if !ok {
			return nil, fmt.Errorf("cursor %q: %w", q.Cursor, source.ErrInvalidCursor)
		}
		delete(m.listings, q.Cursor)
		remaining = list
	} else {
		remaining = m.list(sourceKey(creds.Domain, collection), q)
	}

	size := q.PageSize
	if size <= 0 {
		size = 50
	}
	n := min(size, len(remaining))
	page := &source.Page{Records: append([]source.Record(nil), remaining[:n]...)}
	if rest := remaining[n:]; len(rest) > 0 {
		m.nextID++
		cursor := source.Cursor("c" + strconv.Itoa(m.nextID))
		m.listings[cursor] = rest
		page.NextCursor = cursor
	}
	return page, nil
}

// list filters and orders the records for a first-page query.
func (m *MemorySource) list(key string, q source.Query) []source.Record {
	byCreated := q.SortOrder == source.SortCreatedAsc
	sortKey := func(r source.Record) time.Time {
		if byCreated {
			return r.CreatedAt
		}
		return r.Timestamp()
	}
	boundKey := func(r source.Record) time.Time {
		if q.LowerBoundField == source.CreatedAtMin {
			return r.CreatedAt
		}
		return r.Timestamp()
	}

	var out []source.Record
	for _, r := range m.records[key] {
		if q.LowerBoundField != "" && boundKey(r).Before(q.LowerBound) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := sortKey(out[i]), sortKey(out[j])
		if !a.Equal(b) {
			return a.Before(b)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// NewRecord builds a source record whose payload is fields plus id,
// created_at and updated_at. A nil updated leaves updated_at out.
func NewRecord(id int64, created time.Time, updated *time.Time, fields map[string]any) source.Record {
	payload := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		payload[k] = v
	}
	payload["id"] = id
	payload["created_at"] = created.UTC().Format(time.RFC3339Nano)
	if updated != nil {
		payload["updated_at"] = updated.UTC().Format(time.RFC3339Nano)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("testutil.NewRecord: %v", err))
	}
	rec, err := source.DecodeRecord(raw)
	if err != nil {
		panic(fmt.Sprintf("testutil.NewRecord: %v", err))
	}
	return rec
}

// Updated builds a record whose created_at and updated_at are both at.
func Updated(id int64, at time.Time, fields map[string]any) source.Record {
	return NewRecord(id, at, &at, fields)
}
