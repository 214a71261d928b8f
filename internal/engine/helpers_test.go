package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/storesync/internal/source"
	"github.com/roach88/storesync/internal/store"
	"github.com/roach88/storesync/internal/testutil"
)

var (
	now  = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

type fixture struct {
	t      *testing.T
	store  *store.Store
	src    *testutil.MemorySource
	clock  *testutil.FakeClock
	rec    *countingRecorder
	engine *Engine
}

// newFixture wires an engine to a fresh SQLite store, an in-memory source
// and a fake clock. Extra options are applied after the defaults.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		t:     t,
		store: s,
		src:   testutil.NewMemorySource(),
		clock: testutil.NewFakeClock(now),
		rec:   newCountingRecorder(),
	}
	f.engine = f.newEngine(f.src, opts...)
	return f
}

func (f *fixture) newEngine(c source.Collector, opts ...Option) *Engine {
	return f.newEngineOn(f.store, c, opts...)
}

// newEngineOn is newEngine over a wrapped store.
func (f *fixture) newEngineOn(s Store, c source.Collector, opts ...Option) *Engine {
	all := []Option{
		WithClock(f.clock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithRecorder(f.rec),
		WithPageSize(250),
		WithPageDelay(500 * time.Millisecond),
		WithCheckpointEvery(2),
	}
	return New(s, c, append(all, opts...)...)
}

func tenant(id string) store.Tenant {
	return store.Tenant{ID: id, Domain: id + ".example.com", AccessToken: "tok-" + id, Enabled: true}
}

func pipeline(t *testing.T, name string) Pipeline {
	t.Helper()
	p, err := PipelineFor(name)
	require.NoError(t, err)
	return p
}

func (f *fixture) checkpoint(tenantID, collection string) *store.Checkpoint {
	f.t.Helper()
	cp, err := f.store.GetCheckpoint(context.Background(), tenantID, collection)
	require.NoError(f.t, err)
	return cp
}

func (f *fixture) count(coll *store.Collection, tenantID string) int64 {
	f.t.Helper()
	n, err := f.store.CountIndexRows(context.Background(), coll, tenantID)
	require.NoError(f.t, err)
	return n
}

// seedIndex writes n index rows directly, bypassing the source. updated
// returns each row's updated_at; nil stores NULL.
func (f *fixture) seedIndex(coll *store.Collection, tenantID string, n int, updated func(i int) *time.Time) {
	f.t.Helper()
	rows := make([]store.IndexRow, 0, n)
	for i := 1; i <= n; i++ {
		rows = append(rows, store.IndexRow{
			TenantID:  tenantID,
			RecordID:  int64(i),
			UpdatedAt: updated(i),
			IndexedAt: now,
		})
	}
	require.NoError(f.t, f.store.UpsertIndexRows(context.Background(), coll, rows))
}

// records builds n records with ids from+0..from+n-1, one minute apart
// starting at start.
func records(from int64, n int, start time.Time) []source.Record {
	out := make([]source.Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, testutil.Updated(from+int64(i), start.Add(time.Duration(i)*time.Minute), map[string]any{
			"name": fmt.Sprintf("#%d", from+int64(i)),
		}))
	}
	return out
}

func tsPtr(t time.Time) *time.Time { return &t }

func assertPosition(t *testing.T, want store.Position, got *store.Position) {
	t.Helper()
	if !assert.NotNil(t, got) {
		return
	}
	assert.True(t, want.Timestamp.Equal(got.Timestamp), "timestamp: want %s, got %s", want.Timestamp, got.Timestamp)
	assert.Equal(t, want.ID, got.ID)
}

// scriptedPages returns fixed pages in order, linking them with cursors.
type scriptedPages struct {
	pages []source.Page
	calls int
}

func (s *scriptedPages) FetchPage(ctx context.Context, creds source.Credentials, collection string, q source.Query) (*source.Page, error) {
	if s.calls >= len(s.pages) {
		return &source.Page{}, nil
	}
	p := s.pages[s.calls]
	s.calls++
	if s.calls < len(s.pages) {
		p.NextCursor = source.Cursor(fmt.Sprintf("p%d", s.calls))
	}
	return &p, nil
}

// checkpointProbe records the tenant's stored checkpoint at every fetch.
type checkpointProbe struct {
	next     source.Collector
	store    *store.Store
	tenantID string
	seen     []*store.Checkpoint
}

func (p *checkpointProbe) FetchPage(ctx context.Context, creds source.Credentials, collection string, q source.Query) (*source.Page, error) {
	cp, err := p.store.GetCheckpoint(ctx, p.tenantID, collection)
	if err != nil {
		return nil, err
	}
	p.seen = append(p.seen, cp)
	return p.next.FetchPage(ctx, creds, collection, q)
}

// failingCheckpoints fails every SaveCheckpoint that fail matches and
// passes everything else through to the real store.
type failingCheckpoints struct {
	*store.Store
	fail   func(u store.CheckpointUpdate) bool
	failed int
}

func (s *failingCheckpoints) SaveCheckpoint(ctx context.Context, u store.CheckpointUpdate) error {
	if s.fail(u) {
		s.failed++
		return errors.New("database is locked")
	}
	return s.Store.SaveCheckpoint(ctx, u)
}

type countingRecorder struct {
	mu       sync.Mutex
	pages    int
	records  int
	upserted map[string]int
	repairs  map[string]int
	runs     map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		upserted: map[string]int{},
		repairs:  map[string]int{},
		runs:     map[string]int{},
	}
}

func (r *countingRecorder) PageFetched(collection string, records int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pages++
	r.records += records
}

func (r *countingRecorder) RowsUpserted(table string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserted[table] += n
}

func (r *countingRecorder) CheckpointRepaired(collection string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.repairs[collection]++
}

func (r *countingRecorder) RunFinished(mode Mode, collection string, status Status, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[strings.Join([]string{string(mode), collection, string(status)}, "/")]++
}
