package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/storesync/internal/normalize"
	"github.com/roach88/storesync/internal/source"
	"github.com/roach88/storesync/internal/store"
)

// BackfillEpoch is the fixed lower bound of a backfill.
var BackfillEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// stuckCutoff: a checkpoint at or before it was never advanced past the
// epoch default and cannot be trusted as a resume point.
var stuckCutoff = BackfillEpoch.Add(24 * time.Hour)

// Defaults applied by New.
const (
	DefaultPageSize        = 250
	DefaultPageDelay       = 500 * time.Millisecond
	DefaultCheckpointEvery = 10
	DefaultLeaseTTL        = 2 * time.Hour
	DefaultOrderSafety     = 10 * time.Minute
)

// Store is the persistence the engine needs. Implemented by *store.Store.
type Store interface {
	GetCheckpoint(ctx context.Context, tenantID, collection string) (*store.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, u store.CheckpointUpdate) error
	RepairCheckpoint(ctx context.Context, tenantID, collection string, pos store.Position, now time.Time) error

	UpsertIndexRows(ctx context.Context, coll *store.Collection, rows []store.IndexRow) error
	UpsertDetailRows(ctx context.Context, coll *store.Collection, rows []store.DetailRow) error
	CountIndexRows(ctx context.Context, coll *store.Collection, tenantID string) (int64, error)
	MaxIndexPosition(ctx context.Context, coll *store.Collection, tenantID string) (*store.Position, error)

	AcquireLease(ctx context.Context, name, owner string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, owner string) error
}

// Pipeline binds a collection to its normalizer.
type Pipeline struct {
	Collection *store.Collection
	Normalizer normalize.Normalizer

	// SafetyWindow is subtracted from the checkpoint timestamp to form the
	// incremental lower bound, for source writes that become visible after
	// records with later timestamps. The lower bound is inclusive, so even
	// a zero window re-reads the record sitting on the checkpoint.
	SafetyWindow time.Duration

	// FieldSelector is passed to the source as-is; empty requests all fields.
	FieldSelector string
}

// DefaultPipelines returns the orders and customers pipelines.
func DefaultPipelines() []Pipeline {
	return []Pipeline{
		{Collection: store.Orders, Normalizer: normalize.Orders{}, SafetyWindow: DefaultOrderSafety},
		{Collection: store.Customers, Normalizer: normalize.Customers{}},
	}
}

// PipelineFor returns the default pipeline of a collection.
func PipelineFor(collection string) (Pipeline, error) {
	for _, p := range DefaultPipelines() {
		if p.Collection.Name == collection {
			return p, nil
		}
	}
	return Pipeline{}, fmt.Errorf("unknown collection %q", collection)
}

// LeaseName is the lease guarding runs of one tenant and collection.
func LeaseName(tenantID, collection string) string {
	return "sync:" + tenantID + ":" + collection
}

// Engine runs backfill and incremental syncs.
//
// An Engine is safe to reuse across runs but a single call to RunBackfill or
// RunIncremental processes tenants sequentially on the calling goroutine.
type Engine struct {
	store     Store
	collector source.Collector
	clock     Clock
	ids       IDGenerator
	logger    *slog.Logger
	recorder  Recorder

	pageSize        int
	pageDelay       time.Duration
	checkpointEvery int
	leaseTTL        time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithIDGenerator replaces the UUIDv7 run ID generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithPageSize sets the number of records requested per page.
func WithPageSize(n int) Option {
	return func(e *Engine) { e.pageSize = n }
}

// WithPageDelay sets the wait between successive page fetches of a run.
func WithPageDelay(d time.Duration) Option {
	return func(e *Engine) { e.pageDelay = d }
}

// WithCheckpointEvery sets how many pages pass between progressive
// checkpoint writes during incremental sync.
func WithCheckpointEvery(n int) Option {
	return func(e *Engine) { e.checkpointEvery = n }
}

// WithLeaseTTL bounds how long a crashed run can block others.
func WithLeaseTTL(d time.Duration) Option {
	return func(e *Engine) { e.leaseTTL = d }
}

// New creates an Engine.
func New(s Store, c source.Collector, opts ...Option) *Engine {
	e := &Engine{
		store:           s,
		collector:       c,
		clock:           SystemClock{},
		ids:             UUIDv7Generator{},
		recorder:        nopRecorder{},
		pageSize:        DefaultPageSize,
		pageDelay:       DefaultPageDelay,
		checkpointEvery: DefaultCheckpointEvery,
		leaseTTL:        DefaultLeaseTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.recorder == nil {
		e.recorder = nopRecorder{}
	}
	if e.checkpointEvery < 1 {
		e.checkpointEvery = 1
	}
	return e
}
