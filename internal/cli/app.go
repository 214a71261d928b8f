package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/storesync/internal/config"
	"github.com/roach88/storesync/internal/engine"
	"github.com/roach88/storesync/internal/metrics"
	"github.com/roach88/storesync/internal/source"
	"github.com/roach88/storesync/internal/store"
)

// app is the wiring shared by every command: configuration, logger, store
// and metrics.
type app struct {
	opts    *RootOptions
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.Store
	metrics *metrics.Collector
	out     *OutputFormatter
}

// openApp loads the configuration and opens the store. Every failure is a
// pre-flight error.
func openApp(cmd *cobra.Command, opts *RootOptions) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	applyDatabaseFlag(cfg, opts.Database)
	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}

	logger := cfg.Log.NewLogger(cmd.ErrOrStderr(), opts.Verbose)
	slog.SetDefault(logger)

	var st *store.Store
	switch cfg.Database.Driver {
	case "postgres":
		logger.Debug("opening database", "driver", "postgres")
		st, err = store.OpenPostgres(cfg.Database.DSN)
	default:
		logger.Debug("opening database", "driver", "sqlite", "path", cfg.Database.Path)
		st, err = store.Open(cfg.Database.Path)
	}
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	return &app{
		opts:    opts,
		cfg:     cfg,
		logger:  logger,
		store:   st,
		metrics: metrics.New(),
		out:     &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()},
	}, nil
}

// applyDatabaseFlag lets --db override the configured database. A
// postgres:// URL selects PostgreSQL, anything else is a SQLite path.
func applyDatabaseFlag(cfg *config.Config, db string) {
	if db == "" {
		return
	}
	if strings.HasPrefix(db, "postgres://") || strings.HasPrefix(db, "postgresql://") {
		cfg.Database.Driver = "postgres"
		cfg.Database.DSN = db
		return
	}
	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = db
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing database", "error", err)
	}
}

// collector builds retry(timeout(http)): each attempt gets its own
// deadline, and an attempt that times out is retried.
func (a *app) collector() source.Collector {
	if a.opts.Collector != nil {
		return a.opts.Collector
	}
	http := source.NewHTTPCollector(a.cfg.Source.BaseURL, 0)
	http.TokenHeader = a.cfg.Source.TokenHeader

	retrying := source.NewRetryingCollector(
		&source.TimeoutCollector{Next: http, Timeout: a.cfg.Source.FetchTimeout},
		a.cfg.Source.Retry.Policy(),
	)
	retrying.Logger = a.logger
	retrying.OnRetry = a.metrics.FetchRetried
	return retrying
}

func (a *app) engine() *engine.Engine {
	opts := []engine.Option{
		engine.WithLogger(a.logger),
		engine.WithRecorder(a.metrics),
		engine.WithPageSize(a.cfg.Sync.PageSize),
		engine.WithPageDelay(a.cfg.Sync.PageDelay),
		engine.WithCheckpointEvery(a.cfg.Sync.CheckpointEvery),
		engine.WithLeaseTTL(a.cfg.Sync.LeaseTTL),
	}
	if a.opts.Clock != nil {
		opts = append(opts, engine.WithClock(a.opts.Clock))
	}
	return engine.New(a.store, a.collector(), opts...)
}

// pipelines resolves --collection: a collection name or "all".
func (a *app) pipelines(name string) ([]engine.Pipeline, error) {
	var selected []engine.Pipeline
	for _, p := range engine.DefaultPipelines() {
		if name != "all" && p.Collection.Name != name {
			continue
		}
		if p.Collection == store.Orders {
			p.SafetyWindow = a.cfg.Sync.OrderSafetyWindow
		}
		selected = append(selected, p)
	}
	if len(selected) == 0 {
		return nil, NewExitError(ExitCommandError,
			fmt.Sprintf("unknown collection %q: want orders, customers or all", name))
	}
	return selected, nil
}

// collection resolves a single collection name.
func collection(name string) (*store.Collection, error) {
	coll, err := store.CollectionByName(name)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid --collection", err)
	}
	return coll, nil
}

// tenants returns the tenants to sync: every enabled tenant, or the one
// named by id. Listing tenants is the only job-level failure.
func (a *app) tenants(ctx context.Context, id string) ([]store.Tenant, error) {
	if id == "" {
		ts, err := a.store.ListTenants(ctx, true)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to list tenants", err)
		}
		return ts, nil
	}

	t, err := a.store.GetTenant(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("tenant %q not found", id))
	}
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load tenant", err)
	}
	if !t.Enabled {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("tenant %q is disabled", id))
	}
	return []store.Tenant{*t}, nil
}
