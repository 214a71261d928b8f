package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/storesync/internal/engine"
	"github.com/roach88/storesync/internal/store"
)

// RunOptions holds flags shared by the backfill and sync commands.
type RunOptions struct {
	*RootOptions
	Collection string
	Tenant     string
	Force      bool
}

// NewBackfillCommand creates the backfill command.
func NewBackfillCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Ingest every tenant's full history",
		Long: `Ingest the full history of every enabled tenant, oldest record first.

A tenant whose backfill already completed is skipped unless --force is given.
Each tenant runs independently: a failing tenant is reported and the others
still run.

Example:
  storesync backfill --collection orders
  storesync backfill --tenant acme --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts, engine.ModeBackfill)
		},
	}

	addRunFlags(cmd, opts)
	cmd.Flags().BoolVar(&opts.Force, "force", false, "re-run backfill for tenants already backfilled")
	return cmd
}

// NewSyncCommand creates the incremental sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Catch every tenant up from its checkpoint",
		Long: `Fetch records updated since each tenant's checkpoint.

Missing or stuck checkpoints are rebuilt from the index before fetching.

Example:
  storesync sync
  storesync sync --collection customers --tenant acme`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts, engine.ModeIncremental)
		},
	}

	addRunFlags(cmd, opts)
	return cmd
}

func addRunFlags(cmd *cobra.Command, opts *RunOptions) {
	cmd.Flags().StringVar(&opts.Collection, "collection", "all", "orders, customers or all")
	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "run a single tenant")
}

func runSync(cmd *cobra.Command, opts *RunOptions, mode engine.Mode) error {
	a, err := openApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	pipelines, err := a.pipelines(opts.Collection)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context(), a.logger)
	defer stop()

	tenants, err := a.tenants(ctx, opts.Tenant)
	if err != nil {
		return err
	}

	eng := a.engine()
	summaries := make([]*engine.Summary, 0, len(pipelines))
	for _, p := range pipelines {
		summaries = append(summaries, runPipeline(ctx, eng, mode, p, tenants, opts.Force))
	}

	if err := a.out.Print(summaries, func(w io.Writer) { printSummaries(w, summaries) }); err != nil {
		return err
	}
	return summariesError(summaries)
}

func runPipeline(ctx context.Context, eng *engine.Engine, mode engine.Mode, p engine.Pipeline, tenants []store.Tenant, force bool) *engine.Summary {
	if mode == engine.ModeBackfill {
		return eng.RunBackfill(ctx, p, tenants, force)
	}
	return eng.RunIncremental(ctx, p, tenants)
}

// summariesError maps tenant failures to ExitFailure.
func summariesError(summaries []*engine.Summary) error {
	failed := 0
	for _, s := range summaries {
		failed += s.Failed
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d tenant run(s) failed", failed))
	}
	return nil
}

func printSummaries(w io.Writer, summaries []*engine.Summary) {
	for _, s := range summaries {
		fmt.Fprintf(w, "%s %s: %d ok, %d failed, %d skipped (fetched %d, upserted %d)\n",
			s.Mode, s.Collection, s.Succeeded, s.Failed, s.Skipped, s.Fetched, s.Upserted)
		for _, r := range s.Tenants {
			switch r.Status {
			case engine.StatusOK:
				line := fmt.Sprintf("  %-20s ok       pages=%d fetched=%d upserted=%d new=%d %s",
					r.TenantID, r.Pages, r.Fetched, r.Upserted, r.NewRows, r.Duration.Round(time.Millisecond))
				if r.Repaired {
					line += " (checkpoint rebuilt)"
				}
				if r.CheckpointError != "" {
					line += " (checkpoint not saved: " + r.CheckpointError + ")"
				}
				fmt.Fprintln(w, line)
			case engine.StatusSkipped:
				fmt.Fprintf(w, "  %-20s skipped  %s\n", r.TenantID, r.Reason)
			default:
				fmt.Fprintf(w, "  %-20s failed   %s\n", r.TenantID, r.Error)
			}
		}
	}
}

// signalContext cancels on SIGINT or SIGTERM. A run in progress stops at
// its next page boundary and records the interruption.
func signalContext(parent context.Context, logger *slog.Logger) (context.Context, context.CancelFunc) {
	// Use command's context if available (for testing), otherwise create one
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan) // Prevent signal handler leak
		cancel()
	}
}
