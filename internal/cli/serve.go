package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/storesync/internal/engine"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Interval    time.Duration
	MetricsAddr string
	Cycles      int
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run incremental sync on a schedule",
		Long: `Run an incremental sync of every collection for every enabled tenant,
then wait for the interval and repeat, until interrupted.

Metrics are served on /metrics and liveness on /healthz.

Example:
  storesync serve --interval 15m --metrics-addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "time between sync cycles (default from config)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "listen address for /metrics and /healthz (default from config)")
	cmd.Flags().IntVar(&opts.Cycles, "cycles", 0, "stop after this many cycles (0 runs until interrupted)")

	return cmd
}

// cycleStatus tracks the serve loop for /healthz.
type cycleStatus struct {
	mu         sync.Mutex
	Cycles     int
	LastCycle  time.Time
	LastFailed int
}

func (s *cycleStatus) record(at time.Time, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Cycles++
	s.LastCycle = at
	s.LastFailed = failed
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	a, err := openApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	interval := opts.Interval
	if interval <= 0 {
		interval = a.cfg.Sync.Interval
	}
	addr := opts.MetricsAddr
	if addr == "" {
		addr = a.cfg.Metrics.Addr
	}
	pipelines, err := a.pipelines("all")
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context(), a.logger)
	defer stop()

	status := &cycleStatus{}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{
		Handler:           a.serveMux(status),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown", "error", err)
		}
	}()
	fmt.Fprintf(cmd.OutOrStdout(), "serving metrics on http://%s/metrics\n", ln.Addr())

	eng := a.engine()
	for cycle := 1; ; cycle++ {
		failed := a.syncCycle(ctx, eng, pipelines)
		status.record(time.Now().UTC(), failed)
		a.logger.Info("sync cycle finished", "cycle", cycle, "failed", failed, "next_in", interval)

		if opts.Cycles > 0 && cycle >= opts.Cycles {
			return nil
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.Info("serve stopped gracefully")
			return nil
		case <-timer.C:
		}
	}
}

// syncCycle runs every pipeline once and returns the number of failed
// tenant runs. A tenant listing failure skips the cycle.
func (a *app) syncCycle(ctx context.Context, eng *engine.Engine, pipelines []engine.Pipeline) int {
	tenants, err := a.tenants(ctx, "")
	if err != nil {
		a.logger.Error("sync cycle skipped", "error", err)
		return 0
	}
	failed := 0
	for _, p := range pipelines {
		if ctx.Err() != nil {
			break
		}
		failed += eng.RunIncremental(ctx, p, tenants).Failed
	}
	return failed
}

func (a *app) serveMux(status *cycleStatus) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := a.store.DB().PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
		status.mu.Lock()
		defer status.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":      "ok",
			"cycles":      status.Cycles,
			"last_cycle":  status.LastCycle,
			"last_failed": status.LastFailed,
		})
	})
	return mux
}
