package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/storesync/internal/store"
)

// QueryOptions holds flags for the read-only commands.
type QueryOptions struct {
	*RootOptions
	Tenant     string
	Collection string
	Limit      int
}

// checkpointView is the printed form of a checkpoint.
type checkpointView struct {
	TenantID          string     `json:"tenant_id"`
	Collection        string     `json:"collection"`
	LastSeenTimestamp *time.Time `json:"last_seen_timestamp"`
	LastSeenID        *int64     `json:"last_seen_id"`
	BackfillDone      bool       `json:"backfill_done"`
	RunStartedAt      *time.Time `json:"run_started_at"`
	RunFinishedAt     *time.Time `json:"run_finished_at"`
	RunNewCount       int64      `json:"run_new_count"`
	RunError          string     `json:"run_error,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// NewCheckpointsCommand creates the checkpoints command.
func NewCheckpointsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Show sync checkpoints",
		Long: `Show the checkpoint of every (tenant, collection): position, backfill
state and the outcome of the last run.

Example:
  storesync checkpoints --tenant acme --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts.RootOptions)
			if err != nil {
				return err
			}
			defer a.Close()

			cps, err := a.store.ListCheckpoints(cmd.Context(), opts.Tenant)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list checkpoints", err)
			}
			views := make([]checkpointView, 0, len(cps))
			for _, cp := range cps {
				views = append(views, checkpointView(cp))
			}
			return a.out.Print(views, func(w io.Writer) { printCheckpoints(w, views) })
		},
	}

	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "only this tenant")
	return cmd
}

func printCheckpoints(w io.Writer, views []checkpointView) {
	if len(views) == 0 {
		fmt.Fprintln(w, "no checkpoints")
		return
	}
	for _, v := range views {
		pos := "-"
		if v.LastSeenTimestamp != nil {
			pos = v.LastSeenTimestamp.UTC().Format(time.RFC3339)
			if v.LastSeenID != nil {
				pos += "/" + strconv.FormatInt(*v.LastSeenID, 10)
			}
		}
		last := "never run"
		if v.RunFinishedAt != nil {
			last = fmt.Sprintf("finished %s, %d new", v.RunFinishedAt.UTC().Format(time.RFC3339), v.RunNewCount)
		}
		if v.RunError != "" {
			last = "error: " + v.RunError
		}
		fmt.Fprintf(w, "%-20s %-10s %-32s backfill=%-5t %s\n",
			v.TenantID, v.Collection, pos, v.BackfillDone, last)
	}
}

// NewSearchCommand creates the search command.
func NewSearchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search a tenant's index",
		Long: `Search the index of one tenant. Every word of the query must match;
matching ignores case and accents.

Example:
  storesync search "jane doe" --tenant acme --collection customers`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			coll, err := collection(opts.Collection)
			if err != nil {
				return err
			}
			a, err := openApp(cmd, opts.RootOptions)
			if err != nil {
				return err
			}
			defer a.Close()

			rows, err := a.store.Search(cmd.Context(), coll, opts.Tenant, args[0], opts.Limit)
			if err != nil {
				return WrapExitError(ExitCommandError, "search failed", err)
			}
			views := make([]map[string]any, 0, len(rows))
			for _, r := range rows {
				views = append(views, indexRowView(r))
			}
			return a.out.Print(views, func(w io.Writer) {
				if len(rows) == 0 {
					fmt.Fprintln(w, "no matches")
					return
				}
				for _, r := range rows {
					updated := "-"
					if r.UpdatedAt != nil {
						updated = r.UpdatedAt.UTC().Format(time.RFC3339)
					}
					fmt.Fprintf(w, "%-14d %-20s %s\n", r.RecordID, updated, r.SearchText)
				}
			})
		},
	}

	addQueryFlags(cmd, opts)
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum results")
	return cmd
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "show <record-id>",
		Short: "Print a record's stored payload",
		Long: `Print the payload of one record exactly as it was fetched.

Example:
  storesync show 450789469 --tenant acme`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid record id", err)
			}
			coll, err := collection(opts.Collection)
			if err != nil {
				return err
			}
			a, err := openApp(cmd, opts.RootOptions)
			if err != nil {
				return err
			}
			defer a.Close()

			detail, err := a.store.GetDetail(cmd.Context(), coll, opts.Tenant, id)
			if errors.Is(err, store.ErrNotFound) {
				return NewExitError(ExitFailure, fmt.Sprintf("%s %d not found for tenant %s", coll.Name, id, opts.Tenant))
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "lookup failed", err)
			}
			return a.out.Print(detail.Payload, func(w io.Writer) {
				var v any
				if err := json.Unmarshal(detail.Payload, &v); err != nil {
					fmt.Fprintln(w, string(detail.Payload))
					return
				}
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				_ = enc.Encode(v)
			})
		},
	}

	addQueryFlags(cmd, opts)
	return cmd
}

func addQueryFlags(cmd *cobra.Command, opts *QueryOptions) {
	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "tenant id (required)")
	cmd.Flags().StringVar(&opts.Collection, "collection", "orders", "orders or customers")
	_ = cmd.MarkFlagRequired("tenant")
}

// indexRowView flattens an index row for JSON output.
func indexRowView(r store.IndexRow) map[string]any {
	v := make(map[string]any, len(r.Attrs)+5)
	for k, val := range r.Attrs {
		v[k] = val
	}
	v["tenant_id"] = r.TenantID
	v["record_id"] = r.RecordID
	v["created_at"] = r.CreatedAt
	v["updated_at"] = r.UpdatedAt
	v["indexed_at"] = r.IndexedAt
	return v
}
