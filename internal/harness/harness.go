package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/roach88/storesync/internal/engine"
	"github.com/roach88/storesync/internal/source"
	"github.com/roach88/storesync/internal/store"
	"github.com/roach88/storesync/internal/testutil"
)

// Harness executes one scenario. It holds the scenario's store, source and
// clock so assertions can inspect them after the last step.
type Harness struct {
	store  *store.Store
	source *testutil.MemorySource
	clock  *testutil.FakeClock
	engine *engine.Engine
	logger *slog.Logger

	tenants map[string]TenantSpec
}

// Option configures a Harness.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger routes engine logs to l. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Run executes a scenario against a fresh in-memory database.
//
// Execution flow:
//  1. Create fresh in-memory database, source and clock
//  2. Register tenants and load the initial records
//  3. Execute steps, checking each run step's expectations
//  4. Evaluate assertions and capture the final checkpoints
//
// A non-nil error means the scenario could not be executed at all; failed
// expectations are reported on the Result.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	o := options{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}

	start, err := scenario.start()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h := &Harness{
		store:   st,
		source:  testutil.NewMemorySource(),
		clock:   testutil.NewFakeClock(start),
		logger:  o.logger,
		tenants: make(map[string]TenantSpec, len(scenario.Tenants)),
	}

	engineOpts := []engine.Option{
		engine.WithClock(h.clock),
		engine.WithLogger(o.logger),
	}
	if scenario.PageSize > 0 {
		engineOpts = append(engineOpts, engine.WithPageSize(scenario.PageSize))
	}
	if scenario.CheckpointEvery > 0 {
		engineOpts = append(engineOpts, engine.WithCheckpointEvery(scenario.CheckpointEvery))
	}
	h.engine = engine.New(st, h.source, engineOpts...)

	if err := h.setup(ctx, scenario); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i+1, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}

	for _, msg := range EvaluateAssertions(ctx, h, result, scenario.Assertions) {
		result.AddError(msg)
	}

	if result.Checkpoints, err = h.checkpoints(ctx); err != nil {
		return nil, err
	}
	return result, nil
}

// setup registers the tenants and loads the initial source records.
func (h *Harness) setup(ctx context.Context, scenario *Scenario) error {
	for _, t := range scenario.Tenants {
		if t.Domain == "" {
			t.Domain = t.ID + ".example.com"
		}
		if t.Token == "" && !t.NoToken {
			t.Token = "tok-" + t.ID
		}
		h.tenants[t.ID] = t

		err := h.store.UpsertTenant(ctx, store.Tenant{
			ID:          t.ID,
			Domain:      t.Domain,
			AccessToken: t.Token,
			Enabled:     !t.Disabled,
		}, h.clock.Now())
		if err != nil {
			return fmt.Errorf("tenant %s: %w", t.ID, err)
		}
	}
	return h.addRecords(scenario.Records)
}

func (h *Harness) addRecords(specs []RecordSpec) error {
	for _, r := range specs {
		rec, err := r.record()
		if err != nil {
			return fmt.Errorf("record %s/%s/%d: %w", r.Tenant, r.Collection, r.ID, err)
		}
		h.source.Add(h.tenants[r.Tenant].Domain, r.Collection, rec)
	}
	return nil
}

// executeStep runs one step. Run steps append their tenant results to the
// trace and check the step's expectations.
func (h *Harness) executeStep(ctx context.Context, n int, step Step, result *Result) error {
	switch {
	case len(step.Add) > 0:
		return h.addRecords(step.Add)
	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		h.clock.Advance(d)
		return nil
	case step.Fail != nil:
		h.source.FailDomain(h.tenants[step.Fail.Tenant].Domain, errors.New(step.Fail.Error))
		return nil
	}

	pipelines, err := stepPipelines(step)
	if err != nil {
		return err
	}
	tenants, err := h.store.ListTenants(ctx, true)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}

	for _, p := range pipelines {
		var sum *engine.Summary
		if step.Run == RunBackfill {
			sum = h.engine.RunBackfill(ctx, p, tenants, step.Force)
		} else {
			sum = h.engine.RunIncremental(ctx, p, tenants)
		}
		for _, r := range sum.Tenants {
			result.Trace = append(result.Trace, newRunEvent(n, r))
			if r.Status == engine.StatusFailed {
				h.logger.Debug("scenario run failed", "step", n, "tenant", r.TenantID, "error", r.Error)
			}
		}
	}

	checkExpect(n, step, result)
	return nil
}

func stepPipelines(step Step) ([]engine.Pipeline, error) {
	if step.Collection == "" {
		return engine.DefaultPipelines(), nil
	}
	p, err := engine.PipelineFor(step.Collection)
	if err != nil {
		return nil, err
	}
	return []engine.Pipeline{p}, nil
}

// checkExpect compares the step's expected statuses with every run the step
// made for that tenant.
func checkExpect(n int, step Step, result *Result) {
	ids := make([]string, 0, len(step.Expect))
	for id := range step.Expect {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	runs := result.Runs(n)
	for _, id := range ids {
		want := step.Expect[id]
		seen := false
		for _, ev := range runs {
			if ev.Tenant != id {
				continue
			}
			seen = true
			if ev.Status != want {
				result.AddError(fmt.Sprintf("step %d: %s %s for %s: expected %s, got %s",
					n, ev.Mode, ev.Collection, id, want, describe(ev)))
			}
		}
		if !seen {
			result.AddError(fmt.Sprintf("step %d: expected %s for %s, but it did not run", n, want, id))
		}
	}
}

func describe(ev RunEvent) string {
	switch {
	case ev.Code != "":
		return ev.Status + " (" + ev.Code + ")"
	case ev.Reason != "":
		return ev.Status + " (" + ev.Reason + ")"
	}
	return ev.Status
}

// checkpoints captures the checkpoint table.
func (h *Harness) checkpoints(ctx context.Context) ([]CheckpointState, error) {
	cps, err := h.store.ListCheckpoints(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	out := make([]CheckpointState, 0, len(cps))
	for i := range cps {
		cp := &cps[i]
		out = append(out, CheckpointState{
			Tenant:       cp.TenantID,
			Collection:   cp.Collection,
			Position:     FormatPosition(cp.Position()),
			BackfillDone: cp.BackfillDone,
			RunNewCount:  cp.RunNewCount,
			Failed:       cp.RunError != "",
		})
	}
	return out, nil
}

// record builds the source record a RecordSpec describes.
func (r RecordSpec) record() (source.Record, error) {
	created, err := time.Parse(time.RFC3339, r.Created)
	if err != nil {
		return source.Record{}, err
	}
	var updated *time.Time
	switch {
	case r.NoUpdated:
	case r.Updated != "":
		at, err := time.Parse(time.RFC3339, r.Updated)
		if err != nil {
			return source.Record{}, err
		}
		updated = &at
	default:
		updated = &created
	}
	return testutil.NewRecord(r.ID, created, updated, r.Fields), nil
}
