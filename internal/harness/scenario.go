package harness

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/storesync/internal/engine"
	"github.com/roach88/storesync/internal/store"
)

// DefaultNow is the scenario clock's start when a scenario sets none.
const DefaultNow = "2024-06-01T00:00:00Z"

// Scenario describes a sequence of sync runs against an in-memory source and
// the state the store must be left in.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Now is the RFC 3339 start time of the scenario clock.
	Now string `yaml:"now,omitempty"`

	// PageSize and CheckpointEvery override the engine defaults when set.
	PageSize        int `yaml:"page_size,omitempty"`
	CheckpointEvery int `yaml:"checkpoint_every,omitempty"`

	// Tenants are registered before the first step.
	Tenants []TenantSpec `yaml:"tenants"`

	// Records are loaded into the source before the first step.
	Records []RecordSpec `yaml:"records,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the recorded runs and the final store state.
	Assertions []Assertion `yaml:"assertions"`
}

// TenantSpec registers one tenant.
type TenantSpec struct {
	ID string `yaml:"id"`

	// Domain defaults to "<id>.example.com".
	Domain string `yaml:"domain,omitempty"`

	// Token defaults to "tok-<id>". NoToken registers the tenant without one.
	Token   string `yaml:"token,omitempty"`
	NoToken bool   `yaml:"no_token,omitempty"`

	Disabled bool `yaml:"disabled,omitempty"`
}

// RecordSpec is one source record.
type RecordSpec struct {
	Tenant     string `yaml:"tenant"`
	Collection string `yaml:"collection"`
	ID         int64  `yaml:"id"`

	// Created and Updated are RFC 3339 timestamps. Updated defaults to
	// Created; NoUpdated leaves updated_at out of the payload.
	Created   string `yaml:"created"`
	Updated   string `yaml:"updated,omitempty"`
	NoUpdated bool   `yaml:"no_updated,omitempty"`

	Fields map[string]any `yaml:"fields,omitempty"`
}

// Step is one action of a scenario. Exactly one of Run, Add, Advance and
// Fail is set.
type Step struct {
	// Run is "backfill" or "sync".
	Run string `yaml:"run,omitempty"`

	// Collection limits Run to one collection; empty runs all of them.
	Collection string `yaml:"collection,omitempty"`

	// Force re-runs a finished backfill.
	Force bool `yaml:"force,omitempty"`

	// Add loads more records into the source, replacing records with the
	// same id.
	Add []RecordSpec `yaml:"add,omitempty"`

	// Advance moves the clock forward by a Go duration, e.g. "1h".
	Advance string `yaml:"advance,omitempty"`

	// Fail makes every fetch for a tenant fail from this step on.
	Fail *FailSpec `yaml:"fail,omitempty"`

	// Expect maps tenant ids to the status of their run in this step.
	Expect map[string]string `yaml:"expect,omitempty"`
}

// FailSpec makes a tenant's source fail.
type FailSpec struct {
	Tenant string `yaml:"tenant"`
	Error  string `yaml:"error"`
}

// Step kinds.
const (
	RunBackfill = "backfill"
	RunSync     = "sync"
)

// Assertion validates the run trace or the final store state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "run_status": a tenant's run in a step ended with Status (and Code)
	// - "run_count": the trace holds Count runs matching Tenant/Status
	// - "checkpoint": a checkpoint holds Position and BackfillDone
	// - "row_count": a tenant has Count index rows in Collection
	// - "search": Query finds exactly IDs
	Type string `yaml:"type"`

	// Step is the 1-based step index (run_status).
	Step int `yaml:"step,omitempty"`

	Tenant     string `yaml:"tenant,omitempty"`
	Collection string `yaml:"collection,omitempty"`

	// Status and Code match a run's outcome (run_status, run_count).
	Status string `yaml:"status,omitempty"`
	Code   string `yaml:"code,omitempty"`

	// Position is "<RFC 3339>/<id>", or "none" for an unset position
	// (checkpoint).
	Position     string `yaml:"position,omitempty"`
	BackfillDone *bool  `yaml:"backfill_done,omitempty"`

	// Count is the expected number of rows or runs.
	Count *int `yaml:"count,omitempty"`

	// Query and IDs drive the search assertion.
	Query string  `yaml:"query,omitempty"`
	IDs   []int64 `yaml:"ids,omitempty"`
}

// Assertion type constants.
const (
	AssertRunStatus  = "run_status"
	AssertRunCount   = "run_count"
	AssertCheckpoint = "checkpoint"
	AssertRowCount   = "row_count"
	AssertSearch     = "search"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if _, err := s.start(); err != nil {
		return fmt.Errorf("now: %w", err)
	}
	if s.PageSize < 0 || s.CheckpointEvery < 0 {
		return fmt.Errorf("page_size and checkpoint_every must not be negative")
	}
	if len(s.Tenants) == 0 {
		return fmt.Errorf("tenants list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	tenants := make(map[string]bool, len(s.Tenants))
	for i, t := range s.Tenants {
		if t.ID == "" {
			return fmt.Errorf("tenants[%d]: id is required", i)
		}
		if tenants[t.ID] {
			return fmt.Errorf("tenants[%d]: duplicate id %q", i, t.ID)
		}
		tenants[t.ID] = true
	}

	for i, r := range s.Records {
		if err := validateRecord(r, tenants); err != nil {
			return fmt.Errorf("records[%d]: %w", i, err)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(step, tenants); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i], len(s.Steps)); err != nil {
			return err
		}
	}
	return nil
}

func validateRecord(r RecordSpec, tenants map[string]bool) error {
	if !tenants[r.Tenant] {
		return fmt.Errorf("unknown tenant %q", r.Tenant)
	}
	if _, err := store.CollectionByName(r.Collection); err != nil {
		return err
	}
	if r.ID <= 0 {
		return fmt.Errorf("id must be positive")
	}
	if _, err := time.Parse(time.RFC3339, r.Created); err != nil {
		return fmt.Errorf("created: %w", err)
	}
	if r.Updated != "" {
		if r.NoUpdated {
			return fmt.Errorf("updated and no_updated are exclusive")
		}
		if _, err := time.Parse(time.RFC3339, r.Updated); err != nil {
			return fmt.Errorf("updated: %w", err)
		}
	}
	return nil
}

func validateStep(step Step, tenants map[string]bool) error {
	kinds := 0
	if step.Run != "" {
		kinds++
	}
	if len(step.Add) > 0 {
		kinds++
	}
	if step.Advance != "" {
		kinds++
	}
	if step.Fail != nil {
		kinds++
	}
	if kinds != 1 {
		return fmt.Errorf("exactly one of run, add, advance and fail is required")
	}

	switch {
	case step.Run != "":
		if step.Run != RunBackfill && step.Run != RunSync {
			return fmt.Errorf("run must be %q or %q, got %q", RunBackfill, RunSync, step.Run)
		}
		if step.Collection != "" {
			if _, err := store.CollectionByName(step.Collection); err != nil {
				return err
			}
		}
		for id, status := range step.Expect {
			if !tenants[id] {
				return fmt.Errorf("expect: unknown tenant %q", id)
			}
			if !validStatus(status) {
				return fmt.Errorf("expect: unknown status %q", status)
			}
		}
	case len(step.Add) > 0:
		for i, r := range step.Add {
			if err := validateRecord(r, tenants); err != nil {
				return fmt.Errorf("add[%d]: %w", i, err)
			}
		}
	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return fmt.Errorf("advance: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("advance must not be negative")
		}
	case step.Fail != nil:
		if !tenants[step.Fail.Tenant] {
			return fmt.Errorf("fail: unknown tenant %q", step.Fail.Tenant)
		}
		if step.Fail.Error == "" {
			return fmt.Errorf("fail: error is required")
		}
	}

	if step.Run == "" && (len(step.Expect) > 0 || step.Collection != "" || step.Force) {
		return fmt.Errorf("collection, force and expect only apply to run steps")
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, steps int) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertRunStatus:
		if a.Step < 1 || a.Step > steps {
			return fmt.Errorf("assertions[%d]: step must be between 1 and %d for run_status", index, steps)
		}
		if a.Tenant == "" || a.Status == "" {
			return fmt.Errorf("assertions[%d]: tenant and status are required for run_status", index)
		}
	case AssertRunCount:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for run_count", index)
		}
	case AssertCheckpoint:
		if a.Tenant == "" || a.Collection == "" {
			return fmt.Errorf("assertions[%d]: tenant and collection are required for checkpoint", index)
		}
		if a.Position == "" && a.BackfillDone == nil {
			return fmt.Errorf("assertions[%d]: position or backfill_done is required for checkpoint", index)
		}
		if a.Position != "" && a.Position != "none" {
			if _, err := ParsePosition(a.Position); err != nil {
				return fmt.Errorf("assertions[%d]: %w", index, err)
			}
		}
	case AssertRowCount:
		if a.Tenant == "" || a.Collection == "" || a.Count == nil {
			return fmt.Errorf("assertions[%d]: tenant, collection and count are required for row_count", index)
		}
	case AssertSearch:
		if a.Tenant == "" || a.Collection == "" || a.Query == "" {
			return fmt.Errorf("assertions[%d]: tenant, collection and query are required for search", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	if a.Status != "" && !validStatus(a.Status) {
		return fmt.Errorf("assertions[%d]: unknown status %q", index, a.Status)
	}
	if a.Collection != "" {
		if _, err := store.CollectionByName(a.Collection); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
	}
	return nil
}

func validStatus(s string) bool {
	switch engine.Status(s) {
	case engine.StatusOK, engine.StatusFailed, engine.StatusSkipped:
		return true
	}
	return false
}

func (s *Scenario) start() (time.Time, error) {
	now := s.Now
	if now == "" {
		now = DefaultNow
	}
	return time.Parse(time.RFC3339, now)
}

// ParsePosition parses "<RFC 3339 timestamp>/<id>".
func ParsePosition(s string) (store.Position, error) {
	ts, id, ok := strings.Cut(s, "/")
	if !ok {
		return store.Position{}, fmt.Errorf("position %q: want <timestamp>/<id>", s)
	}
	at, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return store.Position{}, fmt.Errorf("position %q: %w", s, err)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return store.Position{}, fmt.Errorf("position %q: %w", s, err)
	}
	return store.Position{Timestamp: at, ID: n}, nil
}

// FormatPosition is the inverse of ParsePosition. A nil position formats as
// "none".
func FormatPosition(p *store.Position) string {
	if p == nil {
		return "none"
	}
	return p.Timestamp.UTC().Format(time.RFC3339) + "/" + strconv.FormatInt(p.ID, 10)
}
