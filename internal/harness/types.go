package harness

import (
	"github.com/roach88/storesync/internal/engine"
)

// RunEvent is one tenant's run, as recorded in the trace.
type RunEvent struct {
	Step       int    `json:"step"`
	Mode       string `json:"mode"`
	Collection string `json:"collection"`
	Tenant     string `json:"tenant"`
	Status     string `json:"status"`
	Fetched    int    `json:"fetched"`
	Upserted   int    `json:"upserted"`
	NewRows    int64  `json:"new_rows"`
	Repaired   bool   `json:"repaired,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Code       string `json:"code,omitempty"`
}

func newRunEvent(step int, r engine.TenantResult) RunEvent {
	return RunEvent{
		Step:       step,
		Mode:       string(r.Mode),
		Collection: r.Collection,
		Tenant:     r.TenantID,
		Status:     string(r.Status),
		Fetched:    r.Fetched,
		Upserted:   r.Upserted,
		NewRows:    r.NewRows,
		Repaired:   r.Repaired,
		Reason:     r.Reason,
		Code:       string(r.ErrorCode),
	}
}

// CheckpointState is a checkpoint as captured after the last step.
type CheckpointState struct {
	Tenant       string `json:"tenant"`
	Collection   string `json:"collection"`
	Position     string `json:"position"`
	BackfillDone bool   `json:"backfill_done"`
	RunNewCount  int64  `json:"run_new_count"`
	Failed       bool   `json:"failed,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace contains every tenant run in execution order.
	Trace []RunEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Checkpoints is the final checkpoint table, ordered by tenant and
	// collection.
	Checkpoints []CheckpointState `json:"checkpoints"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []RunEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Runs returns the trace events of one step.
func (r *Result) Runs(step int) []RunEvent {
	var out []RunEvent
	for _, ev := range r.Trace {
		if ev.Step == step {
			out = append(out, ev)
		}
	}
	return out
}
