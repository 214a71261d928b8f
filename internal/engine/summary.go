package engine

import "time"

// Mode is the kind of run.
type Mode string

const (
	ModeBackfill    Mode = "backfill"
	ModeIncremental Mode = "incremental"
)

// Status is the outcome of one tenant's run.
type Status string

const (
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// TenantResult reports one tenant's run.
type TenantResult struct {
	TenantID   string        `json:"tenant_id"`
	Collection string        `json:"collection"`
	Mode       Mode          `json:"mode"`
	Status     Status        `json:"status"`
	Pages      int           `json:"pages"`
	Fetched    int           `json:"fetched"`
	Upserted   int           `json:"upserted"`
	NewRows    int64         `json:"new_rows"`
	Repaired   bool          `json:"repaired,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Error      string        `json:"error,omitempty"`
	ErrorCode  SyncErrorCode `json:"error_code,omitempty"`
	Duration   time.Duration `json:"duration_ns"`

	// CheckpointError is set when the data was written but the final
	// checkpoint could not be saved. The run still counts as successful.
	CheckpointError string `json:"checkpoint_error,omitempty"`
}

// Summary aggregates the tenant results of one driver invocation.
type Summary struct {
	Mode       Mode           `json:"mode"`
	Collection string         `json:"collection"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Tenants    []TenantResult `json:"tenants"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
	Skipped    int            `json:"skipped"`
	Fetched    int            `json:"fetched"`
	Upserted   int            `json:"upserted"`
}

// HasFailures reports whether any tenant failed.
func (s *Summary) HasFailures() bool {
	return s.Failed > 0
}

// Result returns the result of a tenant, or nil.
func (s *Summary) Result(tenantID string) *TenantResult {
	for i := range s.Tenants {
		if s.Tenants[i].TenantID == tenantID {
			return &s.Tenants[i]
		}
	}
	return nil
}

func (s *Summary) add(r TenantResult) {
	s.Tenants = append(s.Tenants, r)
	switch r.Status {
	case StatusOK:
		s.Succeeded++
	case StatusFailed:
		s.Failed++
	case StatusSkipped:
		s.Skipped++
	}
	s.Fetched += r.Fetched
	s.Upserted += r.Upserted
}
