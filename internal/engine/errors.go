package engine

import (
	"errors"
	"fmt"
)

// SyncError represents a failure of one tenant's run.
//
// The Code classifies the failing stage; Err is the underlying cause and is
// reachable through errors.Is / errors.As.
type SyncError struct {
	// Code identifies the error category.
	Code SyncErrorCode

	// Message is a human-readable description.
	Message string

	// TenantID and Collection identify the affected run.
	TenantID   string
	Collection string

	// Err is the wrapped cause, if any.
	Err error
}

// SyncErrorCode categorizes sync errors.
type SyncErrorCode string

const (
	// ErrCodeMissingCredentials indicates a tenant without domain or token.
	ErrCodeMissingCredentials SyncErrorCode = "MISSING_CREDENTIALS"

	// ErrCodeCheckpointCorrupt indicates index rows exist but no usable
	// checkpoint can be derived from them.
	ErrCodeCheckpointCorrupt SyncErrorCode = "CHECKPOINT_CORRUPT"

	// ErrCodeLeaseHeld indicates another run holds the tenant's lease.
	ErrCodeLeaseHeld SyncErrorCode = "LEASE_HELD"

	// ErrCodeFetchFailed indicates the source collector failed.
	ErrCodeFetchFailed SyncErrorCode = "FETCH_FAILED"

	// ErrCodeNormalizeFailed indicates a record could not be projected.
	ErrCodeNormalizeFailed SyncErrorCode = "NORMALIZE_FAILED"

	// ErrCodeWriteFailed indicates a store read or write failed.
	ErrCodeWriteFailed SyncErrorCode = "WRITE_FAILED"

	// ErrCodeCancelled indicates the run's context was done before it finished.
	ErrCodeCancelled SyncErrorCode = "CANCELLED"
)

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.TenantID != "" {
		msg = fmt.Sprintf("%s (tenant=%s, collection=%s)", msg, e.TenantID, e.Collection)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// IsCorruptionError returns true if the error is a checkpoint corruption error.
// Uses errors.As to handle wrapped errors.
func IsCorruptionError(err error) bool {
	return hasCode(err, ErrCodeCheckpointCorrupt)
}

// IsLeaseHeldError returns true if another run held the lease.
func IsLeaseHeldError(err error) bool {
	return hasCode(err, ErrCodeLeaseHeld)
}

// IsMissingCredentialsError returns true if the tenant had no credentials.
func IsMissingCredentialsError(err error) bool {
	return hasCode(err, ErrCodeMissingCredentials)
}

// ErrorCode returns the code of the first SyncError in err's chain, or "".
func ErrorCode(err error) SyncErrorCode {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

func hasCode(err error, code SyncErrorCode) bool {
	return ErrorCode(err) == code
}

func newSyncError(code SyncErrorCode, r *run, err error, format string, args ...any) *SyncError {
	se := &SyncError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
	if r != nil {
		se.TenantID = r.tenant.ID
		se.Collection = r.pipeline.Collection.Name
	}
	return se
}
