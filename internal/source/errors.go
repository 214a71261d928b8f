package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// ErrInvalidCursor is returned when the source rejects a continuation cursor,
// typically because it expired during a long listing. Retrying the same
// cursor cannot succeed, so it is never treated as retryable.
var ErrInvalidCursor = errors.New("pagination cursor rejected by source")

// StatusError is a non-2xx response from the source API.
type StatusError struct {
	StatusCode int
	Body       string

	// RetryAfter is the server-requested wait, zero when absent.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("source returned %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	}
	return fmt.Sprintf("source returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Temporary reports whether the status is worth retrying (429 and 5xx).
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsRetryable classifies fetch errors. Parent context cancellation is never
// retryable; a per-call deadline that expired while the parent is still live is.
func IsRetryable(parent context.Context, err error) bool {
	if err == nil || parent.Err() != nil {
		return false
	}
	if errors.Is(err, ErrInvalidCursor) {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	// Dial and read failures: connection refused, reset by peer.
	var oe *net.OpError
	if errors.As(err, &oe) {
		return true
	}

	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// retryAfter extracts the server hint from a StatusError, if any.
func retryAfter(err error) time.Duration {
	var se *StatusError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}
