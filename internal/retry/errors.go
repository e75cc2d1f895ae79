package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// VenueError wraps a failed venue call with enough context to classify it.
// StatusCode is zero for transport-level failures (no HTTP response observed).
type VenueError struct {
	Op         string        // venue operation, e.g. "submit_limit_order"
	StatusCode int           // HTTP status, 0 when no response was received
	RetryAfter time.Duration // parsed Retry-After hint, 0 when absent
	Err        error
}

func (e *VenueError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("venue %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("venue %s: %v", e.Op, e.Err)
}

func (e *VenueError) Unwrap() error { return e.Err }

// Timeout reports whether the underlying failure was a timeout.
func (e *VenueError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(e.Err, &ne) {
		return ne.Timeout()
	}
	return false
}

// IsRetryable reports whether the error may be retried in place: timeouts,
// transport faults, HTTP 429 and 5xx. 4xx other than 429 is not retryable.
func IsRetryable(err error) bool {
	var ve *VenueError
	if errors.As(err, &ve) {
		if ve.StatusCode == 0 {
			return true // transport-level: no response observed
		}
		if ve.StatusCode == http.StatusTooManyRequests {
			return true
		}
		return ve.StatusCode >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// IsUncertain classifies a failed *write* call. The set is the same as
// IsRetryable, but the meaning differs: the write may have landed on the venue
// before the failure was observed, so the caller must reconcile rather than
// blindly retry.
func IsUncertain(err error) bool {
	return IsRetryable(err)
}

// IsFatal reports whether the error definitively means the venue refused the
// request without side effects (4xx other than 429).
func IsFatal(err error) bool {
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.StatusCode >= 400 && ve.StatusCode < 500 && ve.StatusCode != http.StatusTooManyRequests
	}
	return false
}

// RetryAfterHint extracts the venue's Retry-After suggestion, if any.
func RetryAfterHint(err error) time.Duration {
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.RetryAfter
	}
	return 0
}
