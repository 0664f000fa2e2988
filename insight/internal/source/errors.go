package source

import (
	"context"
	"errors"
	"fmt"
)

// ErrRateLimited is returned when the upstream quota is exhausted and the
// bounded backoff did not recover. Retryable on a later call.
var ErrRateLimited = errors.New("source: upstream rate limited")

// ErrNotFound is returned for deleted or private entities. Terminal.
var ErrNotFound = errors.New("source: entity not found")

// UpstreamError is a transient upstream failure (5xx-equivalent or a
// transport error). Retryable.
type UpstreamError struct {
	StatusCode int
	Cause      error
}

func (e *UpstreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("source: upstream error: %v", e.Cause)
	}
	return fmt.Sprintf("source: upstream error: http %d", e.StatusCode)
}

func (e *UpstreamError) Unwrap() error { return e.Cause }

// IsTransient reports whether err is worth retrying on a subsequent call:
// rate limits, upstream errors, and timeouts qualify; NotFound never does.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return false
	}
	var ue *UpstreamError
	return errors.Is(err, ErrRateLimited) ||
		errors.As(err, &ue) ||
		errors.Is(err, context.DeadlineExceeded)
}
