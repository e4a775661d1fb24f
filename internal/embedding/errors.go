package embedding

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrInvalidInput is returned for empty input, before any network call.
var ErrInvalidInput = errors.New("invalid embedding input")

// ServiceError is a failure reported by the embedding service, either as an error payload
// in the response body or as a failed call.
type ServiceError struct {
	Message    string
	StatusCode int
	Retryable  bool
	cause      error
}

func (e *ServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("embedding service error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("embedding service error: %s", e.Message)
}

func (e *ServiceError) Unwrap() error { return e.cause }

// DimensionError indicates the service returned a vector of the wrong length.
type DimensionError struct {
	Expected int
	Actual   int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// IsRetryable reports whether err is a transient failure worth another attempt:
// a ServiceError flagged retryable, a network timeout, or a per-call deadline.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidInput) {
		return false
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

func retryableStatus(code int) bool {
	return code == 429 || code >= 500
}
