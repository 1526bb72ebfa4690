package errors

import (
	"errors"
	"fmt"
)

// Reason describes why an item failed, as surfaced to the caller of a streaming map.
type Reason string

const (
	ReasonTimeout          Reason = "timeout"
	ReasonRetriesExhausted Reason = "retries_exhausted"
	ReasonDenied           Reason = "denied"
	ReasonExpired          Reason = "expired"
	ReasonCancelled        Reason = "cancelled"
	ReasonFailed           Reason = "failed"
)

// ItemError is the failure of a single work item. It identifies the item by its position in the
// input sequence and keeps the error that caused it.
type ItemError struct {
	Index    int
	Item     string
	Attempts int
	Err      error
}

var _ error = (*ItemError)(nil)

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %d (%s) failed after %d attempt(s) [%s]: %v", e.Index, e.Item, e.Attempts, e.Reason(), e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// Cause returns the innermost error.
func (e *ItemError) Cause() error {
	return Innermost(e.Err)
}

func (e *ItemError) Reason() Reason {
	switch {
	case IsCancellation(e.Err):
		return ReasonCancelled
	case errors.Is(e.Err, ErrRetriesExhausted) && errors.Is(e.Err, ErrTaskTimeout):
		return ReasonTimeout
	case errors.Is(e.Err, ErrRetriesExhausted):
		return ReasonRetriesExhausted
	case errors.Is(e.Err, ErrTaskTimeout):
		return ReasonTimeout
	case errors.Is(e.Err, ErrCredentialExpired):
		return ReasonExpired
	case errors.Is(e.Err, ErrAuthentication), errors.Is(e.Err, ErrFatalTask):
		return ReasonDenied
	default:
		return ReasonFailed
	}
}
