// Package errors rebuilds errors received from other processes, of which only the message and a
// kind survive the trip.
package errors

import (
	"errors"
)

// Remote is an error reported by another process. Its message is the remote text verbatim, and
// it unwraps to the local sentinel of its kind.
type Remote struct {
	Message string
	kind    error
}

var _ error = (*Remote)(nil)

// WithKind returns an error reading message that matches kind with errors.Is. Without a kind the
// result is a plain error.
func WithKind(message string, kind error) error {
	if kind == nil {
		return errors.New(message)
	}
	return &Remote{Message: message, kind: kind}
}

func (e *Remote) Error() string {
	return e.Message
}

func (e *Remote) Unwrap() error {
	return e.kind
}
