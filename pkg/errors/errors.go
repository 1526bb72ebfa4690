// Package errors defines the error taxonomy shared by the credential manager, the executors and the
// streaming executor. Errors are classified with errors.Is against the sentinels below.
package errors

import (
	"context"
	"errors"
	"fmt"

	internalerrors "github.com/skyfetch/skyfetch/internal/errors"
)

var (
	// ErrAuthentication is returned when an identity cannot produce credentials, for example
	// because of a network failure or because access was denied.
	ErrAuthentication = errors.New("authentication failed")

	// ErrCredentialExpired is returned when a freshly issued credential is already expired.
	ErrCredentialExpired = errors.New("issued credential is already expired")

	// ErrConfiguration is returned for an unrecognized executor kind or invalid bounds.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrTransientTransfer marks a retryable I/O failure inside a task.
	ErrTransientTransfer = errors.New("transient transfer failure")

	// ErrFatalTask marks a non-retryable task failure.
	ErrFatalTask = errors.New("fatal task failure")

	// ErrTaskTimeout is returned when a task exceeds its per-task timeout. It is retryable.
	ErrTaskTimeout = errors.New("task timed out")

	// ErrRetriesExhausted is returned when a retryable failure persisted through every attempt.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrCancelled is returned for tasks that were cancelled before or while running.
	ErrCancelled = errors.New("task cancelled")

	// ErrUnknownFunction is returned by a worker asked to run a function it has no registration for.
	ErrUnknownFunction = errors.New("unknown function")
)

func NewAuthenticationError(cause error) error {
	return fmt.Errorf("%w: %w", ErrAuthentication, cause)
}

func NewCredentialExpiredError(provider string) error {
	return fmt.Errorf("%w: provider %q", ErrCredentialExpired, provider)
}

func NewConfigurationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

func NewTransientError(cause error) error {
	return fmt.Errorf("%w: %w", ErrTransientTransfer, cause)
}

func NewFatalError(cause error) error {
	return fmt.Errorf("%w: %w", ErrFatalTask, cause)
}

// IsRetryable reports whether err should be retried by a per-item retry policy.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrFatalTask) || errors.Is(err, ErrAuthentication) || errors.Is(err, ErrCredentialExpired) {
		return false
	}
	return errors.Is(err, ErrTransientTransfer) || errors.Is(err, ErrTaskTimeout)
}

// IsCancellation reports whether err was caused by cancellation of the execution group.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// Innermost unwraps err until it reaches an error that wraps nothing else. Errors joined with
// multiple %w verbs are followed through their last member, which by convention is the cause.
func Innermost(err error) error {
	for err != nil {
		switch x := err.(type) {
		case interface{ Unwrap() []error }:
			errs := x.Unwrap()
			if len(errs) == 0 {
				return err
			}
			err = errs[len(errs)-1]
		case interface{ Unwrap() error }:
			next := x.Unwrap()
			if next == nil {
				return err
			}
			err = next
		default:
			return err
		}
	}
	return nil
}

// Kind is the wire representation of an error category, used when an error crosses a process boundary.
type Kind string

const (
	KindNone              Kind = ""
	KindAuthentication    Kind = "authentication"
	KindCredentialExpired Kind = "credential_expired"
	KindConfiguration     Kind = "configuration"
	KindTransient         Kind = "transient"
	KindFatal             Kind = "fatal"
	KindTimeout           Kind = "timeout"
	KindCancelled         Kind = "cancelled"
	KindUnknownFunction   Kind = "unknown_function"
	KindUnknown           Kind = "unknown"
)

var kinds = []struct {
	kind     Kind
	sentinel error
}{
	{KindAuthentication, ErrAuthentication},
	{KindCredentialExpired, ErrCredentialExpired},
	{KindConfiguration, ErrConfiguration},
	{KindTimeout, ErrTaskTimeout},
	{KindCancelled, ErrCancelled},
	{KindFatal, ErrFatalTask},
	{KindTransient, ErrTransientTransfer},
	{KindUnknownFunction, ErrUnknownFunction},
}

// KindOf classifies err for transport to another process.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			return k.kind
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindUnknown
}

// FromKind rebuilds an error received from a remote worker. The message is preserved verbatim and
// the result matches the sentinel of its kind with errors.Is.
func FromKind(kind Kind, message string) error {
	if kind == KindNone {
		return nil
	}
	for _, k := range kinds {
		if k.kind == kind {
			return internalerrors.WithKind(message, k.sentinel)
		}
	}
	return internalerrors.WithKind(message, nil)
}
