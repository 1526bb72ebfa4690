package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	var testcases = map[string]struct {
		err       error
		retryable bool
	}{
		`nil`:               {err: nil, retryable: false},
		`transient`:         {err: NewTransientError(errors.New("connection reset")), retryable: true},
		`timeout`:           {err: fmt.Errorf("%w: %w", ErrTaskTimeout, context.DeadlineExceeded), retryable: true},
		`fatal`:             {err: NewFatalError(errors.New("403")), retryable: false},
		`authentication`:    {err: NewAuthenticationError(errors.New("denied")), retryable: false},
		`fatal_wins`:        {err: fmt.Errorf("%w: %w", ErrFatalTask, ErrTransientTransfer), retryable: false},
		`unclassified`:      {err: errors.New("boom"), retryable: false},
		`credential_expiry`: {err: NewCredentialExpiredError("prod-bucket"), retryable: false},
	}

	for name, tc := range testcases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.retryable, IsRetryable(tc.err))
		})
	}
}

func TestInnermost(t *testing.T) {
	root := errors.New("dial tcp: i/o timeout")
	err := fmt.Errorf("issue: %w", NewAuthenticationError(fmt.Errorf("refresh: %w", root)))
	require.Equal(t, root, Innermost(err))
	require.Nil(t, Innermost(nil))
}

func TestKindRoundTrip(t *testing.T) {
	for _, sentinel := range []error{
		ErrAuthentication,
		ErrCredentialExpired,
		ErrConfiguration,
		ErrTransientTransfer,
		ErrFatalTask,
		ErrTaskTimeout,
		ErrCancelled,
		ErrUnknownFunction,
	} {
		t.Run(sentinel.Error(), func(t *testing.T) {
			original := fmt.Errorf("%w: remote detail", sentinel)
			rebuilt := FromKind(KindOf(original), original.Error())
			require.ErrorIs(t, rebuilt, sentinel)
			require.Equal(t, original.Error(), rebuilt.Error())
		})
	}

	require.NoError(t, FromKind(KindNone, ""))
	require.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	require.Equal(t, KindCancelled, KindOf(context.Canceled))
	require.Equal(t, KindUnknown, KindOf(errors.New("boom")))
}

func TestItemErrorReason(t *testing.T) {
	var testcases = map[string]struct {
		err    error
		reason Reason
	}{
		`timeout`: {
			err:    fmt.Errorf("%w: %w", ErrRetriesExhausted, ErrTaskTimeout),
			reason: ReasonTimeout,
		},
		`retries_exhausted`: {
			err:    fmt.Errorf("%w: %w", ErrRetriesExhausted, NewTransientError(errors.New("503"))),
			reason: ReasonRetriesExhausted,
		},
		`denied`: {
			err:    NewAuthenticationError(errors.New("401")),
			reason: ReasonDenied,
		},
		`expired`: {
			err:    NewCredentialExpiredError("prod-bucket"),
			reason: ReasonExpired,
		},
		`cancelled`: {
			err:    fmt.Errorf("%w: %w", ErrCancelled, context.Canceled),
			reason: ReasonCancelled,
		},
		`failed`: {
			err:    errors.New("boom"),
			reason: ReasonFailed,
		},
	}

	for name, tc := range testcases {
		t.Run(name, func(t *testing.T) {
			itemErr := &ItemError{Index: 37, Item: "s3://bucket/key", Attempts: 3, Err: tc.err}
			require.Equal(t, tc.reason, itemErr.Reason())
			require.ErrorIs(t, itemErr, tc.err)
			require.Contains(t, itemErr.Error(), "item 37 (s3://bucket/key)")
		})
	}
}
