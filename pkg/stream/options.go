package stream

import (
	"time"

	skyerrors "github.com/skyfetch/skyfetch/pkg/errors"
	"github.com/skyfetch/skyfetch/pkg/logger"
)

const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 200 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second
	DefaultMultiplier     = 2.0
)

// RetryPolicy bounds the retries of a single item. Only failures classified as retryable, such as
// transient transfer errors and task timeouts, are retried.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    DefaultMaxAttempts,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		Multiplier:     DefaultMultiplier,
	}
}

func (p RetryPolicy) validate() error {
	switch {
	case p.MaxAttempts < 1:
		return skyerrors.NewConfigurationError("retry attempts must be at least 1, got %d", p.MaxAttempts)
	case p.InitialBackoff <= 0 || p.MaxBackoff < p.InitialBackoff:
		return skyerrors.NewConfigurationError("invalid retry backoff bounds %s..%s", p.InitialBackoff, p.MaxBackoff)
	case p.Multiplier < 1:
		return skyerrors.NewConfigurationError("retry multiplier must be at least 1, got %v", p.Multiplier)
	}
	return nil
}

type Option func(*Stream)

// WithPrefetch sets how many results may be buffered beyond the ones in flight.
func WithPrefetch(n int) Option {
	return func(s *Stream) {
		s.prefetch = n
	}
}

// WithMaxWorkers sets how many items may be in flight at once. It defaults to the executor's
// MaxWorkers.
func WithMaxWorkers(n int) Option {
	return func(s *Stream) {
		s.maxWorkers = n
	}
}

// WithOrdered makes results come out in input order. Completions that arrive early are held
// back, and count against the prefetch bound, until their predecessors have been yielded.
func WithOrdered(ordered bool) Option {
	return func(s *Stream) {
		s.ordered = ordered
	}
}

// WithFailFast cancels the whole map on the first item that fails for a reason other than
// cancellation.
func WithFailFast(failFast bool) Option {
	return func(s *Stream) {
		s.failFast = failFast
	}
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Stream) {
		s.retry = p
	}
}

// WithTaskTimeout bounds each attempt of each item. A timed-out attempt is retried.
func WithTaskTimeout(d time.Duration) Option {
	return func(s *Stream) {
		s.taskTimeout = d
	}
}

func WithLogger(l logger.Logger) Option {
	return func(s *Stream) {
		s.logger = l
	}
}
