// Package stream maps a function over a lazily produced, possibly unbounded sequence of items on
// top of an executor, holding a bounded number of items in memory at any time.
//
// At most MaxWorkers items are in flight, and at most Prefetch+MaxWorkers items have been pulled
// from the input without their result having been consumed. When that bound is reached the input
// is not pulled again until the caller consumes a result.
//
// Results come out in completion order unless ordered delivery is requested. A failed item does not
// stop its siblings unless fail-fast is configured; failures are yielded alongside successes and
// are also collected for inspection once the map is done.
package stream

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"

	"github.com/skyfetch/skyfetch/internal/build"
	skyerrors "github.com/skyfetch/skyfetch/pkg/errors"
	"github.com/skyfetch/skyfetch/pkg/executor"
	"github.com/skyfetch/skyfetch/pkg/logger"
)

var tracer = otel.Tracer("pkg/stream")

var (
	itemCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "stream_items_total",
		Help:      "The total number of items processed by streaming maps, by outcome.",
	}, []string{"outcome"})

	retryCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "stream_item_retries_total",
		Help:      "The total number of item attempts retried after a retryable failure.",
	})

	itemDurationHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace:                       build.ProjectName,
		Name:                            "stream_item_duration_ms",
		Help:                            "Time from dispatching an item to its result, including retries.",
		Buckets:                         []float64{1, 10, 50, 100, 500, 1000, 5000, 30000, 120000},
		NativeHistogramBucketFactor:     1.1,
		NativeHistogramMaxBucketNumber:  100,
		NativeHistogramMinResetDuration: time.Hour,
	})
)

// Stream holds the configuration of streaming maps over one executor.
type Stream struct {
	exec        executor.Executor
	prefetch    int
	maxWorkers  int
	ordered     bool
	failFast    bool
	retry       RetryPolicy
	taskTimeout time.Duration
	logger      logger.Logger
}

// New returns a Stream over exec. It fails with a configuration error for invalid bounds.
func New(exec executor.Executor, opts ...Option) (*Stream, error) {
	if exec == nil {
		return nil, skyerrors.NewConfigurationError("stream requires an executor")
	}

	s := &Stream{
		exec:       exec,
		prefetch:   -1,
		maxWorkers: exec.MaxWorkers(),
		retry:      DefaultRetryPolicy(),
		logger:     logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.prefetch == -1 {
		s.prefetch = s.maxWorkers
	}

	switch {
	case s.maxWorkers < 1:
		return nil, skyerrors.NewConfigurationError("max workers must be at least 1, got %d", s.maxWorkers)
	case s.maxWorkers > exec.MaxWorkers():
		return nil, skyerrors.NewConfigurationError("max workers %d exceeds the %d of the %s executor", s.maxWorkers, exec.MaxWorkers(), exec.Kind())
	case s.prefetch < 0:
		return nil, skyerrors.NewConfigurationError("prefetch must not be negative, got %d", s.prefetch)
	case s.taskTimeout < 0:
		return nil, skyerrors.NewConfigurationError("task timeout must not be negative, got %s", s.taskTimeout)
	}
	if err := s.retry.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Capacity is the most items that may be pulled from the input without their result having been
// consumed.
func (s *Stream) Capacity() int {
	return s.prefetch + s.maxWorkers
}

func (s *Stream) Executor() executor.Executor {
	return s.exec
}

// Stats counts what happened during a map.
type Stats struct {
	// Dispatched is how many items were pulled from the input and handed to a worker slot.
	Dispatched int64
	Completed  int64
	Failed     int64
	// Retries is how many attempts were repeated after a retryable failure.
	Retries int64
	// MaxOutstanding is the most items that were pulled but not yet consumed at the same time.
	MaxOutstanding int64
	// MaxInFlight is the most attempts that were running at the same time.
	MaxInFlight int64
}
