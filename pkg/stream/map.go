package stream

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/emirpasic/gods/utils"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/skyfetch/skyfetch/internal/concurrency"
	"github.com/skyfetch/skyfetch/pkg/authcontext"
	skyerrors "github.com/skyfetch/skyfetch/pkg/errors"
	"github.com/skyfetch/skyfetch/pkg/executor"
)

// Result is the outcome of one item. Err is nil or an *errors.ItemError.
type Result[T, R any] struct {
	Index    int
	Item     T
	Value    R
	Attempts int
	Err      error
}

// Results is a running map. Iterate it with All.
type Results[T, R any] struct {
	s     *Stream
	h     executor.Handle[T, R]
	items iter.Seq[T]
	auth  *authcontext.AuthContext

	ctx    context.Context
	cancel context.CancelCauseFunc
	span   trace.Span

	sem     *semaphore.Weighted
	results chan Result[T, R]
	started atomic.Bool

	mu          sync.Mutex
	failures    []*skyerrors.ItemError
	failErr     error
	interrupted bool

	dispatched     atomic.Int64
	completed      atomic.Int64
	failed         atomic.Int64
	retries        atomic.Int64
	outstanding    atomic.Int64
	maxOutstanding atomic.Int64
	inFlight       atomic.Int64
	maxInFlight    atomic.Int64
}

// Map applies h to every item. Nothing is pulled from items or dispatched until All is called.
// auth is the snapshot every worker reconstructs its identity from; it may be nil for functions
// that need no authentication.
func Map[T, R any](ctx context.Context, s *Stream, h executor.Handle[T, R], items iter.Seq[T], auth *authcontext.AuthContext) *Results[T, R] {
	ctx, cancel := context.WithCancelCause(ctx)
	return &Results[T, R]{
		s:       s,
		h:       h,
		items:   items,
		auth:    auth,
		ctx:     ctx,
		cancel:  cancel,
		sem:     semaphore.NewWeighted(int64(s.Capacity())),
		results: make(chan Result[T, R], s.Capacity()),
	}
}

// All yields results as they become available. It may be iterated only once; later calls yield
// nothing. Stopping the iteration early cancels every outstanding item.
func (r *Results[T, R]) All() iter.Seq[Result[T, R]] {
	return func(yield func(Result[T, R]) bool) {
		if !r.started.CompareAndSwap(false, true) {
			return
		}
		r.start()
		defer r.stop()

		if r.s.ordered {
			r.yieldOrdered(yield)
			return
		}
		for res := range r.results {
			r.release()
			if !yield(res) {
				return
			}
		}
	}
}

// yieldOrdered holds back results that complete ahead of their predecessors. Held results keep
// their slot until they are yielded.
func (r *Results[T, R]) yieldOrdered(yield func(Result[T, R]) bool) {
	pending := redblacktree.NewWith(utils.IntComparator)
	next := 0
	for res := range r.results {
		pending.Put(res.Index, res)
		for {
			v, ok := pending.Get(next)
			if !ok {
				break
			}
			pending.Remove(next)
			next++
			r.release()
			if !yield(v.(Result[T, R])) {
				return
			}
		}
	}
}

// Cancel stops the map. Items not yet pulled are never pulled, and outstanding items finish with a
// cancellation error.
func (r *Results[T, R]) Cancel() {
	r.cancel(skyerrors.ErrCancelled)
}

// Failures returns the items that failed so far.
func (r *Results[T, R]) Failures() []*skyerrors.ItemError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*skyerrors.ItemError(nil), r.failures...)
}

// Err reports why the map stopped before exhausting its input: the first failure under fail-fast,
// or the cancellation. It is nil if every item was processed, even if some of them failed.
func (r *Results[T, R]) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.failErr != nil:
		return r.failErr
	case r.interrupted:
		return cancelled(r.ctx)
	default:
		return nil
	}
}

func (r *Results[T, R]) interrupt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interrupted = true
}

func (r *Results[T, R]) Stats() Stats {
	return Stats{
		Dispatched:     r.dispatched.Load(),
		Completed:      r.completed.Load(),
		Failed:         r.failed.Load(),
		Retries:        r.retries.Load(),
		MaxOutstanding: r.maxOutstanding.Load(),
		MaxInFlight:    r.maxInFlight.Load(),
	}
}

func (r *Results[T, R]) start() {
	_, r.span = tracer.Start(r.ctx, "stream.Map", trace.WithAttributes(
		attribute.String("func", r.h.Name()),
		attribute.String("executor", string(r.s.exec.Kind())),
		attribute.Int("max_workers", r.s.maxWorkers),
		attribute.Int("prefetch", r.s.prefetch),
		attribute.Bool("ordered", r.s.ordered),
	))
	go r.produce()
}

// stop cancels whatever is still running and waits for it to finish.
func (r *Results[T, R]) stop() {
	r.cancel(nil)
	for range r.results {
		r.release()
	}

	stats := r.Stats()
	r.span.SetAttributes(
		attribute.Int64("dispatched", stats.Dispatched),
		attribute.Int64("failed", stats.Failed),
		attribute.Int64("retries", stats.Retries),
	)
	r.span.End()
	r.s.logger.Debug("stream finished",
		zap.String("func", r.h.Name()),
		zap.Int64("dispatched", stats.Dispatched),
		zap.Int64("completed", stats.Completed),
		zap.Int64("failed", stats.Failed),
		zap.Int64("retries", stats.Retries),
		zap.Int64("max_outstanding", stats.MaxOutstanding))
}

// produce pulls items while there is capacity and hands each to a worker slot. A slot is taken
// before an item is pulled, so every pulled item produces a result. It closes the results channel
// once every dispatched item has produced its result.
func (r *Results[T, R]) produce() {
	pool := concurrency.NewPool(r.ctx, r.s.maxWorkers)
	defer func() {
		_ = pool.Wait()
		close(r.results)
	}()

	next, stop := iter.Pull(r.items)
	defer stop()

	for index := 0; ; index++ {
		if err := r.sem.Acquire(r.ctx, 1); err != nil {
			r.interrupt()
			return
		}
		if r.ctx.Err() != nil {
			r.sem.Release(1)
			r.interrupt()
			return
		}
		item, ok := next()
		if !ok {
			r.sem.Release(1)
			return
		}
		r.acquired()
		r.dispatched.Add(1)

		pool.Go(func(ctx context.Context) error {
			res := r.process(ctx, index, item)
			r.results <- res
			if res.Err != nil && r.s.failFast && !skyerrors.IsCancellation(res.Err) {
				return res.Err
			}
			return nil
		})
	}
}

// process runs one item to completion, retrying retryable failures. It always returns a result.
func (r *Results[T, R]) process(ctx context.Context, index int, item T) (res Result[T, R]) {
	res = Result[T, R]{Index: index, Item: item}
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			res.Err = skyerrors.NewFatalError(fmt.Errorf("panic processing item: %v", p))
		}
		itemDurationHistogram.Observe(float64(time.Since(start).Milliseconds()))
		if res.Err != nil {
			res.Err = r.fail(index, item, res.Attempts, res.Err)
			return
		}
		r.completed.Add(1)
		itemCounter.WithLabelValues("completed").Inc()
	}()

	call, err := r.h.Call(item)
	if err != nil {
		res.Err = skyerrors.NewFatalError(err)
		return res
	}
	call.Auth = r.auth
	call.Timeout = r.s.taskTimeout

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.s.retry.InitialBackoff
	policy.MaxInterval = r.s.retry.MaxBackoff
	policy.Multiplier = r.s.retry.Multiplier
	policy.MaxElapsedTime = 0

	var out []byte
	err = backoff.RetryNotify(
		func() error {
			if ctx.Err() != nil {
				return backoff.Permanent(cancelled(ctx))
			}
			res.Attempts++
			var err error
			out, err = r.attempt(ctx, call)
			if err != nil && (!skyerrors.IsRetryable(err) || skyerrors.IsCancellation(err)) {
				return backoff.Permanent(err)
			}
			return err
		},
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.s.retry.MaxAttempts-1)), ctx),
		func(err error, next time.Duration) {
			r.retries.Add(1)
			retryCounter.Inc()
			r.s.logger.Warn("item failed, retrying",
				zap.Int("index", index),
				zap.Int("attempt", res.Attempts),
				zap.Duration("backoff", next),
				zap.Error(err))
		},
	)

	switch {
	case err == nil:
	case ctx.Err() != nil && (skyerrors.IsCancellation(err) || skyerrors.IsRetryable(err)):
		if !errors.Is(err, skyerrors.ErrCancelled) {
			err = fmt.Errorf("%w: %w", cancelled(ctx), err)
		}
	case skyerrors.IsRetryable(err) && res.Attempts >= r.s.retry.MaxAttempts:
		err = fmt.Errorf("%w after %d attempts: %w", skyerrors.ErrRetriesExhausted, res.Attempts, err)
	}
	if err != nil {
		res.Err = err
		return res
	}

	res.Value, err = r.h.Decode(out)
	if err != nil {
		res.Err = err
	}
	return res
}

func (r *Results[T, R]) attempt(ctx context.Context, call executor.Call) ([]byte, error) {
	n := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	storeMax(&r.maxInFlight, n)

	f, err := r.s.exec.Submit(ctx, call)
	if err != nil {
		return nil, err
	}
	// the executor finishes the call once ctx is done, whether or not the function returns
	return f.Wait(context.Background())
}

// fail records a failed item and, under fail-fast, stops the map.
func (r *Results[T, R]) fail(index int, item T, attempts int, err error) error {
	itemErr := &skyerrors.ItemError{Index: index, Item: fmt.Sprint(item), Attempts: attempts, Err: err}
	r.failed.Add(1)
	itemCounter.WithLabelValues(string(itemErr.Reason())).Inc()

	r.mu.Lock()
	r.failures = append(r.failures, itemErr)
	if skyerrors.IsCancellation(err) {
		r.interrupted = true
	}
	stop := r.s.failFast && r.failErr == nil && !skyerrors.IsCancellation(err)
	if stop {
		r.failErr = itemErr
	}
	r.mu.Unlock()

	if stop {
		r.s.logger.Error("item failed, stopping", zap.Error(itemErr))
		r.cancel(itemErr)
	}
	return itemErr
}

func (r *Results[T, R]) acquired() {
	storeMax(&r.maxOutstanding, r.outstanding.Add(1))
}

func (r *Results[T, R]) release() {
	r.outstanding.Add(-1)
	r.sem.Release(1)
}

// cancelled describes why ctx was cancelled. The failure that triggered a fail-fast stop is
// quoted rather than wrapped, so that siblings cancelled by it are not mistaken for it.
func cancelled(ctx context.Context) error {
	cause := context.Cause(ctx)
	var itemErr *skyerrors.ItemError
	switch {
	case cause == nil || errors.Is(cause, skyerrors.ErrCancelled):
		return skyerrors.ErrCancelled
	case errors.As(cause, &itemErr):
		return fmt.Errorf("%w: stopped after item %d failed", skyerrors.ErrCancelled, itemErr.Index)
	default:
		return fmt.Errorf("%w: %w", skyerrors.ErrCancelled, cause)
	}
}

func storeMax(v *atomic.Int64, n int64) {
	for {
		old := v.Load()
		if n <= old || v.CompareAndSwap(old, n) {
			return
		}
	}
}
