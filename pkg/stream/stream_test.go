package stream

import (
	"context"
	"errors"
	"iter"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/skyfetch/skyfetch/pkg/authcontext"
	skyerrors "github.com/skyfetch/skyfetch/pkg/errors"
	"github.com/skyfetch/skyfetch/pkg/executor"
)

var fastRetries = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: time.Millisecond,
	MaxBackoff:     2 * time.Millisecond,
	Multiplier:     2,
}

// counted yields 0..n-1, or forever if n < 0, and counts how many items were pulled.
func counted(n int, pulled *atomic.Int64) iter.Seq[int] {
	return func(yield func(int) bool) {
		for i := 0; n < 0 || i < n; i++ {
			pulled.Add(1)
			if !yield(i) {
				return
			}
		}
	}
}

func newThreads(t *testing.T, reg *executor.Registry, workers int, opts ...executor.Option) executor.Executor {
	t.Helper()
	e, err := executor.New("threads", append([]executor.Option{
		executor.WithRegistry(reg),
		executor.WithMaxWorkers(workers),
	}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func sleepy(reg *executor.Registry, d time.Duration) executor.Handle[int, int] {
	return executor.MustRegister(reg, "sleepy", func(ctx context.Context, w *executor.Worker, n int) (int, error) {
		select {
		case <-time.After(d):
			return n, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	})
}

func TestNewValidatesBounds(t *testing.T) {
	e := newThreads(t, executor.NewRegistry(), 4)

	tests := map[string][]Option{
		`zero_workers`:      {WithMaxWorkers(0)},
		`negative_prefetch`: {WithPrefetch(-2)},
		`zero_attempts`:     {WithRetryPolicy(RetryPolicy{MaxAttempts: 0, InitialBackoff: time.Millisecond, MaxBackoff: time.Second, Multiplier: 2})},
		`inverted_backoff`:  {WithRetryPolicy(RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: time.Millisecond, Multiplier: 2})},
		`shrinking_backoff`: {WithRetryPolicy(RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Second, Multiplier: 0.5})},
		`negative_timeout`:  {WithTaskTimeout(-time.Second)},
		`above_executor`:    {WithMaxWorkers(5)},
	}
	for name, opts := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := New(e, opts...)
			require.ErrorIs(t, err, skyerrors.ErrConfiguration)
		})
	}

	_, err := New(nil)
	require.ErrorIs(t, err, skyerrors.ErrConfiguration)

	s, err := New(e)
	require.NoError(t, err)
	require.Equal(t, 8, s.Capacity())
}

func TestMapYieldsEveryItemExactlyOnce(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})
	reg := executor.NewRegistry()
	h := sleepy(reg, 10*time.Millisecond)
	e, err := executor.New("threads", executor.WithRegistry(reg), executor.WithMaxWorkers(4))
	require.NoError(t, err)

	s, err := New(e, WithPrefetch(10), WithMaxWorkers(4))
	require.NoError(t, err)

	var pulled atomic.Int64
	results := Map(context.Background(), s, h, counted(1000, &pulled), nil)

	seen := make(map[int]bool, 1000)
	consumed := int64(0)
	for res := range results.All() {
		require.NoError(t, res.Err)
		require.Equal(t, res.Item, res.Value)
		require.False(t, seen[res.Index], "duplicate result for item %d", res.Index)
		seen[res.Index] = true
		consumed++
		// one more item may be pulled and waiting for capacity
		require.LessOrEqual(t, pulled.Load()-consumed, int64(s.Capacity()+1))
	}

	require.Len(t, seen, 1000)
	require.NoError(t, results.Err())
	require.Empty(t, results.Failures())

	stats := results.Stats()
	require.EqualValues(t, 1000, stats.Dispatched)
	require.EqualValues(t, 1000, stats.Completed)
	require.LessOrEqual(t, stats.MaxOutstanding, int64(14))
	require.LessOrEqual(t, stats.MaxInFlight, int64(4))

	require.NoError(t, e.Close())
}

func TestMapAppliesBackpressure(t *testing.T) {
	reg := executor.NewRegistry()
	h := sleepy(reg, 0)
	s, err := New(newThreads(t, reg, 2), WithPrefetch(3), WithMaxWorkers(2))
	require.NoError(t, err)

	var pulled atomic.Int64
	results := Map(context.Background(), s, h, counted(-1, &pulled), nil)

	n := 0
	for range results.All() {
		n++
		if n == 1 {
			// give the producer every chance to run ahead of the consumer
			time.Sleep(100 * time.Millisecond)
			require.LessOrEqual(t, pulled.Load(), int64(s.Capacity()+2))
		}
		if n == 50 {
			break
		}
	}
	require.LessOrEqual(t, results.Stats().MaxOutstanding, int64(s.Capacity()))
}

func TestMapOnSerialExecutorRunsOneItemAtATime(t *testing.T) {
	reg := executor.NewRegistry()
	var running, peak atomic.Int64
	h := executor.MustRegister(reg, "exclusive", func(ctx context.Context, w *executor.Worker, n int) (int, error) {
		storeMax(&peak, running.Add(1))
		defer running.Add(-1)
		time.Sleep(5 * time.Millisecond)
		return n, nil
	})
	e, err := executor.New("serial", executor.WithRegistry(reg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	_, err = New(e, WithMaxWorkers(4))
	require.ErrorIs(t, err, skyerrors.ErrConfiguration)

	s, err := New(e, WithPrefetch(4))
	require.NoError(t, err)

	var pulled atomic.Int64
	n := 0
	for res := range Map(context.Background(), s, h, counted(20, &pulled), nil).All() {
		require.NoError(t, res.Err)
		n++
	}
	require.Equal(t, 20, n)
	require.EqualValues(t, 1, peak.Load())
}

func TestMapRetriesTransientFailure(t *testing.T) {
	reg := executor.NewRegistry()
	var attempts sync.Map
	h := executor.MustRegister(reg, "flaky", func(ctx context.Context, w *executor.Worker, n int) (int, error) {
		v, _ := attempts.LoadOrStore(n, new(atomic.Int32))
		if n == 37 && v.(*atomic.Int32).Add(1) <= 2 {
			return 0, skyerrors.NewTransientError(errors.New("503 slow down"))
		}
		return n * 2, nil
	})

	s, err := New(newThreads(t, reg, 4), WithPrefetch(10), WithRetryPolicy(fastRetries))
	require.NoError(t, err)

	var pulled atomic.Int64
	results := Map(context.Background(), s, h, counted(100, &pulled), nil)

	got := map[int]Result[int, int]{}
	for res := range results.All() {
		got[res.Index] = res
	}

	require.Len(t, got, 100)
	for i, res := range got {
		require.NoError(t, res.Err)
		require.Equal(t, i*2, res.Value)
		if i == 37 {
			require.Equal(t, 3, res.Attempts)
		} else {
			require.Equal(t, 1, res.Attempts)
		}
	}
	require.EqualValues(t, 2, results.Stats().Retries)
	require.Empty(t, results.Failures())
}

func TestMapIsolatesItemFailures(t *testing.T) {
	reg := executor.NewRegistry()
	h := executor.MustRegister(reg, "mixed", func(ctx context.Context, w *executor.Worker, n int) (int, error) {
		switch n {
		case 5:
			return 0, skyerrors.NewFatalError(errors.New("403 forbidden"))
		case 8:
			return 0, skyerrors.NewTransientError(errors.New("connection reset"))
		}
		return n, nil
	})

	s, err := New(newThreads(t, reg, 3), WithRetryPolicy(fastRetries))
	require.NoError(t, err)

	var pulled atomic.Int64
	results := Map(context.Background(), s, h, counted(20, &pulled), nil)

	var ok int
	for res := range results.All() {
		if res.Err == nil {
			ok++
		}
	}
	require.Equal(t, 18, ok)
	require.NoError(t, results.Err())

	failures := map[int]*skyerrors.ItemError{}
	for _, f := range results.Failures() {
		failures[f.Index] = f
	}
	require.Len(t, failures, 2)

	require.Equal(t, skyerrors.ReasonDenied, failures[5].Reason())
	require.Equal(t, 1, failures[5].Attempts)
	require.ErrorContains(t, failures[5].Cause(), "403 forbidden")

	require.Equal(t, skyerrors.ReasonRetriesExhausted, failures[8].Reason())
	require.Equal(t, 3, failures[8].Attempts)
	require.ErrorIs(t, failures[8], skyerrors.ErrTransientTransfer)
	require.Equal(t, "8", failures[8].Item)
}

func TestMapFailFast(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})
	reg := executor.NewRegistry()
	h := executor.MustRegister(reg, "doomed", func(ctx context.Context, w *executor.Worker, n int) (int, error) {
		if n == 3 {
			return 0, skyerrors.NewFatalError(errors.New("bucket does not exist"))
		}
		select {
		case <-time.After(5 * time.Millisecond):
			return n, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	})
	e, err := executor.New("threads", executor.WithRegistry(reg), executor.WithMaxWorkers(2))
	require.NoError(t, err)

	s, err := New(e, WithFailFast(true), WithPrefetch(2))
	require.NoError(t, err)

	var pulled atomic.Int64
	results := Map(context.Background(), s, h, counted(-1, &pulled), nil)
	for range results.All() {
	}

	var itemErr *skyerrors.ItemError
	require.ErrorAs(t, results.Err(), &itemErr)
	require.Equal(t, 3, itemErr.Index)
	require.ErrorIs(t, results.Err(), skyerrors.ErrFatalTask)

	for _, f := range results.Failures() {
		if f.Index != 3 {
			require.Equal(t, skyerrors.ReasonCancelled, f.Reason())
			require.NotErrorIs(t, f, skyerrors.ErrFatalTask)
		}
	}
	require.Less(t, pulled.Load(), int64(100))

	require.NoError(t, e.Close())
}

func TestMapCancel(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})
	reg := executor.NewRegistry()
	h := sleepy(reg, 20*time.Millisecond)
	e, err := executor.New("threads", executor.WithRegistry(reg), executor.WithMaxWorkers(4))
	require.NoError(t, err)

	s, err := New(e, WithPrefetch(4))
	require.NoError(t, err)

	var pulled atomic.Int64
	results := Map(context.Background(), s, h, counted(-1, &pulled), nil)

	var completed, cancelled int
	for res := range results.All() {
		switch {
		case res.Err == nil:
			completed++
			if completed == 10 {
				results.Cancel()
			}
		default:
			require.True(t, skyerrors.IsCancellation(res.Err), res.Err)
			var itemErr *skyerrors.ItemError
			require.ErrorAs(t, res.Err, &itemErr)
			require.Equal(t, skyerrors.ReasonCancelled, itemErr.Reason())
			cancelled++
		}
	}

	require.GreaterOrEqual(t, completed, 10)
	require.LessOrEqual(t, completed+cancelled, 10+s.Capacity())
	require.ErrorIs(t, results.Err(), skyerrors.ErrCancelled)
	stopped := pulled.Load()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, stopped, pulled.Load())

	require.NoError(t, e.Close())
}

func TestMapCancelReportsEveryPulledItem(t *testing.T) {
	reg := executor.NewRegistry()
	h := sleepy(reg, time.Minute)
	s, err := New(newThreads(t, reg, 1), WithPrefetch(0))
	require.NoError(t, err)

	var pulled atomic.Int64
	results := Map(context.Background(), s, h, counted(-1, &pulled), nil)
	go func() {
		time.Sleep(50 * time.Millisecond)
		results.Cancel()
	}()

	yielded := 0
	for res := range results.All() {
		require.True(t, skyerrors.IsCancellation(res.Err), res.Err)
		yielded++
	}

	require.EqualValues(t, 1, pulled.Load())
	require.EqualValues(t, yielded, pulled.Load())
	require.Len(t, results.Failures(), yielded)
	require.ErrorIs(t, results.Err(), skyerrors.ErrCancelled)
}

func TestMapParentContextCancellation(t *testing.T) {
	reg := executor.NewRegistry()
	h := sleepy(reg, time.Minute)
	s, err := New(newThreads(t, reg, 2))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var pulled atomic.Int64
	results := Map(ctx, s, h, counted(-1, &pulled), nil)
	for res := range results.All() {
		require.True(t, skyerrors.IsCancellation(res.Err))
	}
	require.ErrorIs(t, results.Err(), skyerrors.ErrCancelled)
	require.ErrorIs(t, results.Err(), context.DeadlineExceeded)
}

func TestMapBreakStopsEverything(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})
	reg := executor.NewRegistry()
	var running atomic.Int32
	h := executor.MustRegister(reg, "slow", func(ctx context.Context, w *executor.Worker, n int) (int, error) {
		running.Add(1)
		defer running.Add(-1)
		if n < 3 {
			return n, nil
		}
		<-ctx.Done()
		return 0, ctx.Err()
	})
	e, err := executor.New("threads", executor.WithRegistry(reg), executor.WithMaxWorkers(4))
	require.NoError(t, err)

	s, err := New(e, WithOrdered(true))
	require.NoError(t, err)

	var pulled atomic.Int64
	results := Map(context.Background(), s, h, counted(-1, &pulled), nil)
	for res := range results.All() {
		require.NoError(t, res.Err)
		if res.Index == 2 {
			break
		}
	}

	require.Eventually(t, func() bool { return running.Load() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, e.Close())
}

func TestMapOrdered(t *testing.T) {
	reg := executor.NewRegistry()
	h := executor.MustRegister(reg, "jitter", func(ctx context.Context, w *executor.Worker, n int) (int, error) {
		time.Sleep(time.Duration(rand.Intn(4)) * time.Millisecond)
		return n, nil
	})
	s, err := New(newThreads(t, reg, 6), WithOrdered(true), WithPrefetch(5))
	require.NoError(t, err)

	var pulled atomic.Int64
	results := Map(context.Background(), s, h, counted(300, &pulled), nil)

	next := 0
	for res := range results.All() {
		require.NoError(t, res.Err)
		require.Equal(t, next, res.Index)
		next++
	}
	require.Equal(t, 300, next)
	require.LessOrEqual(t, results.Stats().MaxOutstanding, int64(s.Capacity()))
}

func TestMapTimeoutIsRetried(t *testing.T) {
	reg := executor.NewRegistry()
	var calls atomic.Int32
	h := executor.MustRegister(reg, "stuck_once", func(ctx context.Context, w *executor.Worker, n int) (int, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return 0, ctx.Err()
		}
		return n, nil
	})
	s, err := New(newThreads(t, reg, 1), WithTaskTimeout(20*time.Millisecond), WithRetryPolicy(fastRetries))
	require.NoError(t, err)

	var pulled atomic.Int64
	results := Map(context.Background(), s, h, counted(1, &pulled), nil)
	for res := range results.All() {
		require.NoError(t, res.Err)
		require.Equal(t, 2, res.Attempts)
	}
}

func TestMapTimeoutsExhaustRetries(t *testing.T) {
	reg := executor.NewRegistry()
	h := sleepy(reg, time.Minute)
	s, err := New(newThreads(t, reg, 2), WithTaskTimeout(5*time.Millisecond), WithRetryPolicy(fastRetries))
	require.NoError(t, err)

	var pulled atomic.Int64
	results := Map(context.Background(), s, h, counted(2, &pulled), nil)
	for range results.All() {
	}

	failures := results.Failures()
	require.Len(t, failures, 2)
	for _, f := range failures {
		require.Equal(t, skyerrors.ReasonTimeout, f.Reason())
		require.Equal(t, 3, f.Attempts)
	}
}

func TestMapTimesOutItemIgnoringContext(t *testing.T) {
	reg := executor.NewRegistry()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	h := executor.MustRegister(reg, "stubborn", func(ctx context.Context, w *executor.Worker, n int) (int, error) {
		<-release
		return n, nil
	})
	s, err := New(newThreads(t, reg, 2), WithTaskTimeout(20*time.Millisecond), WithRetryPolicy(fastRetries))
	require.NoError(t, err)

	start := time.Now()
	var pulled atomic.Int64
	results := Map(context.Background(), s, h, counted(1, &pulled), nil)
	for res := range results.All() {
		require.ErrorIs(t, res.Err, skyerrors.ErrTaskTimeout)
		require.Equal(t, 3, res.Attempts)
	}
	require.Less(t, time.Since(start), time.Second)

	failures := results.Failures()
	require.Len(t, failures, 1)
	require.Equal(t, skyerrors.ReasonTimeout, failures[0].Reason())
	require.Zero(t, results.Stats().Completed)
}

func TestMapReconstructsIdentityOncePerWorker(t *testing.T) {
	auth := &authcontext.AuthContext{Kind: "basic", Provider: "prod-bucket", Username: "alice", Password: "pw"}

	newRegistry := func() (*executor.Registry, executor.Handle[int, string]) {
		reg := executor.NewRegistry()
		h := executor.MustRegister(reg, "whoami", func(ctx context.Context, w *executor.Worker, n int) (string, error) {
			id, err := w.Identity()
			if err != nil {
				return "", err
			}
			return id.Username(), nil
		})
		return reg, h
	}

	t.Run("threads", func(t *testing.T) {
		reg, h := newRegistry()
		var reconstructions atomic.Int32
		e := newThreads(t, reg, 4, executor.WithReconstructHook(func(*executor.Worker) { reconstructions.Add(1) }))
		s, err := New(e, WithPrefetch(8))
		require.NoError(t, err)

		var pulled atomic.Int64
		for res := range Map(context.Background(), s, h, counted(200, &pulled), auth).All() {
			require.NoError(t, res.Err)
			require.Equal(t, "alice", res.Value)
		}
		require.EqualValues(t, 1, reconstructions.Load())
	})

	t.Run("distributed", func(t *testing.T) {
		reg, h := newRegistry()
		var reconstructions atomic.Int32
		hook := executor.WithReconstructHook(func(*executor.Worker) { reconstructions.Add(1) })

		var nodes []executor.Handler
		for i := 0; i < 3; i++ {
			node, err := executor.NewNode(executor.WithRegistry(reg), hook)
			require.NoError(t, err)
			nodes = append(nodes, node)
		}
		transport, err := executor.NewLocalTransport(nodes...)
		require.NoError(t, err)
		e, err := executor.New("distributed", executor.WithTransport(transport), executor.WithMaxWorkers(6))
		require.NoError(t, err)
		t.Cleanup(func() { _ = e.Close() })

		s, err := New(e)
		require.NoError(t, err)

		var pulled atomic.Int64
		for res := range Map(context.Background(), s, h, counted(90, &pulled), auth).All() {
			require.NoError(t, res.Err)
		}
		require.EqualValues(t, 3, reconstructions.Load())
	})
}

func TestAllIsSingleUse(t *testing.T) {
	reg := executor.NewRegistry()
	h := sleepy(reg, 0)
	s, err := New(newThreads(t, reg, 2))
	require.NoError(t, err)

	var pulled atomic.Int64
	results := Map(context.Background(), s, h, counted(5, &pulled), nil)

	n := 0
	for range results.All() {
		n++
	}
	require.Equal(t, 5, n)

	for range results.All() {
		t.Fatal("second iteration must yield nothing")
	}
}

func TestMapIsLazy(t *testing.T) {
	reg := executor.NewRegistry()
	h := sleepy(reg, 0)
	s, err := New(newThreads(t, reg, 2))
	require.NoError(t, err)

	var pulled atomic.Int64
	results := Map(context.Background(), s, h, counted(5, &pulled), nil)
	time.Sleep(10 * time.Millisecond)
	require.Zero(t, pulled.Load())
	require.Zero(t, results.Stats().Dispatched)
}
