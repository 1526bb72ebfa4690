// Package executor submits named functions for execution on one of several backends: inline,
// on a bounded pool of goroutines, on remote worker nodes, or on serverless function endpoints.
//
// Functions reach their credentials through the Worker they run on. A Worker rebuilds its identity
// from the call's AuthContext the first time a function asks for it, so the cost of
// authentication is paid once per worker rather than once per call.
package executor

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/skyfetch/skyfetch/internal/build"
	"github.com/skyfetch/skyfetch/pkg/authcontext"
	skyerrors "github.com/skyfetch/skyfetch/pkg/errors"
	"github.com/skyfetch/skyfetch/pkg/identity"
	"github.com/skyfetch/skyfetch/pkg/logger"
)

var tracer = otel.Tracer("pkg/executor")

var ErrClosed = errors.New("executor closed")

var (
	taskCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "executor_tasks_total",
		Help:      "The total number of calls run by executors, by executor kind and outcome.",
	}, []string{"executor", "outcome"})

	taskDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:                       build.ProjectName,
		Name:                            "executor_task_duration_ms",
		Help:                            "Time spent running a single call.",
		Buckets:                         []float64{1, 10, 50, 100, 500, 1000, 5000, 30000, 120000},
		NativeHistogramBucketFactor:     1.1,
		NativeHistogramMaxBucketNumber:  100,
		NativeHistogramMinResetDuration: time.Hour,
	}, []string{"executor"})

	identityReconstructionCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "identity_reconstructions_total",
		Help:      "The total number of identities rebuilt from an AuthContext by workers.",
	})
)

// Kind names an executor backend.
type Kind string

const (
	KindSerial      Kind = "serial"
	KindThreads     Kind = "threads"
	KindDistributed Kind = "distributed"
	KindServerless  Kind = "serverless"
)

// ParseKind maps a configuration value to a Kind. The empty string and "none" select the serial
// executor.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "serial":
		return KindSerial, nil
	case "threads":
		return KindThreads, nil
	case "distributed":
		return KindDistributed, nil
	case "serverless":
		return KindServerless, nil
	default:
		return "", skyerrors.NewConfigurationError("unknown executor kind %q", s)
	}
}

// Executor runs submitted calls.
type Executor interface {
	// Submit schedules call and returns its future. The call runs under ctx: cancelling ctx cancels
	// the call. Submit blocks while every worker slot is busy.
	Submit(ctx context.Context, call Call) (*Future, error)

	Kind() Kind

	// MaxWorkers is how many calls may run at once.
	MaxWorkers() int

	// Close cancels running calls and releases resources. Calls submitted afterwards fail with
	// ErrClosed.
	Close() error
}

type options struct {
	maxWorkers    int
	registry      *Registry
	transport     Transport
	codec         *authcontext.Codec
	logger        logger.Logger
	identityOpts  []identity.Option
	onReconstruct func(*Worker)
	cacheSize     int64
	workerTTL     time.Duration
}

// Option configures executors and the hosts that serve remote calls.
type Option func(*options)

func WithMaxWorkers(n int) Option {
	return func(o *options) {
		o.maxWorkers = n
	}
}

// WithRegistry sets the functions calls are resolved against.
func WithRegistry(r *Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

// WithTransport sets how distributed and serverless executors reach their workers.
func WithTransport(t Transport) Option {
	return func(o *options) {
		o.transport = t
	}
}

// WithCodec sets the codec AuthContexts are serialized with when they leave the process.
func WithCodec(c *authcontext.Codec) Option {
	return func(o *options) {
		o.codec = c
	}
}

func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithIdentityOptions are applied to every identity a worker reconstructs.
func WithIdentityOptions(opts ...identity.Option) Option {
	return func(o *options) {
		o.identityOpts = append(o.identityOpts, opts...)
	}
}

// WithReconstructHook is called each time a worker reconstructs its identity.
func WithReconstructHook(fn func(*Worker)) Option {
	return func(o *options) {
		o.onReconstruct = fn
	}
}

// WithWorkerCache bounds how many workers a Node keeps and how long an idle one is kept.
func WithWorkerCache(size int64, ttl time.Duration) Option {
	return func(o *options) {
		o.cacheSize = size
		o.workerTTL = ttl
	}
}

func newOptions(opts []Option) *options {
	o := &options{
		maxWorkers: runtime.GOMAXPROCS(0),
		logger:     logger.NewNoopLogger(),
		cacheSize:  1000,
		workerTTL:  30 * time.Minute,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.codec == nil {
		o.codec = authcontext.NewCodec(nil)
	}
	return o
}

func (o *options) workerConfig() workerConfig {
	return workerConfig{
		identityOpts:  o.identityOpts,
		logger:        o.logger,
		onReconstruct: o.onReconstruct,
	}
}

func (o *options) validate(kind Kind) error {
	if o.maxWorkers < 1 {
		return skyerrors.NewConfigurationError("max workers must be at least 1, got %d", o.maxWorkers)
	}
	if o.registry == nil && (kind == KindSerial || kind == KindThreads) {
		return skyerrors.NewConfigurationError("%s executor requires a function registry", kind)
	}
	if o.transport == nil && (kind == KindDistributed || kind == KindServerless) {
		return skyerrors.NewConfigurationError("%s executor requires a transport", kind)
	}
	return nil
}

// New returns an executor for kind, which is a Kind, one of the strings accepted by ParseKind,
// nil for the serial executor, or an Executor which is returned as is.
func New(kind any, opts ...Option) (Executor, error) {
	var k Kind
	switch v := kind.(type) {
	case nil:
		k = KindSerial
	case Executor:
		return v, nil
	case Kind:
		parsed, err := ParseKind(string(v))
		if err != nil {
			return nil, err
		}
		k = parsed
	case string:
		parsed, err := ParseKind(v)
		if err != nil {
			return nil, err
		}
		k = parsed
	default:
		return nil, skyerrors.NewConfigurationError("unsupported executor value of type %T", kind)
	}

	o := newOptions(opts)
	if err := o.validate(k); err != nil {
		return nil, err
	}

	switch k {
	case KindSerial:
		return newSerial(o), nil
	case KindThreads:
		return newThreads(o), nil
	case KindDistributed, KindServerless:
		return newRemote(k, o), nil
	}
	return nil, skyerrors.NewConfigurationError("unknown executor kind %q", k)
}

// Map submits calls in order and yields their results in the same order. At most MaxWorkers
// calls are outstanding at a time. Stopping the iteration cancels the outstanding calls.
func Map(ctx context.Context, e Executor, calls iter.Seq[Call]) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		window := make([]*Future, 0, e.MaxWorkers())
		pop := func() bool {
			f := window[0]
			window = window[1:]
			return yield(f.Wait(context.Background()))
		}

		for call := range calls {
			if len(window) == e.MaxWorkers() {
				if !pop() {
					return
				}
			}
			f, err := e.Submit(ctx, call)
			if err != nil {
				yield(nil, err)
				return
			}
			window = append(window, f)
		}
		for len(window) > 0 {
			if !pop() {
				return
			}
		}
	}
}

// invoke runs fn for call on w, applying the call's timeout and classifying the error.
func invoke(ctx context.Context, kind Kind, fn Func, w *Worker, call Call) (out []byte, err error) {
	ctx, span := tracer.Start(ctx, "executor.Invoke", trace.WithAttributes(
		attribute.String("executor", string(kind)),
		attribute.String("func", call.Func),
		attribute.String("call_id", call.ID),
		attribute.String("worker_id", w.ID()),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		taskDurationHistogram.WithLabelValues(string(kind)).Observe(float64(time.Since(start).Milliseconds()))
		taskCounter.WithLabelValues(string(kind), outcome(err)).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	parent := ctx
	if call.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, call.Timeout)
		defer cancel()
	}

	if w.auth != nil {
		// reconstruct before the function's first I/O; a no-op after the worker's first call
		if _, err := w.Identity(); err != nil {
			return nil, err
		}
	}

	// a function that ignores ctx is abandoned once ctx is done; its late result is discarded
	done := make(chan invocation, 1)
	go func() {
		var res invocation
		defer func() {
			if r := recover(); r != nil {
				res = invocation{err: skyerrors.NewFatalError(fmt.Errorf("panic in %s: %v", call.Func, r))}
			}
			done <- res
		}()
		res.out, res.err = fn(ctx, w, call.Arg)
	}()

	select {
	case res := <-done:
		out, err = res.out, res.err
	case <-ctx.Done():
		out, err = nil, ctx.Err()
	}
	if err == nil && !expired(ctx, call) {
		return out, nil
	}
	if err == nil {
		err = ctx.Err()
	}

	switch {
	case parent.Err() != nil:
		if !skyerrors.IsCancellation(err) {
			err = fmt.Errorf("%w: %w", skyerrors.ErrCancelled, err)
		}
	case expired(ctx, call):
		err = fmt.Errorf("%w: %s exceeded %s: %w", skyerrors.ErrTaskTimeout, call.Func, call.Timeout, err)
	}
	return nil, err
}

type invocation struct {
	out []byte
	err error
}

// expired reports whether call ran past its own timeout.
func expired(ctx context.Context, call Call) bool {
	return call.Timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func outcome(err error) string {
	if err == nil {
		return "completed"
	}
	return string(skyerrors.KindOf(err))
}
