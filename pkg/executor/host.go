package executor

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/skyfetch/skyfetch/internal/build"
	"github.com/skyfetch/skyfetch/internal/cache"
	"github.com/skyfetch/skyfetch/pkg/authcontext"
	skyerrors "github.com/skyfetch/skyfetch/pkg/errors"
	"github.com/skyfetch/skyfetch/pkg/logger"
)

var workerCacheCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: build.ProjectName,
	Name:      "node_worker_cache_lookups_total",
	Help:      "The total number of worker lookups made by distributed worker nodes, by result.",
}, []string{"result"})

// Node is a long-lived distributed worker process. It keeps one Worker per distinct AuthContext it
// receives, so that the identity is reconstructed once per node rather than once per call. Idle
// workers are dropped after the configured TTL.
type Node struct {
	registry *Registry
	codec    *authcontext.Codec
	workers  cache.InMemoryCache[*Worker]
	opts     *options
	logger   logger.Logger
	mux      http.Handler

	mu sync.Mutex
}

var _ Handler = (*Node)(nil)

func NewNode(opts ...Option) (*Node, error) {
	o := newOptions(opts)
	if o.registry == nil {
		return nil, skyerrors.NewConfigurationError("node requires a function registry")
	}

	workers, err := cache.NewTheineCache(cache.WithMaxCacheSize[*Worker](o.cacheSize))
	if err != nil {
		return nil, skyerrors.NewConfigurationError("worker cache: %v", err)
	}

	n := &Node{
		registry: o.registry,
		codec:    o.codec,
		workers:  workers,
		opts:     o,
		logger:   o.logger,
	}
	n.mux = serveHandler(n, n.logger)
	return n, nil
}

func (n *Node) worker(auth *authcontext.AuthContext) *Worker {
	key := ""
	if auth != nil {
		key = auth.Key()
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if w, ok := n.workers.Get(key); ok {
		workerCacheCounter.WithLabelValues("hit").Inc()
		// refresh the idle deadline
		n.workers.Set(key, w, n.opts.workerTTL)
		return w
	}

	workerCacheCounter.WithLabelValues("miss").Inc()
	w := NewWorker(auth, n.opts.workerConfig())
	n.workers.Set(key, w, n.opts.workerTTL)
	n.logger.Debug("started worker", zap.String("worker_id", w.ID()), zap.String("provider", w.Provider()))
	return w
}

// Handle runs env on the worker for its AuthContext.
func (n *Node) Handle(ctx context.Context, env Envelope) ([]byte, error) {
	auth, err := decodeAuth(n.codec, env)
	if err != nil {
		return nil, err
	}
	fn, err := n.registry.Lookup(env.Func)
	if err != nil {
		return nil, err
	}
	return invoke(ctx, KindDistributed, fn, n.worker(auth), env.call())
}

// ServeHTTP accepts envelopes on POST /v1/tasks.
func (n *Node) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n.mux.ServeHTTP(w, r)
}

func (n *Node) Close() error {
	n.workers.Stop()
	return nil
}

// Function serves serverless invocations. Every invocation is handled as if by a fresh execution
// environment: it gets a new Worker, and with it a new credential manager, that is discarded when
// the invocation returns.
type Function struct {
	registry *Registry
	codec    *authcontext.Codec
	opts     *options
	logger   logger.Logger
	mux      http.Handler
}

var _ Handler = (*Function)(nil)

func NewFunction(opts ...Option) (*Function, error) {
	o := newOptions(opts)
	if o.registry == nil {
		return nil, skyerrors.NewConfigurationError("function requires a function registry")
	}
	f := &Function{registry: o.registry, codec: o.codec, opts: o, logger: o.logger}
	f.mux = serveHandler(f, f.logger)
	return f, nil
}

func (f *Function) Handle(ctx context.Context, env Envelope) ([]byte, error) {
	auth, err := decodeAuth(f.codec, env)
	if err != nil {
		return nil, err
	}
	if auth != nil {
		defer auth.Wipe()
	}
	fn, err := f.registry.Lookup(env.Func)
	if err != nil {
		return nil, err
	}
	cfg := f.opts.workerConfig()
	cfg.ephemeral = true
	return invoke(ctx, KindServerless, fn, NewWorker(auth, cfg), env.call())
}

func (f *Function) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mux.ServeHTTP(w, r)
}

func decodeAuth(codec *authcontext.Codec, env Envelope) (*authcontext.AuthContext, error) {
	if env.Auth == "" {
		return nil, nil
	}
	auth, err := codec.Decode(env.Auth)
	if err != nil {
		return nil, skyerrors.NewAuthenticationError(err)
	}
	return &auth, nil
}
