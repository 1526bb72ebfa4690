package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/skyfetch/skyfetch/pkg/authcontext"
	skyerrors "github.com/skyfetch/skyfetch/pkg/errors"
	"github.com/skyfetch/skyfetch/pkg/workgroup"
)

// workerSet holds one Worker per distinct AuthContext. Executors whose calls share memory reuse
// the worker, and with it the reconstructed identity.
type workerSet struct {
	mu      sync.Mutex
	workers map[string]*Worker
	cfg     workerConfig
}

func newWorkerSet(cfg workerConfig) *workerSet {
	return &workerSet{workers: map[string]*Worker{}, cfg: cfg}
}

func (s *workerSet) get(auth *authcontext.AuthContext) *Worker {
	key := ""
	if auth != nil {
		key = auth.Key()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[key]
	if !ok {
		w = NewWorker(auth, s.cfg)
		s.workers[key] = w
	}
	return w
}

func (s *workerSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// run executes a pending future on w.
func run(ctx context.Context, kind Kind, registry *Registry, w *Worker, f *Future) {
	if !f.start() {
		return
	}
	fn, err := registry.Lookup(f.call.Func)
	if err != nil {
		f.finish(nil, err)
		return
	}
	f.finish(invoke(ctx, kind, fn, w, f.call))
}

// serial runs each call inline in Submit. It is meant for debugging and deterministic tests.
type serial struct {
	registry *Registry
	workers  *workerSet
	closed   atomic.Bool
}

var _ Executor = (*serial)(nil)

func newSerial(o *options) *serial {
	return &serial{registry: o.registry, workers: newWorkerSet(o.workerConfig())}
}

func (e *serial) Submit(ctx context.Context, call Call) (*Future, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	call = call.withID()

	ctx, cancel := context.WithCancel(ctx)
	f := newFuture(call, cancel)
	if err := ctx.Err(); err != nil {
		f.finish(nil, fmt.Errorf("%w: %w", skyerrors.ErrCancelled, err))
		return f, nil
	}
	run(ctx, KindSerial, e.registry, e.workers.get(call.Auth), f)
	return f, nil
}

func (e *serial) Kind() Kind      { return KindSerial }
func (e *serial) MaxWorkers() int { return 1 }

func (e *serial) Close() error {
	e.closed.Store(true)
	return nil
}

// threads runs calls on a bounded set of goroutines. All goroutines share one Worker per
// AuthContext.
type threads struct {
	registry   *Registry
	workers    *workerSet
	group      workgroup.Group[*Future]
	maxWorkers int
	closed     atomic.Bool
}

var _ Executor = (*threads)(nil)

func newThreads(o *options) *threads {
	e := &threads{
		registry:   o.registry,
		workers:    newWorkerSet(o.workerConfig()),
		maxWorkers: o.maxWorkers,
	}
	e.group = workgroup.Bound(uint32(o.maxWorkers), func(ctx context.Context, f *Future) error {
		run(ctx, KindThreads, e.registry, e.workers.get(f.call.Auth), f)
		return nil
	})
	return e
}

func (e *threads) Submit(ctx context.Context, call Call) (*Future, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	call = call.withID()

	ctx, cancel := context.WithCancel(ctx)
	f := newFuture(call, cancel)
	dispatch(ctx, e.group, f)
	return f, nil
}

func (e *threads) Kind() Kind      { return KindThreads }
func (e *threads) MaxWorkers() int { return e.maxWorkers }

func (e *threads) Close() error {
	e.closed.Store(true)
	return e.group.Close()
}

// dispatch pushes f onto group, blocking until a slot is free. If f never gets to run, it is
// finished as cancelled.
func dispatch(ctx context.Context, group workgroup.Group[*Future], f *Future) {
	ch := group.Push(ctx, f)
	select {
	case err, ok := <-ch:
		// the push failed without running f, or f already finished
		if ok && err != nil {
			f.finish(nil, fmt.Errorf("%w: %w", skyerrors.ErrCancelled, err))
		}
	default:
		go func() {
			if err := <-ch; err != nil {
				f.finish(nil, fmt.Errorf("%w: %w", skyerrors.ErrCancelled, err))
			}
		}()
	}
}
