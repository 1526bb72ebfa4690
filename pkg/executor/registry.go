package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"

	skyerrors "github.com/skyfetch/skyfetch/pkg/errors"
)

// Func is a function that can be submitted by name. It receives the Worker it runs on, from which
// it obtains an identity and credentials, and its argument in encoded form.
type Func func(ctx context.Context, w *Worker, arg []byte) ([]byte, error)

// Registry maps function names to functions. A call refers to its function by name so that it can
// be executed by a process other than the one that submitted it; every process taking part in an
// execution must register the same names.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: map[string]Func{}}
}

// Register adds fn under name. Registering a name twice is an error.
func (r *Registry) Register(name string, fn Func) error {
	if name == "" || fn == nil {
		return skyerrors.NewConfigurationError("function name and body are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.funcs[name]; ok {
		return skyerrors.NewConfigurationError("function %q is already registered", name)
	}
	r.funcs[name] = fn
	return nil
}

func (r *Registry) Lookup(name string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", skyerrors.ErrUnknownFunction, name)
	}
	return fn, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.funcs))
}

// Handle is a typed reference to a function registered with Register. Arguments and results are
// encoded as JSON.
type Handle[T, R any] struct {
	name string
}

// Register adds a typed function to r and returns its handle.
func Register[T, R any](r *Registry, name string, fn func(ctx context.Context, w *Worker, arg T) (R, error)) (Handle[T, R], error) {
	err := r.Register(name, func(ctx context.Context, w *Worker, raw []byte) ([]byte, error) {
		var arg T
		if err := json.Unmarshal(raw, &arg); err != nil {
			return nil, skyerrors.NewFatalError(fmt.Errorf("decode argument of %s: %w", name, err))
		}
		out, err := fn(ctx, w, arg)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	})
	if err != nil {
		return Handle[T, R]{}, err
	}
	return Handle[T, R]{name: name}, nil
}

// MustRegister is Register for package-level registrations.
func MustRegister[T, R any](r *Registry, name string, fn func(ctx context.Context, w *Worker, arg T) (R, error)) Handle[T, R] {
	h, err := Register(r, name, fn)
	if err != nil {
		panic(err)
	}
	return h
}

// HandleOf returns a handle for a function registered elsewhere under name.
func HandleOf[T, R any](name string) Handle[T, R] {
	return Handle[T, R]{name: name}
}

func (h Handle[T, R]) Name() string {
	return h.name
}

// Call builds a call of the function with arg.
func (h Handle[T, R]) Call(arg T) (Call, error) {
	raw, err := json.Marshal(arg)
	if err != nil {
		return Call{}, fmt.Errorf("encode argument of %s: %w", h.name, err)
	}
	return Call{Func: h.name, Arg: raw}, nil
}

// Decode decodes the result of a call of the function.
func (h Handle[T, R]) Decode(raw []byte) (R, error) {
	var out R
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, skyerrors.NewFatalError(fmt.Errorf("decode result of %s: %w", h.name, err))
	}
	return out, nil
}
