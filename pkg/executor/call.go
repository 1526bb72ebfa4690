package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skyfetch/skyfetch/pkg/authcontext"
	skyerrors "github.com/skyfetch/skyfetch/pkg/errors"
	"github.com/skyfetch/skyfetch/pkg/id"
)

// Call is one invocation of a registered function. A Call carries no credential of its own: the
// function obtains one through the Worker it runs on.
type Call struct {
	ID      string
	Func    string
	Arg     []byte
	Auth    *authcontext.AuthContext
	Timeout time.Duration
}

func (c Call) withID() Call {
	if c.ID == "" {
		c.ID = id.MustNewString()
	}
	return c
}

// State is the lifecycle state of a submitted Call.
type State int32

const (
	StatePending State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

// Future is the handle to a submitted Call.
type Future struct {
	call   Call
	state  atomic.Int32
	done   chan struct{}
	once   sync.Once
	cancel context.CancelFunc

	result []byte
	err    error
}

func newFuture(call Call, cancel context.CancelFunc) *Future {
	if cancel == nil {
		cancel = func() {}
	}
	return &Future{call: call, done: make(chan struct{}), cancel: cancel}
}

func (f *Future) ID() string {
	return f.call.ID
}

func (f *Future) Call() Call {
	return f.call
}

func (f *Future) State() State {
	return State(f.state.Load())
}

// Done is closed once the future reaches a terminal state.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the call finishes or ctx is done. Cancelling ctx does not cancel the call.
func (f *Future) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome of a finished call, or ok=false if it has not finished.
func (f *Future) Result() (result []byte, ok bool, err error) {
	select {
	case <-f.done:
		return f.result, true, f.err
	default:
		return nil, false, nil
	}
}

// Cancel cancels the call. A pending call never starts; a running call has its context cancelled
// and finishes at once, without waiting for a function that ignores the cancellation.
func (f *Future) Cancel() {
	if f.state.CompareAndSwap(int32(StatePending), int32(StateCancelled)) {
		f.finish(nil, fmt.Errorf("%w: %s before it started", skyerrors.ErrCancelled, f.call.ID))
	}
	f.cancel()
}

// start moves a pending future to running. It returns false if the future was cancelled first.
func (f *Future) start() bool {
	return f.state.CompareAndSwap(int32(StatePending), int32(StateRunning))
}

func (f *Future) finish(result []byte, err error) {
	f.once.Do(func() {
		f.result, f.err = result, err
		switch {
		case err == nil:
			f.state.Store(int32(StateCompleted))
		case skyerrors.IsCancellation(err):
			f.state.Store(int32(StateCancelled))
		default:
			f.state.Store(int32(StateFailed))
		}
		f.cancel()
		close(f.done)
	})
}

// completed returns a future that has already finished.
func completed(call Call, result []byte, err error) *Future {
	f := newFuture(call, nil)
	f.finish(result, err)
	return f
}
