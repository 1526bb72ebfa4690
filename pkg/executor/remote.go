package executor

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/skyfetch/skyfetch/pkg/authcontext"
	skyerrors "github.com/skyfetch/skyfetch/pkg/errors"
	"github.com/skyfetch/skyfetch/pkg/workgroup"
)

// Transport delivers an envelope to a remote host and returns the call's result.
type Transport interface {
	RoundTrip(ctx context.Context, env Envelope) ([]byte, error)
	Close() error
}

// remote ships calls to processes that share no memory with the submitter. Every envelope carries
// its own serialized AuthContext; the submitter's identity never leaves the process.
type remote struct {
	kind       Kind
	transport  Transport
	codec      *authcontext.Codec
	group      workgroup.Group[*Future]
	maxWorkers int
	closed     atomic.Bool
}

var _ Executor = (*remote)(nil)

func newRemote(kind Kind, o *options) *remote {
	e := &remote{
		kind:       kind,
		transport:  o.transport,
		codec:      o.codec,
		maxWorkers: o.maxWorkers,
	}
	e.group = workgroup.Bound(uint32(o.maxWorkers), e.send)
	return e
}

func (e *remote) Submit(ctx context.Context, call Call) (*Future, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	call = call.withID()

	ctx, cancel := context.WithCancel(ctx)
	f := newFuture(call, cancel)
	dispatch(ctx, e.group, f)
	return f, nil
}

func (e *remote) send(ctx context.Context, f *Future) error {
	if !f.start() {
		return nil
	}

	env := Envelope{
		ID:        f.call.ID,
		Func:      f.call.Func,
		Arg:       f.call.Arg,
		TimeoutMS: f.call.Timeout.Milliseconds(),
	}
	if f.call.Auth != nil {
		encoded, err := e.codec.Encode(*f.call.Auth)
		if err != nil {
			f.finish(nil, skyerrors.NewFatalError(err))
			return nil
		}
		env.Auth = encoded
	}

	out, err := e.transport.RoundTrip(ctx, env)
	if err != nil && ctx.Err() != nil && !skyerrors.IsCancellation(err) {
		err = fmt.Errorf("%w: %w", skyerrors.ErrCancelled, err)
	}
	taskCounter.WithLabelValues(string(e.kind), outcome(err)).Inc()
	f.finish(out, err)
	return nil
}

func (e *remote) Kind() Kind      { return e.kind }
func (e *remote) MaxWorkers() int { return e.maxWorkers }

func (e *remote) Close() error {
	e.closed.Store(true)
	if err := e.group.Close(); err != nil {
		return err
	}
	return e.transport.Close()
}
