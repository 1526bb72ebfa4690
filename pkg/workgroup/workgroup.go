// Package workgroup runs a function over pushed inputs with bounded concurrency.
package workgroup

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is emitted for inputs pushed after the Group was closed.
var ErrClosed = errors.New("workgroup closed")

// Group concurrently performs a defined unit of work over an input set.
//
// Push sends a value to the Group for processing and returns a receive channel that emits at most
// one error and is then closed. Push blocks while the Group is at its concurrency limit. If the
// Group has been closed, or ctx is done before a slot frees up, the input is not processed and
// the channel emits the reason.
//
// Close cancels the context of every running function and waits for them to return.
type Group[T any] interface {
	Push(context.Context, T) <-chan error
	Close() error
}

// boundGroup spawns a goroutine for each input up to a limit. When the group is idle no
// goroutines are running.
type boundGroup[T any] struct {
	wg      sync.WaitGroup
	limiter chan struct{}
	fn      func(context.Context, T) error
	once    sync.Once
	ctx     context.Context
	cancel  context.CancelFunc
}

func (p *boundGroup[T]) Push(ctx context.Context, t T) <-chan error {
	ch := make(chan error, 1)
	fail := func(err error) <-chan error {
		ch <- err
		close(ch)
		return ch
	}

	if p.ctx.Err() != nil {
		return fail(ErrClosed)
	}
	if ctx.Err() != nil {
		return fail(ctx.Err())
	}

	select {
	case <-p.ctx.Done():
		return fail(ErrClosed)
	case <-ctx.Done():
		return fail(ctx.Err())
	case p.limiter <- struct{}{}:
	}

	p.wg.Add(1)
	go func() {
		runCtx, cancel := context.WithCancel(ctx)
		stop := context.AfterFunc(p.ctx, cancel)
		defer func() {
			if r := recover(); r != nil {
				ch <- fmt.Errorf("%v", r)
			}
			stop()
			cancel()
			<-p.limiter
			close(ch)
			p.wg.Done()
		}()
		if err := p.fn(runCtx, t); err != nil {
			ch <- err
		}
	}()
	return ch
}

func (p *boundGroup[T]) Close() error {
	p.once.Do(p.cancel)
	p.wg.Wait()
	return nil
}

// Bound returns a Group that runs fn over each pushed input on its own goroutine, at most limit at
// a time. The context passed to fn is the one given to Push, cancelled as well when the Group is
// closed. An error returned by fn, or a recovered panic, is emitted on the channel returned from
// Push.
func Bound[T any](limit uint32, fn func(context.Context, T) error) Group[T] {
	if limit == 0 {
		limit = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &boundGroup[T]{
		limiter: make(chan struct{}, limit),
		fn:      fn,
		ctx:     ctx,
		cancel:  cancel,
	}
}
