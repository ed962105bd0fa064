package actor

import (
	"context"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// promise is the single implementation behind both the Promise and Future
// interfaces. Completion is signalled by closing the done channel, which
// unblocks every pending and future Await.
type promise[T any] struct {
	// once guards Complete so only the first result wins.
	once sync.Once

	// done is closed once the result has been stored.
	done chan struct{}

	// result holds the completed value. It is written exactly once,
	// before done is closed, and only read after done is closed.
	result fn.Result[T]
}

// NewPromise creates an unfulfilled promise.
func NewPromise[T any]() Promise[T] {
	return &promise[T]{
		done: make(chan struct{}),
	}
}

// Complete fulfills the promise with the given result. Only the first call
// stores a result; it reports whether this call was the one that completed
// the promise.
func (p *promise[T]) Complete(result fn.Result[T]) bool {
	completed := false
	p.once.Do(func() {
		p.result = result
		close(p.done)
		completed = true
	})

	return completed
}

// Future returns the consumer side of this promise.
func (p *promise[T]) Future() Future[T] {
	return p
}

// Await blocks until the promise completes or the context is cancelled. On
// cancellation the context error is returned without consuming the eventual
// result, so a later Await can still observe it.
func (p *promise[T]) Await(ctx context.Context) fn.Result[T] {
	select {
	case <-p.done:
		return p.result

	case <-ctx.Done():
		return fn.Err[T](ctx.Err())
	}
}

// OnComplete registers a callback invoked with the result once available. The
// callback runs on a dedicated goroutine. If the context is cancelled before
// completion, the callback receives the cancellation error instead.
func (p *promise[T]) OnComplete(ctx context.Context,
	callback func(fn.Result[T])) {

	go func() {
		callback(p.Await(ctx))
	}()
}

// A compile-time check that promise satisfies both interfaces.
var (
	_ Promise[any] = (*promise[any])(nil)
	_ Future[any]  = (*promise[any])(nil)
)
