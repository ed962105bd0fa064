package actor

import (
	"context"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// FunctionBehavior adapts a plain function into an ActorBehavior. This is the
// lightest way to stand up an actor when the behavior carries no state of its
// own, such as the system's dead letter office.
type FunctionBehavior[M Message, R any] struct {
	fn func(ctx context.Context, msg M) fn.Result[R]
}

// NewFunctionBehavior wraps fn as an ActorBehavior.
func NewFunctionBehavior[M Message, R any](
	fn func(ctx context.Context, msg M) fn.Result[R],
) *FunctionBehavior[M, R] {

	return &FunctionBehavior[M, R]{fn: fn}
}

// Receive invokes the wrapped function.
func (b *FunctionBehavior[M, R]) Receive(ctx context.Context,
	msg M) fn.Result[R] {

	return b.fn(ctx, msg)
}

var _ ActorBehavior[Message, any] = (*FunctionBehavior[Message, any])(nil)
