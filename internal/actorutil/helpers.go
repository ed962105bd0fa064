// Package actorutil provides small conveniences for asking actors built on
// baselib/actor and unpacking their replies.
package actorutil

import (
	"context"
	"fmt"

	"github.com/roasbeef/revbroker/internal/baselib/actor"
)

// AskAwait sends an Ask message to an actor and blocks until the response
// is available, unpacking the Result into a value or error.
func AskAwait[M actor.Message, R any](
	ctx context.Context,
	ref actor.ActorRef[M, R],
	msg M,
) (R, error) {

	future := ref.Ask(ctx, msg)
	result := future.Await(ctx)
	return result.Unpack()
}

// AskAwaitTyped is AskAwait plus a type assertion on the response. Useful
// when the actor's response type is a union and the caller wants one
// concrete arm of it.
func AskAwaitTyped[M actor.Message, R any, T any](
	ctx context.Context,
	ref actor.ActorRef[M, R],
	msg M,
) (T, error) {

	resp, err := AskAwait(ctx, ref, msg)
	if err != nil {
		var zero T
		return zero, err
	}

	typed, ok := any(resp).(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf(
			"unexpected response type: got %T, want %T",
			resp, zero,
		)
	}

	return typed, nil
}
