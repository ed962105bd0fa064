package actor

import (
	"context"
	"errors"
	"iter"

	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrActorTerminated indicates that an operation failed because the
	// target actor was terminated or in the process of shutting down.
	ErrActorTerminated = errors.New("actor terminated")

	// ErrServiceKeyTypeMismatch indicates that a registration attempt
	// failed because the service key name is already registered with a
	// different message or response type.
	ErrServiceKeyTypeMismatch = errors.New("service key type mismatch")

	// ErrNoServiceRegistered is returned by a router Ask when the
	// receptionist has no live registrations for the requested service
	// key.
	ErrNoServiceRegistered = errors.New(
		"no actors registered for service key",
	)
)

// BaseMessage is a helper struct that can be embedded in message types
// defined outside the actor package to satisfy the Message interface's
// unexported messageMarker method.
type BaseMessage struct{}

// messageMarker implements the unexported method for the Message interface,
// allowing types that embed BaseMessage to satisfy the Message interface.
func (BaseMessage) messageMarker() {}

// Message is a sealed interface for actor messages. The interface is sealed
// by the unexported messageMarker method, so only types embedding BaseMessage
// (or declared in this package) can be Messages.
type Message interface {
	// messageMarker is a private method that makes this a sealed
	// interface (see BaseMessage for embedding).
	messageMarker()

	// MessageType returns the type name of the message for routing and
	// logging.
	MessageType() string
}

// Future represents the result of an asynchronous computation. Consumers wait
// for the result with Await or register a callback with OnComplete.
type Future[T any] interface {
	// Await blocks until the result is available or the context is
	// cancelled, then returns it.
	Await(ctx context.Context) fn.Result[T]

	// OnComplete registers a function to be called when the result is
	// available. The callback runs on its own goroutine. If the context
	// is cancelled first, the callback receives the cancellation error.
	OnComplete(ctx context.Context, fn func(fn.Result[T]))
}

// Promise is the producer side of a Future. Completing the promise unblocks
// every current and subsequent Await on the associated future.
type Promise[T any] interface {
	// Future returns the consumer side of this promise.
	Future() Future[T]

	// Complete fulfills the promise with the given result. Only the
	// first call has any effect; it reports whether this call won.
	Complete(result fn.Result[T]) bool
}

// BaseActorRef is the minimal, untyped handle to an actor.
type BaseActorRef interface {
	// ID returns the unique identifier of the referenced actor.
	ID() string
}

// TellOnlyRef is an actor reference restricted to fire-and-forget sends.
// Hand one out when the holder must not be able to issue requests.
type TellOnlyRef[M Message] interface {
	BaseActorRef

	// Tell sends a message without waiting for a response. Delivery is
	// best effort: if the target actor has terminated, the message is
	// diverted to the dead letter office when one is configured.
	Tell(ctx context.Context, msg M)
}

// ActorRef is a full reference to an actor accepting messages of type M and
// responding with values of type R.
type ActorRef[M Message, R any] interface {
	TellOnlyRef[M]

	// Ask sends a message and returns a Future that completes with the
	// actor's response, or with an error if the actor terminates or the
	// context is cancelled before the message is accepted.
	Ask(ctx context.Context, msg M) Future[R]
}

// ActorBehavior defines how an actor reacts to the messages it receives.
// Receive runs on the actor's own goroutine, so implementations may mutate
// internal state without additional locking.
type ActorBehavior[M Message, R any] interface {
	Receive(ctx context.Context, msg M) fn.Result[R]
}

// Stoppable is an optional interface behaviors implement to release external
// resources when their actor shuts down. OnStop runs after the mailbox has
// been closed and drained, bounded by the actor's cleanup timeout.
type Stoppable interface {
	OnStop(ctx context.Context) error
}

// SystemContext exposes the parts of an actor system that refs and routers
// need without depending on the concrete system type.
type SystemContext interface {
	// Receptionist returns the system's service registry.
	Receptionist() *Receptionist

	// DeadLetters returns the ref undeliverable messages are diverted
	// to.
	DeadLetters() ActorRef[Message, any]
}

// Mailbox is the queue between an actor's references and its processing loop.
type Mailbox[M Message, R any] interface {
	// Send enqueues env, blocking until it is accepted or either the
	// caller's or the actor's context is done. It reports whether the
	// envelope was accepted.
	Send(ctx context.Context, env envelope[M, R]) bool

	// TrySend enqueues env without blocking, reporting success.
	TrySend(env envelope[M, R]) bool

	// Receive returns an iterator yielding envelopes until ctx is done
	// or the mailbox is closed.
	Receive(ctx context.Context) iter.Seq[envelope[M, R]]

	// Close prevents any further sends. Safe to call repeatedly.
	Close()

	// IsClosed reports whether Close has been called.
	IsClosed() bool

	// Drain yields any envelopes remaining after Close.
	Drain() iter.Seq[envelope[M, R]]
}
