package actor

import (
	"context"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// defaultCleanupTimeout bounds how long a Stoppable behavior's OnStop hook
// may run during actor shutdown.
const defaultCleanupTimeout = 5 * time.Second

// mergeContexts returns a context that is cancelled as soon as either parent
// is, preserving the earlier of the two deadlines. Actors use this while
// handling Ask messages so the behavior observes both system shutdown and the
// caller's own deadline. The returned cancel function must be called to
// release the watcher goroutine.
func mergeContexts(ctx1, ctx2 context.Context) (context.Context,
	context.CancelFunc) {

	deadline1, hasDeadline1 := ctx1.Deadline()
	deadline2, hasDeadline2 := ctx2.Deadline()

	// Base the merged context on whichever parent carries the earlier
	// deadline so the stricter timeout wins.
	baseCtx := ctx1
	if hasDeadline2 {
		if !hasDeadline1 || deadline2.Before(deadline1) {
			baseCtx = ctx2
		}
	}

	mergedCtx, cancel := context.WithCancel(baseCtx)

	// Watch both parents and fold their cancellation into the merged
	// context. The goroutine exits on the first cancellation it sees.
	go func() {
		select {
		case <-ctx1.Done():
			cancel()
		case <-ctx2.Done():
			cancel()
		case <-mergedCtx.Done():
		}
	}()

	return mergedCtx, cancel
}

// ActorConfig holds the parameters for creating a new Actor. It is generic
// over M (message type) and R (response type) to match the actor's behavior.
type ActorConfig[M Message, R any] struct {
	// ID is the unique identifier for the actor.
	ID string

	// Behavior defines how the actor responds to messages.
	Behavior ActorBehavior[M, R]

	// DLO is the dead letter office for this actor system. When nil,
	// undeliverable messages are dropped.
	DLO ActorRef[Message, any]

	// MailboxSize is the buffer capacity of the actor's mailbox.
	MailboxSize int

	// Wg optionally tracks the actor lifecycle. When non-nil, the actor
	// calls Add(1) on Start and Done when its process loop exits, which
	// lets the owning system block until all actors have terminated.
	Wg *sync.WaitGroup

	// CleanupTimeout bounds the OnStop hook of Stoppable behaviors. When
	// None, defaultCleanupTimeout applies.
	CleanupTimeout fn.Option[time.Duration]
}

// envelope pairs a message with the promise awaiting its response and the
// sending caller's context. A nil promise marks a Tell (fire-and-forget).
type envelope[M Message, R any] struct {
	message   M
	promise   Promise[R]
	callerCtx context.Context
}

// Actor runs an ActorBehavior on its own goroutine, feeding it messages from
// a mailbox one at a time. All state owned by the behavior is therefore
// confined to that goroutine.
type Actor[M Message, R any] struct {
	id       string
	behavior ActorBehavior[M, R]
	mailbox  Mailbox[M, R]

	// ctx governs the actor's lifetime; cancel ends the process loop.
	ctx    context.Context
	cancel context.CancelFunc

	dlo            ActorRef[Message, any]
	wg             *sync.WaitGroup
	cleanupTimeout time.Duration

	startOnce sync.Once
	stopOnce  sync.Once

	// ref is the cached reference handed out by Ref and TellRef.
	ref ActorRef[M, R]
}

// NewActor creates an actor from the given config without starting it. Call
// Start to begin processing messages.
func NewActor[M Message, R any](cfg ActorConfig[M, R]) *Actor[M, R] {
	ctx, cancel := context.WithCancel(context.Background())

	mailboxCapacity := cfg.MailboxSize
	if mailboxCapacity <= 0 {
		mailboxCapacity = 1
	}

	a := &Actor[M, R]{
		id:       cfg.ID,
		behavior: cfg.Behavior,
		mailbox:  NewChannelMailbox[M, R](ctx, mailboxCapacity),
		ctx:      ctx,
		cancel:   cancel,
		dlo:      cfg.DLO,
		wg:       cfg.Wg,
		cleanupTimeout: cfg.CleanupTimeout.UnwrapOr(
			defaultCleanupTimeout,
		),
	}
	a.ref = &actorRefImpl[M, R]{actor: a}

	return a
}

// Start launches the actor's processing loop. Repeated calls are no-ops.
func (a *Actor[M, R]) Start() {
	a.startOnce.Do(func() {
		log.DebugS(a.ctx, "Starting actor", "actor_id", a.id)

		if a.wg != nil {
			a.wg.Add(1)
		}
		go a.process()
	})
}

// process is the actor's main loop: pull envelopes off the mailbox, hand them
// to the behavior, and complete any attached promise. When the actor's
// context is cancelled the loop closes the mailbox, drains leftovers to the
// DLO, and runs the behavior's OnStop hook if it has one.
func (a *Actor[M, R]) process() {
	if a.wg != nil {
		defer a.wg.Done()
	}

	for env := range a.mailbox.Receive(a.ctx) {
		// Ask messages honor the caller's deadline as well as actor
		// shutdown. Tell messages only observe actor shutdown: once
		// enqueued, a fire-and-forget message is processed even if
		// its sender has moved on.
		var processCtx context.Context
		var cancel context.CancelFunc
		if env.promise != nil {
			processCtx, cancel = mergeContexts(
				a.ctx, env.callerCtx,
			)
		} else {
			processCtx = a.ctx
			cancel = func() {}
		}

		log.TraceS(processCtx, "Actor processing message",
			"actor_id", a.id,
			"msg_type", env.message.MessageType(),
			"is_ask", env.promise != nil)

		result := a.behavior.Receive(processCtx, env.message)

		cancel()

		if env.promise != nil {
			env.promise.Complete(result)
		}
	}

	// Shutdown: refuse new sends, then hand whatever was already queued
	// to the dead letter office.
	a.mailbox.Close()

	drainedCount := 0
	for env := range a.mailbox.Drain() {
		drainedCount++

		log.TraceS(a.ctx, "Draining message from terminated actor",
			"actor_id", a.id,
			"msg_type", env.message.MessageType(),
			"has_dlo", a.dlo != nil)

		if a.dlo != nil {
			a.dlo.Tell(context.Background(), env.message)
		}

		if env.promise != nil {
			env.promise.Complete(fn.Err[R](ErrActorTerminated))
		}
	}

	if stoppable, ok := a.behavior.(Stoppable); ok {
		cleanupCtx, cancel := context.WithTimeout(
			context.Background(), a.cleanupTimeout,
		)
		defer cancel()

		if err := stoppable.OnStop(cleanupCtx); err != nil {
			log.WarnS(a.ctx, "Actor cleanup error during shutdown",
				err, "actor_id", a.id)
		}
	}

	log.DebugS(a.ctx, "Actor terminated",
		"actor_id", a.id,
		"drained_messages", drainedCount)
}

// Stop signals the actor to terminate. The process loop exits once it
// observes the cancellation, closes the mailbox, and drains what remains.
// Messages cannot slip between Receive exiting and Close: Send checks the
// actor context first, so any send racing the cancellation either completes
// or observes the cancelled context and reports failure.
func (a *Actor[M, R]) Stop() {
	a.stopOnce.Do(func() {
		a.cancel()
	})
}

// Ref returns the reference used to send messages to this actor.
func (a *Actor[M, R]) Ref() ActorRef[M, R] {
	return a.ref
}

// TellRef returns a send-only reference to this actor.
func (a *Actor[M, R]) TellRef() TellOnlyRef[M] {
	return a.ref
}

// actorRefImpl is the concrete ActorRef pointing at a local actor.
type actorRefImpl[M Message, R any] struct {
	actor *Actor[M, R]
}

// ID returns the target actor's identifier.
func (ref *actorRefImpl[M, R]) ID() string {
	return ref.actor.id
}

// Tell sends a message without awaiting a response. If the send fails
// because the actor terminated, the message is diverted to the DLO; if it
// fails because the caller's own context was cancelled, it is dropped.
func (ref *actorRefImpl[M, R]) Tell(ctx context.Context, msg M) {
	log.TraceS(ctx, "Sending Tell message",
		"actor_id", ref.actor.id,
		"msg_type", msg.MessageType())

	env := envelope[M, R]{
		message:   msg,
		promise:   nil,
		callerCtx: ctx,
	}
	ok := ref.actor.mailbox.Send(ctx, env)

	if !ok {
		if ctx.Err() == nil || ref.actor.ctx.Err() != nil {
			log.DebugS(ctx, "Tell failed, routing to DLO",
				"actor_id", ref.actor.id,
				"msg_type", msg.MessageType())

			if ref.actor.dlo != nil {
				ref.actor.dlo.Tell(
					context.Background(), msg,
				)
			}
		} else {
			log.TraceS(ctx, "Tell failed, caller cancelled",
				"actor_id", ref.actor.id,
				"msg_type", msg.MessageType())
		}
	}
}

// Ask sends a message and returns a Future completed with the actor's
// response, or with an error when the actor is gone or the caller's context
// expires before the message is accepted.
func (ref *actorRefImpl[M, R]) Ask(ctx context.Context, msg M) Future[R] {
	log.TraceS(ctx, "Sending Ask message",
		"actor_id", ref.actor.id,
		"msg_type", msg.MessageType())

	promise := NewPromise[R]()

	// Fail fast when the actor has already terminated.
	if ref.actor.ctx.Err() != nil {
		log.DebugS(ctx, "Ask failed, actor already terminated",
			"actor_id", ref.actor.id,
			"msg_type", msg.MessageType())

		promise.Complete(fn.Err[R](ErrActorTerminated))
		return promise.Future()
	}

	env := envelope[M, R]{
		message:   msg,
		promise:   promise,
		callerCtx: ctx,
	}
	ok := ref.actor.mailbox.Send(ctx, env)

	if !ok {
		// Actor termination takes precedence over caller
		// cancellation when classifying the failure.
		if ref.actor.ctx.Err() != nil {
			promise.Complete(fn.Err[R](ErrActorTerminated))
		} else {
			err := ctx.Err()
			if err == nil {
				// The send failed yet neither context is
				// done, so the mailbox must have been closed
				// out from under us.
				err = ErrActorTerminated
			}

			promise.Complete(fn.Err[R](err))
		}
	}

	return promise.Future()
}
