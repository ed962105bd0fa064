package actor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// ErrNoActorsAvailable is returned when a routing strategy is asked to pick
// from an empty candidate set, which happens when no actor is currently
// registered under the routed service key.
var ErrNoActorsAvailable = errors.New("no actors available for routing")

// RoutingStrategy selects which registered actor a router forwards the next
// message to. Implementations must be safe for concurrent use.
type RoutingStrategy[M Message, R any] interface {
	// Select picks one ref from the candidate set. It fails with
	// ErrNoActorsAvailable when the set is empty.
	Select(actors []ActorRef[M, R]) (ActorRef[M, R], error)
}

// RoundRobinStrategy cycles through the candidate refs in order, spreading
// load evenly across all actors registered under a service key.
type RoundRobinStrategy[M Message, R any] struct {
	counter atomic.Uint64
}

// NewRoundRobinStrategy creates a round-robin routing strategy.
func NewRoundRobinStrategy[M Message, R any]() *RoundRobinStrategy[M, R] {
	return &RoundRobinStrategy[M, R]{}
}

// Select returns the next ref in rotation.
func (s *RoundRobinStrategy[M, R]) Select(
	actors []ActorRef[M, R]) (ActorRef[M, R], error) {

	if len(actors) == 0 {
		return nil, ErrNoActorsAvailable
	}

	idx := (s.counter.Add(1) - 1) % uint64(len(actors))
	return actors[idx], nil
}

// Router is a virtual ActorRef that resolves its target through the
// receptionist on every send. This gives callers location transparency:
// actors can come and go under the key while holders of the router keep a
// stable handle.
type Router[M Message, R any] struct {
	receptionist *Receptionist
	key          ServiceKey[M, R]
	strategy     RoutingStrategy[M, R]
	dlo          ActorRef[Message, any]
}

// NewRouter creates a router over all actors registered under the given
// service key. Messages sent while no actor is registered go to the dead
// letter office (Tell) or fail the returned future (Ask).
func NewRouter[M Message, R any](receptionist *Receptionist,
	key ServiceKey[M, R], strategy RoutingStrategy[M, R],
	dlo ActorRef[Message, any]) *Router[M, R] {

	return &Router[M, R]{
		receptionist: receptionist,
		key:          key,
		strategy:     strategy,
		dlo:          dlo,
	}
}

// ID returns a synthetic identifier naming the routed service key.
func (r *Router[M, R]) ID() string {
	return fmt.Sprintf("router[%s]", r.key.Name())
}

// Tell forwards msg to one registered actor chosen by the routing strategy.
// With no registrations the message is diverted to the dead letter office.
func (r *Router[M, R]) Tell(ctx context.Context, msg M) {
	refs := FindInReceptionist(r.receptionist, r.key)

	target, err := r.strategy.Select(refs)
	if err != nil {
		log.DebugS(ctx, "Router has no targets, diverting to DLO",
			"service_key", r.key.Name(),
			"msg_type", msg.MessageType())

		if r.dlo != nil {
			r.dlo.Tell(ctx, msg)
		}

		return
	}

	target.Tell(ctx, msg)
}

// Ask forwards msg to one registered actor chosen by the routing strategy and
// returns its response future. With no registrations the future fails with
// ErrNoActorsAvailable.
func (r *Router[M, R]) Ask(ctx context.Context, msg M) Future[R] {
	refs := FindInReceptionist(r.receptionist, r.key)

	target, err := r.strategy.Select(refs)
	if err != nil {
		promise := NewPromise[R]()
		promise.Complete(fn.Err[R](fmt.Errorf(
			"%w: %s", err, r.key.Name(),
		)))

		return promise.Future()
	}

	return target.Ask(ctx, msg)
}

var _ ActorRef[Message, any] = (*Router[Message, any])(nil)
