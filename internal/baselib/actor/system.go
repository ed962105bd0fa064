package actor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// registerConfig holds optional configuration for actor registration.
type registerConfig struct {
	cleanupTimeout fn.Option[time.Duration]
}

// RegisterOption is a functional option for RegisterWithSystem.
type RegisterOption func(*registerConfig)

// WithCleanupTimeout overrides the default OnStop cleanup timeout for the
// registered actor. Use a longer timeout for actors that manage external
// subprocesses requiring graceful shutdown.
func WithCleanupTimeout(d time.Duration) RegisterOption {
	return func(cfg *registerConfig) {
		cfg.cleanupTimeout = fn.Some(d)
	}
}

// stoppable is the internal lifecycle handle the system keeps for each
// managed actor.
type stoppable interface {
	Stop()
}

// SystemConfig holds configuration parameters for the ActorSystem.
type SystemConfig struct {
	// MailboxCapacity is the default capacity for actor mailboxes.
	MailboxCapacity int
}

// DefaultConfig returns a default configuration for the ActorSystem.
func DefaultConfig() SystemConfig {
	return SystemConfig{
		MailboxCapacity: 100,
	}
}

// ActorSystem manages actor lifecycles and provides the receptionist for
// discovery plus a dead letter office for undeliverable messages. Shutting
// the system down stops every managed actor and waits for their goroutines.
type ActorSystem struct {
	receptionist *Receptionist

	// actors holds every managed actor keyed by ID, including the dead
	// letter actor itself.
	actors map[string]stoppable

	deadLetterActor ActorRef[Message, any]

	config SystemConfig

	// mu protects the actors map.
	mu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc

	// actorWg tracks running actor goroutines so Shutdown can block
	// until all of them have exited.
	actorWg sync.WaitGroup
}

// NewActorSystem creates a new actor system using the default configuration.
func NewActorSystem() *ActorSystem {
	return NewActorSystemWithConfig(DefaultConfig())
}

// NewActorSystemWithConfig creates a new actor system with the given
// configuration.
func NewActorSystemWithConfig(config SystemConfig) *ActorSystem {
	ctx, cancel := context.WithCancel(context.Background())

	system := &ActorSystem{
		receptionist: newReceptionist(),
		config:       config,
		actors:       make(map[string]stoppable),
		ctx:          ctx,
		cancel:       cancel,
	}

	// The dead letter actor just records that a message was
	// undeliverable. Its own DLO is nil so failures there cannot loop.
	deadLetterBehavior := NewFunctionBehavior(
		func(ctx context.Context, msg Message) fn.Result[any] {
			log.DebugS(ctx, "Message delivered to dead letters",
				"msg_type", msg.MessageType())

			return fn.Err[any](errors.New(
				"message undeliverable: " + msg.MessageType(),
			))
		},
	)

	deadLetterRawActor := NewActor(ActorConfig[Message, any]{
		ID:          "dead-letters",
		Behavior:    deadLetterBehavior,
		DLO:         nil,
		MailboxSize: config.MailboxCapacity,
		Wg:          &system.actorWg,
	})
	deadLetterRawActor.Start()
	system.deadLetterActor = deadLetterRawActor.Ref()

	// No lock needed: the system is not visible to other goroutines yet.
	system.actors[deadLetterRawActor.id] = deadLetterRawActor

	return system
}

// newStoppedActorRef builds a ref whose actor is already stopped. It is
// returned in place of nil when registration cannot proceed, so callers get
// ErrActorTerminated instead of a nil-pointer panic.
func newStoppedActorRef[M Message, R any](id string) ActorRef[M, R] {
	cfg := ActorConfig[M, R]{ID: id}
	a := NewActor(cfg)
	a.Stop()
	return a.Ref()
}

// RegisterWithSystem creates and starts an actor with the given ID and
// behavior, adds it to the system, and registers it with the receptionist
// under the service key. It returns the new actor's ref. When the system is
// already shut down, or the key is taken by an incompatible type, a stopped
// ref is returned instead.
func RegisterWithSystem[M Message, R any](as *ActorSystem, id string,
	key ServiceKey[M, R], behavior ActorBehavior[M, R],
	opts ...RegisterOption) ActorRef[M, R] {

	if as.ctx.Err() != nil {
		return newStoppedActorRef[M, R](id)
	}

	var regCfg registerConfig
	for _, opt := range opts {
		opt(&regCfg)
	}

	actorInstance := NewActor(ActorConfig[M, R]{
		ID:             id,
		Behavior:       behavior,
		DLO:            as.deadLetterActor,
		MailboxSize:    as.config.MailboxCapacity,
		Wg:             &as.actorWg,
		CleanupTimeout: regCfg.cleanupTimeout,
	})
	actorInstance.Start()

	as.mu.Lock()
	as.actors[actorInstance.id] = actorInstance
	as.mu.Unlock()

	err := RegisterWithReceptionist(
		as.receptionist, key, actorInstance.Ref(),
	)
	if err != nil {
		// Type mismatch: roll back the registration and hand the
		// caller a stopped ref.
		actorInstance.Stop()
		as.mu.Lock()
		delete(as.actors, actorInstance.id)
		as.mu.Unlock()

		return newStoppedActorRef[M, R](id)
	}

	log.DebugS(as.ctx, "Actor registered with system",
		"actor_id", id,
		"service_key", key.name)

	return actorInstance.Ref()
}

// Receptionist returns the system's service registry.
func (as *ActorSystem) Receptionist() *Receptionist {
	return as.receptionist
}

// DeadLetters returns a reference to the system's dead letter actor.
func (as *ActorSystem) DeadLetters() ActorRef[Message, any] {
	return as.deadLetterActor
}

// Shutdown stops every managed actor and waits for their goroutines to exit
// or for ctx to expire. Cancelling the system context first closes the door
// on new registrations, which would otherwise race the WaitGroup snapshot
// and make the wait unbounded.
func (as *ActorSystem) Shutdown(ctx context.Context) error {
	as.cancel()

	// Snapshot outside the lock so Stop calls don't hold it.
	var actorsToStop []stoppable
	as.mu.RLock()
	for _, a := range as.actors {
		actorsToStop = append(actorsToStop, a)
	}
	as.mu.RUnlock()

	log.InfoS(ctx, "Actor system shutting down",
		"num_actors", len(actorsToStop))

	for _, a := range actorsToStop {
		a.Stop()
	}

	as.mu.Lock()
	as.actors = nil
	as.mu.Unlock()

	// Wait on the group in a helper goroutine so the deadline still
	// applies. If the deadline fires first the helper keeps running
	// until hung actors exit, which is preferable to leaking them
	// silently.
	done := make(chan struct{})
	go func() {
		as.actorWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.InfoS(ctx, "Actor system shutdown completed")

		return nil

	case <-ctx.Done():
		log.ErrorS(ctx, "Actor system shutdown incomplete, "+
			"some actors may have leaked", ctx.Err())

		return ctx.Err()
	}
}

// StopAndRemoveActor stops the actor with the given ID and forgets it. It
// reports whether the actor was found.
func (as *ActorSystem) StopAndRemoveActor(id string) bool {
	as.mu.Lock()
	defer as.mu.Unlock()

	actorToStop, exists := as.actors[id]
	if !exists {
		return false
	}

	actorToStop.Stop()
	delete(as.actors, id)

	log.DebugS(as.ctx, "Actor stopped and removed from system",
		"actor_id", id)

	return true
}

// UnregisterFromReceptionist removes one actor reference from a service key.
// It reports whether the reference was found. This is a package-level generic
// function because Go methods cannot introduce their own type parameters.
func UnregisterFromReceptionist[M Message, R any](r *Receptionist,
	key ServiceKey[M, R], refToRemove ActorRef[M, R]) bool {

	r.mu.Lock()
	defer r.mu.Unlock()

	refs, exists := r.registrations[key.name]
	if !exists {
		return false
	}

	found := false
	newRefs := make([]BaseActorRef, 0, len(refs))
	for _, baseRef := range refs {
		if typedRef, ok := baseRef.(ActorRef[M, R]); ok {
			if typedRef == refToRemove {
				found = true
				continue
			}
		}
		newRefs = append(newRefs, baseRef)
	}

	if !found {
		return false
	}

	// Dropping the last ref also clears the type registry entry so the
	// name can later be reused with different types.
	if len(newRefs) == 0 {
		delete(r.registrations, key.name)
		delete(r.typeRegistry, key.name)
	} else {
		r.registrations[key.name] = newRefs
	}

	return true
}

// ServiceKey is a type-safe identifier for registering and discovering actors
// through the Receptionist. The type parameters pin the message and response
// types, so lookups can never hand back an incompatible ref.
type ServiceKey[M Message, R any] struct {
	name string
}

// NewServiceKey creates a service key with the given name.
func NewServiceKey[M Message, R any](name string) ServiceKey[M, R] {
	return ServiceKey[M, R]{name: name}
}

// Name returns the key's registry name.
func (sk ServiceKey[M, R]) Name() string {
	return sk.name
}

// Spawn registers an actor for this service key within the given system. It
// is shorthand for RegisterWithSystem.
func (sk ServiceKey[M, R]) Spawn(as *ActorSystem, id string,
	behavior ActorBehavior[M, R]) ActorRef[M, R] {

	return RegisterWithSystem(as, id, sk, behavior)
}

// RouterOption is a functional option for configuring a router.
type RouterOption[M Message, R any] func(*routerConfig[M, R])

// routerConfig holds configuration for router creation.
type routerConfig[M Message, R any] struct {
	strategy RoutingStrategy[M, R]
}

// WithStrategy specifies a custom routing strategy for the router.
func WithStrategy[M Message, R any](
	strategy RoutingStrategy[M, R]) RouterOption[M, R] {

	return func(cfg *routerConfig[M, R]) {
		cfg.strategy = strategy
	}
}

// Ref returns a virtual ActorRef that load-balances across all actors
// registered under this key, resolving the live set on every send. This is
// the recommended handle for talking to a service: the holder keeps a stable
// ref while registrations come and go. Round-robin is the default strategy.
func (sk ServiceKey[M, R]) Ref(sys SystemContext,
	opts ...RouterOption[M, R]) ActorRef[M, R] {

	cfg := &routerConfig[M, R]{
		strategy: NewRoundRobinStrategy[M, R](),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return NewRouter(
		sys.Receptionist(), sk, cfg.strategy, sys.DeadLetters(),
	)
}

// Broadcast sends a message to every actor registered under this key and
// returns how many refs it was sent to. Fire-and-forget; no delivery or
// processing guarantee.
func (sk ServiceKey[M, R]) Broadcast(sys SystemContext, ctx context.Context,
	msg M) int {

	refs := FindInReceptionist(sys.Receptionist(), sk)

	for _, ref := range refs {
		ref.Tell(ctx, msg)
	}

	return len(refs)
}

// Unregister removes one actor reference for this key from the receptionist.
// The actor keeps running and remains reachable through any other keys it is
// registered under; stop it separately with StopAndRemoveActor if needed.
func (sk ServiceKey[M, R]) Unregister(sys SystemContext,
	refToRemove ActorRef[M, R]) bool {

	return UnregisterFromReceptionist(
		sys.Receptionist(), sk, refToRemove,
	)
}

// UnregisterAll removes every reference registered under this key whose type
// matches, returning how many were removed. The actors keep running.
func (sk ServiceKey[M, R]) UnregisterAll(sys SystemContext) int {
	r := sys.Receptionist()

	r.mu.Lock()
	defer r.mu.Unlock()

	currentRefs, exists := r.registrations[sk.name]
	if !exists {
		return 0
	}

	// The same key name can in principle hold refs of several types, so
	// keep any that fail the assertion.
	newRefs := make([]BaseActorRef, 0, len(currentRefs))
	unregisteredCount := 0
	for _, item := range currentRefs {
		if _, ok := item.(ActorRef[M, R]); ok {
			unregisteredCount++
		} else {
			newRefs = append(newRefs, item)
		}
	}

	if unregisteredCount == 0 {
		return 0
	}

	if len(newRefs) == 0 {
		delete(r.registrations, sk.name)
		delete(r.typeRegistry, sk.name)
	} else {
		r.registrations[sk.name] = newRefs
	}

	return unregisteredCount
}

// serviceTypeInfo captures the type signature of a service for validation.
type serviceTypeInfo struct {
	msgTypeName  string
	respTypeName string
}

// Receptionist provides service discovery for actors. Actors register under
// a ServiceKey and are later discovered by other components.
type Receptionist struct {
	// registrations stores refs as BaseActorRef keyed by service name.
	registrations map[string][]BaseActorRef

	// typeRegistry records the message/response types first registered
	// under each name so later registrations cannot change them.
	typeRegistry map[string]serviceTypeInfo

	mu sync.RWMutex
}

// newReceptionist creates an empty Receptionist.
func newReceptionist() *Receptionist {
	return &Receptionist{
		registrations: make(map[string][]BaseActorRef),
		typeRegistry:  make(map[string]serviceTypeInfo),
	}
}

// RegisterWithReceptionist registers an actor ref under a service key,
// validating that the key's types agree with any earlier registration of the
// same name. Package-level generic function for the same reason as above.
func RegisterWithReceptionist[M Message, R any](r *Receptionist,
	key ServiceKey[M, R], ref ActorRef[M, R]) error {

	r.mu.Lock()
	defer r.mu.Unlock()

	// Reflect on the type parameters without allocating zero values.
	msgTypeName := reflect.TypeOf((*M)(nil)).Elem().String()
	respTypeName := reflect.TypeOf((*R)(nil)).Elem().String()

	expectedTypes := serviceTypeInfo{
		msgTypeName:  msgTypeName,
		respTypeName: respTypeName,
	}

	if existingTypes, exists := r.typeRegistry[key.name]; exists {
		if existingTypes != expectedTypes {
			return fmt.Errorf("%w: service '%s' already "+
				"registered with types (%s, %s), cannot "+
				"register with (%s, %s)",
				ErrServiceKeyTypeMismatch, key.name,
				existingTypes.msgTypeName,
				existingTypes.respTypeName,
				msgTypeName, respTypeName)
		}
	} else {
		r.typeRegistry[key.name] = expectedTypes
	}

	r.registrations[key.name] = append(r.registrations[key.name], ref)

	return nil
}

// FindInReceptionist returns all actors registered under a service key whose
// types match the key.
func FindInReceptionist[M Message, R any](r *Receptionist,
	key ServiceKey[M, R]) []ActorRef[M, R] {

	r.mu.RLock()
	defer r.mu.RUnlock()

	baseRefs, exists := r.registrations[key.name]
	if !exists {
		return nil
	}

	typedRefs := make([]ActorRef[M, R], 0, len(baseRefs))
	for _, baseRef := range baseRefs {
		if typedRef, ok := baseRef.(ActorRef[M, R]); ok {
			typedRefs = append(typedRefs, typedRef)
		}
	}

	return typedRefs
}
