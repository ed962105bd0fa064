package notify

import (
	"context"
	"sync"
	"time"
)

// QueueTopic is the shared topic bumped whenever the set of reviews a
// reviewer could claim changes shape. Per-review topics use the review id.
const QueueTopic = "__queue__"

// topicState tracks one topic: a monotonically increasing version and the
// channel closed to wake the current crop of waiters.
type topicState struct {
	version uint64
	wake    chan struct{}
}

// Bus is an in-process versioned notification bus. Every Notify bumps the
// topic version and wakes all pending waiters, and waiters compare versions
// after waking so a notification landing between a version read and the wait
// call is never lost.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topicState
}

// NewBus creates an empty notification bus.
func NewBus() *Bus {
	return &Bus{
		topics: make(map[string]*topicState),
	}
}

// topicLocked returns the state for topic, creating it at version zero. The
// caller must hold b.mu.
func (b *Bus) topicLocked(topic string) *topicState {
	state, ok := b.topics[topic]
	if !ok {
		state = &topicState{
			wake: make(chan struct{}),
		}
		b.topics[topic] = state
	}

	return state
}

// Notify bumps the topic version and wakes every pending waiter.
func (b *Bus) Notify(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.topicLocked(topic)
	state.version++
	close(state.wake)
	state.wake = make(chan struct{})

	log.Tracef("Notified topic=%s version=%d", topic, state.version)
}

// CurrentVersion returns the topic's version, zero for topics never
// notified.
func (b *Bus) CurrentVersion(topic string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.topics[topic]
	if !ok {
		return 0
	}

	return state.version
}

// WaitForChange blocks until the topic version moves off since, the timeout
// elapses, or ctx is cancelled. It reports whether a change was observed.
// Callers capture the version with CurrentVersion before reading the state
// they poll on, then pass it here so changes landing in between still count.
// A forgotten topic restarts at version zero, which still differs from any
// since a waiter captured before the reset, so terminal-status waiters wake
// rather than parking until their timeout.
func (b *Bus) WaitForChange(ctx context.Context, topic string,
	timeout time.Duration, since uint64) bool {

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		b.mu.Lock()
		state := b.topicLocked(topic)
		if state.version != since {
			b.mu.Unlock()
			return true
		}
		wake := state.wake
		b.mu.Unlock()

		if timeout <= 0 {
			return false
		}

		select {
		case <-wake:
			// Re-check the version. Forget also closes the wake
			// channel, so a wake alone proves nothing.

		case <-deadline.C:
			return false

		case <-ctx.Done():
			return false
		}
	}
}

// Forget drops per-topic state, waking any stragglers still parked on it.
// Used once a review reaches a terminal status. A later Notify on the same
// topic restarts its version at one.
func (b *Bus) Forget(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.topics[topic]
	if !ok {
		return
	}

	close(state.wake)
	delete(b.topics, topic)
}

// TopicCount returns the number of live topics, for observability.
func (b *Bus) TopicCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.topics)
}
