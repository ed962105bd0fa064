package actor

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
)

// ChannelMailbox is a Mailbox backed by a buffered Go channel. Sends observe
// both the caller's and the owning actor's context so producers never block
// on a dead actor.
type ChannelMailbox[M Message, R any] struct {
	ch chan envelope[M, R]

	// closed flags that the mailbox no longer accepts sends. Reads are
	// lock-free.
	closed atomic.Bool

	// mu serializes sends against Close. Senders hold the read lock for
	// the whole send so the channel cannot be closed underneath them.
	mu sync.RWMutex

	closeOnce sync.Once

	// actorCtx is the owning actor's lifecycle context. Once it is
	// cancelled, sends fail and receive iterators stop.
	actorCtx context.Context
}

// NewChannelMailbox creates a mailbox with the given capacity, owned by the
// actor whose lifecycle actorCtx tracks. Capacity is clamped to at least 1 so
// the channel is always buffered.
func NewChannelMailbox[M Message, R any](actorCtx context.Context,
	capacity int) *ChannelMailbox[M, R] {

	if capacity <= 0 {
		capacity = 1
	}

	return &ChannelMailbox[M, R]{
		ch:       make(chan envelope[M, R], capacity),
		actorCtx: actorCtx,
	}
}

// Send enqueues env, blocking until it is accepted or either context is
// done. It reports whether the envelope was accepted.
func (m *ChannelMailbox[M, R]) Send(ctx context.Context,
	env envelope[M, R]) bool {

	// Fast-path rejection when either side is already cancelled. The
	// select below covers cancellation that lands after these checks.
	if ctx.Err() != nil {
		return false
	}
	if m.actorCtx.Err() != nil {
		return false
	}

	// Holding the read lock for the entire send prevents a
	// send-on-closed-channel panic: Close takes the write lock, which
	// cannot be acquired while any sender holds a read lock.
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed.Load() {
		return false
	}

	select {
	case m.ch <- env:
		log.TraceS(ctx, "Mailbox send succeeded",
			"msg_type", env.message.MessageType(),
			"queue_len", len(m.ch))

		return true

	case <-ctx.Done():
		log.TraceS(ctx, "Mailbox send failed, caller context cancelled",
			"msg_type", env.message.MessageType())

		return false

	case <-m.actorCtx.Done():
		log.TraceS(ctx, "Mailbox send failed, actor context cancelled",
			"msg_type", env.message.MessageType())

		return false
	}
}

// TrySend enqueues env without blocking, reporting whether it was accepted.
// A full or closed mailbox, or a terminated actor, all yield false.
func (m *ChannelMailbox[M, R]) TrySend(env envelope[M, R]) bool {
	if m.actorCtx.Err() != nil {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed.Load() {
		return false
	}

	select {
	case m.ch <- env:
		return true
	default:
		return false
	}
}

// Receive returns an iterator over enqueued envelopes. The iterator stops
// once ctx is cancelled or the mailbox is closed and empty. The context is
// checked before every receive so shutdown never races a ready channel.
func (m *ChannelMailbox[M, R]) Receive(
	ctx context.Context) iter.Seq[envelope[M, R]] {

	return func(yield func(envelope[M, R]) bool) {
		for {
			if ctx.Err() != nil {
				return
			}

			select {
			case env, ok := <-m.ch:
				if !ok {
					return
				}

				if !yield(env) {
					return
				}

			case <-ctx.Done():
				return
			}
		}
	}
}

// Close marks the mailbox closed and closes the underlying channel. Only the
// first call has any effect. Taking the write lock here excludes in-flight
// senders, so the close cannot panic an active Send.
func (m *ChannelMailbox[M, R]) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		log.DebugS(m.actorCtx, "Mailbox closing",
			"remaining_messages", len(m.ch))

		m.closed.Store(true)
		close(m.ch)
	})
}

// IsClosed reports whether the mailbox has been closed.
func (m *ChannelMailbox[M, R]) IsClosed() bool {
	return m.closed.Load()
}

// Drain yields the envelopes still queued after Close. Calling it on an open
// mailbox yields nothing.
func (m *ChannelMailbox[M, R]) Drain() iter.Seq[envelope[M, R]] {
	return func(yield func(envelope[M, R]) bool) {
		if !m.IsClosed() {
			return
		}

		for {
			select {
			case env, ok := <-m.ch:
				if !ok {
					return
				}

				if !yield(env) {
					return
				}

			default:
				return
			}
		}
	}
}
