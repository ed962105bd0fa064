package actor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/revbroker/internal/baselib/actor"
	"github.com/stretchr/testify/require"
)

// countMsg asks a counting actor to add a delta and report the new total.
type countMsg struct {
	actor.BaseMessage
	Delta int
}

func (countMsg) MessageType() string { return "countMsg" }

type countResp struct {
	Total int
}

var countKey = actor.NewServiceKey[countMsg, countResp]("test-counter")

// newCounter returns a behavior that accumulates deltas. The total is only
// touched from inside Receive, so any data race is a mailbox bug.
func newCounter() actor.ActorBehavior[countMsg, countResp] {
	total := 0
	return actor.NewFunctionBehavior(
		func(_ context.Context, msg countMsg) fn.Result[countResp] {
			total += msg.Delta
			return fn.Ok(countResp{Total: total})
		},
	)
}

// TestAskSerializesConcurrentSenders fires asks from many goroutines and
// checks every delta lands exactly once.
func TestAskSerializesConcurrentSenders(t *testing.T) {
	t.Parallel()

	system := actor.NewActorSystem()
	defer system.Shutdown(context.Background())

	ref := actor.RegisterWithSystem(
		system, "counter", countKey, newCounter(),
	)

	const senders = 25
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			ctx, cancel := context.WithTimeout(
				context.Background(), 5*time.Second,
			)
			defer cancel()

			_, err := ref.Ask(ctx, countMsg{Delta: 1}).
				Await(ctx).Unpack()
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	ctx := context.Background()
	resp, err := ref.Ask(ctx, countMsg{Delta: 0}).Await(ctx).Unpack()
	require.NoError(t, err)
	require.Equal(t, senders, resp.Total)
}

// TestTellThenAskOrdering checks tells queued before an ask are processed
// first: the mailbox is FIFO per actor.
func TestTellThenAskOrdering(t *testing.T) {
	t.Parallel()

	system := actor.NewActorSystem()
	defer system.Shutdown(context.Background())

	ref := actor.RegisterWithSystem(
		system, "ordered-counter", countKey, newCounter(),
	)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		ref.Tell(ctx, countMsg{Delta: 2})
	}

	resp, err := ref.Ask(ctx, countMsg{Delta: 0}).Await(ctx).Unpack()
	require.NoError(t, err)
	require.Equal(t, 20, resp.Total)
}

// TestReceptionistLookup checks a registered actor is discoverable through
// its service key and gone after unregistering.
func TestReceptionistLookup(t *testing.T) {
	t.Parallel()

	system := actor.NewActorSystem()
	defer system.Shutdown(context.Background())

	ref := actor.RegisterWithSystem(
		system, "discoverable", countKey, newCounter(),
	)

	found := actor.FindInReceptionist(system.Receptionist(), countKey)
	require.Len(t, found, 1)
	require.Equal(t, "discoverable", found[0].ID())

	require.True(t, countKey.Unregister(system, ref))
	found = actor.FindInReceptionist(system.Receptionist(), countKey)
	require.Empty(t, found)
}

// TestStopAndRemoveActor checks a stopped actor no longer answers.
func TestStopAndRemoveActor(t *testing.T) {
	t.Parallel()

	system := actor.NewActorSystem()
	defer system.Shutdown(context.Background())

	ref := actor.RegisterWithSystem(
		system, "short-lived", countKey, newCounter(),
	)

	ctx := context.Background()
	_, err := ref.Ask(ctx, countMsg{Delta: 1}).Await(ctx).Unpack()
	require.NoError(t, err)

	require.True(t, system.StopAndRemoveActor("short-lived"))
	require.False(t, system.StopAndRemoveActor("short-lived"))
}

// TestRegisterAfterShutdown checks the system hands back a stopped ref once
// it is shut down, so late registrations fail loudly instead of hanging.
func TestRegisterAfterShutdown(t *testing.T) {
	t.Parallel()

	system := actor.NewActorSystem()
	require.NoError(t, system.Shutdown(context.Background()))

	ref := actor.RegisterWithSystem(
		system, "too-late", countKey, newCounter(),
	)

	ctx, cancel := context.WithTimeout(
		context.Background(), time.Second,
	)
	defer cancel()

	_, err := ref.Ask(ctx, countMsg{Delta: 1}).Await(ctx).Unpack()
	require.Error(t, err)
}
