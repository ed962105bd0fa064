package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestWaitReturnsImmediatelyWhenBehind(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	bus.Notify("rev-1")

	// since=0 is already behind version 1, so no blocking happens.
	start := time.Now()
	changed := bus.WaitForChange(
		context.Background(), "rev-1", 5*time.Second, 0,
	)
	require.True(t, changed)
	require.Less(t, time.Since(start), time.Second)
}

func TestWaitTimesOut(t *testing.T) {
	t.Parallel()

	bus := NewBus()

	changed := bus.WaitForChange(
		context.Background(), "rev-1", 20*time.Millisecond, 0,
	)
	require.False(t, changed)
}

func TestZeroTimeoutPolls(t *testing.T) {
	t.Parallel()

	bus := NewBus()

	require.False(t, bus.WaitForChange(
		context.Background(), "rev-1", 0, 0,
	))

	bus.Notify("rev-1")
	require.True(t, bus.WaitForChange(
		context.Background(), "rev-1", 0, 0,
	))
}

func TestNotifyWakesAllWaiters(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	ctx := context.Background()

	const waiters = 5

	var (
		woken   atomic.Int32
		started sync.WaitGroup
		done    sync.WaitGroup
	)
	for i := 0; i < waiters; i++ {
		started.Add(1)
		done.Add(1)
		go func() {
			defer done.Done()
			started.Done()

			if bus.WaitForChange(ctx, "rev-1", 5*time.Second, 0) {
				woken.Add(1)
			}
		}()
	}

	started.Wait()
	time.Sleep(10 * time.Millisecond)
	bus.Notify("rev-1")

	done.Wait()
	require.EqualValues(t, waiters, woken.Load())
}

func TestTopicsAreIndependent(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	bus.Notify("rev-1")
	bus.Notify("rev-1")

	require.EqualValues(t, 2, bus.CurrentVersion("rev-1"))
	require.Zero(t, bus.CurrentVersion(QueueTopic))

	changed := bus.WaitForChange(
		context.Background(), QueueTopic, 20*time.Millisecond, 0,
	)
	require.False(t, changed)
}

func TestStaleVersionNeverMissesChange(t *testing.T) {
	t.Parallel()

	bus := NewBus()

	// Capture the version, then let a change land before the wait
	// starts. The wait must still observe it.
	since := bus.CurrentVersion("rev-1")
	bus.Notify("rev-1")

	changed := bus.WaitForChange(
		context.Background(), "rev-1", 5*time.Second, since,
	)
	require.True(t, changed)
}

func TestContextCancellation(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())

	result := make(chan bool, 1)
	go func() {
		result <- bus.WaitForChange(ctx, "rev-1", 5*time.Second, 0)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case changed := <-result:
		require.False(t, changed)
	case <-time.After(time.Second):
		t.Fatal("waiter did not return after cancellation")
	}
}

func TestForgetDropsTopic(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	bus.Notify("rev-1")
	bus.Notify(QueueTopic)
	require.Equal(t, 2, bus.TopicCount())

	bus.Forget("rev-1")
	require.Equal(t, 1, bus.TopicCount())
	require.Zero(t, bus.CurrentVersion("rev-1"))

	// Forgetting an unknown topic is a no-op.
	bus.Forget("rev-unknown")
	require.Equal(t, 1, bus.TopicCount())
}

func TestForgetWakesStaleWaiter(t *testing.T) {
	t.Parallel()

	bus := NewBus()

	// A waiter holding a since captured before the topic was forgotten
	// must observe the reset as a change, not park until its timeout.
	bus.Notify("rev-1")
	since := bus.CurrentVersion("rev-1")
	require.EqualValues(t, 1, since)

	result := make(chan bool, 1)
	go func() {
		result <- bus.WaitForChange(
			context.Background(), "rev-1", 5*time.Second, since,
		)
	}()

	time.Sleep(10 * time.Millisecond)
	bus.Forget("rev-1")

	select {
	case changed := <-result:
		require.True(t, changed)
	case <-time.After(time.Second):
		t.Fatal("waiter did not return after topic was forgotten")
	}
}

// TestVersionMonotonicityProperty drives random notify sequences and checks
// versions only ever count up, one per notify.
func TestVersionMonotonicityProperty(t *testing.T) {
	t.Parallel()

	// PROPERTY: a topic's version equals the number of notifies it has
	// received and never decreases.
	rapid.Check(t, func(rt *rapid.T) {
		bus := NewBus()
		counts := make(map[string]uint64)

		topics := []string{"rev-1", "rev-2", QueueTopic}
		steps := rapid.IntRange(1, 50).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			topic := rapid.SampledFrom(topics).Draw(rt, "topic")
			bus.Notify(topic)
			counts[topic]++

			if got := bus.CurrentVersion(topic); got != counts[topic] {
				rt.Fatalf("topic %s at version %d after %d "+
					"notifies", topic, got, counts[topic])
			}
		}
	})
}
