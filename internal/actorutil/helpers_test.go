package actorutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/revbroker/internal/baselib/actor"
)

// echoMsg is a minimal request type for exercising the helpers.
type echoMsg struct {
	actor.BaseMessage
	value int
}

func (echoMsg) MessageType() string { return "echoMsg" }

// echoBehavior doubles the value, optionally failing or stalling first.
type echoBehavior struct {
	delay time.Duration
	err   error
}

func (b *echoBehavior) Receive(ctx context.Context,
	msg echoMsg) fn.Result[int] {

	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-ctx.Done():
			return fn.Err[int](ctx.Err())
		}
	}

	if b.err != nil {
		return fn.Err[int](b.err)
	}

	return fn.Ok(msg.value * 2)
}

func startEchoActor(t *testing.T, id string,
	behavior *echoBehavior) *actor.Actor[echoMsg, int] {

	t.Helper()

	a := actor.NewActor(actor.ActorConfig[echoMsg, int]{
		ID:          id,
		Behavior:    behavior,
		MailboxSize: 10,
	})
	a.Start()
	t.Cleanup(a.Stop)

	return a
}

func TestAskAwait(t *testing.T) {
	t.Parallel()

	a := startEchoActor(t, "ask-await", &echoBehavior{})

	result, err := AskAwait(context.Background(), a.Ref(), echoMsg{value: 21})
	if err != nil {
		t.Fatalf("AskAwait returned error: %v", err)
	}
	if result != 42 {
		t.Errorf("expected 42, got %d", result)
	}
}

func TestAskAwaitError(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("behavior failed")
	a := startEchoActor(t, "ask-await-error", &echoBehavior{err: wantErr})

	_, err := AskAwait(context.Background(), a.Ref(), echoMsg{value: 1})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected behavior error, got %v", err)
	}
}

func TestAskAwaitContextCancelled(t *testing.T) {
	t.Parallel()

	a := startEchoActor(t, "ask-await-cancelled", &echoBehavior{
		delay: 200 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(
		context.Background(), 10*time.Millisecond,
	)
	defer cancel()

	if _, err := AskAwait(ctx, a.Ref(), echoMsg{value: 1}); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestAskAwaitTyped(t *testing.T) {
	t.Parallel()

	a := startEchoActor(t, "ask-await-typed", &echoBehavior{})

	result, err := AskAwaitTyped[echoMsg, int, int](
		context.Background(), a.Ref(), echoMsg{value: 5},
	)
	if err != nil {
		t.Fatalf("AskAwaitTyped returned error: %v", err)
	}
	if result != 10 {
		t.Errorf("expected 10, got %d", result)
	}
}

func TestAskAwaitTypedMismatch(t *testing.T) {
	t.Parallel()

	a := startEchoActor(t, "ask-await-mismatch", &echoBehavior{})

	_, err := AskAwaitTyped[echoMsg, int, string](
		context.Background(), a.Ref(), echoMsg{value: 5},
	)
	if err == nil {
		t.Fatal("expected type mismatch error")
	}
}
