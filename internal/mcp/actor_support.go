package mcp

import (
	"context"
	"fmt"

	"github.com/roasbeef/revbroker/internal/actorutil"
	"github.com/roasbeef/revbroker/internal/review"
)

// hasBrokerActor returns true if a broker actor ref is configured.
func (s *Server) hasBrokerActor() bool {
	return s.brokerRef != nil
}

// askBroker dispatches a request to the broker, routing through the actor
// system when a ref is configured and calling the service directly
// otherwise. R names the concrete response the caller expects.
func askBroker[R review.BrokerResponse](ctx context.Context, s *Server,
	msg review.BrokerRequest) (R, error) {

	if s.hasBrokerActor() {
		return actorutil.AskAwaitTyped[
			review.BrokerRequest, review.BrokerResponse, R,
		](ctx, s.brokerRef, msg)
	}

	var zero R
	val, err := s.svc.Receive(ctx, msg).Unpack()
	if err != nil {
		return zero, err
	}

	typed, ok := val.(R)
	if !ok {
		return zero, fmt.Errorf(
			"unexpected response type: got %T, want %T", val, zero,
		)
	}

	return typed, nil
}
