package review

import "github.com/roasbeef/revbroker/internal/baselib/actor"

// BrokerServiceKey is the service key for the broker service actor.
var BrokerServiceKey = actor.NewServiceKey[BrokerRequest, BrokerResponse](
	"review-broker",
)

// BrokerActorRef is the typed actor reference for the broker service.
type BrokerActorRef = actor.ActorRef[BrokerRequest, BrokerResponse]

// BrokerTellOnlyRef is a tell-only reference to the broker service.
type BrokerTellOnlyRef = actor.TellOnlyRef[BrokerRequest]
