package delivery

import (
	"time"

	"github.com/rzbill/courier/internal/message"
	"github.com/rzbill/courier/pkg/id"
)

// Route is the path a message took through the router.
type Route uint8

const (
	// RouteDelivering means the message went to a live connection.
	RouteDelivering Route = iota + 1
	// RoutePersisting means the message went to the durable store, or was
	// about to when it failed.
	RoutePersisting
)

func (r Route) String() string {
	switch r {
	case RouteDelivering:
		return "delivering"
	case RoutePersisting:
		return "persisting"
	default:
		return "unknown"
	}
}

// Outcome is the result of routing one queue entry.
type Outcome struct {
	MessageID id.ID
	Route     Route
	// State is Delivered, Persisted or DeadLettered when the entry left the
	// queue, Retrying when it was nacked for another attempt, and Failed when
	// settling it failed and lease reclaim will bring it back.
	State message.DeliveryState
	// Attempts is the attempt count after this route.
	Attempts uint32
	// RetryAfter is the backoff applied when State is Retrying or Failed.
	RetryAfter time.Duration
	Err        error
}

// Final reports whether the entry reached a terminal state.
func (o Outcome) Final() bool { return o.State.Terminal() }
