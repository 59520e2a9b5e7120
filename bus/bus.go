// Package bus routes events between pipeline units over named channels.
//
// A Bus delivers every event published to a channel to every subscription on
// that channel. Delivery is asynchronous: Publish never waits for a handler.
// Each subscription sees events in the order a single publisher sent them and
// runs its handler for one event at a time. A handler that returns an error or
// panics is logged and counted, and delivery to it and to every other
// subscription continues.
//
// Local is the in-process implementation. The natsbus subpackage provides the
// same contract across processes.
package bus

import (
	"context"

	"github.com/c360/gcstreams/event"
)

// Handler consumes one event. Errors are contained by the bus.
type Handler func(ctx context.Context, e event.Event) error

// Subscription is a live registration of a handler on a channel
type Subscription interface {
	Channel() string
	Name() string
	// Unsubscribe stops delivery. It is idempotent, never blocks, and may be
	// called from inside the subscription's own handler.
	Unsubscribe()
}

// Bus is a publish/subscribe router keyed by channel name
type Bus interface {
	// Publish hands e to every current subscriber of channel. It returns
	// errors.ErrBusClosed after Close.
	Publish(ctx context.Context, channel string, e event.Event) error
	// Subscribe registers handler on channel. The subscription receives every
	// event published after Subscribe returns.
	Subscribe(channel, name string, handler Handler) (Subscription, error)
	// Close stops delivery and releases resources. Undelivered events are
	// dropped. Close is idempotent.
	Close() error
}
