// Package bus provides the event bus abstractions for jarvisd.
package bus

import (
	"context"

	"github.com/jarvishq/jarvisd/internal/events"
)

// Handler processes one event. Handlers may block on I/O; the in-memory
// bus runs them concurrently and isolates their failures from the
// publisher and from each other.
type Handler func(ctx context.Context, ev *events.Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the event bus interface.
//
// Publish completes only after fan-out to all subscribers registered at
// publish time has finished (in-memory implementation). A failing or
// panicking subscriber never propagates to the publisher. Delivery is
// at-most-once per subscriber and FIFO per subscriber per publishing
// goroutine.
type Bus interface {
	// Publish delivers an event to all subscribers of its kind.
	Publish(ctx context.Context, ev *events.Event) error

	// Subscribe registers a handler for one event kind. Registration is
	// idempotent on id: re-registering an id returns the existing
	// subscription without duplicating delivery.
	Subscribe(kind events.Kind, id string, handler Handler) (Subscription, error)

	// SubscribeAll registers a handler for every event kind (used by the
	// realtime gateway router).
	SubscribeAll(id string, handler Handler) (Subscription, error)

	// Close shuts the bus down; further publishes fail.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
