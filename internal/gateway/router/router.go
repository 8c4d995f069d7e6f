// Package router bridges the event bus to the realtime transports: it
// derives the topic for each published event, wraps the payload in a
// wire envelope and hands it to every attached sink.
package router

import (
	"context"

	"go.uber.org/zap"

	"github.com/jarvishq/jarvisd/internal/common/logger"
	"github.com/jarvishq/jarvisd/internal/events"
	"github.com/jarvishq/jarvisd/internal/events/bus"
	"github.com/jarvishq/jarvisd/pkg/realtime"
)

// Sink receives routed envelopes for one transport.
type Sink interface {
	Broadcast(topic string, env *realtime.Envelope)
}

// Router subscribes to every event kind and fans envelopes out to its
// sinks. Events without a topic (internal-only kinds) are dropped.
type Router struct {
	sinks  []Sink
	logger *logger.Logger
}

// New creates a router over the given sinks.
func New(log *logger.Logger, sinks ...Sink) *Router {
	return &Router{
		sinks:  sinks,
		logger: log.WithFields(zap.String("component", "topic_router")),
	}
}

// Attach subscribes the router to the bus.
func (r *Router) Attach(eventBus bus.Bus) error {
	_, err := eventBus.SubscribeAll("realtime-router", r.handle)
	return err
}

func (r *Router) handle(_ context.Context, ev *events.Event) error {
	topic, ok := events.TopicOf(ev)
	if !ok {
		return nil
	}

	env, err := realtime.New(events.WireType(ev.Kind), topic, ev.Payload)
	if err != nil {
		r.logger.Error("Failed to build envelope",
			zap.String("kind", string(ev.Kind)),
			zap.Error(err))
		return nil
	}

	for _, sink := range r.sinks {
		sink.Broadcast(topic, env)
	}
	return nil
}
