// Package sse implements the one-way realtime transport used by the
// voice assistant frontend. Frames follow the text/event-stream format;
// heartbeats are comment lines.
package sse

import (
	"bytes"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/jarvishq/jarvisd/internal/common/logger"
	"github.com/jarvishq/jarvisd/pkg/realtime"
)

// subscriberBuffer bounds the per-subscriber frame queue. A full queue
// means the consumer stopped reading; the subscriber gets pruned.
const subscriberBuffer = 64

// Subscription is one live SSE consumer. Frames arrives pre-rendered on
// C; the channel closes when the broker prunes or closes the consumer.
type Subscription struct {
	C      <-chan []byte
	ch     chan []byte
	topics map[string]bool
	broker *Broker
}

// Close detaches the subscription from the broker.
func (s *Subscription) Close() {
	s.broker.unsubscribe(s)
}

// Broker fans routed envelopes out to SSE subscribers.
type Broker struct {
	mu     sync.RWMutex
	subs   map[*Subscription]bool
	closed bool
	logger *logger.Logger
}

// NewBroker creates an SSE broker.
func NewBroker(log *logger.Logger) *Broker {
	return &Broker{
		subs:   make(map[*Subscription]bool),
		logger: log.WithFields(zap.String("component", "sse_broker")),
	}
}

// Subscribe attaches a consumer. An empty topic list subscribes to
// every topic.
func (b *Broker) Subscribe(topics []string) *Subscription {
	sub := &Subscription{
		ch:     make(chan []byte, subscriberBuffer),
		broker: b,
	}
	sub.C = sub.ch
	if len(topics) > 0 {
		sub.topics = make(map[string]bool, len(topics))
		for _, topic := range topics {
			sub.topics[topic] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = true
	return sub
}

func (b *Broker) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[sub] {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Broadcast renders the envelope once and queues it on every matching
// subscriber. Subscribers that stopped draining are pruned.
func (b *Broker) Broadcast(topic string, env *realtime.Envelope) {
	frame, err := RenderFrame(env)
	if err != nil {
		b.logger.Error("Failed to render frame", zap.Error(err))
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub.topics != nil && !sub.topics[topic] {
			continue
		}
		select {
		case sub.ch <- frame:
		default:
			delete(b.subs, sub)
			close(sub.ch)
			b.logger.Warn("Pruned slow SSE subscriber", zap.String("topic", topic))
		}
	}
}

// SubscriberCount returns the number of attached consumers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close detaches every subscriber and rejects further subscriptions.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// RenderFrame serializes an envelope as one text/event-stream frame:
// "event: <type>\ndata: <json>\n\n".
func RenderFrame(env *realtime.Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString("event: ")
	buf.WriteString(env.Type)
	buf.WriteString("\ndata: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}

// Heartbeat is the comment line written to keep connections alive.
var Heartbeat = []byte(": ping\n\n")
