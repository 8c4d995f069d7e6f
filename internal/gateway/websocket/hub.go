// Package websocket implements the bidirectional realtime transport:
// a hub fanning routed envelopes out to subscribed connections, and
// per-connection clients handling the inbound frame protocol.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/jarvishq/jarvisd/internal/common/logger"
	"github.com/jarvishq/jarvisd/pkg/realtime"
)

// Hub manages all WebSocket clients and routes envelopes by topic.
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Clients by topic for routing
	topicClients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *broadcastMessage

	mu     sync.RWMutex
	logger *logger.Logger
}

type broadcastMessage struct {
	Topic    string
	Envelope *realtime.Envelope
}

// NewHub creates a WebSocket hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:      make(map[*Client]bool),
		topicClients: make(map[string]map[*Client]bool),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		broadcast:    make(chan *broadcastMessage, 256),
		logger:       log.WithFields(zap.String("component", "websocket_hub")),
	}
}

// Run starts the hub processing loop. It returns when ctx is cancelled,
// closing every client send channel on the way out.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.topicClients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				for topic := range client.topics {
					h.dropFromTopicLocked(client, topic)
				}
			}
			h.mu.Unlock()
			h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg *broadcastMessage) {
	h.mu.RLock()
	subscribers := make([]*Client, 0, len(h.topicClients[msg.Topic]))
	for client := range h.topicClients[msg.Topic] {
		subscribers = append(subscribers, client)
	}
	h.mu.RUnlock()

	if len(subscribers) == 0 {
		return
	}

	data, err := json.Marshal(msg.Envelope)
	if err != nil {
		h.logger.Error("Failed to marshal envelope", zap.Error(err))
		return
	}

	for _, client := range subscribers {
		select {
		case client.send <- data:
		default:
			// Send buffer full: the connection is dead or too slow.
			// Prune it instead of blocking the fan-out.
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				close(client.send)
				delete(h.clients, client)
				for topic := range client.topics {
					h.dropFromTopicLocked(client, topic)
				}
			}
			h.mu.Unlock()
			h.logger.Warn("Pruned slow client", zap.String("client_id", client.ID))
		}
	}
}

func (h *Hub) dropFromTopicLocked(client *Client, topic string) {
	if clients, ok := h.topicClients[topic]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.topicClients, topic)
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast fans an envelope out to every client subscribed to topic.
func (h *Hub) Broadcast(topic string, env *realtime.Envelope) {
	h.broadcast <- &broadcastMessage{Topic: topic, Envelope: env}
}

// SubscribeClient subscribes a client to a topic.
func (h *Hub) SubscribeClient(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.topicClients[topic]; !ok {
		h.topicClients[topic] = make(map[*Client]bool)
	}
	h.topicClients[topic][client] = true
	client.addTopic(topic)
	h.logger.Debug("Client subscribed",
		zap.String("client_id", client.ID),
		zap.String("topic", topic))
}

// UnsubscribeClient unsubscribes a client from a topic.
func (h *Hub) UnsubscribeClient(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.dropFromTopicLocked(client, topic)
	client.removeTopic(topic)
	h.logger.Debug("Client unsubscribed",
		zap.String("client_id", client.ID),
		zap.String("topic", topic))
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// TopicSubscriberCount returns the number of clients subscribed to a topic.
func (h *Hub) TopicSubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topicClients[topic])
}
