package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jarvishq/jarvisd/internal/agent/models"
	"github.com/jarvishq/jarvisd/internal/agent/repository"
	"github.com/jarvishq/jarvisd/internal/agent/service"
	"github.com/jarvishq/jarvisd/internal/common/apperr"
	"github.com/jarvishq/jarvisd/internal/common/logger"
	"github.com/jarvishq/jarvisd/pkg/realtime"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Liveness ping period; must stay under the 30s heartbeat ceiling
	pingPeriod = 25 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024
)

// Dispatcher starts agent runs for inbound send_message frames.
type Dispatcher interface {
	ExecuteAgentTask(ctx context.Context, req service.TaskRequest) (*service.TaskResult, error)
}

// Client represents a single WebSocket connection.
type Client struct {
	ID         string
	conn       *websocket.Conn
	hub        *Hub
	send       chan []byte
	topics     map[string]bool
	repo       repository.Repository
	dispatcher Dispatcher
	mu         sync.RWMutex
	logger     *logger.Logger
}

// NewClient creates a WebSocket client.
func NewClient(id string, conn *websocket.Conn, hub *Hub, repo repository.Repository, dispatcher Dispatcher, log *logger.Logger) *Client {
	return &Client{
		ID:         id,
		conn:       conn,
		hub:        hub,
		send:       make(chan []byte, 256),
		topics:     make(map[string]bool),
		repo:       repo,
		dispatcher: dispatcher,
		logger:     log.WithFields(zap.String("client_id", id)),
	}
}

func (c *Client) addTopic(topic string) {
	c.mu.Lock()
	c.topics[topic] = true
	c.mu.Unlock()
}

func (c *Client) removeTopic(topic string) {
	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()
}

// ReadPump pumps frames from the connection into the protocol handler.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			return
		}

		frame, err := realtime.ParseFrame(data)
		if err != nil {
			c.sendEnvelope(realtime.NewError("", err.Error(), nil))
			continue
		}
		c.handleFrame(ctx, frame)
	}
}

func (c *Client) handleFrame(ctx context.Context, frame *realtime.Frame) {
	reqID := frame.ReqID
	if reqID == "" {
		reqID = frame.MessageID
	}

	switch frame.Type {
	case realtime.TypeSubscribe:
		for _, topic := range frame.Topics {
			if err := realtime.ValidateTopic(topic); err != nil {
				c.sendEnvelope(realtime.NewError(reqID, "invalid topic", map[string]string{"topic": topic, "reason": err.Error()}))
				continue
			}
			c.hub.SubscribeClient(c, topic)
		}

	case realtime.TypeUnsubscribe:
		for _, topic := range frame.Topics {
			c.hub.UnsubscribeClient(c, topic)
		}

	case realtime.TypePing:
		c.sendEnvelope(realtime.NewPong(frame.Ts))

	case realtime.TypeSendMessage:
		c.handleSendMessage(ctx, reqID, frame)

	default:
		c.sendEnvelope(realtime.NewError(reqID, "unknown frame type", map[string]string{"type": frame.Type}))
	}
}

// handleSendMessage appends a user message to a chat thread and starts a
// single-turn run on it.
func (c *Client) handleSendMessage(ctx context.Context, reqID string, frame *realtime.Frame) {
	if frame.ThreadID == "" || frame.Content == "" {
		c.sendEnvelope(realtime.NewError(reqID, "send_message requires thread_id and content", nil))
		return
	}

	thread, err := c.repo.GetThread(ctx, frame.ThreadID)
	if err != nil {
		c.sendEnvelope(realtime.NewError(reqID, err.Error(), nil))
		return
	}

	msg := &models.Message{
		Role:        models.RoleUser,
		Content:     frame.Content,
		MessageType: models.MessageTypeUser,
	}
	if _, err := c.repo.AppendMessages(ctx, thread.ID, []*models.Message{msg}); err != nil {
		c.sendEnvelope(realtime.NewError(reqID, err.Error(), nil))
		return
	}

	_, err = c.dispatcher.ExecuteAgentTask(ctx, service.TaskRequest{
		AgentID:  thread.AgentID,
		Trigger:  models.TriggerManual,
		ThreadID: thread.ID,
	})
	if err != nil {
		if apperr.IsBusy(err) {
			c.sendEnvelope(realtime.NewError(reqID, "agent busy", map[string]string{"agent_id": thread.AgentID}))
			return
		}
		c.sendEnvelope(realtime.NewError(reqID, err.Error(), nil))
	}
}

func (c *Client) sendEnvelope(env *realtime.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("Failed to marshal envelope", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("Client send buffer full")
	}
}

// WritePump drains the send channel onto the connection and keeps the
// peer alive with periodic pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
