package websocket

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jarvishq/jarvisd/internal/agent/repository"
	"github.com/jarvishq/jarvisd/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Browsers enforce auth via the session cookie; cross-origin
		// pages cannot read frames without it.
		return true
	},
}

// WSHandler upgrades HTTP requests to WebSocket connections.
type WSHandler struct {
	hub        *Hub
	repo       repository.Repository
	dispatcher Dispatcher
	logger     *logger.Logger
}

// NewWSHandler creates a WebSocket handler.
func NewWSHandler(hub *Hub, repo repository.Repository, dispatcher Dispatcher, log *logger.Logger) *WSHandler {
	return &WSHandler{
		hub:        hub,
		repo:       repo,
		dispatcher: dispatcher,
		logger:     log.WithFields(zap.String("component", "ws_handler")),
	}
}

// Stream handles the WebSocket endpoint
// GET /api/ws
func (h *WSHandler) Stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.logger.Info("WebSocket connection established", zap.String("client_id", clientID))

	client := NewClient(clientID, conn, h.hub, h.repo, h.dispatcher, h.logger)
	h.hub.Register(client)

	// The request context dies when the handler returns; pumps outlive it.
	go client.WritePump()
	go client.ReadPump(context.Background())
}

// RegisterRoutes adds the WebSocket route to the router group.
func (h *WSHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/ws", h.Stream)
}
