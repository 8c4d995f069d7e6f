package sse

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jarvishq/jarvisd/internal/common/logger"
	"github.com/jarvishq/jarvisd/pkg/realtime"
)

// heartbeatPeriod keeps the connection alive under the 30s ceiling.
const heartbeatPeriod = 25 * time.Second

// Handler serves the SSE streaming endpoint.
type Handler struct {
	broker *Broker
	logger *logger.Logger
}

// NewHandler creates an SSE handler.
func NewHandler(broker *Broker, log *logger.Logger) *Handler {
	return &Handler{
		broker: broker,
		logger: log.WithFields(zap.String("component", "sse_handler")),
	}
}

// Stream handles a long-lived event stream
// GET /api/jarvis/events?topics=agent:1,thread:2
func (h *Handler) Stream(c *gin.Context) {
	var topics []string
	if raw := c.Query("topics"); raw != "" {
		for _, topic := range strings.Split(raw, ",") {
			topic = strings.TrimSpace(topic)
			if topic == "" {
				continue
			}
			if err := realtime.ValidateTopic(topic); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			topics = append(topics, topic)
		}
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	clientID := uuid.New().String()
	sub := h.broker.Subscribe(topics)
	defer sub.Close()

	// The connected event is always first on the stream.
	connected, err := realtime.New(realtime.TypeConnected, "", map[string]string{"client_id": clientID})
	if err == nil {
		if frame, err := RenderFrame(connected); err == nil {
			_, _ = c.Writer.Write(frame)
			flusher.Flush()
		}
	}

	h.logger.Info("SSE connection established",
		zap.String("client_id", clientID),
		zap.Strings("topics", topics))

	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			h.logger.Debug("SSE connection closed", zap.String("client_id", clientID))
			return

		case frame, ok := <-sub.C:
			if !ok {
				return
			}
			if _, err := c.Writer.Write(frame); err != nil {
				return
			}
			flusher.Flush()

		case <-ticker.C:
			if _, err := c.Writer.Write(Heartbeat); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
