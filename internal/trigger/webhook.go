// Package trigger ingests validated external events (webhooks, email
// push) and converts them into TRIGGER_FIRED events on the bus.
package trigger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jarvishq/jarvisd/internal/agent/repository"
	"github.com/jarvishq/jarvisd/internal/common/apperr"
	"github.com/jarvishq/jarvisd/internal/common/logger"
	"github.com/jarvishq/jarvisd/internal/events"
	"github.com/jarvishq/jarvisd/internal/events/bus"
)

// DefaultMaxBody is the webhook body cap applied before HMAC.
const DefaultMaxBody int64 = 128 * 1024

// WebhookHandler validates HMAC-signed webhook deliveries.
type WebhookHandler struct {
	repo    repository.Repository
	bus     bus.Bus
	maxBody int64
	logger  *logger.Logger
}

// NewWebhookHandler creates the webhook ingest handler. maxBody <= 0
// selects DefaultMaxBody.
func NewWebhookHandler(repo repository.Repository, eventBus bus.Bus, maxBody int64, log *logger.Logger) *WebhookHandler {
	if maxBody <= 0 {
		maxBody = DefaultMaxBody
	}
	return &WebhookHandler{
		repo:    repo,
		bus:     eventBus,
		maxBody: maxBody,
		logger:  log.WithFields(zap.String("component", "webhook-ingest")),
	}
}

// HandleEvent ingests one webhook delivery.
// POST /api/triggers/:id/events
//
// The body cap applies before the HMAC is computed; the signature
// comparison is constant time. Responses carry no detail on 401.
func (h *WebhookHandler) HandleEvent(c *gin.Context) {
	triggerID := c.Param("id")
	ctx := c.Request.Context()

	trigger, err := h.repo.GetTrigger(ctx, triggerID)
	if err != nil {
		c.JSON(apperr.HTTPStatus(err), gin.H{"error": "trigger not found"})
		return
	}
	agent, err := h.repo.GetAgent(ctx, trigger.AgentID)
	if err != nil {
		c.JSON(apperr.HTTPStatus(err), gin.H{"error": "agent not found"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBody))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	if !h.verifySignature(trigger.Secret, body, c.GetHeader("X-Signature")) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	if len(body) == 0 || !json.Valid(body) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be valid JSON"})
		return
	}

	ev := events.New(events.TriggerFired, events.TriggerFiredPayload{
		TriggerID:   trigger.ID,
		AgentID:     agent.ID,
		TriggerType: string(trigger.Type),
		Payload:     json.RawMessage(body),
	})
	if err := h.bus.Publish(ctx, ev); err != nil {
		h.logger.Error("Failed to publish trigger event",
			zap.String("trigger_id", trigger.ID),
			zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event bus unavailable"})
		return
	}

	h.logger.Info("Webhook accepted",
		zap.String("trigger_id", trigger.ID),
		zap.String("agent_id", agent.ID),
		zap.Int("body_bytes", len(body)))
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// verifySignature checks hex(HMAC-SHA256(secret, body)) in constant
// time. A missing or undecodable header fails.
func (h *WebhookHandler) verifySignature(secret string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

// Sign computes the hex signature a webhook sender should put in
// X-Signature. Used by tests and documented for integrators.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
