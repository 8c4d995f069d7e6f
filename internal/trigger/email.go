package trigger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jarvishq/jarvisd/internal/agent/models"
	"github.com/jarvishq/jarvisd/internal/agent/repository"
	"github.com/jarvishq/jarvisd/internal/common/logger"
	"github.com/jarvishq/jarvisd/internal/events"
	"github.com/jarvishq/jarvisd/internal/events/bus"
)

// watchRenewalWindow is how close to expiry a Gmail watch gets renewed.
const watchRenewalWindow = 24 * time.Hour

// renewTickPeriod is the cadence of the watch-renewal loop.
const renewTickPeriod = 60 * time.Second

// TokenVerifier validates the bearer token on provider push requests.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) error
}

// EmailMessage is the provider-neutral shape of one inbound email.
type EmailMessage struct {
	// Number is the provider's monotonically increasing message number,
	// used as the deduplication key.
	Number  string
	Sender  string
	Subject string
	Labels  []string
	Snippet string
	Body    string
}

// GmailClient is the narrow mailbox surface the ingest needs.
type GmailClient interface {
	// Watch establishes (or re-establishes) a push watch and returns the
	// mailbox history id plus the watch expiry.
	Watch(ctx context.Context) (historyID string, expiry time.Time, err error)
	// History returns messages added since startHistoryID and the new
	// history id to store.
	History(ctx context.Context, startHistoryID string) ([]EmailMessage, string, error)
}

// EmailHandler ingests Gmail push notifications and fires email
// triggers whose filters match new messages.
type EmailHandler struct {
	repo     repository.Repository
	bus      bus.Bus
	verifier TokenVerifier
	gmail    GmailClient
	logger   *logger.Logger
}

// NewEmailHandler creates the email ingest handler.
func NewEmailHandler(repo repository.Repository, eventBus bus.Bus, verifier TokenVerifier, gmail GmailClient, log *logger.Logger) *EmailHandler {
	return &EmailHandler{
		repo:     repo,
		bus:      eventBus,
		verifier: verifier,
		gmail:    gmail,
		logger:   log.WithFields(zap.String("component", "email-ingest")),
	}
}

// pushNotification is the Pub/Sub push envelope Google posts.
type pushNotification struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// HandlePush ingests one Gmail push notification.
// POST /api/email/webhook/google
func (h *EmailHandler) HandlePush(c *gin.Context) {
	ctx := c.Request.Context()

	token := bearerToken(c.GetHeader("Authorization"))
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err := h.verifier.Verify(ctx, token); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var push pushNotification
	if err := c.ShouldBindJSON(&push); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid push payload"})
		return
	}
	if push.Message.Data != "" {
		if _, err := base64.StdEncoding.DecodeString(push.Message.Data); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid push payload"})
			return
		}
	}

	if err := h.processTriggers(ctx); err != nil {
		h.logger.Error("Email trigger processing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// processTriggers walks every email trigger, diffs mailbox history and
// fires matching messages. A trigger without stored history gets a
// fresh watch instead of a diff.
func (h *EmailHandler) processTriggers(ctx context.Context) error {
	triggers, err := h.repo.ListTriggersByType(ctx, models.TriggerTypeEmail)
	if err != nil {
		return err
	}

	for _, trigger := range triggers {
		if trigger.HistoryID == nil || *trigger.HistoryID == "" {
			if err := h.establishWatch(ctx, trigger); err != nil {
				h.logger.Warn("Failed to establish watch",
					zap.String("trigger_id", trigger.ID),
					zap.Error(err))
			}
			continue
		}
		if err := h.diffAndFire(ctx, trigger); err != nil {
			h.logger.Warn("Failed to process email trigger",
				zap.String("trigger_id", trigger.ID),
				zap.Error(err))
		}
	}
	return nil
}

func (h *EmailHandler) establishWatch(ctx context.Context, trigger *models.Trigger) error {
	historyID, expiry, err := h.gmail.Watch(ctx)
	if err != nil {
		return err
	}
	return h.repo.UpdateTriggerWatch(ctx, trigger.ID, &historyID, nil, &expiry)
}

func (h *EmailHandler) diffAndFire(ctx context.Context, trigger *models.Trigger) error {
	msgs, newHistoryID, err := h.gmail.History(ctx, *trigger.HistoryID)
	if err != nil {
		return err
	}

	filter, err := decodeEmailConfig(trigger.Config)
	if err != nil {
		return err
	}

	lastKey := ""
	if trigger.LastMessageKey != nil {
		lastKey = *trigger.LastMessageKey
	}
	maxKey := lastKey

	for _, msg := range msgs {
		if !newerMessage(msg.Number, lastKey) {
			continue
		}
		if newerMessage(msg.Number, maxKey) {
			maxKey = msg.Number
		}
		if !filter.matches(msg) {
			continue
		}
		if err := h.fire(ctx, trigger, msg); err != nil {
			h.logger.Warn("Failed to fire email trigger",
				zap.String("trigger_id", trigger.ID),
				zap.String("message_number", msg.Number),
				zap.Error(err))
		}
	}

	var lastMessageKey *string
	if maxKey != lastKey {
		lastMessageKey = &maxKey
	}
	return h.repo.UpdateTriggerWatch(ctx, trigger.ID, &newHistoryID, lastMessageKey, nil)
}

func (h *EmailHandler) fire(ctx context.Context, trigger *models.Trigger, msg EmailMessage) error {
	doc, err := json.Marshal(map[string]string{
		"message_number": msg.Number,
		"sender":         msg.Sender,
		"subject":        msg.Subject,
		"snippet":        msg.Snippet,
		"body":           msg.Body,
	})
	if err != nil {
		return err
	}
	ev := events.New(events.TriggerFired, events.TriggerFiredPayload{
		TriggerID:   trigger.ID,
		AgentID:     trigger.AgentID,
		TriggerType: string(models.TriggerTypeEmail),
		Payload:     doc,
	})
	if err := h.bus.Publish(ctx, ev); err != nil {
		return err
	}
	h.logger.Info("Email trigger fired",
		zap.String("trigger_id", trigger.ID),
		zap.String("message_number", msg.Number))
	return nil
}

// RunWatchRenewal renews Gmail watches approaching expiry. Blocks until
// ctx is done.
func (h *EmailHandler) RunWatchRenewal(ctx context.Context) {
	ticker := time.NewTicker(renewTickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.renewExpiringWatches(ctx)
		}
	}
}

func (h *EmailHandler) renewExpiringWatches(ctx context.Context) {
	triggers, err := h.repo.ListTriggersByType(ctx, models.TriggerTypeEmail)
	if err != nil {
		h.logger.Warn("Failed to list email triggers for renewal", zap.Error(err))
		return
	}
	for _, trigger := range triggers {
		if trigger.WatchExpiry == nil {
			continue
		}
		if time.Until(*trigger.WatchExpiry) >= watchRenewalWindow {
			continue
		}
		historyID, expiry, err := h.gmail.Watch(ctx)
		if err != nil {
			h.logger.Warn("Watch renewal failed",
				zap.String("trigger_id", trigger.ID),
				zap.Error(err))
			continue
		}
		if err := h.repo.UpdateTriggerWatch(ctx, trigger.ID, &historyID, nil, &expiry); err != nil {
			h.logger.Warn("Failed to store renewed watch",
				zap.String("trigger_id", trigger.ID),
				zap.Error(err))
			continue
		}
		h.logger.Info("Watch renewed",
			zap.String("trigger_id", trigger.ID),
			zap.Time("expiry", expiry))
	}
}

// emailFilter is the compiled form of models.EmailTriggerConfig.
type emailFilter struct {
	sender  string
	subject *regexp.Regexp
	label   string
}

func decodeEmailConfig(raw json.RawMessage) (*emailFilter, error) {
	var cfg models.EmailTriggerConfig
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("invalid email trigger config: %w", err)
		}
	}
	f := &emailFilter{sender: cfg.Sender, label: cfg.Label}
	if cfg.SubjectRegex != "" {
		re, err := regexp.Compile(cfg.SubjectRegex)
		if err != nil {
			return nil, fmt.Errorf("invalid subject regex: %w", err)
		}
		f.subject = re
	}
	return f, nil
}

func (f *emailFilter) matches(msg EmailMessage) bool {
	if f.sender != "" && !strings.EqualFold(f.sender, msg.Sender) {
		return false
	}
	if f.subject != nil && !f.subject.MatchString(msg.Subject) {
		return false
	}
	if f.label != "" {
		found := false
		for _, label := range msg.Labels {
			if strings.EqualFold(label, f.label) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// newerMessage compares provider message numbers, numerically when both
// parse and lexically otherwise. An empty last key admits everything.
func newerMessage(number, last string) bool {
	if last == "" {
		return true
	}
	n, errN := strconv.ParseUint(number, 10, 64)
	l, errL := strconv.ParseUint(last, 10, 64)
	if errN == nil && errL == nil {
		return n > l
	}
	return number > last
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}
