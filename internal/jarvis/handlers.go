package jarvis

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jarvishq/jarvisd/internal/agent/models"
	"github.com/jarvishq/jarvisd/internal/agent/repository"
	"github.com/jarvishq/jarvisd/internal/agent/service"
	"github.com/jarvishq/jarvisd/internal/common/apperr"
	"github.com/jarvishq/jarvisd/internal/common/logger"
	"github.com/jarvishq/jarvisd/internal/common/stringutil"
)

// Dispatcher starts agent runs for device dispatch requests.
type Dispatcher interface {
	ExecuteAgentTask(ctx context.Context, req service.TaskRequest) (*service.TaskResult, error)
}

// Handler serves the device API.
type Handler struct {
	tokens          *TokenService
	repo            repository.Repository
	dispatcher      Dispatcher
	events          gin.HandlerFunc
	systemUserID    string
	allowQueryToken bool
	logger          *logger.Logger
}

// NewHandler creates the device API handler. events serves the SSE
// stream behind the auth middleware.
func NewHandler(tokens *TokenService, repo repository.Repository, dispatcher Dispatcher, events gin.HandlerFunc, systemUserID string, allowQueryToken bool, log *logger.Logger) *Handler {
	return &Handler{
		tokens:          tokens,
		repo:            repo,
		dispatcher:      dispatcher,
		events:          events,
		systemUserID:    systemUserID,
		allowQueryToken: allowQueryToken,
		logger:          log.WithFields(zap.String("component", "jarvis_api")),
	}
}

// RegisterRoutes mounts the device API under the given group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	jarvis := rg.Group("/jarvis")
	jarvis.POST("/auth", h.Auth)

	authed := jarvis.Group("")
	authed.Use(h.AuthRequired())
	authed.GET("/agents", h.ListAgents)
	authed.POST("/dispatch", h.Dispatch)
	authed.GET("/events", h.events)
}

type authRequest struct {
	Secret string `json:"device_secret" binding:"required"`
}

// Auth exchanges the device secret for a session token
// POST /api/jarvis/auth
func (h *Handler) Auth(c *gin.Context) {
	var req authRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "secret is required"})
		return
	}
	if err := h.tokens.CheckDeviceSecret(req.Secret); err != nil {
		h.logger.Warn("Device auth rejected", zap.String("remote", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, expiry, err := h.tokens.Issue(h.systemUserID)
	if err != nil {
		h.logger.Error("Failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookie, token, int(h.tokens.duration.Seconds()), "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": expiry.UTC(),
	})
}

// AuthRequired validates the session token from the cookie, the
// Authorization header, or (when enabled) the token query parameter.
func (h *Handler) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := h.sessionToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		userID, err := h.tokens.Validate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set("user_id", userID)
		c.Next()
	}
}

func (h *Handler) sessionToken(c *gin.Context) string {
	if cookie, err := c.Cookie(SessionCookie); err == nil && cookie != "" {
		return cookie
	}
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if h.allowQueryToken {
		return c.Query("token")
	}
	return ""
}

// ListAgents returns the agents visible to the device
// GET /api/jarvis/agents
func (h *Handler) ListAgents(c *gin.Context) {
	agents, err := h.repo.ListAgents(c.Request.Context(), c.GetString("user_id"))
	if err != nil {
		h.logger.Error("Failed to list agents", zap.Error(err))
		c.JSON(apperr.HTTPStatus(err), gin.H{"error": "internal error"})
		return
	}

	out := make([]gin.H, 0, len(agents))
	for _, agent := range agents {
		out = append(out, gin.H{
			"id":          agent.ID,
			"name":        agent.Name,
			"description": stringutil.TruncateRunes(agent.TaskInstructions, 200),
			"status":      agent.Status,
		})
	}
	c.JSON(http.StatusOK, gin.H{"agents": out})
}

type dispatchRequest struct {
	AgentID      string `json:"agent_id" binding:"required"`
	TaskOverride string `json:"task_override"`
}

// Dispatch starts a manual run on an agent
// POST /api/jarvis/dispatch
func (h *Handler) Dispatch(c *gin.Context) {
	var req dispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agent_id is required"})
		return
	}

	result, err := h.dispatcher.ExecuteAgentTask(c.Request.Context(), service.TaskRequest{
		AgentID:      req.AgentID,
		Trigger:      models.TriggerManual,
		TaskOverride: req.TaskOverride,
	})
	if err != nil {
		if apperr.IsBusy(err) {
			c.JSON(http.StatusConflict, gin.H{"error": "busy"})
			return
		}
		status := apperr.HTTPStatus(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("Dispatch failed", zap.String("agent_id", req.AgentID), zap.Error(err))
			c.JSON(status, gin.H{"error": "internal error"})
			return
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"run_id":    result.RunID,
		"thread_id": result.ThreadID,
	})
}
