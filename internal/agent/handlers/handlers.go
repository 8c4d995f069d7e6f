// Package handlers exposes the agent REST surface: agent CRUD, task
// dispatch, thread messages, run history and trigger management.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jarvishq/jarvisd/internal/agent/models"
	"github.com/jarvishq/jarvisd/internal/agent/repository"
	"github.com/jarvishq/jarvisd/internal/agent/service"
	"github.com/jarvishq/jarvisd/internal/common/apperr"
	"github.com/jarvishq/jarvisd/internal/common/logger"
)

// Dispatcher starts agent runs for API requests.
type Dispatcher interface {
	ExecuteAgentTask(ctx context.Context, req service.TaskRequest) (*service.TaskResult, error)
}

// Scheduler keeps cron registrations in step with agent writes.
type Scheduler interface {
	ScheduleAgent(ctx context.Context, agent *models.Agent) error
	UnscheduleAgent(agentID string)
	RefreshAgent(ctx context.Context, agent *models.Agent) error
}

// Handler contains the agent HTTP handlers.
type Handler struct {
	repo       repository.Repository
	dispatcher Dispatcher
	scheduler  Scheduler
	logger     *logger.Logger
}

// NewHandler creates the agent API handler.
func NewHandler(repo repository.Repository, dispatcher Dispatcher, scheduler Scheduler, log *logger.Logger) *Handler {
	return &Handler{
		repo:       repo,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		logger:     log.WithFields(zap.String("component", "agent-api")),
	}
}

// RegisterRoutes mounts the agent endpoints on a router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/agents", h.CreateAgent)
	rg.GET("/agents", h.ListAgents)
	rg.GET("/agents/:id", h.GetAgent)
	rg.PATCH("/agents/:id", h.UpdateAgent)
	rg.DELETE("/agents/:id", h.DeleteAgent)
	rg.POST("/agents/:id/task", h.DispatchTask)
	rg.GET("/agents/:id/runs", h.ListRuns)
	rg.GET("/agents/:id/threads", h.ListThreads)
	rg.POST("/agents/:id/triggers", h.CreateTrigger)
	rg.GET("/threads/:id/messages", h.ListMessages)
	rg.POST("/threads/:id/messages", h.PostMessage)
	rg.GET("/triggers/:id", h.GetTrigger)
	rg.DELETE("/triggers/:id", h.DeleteTrigger)
}

type agentRequest struct {
	Name               *string         `json:"name"`
	SystemInstructions *string         `json:"system_instructions"`
	TaskInstructions   *string         `json:"task_instructions"`
	Model              *string         `json:"model"`
	Temperature        *float64        `json:"temperature"`
	Schedule           *string         `json:"schedule"`
	AllowedTools       []string        `json:"allowed_tools"`
	Config             json.RawMessage `json:"config"`
}

// CreateAgent stores a new agent and registers its schedule.
// POST /api/agents
func (h *Handler) CreateAgent(c *gin.Context) {
	var req agentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Name == nil || *req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	agent := &models.Agent{
		OwnerID:      ownerID(c),
		Name:         *req.Name,
		Schedule:     req.Schedule,
		AllowedTools: req.AllowedTools,
		Config:       req.Config,
	}
	if req.SystemInstructions != nil {
		agent.SystemInstructions = *req.SystemInstructions
	}
	if req.TaskInstructions != nil {
		agent.TaskInstructions = *req.TaskInstructions
	}
	if req.Model != nil {
		agent.Model = *req.Model
	}
	if req.Temperature != nil {
		agent.Temperature = *req.Temperature
	}

	if err := h.repo.CreateAgent(c.Request.Context(), agent); err != nil {
		h.fail(c, err, "failed to create agent")
		return
	}
	if agent.IsScheduled() {
		if err := h.scheduler.ScheduleAgent(c.Request.Context(), agent); err != nil {
			h.logger.Warn("Failed to register schedule",
				zap.String("agent_id", agent.ID), zap.Error(err))
		}
	}
	c.JSON(http.StatusCreated, agent)
}

// ListAgents lists the owner's agents.
// GET /api/agents
func (h *Handler) ListAgents(c *gin.Context) {
	agents, err := h.repo.ListAgents(c.Request.Context(), ownerID(c))
	if err != nil {
		h.fail(c, err, "failed to list agents")
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

// GetAgent loads one agent.
// GET /api/agents/:id
func (h *Handler) GetAgent(c *gin.Context) {
	agent, err := h.repo.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "failed to get agent")
		return
	}
	c.JSON(http.StatusOK, agent)
}

// UpdateAgent applies a partial update and refreshes the schedule.
// PATCH /api/agents/:id
func (h *Handler) UpdateAgent(c *gin.Context) {
	var req agentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	agent, err := h.repo.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "failed to get agent")
		return
	}

	if req.Name != nil {
		agent.Name = *req.Name
	}
	if req.SystemInstructions != nil {
		agent.SystemInstructions = *req.SystemInstructions
	}
	if req.TaskInstructions != nil {
		agent.TaskInstructions = *req.TaskInstructions
	}
	if req.Model != nil {
		agent.Model = *req.Model
	}
	if req.Temperature != nil {
		agent.Temperature = *req.Temperature
	}
	if req.Schedule != nil {
		if *req.Schedule == "" {
			agent.Schedule = nil
		} else {
			agent.Schedule = req.Schedule
		}
	}
	if req.AllowedTools != nil {
		agent.AllowedTools = req.AllowedTools
	}
	if req.Config != nil {
		agent.Config = req.Config
	}

	if err := h.repo.UpdateAgent(c.Request.Context(), agent); err != nil {
		h.fail(c, err, "failed to update agent")
		return
	}
	if err := h.scheduler.RefreshAgent(c.Request.Context(), agent); err != nil {
		h.logger.Warn("Failed to refresh schedule",
			zap.String("agent_id", agent.ID), zap.Error(err))
	}
	c.JSON(http.StatusOK, agent)
}

// DeleteAgent unschedules and deletes an agent with its history.
// DELETE /api/agents/:id
func (h *Handler) DeleteAgent(c *gin.Context) {
	id := c.Param("id")
	h.scheduler.UnscheduleAgent(id)
	if err := h.repo.DeleteAgent(c.Request.Context(), id); err != nil {
		h.fail(c, err, "failed to delete agent")
		return
	}
	c.Status(http.StatusNoContent)
}

type taskRequest struct {
	TaskOverride string `json:"task_override"`
}

// DispatchTask starts a manual task run.
// POST /api/agents/:id/task
func (h *Handler) DispatchTask(c *gin.Context) {
	var req taskRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	result, err := h.dispatcher.ExecuteAgentTask(c.Request.Context(), service.TaskRequest{
		AgentID:      c.Param("id"),
		Trigger:      models.TriggerManual,
		TaskOverride: req.TaskOverride,
	})
	if err != nil {
		if apperr.IsBusy(err) {
			c.JSON(http.StatusConflict, gin.H{"error": "busy"})
			return
		}
		h.fail(c, err, "failed to dispatch task")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"run_id":    result.RunID,
		"thread_id": result.ThreadID,
	})
}

// ListRuns pages through run history, newest first.
// GET /api/agents/:id/runs?limit=&offset=
func (h *Handler) ListRuns(c *gin.Context) {
	runs, err := h.repo.ListRuns(c.Request.Context(), c.Param("id"), repository.ListRunsOptions{
		Limit:  intQuery(c, "limit", 50),
		Offset: intQuery(c, "offset", 0),
	})
	if err != nil {
		h.fail(c, err, "failed to list runs")
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// ListThreads lists an agent's threads.
// GET /api/agents/:id/threads
func (h *Handler) ListThreads(c *gin.Context) {
	threads, err := h.repo.ListThreads(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "failed to list threads")
		return
	}
	c.JSON(http.StatusOK, gin.H{"threads": threads})
}

// ListMessages returns a thread's messages after an optional cursor.
// GET /api/threads/:id/messages?since=&limit=
func (h *Handler) ListMessages(c *gin.Context) {
	threadID := c.Param("id")
	if _, err := h.repo.GetThread(c.Request.Context(), threadID); err != nil {
		h.fail(c, err, "failed to get thread")
		return
	}
	msgs, err := h.repo.ListMessages(c.Request.Context(), threadID, repository.ListMessagesOptions{
		SinceID: c.Query("since"),
		Limit:   intQuery(c, "limit", 0),
	})
	if err != nil {
		h.fail(c, err, "failed to list messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type messageRequest struct {
	Content string `json:"content" binding:"required"`
}

// PostMessage appends a user message and starts a single-turn run.
// POST /api/threads/:id/messages
func (h *Handler) PostMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}

	ctx := c.Request.Context()
	thread, err := h.repo.GetThread(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, err, "failed to get thread")
		return
	}

	msg := &models.Message{
		Role:        models.RoleUser,
		Content:     req.Content,
		MessageType: models.MessageTypeUser,
	}
	ids, err := h.repo.AppendMessages(ctx, thread.ID, []*models.Message{msg})
	if err != nil {
		h.fail(c, err, "failed to append message")
		return
	}

	result, err := h.dispatcher.ExecuteAgentTask(ctx, service.TaskRequest{
		AgentID:  thread.AgentID,
		Trigger:  models.TriggerManual,
		ThreadID: thread.ID,
	})
	if err != nil {
		if apperr.IsBusy(err) {
			// The message is durable; the client retries the run later.
			c.JSON(http.StatusConflict, gin.H{"error": "busy", "message_id": ids[0]})
			return
		}
		h.fail(c, err, "failed to dispatch run")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"message_id": ids[0],
		"run_id":     result.RunID,
		"thread_id":  thread.ID,
	})
}

type triggerRequest struct {
	Type   models.TriggerType `json:"type" binding:"required"`
	Config json.RawMessage    `json:"config"`
}

// CreateTrigger binds an external trigger to an agent. The webhook
// secret is returned once here and never again.
// POST /api/agents/:id/triggers
func (h *Handler) CreateTrigger(c *gin.Context) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type is required"})
		return
	}
	if req.Type != models.TriggerTypeWebhook && req.Type != models.TriggerTypeEmail {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type must be webhook or email"})
		return
	}

	ctx := c.Request.Context()
	agent, err := h.repo.GetAgent(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, err, "failed to get agent")
		return
	}

	trigger := &models.Trigger{
		AgentID: agent.ID,
		Type:    req.Type,
		Config:  req.Config,
	}
	if err := h.repo.CreateTrigger(ctx, trigger); err != nil {
		h.fail(c, err, "failed to create trigger")
		return
	}

	resp := gin.H{"trigger": trigger}
	if trigger.Type == models.TriggerTypeWebhook {
		resp["secret"] = trigger.Secret
	}
	c.JSON(http.StatusCreated, resp)
}

// GetTrigger loads one trigger. The secret is never returned here.
// GET /api/triggers/:id
func (h *Handler) GetTrigger(c *gin.Context) {
	trigger, err := h.repo.GetTrigger(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "failed to get trigger")
		return
	}
	c.JSON(http.StatusOK, trigger)
}

// DeleteTrigger removes a trigger.
// DELETE /api/triggers/:id
func (h *Handler) DeleteTrigger(c *gin.Context) {
	if err := h.repo.DeleteTrigger(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err, "failed to delete trigger")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) fail(c *gin.Context, err error, msg string) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, zap.Error(err))
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

// ownerID resolves the acting user. Device-authenticated requests carry
// the system user id; the fallback is the seeded system owner.
func ownerID(c *gin.Context) string {
	if v, ok := c.Get("user_id"); ok {
		if id, ok := v.(string); ok && id != "" {
			return id
		}
	}
	return "system"
}
