// Package handlers exposes the workflow REST surface.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jarvishq/jarvisd/internal/common/apperr"
	"github.com/jarvishq/jarvisd/internal/common/logger"
	"github.com/jarvishq/jarvisd/internal/workflow/service"
)

// Handler contains the workflow HTTP handlers.
type Handler struct {
	service *service.Service
	logger  *logger.Logger
}

// NewHandler creates the workflow API handler.
func NewHandler(svc *service.Service, log *logger.Logger) *Handler {
	return &Handler{
		service: svc,
		logger:  log.WithFields(zap.String("component", "workflow-api")),
	}
}

// RegisterRoutes mounts the workflow endpoints on a router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/workflows", h.CreateWorkflow)
	rg.GET("/workflows", h.ListWorkflows)
	rg.GET("/workflows/:id", h.GetWorkflow)
	rg.PATCH("/workflows/:id", h.UpdateWorkflow)
	rg.DELETE("/workflows/:id", h.DeleteWorkflow)
	rg.POST("/workflows/:id/execute", h.ExecuteWorkflow)
	rg.GET("/workflows/:id/executions", h.ListExecutions)
	rg.GET("/executions/:id", h.GetExecution)
}

type workflowRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Graph       json.RawMessage `json:"graph"`
}

// CreateWorkflow stores a new workflow.
// POST /api/workflows
func (h *Handler) CreateWorkflow(c *gin.Context) {
	var req workflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	wf, err := h.service.CreateWorkflow(c.Request.Context(), ownerID(c), req.Name, req.Description, req.Graph)
	if err != nil {
		h.fail(c, err, "failed to create workflow")
		return
	}
	c.JSON(http.StatusCreated, wf)
}

// ListWorkflows lists the owner's live workflows.
// GET /api/workflows
func (h *Handler) ListWorkflows(c *gin.Context) {
	workflows, err := h.service.ListWorkflows(c.Request.Context(), ownerID(c))
	if err != nil {
		h.fail(c, err, "failed to list workflows")
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows": workflows})
}

// GetWorkflow returns one workflow.
// GET /api/workflows/:id
func (h *Handler) GetWorkflow(c *gin.Context) {
	wf, err := h.service.GetWorkflow(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "failed to get workflow")
		return
	}
	c.JSON(http.StatusOK, wf)
}

// UpdateWorkflow updates name, description and graph.
// PATCH /api/workflows/:id
func (h *Handler) UpdateWorkflow(c *gin.Context) {
	var req workflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	wf, err := h.service.UpdateWorkflow(c.Request.Context(), c.Param("id"), req.Name, req.Description, req.Graph)
	if err != nil {
		h.fail(c, err, "failed to update workflow")
		return
	}
	c.JSON(http.StatusOK, wf)
}

// DeleteWorkflow soft-deletes a workflow.
// DELETE /api/workflows/:id
func (h *Handler) DeleteWorkflow(c *gin.Context) {
	if err := h.service.DeleteWorkflow(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err, "failed to delete workflow")
		return
	}
	c.Status(http.StatusNoContent)
}

type executeRequest struct {
	Input json.RawMessage `json:"input,omitempty"`
}

// ExecuteWorkflow starts an execution.
// POST /api/workflows/:id/execute
func (h *Handler) ExecuteWorkflow(c *gin.Context) {
	var req executeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	exec, err := h.service.Execute(c.Request.Context(), c.Param("id"), req.Input)
	if err != nil {
		h.fail(c, err, "failed to execute workflow")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"execution_id": exec.ID})
}

// ListExecutions returns a workflow's executions.
// GET /api/workflows/:id/executions
func (h *Handler) ListExecutions(c *gin.Context) {
	executions, err := h.service.ListExecutions(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "failed to list executions")
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": executions})
}

// GetExecution returns one execution with its node states.
// GET /api/executions/:id
func (h *Handler) GetExecution(c *gin.Context) {
	exec, states, err := h.service.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "failed to get execution")
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution": exec, "node_states": states})
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
