package canvas

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jarvishq/jarvisd/internal/common/apperr"
	"github.com/jarvishq/jarvisd/internal/common/logger"
)

// Handler exposes canvas layout persistence over HTTP.
type Handler struct {
	store  *Store
	logger *logger.Logger
}

// NewHandler creates the canvas API handler.
func NewHandler(store *Store, log *logger.Logger) *Handler {
	return &Handler{
		store:  store,
		logger: log.WithFields(zap.String("component", "canvas-api")),
	}
}

// RegisterRoutes mounts the canvas endpoints on a router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/canvas/:workspace", h.GetLayout)
	rg.PUT("/canvas/:workspace", h.PutLayout)
}

// GetLayout loads the caller's layout for a workspace.
// GET /api/canvas/:workspace
func (h *Handler) GetLayout(c *gin.Context) {
	layout, err := h.store.Get(c.Request.Context(), userID(c), c.Param("workspace"))
	if err != nil {
		h.fail(c, err, "failed to get canvas layout")
		return
	}
	c.JSON(http.StatusOK, layout)
}

type layoutRequest struct {
	Positions json.RawMessage `json:"positions"`
	Viewport  json.RawMessage `json:"viewport"`
}

// PutLayout creates or replaces the caller's layout for a workspace.
// PUT /api/canvas/:workspace
func (h *Handler) PutLayout(c *gin.Context) {
	var req layoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	layout := &Layout{
		UserID:    userID(c),
		Workspace: c.Param("workspace"),
		Positions: req.Positions,
		Viewport:  req.Viewport,
	}
	if err := h.store.Upsert(c.Request.Context(), layout); err != nil {
		h.fail(c, err, "failed to save canvas layout")
		return
	}
	c.JSON(http.StatusOK, layout)
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

func userID(c *gin.Context) string {
	if v, ok := c.Get("user_id"); ok {
		if id, ok := v.(string); ok && id != "" {
			return id
		}
	}
	return "system"
}
