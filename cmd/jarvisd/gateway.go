package main

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	agentapi "github.com/jarvishq/jarvisd/internal/agent/handlers"
	"github.com/jarvishq/jarvisd/internal/canvas"
	"github.com/jarvishq/jarvisd/internal/common/config"
	"github.com/jarvishq/jarvisd/internal/common/httpmw"
	"github.com/jarvishq/jarvisd/internal/common/logger"
	"github.com/jarvishq/jarvisd/internal/events/bus"
	"github.com/jarvishq/jarvisd/internal/gateway/router"
	"github.com/jarvishq/jarvisd/internal/gateway/sse"
	"github.com/jarvishq/jarvisd/internal/gateway/websocket"
	"github.com/jarvishq/jarvisd/internal/jarvis"
	wfapi "github.com/jarvishq/jarvisd/internal/workflow/handlers"
)

// gateway bundles the HTTP surface with its realtime fan-out.
type gateway struct {
	engine *gin.Engine
	hub    *websocket.Hub
	broker *sse.Broker
}

// buildGateway mounts every HTTP and realtime surface on one gin engine
// and attaches the topic router to the bus.
func buildGateway(cfg *config.Config, svcs *services, eventBus bus.Bus, log *logger.Logger) (*gateway, error) {
	if !strings.EqualFold(cfg.Logging.Level, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(log, "jarvisd"))
	engine.Use(httpmw.OtelTracing("jarvisd"))

	hub := websocket.NewHub(log)
	broker := sse.NewBroker(log)
	if err := router.New(log, hub, broker).Attach(eventBus); err != nil {
		return nil, err
	}

	engine.GET("/api/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := engine.Group("/api")
	// Single-tenant daemon: REST requests act as the system user. The
	// jarvis group layers its own token check on top.
	systemID := svcs.systemUser.ID
	api.Use(func(c *gin.Context) {
		c.Set("user_id", systemID)
		c.Next()
	})

	agentapi.NewHandler(svcs.repo, svcs.runner, svcs.scheduler, log).RegisterRoutes(api)
	wfapi.NewHandler(svcs.workflows, log).RegisterRoutes(api)
	canvas.NewHandler(svcs.canvas, log).RegisterRoutes(api)
	websocket.NewWSHandler(hub, svcs.repo, svcs.runner, log).RegisterRoutes(api)

	api.POST("/triggers/:id/events", svcs.webhook.HandleEvent)
	if svcs.email != nil {
		api.POST("/email/webhook/google", svcs.email.HandlePush)
	}

	events := sse.NewHandler(broker, log)
	tokens := jarvis.NewTokenService(cfg.Auth.DeviceSecret, cfg.Auth.JWTSecret, cfg.Auth.TokenDurationTime())
	jarvis.NewHandler(tokens, svcs.repo, svcs.runner, events.Stream, systemID, cfg.Auth.AllowQueryToken, log).RegisterRoutes(api)

	return &gateway{engine: engine, hub: hub, broker: broker}, nil
}
