package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/jarvishq/jarvisd/internal/agent/executor"
	"github.com/jarvishq/jarvisd/internal/agent/presets"
	"github.com/jarvishq/jarvisd/internal/agent/repository"
	"github.com/jarvishq/jarvisd/internal/agent/repository/sqlite"
	"github.com/jarvishq/jarvisd/internal/agent/service"
	"github.com/jarvishq/jarvisd/internal/canvas"
	"github.com/jarvishq/jarvisd/internal/common/config"
	"github.com/jarvishq/jarvisd/internal/common/logger"
	"github.com/jarvishq/jarvisd/internal/db"
	"github.com/jarvishq/jarvisd/internal/events/bus"
	"github.com/jarvishq/jarvisd/internal/llm"
	"github.com/jarvishq/jarvisd/internal/scheduler"
	"github.com/jarvishq/jarvisd/internal/tools"
	"github.com/jarvishq/jarvisd/internal/trigger"
	userstore "github.com/jarvishq/jarvisd/internal/user/store"
	"github.com/jarvishq/jarvisd/internal/workflow/engine"
	wfrepo "github.com/jarvishq/jarvisd/internal/workflow/repository"
	wfservice "github.com/jarvishq/jarvisd/internal/workflow/service"
)

// services holds the wired application graph.
type services struct {
	repo       repository.Repository
	users      *userstore.Store
	systemUser *userstore.User
	canvas     *canvas.Store
	registry   *tools.Registry
	runner     *service.Runner
	scheduler  *scheduler.Scheduler
	engine     *engine.Engine
	workflows  *wfservice.Service
	webhook    *trigger.WebhookHandler
	email      *trigger.EmailHandler // nil when email ingest is not configured
	mcpClosers []func() error
}

// buildServices constructs the service graph on top of storage and the
// event bus. Nothing is started here; main owns the lifecycle.
func buildServices(ctx context.Context, cfg *config.Config, pool *db.Pool, eventBus bus.Bus, log *logger.Logger) (*services, error) {
	base, err := sqlite.NewWithDB(pool.Writer(), pool.Reader())
	if err != nil {
		return nil, err
	}
	repo := repository.WithEvents(base, eventBus, log)

	users, err := userstore.NewWithDB(pool.Writer(), pool.Reader())
	if err != nil {
		return nil, err
	}
	systemUser, err := users.EnsureSystemUser(ctx)
	if err != nil {
		return nil, err
	}

	canvasStore, err := canvas.NewWithDB(pool.Writer(), pool.Reader())
	if err != nil {
		return nil, err
	}

	wfStore, err := wfrepo.NewWithDB(pool.Writer(), pool.Reader())
	if err != nil {
		return nil, err
	}

	registry := tools.NewRegistry(cfg.Tools.CallTimeoutDuration(), log)
	tools.RegisterBuiltins(registry)
	var mcpClosers []func() error
	for _, serverURL := range cfg.Tools.MCPServers {
		closer, err := tools.ConnectMCPServer(ctx, serverURL, registry, log)
		if err != nil {
			log.Warn("MCP server unavailable, continuing without it",
				zap.String("url", serverURL), zap.Error(err))
			continue
		}
		mcpClosers = append(mcpClosers, closer)
	}

	model, err := llm.NewOpenAIClient(cfg.Model)
	if err != nil {
		return nil, err
	}
	exec := executor.New(repo, model, registry, eventBus, log)

	loc := cfg.Scheduler.Location()
	runner := service.NewRunner(repo, exec, eventBus, loc, cfg.Streaming.TokenStream, log)
	if err := runner.SubscribeTriggers(eventBus); err != nil {
		return nil, err
	}

	sched := scheduler.New(runner, repo, loc, log)

	eng := engine.New(wfStore, registry, runner, repo, eventBus, log)
	workflows := wfservice.New(wfStore, eng)

	webhook := trigger.NewWebhookHandler(repo, eventBus, cfg.Triggers.WebhookMaxBody, log)

	var email *trigger.EmailHandler
	if cfg.Triggers.EmailEnabled() {
		gmail := trigger.NewGmailREST(nil, trigger.StaticTokenSource(cfg.Triggers.GmailToken), cfg.Triggers.GmailTopic)
		verifier := trigger.NewStaticTokenVerifier(cfg.Triggers.EmailPushToken)
		email = trigger.NewEmailHandler(repo, eventBus, verifier, gmail, log)
	}

	if cfg.Presets.Path != "" {
		seeds, err := presets.Load(cfg.Presets.Path)
		if err != nil {
			log.Warn("Failed to load agent presets", zap.String("path", cfg.Presets.Path), zap.Error(err))
		} else if created, err := presets.Seed(ctx, repo, systemUser.ID, seeds, log); err != nil {
			log.Warn("Failed to seed agent presets", zap.Error(err))
		} else if created > 0 {
			log.Info("Seeded agent presets", zap.Int("count", created))
		}
	}

	return &services{
		repo:       repo,
		users:      users,
		systemUser: systemUser,
		canvas:     canvasStore,
		registry:   registry,
		runner:     runner,
		scheduler:  sched,
		engine:     eng,
		workflows:  workflows,
		webhook:    webhook,
		email:      email,
		mcpClosers: mcpClosers,
	}, nil
}
