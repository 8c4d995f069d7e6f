package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jarvishq/jarvisd/internal/common/config"
	"github.com/jarvishq/jarvisd/internal/common/logger"
	"github.com/jarvishq/jarvisd/internal/common/tracing"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(2)
	}
	logger.SetDefault(log)
	defer func() { _ = log.Sync() }()

	log.Info("Starting jarvisd",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port))

	// 3. Open storage
	pool, err := openStorage(cfg)
	if err != nil {
		log.Error("Storage unavailable", zap.Error(err))
		_ = log.Sync()
		os.Exit(3)
	}
	defer func() { _ = pool.Close() }()

	// 4. Open event bus
	eventBus, err := openEventBus(cfg, log)
	if err != nil {
		log.Error("Event bus unavailable", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. Build the service graph
	svcs, err := buildServices(ctx, cfg, pool, eventBus, log)
	if err != nil {
		log.Error("Failed to build services", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}

	// 6. Restore cron entries and start the scheduler
	if err := svcs.scheduler.LoadFromStorage(ctx); err != nil {
		log.Warn("Failed to load agent schedules", zap.Error(err))
	}
	svcs.scheduler.Start()
	log.Info("Scheduler started", zap.Int("entries", svcs.scheduler.Count()))

	// 7. Mount the HTTP and realtime surfaces
	gw, err := buildGateway(cfg, svcs, eventBus, log)
	if err != nil {
		log.Error("Failed to build gateway", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	go gw.hub.Run(ctx)
	if svcs.email != nil {
		go svcs.email.RunWatchRenewal(ctx)
	}

	// 8. Start the HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw.engine,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 9. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop intake first, then drain in-flight work, then tear down
	// fan-out and backing services.
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown error", zap.Error(err))
	}
	svcs.scheduler.Stop()
	if err := svcs.runner.Shutdown(shutdownCtx); err != nil {
		log.Warn("Runner shutdown error", zap.Error(err))
	}
	if err := svcs.engine.Shutdown(shutdownCtx); err != nil {
		log.Warn("Workflow engine shutdown error", zap.Error(err))
	}
	cancel()
	gw.broker.Close()
	eventBus.Close()
	for _, closeMCP := range svcs.mcpClosers {
		if err := closeMCP(); err != nil {
			log.Warn("MCP client close error", zap.Error(err))
		}
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Shutdown complete")
}
