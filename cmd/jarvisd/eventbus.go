package main

import (
	"github.com/jarvishq/jarvisd/internal/common/config"
	"github.com/jarvishq/jarvisd/internal/common/logger"
	"github.com/jarvishq/jarvisd/internal/events/bus"
)

// openEventBus selects the bus implementation: NATS when a URL is
// configured (multi-instance deployments), otherwise in-memory.
func openEventBus(cfg *config.Config, log *logger.Logger) (bus.Bus, error) {
	if cfg.NATS.URL != "" {
		return bus.NewNATSBus(cfg.NATS, log)
	}
	return bus.NewMemoryBus(log), nil
}
