package repository

import (
	"github.com/jmoiron/sqlx"

	"github.com/jarvishq/jarvisd/internal/agent/repository/sqlite"
	"github.com/jarvishq/jarvisd/internal/common/logger"
	"github.com/jarvishq/jarvisd/internal/events/bus"
)

// Provide creates the SQL repository over separate writer and reader
// pools, wrapped so commits publish lifecycle events.
func Provide(writer, reader *sqlx.DB, eventBus bus.Bus, log *logger.Logger) (*PublishingRepository, func() error, error) {
	repo, err := sqlite.NewWithDB(writer, reader)
	if err != nil {
		return nil, nil, err
	}
	return WithEvents(repo, eventBus, log), repo.Close, nil
}
