package db

import (
	"fmt"

	"github.com/tindale/gantry/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model the event log persists.
func AllModels() []interface{} {
	return []interface{}{
		&models.MachineEvent{},
		&models.JobEvent{},
	}
}

// AutoMigrate creates or updates all event log tables.
func AutoMigrate(conn *gorm.DB) error {
	if err := conn.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
