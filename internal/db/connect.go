// Package db provides GORM connection and migration helpers for the
// protocol event log.
package db

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens a GORM connection for the given driver. The sqlite driver
// accepts a file path or ":memory:"; mysql takes a full DSN.
func Connect(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	var (
		conn *gorm.DB
		err  error
	)
	switch driver {
	case "sqlite":
		conn, err = gorm.Open(sqlite.Open(dsn), cfg)
	case "mysql":
		conn, err = gorm.Open(mysql.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("db: connect (%s): %w", driver, err)
	}
	return conn, nil
}
