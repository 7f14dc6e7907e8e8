// Package db opens the PostgreSQL connection shared by the API server and
// the worker.
package db

import (
	"fmt"
	"sync"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/instill-ai/drivesync-backend/config"
)

var (
	once sync.Once
	db   *gorm.DB
	err  error
)

// DSN returns the connection string of the configured database.
func DSN(cfg config.DatabaseConfig) string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=%s",
		cfg.Host,
		cfg.Username,
		cfg.Password,
		cfg.Name,
		cfg.Port,
		cfg.TimeZone,
	)
}

// GetSharedConnection returns the process-wide connection, opening it on
// the first call.
func GetSharedConnection() (*gorm.DB, error) {
	once.Do(func() {
		cfg := config.Config.Database

		lvl := logger.Silent
		if config.Config.Server.Debug {
			lvl = logger.Info
		}

		db, err = gorm.Open(postgres.New(postgres.Config{
			DSN:                  DSN(cfg),
			PreferSimpleProtocol: true,
		}), &gorm.Config{
			Logger:      logger.Default.LogMode(lvl),
			PrepareStmt: true,
		})
		if err != nil {
			err = fmt.Errorf("opening database: %w", err)
			return
		}

		sqlDB, sqlErr := db.DB()
		if sqlErr != nil {
			err = fmt.Errorf("getting sql.DB: %w", sqlErr)
			return
		}
		sqlDB.SetMaxIdleConns(cfg.Pool.IdleConnections)
		sqlDB.SetMaxOpenConns(cfg.Pool.MaxConnections)
		sqlDB.SetConnMaxLifetime(cfg.Pool.ConnLifeTime)
	})
	return db, err
}

// Close closes the connection pool.
func Close(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
