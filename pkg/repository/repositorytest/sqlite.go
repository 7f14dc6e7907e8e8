// Package repositorytest provides a repository backed by an in-memory SQLite
// database for tests.
package repositorytest

import (
	"fmt"
	"strings"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/instill-ai/drivesync-backend/pkg/repository"
)

// NewDB opens a private in-memory database with the sync tables.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("getting sql.DB: %v", err)
	}
	// A single connection keeps the shared in-memory database alive and
	// serializes writes like a row lock would.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(repository.Models()...); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return db
}

// NewRepository returns a repository over NewDB.
func NewRepository(t testing.TB) repository.Repository {
	return repository.NewRepository(NewDB(t))
}
