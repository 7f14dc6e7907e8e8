// Package convert holds the code that accompanies schema migrations.
package convert

import (
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Basic holds the dependencies shared by the code migrations.
type Basic struct {
	DB     *gorm.DB
	Logger *zap.Logger
}
