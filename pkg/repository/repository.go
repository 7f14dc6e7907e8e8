package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/instill-ai/drivesync-backend/pkg/types"
)

// Repository interface
type Repository interface {
	KnowledgeBaseSync
	Source
	SyncedFile
	Token
	GroupShare

	GetSyncConfig(ctx context.Context, kbUID types.KBUIDType) (*SyncConfig, error)

	// GetDB returns the underlying database connection for transaction
	// management.
	GetDB() *gorm.DB
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a Repository backed by the given connection.
func NewRepository(db *gorm.DB) Repository {
	return &repository{
		db: db,
	}
}

// GetDB implements Repository.GetDB
func (r *repository) GetDB() *gorm.DB {
	return r.db
}

// Models lists the tables owned by the sync backend, in creation order.
func Models() []any {
	return []any{
		&KnowledgeBaseSyncModel{},
		&SourceModel{},
		&SyncedFileModel{},
		&TokenModel{},
		&GroupShareModel{},
		&PrincipalModel{},
	}
}
