package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/instill-ai/drivesync-backend/pkg/types"

	syncerrors "github.com/instill-ai/drivesync-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

// Source interface defines the methods for the sync sources of a knowledge
// base.
type Source interface {
	// CreateSource inserts a source unless one with the same item ID is
	// already attached to the knowledge base. It reports whether the row was
	// created and returns the stored source either way.
	CreateSource(ctx context.Context, src SourceModel) (*SourceModel, bool, error)
	GetSource(ctx context.Context, kbUID types.KBUIDType, itemID string) (*SourceModel, error)
	ListSources(ctx context.Context, kbUID types.KBUIDType) ([]SourceModel, error)
	// UpdateSource applies updates if the source still has the given version.
	// ErrConcurrentUpdate is returned otherwise.
	UpdateSource(ctx context.Context, uid types.SourceUIDType, version int64, updates map[string]any) error
	// DeleteSource removes a source and its token binding. The knowledge
	// base's sync metadata must still be at kbVersion and not syncing, which
	// makes a pass that started in between fail the removal.
	DeleteSource(ctx context.Context, kbUID types.KBUIDType, kbVersion int64, itemID string) error
}

// SourceModel is one root folder or file a knowledge base mirrors.
type SourceModel struct {
	UID                 types.SourceUIDType                   `gorm:"column:uid;type:uuid;primaryKey" json:"uid"`
	KBUID               types.KBUIDType                       `gorm:"column:kb_uid;type:uuid;not null;uniqueIndex:idx_sync_source_kb_item" json:"kb_uid"`
	ItemID              string                                `gorm:"column:item_id;size:255;not null;uniqueIndex:idx_sync_source_kb_item" json:"item_id"`
	DriveID             string                                `gorm:"column:drive_id;size:255;not null" json:"drive_id"`
	Name                string                                `gorm:"column:name;size:1023" json:"name"`
	Kind                types.SourceKind                      `gorm:"column:kind;size:16;not null" json:"kind"`
	DeltaLink           string                                `gorm:"column:delta_link;type:text" json:"delta_link"`
	FolderMap           datatypes.JSONType[map[string]string] `gorm:"column:folder_map" json:"folder_map"`
	FolderMapVersion    int                                   `gorm:"column:folder_map_version;not null;default:0" json:"folder_map_version"`
	PermittedPrincipals datatypes.JSONType[[]string]          `gorm:"column:permitted_principals" json:"permitted_principals"`
	PermissionsSyncedAt *time.Time                            `gorm:"column:permissions_synced_at" json:"permissions_synced_at"`
	Version             int64                                 `gorm:"column:version;not null;default:0" json:"version"`
	CreateTime          *time.Time                            `gorm:"column:create_time;not null;default:CURRENT_TIMESTAMP" json:"create_time"`
	UpdateTime          *time.Time                            `gorm:"column:update_time;not null;autoUpdateTime" json:"update_time"`
}

// TableName overrides the default table name for GORM
func (SourceModel) TableName() string {
	return "sync_source"
}

// BeforeCreate is a GORM hook that generates the UID if not provided
func (s *SourceModel) BeforeCreate(tx *gorm.DB) error {
	if s.UID == uuid.Nil {
		s.UID = uuid.Must(uuid.NewV4())
		tx.Statement.SetColumn("UID", s.UID)
	}
	return nil
}

// SourceColumns is the columns for the sync_source table
type SourceColumns struct {
	UID                 string
	KBUID               string
	ItemID              string
	DriveID             string
	DeltaLink           string
	FolderMap           string
	FolderMapVersion    string
	PermittedPrincipals string
	PermissionsSyncedAt string
	Version             string
}

// SourceColumn is the columns for the sync_source table
var SourceColumn = SourceColumns{
	UID:                 "uid",
	KBUID:               "kb_uid",
	ItemID:              "item_id",
	DriveID:             "drive_id",
	DeltaLink:           "delta_link",
	FolderMap:           "folder_map",
	FolderMapVersion:    "folder_map_version",
	PermittedPrincipals: "permitted_principals",
	PermissionsSyncedAt: "permissions_synced_at",
	Version:             "version",
}

// CreateSource implements Source.CreateSource
func (r *repository) CreateSource(ctx context.Context, src SourceModel) (*SourceModel, bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: SourceColumn.KBUID}, {Name: SourceColumn.ItemID}},
			DoNothing: true,
		}).
		Create(&src)
	if res.Error != nil {
		return nil, false, fmt.Errorf("creating source: %w", res.Error)
	}

	stored, err := r.GetSource(ctx, src.KBUID, src.ItemID)
	if err != nil {
		return nil, false, err
	}
	return stored, res.RowsAffected > 0, nil
}

// GetSource implements Source.GetSource
func (r *repository) GetSource(ctx context.Context, kbUID types.KBUIDType, itemID string) (*SourceModel, error) {
	src := new(SourceModel)
	err := r.db.WithContext(ctx).
		Where("kb_uid = ? AND item_id = ?", kbUID, itemID).
		First(src).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errorsx.AddMessage(
				fmt.Errorf("source %s: %w", itemID, errorsx.ErrNotFound),
				"The source isn't attached to this knowledge base.",
			)
		}
		return nil, err
	}
	return src, nil
}

// ListSources implements Source.ListSources
func (r *repository) ListSources(ctx context.Context, kbUID types.KBUIDType) ([]SourceModel, error) {
	var sources []SourceModel
	err := r.db.WithContext(ctx).
		Where("kb_uid = ?", kbUID).
		Order("create_time, item_id").
		Find(&sources).Error
	return sources, err
}

// UpdateSource implements Source.UpdateSource
func (r *repository) UpdateSource(ctx context.Context, uid types.SourceUIDType, version int64, updates map[string]any) error {
	values := map[string]any{}
	for k, v := range updates {
		values[k] = v
	}
	values[SourceColumn.Version] = gorm.Expr("version + 1")

	res := r.db.WithContext(ctx).Model(&SourceModel{}).
		Where("uid = ? AND version = ?", uid, version).
		Updates(values)
	if res.Error != nil {
		return fmt.Errorf("updating source: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("source %s: %w", uid, syncerrors.ErrConcurrentUpdate)
	}
	return nil
}

// DeleteSource implements Source.DeleteSource
func (r *repository) DeleteSource(ctx context.Context, kbUID types.KBUIDType, kbVersion int64, itemID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&KnowledgeBaseSyncModel{}).
			Where("kb_uid = ? AND version = ? AND status <> ?", kbUID, kbVersion, types.SyncStatusSyncing).
			Update(KnowledgeBaseSyncColumn.Version, gorm.Expr("version + 1"))
		if res.Error != nil {
			return fmt.Errorf("locking sync metadata: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("removing source %s: %w", itemID, syncerrors.ErrSyncInProgress)
		}

		if err := tx.Where("kb_uid = ? AND item_id = ?", kbUID, itemID).Delete(&SourceModel{}).Error; err != nil {
			return fmt.Errorf("deleting source: %w", err)
		}
		if err := tx.Where("kb_uid = ? AND source_item_id = ?", kbUID, itemID).Delete(&TokenModel{}).Error; err != nil {
			return fmt.Errorf("deleting token binding: %w", err)
		}
		return nil
	})
}
