package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/instill-ai/drivesync-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

// SyncedFile interface defines the methods for the files imported from a
// remote drive.
type SyncedFile interface {
	// GetSyncedFile looks a file up by its remote identity within a
	// knowledge base.
	GetSyncedFile(ctx context.Context, kbUID types.KBUIDType, driveID, itemID string) (*SyncedFileModel, error)
	// UpsertSyncedFile creates the file or overwrites the stored record with
	// the same remote identity.
	UpsertSyncedFile(ctx context.Context, f SyncedFileModel) (*SyncedFileModel, error)
	UpdateSyncedFile(ctx context.Context, uid types.FileUIDType, updates map[string]any) error
	ListSyncedFiles(ctx context.Context, kbUID types.KBUIDType) ([]SyncedFileModel, error)
	ListSyncedFilesBySource(ctx context.Context, kbUID types.KBUIDType, sourceItemID string) ([]SyncedFileModel, error)
	// ListSyncedFilesForRemoval returns the files attributable to a source:
	// the ones it owns and the legacy ones (no owning source) from the same
	// drive.
	ListSyncedFilesForRemoval(ctx context.Context, kbUID types.KBUIDType, sourceItemID, driveID string) ([]SyncedFileModel, error)
	DeleteSyncedFile(ctx context.Context, uid types.FileUIDType) error
	// CountContentReferences counts the files, across all knowledge bases,
	// that point to the content of a remote item.
	CountContentReferences(ctx context.Context, driveID, itemID string) (int64, error)
}

// SyncedFileModel is a remote file imported into a knowledge base.
type SyncedFileModel struct {
	UID   types.FileUIDType `gorm:"column:uid;type:uuid;primaryKey" json:"uid"`
	KBUID types.KBUIDType   `gorm:"column:kb_uid;type:uuid;not null;uniqueIndex:idx_synced_file_identity" json:"kb_uid"`
	// SourceItemID is empty for files synced before sources were tracked.
	SourceItemID string `gorm:"column:source_item_id;size:255;not null;default:''" json:"source_item_id"`
	DriveID      string `gorm:"column:drive_id;size:255;not null;uniqueIndex:idx_synced_file_identity" json:"drive_id"`
	ItemID       string `gorm:"column:item_id;size:255;not null;uniqueIndex:idx_synced_file_identity" json:"item_id"`
	Name         string `gorm:"column:name;size:1023" json:"name"`
	RelativePath string `gorm:"column:relative_path;type:text" json:"relative_path"`
	// Hash is the hex-encoded SHA-256 of the content.
	Hash         string     `gorm:"column:hash;size:64" json:"hash"`
	Size         int64      `gorm:"column:size" json:"size"`
	ContentPath  string     `gorm:"column:content_path;type:text" json:"content_path"`
	LastSyncedAt *time.Time `gorm:"column:last_synced_at" json:"last_synced_at"`
	CreateTime   *time.Time `gorm:"column:create_time;not null;default:CURRENT_TIMESTAMP" json:"create_time"`
	UpdateTime   *time.Time `gorm:"column:update_time;not null;autoUpdateTime" json:"update_time"`
}

// TableName overrides the default table name for GORM
func (SyncedFileModel) TableName() string {
	return "synced_file"
}

// BeforeCreate is a GORM hook that generates the UID if not provided
func (f *SyncedFileModel) BeforeCreate(tx *gorm.DB) error {
	if f.UID == uuid.Nil {
		f.UID = uuid.Must(uuid.NewV4())
		tx.Statement.SetColumn("UID", f.UID)
	}
	return nil
}

// SyncedFileColumns is the columns for the synced_file table
type SyncedFileColumns struct {
	UID          string
	KBUID        string
	SourceItemID string
	DriveID      string
	ItemID       string
	Name         string
	RelativePath string
	Hash         string
	Size         string
	ContentPath  string
	LastSyncedAt string
}

// SyncedFileColumn is the columns for the synced_file table
var SyncedFileColumn = SyncedFileColumns{
	UID:          "uid",
	KBUID:        "kb_uid",
	SourceItemID: "source_item_id",
	DriveID:      "drive_id",
	ItemID:       "item_id",
	Name:         "name",
	RelativePath: "relative_path",
	Hash:         "hash",
	Size:         "size",
	ContentPath:  "content_path",
	LastSyncedAt: "last_synced_at",
}

// GetSyncedFile implements SyncedFile.GetSyncedFile
func (r *repository) GetSyncedFile(ctx context.Context, kbUID types.KBUIDType, driveID, itemID string) (*SyncedFileModel, error) {
	f := new(SyncedFileModel)
	err := r.db.WithContext(ctx).
		Where("kb_uid = ? AND drive_id = ? AND item_id = ?", kbUID, driveID, itemID).
		First(f).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("synced file %s/%s: %w", driveID, itemID, errorsx.ErrNotFound)
		}
		return nil, err
	}
	return f, nil
}

// UpsertSyncedFile implements SyncedFile.UpsertSyncedFile
func (r *repository) UpsertSyncedFile(ctx context.Context, f SyncedFileModel) (*SyncedFileModel, error) {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: SyncedFileColumn.KBUID},
				{Name: SyncedFileColumn.DriveID},
				{Name: SyncedFileColumn.ItemID},
			},
			DoUpdates: clause.AssignmentColumns([]string{
				SyncedFileColumn.SourceItemID,
				SyncedFileColumn.Name,
				SyncedFileColumn.RelativePath,
				SyncedFileColumn.Hash,
				SyncedFileColumn.Size,
				SyncedFileColumn.ContentPath,
				SyncedFileColumn.LastSyncedAt,
				"update_time",
			}),
		}).
		Create(&f).Error
	if err != nil {
		return nil, fmt.Errorf("upserting synced file: %w", err)
	}

	return r.GetSyncedFile(ctx, f.KBUID, f.DriveID, f.ItemID)
}

// UpdateSyncedFile implements SyncedFile.UpdateSyncedFile
func (r *repository) UpdateSyncedFile(ctx context.Context, uid types.FileUIDType, updates map[string]any) error {
	return r.db.WithContext(ctx).Model(&SyncedFileModel{}).
		Where("uid = ?", uid).
		Updates(updates).Error
}

// ListSyncedFiles implements SyncedFile.ListSyncedFiles
func (r *repository) ListSyncedFiles(ctx context.Context, kbUID types.KBUIDType) ([]SyncedFileModel, error) {
	var files []SyncedFileModel
	err := r.db.WithContext(ctx).
		Where("kb_uid = ?", kbUID).
		Order("relative_path, item_id").
		Find(&files).Error
	return files, err
}

// ListSyncedFilesBySource implements SyncedFile.ListSyncedFilesBySource
func (r *repository) ListSyncedFilesBySource(ctx context.Context, kbUID types.KBUIDType, sourceItemID string) ([]SyncedFileModel, error) {
	var files []SyncedFileModel
	err := r.db.WithContext(ctx).
		Where("kb_uid = ? AND source_item_id = ?", kbUID, sourceItemID).
		Order("relative_path, item_id").
		Find(&files).Error
	return files, err
}

// ListSyncedFilesForRemoval implements SyncedFile.ListSyncedFilesForRemoval
func (r *repository) ListSyncedFilesForRemoval(ctx context.Context, kbUID types.KBUIDType, sourceItemID, driveID string) ([]SyncedFileModel, error) {
	var files []SyncedFileModel
	err := r.db.WithContext(ctx).
		Where("kb_uid = ?", kbUID).
		Where(r.db.Where("source_item_id = ?", sourceItemID).
			Or("source_item_id = '' AND drive_id = ?", driveID)).
		Order("relative_path, item_id").
		Find(&files).Error
	return files, err
}

// DeleteSyncedFile implements SyncedFile.DeleteSyncedFile
func (r *repository) DeleteSyncedFile(ctx context.Context, uid types.FileUIDType) error {
	return r.db.WithContext(ctx).Where("uid = ?", uid).Delete(&SyncedFileModel{}).Error
}

// CountContentReferences implements SyncedFile.CountContentReferences
func (r *repository) CountContentReferences(ctx context.Context, driveID, itemID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&SyncedFileModel{}).
		Where("drive_id = ? AND item_id = ?", driveID, itemID).
		Count(&count).Error
	return count, err
}
