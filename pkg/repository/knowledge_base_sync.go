package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/instill-ai/drivesync-backend/pkg/types"

	syncerrors "github.com/instill-ai/drivesync-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

// KnowledgeBaseSync interface defines the methods for the sync metadata of a
// knowledge base.
type KnowledgeBaseSync interface {
	// EnsureKnowledgeBaseSync creates the sync metadata of a knowledge base if
	// it doesn't exist and returns the stored row.
	EnsureKnowledgeBaseSync(ctx context.Context, kbUID types.KBUIDType, namespaceUID types.NamespaceUIDType, interval time.Duration) (*KnowledgeBaseSyncModel, error)
	GetKnowledgeBaseSync(ctx context.Context, kbUID types.KBUIDType) (*KnowledgeBaseSyncModel, error)
	ListKnowledgeBaseSyncs(ctx context.Context) ([]KnowledgeBaseSyncModel, error)
	// TransitionSyncStatus moves the status to `to` only if the current
	// status is one of `from`. Extra column updates are applied in the same
	// statement. It reports whether the row was updated.
	TransitionSyncStatus(ctx context.Context, kbUID types.KBUIDType, from []types.SyncStatus, to types.SyncStatus, updates map[string]any) (bool, error)
	// UpdateKnowledgeBaseSync applies updates if the row still has the given
	// version. ErrConcurrentUpdate is returned otherwise.
	UpdateKnowledgeBaseSync(ctx context.Context, kbUID types.KBUIDType, version int64, updates map[string]any) error
	// TouchSyncHeartbeat renews the heartbeat of a running pass. It reports
	// whether the knowledge base is still syncing. The version is left
	// untouched.
	TouchSyncHeartbeat(ctx context.Context, kbUID types.KBUIDType, at time.Time) (bool, error)
	// ReleaseStaleSync moves a pass whose last heartbeat is older than
	// staleBefore from syncing to error. A pass without heartbeat is judged
	// by its start time. It reports whether the row was released.
	ReleaseStaleSync(ctx context.Context, kbUID types.KBUIDType, staleBefore time.Time, message string) (bool, error)
	// RequestCancel flags a running pass for cancellation. It reports whether
	// a pass was running.
	RequestCancel(ctx context.Context, kbUID types.KBUIDType) (bool, error)
	IsCancelRequested(ctx context.Context, kbUID types.KBUIDType) (bool, error)
}

// FailedFile is a file that couldn't be synced during the last pass.
type FailedFile struct {
	ItemID       string `json:"itemId"`
	Name         string `json:"name"`
	RelativePath string `json:"relativePath,omitempty"`
	Reason       string `json:"reason"`
}

// PassReport holds the counts of the last pass.
type PassReport struct {
	Sources   int  `json:"sources"`
	Added     int  `json:"added"`
	Updated   int  `json:"updated"`
	Moved     int  `json:"moved"`
	Unchanged int  `json:"unchanged"`
	Deleted   int  `json:"deleted"`
	Failed    int  `json:"failed"`
	Canceled  bool `json:"canceled,omitempty"`
}

// Add accumulates the counts of another report.
func (r *PassReport) Add(o PassReport) {
	r.Added += o.Added
	r.Updated += o.Updated
	r.Moved += o.Moved
	r.Unchanged += o.Unchanged
	r.Deleted += o.Deleted
	r.Failed += o.Failed
}

// KnowledgeBaseSyncModel is the sync metadata of a knowledge base. The
// knowledge base itself is owned by another service and only referenced by
// UID.
type KnowledgeBaseSyncModel struct {
	KBUID        types.KBUIDType        `gorm:"column:kb_uid;type:uuid;primaryKey" json:"kb_uid"`
	NamespaceUID types.NamespaceUIDType `gorm:"column:namespace_uid;type:uuid" json:"namespace_uid"`
	Status       types.SyncStatus       `gorm:"column:status;size:32;not null;default:'idle'" json:"status"`
	ErrorMessage string                 `gorm:"column:error_message;type:text" json:"error_message"`
	// SyncInterval is stored in seconds.
	SyncInterval    int64                            `gorm:"column:sync_interval;not null" json:"sync_interval"`
	LastSyncAt      *time.Time                       `gorm:"column:last_sync_at" json:"last_sync_at"`
	SyncStartedAt   *time.Time                       `gorm:"column:sync_started_at" json:"sync_started_at"`
	// SyncHeartbeatAt is renewed by the process running the pass.
	SyncHeartbeatAt *time.Time                       `gorm:"column:sync_heartbeat_at" json:"sync_heartbeat_at"`
	CancelRequested bool                             `gorm:"column:cancel_requested;not null;default:false" json:"cancel_requested"`
	FailedFiles     datatypes.JSONType[[]FailedFile] `gorm:"column:failed_files" json:"failed_files"`
	LastReport      datatypes.JSONType[PassReport]   `gorm:"column:last_report" json:"last_report"`
	Version         int64                            `gorm:"column:version;not null;default:0" json:"version"`
	CreateTime      *time.Time                       `gorm:"column:create_time;not null;default:CURRENT_TIMESTAMP" json:"create_time"`
	UpdateTime      *time.Time                       `gorm:"column:update_time;not null;autoUpdateTime" json:"update_time"`
}

// TableName overrides the default table name for GORM
func (KnowledgeBaseSyncModel) TableName() string {
	return "knowledge_base_sync"
}

// Interval returns the configured sync interval.
func (m *KnowledgeBaseSyncModel) Interval() time.Duration {
	return time.Duration(m.SyncInterval) * time.Second
}

// KnowledgeBaseSyncColumns is the columns for the knowledge_base_sync table
type KnowledgeBaseSyncColumns struct {
	KBUID           string
	Status          string
	ErrorMessage    string
	SyncInterval    string
	LastSyncAt      string
	SyncStartedAt   string
	SyncHeartbeatAt string
	CancelRequested string
	FailedFiles     string
	LastReport      string
	Version         string
}

// KnowledgeBaseSyncColumn is the columns for the knowledge_base_sync table
var KnowledgeBaseSyncColumn = KnowledgeBaseSyncColumns{
	KBUID:           "kb_uid",
	Status:          "status",
	ErrorMessage:    "error_message",
	SyncInterval:    "sync_interval",
	LastSyncAt:      "last_sync_at",
	SyncStartedAt:   "sync_started_at",
	SyncHeartbeatAt: "sync_heartbeat_at",
	CancelRequested: "cancel_requested",
	FailedFiles:     "failed_files",
	LastReport:      "last_report",
	Version:         "version",
}

// EnsureKnowledgeBaseSync implements KnowledgeBaseSync.EnsureKnowledgeBaseSync
func (r *repository) EnsureKnowledgeBaseSync(ctx context.Context, kbUID types.KBUIDType, namespaceUID types.NamespaceUIDType, interval time.Duration) (*KnowledgeBaseSyncModel, error) {
	row := &KnowledgeBaseSyncModel{
		KBUID:        kbUID,
		NamespaceUID: namespaceUID,
		Status:       types.SyncStatusIdle,
		SyncInterval: int64(interval / time.Second),
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(row).Error
	if err != nil {
		return nil, fmt.Errorf("creating sync metadata: %w", err)
	}

	return r.GetKnowledgeBaseSync(ctx, kbUID)
}

// GetKnowledgeBaseSync implements KnowledgeBaseSync.GetKnowledgeBaseSync
func (r *repository) GetKnowledgeBaseSync(ctx context.Context, kbUID types.KBUIDType) (*KnowledgeBaseSyncModel, error) {
	row := new(KnowledgeBaseSyncModel)
	err := r.db.WithContext(ctx).Where("kb_uid = ?", kbUID).First(row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errorsx.AddMessage(
				fmt.Errorf("sync metadata of knowledge base %s: %w", kbUID, errorsx.ErrNotFound),
				"The knowledge base has no sync configuration.",
			)
		}
		return nil, err
	}
	return row, nil
}

// ListKnowledgeBaseSyncs implements KnowledgeBaseSync.ListKnowledgeBaseSyncs
func (r *repository) ListKnowledgeBaseSyncs(ctx context.Context) ([]KnowledgeBaseSyncModel, error) {
	var rows []KnowledgeBaseSyncModel
	err := r.db.WithContext(ctx).Order("kb_uid").Find(&rows).Error
	return rows, err
}

// TransitionSyncStatus implements KnowledgeBaseSync.TransitionSyncStatus
func (r *repository) TransitionSyncStatus(ctx context.Context, kbUID types.KBUIDType, from []types.SyncStatus, to types.SyncStatus, updates map[string]any) (bool, error) {
	values := map[string]any{}
	for k, v := range updates {
		values[k] = v
	}
	values[KnowledgeBaseSyncColumn.Status] = to
	values[KnowledgeBaseSyncColumn.Version] = gorm.Expr("version + 1")

	res := r.db.WithContext(ctx).Model(&KnowledgeBaseSyncModel{}).
		Where("kb_uid = ? AND status IN ?", kbUID, from).
		Updates(values)
	if res.Error != nil {
		return false, fmt.Errorf("updating sync status: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// UpdateKnowledgeBaseSync implements KnowledgeBaseSync.UpdateKnowledgeBaseSync
func (r *repository) UpdateKnowledgeBaseSync(ctx context.Context, kbUID types.KBUIDType, version int64, updates map[string]any) error {
	return updateKnowledgeBaseSync(r.db.WithContext(ctx), kbUID, version, updates)
}

func updateKnowledgeBaseSync(tx *gorm.DB, kbUID types.KBUIDType, version int64, updates map[string]any) error {
	values := map[string]any{}
	for k, v := range updates {
		values[k] = v
	}
	values[KnowledgeBaseSyncColumn.Version] = gorm.Expr("version + 1")

	res := tx.Model(&KnowledgeBaseSyncModel{}).
		Where("kb_uid = ? AND version = ?", kbUID, version).
		Updates(values)
	if res.Error != nil {
		return fmt.Errorf("updating sync metadata: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("sync metadata of knowledge base %s: %w", kbUID, syncerrors.ErrConcurrentUpdate)
	}
	return nil
}

// TouchSyncHeartbeat implements KnowledgeBaseSync.TouchSyncHeartbeat
func (r *repository) TouchSyncHeartbeat(ctx context.Context, kbUID types.KBUIDType, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&KnowledgeBaseSyncModel{}).
		Where("kb_uid = ? AND status = ?", kbUID, types.SyncStatusSyncing).
		Update(KnowledgeBaseSyncColumn.SyncHeartbeatAt, at)
	if res.Error != nil {
		return false, fmt.Errorf("renewing sync heartbeat: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ReleaseStaleSync implements KnowledgeBaseSync.ReleaseStaleSync
func (r *repository) ReleaseStaleSync(ctx context.Context, kbUID types.KBUIDType, staleBefore time.Time, message string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&KnowledgeBaseSyncModel{}).
		Where("kb_uid = ? AND status = ?", kbUID, types.SyncStatusSyncing).
		Where("COALESCE(sync_heartbeat_at, sync_started_at) < ?", staleBefore).
		Updates(map[string]any{
			KnowledgeBaseSyncColumn.Status:          types.SyncStatusError,
			KnowledgeBaseSyncColumn.ErrorMessage:    message,
			KnowledgeBaseSyncColumn.CancelRequested: false,
			KnowledgeBaseSyncColumn.Version:         gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return false, fmt.Errorf("releasing stale sync: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// RequestCancel implements KnowledgeBaseSync.RequestCancel
func (r *repository) RequestCancel(ctx context.Context, kbUID types.KBUIDType) (bool, error) {
	res := r.db.WithContext(ctx).Model(&KnowledgeBaseSyncModel{}).
		Where("kb_uid = ? AND status = ?", kbUID, types.SyncStatusSyncing).
		Update(KnowledgeBaseSyncColumn.CancelRequested, true)
	if res.Error != nil {
		return false, fmt.Errorf("requesting cancel: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// IsCancelRequested implements KnowledgeBaseSync.IsCancelRequested
func (r *repository) IsCancelRequested(ctx context.Context, kbUID types.KBUIDType) (bool, error) {
	var row KnowledgeBaseSyncModel
	err := r.db.WithContext(ctx).
		Select(KnowledgeBaseSyncColumn.CancelRequested).
		Where("kb_uid = ?", kbUID).
		First(&row).Error
	if err != nil {
		return false, err
	}
	return row.CancelRequested, nil
}
