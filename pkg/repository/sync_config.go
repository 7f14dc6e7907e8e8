package repository

import (
	"context"
	"time"

	"github.com/instill-ai/drivesync-backend/pkg/types"
)

// SyncConfig is the persisted sync configuration of a knowledge base as it
// is exposed to API clients.
type SyncConfig struct {
	Sources      []SourceConfig   `json:"sources"`
	Status       types.SyncStatus `json:"status"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
	SyncInterval int64            `json:"syncIntervalSeconds"`
	LastSyncAt   *time.Time       `json:"lastSyncAt"`
	FailedFiles  []FailedFile     `json:"failedFiles"`
	LastReport   PassReport       `json:"lastReport"`
}

// SourceConfig is the exposed view of a sync source.
type SourceConfig struct {
	ID               string            `json:"id"`
	DriveID          string            `json:"driveId"`
	Name             string            `json:"name"`
	Kind             types.SourceKind  `json:"kind"`
	DeltaLink        string            `json:"deltaLink"`
	FolderMap        map[string]string `json:"folderMap"`
	FolderMapVersion int               `json:"folderMapVersion"`
}

// FileConfig is the exposed view of a synced file.
type FileConfig struct {
	UID          types.FileUIDType `json:"uid"`
	SourceItemID string            `json:"sourceItemId"`
	DriveID      string            `json:"driveId"`
	ItemID       string            `json:"itemId"`
	Name         string            `json:"name"`
	RelativePath string            `json:"relativePath"`
	Hash         string            `json:"hash"`
	Size         int64             `json:"size"`
	LastSyncedAt *time.Time        `json:"lastSyncedAt"`
}

// NewFileConfig builds the exposed view of a synced file.
func NewFileConfig(f SyncedFileModel) FileConfig {
	return FileConfig{
		UID:          f.UID,
		SourceItemID: f.SourceItemID,
		DriveID:      f.DriveID,
		ItemID:       f.ItemID,
		Name:         f.Name,
		RelativePath: f.RelativePath,
		Hash:         f.Hash,
		Size:         f.Size,
		LastSyncedAt: f.LastSyncedAt,
	}
}

// GetSyncConfig assembles the sync configuration of a knowledge base from its
// metadata and sources.
func (r *repository) GetSyncConfig(ctx context.Context, kbUID types.KBUIDType) (*SyncConfig, error) {
	kb, err := r.GetKnowledgeBaseSync(ctx, kbUID)
	if err != nil {
		return nil, err
	}

	sources, err := r.ListSources(ctx, kbUID)
	if err != nil {
		return nil, err
	}

	cfg := &SyncConfig{
		Sources:      make([]SourceConfig, 0, len(sources)),
		Status:       kb.Status,
		ErrorMessage: kb.ErrorMessage,
		SyncInterval: kb.SyncInterval,
		LastSyncAt:   kb.LastSyncAt,
		FailedFiles:  kb.FailedFiles.Data(),
		LastReport:   kb.LastReport.Data(),
	}
	if cfg.FailedFiles == nil {
		cfg.FailedFiles = []FailedFile{}
	}

	for _, s := range sources {
		folderMap := s.FolderMap.Data()
		if folderMap == nil {
			folderMap = map[string]string{}
		}
		cfg.Sources = append(cfg.Sources, SourceConfig{
			ID:               s.ItemID,
			DriveID:          s.DriveID,
			Name:             s.Name,
			Kind:             s.Kind,
			DeltaLink:        s.DeltaLink,
			FolderMap:        folderMap,
			FolderMapVersion: s.FolderMapVersion,
		})
	}

	return cfg, nil
}
