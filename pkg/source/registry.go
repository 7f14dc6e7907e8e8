// Package source manages the remote roots a knowledge base syncs from.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/instill-ai/drivesync-backend/pkg/ingest"
	"github.com/instill-ai/drivesync-backend/pkg/repository"
	"github.com/instill-ai/drivesync-backend/pkg/types"

	syncerrors "github.com/instill-ai/drivesync-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

// Root identifies a remote folder or file to sync.
type Root struct {
	ItemID  string           `json:"itemId"`
	DriveID string           `json:"driveId"`
	Name    string           `json:"name"`
	Kind    types.SourceKind `json:"kind"`
}

// RemovalReport describes what removing a source deleted.
type RemovalReport struct {
	FilesRemoved    int `json:"filesRemoved"`
	ContentDeleted  int `json:"contentDeleted"`
	ContentRetained int `json:"contentRetained"`
}

// Registry adds and removes the sources of a knowledge base.
type Registry struct {
	repository      repository.Repository
	ingester        ingest.Ingester
	defaultInterval time.Duration
	logger          *zap.Logger
}

// NewRegistry returns a Registry. Knowledge bases get defaultInterval as
// sync interval when their first source is added.
func NewRegistry(repo repository.Repository, in ingest.Ingester, defaultInterval time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		repository:      repo,
		ingester:        in,
		defaultInterval: defaultInterval,
		logger:          logger,
	}
}

// AddSource attaches a root to a knowledge base. Adding a root that's
// already attached returns the existing source.
func (r *Registry) AddSource(ctx context.Context, kbUID types.KBUIDType, namespaceUID types.NamespaceUIDType, root Root) (*repository.SourceModel, error) {
	if root.ItemID == "" || root.DriveID == "" {
		return nil, errorsx.AddMessage(
			fmt.Errorf("source without item or drive ID: %w", errorsx.ErrInvalidArgument),
			"A source needs both a drive ID and an item ID.",
		)
	}
	switch root.Kind {
	case types.SourceKindFolder, types.SourceKindFile:
	case "":
		root.Kind = types.SourceKindFolder
	default:
		return nil, errorsx.AddMessage(
			fmt.Errorf("invalid source kind %q: %w", root.Kind, errorsx.ErrInvalidArgument),
			"The source kind must be folder or file.",
		)
	}

	if _, err := r.repository.EnsureKnowledgeBaseSync(ctx, kbUID, namespaceUID, r.defaultInterval); err != nil {
		return nil, err
	}

	src, created, err := r.repository.CreateSource(ctx, repository.SourceModel{
		KBUID:   kbUID,
		ItemID:  root.ItemID,
		DriveID: root.DriveID,
		Name:    root.Name,
		Kind:    root.Kind,
	})
	if err != nil {
		return nil, err
	}
	if created {
		r.logger.Info("Source added",
			zap.String("kbUID", kbUID.String()),
			zap.String("sourceItemID", src.ItemID),
			zap.String("kind", string(src.Kind)))
	}
	return src, nil
}

// RemoveSource detaches a source and removes its files. It's rejected with
// errors.ErrSyncInProgress while the knowledge base syncs, including when a
// pass starts before the source row is deleted.
//
// Files without an owning source (synced before sources were tracked) are
// attributed by drive ID, so two sources on the same drive can claim the
// same legacy files.
func (r *Registry) RemoveSource(ctx context.Context, kbUID types.KBUIDType, sourceItemID string) (*RemovalReport, error) {
	logger := r.logger.With(zap.String("kbUID", kbUID.String()), zap.String("sourceItemID", sourceItemID))

	kb, err := r.repository.GetKnowledgeBaseSync(ctx, kbUID)
	if err != nil {
		return nil, err
	}
	if kb.Status == types.SyncStatusSyncing {
		return nil, fmt.Errorf("removing source %s: %w", sourceItemID, syncerrors.ErrSyncInProgress)
	}

	var files []repository.SyncedFileModel
	src, err := r.repository.GetSource(ctx, kbUID, sourceItemID)
	switch {
	case err == nil:
		files, err = r.repository.ListSyncedFilesForRemoval(ctx, kbUID, src.ItemID, src.DriveID)
		if err != nil {
			return nil, fmt.Errorf("listing source files: %w", err)
		}

		// Detaching first makes a pass that started meanwhile fail the
		// removal before any file is touched. The version read above is the
		// guard.
		if err := r.repository.DeleteSource(ctx, kbUID, kb.Version, src.ItemID); err != nil {
			return nil, err
		}

	case errors.Is(err, errorsx.ErrNotFound):
		// A previous removal may have left files behind.
		files, err = r.repository.ListSyncedFilesBySource(ctx, kbUID, sourceItemID)
		if err != nil {
			return nil, fmt.Errorf("listing source files: %w", err)
		}
		if len(files) == 0 {
			return nil, errorsx.AddMessage(
				fmt.Errorf("source %s: %w", sourceItemID, errorsx.ErrNotFound),
				"The source isn't attached to this knowledge base.",
			)
		}
		logger.Info("Source already detached, removing leftover files", zap.Int("files", len(files)))

	default:
		return nil, err
	}

	rep := &RemovalReport{}
	var errs []error
	for _, f := range files {
		res, err := r.ingester.Remove(ctx, f)
		if err != nil {
			logger.Error("Failed to remove file of removed source", zap.String("fileUID", f.UID.String()), zap.Error(err))
			errs = append(errs, fmt.Errorf("removing %s: %w", f.RelativePath, err))
			continue
		}
		rep.FilesRemoved++
		if res.ContentDeleted {
			rep.ContentDeleted++
		} else {
			rep.ContentRetained++
		}
	}

	logger.Info("Source removed",
		zap.Int("filesRemoved", rep.FilesRemoved),
		zap.Int("contentDeleted", rep.ContentDeleted),
		zap.Int("contentRetained", rep.ContentRetained))
	return rep, errors.Join(errs...)
}
