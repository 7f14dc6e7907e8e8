// Package syncer runs sync passes: it mirrors the changes of a remote drive
// into the files of a knowledge base.
package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/instill-ai/drivesync-backend/pkg/clock"
	"github.com/instill-ai/drivesync-backend/pkg/constant"
	"github.com/instill-ai/drivesync-backend/pkg/drive"
	"github.com/instill-ai/drivesync-backend/pkg/ingest"
	"github.com/instill-ai/drivesync-backend/pkg/pathmap"
	"github.com/instill-ai/drivesync-backend/pkg/repository"
	"github.com/instill-ai/drivesync-backend/pkg/types"

	syncerrors "github.com/instill-ai/drivesync-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

// SourceReport is the outcome of syncing one source.
type SourceReport struct {
	repository.PassReport
	FailedFiles []repository.FailedFile
	// FullEnumeration is set when the source was enumerated from scratch.
	FullEnumeration bool
}

// Worker syncs the sources of a knowledge base.
type Worker struct {
	repository repository.Repository
	drive      drive.Client
	ingester   ingest.Ingester
	clock      clock.Clock
	logger     *zap.Logger
}

// NewWorker returns a Worker.
func NewWorker(repo repository.Repository, dc drive.Client, in ingest.Ingester, clk clock.Clock, logger *zap.Logger) *Worker {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Worker{
		repository: repo,
		drive:      dc,
		ingester:   in,
		clock:      clk,
		logger:     logger,
	}
}

// SyncSource brings the files of a source up to date with the remote drive.
//
// Per-file failures end up in the report. An error is returned when the
// pass can't go on: the token is rejected, the drive is unreachable or the
// persisted state can't be updated. The source is updated in place.
func (w *Worker) SyncSource(ctx context.Context, kbUID types.KBUIDType, src *repository.SourceModel, accessToken string) (*SourceReport, error) {
	logger := w.logger.With(
		zap.String("kbUID", kbUID.String()),
		zap.String("sourceItemID", src.ItemID),
	)

	deltaLink := src.DeltaLink
	folderMap := pathmap.FolderMap(src.FolderMap.Data())
	if src.FolderMapVersion < pathmap.Version {
		logger.Info("Folder map built by an older resolver, re-enumerating",
			zap.Int("storedVersion", src.FolderMapVersion),
			zap.Int("currentVersion", pathmap.Version))
		deltaLink, folderMap = "", nil
	}

	// FETCH_DELTA
	page, fullEnumeration, err := w.fetch(ctx, accessToken, src, deltaLink, logger)
	if err != nil {
		return nil, err
	}
	if fullEnumeration {
		folderMap = nil
	}

	rep := &SourceReport{FullEnumeration: fullEnumeration}

	// RESOLVE_PATHS
	resolver := pathmap.New(src.ItemID, folderMap)
	var renames []pathmap.Rename
	if src.Kind == types.SourceKindFolder {
		renames = resolver.Apply(page.Items)
		if err := w.updateSource(ctx, src, map[string]any{
			repository.SourceColumn.FolderMap:        datatypes.NewJSONType(map[string]string(resolver.Map())),
			repository.SourceColumn.FolderMapVersion: pathmap.Version,
		}); err != nil {
			return nil, fmt.Errorf("persisting folder map: %w", err)
		}
	}

	// DOWNLOAD_PERSIST: deletions come before any file path is computed.
	inBatch := make(map[string]bool, len(page.Items))
	for _, it := range page.Items {
		inBatch[it.ID] = true
	}
	if err := w.applyDeletions(ctx, kbUID, src, page.Items, rep); err != nil {
		return nil, err
	}
	if err := w.cascadeRenames(ctx, kbUID, src, inBatch, renames, rep); err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	for _, it := range page.Items {
		if !it.IsFile() {
			continue
		}

		canceled, err := w.canceled(ctx, kbUID)
		if err != nil {
			return nil, err
		}
		if canceled {
			logger.Info("Sync canceled, leaving the remaining files for the next pass")
			rep.Canceled = true
			return rep, nil
		}

		seen[it.ID] = true
		relPath := it.Name
		if src.Kind == types.SourceKindFolder {
			relPath = resolver.FilePath(it.ParentID, it.Name)
		}
		if err := w.syncFile(ctx, accessToken, kbUID, src, it, relPath, rep); err != nil {
			return nil, err
		}
	}

	if fullEnumeration && src.Kind == types.SourceKindFolder {
		if err := w.removeUnseen(ctx, kbUID, src, seen, rep); err != nil {
			return nil, err
		}
	}

	// DONE
	if src.Kind == types.SourceKindFolder {
		if err := w.updateSource(ctx, src, map[string]any{
			repository.SourceColumn.DeltaLink: page.DeltaLink,
		}); err != nil {
			return nil, fmt.Errorf("persisting delta link: %w", err)
		}
	}

	logger.Info("Source synced",
		zap.Bool("fullEnumeration", fullEnumeration),
		zap.Int("added", rep.Added),
		zap.Int("updated", rep.Updated),
		zap.Int("moved", rep.Moved),
		zap.Int("deleted", rep.Deleted),
		zap.Int("failed", rep.Failed))
	return rep, nil
}

func (w *Worker) fetch(ctx context.Context, accessToken string, src *repository.SourceModel, deltaLink string, logger *zap.Logger) (*drive.DeltaPage, bool, error) {
	if src.Kind == types.SourceKindFile {
		item, err := w.drive.GetItem(ctx, accessToken, src.DriveID, src.ItemID)
		switch {
		case errors.Is(err, errorsx.ErrNotFound):
			return &drive.DeltaPage{Items: []drive.Item{{ID: src.ItemID, DriveID: src.DriveID, Deleted: true}}}, false, nil
		case err != nil:
			return nil, false, fmt.Errorf("fetching source file: %w", err)
		}
		return &drive.DeltaPage{Items: []drive.Item{*item}}, false, nil
	}

	page, err := w.drive.Delta(ctx, accessToken, src.DriveID, src.ItemID, deltaLink)
	if errors.Is(err, syncerrors.ErrDeltaTokenExpired) && deltaLink != "" {
		logger.Info("Delta link expired, re-enumerating the source")
		if err := w.updateSource(ctx, src, map[string]any{
			repository.SourceColumn.DeltaLink: "",
			repository.SourceColumn.FolderMap: datatypes.NewJSONType(map[string]string{}),
		}); err != nil {
			return nil, false, fmt.Errorf("clearing delta link: %w", err)
		}
		deltaLink = ""
		page, err = w.drive.Delta(ctx, accessToken, src.DriveID, src.ItemID, "")
	}
	if err != nil {
		return nil, false, fmt.Errorf("fetching changes: %w", err)
	}
	return page, deltaLink == "", nil
}

func (w *Worker) applyDeletions(ctx context.Context, kbUID types.KBUIDType, src *repository.SourceModel, items []drive.Item, rep *SourceReport) error {
	for _, it := range items {
		if !it.Deleted {
			continue
		}
		f, err := w.repository.GetSyncedFile(ctx, kbUID, driveOf(it, src), it.ID)
		if errors.Is(err, errorsx.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("loading deleted file: %w", err)
		}
		if _, err := w.ingester.Remove(ctx, *f); err != nil {
			rep.fail(it, f.RelativePath, fmt.Sprintf("removing deleted file: %v", err))
			continue
		}
		rep.Deleted++
	}
	return nil
}

// cascadeRenames moves the files of renamed folders that weren't part of the
// batch.
func (w *Worker) cascadeRenames(ctx context.Context, kbUID types.KBUIDType, src *repository.SourceModel, inBatch map[string]bool, renames []pathmap.Rename, rep *SourceReport) error {
	if len(renames) == 0 {
		return nil
	}

	files, err := w.repository.ListSyncedFilesBySource(ctx, kbUID, src.ItemID)
	if err != nil {
		return fmt.Errorf("listing source files: %w", err)
	}
	for _, f := range files {
		if inBatch[f.ItemID] {
			continue
		}
		p, ok := pathmap.RewritePath(f.RelativePath, renames)
		if !ok {
			continue
		}
		if err := w.repository.UpdateSyncedFile(ctx, f.UID, map[string]any{
			repository.SyncedFileColumn.RelativePath: p,
		}); err != nil {
			return fmt.Errorf("moving file: %w", err)
		}
		rep.Moved++
	}
	return nil
}

func (w *Worker) syncFile(ctx context.Context, accessToken string, kbUID types.KBUIDType, src *repository.SourceModel, it drive.Item, relPath string, rep *SourceReport) error {
	mimeType, ok := constant.MimeTypeForFile(it.Name)
	if !ok {
		rep.fail(it, relPath, "unsupported file type")
		return nil
	}

	driveID := driveOf(it, src)
	existing, err := w.repository.GetSyncedFile(ctx, kbUID, driveID, it.ID)
	switch {
	case errors.Is(err, errorsx.ErrNotFound):
		existing = nil
	case err != nil:
		return fmt.Errorf("loading file record: %w", err)
	}

	// Files owned by another source of the knowledge base are synced by it.
	if existing != nil && existing.SourceItemID != "" && existing.SourceItemID != src.ItemID {
		rep.Unchanged++
		return nil
	}

	// The drive's own hash spares the download of unchanged content.
	if existing != nil && existing.Hash != "" && strings.EqualFold(it.SHA256Hash, existing.Hash) {
		return w.keep(ctx, src, existing, it, relPath, rep)
	}

	content, err := w.drive.Download(ctx, accessToken, driveID, it.ID)
	if err != nil {
		if abortsPass(err) {
			return fmt.Errorf("downloading %s: %w", it.Name, err)
		}
		rep.fail(it, relPath, fmt.Sprintf("download failed: %v", err))
		return nil
	}

	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])
	if existing != nil && existing.Hash == hash {
		return w.keep(ctx, src, existing, it, relPath, rep)
	}

	now := w.clock.Now()
	if _, err := w.ingester.Ingest(ctx, repository.SyncedFileModel{
		KBUID:        kbUID,
		SourceItemID: src.ItemID,
		DriveID:      driveID,
		ItemID:       it.ID,
		Name:         it.Name,
		RelativePath: relPath,
		Hash:         hash,
		Size:         int64(len(content)),
		LastSyncedAt: &now,
	}, content, mimeType); err != nil {
		rep.fail(it, relPath, fmt.Sprintf("ingestion failed: %v", err))
		return nil
	}

	if existing == nil {
		rep.Added++
	} else {
		rep.Updated++
	}
	return nil
}

// keep handles a file whose content didn't change: only its location and
// ownership are updated.
func (w *Worker) keep(ctx context.Context, src *repository.SourceModel, existing *repository.SyncedFileModel, it drive.Item, relPath string, rep *SourceReport) error {
	updates := map[string]any{}
	if existing.RelativePath != relPath {
		updates[repository.SyncedFileColumn.RelativePath] = relPath
	}
	if existing.Name != it.Name {
		updates[repository.SyncedFileColumn.Name] = it.Name
	}
	if existing.SourceItemID == "" {
		updates[repository.SyncedFileColumn.SourceItemID] = src.ItemID
	}
	if len(updates) > 0 {
		if err := w.repository.UpdateSyncedFile(ctx, existing.UID, updates); err != nil {
			return fmt.Errorf("updating file record: %w", err)
		}
	}

	if existing.RelativePath != relPath {
		rep.Moved++
	} else {
		rep.Unchanged++
	}
	return nil
}

// removeUnseen deletes the files of a source that a full enumeration didn't
// return. Deletion markers issued while the delta link was unusable are
// lost, so this is the only way to notice those deletions.
func (w *Worker) removeUnseen(ctx context.Context, kbUID types.KBUIDType, src *repository.SourceModel, seen map[string]bool, rep *SourceReport) error {
	files, err := w.repository.ListSyncedFilesBySource(ctx, kbUID, src.ItemID)
	if err != nil {
		return fmt.Errorf("listing source files: %w", err)
	}
	for _, f := range files {
		if seen[f.ItemID] {
			continue
		}
		if _, err := w.ingester.Remove(ctx, f); err != nil {
			rep.fail(drive.Item{ID: f.ItemID, Name: f.Name}, f.RelativePath, fmt.Sprintf("removing vanished file: %v", err))
			continue
		}
		rep.Deleted++
	}
	return nil
}

// RefreshPermissions stores the principals that can access a source.
// Failing to read them keeps the previous snapshot.
func (w *Worker) RefreshPermissions(ctx context.Context, src *repository.SourceModel, accessToken string) error {
	principals, err := w.drive.ListPermissions(ctx, accessToken, src.DriveID, src.ItemID)
	if err != nil {
		return fmt.Errorf("listing source permissions: %w", err)
	}
	now := w.clock.Now()
	return w.updateSource(ctx, src, map[string]any{
		repository.SourceColumn.PermittedPrincipals: datatypes.NewJSONType(principals),
		repository.SourceColumn.PermissionsSyncedAt: now,
	})
}

func (w *Worker) canceled(ctx context.Context, kbUID types.KBUIDType) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	requested, err := w.repository.IsCancelRequested(ctx, kbUID)
	if err != nil {
		return false, fmt.Errorf("reading cancel flag: %w", err)
	}
	return requested, nil
}

// updateSource applies a version-checked update and keeps src in step.
func (w *Worker) updateSource(ctx context.Context, src *repository.SourceModel, updates map[string]any) error {
	if err := w.repository.UpdateSource(ctx, src.UID, src.Version, updates); err != nil {
		return err
	}
	src.Version++
	for col, v := range updates {
		switch col {
		case repository.SourceColumn.DeltaLink:
			src.DeltaLink = v.(string)
		case repository.SourceColumn.FolderMap:
			src.FolderMap = v.(datatypes.JSONType[map[string]string])
		case repository.SourceColumn.FolderMapVersion:
			src.FolderMapVersion = v.(int)
		case repository.SourceColumn.PermittedPrincipals:
			src.PermittedPrincipals = v.(datatypes.JSONType[[]string])
		case repository.SourceColumn.PermissionsSyncedAt:
			t := v.(time.Time)
			src.PermissionsSyncedAt = &t
		}
	}
	return nil
}

func (r *SourceReport) fail(it drive.Item, relPath, reason string) {
	r.Failed++
	r.FailedFiles = append(r.FailedFiles, repository.FailedFile{
		ItemID:       it.ID,
		Name:         it.Name,
		RelativePath: relPath,
		Reason:       reason,
	})
}

func driveOf(it drive.Item, src *repository.SourceModel) string {
	if it.DriveID != "" {
		return it.DriveID
	}
	return src.DriveID
}

// abortsPass tells the download errors that affect every file apart from
// the ones specific to a file.
func abortsPass(err error) bool {
	return errors.Is(err, errorsx.ErrUnauthenticated) ||
		errors.Is(err, errorsx.ErrRateLimiting) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
