// Package ingest hands synced content over to the knowledge store and takes
// it back out.
package ingest

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	enumspb "go.temporal.io/api/enums/v1"

	"github.com/instill-ai/drivesync-backend/pkg/repository"
	"github.com/instill-ai/drivesync-backend/pkg/repository/object"
	"github.com/instill-ai/drivesync-backend/pkg/temporal"
	"github.com/instill-ai/drivesync-backend/pkg/types"
)

// WorkflowStarter starts workflows on a Temporal cluster. client.Client
// satisfies it.
type WorkflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow any, args ...any) (client.WorkflowRun, error)
}

// RemoveResult describes what a removal deleted.
type RemoveResult struct {
	// ContentDeleted is false when another knowledge base still references
	// the stored content.
	ContentDeleted bool
}

// Ingester is the boundary to the knowledge store.
type Ingester interface {
	// Ingest stores the content of a remote file, records it and starts its
	// processing. The stored record is returned.
	Ingest(ctx context.Context, file repository.SyncedFileModel, content []byte, mimeType string) (*repository.SyncedFileModel, error)
	// Remove deletes the index entries and the record of a file, and its
	// content when no knowledge base references it anymore.
	Remove(ctx context.Context, file repository.SyncedFileModel) (*RemoveResult, error)
}

// Config points to the processing workflow of the knowledge store.
type Config struct {
	ProcessWorkflowName string
	TaskQueue           string
}

// Params holds the Ingester dependencies.
type Params struct {
	Repository repository.Repository
	Storage    object.Storage
	// VectorDB may be nil when no index is configured.
	VectorDB repository.VectorDatabase
	Temporal WorkflowStarter
	Config   Config
	Logger   *zap.Logger
}

type ingester struct {
	repository repository.Repository
	storage    object.Storage
	vectorDB   repository.VectorDatabase
	temporal   WorkflowStarter
	cfg        Config
	logger     *zap.Logger
}

// NewIngester returns an Ingester.
func NewIngester(p Params) Ingester {
	if p.Config.ProcessWorkflowName == "" {
		p.Config.ProcessWorkflowName = temporal.DefaultProcessFileWorkflow
	}
	if p.Config.TaskQueue == "" {
		p.Config.TaskQueue = temporal.DefaultProcessFileTaskQueue
	}
	return &ingester{
		repository: p.Repository,
		storage:    p.Storage,
		vectorDB:   p.VectorDB,
		temporal:   p.Temporal,
		cfg:        p.Config,
		logger:     p.Logger,
	}
}

// Ingest implements Ingester.
func (in *ingester) Ingest(ctx context.Context, file repository.SyncedFileModel, content []byte, mimeType string) (*repository.SyncedFileModel, error) {
	contentPath := object.ContentPath(file.DriveID, file.ItemID)
	if err := in.storage.UploadFile(ctx, contentPath, content, mimeType); err != nil {
		return nil, fmt.Errorf("uploading content: %w", err)
	}

	file.ContentPath = contentPath
	stored, err := in.repository.UpsertSyncedFile(ctx, file)
	if err != nil {
		return nil, err
	}

	workflowID := fmt.Sprintf("process-file-%s-%s", stored.UID, shortHash(stored.Hash))
	_, err = in.temporal.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                    workflowID,
		TaskQueue:             in.cfg.TaskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
	}, in.cfg.ProcessWorkflowName, temporal.ProcessFileWorkflowParam{
		FileUIDs:    []types.FileUIDType{stored.UID},
		KBUID:       stored.KBUID,
		Bucket:      in.storage.GetBucket(),
		ContentPath: contentPath,
		MimeType:    mimeType,
	})
	if err != nil {
		// Without a hash the next pass sees the file as changed and retries.
		if uerr := in.repository.UpdateSyncedFile(ctx, stored.UID, map[string]any{
			repository.SyncedFileColumn.Hash: "",
		}); uerr != nil {
			in.logger.Error("Failed to reset hash of unprocessed file", zap.String("fileUID", stored.UID.String()), zap.Error(uerr))
		}
		return nil, fmt.Errorf("starting processing workflow: %w", err)
	}

	in.logger.Debug("Started file processing",
		zap.String("fileUID", stored.UID.String()),
		zap.String("workflowID", workflowID))
	return stored, nil
}

// Remove implements Ingester.
func (in *ingester) Remove(ctx context.Context, file repository.SyncedFileModel) (*RemoveResult, error) {
	if in.vectorDB != nil {
		if err := in.vectorDB.DeleteEmbeddingsWithFileUID(ctx, repository.KBCollectionName(file.KBUID), file.UID); err != nil {
			return nil, fmt.Errorf("deleting index entries: %w", err)
		}
	}

	if err := in.repository.DeleteSyncedFile(ctx, file.UID); err != nil {
		return nil, fmt.Errorf("deleting file record: %w", err)
	}

	res := &RemoveResult{}
	refs, err := in.repository.CountContentReferences(ctx, file.DriveID, file.ItemID)
	if err != nil {
		return nil, fmt.Errorf("counting content references: %w", err)
	}
	if refs > 0 || file.ContentPath == "" {
		return res, nil
	}

	if err := in.storage.DeleteFile(ctx, file.ContentPath); err != nil {
		return nil, fmt.Errorf("deleting content: %w", err)
	}
	res.ContentDeleted = true
	return res, nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	if h == "" {
		return "nohash"
	}
	return h
}
