package worker

import (
	"context"
	"errors"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/instill-ai/drivesync-backend/pkg/repository"

	synctemporal "github.com/instill-ai/drivesync-backend/pkg/temporal"

	syncerrors "github.com/instill-ai/drivesync-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

// SyncKnowledgeBaseWorkflow runs a sync pass triggered by a user. Passes
// rejected because another one is running or because the credential is
// gone fail without retries.
func (w *Worker) SyncKnowledgeBaseWorkflow(ctx workflow.Context, param synctemporal.SyncKnowledgeBaseWorkflowParam) (*repository.PassReport, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting SyncKnowledgeBaseWorkflow", "kbUID", param.KBUID.String())

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: ActivityTimeoutSyncPass,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        RetryInitialInterval,
			BackoffCoefficient:     RetryBackoffCoefficient,
			MaximumInterval:        RetryMaximumInterval,
			MaximumAttempts:        RetryMaximumAttempts,
			NonRetryableErrorTypes: []string{ErrTypeSyncInProgress, ErrTypeNeedsReauth},
		},
	})

	var report repository.PassReport
	if err := workflow.ExecuteActivity(ctx, w.RunSyncPassActivity, param).Get(ctx, &report); err != nil {
		logger.Error("Sync pass failed", "kbUID", param.KBUID.String(), "error", err)
		return nil, err
	}

	logger.Info("SyncKnowledgeBaseWorkflow completed",
		"kbUID", param.KBUID.String(),
		"added", report.Added,
		"updated", report.Updated,
		"deleted", report.Deleted,
		"failed", report.Failed,
		"canceled", report.Canceled)
	return &report, nil
}

// RunSyncPassActivity runs one sync pass of a knowledge base.
func (w *Worker) RunSyncPassActivity(ctx context.Context, param synctemporal.SyncKnowledgeBaseWorkflowParam) (*repository.PassReport, error) {
	logger := w.log.With(zap.String("kbUID", param.KBUID.String()))

	report, err := w.runner.Run(ctx, param.KBUID)
	switch {
	case err == nil:
		return report, nil
	case errors.Is(err, syncerrors.ErrSyncInProgress):
		logger.Info("Sync pass skipped, another one is running")
		return nil, temporal.NewNonRetryableApplicationError(errorsx.MessageOrErr(err), ErrTypeSyncInProgress, err)
	case errors.Is(err, syncerrors.ErrNeedsReauth):
		logger.Warn("Sync pass skipped, re-authorization required")
		return nil, temporal.NewNonRetryableApplicationError(errorsx.MessageOrErr(err), ErrTypeNeedsReauth, err)
	default:
		return nil, temporal.NewApplicationErrorWithCause(errorsx.MessageOrErr(err), "SyncPassFailed", err)
	}
}
