package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/instill-ai/drivesync-backend/pkg/repository"
	"github.com/instill-ai/drivesync-backend/pkg/types"
)

// ActivityTimeoutSyncPass bounds a whole sync pass. Large first syncs
// download every file of a tree.
const ActivityTimeoutSyncPass = 6 * time.Hour

// RetryInitialInterval, RetryBackoffCoefficient, RetryMaximumInterval and
// RetryMaximumAttempts control how failed passes are retried.
const (
	RetryInitialInterval    = 30 * time.Second
	RetryBackoffCoefficient = 2.0
	RetryMaximumInterval    = 10 * time.Minute
	RetryMaximumAttempts    = 3
)

// Application error types that aren't retried.
const (
	ErrTypeSyncInProgress = "SyncInProgress"
	ErrTypeNeedsReauth    = "NeedsReauth"
)

// PassRunner runs a sync pass of a knowledge base.
type PassRunner interface {
	Run(ctx context.Context, kbUID types.KBUIDType) (*repository.PassReport, error)
}

// Config defines the configuration for the worker
type Config struct {
	Runner PassRunner
}

// Worker implements the Temporal worker with the sync workflow and
// activities
type Worker struct {
	runner PassRunner
	log    *zap.Logger
}

// New creates a new worker instance
func New(config Config, log *zap.Logger) *Worker {
	return &Worker{
		runner: config.Runner,
		log:    log,
	}
}
