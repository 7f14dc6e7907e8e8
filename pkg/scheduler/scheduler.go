// Package scheduler periodically runs the sync pass of the knowledge bases
// that are due.
package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/instill-ai/drivesync-backend/pkg/clock"
	"github.com/instill-ai/drivesync-backend/pkg/repository"
	"github.com/instill-ai/drivesync-backend/pkg/types"

	syncerrors "github.com/instill-ai/drivesync-backend/pkg/errors"
)

const (
	// DefaultWakeInterval is how often the scheduler looks for due
	// knowledge bases.
	DefaultWakeInterval = time.Minute
	// DefaultStaleAfter is how long a pass can go without renewing its
	// heartbeat before it's considered dead (e.g. the process running it
	// crashed).
	DefaultStaleAfter = 15 * time.Minute
)

// PassRunner runs the sync pass of a knowledge base.
type PassRunner interface {
	Run(ctx context.Context, kbUID types.KBUIDType) (*repository.PassReport, error)
}

// Config holds the scheduler parameters.
type Config struct {
	WakeInterval time.Duration
	StaleAfter   time.Duration
}

// Scheduler wakes on a fixed interval and runs the due passes one after the
// other.
type Scheduler struct {
	repository repository.Repository
	runner     PassRunner
	clock      clock.Clock
	cfg        Config
	logger     *zap.Logger
}

// New returns a Scheduler.
func New(repo repository.Repository, runner PassRunner, clk clock.Clock, cfg Config, logger *zap.Logger) *Scheduler {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.WakeInterval <= 0 {
		cfg.WakeInterval = DefaultWakeInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	return &Scheduler{
		repository: repo,
		runner:     runner,
		clock:      clk,
		cfg:        cfg,
		logger:     logger,
	}
}

// Start runs the scheduling loop until the context is done.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.WakeInterval)
	defer ticker.Stop()

	s.logger.Info("Sync scheduler started", zap.Duration("wakeInterval", s.cfg.WakeInterval))
	for {
		s.Tick(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info("Sync scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick performs one wake cycle and returns the knowledge bases it ran.
func (s *Scheduler) Tick(ctx context.Context) []types.KBUIDType {
	kbs, err := s.repository.ListKnowledgeBaseSyncs(ctx)
	if err != nil {
		s.logger.Error("Failed to list knowledge bases to sync", zap.Error(err))
		return nil
	}

	var ran []types.KBUIDType
	for i := range kbs {
		if ctx.Err() != nil {
			return ran
		}

		kb := &kbs[i]
		logger := s.logger.With(zap.String("kbUID", kb.KBUID.String()))

		if kb.Status == types.SyncStatusSyncing {
			s.recoverStale(ctx, kb, logger)
			continue
		}
		if !s.due(kb) {
			continue
		}

		ran = append(ran, kb.KBUID)
		if _, err := s.runner.Run(ctx, kb.KBUID); err != nil {
			switch {
			case errors.Is(err, syncerrors.ErrSyncInProgress):
				logger.Debug("Skipping knowledge base, a pass started meanwhile")
			default:
				logger.Warn("Scheduled sync failed", zap.Error(err))
			}
		}
	}
	return ran
}

// due reports whether a knowledge base should be synced now. A failed pass
// is retried after a full interval from its start, not on every wake.
func (s *Scheduler) due(kb *repository.KnowledgeBaseSyncModel) bool {
	switch kb.Status {
	case types.SyncStatusSyncing, types.SyncStatusNeedsReauth:
		return false
	}

	last := kb.LastSyncAt
	if kb.Status == types.SyncStatusError && kb.SyncStartedAt != nil &&
		(last == nil || kb.SyncStartedAt.After(*last)) {
		last = kb.SyncStartedAt
	}
	if last == nil {
		return true
	}
	return s.clock.Now().Sub(*last) >= kb.Interval()
}

// recoverStale releases a knowledge base left in syncing by a pass that
// stopped renewing its heartbeat.
func (s *Scheduler) recoverStale(ctx context.Context, kb *repository.KnowledgeBaseSyncModel, logger *zap.Logger) {
	last := kb.SyncHeartbeatAt
	if last == nil {
		last = kb.SyncStartedAt
	}
	if last == nil || s.clock.Now().Sub(*last) < s.cfg.StaleAfter {
		return
	}

	// The release is conditional on the heartbeat so a pass that renewed it
	// since the listing keeps running.
	released, err := s.repository.ReleaseStaleSync(ctx, kb.KBUID, s.clock.Now().Add(-s.cfg.StaleAfter), "The sync pass didn't finish.")
	if err != nil {
		logger.Warn("Failed to release stale sync", zap.Error(err))
		return
	}
	if released {
		logger.Warn("Released a sync pass that didn't finish",
			zap.Timep("syncStartedAt", kb.SyncStartedAt),
			zap.Timep("lastHeartbeat", last))
	}
}
