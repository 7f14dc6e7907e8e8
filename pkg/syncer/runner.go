package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/instill-ai/drivesync-backend/pkg/clock"
	"github.com/instill-ai/drivesync-backend/pkg/repository"
	"github.com/instill-ai/drivesync-backend/pkg/token"
	"github.com/instill-ai/drivesync-backend/pkg/types"

	syncerrors "github.com/instill-ai/drivesync-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

const tracerName = "drivesync-backend/syncer"

// DefaultHeartbeatInterval is how often a running pass renews its
// heartbeat. It must stay well below the scheduler's stale threshold.
const DefaultHeartbeatInterval = time.Minute

// TokenSource hands out access tokens for the drive.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, b token.Binding) (*token.AccessToken, error)
}

// SourceSyncer syncs a single source.
type SourceSyncer interface {
	SyncSource(ctx context.Context, kbUID types.KBUIDType, src *repository.SourceModel, accessToken string) (*SourceReport, error)
	RefreshPermissions(ctx context.Context, src *repository.SourceModel, accessToken string) error
}

// GroupEnforcer removes the groups that can no longer be shared a
// knowledge base. It returns the removed group IDs.
type GroupEnforcer interface {
	Enforce(ctx context.Context, kbUID types.KBUIDType) ([]string, error)
}

// Runner runs the sync pass of a knowledge base over all its sources.
type Runner struct {
	repository repository.Repository
	tokens     TokenSource
	sources    SourceSyncer
	enforcer   GroupEnforcer
	clock      clock.Clock
	logger     *zap.Logger

	heartbeatInterval time.Duration
}

// RunnerParams holds the Runner dependencies.
type RunnerParams struct {
	Repository repository.Repository
	Tokens     TokenSource
	Sources    SourceSyncer
	// Enforcer is optional.
	Enforcer GroupEnforcer
	Clock    clock.Clock
	Logger   *zap.Logger
	// HeartbeatInterval defaults to DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration
}

// NewRunner returns a Runner.
func NewRunner(p RunnerParams) *Runner {
	if p.Clock == nil {
		p.Clock = clock.Real{}
	}
	if p.HeartbeatInterval <= 0 {
		p.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &Runner{
		repository:        p.Repository,
		tokens:            p.Tokens,
		sources:           p.Sources,
		enforcer:          p.Enforcer,
		clock:             p.Clock,
		logger:            p.Logger,
		heartbeatInterval: p.HeartbeatInterval,
	}
}

// Run performs a sync pass. It fails with errors.ErrSyncInProgress when a
// pass is already running and with errors.ErrNeedsReauth when the knowledge
// base waits for re-authorization. Any other failure is recorded on the
// knowledge base's status and returned.
func (r *Runner) Run(ctx context.Context, kbUID types.KBUIDType) (report *repository.PassReport, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "SyncPass",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("kb_uid", kbUID.String())),
	)
	defer func() {
		if report != nil {
			span.SetAttributes(
				attribute.Int("files.added", report.Added),
				attribute.Int("files.updated", report.Updated),
				attribute.Int("files.deleted", report.Deleted),
				attribute.Int("files.failed", report.Failed),
			)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	logger := r.logger.With(zap.String("kbUID", kbUID.String()))

	if err := r.start(ctx, kbUID); err != nil {
		return nil, err
	}
	logger.Info("Sync pass started")

	stopHeartbeat := r.heartbeat(ctx, kbUID, logger)
	report, failed, err := r.pass(ctx, kbUID, logger)
	stopHeartbeat()

	// The outcome is recorded even if the pass was interrupted.
	finishCtx := context.WithoutCancel(ctx)
	if ferr := r.finish(finishCtx, kbUID, report, failed, err, logger); ferr != nil {
		logger.Error("Failed to record sync outcome", zap.Error(ferr))
		if err == nil {
			err = ferr
		}
	}
	if err != nil {
		return report, err
	}
	return report, nil
}

func (r *Runner) start(ctx context.Context, kbUID types.KBUIDType) error {
	now := r.clock.Now()
	ok, err := r.repository.TransitionSyncStatus(ctx, kbUID,
		[]types.SyncStatus{types.SyncStatusIdle, types.SyncStatusError},
		types.SyncStatusSyncing,
		map[string]any{
			repository.KnowledgeBaseSyncColumn.SyncStartedAt:   now,
			repository.KnowledgeBaseSyncColumn.SyncHeartbeatAt: now,
			repository.KnowledgeBaseSyncColumn.CancelRequested: false,
		},
	)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	kb, err := r.repository.GetKnowledgeBaseSync(ctx, kbUID)
	if err != nil {
		return err
	}
	switch kb.Status {
	case types.SyncStatusSyncing:
		return fmt.Errorf("knowledge base %s: %w", kbUID, syncerrors.ErrSyncInProgress)
	case types.SyncStatusNeedsReauth:
		return fmt.Errorf("knowledge base %s: %w", kbUID, syncerrors.ErrNeedsReauth)
	default:
		return fmt.Errorf("starting sync of knowledge base %s: %w", kbUID, syncerrors.ErrConcurrentUpdate)
	}
}

// heartbeat renews the heartbeat of the running pass until the returned
// function is called, so the scheduler can tell a long pass from a dead one.
func (r *Runner) heartbeat(ctx context.Context, kbUID types.KBUIDType, logger *zap.Logger) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if _, err := r.repository.TouchSyncHeartbeat(ctx, kbUID, r.clock.Now()); err != nil && ctx.Err() == nil {
				logger.Warn("Failed to renew sync heartbeat", zap.Error(err))
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (r *Runner) pass(ctx context.Context, kbUID types.KBUIDType, logger *zap.Logger) (*repository.PassReport, []repository.FailedFile, error) {
	report := &repository.PassReport{}
	failed := []repository.FailedFile{}

	sources, err := r.repository.ListSources(ctx, kbUID)
	if err != nil {
		return report, failed, fmt.Errorf("listing sources: %w", err)
	}

	for i := range sources {
		src := &sources[i]

		tok, err := r.tokens.GetValidAccessToken(ctx, token.Binding{KBUID: kbUID, SourceItemID: src.ItemID})
		if err != nil {
			return report, failed, fmt.Errorf("acquiring token for source %s: %w", src.ItemID, err)
		}

		rep, err := r.sources.SyncSource(ctx, kbUID, src, tok.Value)
		if err != nil {
			return report, failed, fmt.Errorf("syncing source %s: %w", src.ItemID, err)
		}
		report.Sources++
		report.Add(rep.PassReport)
		failed = append(failed, rep.FailedFiles...)

		if rep.Canceled {
			report.Canceled = true
			return report, failed, nil
		}

		if err := r.sources.RefreshPermissions(ctx, src, tok.Value); err != nil {
			logger.Warn("Keeping the previous permission snapshot",
				zap.String("sourceItemID", src.ItemID), zap.Error(err))
		}
	}

	if r.enforcer != nil {
		removed, err := r.enforcer.Enforce(ctx, kbUID)
		if err != nil {
			logger.Warn("Group compliance check failed", zap.Error(err))
		} else if len(removed) > 0 {
			logger.Info("Removed non-compliant groups", zap.Strings("groupIDs", removed))
		}
	}

	return report, failed, nil
}

func (r *Runner) finish(ctx context.Context, kbUID types.KBUIDType, report *repository.PassReport, failed []repository.FailedFile, passErr error, logger *zap.Logger) error {
	from := []types.SyncStatus{types.SyncStatusSyncing}
	updates := map[string]any{
		repository.KnowledgeBaseSyncColumn.CancelRequested: false,
	}

	var to types.SyncStatus
	switch {
	case passErr == nil:
		to = types.SyncStatusIdle
		updates[repository.KnowledgeBaseSyncColumn.ErrorMessage] = ""
		updates[repository.KnowledgeBaseSyncColumn.LastSyncAt] = r.clock.Now()
		updates[repository.KnowledgeBaseSyncColumn.FailedFiles] = datatypes.NewJSONType(failed)
		updates[repository.KnowledgeBaseSyncColumn.LastReport] = datatypes.NewJSONType(*report)
		logger.Info("Sync pass finished",
			zap.Bool("canceled", report.Canceled),
			zap.Int("sources", report.Sources),
			zap.Int("added", report.Added),
			zap.Int("updated", report.Updated),
			zap.Int("moved", report.Moved),
			zap.Int("deleted", report.Deleted),
			zap.Int("failed", report.Failed))

	case errors.Is(passErr, syncerrors.ErrNeedsReauth):
		// A revoked credential already moved the status; this covers a
		// missing one.
		to = types.SyncStatusNeedsReauth
		updates[repository.KnowledgeBaseSyncColumn.ErrorMessage] = errorsx.MessageOrErr(syncerrors.ErrNeedsReauth)
		logger.Warn("Sync pass stopped, re-authorization required", zap.Error(passErr))

	default:
		to = types.SyncStatusError
		updates[repository.KnowledgeBaseSyncColumn.ErrorMessage] = errorsx.MessageOrErr(passErr)
		logger.Error("Sync pass failed", zap.Error(passErr))
	}

	_, err := r.repository.TransitionSyncStatus(ctx, kbUID, from, to, updates)
	return err
}
