package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	enumspb "go.temporal.io/api/enums/v1"

	"github.com/instill-ai/drivesync-backend/pkg/acl"
	"github.com/instill-ai/drivesync-backend/pkg/ingest"
	"github.com/instill-ai/drivesync-backend/pkg/repository"
	"github.com/instill-ai/drivesync-backend/pkg/source"
	"github.com/instill-ai/drivesync-backend/pkg/temporal"
	"github.com/instill-ai/drivesync-backend/pkg/token"
	"github.com/instill-ai/drivesync-backend/pkg/types"

	syncerrors "github.com/instill-ai/drivesync-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

// MinSyncInterval is the shortest interval a knowledge base can be synced
// at.
const MinSyncInterval = 5 * time.Minute

// MaxSyncInterval is the longest sync interval.
const MaxSyncInterval = 365 * 24 * time.Hour

// Service defines the sync use cases exposed to API clients.
type Service interface {
	StartSync(context.Context, types.KBUIDType) (*SyncStarted, error)
	CancelSync(context.Context, types.KBUIDType) (*CancelResult, error)
	AddSource(context.Context, types.KBUIDType, types.NamespaceUIDType, source.Root) (*repository.SourceModel, error)
	RemoveSource(context.Context, types.KBUIDType, string) (*source.RemovalReport, error)
	GetSyncConfig(context.Context, types.KBUIDType) (*repository.SyncConfig, error)
	ListSyncedFiles(context.Context, types.KBUIDType) ([]repository.FileConfig, error)
	SetSyncInterval(context.Context, types.KBUIDType, time.Duration) error

	AuthorizeDrive(context.Context, types.KBUIDType, Credential) error
	TokenStatus(context.Context, types.KBUIDType) (*token.Status, error)

	ShareWithGroups(context.Context, types.KBUIDType, acl.Proposal) (*acl.ValidationResult, error)
	ListShares(context.Context, types.KBUIDType) ([]repository.GroupShareModel, error)
	OnGroupMemberAdded(context.Context, string, acl.Member) ([]acl.KnowledgeBaseConflicts, error)
}

// TokenManager stores refresh credentials and reports their state.
type TokenManager interface {
	StoreCredential(ctx context.Context, b token.Binding, tenantID, refreshToken string) error
	Status(ctx context.Context, kbUID types.KBUIDType) (*token.Status, error)
}

// SyncStarted identifies the workflow running a manually triggered pass.
type SyncStarted struct {
	WorkflowID string `json:"workflowId"`
	RunID      string `json:"runId"`
}

// CancelResult tells whether a running pass was asked to stop.
type CancelResult struct {
	WasSyncing bool `json:"wasSyncing"`
}

// Credential is a refresh credential obtained by the consent flow.
type Credential struct {
	// SourceItemID binds the credential to a single source. Empty binds it
	// to the whole knowledge base.
	SourceItemID string `json:"sourceItemId"`
	TenantID     string `json:"tenantId"`
	RefreshToken string `json:"refreshToken"`
}

type service struct {
	repository repository.Repository
	registry   *source.Registry
	tokens     TokenManager
	acl        *acl.Service
	temporal   ingest.WorkflowStarter
	logger     *zap.Logger
}

// Params holds the collaborators of the service.
type Params struct {
	Repository repository.Repository
	Registry   *source.Registry
	Tokens     TokenManager
	ACL        *acl.Service
	Temporal   ingest.WorkflowStarter
	Logger     *zap.Logger
}

// NewService initiates a service instance
func NewService(p Params) Service {
	return &service{
		repository: p.Repository,
		registry:   p.Registry,
		tokens:     p.Tokens,
		acl:        p.ACL,
		temporal:   p.Temporal,
		logger:     p.Logger,
	}
}

// StartSync triggers a pass through Temporal. Knowledge bases that are
// already syncing or that need to be authorized again are rejected before
// the workflow is started.
func (s *service) StartSync(ctx context.Context, kbUID types.KBUIDType) (*SyncStarted, error) {
	kb, err := s.repository.GetKnowledgeBaseSync(ctx, kbUID)
	if err != nil {
		return nil, err
	}
	switch kb.Status {
	case types.SyncStatusSyncing:
		return nil, fmt.Errorf("starting sync of knowledge base %s: %w", kbUID, syncerrors.ErrSyncInProgress)
	case types.SyncStatusNeedsReauth:
		return nil, fmt.Errorf("starting sync of knowledge base %s: %w", kbUID, syncerrors.ErrNeedsReauth)
	}

	id := temporal.SyncWorkflowID(kbUID)
	run, err := s.temporal.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                    id,
		TaskQueue:             temporal.TaskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
	}, temporal.SyncKnowledgeBaseWorkflow, temporal.SyncKnowledgeBaseWorkflowParam{KBUID: kbUID})
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			return nil, fmt.Errorf("starting sync of knowledge base %s: %w", kbUID, syncerrors.ErrSyncInProgress)
		}
		return nil, fmt.Errorf("starting sync workflow: %w", err)
	}

	s.logger.Info("Sync workflow started",
		zap.String("kbUID", kbUID.String()),
		zap.String("workflowID", id),
		zap.String("runID", run.GetRunID()),
	)
	return &SyncStarted{WorkflowID: id, RunID: run.GetRunID()}, nil
}

// CancelSync asks a running pass to stop before its next file. Cancelling an
// idle knowledge base succeeds without effect.
func (s *service) CancelSync(ctx context.Context, kbUID types.KBUIDType) (*CancelResult, error) {
	if _, err := s.repository.GetKnowledgeBaseSync(ctx, kbUID); err != nil {
		return nil, err
	}
	syncing, err := s.repository.RequestCancel(ctx, kbUID)
	if err != nil {
		return nil, fmt.Errorf("requesting cancel: %w", err)
	}
	return &CancelResult{WasSyncing: syncing}, nil
}

func (s *service) AddSource(ctx context.Context, kbUID types.KBUIDType, namespaceUID types.NamespaceUIDType, root source.Root) (*repository.SourceModel, error) {
	return s.registry.AddSource(ctx, kbUID, namespaceUID, root)
}

func (s *service) RemoveSource(ctx context.Context, kbUID types.KBUIDType, sourceItemID string) (*source.RemovalReport, error) {
	if sourceItemID == "" {
		return nil, errorsx.AddMessage(
			fmt.Errorf("empty source ID: %w", errorsx.ErrInvalidArgument),
			"A source ID is required.",
		)
	}
	return s.registry.RemoveSource(ctx, kbUID, sourceItemID)
}

func (s *service) GetSyncConfig(ctx context.Context, kbUID types.KBUIDType) (*repository.SyncConfig, error) {
	return s.repository.GetSyncConfig(ctx, kbUID)
}

func (s *service) ListSyncedFiles(ctx context.Context, kbUID types.KBUIDType) ([]repository.FileConfig, error) {
	files, err := s.repository.ListSyncedFiles(ctx, kbUID)
	if err != nil {
		return nil, fmt.Errorf("listing synced files: %w", err)
	}
	out := make([]repository.FileConfig, 0, len(files))
	for _, f := range files {
		out = append(out, repository.NewFileConfig(f))
	}
	return out, nil
}

// SetSyncInterval changes how often the scheduler syncs a knowledge base.
func (s *service) SetSyncInterval(ctx context.Context, kbUID types.KBUIDType, interval time.Duration) error {
	if interval < MinSyncInterval || interval > MaxSyncInterval {
		return errorsx.AddMessage(
			fmt.Errorf("sync interval %s out of [%s, %s]: %w", interval, MinSyncInterval, MaxSyncInterval, errorsx.ErrInvalidArgument),
			fmt.Sprintf("The sync interval must be between %s and %s.", MinSyncInterval, MaxSyncInterval),
		)
	}

	kb, err := s.repository.GetKnowledgeBaseSync(ctx, kbUID)
	if err != nil {
		return err
	}
	return s.repository.UpdateKnowledgeBaseSync(ctx, kbUID, kb.Version, map[string]any{
		repository.KnowledgeBaseSyncColumn.SyncInterval: int64(interval / time.Second),
	})
}

// AuthorizeDrive stores the refresh credential of a knowledge base and
// resumes its scheduling if it was waiting for authorization.
func (s *service) AuthorizeDrive(ctx context.Context, kbUID types.KBUIDType, cred Credential) error {
	if _, err := s.repository.GetKnowledgeBaseSync(ctx, kbUID); err != nil {
		return err
	}
	return s.tokens.StoreCredential(ctx, token.Binding{KBUID: kbUID, SourceItemID: cred.SourceItemID}, cred.TenantID, cred.RefreshToken)
}

func (s *service) TokenStatus(ctx context.Context, kbUID types.KBUIDType) (*token.Status, error) {
	return s.tokens.Status(ctx, kbUID)
}

func (s *service) ShareWithGroups(ctx context.Context, kbUID types.KBUIDType, p acl.Proposal) (*acl.ValidationResult, error) {
	return s.acl.ShareWithGroups(ctx, kbUID, p)
}

func (s *service) ListShares(ctx context.Context, kbUID types.KBUIDType) ([]repository.GroupShareModel, error) {
	return s.acl.ListShares(ctx, kbUID)
}

func (s *service) OnGroupMemberAdded(ctx context.Context, groupID string, m acl.Member) ([]acl.KnowledgeBaseConflicts, error) {
	if groupID == "" || m.UserUID == "" {
		return nil, errorsx.AddMessage(
			fmt.Errorf("group or user missing: %w", errorsx.ErrInvalidArgument),
			"Both the group ID and the user UID are required.",
		)
	}
	return s.acl.OnGroupMemberAdded(ctx, groupID, m)
}
