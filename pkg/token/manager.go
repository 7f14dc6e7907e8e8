// Package token keeps the access tokens used to call the remote drive
// valid. Refresh credentials rotate on every exchange, so each successful
// refresh replaces the stored credential in a single conditional update.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/instill-ai/drivesync-backend/pkg/clock"
	"github.com/instill-ai/drivesync-backend/pkg/repository"
	"github.com/instill-ai/drivesync-backend/pkg/types"

	syncerrors "github.com/instill-ai/drivesync-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

// DefaultExpiryBuffer is the remaining lifetime under which a cached access
// token is refreshed.
const DefaultExpiryBuffer = 5 * time.Minute

// Binding identifies the credential used for a source. An empty
// SourceItemID designates the knowledge-base-wide credential.
type Binding struct {
	KBUID        types.KBUIDType
	SourceItemID string
}

func (b Binding) key() string {
	return b.KBUID.String() + "/" + b.SourceItemID
}

// AccessToken is a short-lived bearer token.
type AccessToken struct {
	Value  string    `json:"value"`
	Expiry time.Time `json:"expiry"`
}

// Status summarizes the credentials of a knowledge base.
type Status struct {
	HasCredential bool            `json:"hasCredential"`
	NeedsReauth   bool            `json:"needsReauth"`
	RotatedAt     *time.Time      `json:"rotatedAt,omitempty"`
	Bindings      []BindingStatus `json:"bindings"`
}

// BindingStatus is the state of one stored credential.
type BindingStatus struct {
	SourceItemID string     `json:"sourceItemId"`
	TenantID     string     `json:"tenantId"`
	Revoked      bool       `json:"revoked"`
	RotatedAt    *time.Time `json:"rotatedAt,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
}

// Manager hands out valid access tokens, refreshing them when needed.
type Manager struct {
	repository repository.Repository
	sealer     Sealer
	refresher  Refresher
	cache      Cache
	clock      clock.Clock
	buffer     time.Duration
	logger     *zap.Logger

	// locks serializes refreshes per credential within the process.
	locks sync.Map
}

// ManagerParams holds the Manager dependencies.
type ManagerParams struct {
	Repository   repository.Repository
	Sealer       Sealer
	Refresher    Refresher
	Cache        Cache
	Clock        clock.Clock
	ExpiryBuffer time.Duration
	Logger       *zap.Logger
}

// NewManager returns a token manager.
func NewManager(p ManagerParams) *Manager {
	if p.Clock == nil {
		p.Clock = clock.Real{}
	}
	if p.Cache == nil {
		p.Cache = NewMemoryCache(p.Clock)
	}
	if p.ExpiryBuffer <= 0 {
		p.ExpiryBuffer = DefaultExpiryBuffer
	}
	return &Manager{
		repository: p.Repository,
		sealer:     p.Sealer,
		refresher:  p.Refresher,
		cache:      p.Cache,
		clock:      p.Clock,
		buffer:     p.ExpiryBuffer,
		logger:     p.Logger,
	}
}

func (m *Manager) lock(key string) func() {
	mu, _ := m.locks.LoadOrStore(key, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	return mu.(*sync.Mutex).Unlock
}

// GetValidAccessToken returns a token for the binding that stays valid for
// at least the expiry buffer. It returns errors.ErrNeedsReauth when there's
// no usable credential and errors.ErrCredentialRevoked when the provider
// rejects it for good. Other errors are transient.
func (m *Manager) GetValidAccessToken(ctx context.Context, b Binding) (*AccessToken, error) {
	logger := m.logger.With(zap.String("kbUID", b.KBUID.String()), zap.String("sourceItemID", b.SourceItemID))

	rec, err := m.repository.GetToken(ctx, b.KBUID, b.SourceItemID)
	if err != nil {
		if errors.Is(err, errorsx.ErrNotFound) {
			return nil, fmt.Errorf("no stored credential: %w", syncerrors.ErrNeedsReauth)
		}
		return nil, fmt.Errorf("loading credential: %w", err)
	}

	// Sources without their own credential share the knowledge base's one,
	// and its cache entry.
	key := Binding{KBUID: rec.KBUID, SourceItemID: rec.SourceItemID}.key()
	unlock := m.lock(key)
	defer unlock()

	if tok, ok := m.cache.Get(ctx, key); ok && tok.Expiry.After(m.clock.Now().Add(m.buffer)) {
		return &tok, nil
	}

	// Another caller may have rotated the credential while we waited.
	rec, err = m.repository.GetToken(ctx, rec.KBUID, rec.SourceItemID)
	if err != nil {
		return nil, fmt.Errorf("loading credential: %w", err)
	}
	if rec.Revoked {
		return nil, fmt.Errorf("stored credential was revoked: %w", syncerrors.ErrCredentialRevoked)
	}

	return m.refresh(ctx, rec, key, logger)
}

func (m *Manager) refresh(ctx context.Context, rec *repository.TokenModel, key string, logger *zap.Logger) (*AccessToken, error) {
	refreshToken, err := m.sealer.Unseal(rec.EncryptedRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("unsealing credential: %w", err)
	}

	grant, err := m.refresher.Refresh(ctx, rec.TenantID, refreshToken)
	if err != nil {
		if errors.Is(err, syncerrors.ErrCredentialRevoked) {
			return nil, m.revoke(ctx, rec, key, err, logger)
		}
		logger.Warn("Access token refresh failed", zap.Error(err))
		return nil, fmt.Errorf("refreshing access token: %w", err)
	}

	if grant.RefreshToken != "" && grant.RefreshToken != refreshToken {
		sealed, err := m.sealer.Seal(grant.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("sealing rotated credential: %w", err)
		}
		if err := m.repository.RotateToken(ctx, rec.UID, rec.EncryptedRefreshToken, sealed, grant.Expiry); err != nil {
			if errors.Is(err, syncerrors.ErrStaleCredential) {
				logger.Warn("Stored credential changed during refresh, discarding the rotated one")
			}
			return nil, err
		}
		logger.Debug("Rotated refresh credential")
	} else if err := m.repository.UpdateTokenExpiry(ctx, rec.UID, grant.Expiry); err != nil {
		return nil, fmt.Errorf("storing token expiry: %w", err)
	}

	tok := AccessToken{Value: grant.AccessToken, Expiry: grant.Expiry}
	m.cache.Set(ctx, key, tok)
	return &tok, nil
}

// revoke marks the credential unusable and the knowledge base as needing
// re-authorization.
func (m *Manager) revoke(ctx context.Context, rec *repository.TokenModel, key string, cause error, logger *zap.Logger) error {
	m.cache.Delete(ctx, key)

	// A rejection of a credential that was rotated in the meantime says
	// nothing about the current one.
	current, err := m.repository.GetToken(ctx, rec.KBUID, rec.SourceItemID)
	if err == nil && current.UID == rec.UID && current.EncryptedRefreshToken != rec.EncryptedRefreshToken {
		logger.Warn("Refresh rejected for a credential that was already rotated", zap.Error(cause))
		return fmt.Errorf("%v: %w", cause, syncerrors.ErrStaleCredential)
	}

	if err := m.repository.RevokeToken(ctx, rec.UID); err != nil {
		return fmt.Errorf("marking credential revoked: %w", err)
	}

	_, err = m.repository.TransitionSyncStatus(ctx, rec.KBUID,
		[]types.SyncStatus{types.SyncStatusIdle, types.SyncStatusSyncing, types.SyncStatusError},
		types.SyncStatusNeedsReauth,
		map[string]any{repository.KnowledgeBaseSyncColumn.ErrorMessage: "The drive connection must be authorized again."},
	)
	if err != nil && !errors.Is(err, errorsx.ErrNotFound) {
		return fmt.Errorf("updating sync status: %w", err)
	}

	logger.Warn("Refresh credential revoked, knowledge base needs re-authorization", zap.Error(cause))
	return cause
}

// StoreCredential saves the refresh credential obtained by a
// (re-)authorization and brings a knowledge base out of needs_reauth.
func (m *Manager) StoreCredential(ctx context.Context, b Binding, tenantID, refreshToken string) error {
	if refreshToken == "" {
		return errorsx.AddMessage(
			fmt.Errorf("empty refresh token: %w", errorsx.ErrInvalidArgument),
			"A refresh token is required.",
		)
	}

	sealed, err := m.sealer.Seal(refreshToken)
	if err != nil {
		return fmt.Errorf("sealing credential: %w", err)
	}

	unlock := m.lock(b.key())
	defer unlock()

	if _, err := m.repository.SaveToken(ctx, repository.TokenModel{
		KBUID:                 b.KBUID,
		SourceItemID:          b.SourceItemID,
		EncryptedRefreshToken: sealed,
		TenantID:              tenantID,
	}); err != nil {
		return err
	}
	m.cache.Delete(ctx, b.key())

	if _, err := m.repository.TransitionSyncStatus(ctx, b.KBUID,
		[]types.SyncStatus{types.SyncStatusNeedsReauth},
		types.SyncStatusIdle,
		map[string]any{repository.KnowledgeBaseSyncColumn.ErrorMessage: ""},
	); err != nil {
		return fmt.Errorf("updating sync status: %w", err)
	}
	return nil
}

// Status reports whether a knowledge base has a usable credential.
func (m *Manager) Status(ctx context.Context, kbUID types.KBUIDType) (*Status, error) {
	tokens, err := m.repository.ListTokens(ctx, kbUID)
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}

	st := &Status{Bindings: make([]BindingStatus, 0, len(tokens))}
	for _, t := range tokens {
		st.Bindings = append(st.Bindings, BindingStatus{
			SourceItemID: t.SourceItemID,
			TenantID:     t.TenantID,
			Revoked:      t.Revoked,
			RotatedAt:    t.RotatedAt,
			ExpiresAt:    t.ExpiresAt,
		})
		if t.Revoked {
			st.NeedsReauth = true
			continue
		}
		st.HasCredential = true
		if t.RotatedAt != nil && (st.RotatedAt == nil || t.RotatedAt.After(*st.RotatedAt)) {
			st.RotatedAt = t.RotatedAt
		}
	}

	kb, err := m.repository.GetKnowledgeBaseSync(ctx, kbUID)
	switch {
	case err == nil:
		if kb.Status == types.SyncStatusNeedsReauth {
			st.NeedsReauth = true
		}
	case !errors.Is(err, errorsx.ErrNotFound):
		return nil, err
	}
	if len(tokens) == 0 {
		st.NeedsReauth = true
	}

	return st, nil
}
