package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/instill-ai/drivesync-backend/pkg/types"

	syncerrors "github.com/instill-ai/drivesync-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

// Token interface defines the methods for the stored refresh credentials.
type Token interface {
	// GetToken returns the binding of a source, falling back to the
	// knowledge-base-wide binding (empty source item ID).
	GetToken(ctx context.Context, kbUID types.KBUIDType, sourceItemID string) (*TokenModel, error)
	ListTokens(ctx context.Context, kbUID types.KBUIDType) ([]TokenModel, error)
	// SaveToken stores a new credential for a binding, replacing the
	// existing one and clearing its revoked flag.
	SaveToken(ctx context.Context, t TokenModel) (*TokenModel, error)
	// RotateToken replaces the sealed credential only if the stored one is
	// still previous. ErrStaleCredential is returned otherwise.
	RotateToken(ctx context.Context, uid types.TokenUIDType, previous, next string, expiresAt time.Time) error
	UpdateTokenExpiry(ctx context.Context, uid types.TokenUIDType, expiresAt time.Time) error
	RevokeToken(ctx context.Context, uid types.TokenUIDType) error
}

// TokenModel is the sealed refresh credential of a (knowledge base, source)
// binding.
type TokenModel struct {
	UID   types.TokenUIDType `gorm:"column:uid;type:uuid;primaryKey" json:"uid"`
	KBUID types.KBUIDType    `gorm:"column:kb_uid;type:uuid;not null;uniqueIndex:idx_sync_token_binding" json:"kb_uid"`
	// SourceItemID is empty for a binding that covers the whole knowledge
	// base.
	SourceItemID          string     `gorm:"column:source_item_id;size:255;not null;default:'';uniqueIndex:idx_sync_token_binding" json:"source_item_id"`
	EncryptedRefreshToken string     `gorm:"column:encrypted_refresh_token;type:text;not null" json:"-"`
	TenantID              string     `gorm:"column:tenant_id;size:255" json:"tenant_id"`
	RotatedAt             *time.Time `gorm:"column:rotated_at" json:"rotated_at"`
	ExpiresAt             *time.Time `gorm:"column:expires_at" json:"expires_at"`
	Revoked               bool       `gorm:"column:revoked;not null;default:false" json:"revoked"`
	CreateTime            *time.Time `gorm:"column:create_time;not null;default:CURRENT_TIMESTAMP" json:"create_time"`
	UpdateTime            *time.Time `gorm:"column:update_time;not null;autoUpdateTime" json:"update_time"`
}

// TableName overrides the default table name for GORM
func (TokenModel) TableName() string {
	return "sync_token"
}

// BeforeCreate is a GORM hook that generates the UID if not provided
func (t *TokenModel) BeforeCreate(tx *gorm.DB) error {
	if t.UID == uuid.Nil {
		t.UID = uuid.Must(uuid.NewV4())
		tx.Statement.SetColumn("UID", t.UID)
	}
	return nil
}

// GetToken implements Token.GetToken
func (r *repository) GetToken(ctx context.Context, kbUID types.KBUIDType, sourceItemID string) (*TokenModel, error) {
	var tokens []TokenModel
	err := r.db.WithContext(ctx).
		Where("kb_uid = ? AND source_item_id IN ?", kbUID, []string{sourceItemID, ""}).
		Find(&tokens).Error
	if err != nil {
		return nil, err
	}

	var fallback *TokenModel
	for i := range tokens {
		if tokens[i].SourceItemID == sourceItemID {
			return &tokens[i], nil
		}
		fallback = &tokens[i]
	}
	if fallback == nil {
		return nil, fmt.Errorf("token of knowledge base %s: %w", kbUID, errorsx.ErrNotFound)
	}
	return fallback, nil
}

// ListTokens implements Token.ListTokens
func (r *repository) ListTokens(ctx context.Context, kbUID types.KBUIDType) ([]TokenModel, error) {
	var tokens []TokenModel
	err := r.db.WithContext(ctx).
		Where("kb_uid = ?", kbUID).
		Order("source_item_id").
		Find(&tokens).Error
	return tokens, err
}

// SaveToken implements Token.SaveToken
func (r *repository) SaveToken(ctx context.Context, t TokenModel) (*TokenModel, error) {
	now := time.Now()
	t.RotatedAt = &now
	t.Revoked = false

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "kb_uid"}, {Name: "source_item_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"encrypted_refresh_token", "tenant_id", "rotated_at", "expires_at", "revoked", "update_time",
			}),
		}).
		Create(&t).Error
	if err != nil {
		return nil, fmt.Errorf("saving token: %w", err)
	}

	stored := new(TokenModel)
	err = r.db.WithContext(ctx).
		Where("kb_uid = ? AND source_item_id = ?", t.KBUID, t.SourceItemID).
		First(stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("token of knowledge base %s: %w", t.KBUID, errorsx.ErrNotFound)
	}
	return stored, err
}

// RotateToken implements Token.RotateToken
func (r *repository) RotateToken(ctx context.Context, uid types.TokenUIDType, previous, next string, expiresAt time.Time) error {
	res := r.db.WithContext(ctx).Model(&TokenModel{}).
		Where("uid = ? AND encrypted_refresh_token = ?", uid, previous).
		Updates(map[string]any{
			"encrypted_refresh_token": next,
			"rotated_at":              time.Now(),
			"expires_at":              expiresAt,
		})
	if res.Error != nil {
		return fmt.Errorf("rotating token: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("token %s: %w", uid, syncerrors.ErrStaleCredential)
	}
	return nil
}

// UpdateTokenExpiry implements Token.UpdateTokenExpiry
func (r *repository) UpdateTokenExpiry(ctx context.Context, uid types.TokenUIDType, expiresAt time.Time) error {
	return r.db.WithContext(ctx).Model(&TokenModel{}).
		Where("uid = ?", uid).
		Update("expires_at", expiresAt).Error
}

// RevokeToken implements Token.RevokeToken
func (r *repository) RevokeToken(ctx context.Context, uid types.TokenUIDType) error {
	return r.db.WithContext(ctx).Model(&TokenModel{}).
		Where("uid = ?", uid).
		Update("revoked", true).Error
}
