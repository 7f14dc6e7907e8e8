package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"github.com/instill-ai/drivesync-backend/pkg/types"
)

// GroupShare interface defines the methods for the groups a knowledge base
// is shared with and the directory used to resolve their members.
type GroupShare interface {
	ListGroupShares(ctx context.Context, kbUID types.KBUIDType) ([]GroupShareModel, error)
	ListGroupSharesByGroup(ctx context.Context, groupID string) ([]GroupShareModel, error)
	CreateGroupShares(ctx context.Context, shares []GroupShareModel) error
	DeleteGroupShare(ctx context.Context, kbUID types.KBUIDType, groupID string, role types.ShareRole) error

	// GetPrincipalEmails returns the email of each known user. Users without
	// a directory entry are absent from the result.
	GetPrincipalEmails(ctx context.Context, userUIDs []types.UserUIDType) (map[types.UserUIDType]string, error)
	UpsertPrincipal(ctx context.Context, p PrincipalModel) error
}

// GroupShareModel mirrors an access tuple granting a group's members a role
// on a knowledge base.
type GroupShareModel struct {
	KBUID      types.KBUIDType `gorm:"column:kb_uid;type:uuid;primaryKey" json:"kb_uid"`
	GroupID    string          `gorm:"column:group_id;size:255;primaryKey" json:"group_id"`
	Role       types.ShareRole `gorm:"column:role;size:16;primaryKey" json:"role"`
	CreateTime *time.Time      `gorm:"column:create_time;not null;default:CURRENT_TIMESTAMP" json:"create_time"`
}

// TableName overrides the default table name for GORM
func (GroupShareModel) TableName() string {
	return "knowledge_base_group_share"
}

// PrincipalModel is a directory entry mapping a user to their email.
type PrincipalModel struct {
	UID   types.UserUIDType `gorm:"column:uid;type:uuid;primaryKey" json:"uid"`
	Email string            `gorm:"column:email;size:320" json:"email"`
}

// TableName overrides the default table name for GORM
func (PrincipalModel) TableName() string {
	return "principal"
}

// ListGroupShares implements GroupShare.ListGroupShares
func (r *repository) ListGroupShares(ctx context.Context, kbUID types.KBUIDType) ([]GroupShareModel, error) {
	var shares []GroupShareModel
	err := r.db.WithContext(ctx).
		Where("kb_uid = ?", kbUID).
		Order("group_id, role").
		Find(&shares).Error
	return shares, err
}

// ListGroupSharesByGroup implements GroupShare.ListGroupSharesByGroup
func (r *repository) ListGroupSharesByGroup(ctx context.Context, groupID string) ([]GroupShareModel, error) {
	var shares []GroupShareModel
	err := r.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("kb_uid, role").
		Find(&shares).Error
	return shares, err
}

// CreateGroupShares implements GroupShare.CreateGroupShares
func (r *repository) CreateGroupShares(ctx context.Context, shares []GroupShareModel) error {
	if len(shares) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&shares).Error
	if err != nil {
		return fmt.Errorf("creating group shares: %w", err)
	}
	return nil
}

// DeleteGroupShare implements GroupShare.DeleteGroupShare
func (r *repository) DeleteGroupShare(ctx context.Context, kbUID types.KBUIDType, groupID string, role types.ShareRole) error {
	return r.db.WithContext(ctx).
		Where("kb_uid = ? AND group_id = ? AND role = ?", kbUID, groupID, role).
		Delete(&GroupShareModel{}).Error
}

// GetPrincipalEmails implements GroupShare.GetPrincipalEmails
func (r *repository) GetPrincipalEmails(ctx context.Context, userUIDs []types.UserUIDType) (map[types.UserUIDType]string, error) {
	emails := make(map[types.UserUIDType]string, len(userUIDs))
	if len(userUIDs) == 0 {
		return emails, nil
	}

	var principals []PrincipalModel
	if err := r.db.WithContext(ctx).Where("uid IN ?", userUIDs).Find(&principals).Error; err != nil {
		return nil, err
	}
	for _, p := range principals {
		emails[p.UID] = p.Email
	}
	return emails, nil
}

// UpsertPrincipal implements GroupShare.UpsertPrincipal
func (r *repository) UpsertPrincipal(ctx context.Context, p PrincipalModel) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "uid"}},
			DoUpdates: clause.AssignmentColumns([]string{"email"}),
		}).
		Create(&p).Error
}
