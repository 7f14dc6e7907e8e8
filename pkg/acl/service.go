package acl

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"

	"github.com/instill-ai/drivesync-backend/pkg/repository"
	"github.com/instill-ai/drivesync-backend/pkg/types"

	syncerrors "github.com/instill-ai/drivesync-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

// KnowledgeBaseConflicts groups the conflicts found on one knowledge base.
type KnowledgeBaseConflicts struct {
	KBUID     types.KBUIDType `json:"kbUid"`
	Conflicts []Conflict      `json:"conflicts"`
}

// Service shares knowledge bases with groups and keeps the existing shares
// compliant with the permissions of the synced sources.
type Service struct {
	repository repository.Repository
	tuples     TupleStore
	validator  *Validator
	logger     *zap.Logger
}

// NewService returns a Service. Groups are expanded through the member
// tuples of the store.
func NewService(repo repository.Repository, tuples TupleStore, logger *zap.Logger) *Service {
	return &Service{
		repository: repo,
		tuples:     tuples,
		validator:  NewValidator(NewGroupDirectory(tuples, repo)),
		logger:     logger,
	}
}

func (s *Service) snapshots(ctx context.Context, kbUID types.KBUIDType) ([]Snapshot, error) {
	sources, err := s.repository.ListSources(ctx, kbUID)
	if err != nil {
		return nil, fmt.Errorf("listing sources: %w", err)
	}
	return SnapshotsOf(sources), nil
}

// ShareWithGroups grants the proposed groups access to a knowledge base. If
// any member of a group can't access one of the synced sources nothing is
// written and ErrPermissionConflict is returned along with the conflicts.
func (s *Service) ShareWithGroups(ctx context.Context, kbUID types.KBUIDType, p Proposal) (*ValidationResult, error) {
	grants := p.grants()
	if len(grants) == 0 {
		return nil, errorsx.AddMessage(
			fmt.Errorf("empty sharing proposal: %w", errorsx.ErrInvalidArgument),
			"At least one reader or writer group is required.",
		)
	}

	snaps, err := s.snapshots(ctx, kbUID)
	if err != nil {
		return nil, err
	}
	res, err := s.validator.Validate(ctx, p, snaps)
	if err != nil {
		return nil, err
	}
	if res.Blocked() {
		return res, fmt.Errorf("sharing knowledge base %s: %w", kbUID, syncerrors.ErrPermissionConflict)
	}

	existing, err := s.repository.ListGroupShares(ctx, kbUID)
	if err != nil {
		return nil, err
	}
	rows := make([]repository.GroupShareModel, 0, len(grants))
	for _, g := range grants {
		rows = append(rows, repository.GroupShareModel{KBUID: kbUID, GroupID: g.groupID, Role: g.role})
	}

	// Only groups whose effective role changes are written to OpenFGA.
	current := effectiveRoles(existing)
	next := effectiveRoles(append(existing, rows...))
	for _, g := range grants {
		role := next[g.groupID]
		if current[g.groupID] == role {
			continue
		}
		if err := s.tuples.SetKnowledgeBasePermission(ctx, kbUID, GroupMembers(g.groupID), role); err != nil {
			return nil, err
		}
		current[g.groupID] = role
	}
	if err := s.repository.CreateGroupShares(ctx, rows); err != nil {
		return nil, err
	}
	return res, nil
}

// ListShares returns the groups a knowledge base is shared with.
func (s *Service) ListShares(ctx context.Context, kbUID types.KBUIDType) ([]repository.GroupShareModel, error) {
	return s.repository.ListGroupShares(ctx, kbUID)
}

// OnGroupMemberAdded validates again every knowledge base shared with a
// group that gained a member. The member's email, if known, is recorded in
// the directory first.
func (s *Service) OnGroupMemberAdded(ctx context.Context, groupID string, m Member) ([]KnowledgeBaseConflicts, error) {
	if m.Email != "" {
		if uid, err := uuid.FromString(m.UserUID); err == nil {
			if err := s.repository.UpsertPrincipal(ctx, repository.PrincipalModel{UID: uid, Email: m.Email}); err != nil {
				return nil, fmt.Errorf("recording member email: %w", err)
			}
		}
	}

	shares, err := s.repository.ListGroupSharesByGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	found := []KnowledgeBaseConflicts{}
	props := proposalsByKB(shares)
	for i, sh := range shares {
		if i > 0 && shares[i-1].KBUID == sh.KBUID {
			continue
		}
		kbUID, p := sh.KBUID, props[sh.KBUID]
		snaps, err := s.snapshots(ctx, kbUID)
		if err != nil {
			return nil, err
		}
		res, err := s.validator.Validate(ctx, p, snaps)
		if err != nil {
			return nil, err
		}
		if res.Blocked() {
			found = append(found, KnowledgeBaseConflicts{KBUID: kbUID, Conflicts: res.Conflicts})
		}
	}
	return found, nil
}

// Enforce removes the groups that no longer comply with the permissions of
// the knowledge base sources. It returns the removed group IDs.
func (s *Service) Enforce(ctx context.Context, kbUID types.KBUIDType) ([]string, error) {
	shares, err := s.repository.ListGroupShares(ctx, kbUID)
	if err != nil || len(shares) == 0 {
		return nil, err
	}
	snaps, err := s.snapshots(ctx, kbUID)
	if err != nil {
		return nil, err
	}
	// Existing shares are only revoked on evidence, not on a source whose
	// permissions haven't been read yet.
	res, err := s.validator.Validate(ctx, proposalsByKB(shares)[kbUID], captured(snaps))
	if err != nil {
		return nil, err
	}

	roles := map[string][]types.ShareRole{}
	for _, sh := range shares {
		roles[sh.GroupID] = append(roles[sh.GroupID], sh.Role)
	}

	// A group holds one tuple on the knowledge base, so a conflict on any
	// of its roles removes the group entirely.
	var removed []string
	for _, c := range res.Conflicts {
		if _, ok := roles[c.GroupID]; !ok {
			continue
		}

		if err := s.tuples.DeleteKnowledgeBasePermission(ctx, kbUID, GroupMembers(c.GroupID)); err != nil {
			return removed, err
		}
		for _, role := range roles[c.GroupID] {
			if err := s.repository.DeleteGroupShare(ctx, kbUID, c.GroupID, role); err != nil {
				return removed, fmt.Errorf("deleting share of group %s: %w", c.GroupID, err)
			}
		}
		delete(roles, c.GroupID)

		s.logger.Warn("Removed group from knowledge base sharing",
			zap.String("kbUID", kbUID.String()),
			zap.String("groupID", c.GroupID),
			zap.String("role", string(c.Role)),
			zap.String("sourceItemID", c.SourceItemID),
			zap.Strings("unauthorizedMembers", c.UnauthorizedMembers),
		)
		removed = append(removed, c.GroupID)
	}
	return removed, nil
}

// effectiveRoles returns the role each group holds in OpenFGA. Writers can
// read, so a group shared both ways holds the writer role.
func effectiveRoles(shares []repository.GroupShareModel) map[string]types.ShareRole {
	roles := make(map[string]types.ShareRole, len(shares))
	for _, sh := range shares {
		if roles[sh.GroupID] != types.ShareRoleWriter {
			roles[sh.GroupID] = sh.Role
		}
	}
	return roles
}

func proposalsByKB(shares []repository.GroupShareModel) map[types.KBUIDType]Proposal {
	props := map[types.KBUIDType]Proposal{}
	for _, sh := range shares {
		p := props[sh.KBUID]
		switch sh.Role {
		case types.ShareRoleReader:
			p.Readers = append(p.Readers, sh.GroupID)
		case types.ShareRoleWriter:
			p.Writers = append(p.Writers, sh.GroupID)
		}
		props[sh.KBUID] = p
	}
	return props
}
