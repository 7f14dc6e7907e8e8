package acl

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofrs/uuid"

	"github.com/instill-ai/drivesync-backend/pkg/repository"
	"github.com/instill-ai/drivesync-backend/pkg/types"
)

// Member is a user that belongs to a group.
type Member struct {
	UserUID string `json:"userUid"`
	// Email is empty when the directory has no address for the user.
	Email string `json:"email,omitempty"`
}

// identity is how a member is reported in a conflict.
func (m Member) identity() string {
	if m.Email != "" {
		return m.Email
	}
	return ObjectTypeUser + ":" + m.UserUID
}

// GroupDirectory expands a group into its members.
type GroupDirectory interface {
	Members(ctx context.Context, groupID string) ([]Member, error)
}

type directory struct {
	tuples     TupleStore
	repository repository.GroupShare
}

// NewGroupDirectory returns a GroupDirectory that reads the member tuples of
// a group and resolves each user's email from the principal table.
func NewGroupDirectory(tuples TupleStore, repo repository.GroupShare) GroupDirectory {
	return &directory{tuples: tuples, repository: repo}
}

func (d *directory) Members(ctx context.Context, groupID string) ([]Member, error) {
	tuples, err := d.tuples.ReadTuples(ctx, GroupObject(groupID), relationMember)
	if err != nil {
		return nil, err
	}

	members := make([]Member, 0, len(tuples))
	uids := make([]types.UserUIDType, 0, len(tuples))
	for _, t := range tuples {
		id, ok := parseUser(t.User)
		if !ok {
			// Nested groups and wildcards aren't expanded.
			continue
		}
		members = append(members, Member{UserUID: id})
		if uid, err := uuid.FromString(id); err == nil {
			uids = append(uids, uid)
		}
	}

	emails, err := d.repository.GetPrincipalEmails(ctx, uids)
	if err != nil {
		return nil, fmt.Errorf("fetching member emails of group %s: %w", groupID, err)
	}
	for i, m := range members {
		if uid, err := uuid.FromString(m.UserUID); err == nil {
			members[i].Email = emails[uid]
		}
	}
	return members, nil
}

// Proposal is a set of groups to share a knowledge base with.
type Proposal struct {
	Readers []string `json:"readers"`
	Writers []string `json:"writers"`
}

func (p Proposal) grants() []grant {
	var gs []grant
	seen := map[grant]bool{}
	add := func(ids []string, role types.ShareRole) {
		for _, id := range ids {
			g := grant{groupID: id, role: role}
			if id == "" || seen[g] {
				continue
			}
			seen[g] = true
			gs = append(gs, g)
		}
	}
	add(p.Readers, types.ShareRoleReader)
	add(p.Writers, types.ShareRoleWriter)
	return gs
}

type grant struct {
	groupID string
	role    types.ShareRole
}

// Snapshot is the set of principals allowed to read a source upstream.
type Snapshot struct {
	SourceItemID string
	Principals   []string
	// Captured is false until the source permissions have been read once.
	// Nobody is authorized on an uncaptured source.
	Captured bool
}

// SnapshotsOf returns the permission snapshots of the sources.
func SnapshotsOf(sources []repository.SourceModel) []Snapshot {
	snaps := make([]Snapshot, 0, len(sources))
	for _, src := range sources {
		snaps = append(snaps, Snapshot{
			SourceItemID: src.ItemID,
			Principals:   src.PermittedPrincipals.Data(),
			Captured:     src.PermissionsSyncedAt != nil,
		})
	}
	return snaps
}

func captured(snaps []Snapshot) []Snapshot {
	out := make([]Snapshot, 0, len(snaps))
	for _, s := range snaps {
		if s.Captured {
			out = append(out, s)
		}
	}
	return out
}

// Conflict lists the members of a group that can't access a source.
type Conflict struct {
	GroupID             string          `json:"groupId"`
	Role                types.ShareRole `json:"role"`
	SourceItemID        string          `json:"sourceItemId"`
	UnauthorizedMembers []string        `json:"unauthorizedMembers"`
}

// ValidationResult holds the conflicts found for a proposal.
type ValidationResult struct {
	Conflicts []Conflict `json:"conflicts"`
}

// Blocked reports whether the proposal must be rejected.
func (r *ValidationResult) Blocked() bool {
	return len(r.Conflicts) > 0
}

// Validator checks sharing proposals against source permissions.
type Validator struct {
	directory GroupDirectory
}

// NewValidator returns a Validator.
func NewValidator(d GroupDirectory) *Validator {
	return &Validator{directory: d}
}

// Validate expands every group in the proposal and checks each member
// against each source's permitted principals. Emails are compared
// case-insensitively and members without an email are unauthorized, as is
// every member on a source whose permissions were never captured.
func (v *Validator) Validate(ctx context.Context, p Proposal, sources []Snapshot) (*ValidationResult, error) {
	res := &ValidationResult{Conflicts: []Conflict{}}
	if len(sources) == 0 {
		return res, nil
	}

	permitted := make([]map[string]bool, len(sources))
	for i, s := range sources {
		permitted[i] = make(map[string]bool, len(s.Principals))
		if !s.Captured {
			continue
		}
		for _, p := range s.Principals {
			permitted[i][strings.ToLower(strings.TrimSpace(p))] = true
		}
	}

	members := map[string][]Member{}
	for _, g := range p.grants() {
		ms, ok := members[g.groupID]
		if !ok {
			var err error
			if ms, err = v.directory.Members(ctx, g.groupID); err != nil {
				return nil, fmt.Errorf("expanding group %s: %w", g.groupID, err)
			}
			members[g.groupID] = ms
		}

		for i, s := range sources {
			var unauthorized []string
			for _, m := range ms {
				if m.Email == "" || !permitted[i][strings.ToLower(m.Email)] {
					unauthorized = append(unauthorized, m.identity())
				}
			}
			if len(unauthorized) == 0 {
				continue
			}
			res.Conflicts = append(res.Conflicts, Conflict{
				GroupID:             g.groupID,
				Role:                g.role,
				SourceItemID:        s.SourceItemID,
				UnauthorizedMembers: unauthorized,
			})
		}
	}
	return res, nil
}
