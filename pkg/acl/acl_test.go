package acl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"gorm.io/datatypes"

	qt "github.com/frankban/quicktest"
	openfga "github.com/openfga/api/proto/openfga/v1"

	"github.com/instill-ai/drivesync-backend/pkg/repository"
	"github.com/instill-ai/drivesync-backend/pkg/repository/repositorytest"
	"github.com/instill-ai/drivesync-backend/pkg/types"

	syncerrors "github.com/instill-ai/drivesync-backend/pkg/errors"
)

// memTuples rejects writing a tuple that exists and deleting one that
// doesn't, like OpenFGA does.
type memTuples struct {
	tuples map[Tuple]bool
	sets   int
}

func newMemTuples() *memTuples {
	return &memTuples{tuples: map[Tuple]bool{}}
}

func (m *memTuples) ReadTuples(_ context.Context, object, relation string) ([]Tuple, error) {
	var out []Tuple
	for t := range m.tuples {
		if t.Object == object && (relation == "" || t.Relation == relation) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].User != out[j].User {
			return out[i].User < out[j].User
		}
		return out[i].Relation < out[j].Relation
	})
	return out, nil
}

func (m *memTuples) SetKnowledgeBasePermission(_ context.Context, kbUID types.KBUIDType, user string, role types.ShareRole) error {
	t := Tuple{User: user, Relation: string(role), Object: KnowledgeBaseObject(kbUID)}
	if m.tuples[t] {
		return fmt.Errorf("cannot write a tuple which already exists: %v", t)
	}
	for existing := range m.tuples {
		if existing.User == user && existing.Object == t.Object {
			delete(m.tuples, existing)
		}
	}
	m.tuples[t] = true
	m.sets++
	return nil
}

func (m *memTuples) DeleteKnowledgeBasePermission(_ context.Context, kbUID types.KBUIDType, user string) error {
	found := false
	for t := range m.tuples {
		if t.User == user && t.Object == KnowledgeBaseObject(kbUID) {
			delete(m.tuples, t)
			found = true
		}
	}
	if !found {
		return fmt.Errorf("cannot delete a tuple which does not exist: %s", user)
	}
	return nil
}

type staticDirectory map[string][]Member

func (d staticDirectory) Members(_ context.Context, groupID string) ([]Member, error) {
	return d[groupID], nil
}

func TestValidator_ConflictAttribution(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	noEmail := uuid.Must(uuid.NewV4()).String()
	v := NewValidator(staticDirectory{
		"mixed":   {{UserUID: "m1", Email: "m1@example.com"}, {UserUID: "m2", Email: "m2@example.com"}},
		"allowed": {{UserUID: "m1", Email: "M1@Example.com"}},
		"unknown": {{UserUID: noEmail}},
	})
	snaps := []Snapshot{{SourceItemID: "root", Principals: []string{"m1@EXAMPLE.com", "other@example.com"}, Captured: true}}

	c.Run("mixed group", func(c *qt.C) {
		res, err := v.Validate(ctx, Proposal{Readers: []string{"mixed"}}, snaps)
		c.Assert(err, qt.IsNil)
		c.Check(res.Blocked(), qt.IsTrue)
		c.Check(res.Conflicts, qt.DeepEquals, []Conflict{{
			GroupID:             "mixed",
			Role:                types.ShareRoleReader,
			SourceItemID:        "root",
			UnauthorizedMembers: []string{"m2@example.com"},
		}})
	})

	c.Run("authorized group", func(c *qt.C) {
		res, err := v.Validate(ctx, Proposal{Readers: []string{"allowed"}, Writers: []string{"allowed"}}, snaps)
		c.Assert(err, qt.IsNil)
		c.Check(res.Blocked(), qt.IsFalse)
		c.Check(res.Conflicts, qt.HasLen, 0)
	})

	c.Run("member without email", func(c *qt.C) {
		res, err := v.Validate(ctx, Proposal{Writers: []string{"unknown"}}, snaps)
		c.Assert(err, qt.IsNil)
		c.Assert(res.Conflicts, qt.HasLen, 1)
		c.Check(res.Conflicts[0].Role, qt.Equals, types.ShareRoleWriter)
		c.Check(res.Conflicts[0].UnauthorizedMembers, qt.DeepEquals, []string{"user:" + noEmail})
	})

	c.Run("one conflict per source", func(c *qt.C) {
		two := append(snaps, Snapshot{SourceItemID: "file", Principals: []string{"m2@example.com"}, Captured: true})
		res, err := v.Validate(ctx, Proposal{Readers: []string{"mixed", "mixed"}}, two)
		c.Assert(err, qt.IsNil)
		c.Assert(res.Conflicts, qt.HasLen, 2)
		c.Check(res.Conflicts[0].UnauthorizedMembers, qt.DeepEquals, []string{"m2@example.com"})
		c.Check(res.Conflicts[1].SourceItemID, qt.Equals, "file")
		c.Check(res.Conflicts[1].UnauthorizedMembers, qt.DeepEquals, []string{"m1@example.com"})
	})

	c.Run("no snapshots", func(c *qt.C) {
		res, err := v.Validate(ctx, Proposal{Readers: []string{"mixed"}}, nil)
		c.Assert(err, qt.IsNil)
		c.Check(res.Blocked(), qt.IsFalse)
	})

	c.Run("uncaptured source blocks", func(c *qt.C) {
		pending := []Snapshot{{SourceItemID: "new", Principals: []string{"m1@example.com"}}}
		res, err := v.Validate(ctx, Proposal{Readers: []string{"allowed"}}, pending)
		c.Assert(err, qt.IsNil)
		c.Check(res.Blocked(), qt.IsTrue)
		c.Check(res.Conflicts, qt.DeepEquals, []Conflict{{
			GroupID:             "allowed",
			Role:                types.ShareRoleReader,
			SourceItemID:        "new",
			UnauthorizedMembers: []string{"M1@Example.com"},
		}})
	})
}

type serviceFixture struct {
	repo    repository.Repository
	tuples  *memTuples
	service *Service
	kbUID   types.KBUIDType
	src     *repository.SourceModel
}

func newServiceFixture(c *qt.C, permitted ...string) *serviceFixture {
	ctx := context.Background()
	f := &serviceFixture{
		repo:   repositorytest.NewRepository(c.TB),
		tuples: newMemTuples(),
		kbUID:  uuid.Must(uuid.NewV4()),
	}
	f.service = NewService(f.repo, f.tuples, zap.NewNop())

	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	src, _, err := f.repo.CreateSource(ctx, repository.SourceModel{
		KBUID:               f.kbUID,
		ItemID:              "root",
		DriveID:             "d1",
		Kind:                types.SourceKindFolder,
		PermittedPrincipals: datatypes.NewJSONType(permitted),
		PermissionsSyncedAt: &now,
	})
	c.Assert(err, qt.IsNil)
	f.src = src
	return f
}

// member adds a user to a group and records their email.
func (f *serviceFixture) member(c *qt.C, groupID, email string) string {
	uid := uuid.Must(uuid.NewV4())
	f.tuples.tuples[Tuple{User: "user:" + uid.String(), Relation: "member", Object: GroupObject(groupID)}] = true
	if email != "" {
		c.Assert(f.repo.UpsertPrincipal(context.Background(), repository.PrincipalModel{UID: uid, Email: email}), qt.IsNil)
	}
	return uid.String()
}

func (f *serviceFixture) kbTuples(c *qt.C) []string {
	tuples, err := f.tuples.ReadTuples(context.Background(), KnowledgeBaseObject(f.kbUID), "")
	c.Assert(err, qt.IsNil)
	out := []string{}
	for _, t := range tuples {
		out = append(out, t.User+" "+t.Relation)
	}
	return out
}

func (f *serviceFixture) shared(c *qt.C) []string {
	shares, err := f.repo.ListGroupShares(context.Background(), f.kbUID)
	c.Assert(err, qt.IsNil)
	var out []string
	for _, sh := range shares {
		out = append(out, sh.GroupID+"#"+string(sh.Role))
	}
	return out
}

func TestService_ShareWithGroups(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	f := newServiceFixture(c, "alice@example.com", "bob@example.com")
	f.member(c, "team", "alice@example.com")
	f.member(c, "team", "Bob@Example.com")
	f.member(c, "contractors", "alice@example.com")
	f.member(c, "contractors", "eve@example.com")

	c.Run("blocked", func(c *qt.C) {
		res, err := f.service.ShareWithGroups(ctx, f.kbUID, Proposal{Readers: []string{"team", "contractors"}})
		c.Check(errors.Is(err, syncerrors.ErrPermissionConflict), qt.IsTrue)
		c.Assert(res, qt.IsNotNil)
		c.Assert(res.Conflicts, qt.HasLen, 1)
		c.Check(res.Conflicts[0].GroupID, qt.Equals, "contractors")
		c.Check(res.Conflicts[0].UnauthorizedMembers, qt.DeepEquals, []string{"eve@example.com"})

		c.Check(f.shared(c), qt.HasLen, 0)
		tuples, err := f.tuples.ReadTuples(ctx, KnowledgeBaseObject(f.kbUID), "")
		c.Assert(err, qt.IsNil)
		c.Check(tuples, qt.HasLen, 0)
	})

	c.Run("applied", func(c *qt.C) {
		res, err := f.service.ShareWithGroups(ctx, f.kbUID, Proposal{Readers: []string{"team"}})
		c.Assert(err, qt.IsNil)
		c.Check(res.Blocked(), qt.IsFalse)
		c.Check(f.shared(c), qt.DeepEquals, []string{"team#reader"})
		c.Check(f.kbTuples(c), qt.DeepEquals, []string{"group:team#member reader"})
	})

	c.Run("sharing again writes nothing", func(c *qt.C) {
		sets := f.tuples.sets
		_, err := f.service.ShareWithGroups(ctx, f.kbUID, Proposal{Readers: []string{"team", "team"}})
		c.Assert(err, qt.IsNil)
		c.Check(f.tuples.sets, qt.Equals, sets)
		c.Check(f.shared(c), qt.DeepEquals, []string{"team#reader"})
	})

	c.Run("writer replaces reader", func(c *qt.C) {
		_, err := f.service.ShareWithGroups(ctx, f.kbUID, Proposal{Readers: []string{"team"}, Writers: []string{"team"}})
		c.Assert(err, qt.IsNil)
		c.Check(f.shared(c), qt.DeepEquals, []string{"team#reader", "team#writer"})
		c.Check(f.kbTuples(c), qt.DeepEquals, []string{"group:team#member writer"})

		// A reader grant doesn't downgrade a writer.
		sets := f.tuples.sets
		_, err = f.service.ShareWithGroups(ctx, f.kbUID, Proposal{Readers: []string{"team"}})
		c.Assert(err, qt.IsNil)
		c.Check(f.tuples.sets, qt.Equals, sets)
	})

	c.Run("empty proposal", func(c *qt.C) {
		_, err := f.service.ShareWithGroups(ctx, f.kbUID, Proposal{})
		c.Check(err, qt.ErrorMatches, "empty sharing proposal.*")
	})
}

func TestService_OnGroupMemberAdded(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	f := newServiceFixture(c, "alice@example.com")
	f.member(c, "team", "alice@example.com")
	_, err := f.service.ShareWithGroups(ctx, f.kbUID, Proposal{Readers: []string{"team"}})
	c.Assert(err, qt.IsNil)

	found, err := f.service.OnGroupMemberAdded(ctx, "team", Member{UserUID: f.member(c, "team", ""), Email: "mallory@example.com"})
	c.Assert(err, qt.IsNil)
	c.Assert(found, qt.HasLen, 1)
	c.Check(found[0].KBUID, qt.Equals, f.kbUID)
	c.Check(found[0].Conflicts, qt.DeepEquals, []Conflict{{
		GroupID:             "team",
		Role:                types.ShareRoleReader,
		SourceItemID:        "root",
		UnauthorizedMembers: []string{"mallory@example.com"},
	}})

	found, err = f.service.OnGroupMemberAdded(ctx, "unshared", Member{UserUID: "x"})
	c.Assert(err, qt.IsNil)
	c.Check(found, qt.HasLen, 0)
}

func TestService_Enforce(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	f := newServiceFixture(c, "alice@example.com", "bob@example.com")
	f.member(c, "team", "alice@example.com")
	f.member(c, "ops", "bob@example.com")
	_, err := f.service.ShareWithGroups(ctx, f.kbUID, Proposal{Readers: []string{"team", "ops"}, Writers: []string{"ops"}})
	c.Assert(err, qt.IsNil)

	removed, err := f.service.Enforce(ctx, f.kbUID)
	c.Assert(err, qt.IsNil)
	c.Check(removed, qt.HasLen, 0)

	// Bob loses access upstream.
	c.Assert(f.repo.UpdateSource(ctx, f.src.UID, f.src.Version, map[string]any{
		"permitted_principals": datatypes.NewJSONType([]string{"alice@example.com"}),
	}), qt.IsNil)

	removed, err = f.service.Enforce(ctx, f.kbUID)
	c.Assert(err, qt.IsNil)
	c.Check(removed, qt.DeepEquals, []string{"ops"})
	c.Check(f.shared(c), qt.DeepEquals, []string{"team#reader"})
	c.Check(f.kbTuples(c), qt.DeepEquals, []string{"group:team#member reader"})

	// Nothing left to enforce.
	removed, err = f.service.Enforce(ctx, f.kbUID)
	c.Assert(err, qt.IsNil)
	c.Check(removed, qt.HasLen, 0)
}

func TestService_UncapturedSource(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	f := newServiceFixture(c, "alice@example.com")
	f.member(c, "team", "alice@example.com")
	_, err := f.service.ShareWithGroups(ctx, f.kbUID, Proposal{Readers: []string{"team"}})
	c.Assert(err, qt.IsNil)

	_, _, err = f.repo.CreateSource(ctx, repository.SourceModel{
		KBUID:   f.kbUID,
		ItemID:  "pending",
		DriveID: "d1",
		Kind:    types.SourceKindFolder,
	})
	c.Assert(err, qt.IsNil)

	c.Run("new shares are blocked", func(c *qt.C) {
		f.member(c, "ops", "alice@example.com")
		res, err := f.service.ShareWithGroups(ctx, f.kbUID, Proposal{Readers: []string{"ops"}})
		c.Check(errors.Is(err, syncerrors.ErrPermissionConflict), qt.IsTrue)
		c.Assert(res.Conflicts, qt.HasLen, 1)
		c.Check(res.Conflicts[0].SourceItemID, qt.Equals, "pending")
	})

	c.Run("existing shares are kept", func(c *qt.C) {
		removed, err := f.service.Enforce(ctx, f.kbUID)
		c.Assert(err, qt.IsNil)
		c.Check(removed, qt.HasLen, 0)
		c.Check(f.shared(c), qt.DeepEquals, []string{"team#reader"})
	})
}

// fakeFGA is an OpenFGA server with a single store. Like the real one it
// fails writes of existing tuples and deletes of missing ones.
type fakeFGA struct {
	openfga.OpenFGAServiceClient

	pages  [][]*openfga.Tuple
	reads  []*openfga.ReadRequest
	tuples map[Tuple]bool
}

func (f *fakeFGA) ListStores(context.Context, *openfga.ListStoresRequest, ...grpc.CallOption) (*openfga.ListStoresResponse, error) {
	return &openfga.ListStoresResponse{Stores: []*openfga.Store{{Id: "store-1"}}}, nil
}

func (f *fakeFGA) ReadAuthorizationModels(context.Context, *openfga.ReadAuthorizationModelsRequest, ...grpc.CallOption) (*openfga.ReadAuthorizationModelsResponse, error) {
	return &openfga.ReadAuthorizationModelsResponse{
		AuthorizationModels: []*openfga.AuthorizationModel{{Id: "model-1"}},
	}, nil
}

func (f *fakeFGA) Read(_ context.Context, req *openfga.ReadRequest, _ ...grpc.CallOption) (*openfga.ReadResponse, error) {
	f.reads = append(f.reads, req)
	i := len(f.reads) - 1
	resp := &openfga.ReadResponse{Tuples: f.pages[i]}
	if i < len(f.pages)-1 {
		resp.ContinuationToken = "next"
	}
	return resp, nil
}

func (f *fakeFGA) Write(_ context.Context, req *openfga.WriteRequest, _ ...grpc.CallOption) (*openfga.WriteResponse, error) {
	for _, k := range req.GetDeletes().GetTupleKeys() {
		t := Tuple{User: k.GetUser(), Relation: k.GetRelation(), Object: k.GetObject()}
		if !f.tuples[t] {
			return nil, fmt.Errorf("cannot delete a tuple which does not exist: %v", t)
		}
		delete(f.tuples, t)
	}
	for _, k := range req.GetWrites().GetTupleKeys() {
		t := Tuple{User: k.GetUser(), Relation: k.GetRelation(), Object: k.GetObject()}
		if f.tuples[t] {
			return nil, fmt.Errorf("cannot write a tuple which already exists: %v", t)
		}
		f.tuples[t] = true
	}
	return &openfga.WriteResponse{}, nil
}

func TestACLClient(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	tuple := func(user string) *openfga.Tuple {
		return &openfga.Tuple{Key: &openfga.TupleKey{User: user, Relation: "member", Object: "group:team"}}
	}
	fga := &fakeFGA{
		pages: [][]*openfga.Tuple{
			{tuple("user:a"), tuple("user:b")},
			{tuple("user:c")},
		},
		tuples: map[Tuple]bool{},
	}
	client := NewACLClient(fga, nil, nil)

	c.Run("read pages", func(c *qt.C) {
		got, err := client.ReadTuples(ctx, "group:team", "member")
		c.Assert(err, qt.IsNil)
		c.Check(got, qt.HasLen, 3)
		c.Assert(fga.reads, qt.HasLen, 2)
		c.Check(fga.reads[0].GetStoreId(), qt.Equals, "store-1")
		c.Check(fga.reads[0].GetTupleKey().GetObject(), qt.Equals, "group:team")
		c.Check(fga.reads[0].GetContinuationToken(), qt.Equals, "")
		c.Check(fga.reads[1].GetContinuationToken(), qt.Equals, "next")
	})

	kbUID := uuid.Must(uuid.NewV4())
	kb := KnowledgeBaseObject(kbUID)
	team := GroupMembers("team")

	c.Run("grant twice", func(c *qt.C) {
		c.Assert(client.SetKnowledgeBasePermission(ctx, kbUID, team, types.ShareRoleReader), qt.IsNil)
		c.Assert(client.SetKnowledgeBasePermission(ctx, kbUID, team, types.ShareRoleReader), qt.IsNil)
		c.Check(fga.tuples, qt.DeepEquals, map[Tuple]bool{{User: team, Relation: "reader", Object: kb}: true})
	})

	c.Run("grant replaces role", func(c *qt.C) {
		c.Assert(client.SetKnowledgeBasePermission(ctx, kbUID, team, types.ShareRoleWriter), qt.IsNil)
		c.Check(fga.tuples, qt.DeepEquals, map[Tuple]bool{{User: team, Relation: "writer", Object: kb}: true})
	})

	c.Run("revoke twice", func(c *qt.C) {
		c.Assert(client.DeleteKnowledgeBasePermission(ctx, kbUID, team), qt.IsNil)
		c.Assert(client.DeleteKnowledgeBasePermission(ctx, kbUID, team), qt.IsNil)
		c.Check(fga.tuples, qt.HasLen, 0)
	})
}

func TestGroupDirectory(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	repo := repositorytest.NewRepository(c.TB)
	tuples := newMemTuples()
	known := uuid.Must(uuid.NewV4())
	unknown := uuid.Must(uuid.NewV4())
	c.Assert(repo.UpsertPrincipal(ctx, repository.PrincipalModel{UID: known, Email: "known@example.com"}), qt.IsNil)
	for _, u := range []string{"user:" + known.String(), "user:" + unknown.String(), "user:*", "group:nested#member"} {
		tuples.tuples[Tuple{User: u, Relation: "member", Object: "group:team"}] = true
	}

	members, err := NewGroupDirectory(tuples, repo).Members(ctx, "team")
	c.Assert(err, qt.IsNil)
	c.Assert(members, qt.HasLen, 2)
	emails := map[string]string{}
	for _, m := range members {
		emails[m.UserUID] = m.Email
	}
	c.Check(emails, qt.DeepEquals, map[string]string{known.String(): "known@example.com", unknown.String(): ""})
}
