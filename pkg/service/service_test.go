package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/drivesync-backend/pkg/acl"
	"github.com/instill-ai/drivesync-backend/pkg/repository"
	"github.com/instill-ai/drivesync-backend/pkg/repository/repositorytest"
	"github.com/instill-ai/drivesync-backend/pkg/source"
	"github.com/instill-ai/drivesync-backend/pkg/temporal"
	"github.com/instill-ai/drivesync-backend/pkg/token"
	"github.com/instill-ai/drivesync-backend/pkg/types"

	syncerrors "github.com/instill-ai/drivesync-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

type fakeRun struct {
	client.WorkflowRun
	id string
}

func (r fakeRun) GetID() string    { return r.id }
func (r fakeRun) GetRunID() string { return "run-1" }

type recordingStarter struct {
	options []client.StartWorkflowOptions
	args    []any
	err     error
}

func (s *recordingStarter) ExecuteWorkflow(_ context.Context, opts client.StartWorkflowOptions, _ any, args ...any) (client.WorkflowRun, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.options = append(s.options, opts)
	s.args = append(s.args, args...)
	return fakeRun{id: opts.ID}, nil
}

type fakeTokens struct {
	stored []token.Binding
}

func (f *fakeTokens) StoreCredential(_ context.Context, b token.Binding, _, _ string) error {
	f.stored = append(f.stored, b)
	return nil
}

func (f *fakeTokens) Status(_ context.Context, _ types.KBUIDType) (*token.Status, error) {
	return &token.Status{HasCredential: len(f.stored) > 0}, nil
}

type noTuples struct{}

func (noTuples) ReadTuples(context.Context, string, string) ([]acl.Tuple, error) { return nil, nil }

func (noTuples) SetKnowledgeBasePermission(context.Context, types.KBUIDType, string, types.ShareRole) error {
	return nil
}

func (noTuples) DeleteKnowledgeBasePermission(context.Context, types.KBUIDType, string) error {
	return nil
}

type serviceFixture struct {
	repo    repository.Repository
	starter *recordingStarter
	tokens  *fakeTokens
	service Service
	kbUID   types.KBUIDType
}

func newServiceFixture(c *qt.C) *serviceFixture {
	f := &serviceFixture{
		repo:    repositorytest.NewRepository(c.TB),
		starter: &recordingStarter{},
		tokens:  &fakeTokens{},
		kbUID:   uuid.Must(uuid.NewV4()),
	}
	f.service = NewService(Params{
		Repository: f.repo,
		Registry:   source.NewRegistry(f.repo, nil, time.Hour, zap.NewNop()),
		Tokens:     f.tokens,
		ACL:        acl.NewService(f.repo, noTuples{}, zap.NewNop()),
		Temporal:   f.starter,
		Logger:     zap.NewNop(),
	})
	return f
}

func (f *serviceFixture) addSource(c *qt.C) {
	_, err := f.service.AddSource(context.Background(), f.kbUID, uuid.Must(uuid.NewV4()), source.Root{ItemID: "root", DriveID: "d1"})
	c.Assert(err, qt.IsNil)
}

func (f *serviceFixture) setStatus(c *qt.C, status types.SyncStatus) {
	_, err := f.repo.TransitionSyncStatus(context.Background(), f.kbUID,
		[]types.SyncStatus{types.SyncStatusIdle, types.SyncStatusSyncing, types.SyncStatusError, types.SyncStatusNeedsReauth},
		status, nil)
	c.Assert(err, qt.IsNil)
}

func TestService_StartSync(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	f := newServiceFixture(c)

	_, err := f.service.StartSync(ctx, f.kbUID)
	c.Check(errors.Is(err, errorsx.ErrNotFound), qt.IsTrue)

	f.addSource(c)
	started, err := f.service.StartSync(ctx, f.kbUID)
	c.Assert(err, qt.IsNil)
	c.Check(started.WorkflowID, qt.Equals, "sync-kb-"+f.kbUID.String())
	c.Check(started.RunID, qt.Equals, "run-1")
	c.Assert(f.starter.options, qt.HasLen, 1)
	c.Check(f.starter.options[0].TaskQueue, qt.Equals, temporal.TaskQueue)
	c.Check(f.starter.args, qt.DeepEquals, []any{temporal.SyncKnowledgeBaseWorkflowParam{KBUID: f.kbUID}})

	c.Run("already running workflow", func(c *qt.C) {
		f.starter.err = serviceerror.NewWorkflowExecutionAlreadyStarted("running", "", "run-0")
		defer func() { f.starter.err = nil }()
		_, err := f.service.StartSync(ctx, f.kbUID)
		c.Check(errors.Is(err, syncerrors.ErrSyncInProgress), qt.IsTrue)
	})

	for _, tc := range []struct {
		status types.SyncStatus
		want   error
	}{
		{status: types.SyncStatusSyncing, want: syncerrors.ErrSyncInProgress},
		{status: types.SyncStatusNeedsReauth, want: syncerrors.ErrNeedsReauth},
	} {
		c.Run(string(tc.status), func(c *qt.C) {
			f.setStatus(c, tc.status)
			_, err := f.service.StartSync(ctx, f.kbUID)
			c.Check(errors.Is(err, tc.want), qt.IsTrue)
			c.Check(f.starter.options, qt.HasLen, 1)
		})
	}
}

func TestService_CancelSync(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	f := newServiceFixture(c)
	f.addSource(c)

	res, err := f.service.CancelSync(ctx, f.kbUID)
	c.Assert(err, qt.IsNil)
	c.Check(res.WasSyncing, qt.IsFalse)

	f.setStatus(c, types.SyncStatusSyncing)
	res, err = f.service.CancelSync(ctx, f.kbUID)
	c.Assert(err, qt.IsNil)
	c.Check(res.WasSyncing, qt.IsTrue)

	requested, err := f.repo.IsCancelRequested(ctx, f.kbUID)
	c.Assert(err, qt.IsNil)
	c.Check(requested, qt.IsTrue)
}

func TestService_SetSyncInterval(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	f := newServiceFixture(c)
	f.addSource(c)

	err := f.service.SetSyncInterval(ctx, f.kbUID, time.Minute)
	c.Check(errors.Is(err, errorsx.ErrInvalidArgument), qt.IsTrue)
	err = f.service.SetSyncInterval(ctx, f.kbUID, MaxSyncInterval+time.Second)
	c.Check(errors.Is(err, errorsx.ErrInvalidArgument), qt.IsTrue)

	c.Assert(f.service.SetSyncInterval(ctx, f.kbUID, 2*time.Hour), qt.IsNil)
	cfg, err := f.service.GetSyncConfig(ctx, f.kbUID)
	c.Assert(err, qt.IsNil)
	c.Check(cfg.SyncInterval, qt.Equals, int64(7200))
	c.Check(cfg.Sources, qt.HasLen, 1)
}

func TestService_AuthorizeDrive(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	f := newServiceFixture(c)
	err := f.service.AuthorizeDrive(ctx, f.kbUID, Credential{RefreshToken: "r"})
	c.Check(errors.Is(err, errorsx.ErrNotFound), qt.IsTrue)

	f.addSource(c)
	c.Assert(f.service.AuthorizeDrive(ctx, f.kbUID, Credential{SourceItemID: "root", RefreshToken: "r"}), qt.IsNil)
	c.Check(f.tokens.stored, qt.DeepEquals, []token.Binding{{KBUID: f.kbUID, SourceItemID: "root"}})

	status, err := f.service.TokenStatus(ctx, f.kbUID)
	c.Assert(err, qt.IsNil)
	c.Check(status.HasCredential, qt.IsTrue)
}

func TestService_RemoveSource(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	f := newServiceFixture(c)
	_, err := f.service.RemoveSource(ctx, f.kbUID, "")
	c.Check(errors.Is(err, errorsx.ErrInvalidArgument), qt.IsTrue)

	f.addSource(c)
	f.setStatus(c, types.SyncStatusSyncing)
	_, err = f.service.RemoveSource(ctx, f.kbUID, "root")
	c.Check(errors.Is(err, syncerrors.ErrSyncInProgress), qt.IsTrue)

	f.setStatus(c, types.SyncStatusIdle)
	report, err := f.service.RemoveSource(ctx, f.kbUID, "root")
	c.Assert(err, qt.IsNil)
	c.Check(report.FilesRemoved, qt.Equals, 0)

	files, err := f.service.ListSyncedFiles(ctx, f.kbUID)
	c.Assert(err, qt.IsNil)
	c.Check(files, qt.HasLen, 0)
}

func TestService_OnGroupMemberAdded(t *testing.T) {
	c := qt.New(t)
	f := newServiceFixture(c)

	_, err := f.service.OnGroupMemberAdded(context.Background(), "", acl.Member{UserUID: "u"})
	c.Check(errors.Is(err, errorsx.ErrInvalidArgument), qt.IsTrue)

	found, err := f.service.OnGroupMemberAdded(context.Background(), "team", acl.Member{UserUID: "u"})
	c.Assert(err, qt.IsNil)
	c.Check(found, qt.HasLen, 0)
}
