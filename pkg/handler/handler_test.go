package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/drivesync-backend/pkg/acl"
	"github.com/instill-ai/drivesync-backend/pkg/repository"
	"github.com/instill-ai/drivesync-backend/pkg/service"
	"github.com/instill-ai/drivesync-backend/pkg/source"
	"github.com/instill-ai/drivesync-backend/pkg/token"
	"github.com/instill-ai/drivesync-backend/pkg/types"

	syncerrors "github.com/instill-ai/drivesync-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

type fakeService struct {
	service.Service

	err      error
	interval time.Duration
	root     source.Root
	removed  string
	member   acl.Member
}

func (f *fakeService) StartSync(_ context.Context, kbUID types.KBUIDType) (*service.SyncStarted, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &service.SyncStarted{WorkflowID: "sync-kb-" + kbUID.String(), RunID: "run"}, nil
}

func (f *fakeService) SetSyncInterval(_ context.Context, _ types.KBUIDType, d time.Duration) error {
	f.interval = d
	return f.err
}

func (f *fakeService) AddSource(_ context.Context, kbUID types.KBUIDType, _ types.NamespaceUIDType, root source.Root) (*repository.SourceModel, error) {
	f.root = root
	return &repository.SourceModel{KBUID: kbUID, ItemID: root.ItemID, DriveID: root.DriveID, Kind: types.SourceKindFolder}, f.err
}

func (f *fakeService) RemoveSource(_ context.Context, _ types.KBUIDType, itemID string) (*source.RemovalReport, error) {
	f.removed = itemID
	if f.err != nil {
		return nil, f.err
	}
	return &source.RemovalReport{FilesRemoved: 2, ContentDeleted: 1, ContentRetained: 1}, nil
}

func (f *fakeService) TokenStatus(context.Context, types.KBUIDType) (*token.Status, error) {
	return nil, f.err
}

func (f *fakeService) ShareWithGroups(context.Context, types.KBUIDType, acl.Proposal) (*acl.ValidationResult, error) {
	res := &acl.ValidationResult{Conflicts: []acl.Conflict{{
		GroupID: "contractors", Role: types.ShareRoleReader, SourceItemID: "root",
		UnauthorizedMembers: []string{"eve@example.com"},
	}}}
	return res, fmt.Errorf("sharing: %w", syncerrors.ErrPermissionConflict)
}

func (f *fakeService) OnGroupMemberAdded(_ context.Context, _ string, m acl.Member) ([]acl.KnowledgeBaseConflicts, error) {
	f.member = m
	return []acl.KnowledgeBaseConflicts{}, nil
}

func serve(c *qt.C, svc service.Service, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	mux := runtime.NewServeMux()
	c.Assert(NewHandler(svc, zap.NewNop()).Register(mux), qt.IsNil)

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	got := map[string]any{}
	if rec.Body.Len() > 0 {
		c.Assert(json.Unmarshal(rec.Body.Bytes(), &got), qt.IsNil)
	}
	return rec, got
}

func TestHandler_StartSync(t *testing.T) {
	c := qt.New(t)
	kbUID := uuid.Must(uuid.NewV4())
	path := "/v1alpha/knowledge-bases/" + kbUID.String() + "/sync:start"

	c.Run("ok", func(c *qt.C) {
		rec, body := serve(c, &fakeService{}, http.MethodPost, path, "")
		c.Check(rec.Code, qt.Equals, http.StatusAccepted)
		c.Check(body["workflowId"], qt.Equals, "sync-kb-"+kbUID.String())
	})

	c.Run("errors", func(c *qt.C) {
		testcases := []struct {
			name     string
			err      error
			wantHTTP int
			wantCode codes.Code
			wantMsg  string
		}{
			{
				name:     "sync in progress",
				err:      fmt.Errorf("starting: %w", syncerrors.ErrSyncInProgress),
				wantHTTP: http.StatusConflict,
				wantCode: codes.Aborted,
				wantMsg:  "A sync is already running for this knowledge base.",
			},
			{
				name:     "needs reauth",
				err:      fmt.Errorf("starting: %w", syncerrors.ErrNeedsReauth),
				wantHTTP: http.StatusBadRequest,
				wantCode: codes.FailedPrecondition,
				wantMsg:  "The drive connection must be authorized again.",
			},
			{
				name:     "not found",
				err:      errorsx.AddMessage(fmt.Errorf("kb: %w", errorsx.ErrNotFound), "The knowledge base has no sync configuration."),
				wantHTTP: http.StatusNotFound,
				wantCode: codes.NotFound,
				wantMsg:  "The knowledge base has no sync configuration.",
			},
			{
				name:     "internal",
				err:      fmt.Errorf("connection refused"),
				wantHTTP: http.StatusInternalServerError,
				wantCode: codes.Internal,
				wantMsg:  "Internal error.",
			},
		}
		for _, tc := range testcases {
			c.Run(tc.name, func(c *qt.C) {
				rec, body := serve(c, &fakeService{err: tc.err}, http.MethodPost, path, "")
				c.Check(rec.Code, qt.Equals, tc.wantHTTP)
				c.Check(body["code"], qt.Equals, float64(tc.wantCode))
				c.Check(body["message"], qt.Equals, tc.wantMsg)
			})
		}
	})

	c.Run("invalid UID", func(c *qt.C) {
		rec, body := serve(c, &fakeService{}, http.MethodPost, "/v1alpha/knowledge-bases/nope/sync:start", "")
		c.Check(rec.Code, qt.Equals, http.StatusBadRequest)
		c.Check(body["message"], qt.Equals, "The knowledge base UID must be a valid UUID.")
	})
}

func TestHandler_SetSyncInterval(t *testing.T) {
	c := qt.New(t)
	path := "/v1alpha/knowledge-bases/" + uuid.Must(uuid.NewV4()).String() + "/sync"

	svc := &fakeService{}
	rec, _ := serve(c, svc, http.MethodPatch, path, `{"syncIntervalSeconds": 3600}`)
	c.Check(rec.Code, qt.Equals, http.StatusOK)
	c.Check(svc.interval, qt.Equals, time.Hour)

	rec, _ = serve(c, svc, http.MethodPatch, path, `{"syncIntervalSeconds": 0}`)
	c.Check(rec.Code, qt.Equals, http.StatusBadRequest)

	// Large enough to overflow time.Duration once multiplied.
	svc.interval = 0
	rec, _ = serve(c, svc, http.MethodPatch, path, `{"syncIntervalSeconds": 9223372036854775807}`)
	c.Check(rec.Code, qt.Equals, http.StatusBadRequest)
	rec, _ = serve(c, svc, http.MethodPatch, path, `{"syncIntervalSeconds": 10000000000}`)
	c.Check(rec.Code, qt.Equals, http.StatusBadRequest)
	c.Check(svc.interval, qt.Equals, time.Duration(0))

	rec, _ = serve(c, svc, http.MethodPatch, path, `{`)
	c.Check(rec.Code, qt.Equals, http.StatusBadRequest)
}

func TestHandler_Sources(t *testing.T) {
	c := qt.New(t)
	base := "/v1alpha/knowledge-bases/" + uuid.Must(uuid.NewV4()).String() + "/sources"

	c.Run("add", func(c *qt.C) {
		svc := &fakeService{}
		body := fmt.Sprintf(`{"namespaceUid": %q, "itemId": "root", "driveId": "d1", "name": "Docs"}`, uuid.Must(uuid.NewV4()))
		rec, got := serve(c, svc, http.MethodPost, base, body)
		c.Check(rec.Code, qt.Equals, http.StatusOK)
		c.Check(got["itemId"], qt.Equals, "root")
		c.Check(got["kind"], qt.Equals, "folder")
		c.Check(svc.root, qt.DeepEquals, source.Root{ItemID: "root", DriveID: "d1", Name: "Docs"})
	})

	c.Run("add without drive", func(c *qt.C) {
		body := fmt.Sprintf(`{"namespaceUid": %q, "itemId": "root"}`, uuid.Must(uuid.NewV4()))
		rec, _ := serve(c, &fakeService{}, http.MethodPost, base, body)
		c.Check(rec.Code, qt.Equals, http.StatusBadRequest)
	})

	c.Run("remove", func(c *qt.C) {
		svc := &fakeService{}
		rec, got := serve(c, svc, http.MethodDelete, base+"/root", "")
		c.Check(rec.Code, qt.Equals, http.StatusOK)
		c.Check(svc.removed, qt.Equals, "root")
		c.Check(got["filesRemoved"], qt.Equals, float64(2))
	})

	c.Run("remove while syncing", func(c *qt.C) {
		svc := &fakeService{err: fmt.Errorf("removing: %w", syncerrors.ErrSyncInProgress)}
		rec, got := serve(c, svc, http.MethodDelete, base+"/root", "")
		c.Check(rec.Code, qt.Equals, http.StatusConflict)
		c.Check(got["details"], qt.IsNil)
	})
}

func TestHandler_ShareWithGroups(t *testing.T) {
	c := qt.New(t)
	path := "/v1alpha/knowledge-bases/" + uuid.Must(uuid.NewV4()).String() + "/shares"

	rec, got := serve(c, &fakeService{}, http.MethodPost, path, `{"readers": ["contractors"]}`)
	c.Check(rec.Code, qt.Equals, http.StatusConflict)
	c.Check(got["code"], qt.Equals, float64(codes.Aborted))

	details, ok := got["details"].([]any)
	c.Assert(ok, qt.IsTrue)
	c.Assert(details, qt.HasLen, 1)
	conflict := details[0].(map[string]any)
	c.Check(conflict["groupId"], qt.Equals, "contractors")
	c.Check(conflict["unauthorizedMembers"], qt.DeepEquals, []any{"eve@example.com"})
}

func TestHandler_GroupMemberAdded(t *testing.T) {
	c := qt.New(t)

	svc := &fakeService{}
	rec, got := serve(c, svc, http.MethodPost, "/v1alpha/groups/team/members", `{"userUid": "u1", "email": "u1@example.com"}`)
	c.Check(rec.Code, qt.Equals, http.StatusOK)
	c.Check(svc.member, qt.DeepEquals, acl.Member{UserUID: "u1", Email: "u1@example.com"})
	c.Check(got["knowledgeBases"], qt.DeepEquals, []any{})
}
