package source

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/drivesync-backend/pkg/ingest"
	"github.com/instill-ai/drivesync-backend/pkg/repository"
	"github.com/instill-ai/drivesync-backend/pkg/repository/object"
	"github.com/instill-ai/drivesync-backend/pkg/repository/repositorytest"
	"github.com/instill-ai/drivesync-backend/pkg/types"

	syncerrors "github.com/instill-ai/drivesync-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

type memStorage struct {
	objects map[string][]byte
}

func (s *memStorage) UploadFile(_ context.Context, p string, b []byte, _ string) error {
	s.objects[p] = b
	return nil
}

func (s *memStorage) DeleteFile(_ context.Context, p string) error {
	delete(s.objects, p)
	return nil
}

func (s *memStorage) GetFile(_ context.Context, p string) ([]byte, error) {
	b, ok := s.objects[p]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", p, errorsx.ErrNotFound)
	}
	return b, nil
}

func (s *memStorage) GetBucket() string { return "test" }

type noopStarter struct{}

func (noopStarter) ExecuteWorkflow(context.Context, client.StartWorkflowOptions, any, ...any) (client.WorkflowRun, error) {
	return nil, nil
}

type registryFixture struct {
	repo     repository.Repository
	storage  *memStorage
	ingester ingest.Ingester
	registry *Registry
	kbUID    types.KBUIDType
}

func newRegistryFixture(c *qt.C) *registryFixture {
	f := &registryFixture{
		repo:    repositorytest.NewRepository(c.TB),
		storage: &memStorage{objects: map[string][]byte{}},
		kbUID:   uuid.Must(uuid.NewV4()),
	}
	f.ingester = ingest.NewIngester(ingest.Params{
		Repository: f.repo,
		Storage:    f.storage,
		Temporal:   noopStarter{},
		Logger:     zap.NewNop(),
	})
	f.registry = NewRegistry(f.repo, f.ingester, time.Hour, zap.NewNop())
	return f
}

func (f *registryFixture) ingest(c *qt.C, kbUID types.KBUIDType, sourceItemID, driveID, itemID string) {
	_, err := f.ingester.Ingest(context.Background(), repository.SyncedFileModel{
		KBUID: kbUID, SourceItemID: sourceItemID, DriveID: driveID, ItemID: itemID,
		Name: itemID + ".pdf", RelativePath: itemID + ".pdf", Hash: "h-" + itemID,
	}, []byte(itemID), "application/pdf")
	c.Assert(err, qt.IsNil)
}

func (f *registryFixture) items(c *qt.C, kbUID types.KBUIDType) []string {
	files, err := f.repo.ListSyncedFiles(context.Background(), kbUID)
	c.Assert(err, qt.IsNil)
	items := []string{}
	for _, file := range files {
		items = append(items, file.ItemID)
	}
	return items
}

func TestAddSource(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f := newRegistryFixture(c)

	src, err := f.registry.AddSource(ctx, f.kbUID, uuid.Nil, Root{ItemID: "root", DriveID: "d1", Name: "Docs"})
	c.Assert(err, qt.IsNil)
	c.Check(src.Kind, qt.Equals, types.SourceKindFolder)

	kb, err := f.repo.GetKnowledgeBaseSync(ctx, f.kbUID)
	c.Assert(err, qt.IsNil)
	c.Check(kb.Interval(), qt.Equals, time.Hour)

	again, err := f.registry.AddSource(ctx, f.kbUID, uuid.Nil, Root{ItemID: "root", DriveID: "d1", Name: "Renamed"})
	c.Assert(err, qt.IsNil)
	c.Check(again.UID, qt.Equals, src.UID)

	sources, err := f.repo.ListSources(ctx, f.kbUID)
	c.Assert(err, qt.IsNil)
	c.Check(sources, qt.HasLen, 1)

	_, err = f.registry.AddSource(ctx, f.kbUID, uuid.Nil, Root{ItemID: "x"})
	c.Check(errors.Is(err, errorsx.ErrInvalidArgument), qt.IsTrue)

	_, err = f.registry.AddSource(ctx, f.kbUID, uuid.Nil, Root{ItemID: "x", DriveID: "d1", Kind: "site"})
	c.Check(errors.Is(err, errorsx.ErrInvalidArgument), qt.IsTrue)
}

func TestRemoveSource_Isolation(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f := newRegistryFixture(c)

	for _, root := range []Root{{ItemID: "a", DriveID: "d1"}, {ItemID: "b", DriveID: "d1"}, {ItemID: "c", DriveID: "d2"}} {
		_, err := f.registry.AddSource(ctx, f.kbUID, uuid.Nil, root)
		c.Assert(err, qt.IsNil)
	}
	f.ingest(c, f.kbUID, "a", "d1", "a1")
	f.ingest(c, f.kbUID, "a", "d1", "a2")
	f.ingest(c, f.kbUID, "b", "d1", "b1")
	f.ingest(c, f.kbUID, "c", "d2", "c1")
	// Legacy files without an owning source.
	f.ingest(c, f.kbUID, "", "d1", "legacy-d1")
	f.ingest(c, f.kbUID, "", "d2", "legacy-d2")

	rep, err := f.registry.RemoveSource(ctx, f.kbUID, "a")
	c.Assert(err, qt.IsNil)
	c.Check(*rep, qt.Equals, RemovalReport{FilesRemoved: 3, ContentDeleted: 3})
	c.Check(f.items(c, f.kbUID), qt.ContentEquals, []string{"b1", "c1", "legacy-d2"})

	_, err = f.repo.GetSource(ctx, f.kbUID, "a")
	c.Check(errors.Is(err, errorsx.ErrNotFound), qt.IsTrue)

	_, err = f.registry.RemoveSource(ctx, f.kbUID, "a")
	c.Check(errors.Is(err, errorsx.ErrNotFound), qt.IsTrue)
}

func TestRemoveSource_OrphanRule(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f := newRegistryFixture(c)
	otherKB := uuid.Must(uuid.NewV4())

	_, err := f.registry.AddSource(ctx, f.kbUID, uuid.Nil, Root{ItemID: "root", DriveID: "d1"})
	c.Assert(err, qt.IsNil)
	f.ingest(c, f.kbUID, "root", "d1", "shared")
	f.ingest(c, f.kbUID, "root", "d1", "own")
	f.ingest(c, otherKB, "root", "d1", "shared")

	rep, err := f.registry.RemoveSource(ctx, f.kbUID, "root")
	c.Assert(err, qt.IsNil)
	c.Check(*rep, qt.Equals, RemovalReport{FilesRemoved: 2, ContentDeleted: 1, ContentRetained: 1})

	_, err = f.storage.GetFile(ctx, object.ContentPath("d1", "shared"))
	c.Check(err, qt.IsNil)
	_, err = f.storage.GetFile(ctx, object.ContentPath("d1", "own"))
	c.Check(errors.Is(err, errorsx.ErrNotFound), qt.IsTrue)
	c.Check(f.items(c, otherKB), qt.DeepEquals, []string{"shared"})
}

func TestRemoveSource_WhileSyncing(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f := newRegistryFixture(c)

	_, err := f.registry.AddSource(ctx, f.kbUID, uuid.Nil, Root{ItemID: "root", DriveID: "d1"})
	c.Assert(err, qt.IsNil)
	f.ingest(c, f.kbUID, "root", "d1", "f1")

	_, err = f.repo.TransitionSyncStatus(ctx, f.kbUID, []types.SyncStatus{types.SyncStatusIdle}, types.SyncStatusSyncing, nil)
	c.Assert(err, qt.IsNil)

	_, err = f.registry.RemoveSource(ctx, f.kbUID, "root")
	c.Check(errors.Is(err, syncerrors.ErrSyncInProgress), qt.IsTrue)

	// Nothing changed.
	c.Check(f.items(c, f.kbUID), qt.DeepEquals, []string{"f1"})
	_, err = f.repo.GetSource(ctx, f.kbUID, "root")
	c.Check(err, qt.IsNil)
	c.Check(f.storage.objects, qt.HasLen, 1)
}
