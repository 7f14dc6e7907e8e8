package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/gofrs/uuid"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/drivesync-backend/pkg/repository"
	"github.com/instill-ai/drivesync-backend/pkg/repository/object"
	"github.com/instill-ai/drivesync-backend/pkg/repository/repositorytest"
	"github.com/instill-ai/drivesync-backend/pkg/temporal"
	"github.com/instill-ai/drivesync-backend/pkg/types"
)

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (s *memStorage) UploadFile(_ context.Context, p string, content []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[p] = content
	return nil
}

func (s *memStorage) DeleteFile(_ context.Context, p string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, p)
	return nil
}

func (s *memStorage) GetFile(_ context.Context, p string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[p]
	if !ok {
		return nil, fmt.Errorf("object %s not found", p)
	}
	return b, nil
}

func (s *memStorage) GetBucket() string { return "drivesync" }

type recordingVectorDB struct {
	deleted []string
}

func (v *recordingVectorDB) DeleteEmbeddingsWithFileUID(_ context.Context, collection string, fileUID types.FileUIDType) error {
	v.deleted = append(v.deleted, collection+"/"+fileUID.String())
	return nil
}

type recordingStarter struct {
	err     error
	options []client.StartWorkflowOptions
	params  []temporal.ProcessFileWorkflowParam
	names   []any
}

func (s *recordingStarter) ExecuteWorkflow(_ context.Context, opts client.StartWorkflowOptions, workflow any, args ...any) (client.WorkflowRun, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.options = append(s.options, opts)
	s.names = append(s.names, workflow)
	s.params = append(s.params, args[0].(temporal.ProcessFileWorkflowParam))
	return nil, nil
}

func TestIngester(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	repo := repositorytest.NewRepository(t)
	storage := &memStorage{objects: map[string][]byte{}}
	vdb := &recordingVectorDB{}
	starter := &recordingStarter{}
	in := NewIngester(Params{
		Repository: repo,
		Storage:    storage,
		VectorDB:   vdb,
		Temporal:   starter,
		Config:     Config{TaskQueue: "knowledge"},
		Logger:     zap.NewNop(),
	})

	kbA := uuid.Must(uuid.NewV4())
	kbB := uuid.Must(uuid.NewV4())
	file := func(kb types.KBUIDType) repository.SyncedFileModel {
		return repository.SyncedFileModel{
			KBUID: kb, SourceItemID: "root", DriveID: "d1", ItemID: "i1",
			Name: "a.pdf", RelativePath: "a.pdf", Hash: "0123456789abcdef0123", Size: 3,
		}
	}

	a, err := in.Ingest(ctx, file(kbA), []byte("pdf"), "application/pdf")
	c.Assert(err, qt.IsNil)
	b, err := in.Ingest(ctx, file(kbB), []byte("pdf"), "application/pdf")
	c.Assert(err, qt.IsNil)

	contentPath := object.ContentPath("d1", "i1")
	c.Check(a.ContentPath, qt.Equals, contentPath)
	c.Check(storage.objects, qt.HasLen, 1)

	c.Assert(starter.options, qt.HasLen, 2)
	c.Check(starter.names[0], qt.Equals, temporal.DefaultProcessFileWorkflow)
	c.Check(starter.options[0].TaskQueue, qt.Equals, "knowledge")
	c.Check(starter.options[0].ID, qt.Equals, "process-file-"+a.UID.String()+"-0123456789ab")
	c.Check(starter.params[0].FileUIDs, qt.DeepEquals, []types.FileUIDType{a.UID})
	c.Check(starter.params[0].Bucket, qt.Equals, "drivesync")

	c.Run("content is kept while referenced", func(c *qt.C) {
		res, err := in.Remove(ctx, *a)
		c.Assert(err, qt.IsNil)
		c.Check(res.ContentDeleted, qt.IsFalse)
		c.Check(storage.objects, qt.HasLen, 1)
		c.Check(vdb.deleted, qt.DeepEquals, []string{repository.KBCollectionName(kbA) + "/" + a.UID.String()})
	})

	c.Run("last reference deletes the content", func(c *qt.C) {
		res, err := in.Remove(ctx, *b)
		c.Assert(err, qt.IsNil)
		c.Check(res.ContentDeleted, qt.IsTrue)
		c.Check(storage.objects, qt.HasLen, 0)

		files, err := repo.ListSyncedFiles(ctx, kbB)
		c.Assert(err, qt.IsNil)
		c.Check(files, qt.HasLen, 0)
	})

	c.Run("failed start leaves the file to be retried", func(c *qt.C) {
		starter.err = fmt.Errorf("temporal unavailable")
		_, err := in.Ingest(ctx, file(kbA), []byte("pdf"), "application/pdf")
		c.Check(err, qt.ErrorMatches, "starting processing workflow: temporal unavailable")

		stored, err := repo.GetSyncedFile(ctx, kbA, "d1", "i1")
		c.Assert(err, qt.IsNil)
		c.Check(stored.Hash, qt.Equals, "")
	})
}
