package migration

import (
	"context"
	"io/fs"
	"testing"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/drivesync-backend/pkg/repository"
	"github.com/instill-ai/drivesync-backend/pkg/repository/repositorytest"
	"github.com/instill-ai/drivesync-backend/pkg/types"
)

func TestFS(t *testing.T) {
	c := qt.New(t)

	names, err := fs.Glob(FS, "*.up.sql")
	c.Assert(err, qt.IsNil)
	c.Check(names, qt.HasLen, int(TargetSchemaVersion))

	downs, err := fs.Glob(FS, "*.down.sql")
	c.Assert(err, qt.IsNil)
	c.Check(downs, qt.HasLen, int(TargetSchemaVersion))
}

func TestCodeMigrator_ClaimLegacyFiles(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	db := repositorytest.NewDB(c.TB)
	repo := repository.NewRepository(db)

	kbUID := uuid.Must(uuid.NewV4())
	for _, s := range []repository.SourceModel{
		{KBUID: kbUID, ItemID: "a", DriveID: "d1", Kind: types.SourceKindFolder},
		{KBUID: kbUID, ItemID: "b", DriveID: "d2", Kind: types.SourceKindFolder},
		{KBUID: kbUID, ItemID: "c", DriveID: "d2", Kind: types.SourceKindFolder},
	} {
		_, _, err := repo.CreateSource(ctx, s)
		c.Assert(err, qt.IsNil)
	}
	for _, f := range []repository.SyncedFileModel{
		{KBUID: kbUID, DriveID: "d1", ItemID: "only-a"},
		{KBUID: kbUID, DriveID: "d2", ItemID: "ambiguous"},
		{KBUID: kbUID, DriveID: "d3", ItemID: "orphan"},
		{KBUID: kbUID, SourceItemID: "b", DriveID: "d2", ItemID: "owned"},
	} {
		_, err := repo.UpsertSyncedFile(ctx, f)
		c.Assert(err, qt.IsNil)
	}

	cm := &CodeMigrator{DB: db, Logger: zap.NewNop()}
	c.Assert(cm.Migrate(1), qt.IsNil)
	c.Assert(cm.Migrate(2), qt.IsNil)

	files, err := repo.ListSyncedFiles(ctx, kbUID)
	c.Assert(err, qt.IsNil)
	owners := map[string]string{}
	for _, f := range files {
		owners[f.ItemID] = f.SourceItemID
	}
	c.Check(owners, qt.DeepEquals, map[string]string{
		"only-a":    "a",
		"ambiguous": "",
		"orphan":    "",
		"owned":     "b",
	})
}
