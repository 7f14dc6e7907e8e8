package syncer

import (
	"context"
	"fmt"
	"sync"

	"github.com/instill-ai/drivesync-backend/pkg/drive"
	"github.com/instill-ai/drivesync-backend/pkg/ingest"
	"github.com/instill-ai/drivesync-backend/pkg/repository"
	"github.com/instill-ai/drivesync-backend/pkg/token"

	errorsx "github.com/instill-ai/x/errors"
)

// fakeDrive serves scripted delta responses keyed by the requested delta
// link.
type fakeDrive struct {
	mu          sync.Mutex
	deltas      map[string]*drive.DeltaPage
	deltaErrs   map[string]error
	items       map[string]*drive.Item
	content     map[string][]byte
	downloadErr map[string]error
	permissions []string

	deltaCalls []string
	downloads  []string
}

func newFakeDrive() *fakeDrive {
	return &fakeDrive{
		deltas:      map[string]*drive.DeltaPage{},
		deltaErrs:   map[string]error{},
		items:       map[string]*drive.Item{},
		content:     map[string][]byte{},
		downloadErr: map[string]error{},
	}
}

func (d *fakeDrive) Delta(_ context.Context, _, _, _, deltaLink string) (*drive.DeltaPage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deltaCalls = append(d.deltaCalls, deltaLink)
	if err := d.deltaErrs[deltaLink]; err != nil {
		return nil, err
	}
	page, ok := d.deltas[deltaLink]
	if !ok {
		return nil, fmt.Errorf("unexpected delta link %q", deltaLink)
	}
	return page, nil
}

func (d *fakeDrive) ListFolder(context.Context, string, string, string) ([]drive.Item, error) {
	return nil, nil
}

func (d *fakeDrive) GetItem(_ context.Context, _, _, itemID string) (*drive.Item, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	it, ok := d.items[itemID]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", itemID, errorsx.ErrNotFound)
	}
	return it, nil
}

func (d *fakeDrive) Download(_ context.Context, _, _, itemID string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.downloads = append(d.downloads, itemID)
	if err := d.downloadErr[itemID]; err != nil {
		return nil, err
	}
	b, ok := d.content[itemID]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", itemID, errorsx.ErrNotFound)
	}
	return b, nil
}

func (d *fakeDrive) ListPermissions(context.Context, string, string, string) ([]string, error) {
	return d.permissions, nil
}

// fakeIngester records files straight into the repository.
type fakeIngester struct {
	repo     repository.Repository
	ingested []string
	removed  []string
}

func (in *fakeIngester) Ingest(ctx context.Context, f repository.SyncedFileModel, _ []byte, _ string) (*repository.SyncedFileModel, error) {
	stored, err := in.repo.UpsertSyncedFile(ctx, f)
	if err != nil {
		return nil, err
	}
	in.ingested = append(in.ingested, f.ItemID)
	return stored, nil
}

func (in *fakeIngester) Remove(ctx context.Context, f repository.SyncedFileModel) (*ingest.RemoveResult, error) {
	if err := in.repo.DeleteSyncedFile(ctx, f.UID); err != nil {
		return nil, err
	}
	in.removed = append(in.removed, f.ItemID)
	return &ingest.RemoveResult{}, nil
}

type fakeTokens struct {
	err   error
	calls []token.Binding
}

func (f *fakeTokens) GetValidAccessToken(_ context.Context, b token.Binding) (*token.AccessToken, error) {
	f.calls = append(f.calls, b)
	if f.err != nil {
		return nil, f.err
	}
	return &token.AccessToken{Value: "access"}, nil
}

func folder(id, name, parent string) drive.Item {
	return drive.Item{ID: id, Name: name, ParentID: parent, DriveID: "d1", Folder: true}
}

func file(id, name, parent string) drive.Item {
	return drive.Item{ID: id, Name: name, ParentID: parent, DriveID: "d1"}
}

func deleted(id string) drive.Item {
	return drive.Item{ID: id, DriveID: "d1", Deleted: true}
}
