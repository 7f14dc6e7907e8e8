package drive

import (
	"time"
)

// Item is a changed, listed, or deleted entry of a remote drive. Folder
// entries never carry a path; only ParentID links them to the hierarchy.
type Item struct {
	ID           string
	Name         string
	DriveID      string
	ParentID     string
	Folder       bool
	Deleted      bool
	Size         int64
	ETag         string
	SHA256Hash   string
	MimeType     string
	LastModified time.Time
}

// IsFile reports whether the item is a non-deleted file.
func (i Item) IsFile() bool {
	return !i.Folder && !i.Deleted
}

// DeltaPage is the accumulated result of one delta query, after following
// every next link.
type DeltaPage struct {
	Items []Item
	// DeltaLink is the continuation token for the next incremental query.
	DeltaLink string
}

// driveItem is the wire representation of an item. The deleted facet is
// present on deletion markers; folder and file facets are mutually
// exclusive.
type driveItem struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Size                 int64     `json:"size"`
	ETag                 string    `json:"eTag"`
	LastModifiedDateTime time.Time `json:"lastModifiedDateTime"`
	ParentReference      struct {
		DriveID string `json:"driveId"`
		ID      string `json:"id"`
	} `json:"parentReference"`
	Folder *struct {
		ChildCount int `json:"childCount"`
	} `json:"folder,omitempty"`
	File *struct {
		MimeType string `json:"mimeType"`
		Hashes   struct {
			SHA256Hash   string `json:"sha256Hash"`
			QuickXorHash string `json:"quickXorHash"`
		} `json:"hashes"`
	} `json:"file,omitempty"`
	Deleted *struct {
		State string `json:"state"`
	} `json:"deleted,omitempty"`
	Root *struct{} `json:"root,omitempty"`
}

func (d driveItem) toItem() Item {
	it := Item{
		ID:           d.ID,
		Name:         d.Name,
		DriveID:      d.ParentReference.DriveID,
		ParentID:     d.ParentReference.ID,
		Folder:       d.Folder != nil || d.Root != nil,
		Deleted:      d.Deleted != nil,
		Size:         d.Size,
		ETag:         d.ETag,
		LastModified: d.LastModifiedDateTime,
	}
	if d.File != nil {
		it.MimeType = d.File.MimeType
		it.SHA256Hash = d.File.Hashes.SHA256Hash
	}
	return it
}

type itemPage struct {
	Value     []driveItem `json:"value"`
	NextLink  string      `json:"@odata.nextLink"`
	DeltaLink string      `json:"@odata.deltaLink"`
}

type identity struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

type permission struct {
	Roles       []string `json:"roles"`
	GrantedToV2 *struct {
		User     *identity `json:"user"`
		SiteUser *struct {
			LoginName string `json:"loginName"`
			Email     string `json:"email"`
		} `json:"siteUser"`
	} `json:"grantedToV2"`
	GrantedToIdentitiesV2 []struct {
		User *identity `json:"user"`
	} `json:"grantedToIdentitiesV2"`
	Invitation *struct {
		Email string `json:"email"`
	} `json:"invitation"`
}

type permissionPage struct {
	Value    []permission `json:"value"`
	NextLink string       `json:"@odata.nextLink"`
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
