// Package pathmap rebuilds relative paths from a flat change feed in which
// items only reference their parent by ID.
package pathmap

import (
	"sort"
	"strings"

	"github.com/instill-ai/drivesync-backend/pkg/drive"
)

// Version identifies the resolution algorithm. Sources whose persisted map
// was built by an older version are fully re-enumerated.
//
//	1: single pass, parents had to precede children in the batch.
//	2: fixed point over the batch plus descendant rename cascade.
const Version = 2

// FolderMap maps a folder ID to its path relative to the source root. The
// root maps to the empty path.
type FolderMap map[string]string

// Rename is a folder whose path changed during a batch.
type Rename struct {
	FolderID string
	OldPath  string
	NewPath  string
}

// Resolver holds the folder map of one source while a batch is applied.
type Resolver struct {
	rootID string
	paths  FolderMap
}

// New returns a resolver seeded with the persisted map. The map is copied.
func New(rootID string, persisted FolderMap) *Resolver {
	paths := make(FolderMap, len(persisted)+1)
	for id, p := range persisted {
		paths[id] = p
	}
	paths[rootID] = ""

	return &Resolver{rootID: rootID, paths: paths}
}

// Map returns a copy of the current folder map.
func (r *Resolver) Map() FolderMap {
	m := make(FolderMap, len(r.paths))
	for id, p := range r.paths {
		m[id] = p
	}
	return m
}

// Apply folds a delta batch into the map and returns the folders whose
// previously known path changed. The result doesn't depend on the order of
// the items in the batch.
func (r *Resolver) Apply(items []drive.Item) []Rename {
	original := r.Map()

	var folders []drive.Item
	inBatch := map[string]bool{}
	for _, it := range items {
		if !it.Folder || it.ID == r.rootID {
			continue
		}
		if it.Deleted {
			delete(r.paths, it.ID)
			delete(original, it.ID)
			continue
		}
		folders = append(folders, it)
		inBatch[it.ID] = true
	}

	var renames []Rename
	// Cascading a rename can change the parent path of a batch folder, so
	// resolution runs again until neither step changes anything.
	for round := 0; round <= len(folders); round++ {
		r.resolve(folders)
		renames = r.renames(original, folders)
		if !r.cascade(original, inBatch, renames) {
			break
		}
	}

	return renames
}

// resolve assigns paths to the batch folders whose parent is known, until a
// full scan makes no change. Children may precede their parents.
func (r *Resolver) resolve(folders []drive.Item) {
	for pass := 0; pass <= len(folders); pass++ {
		changed := false
		for _, f := range folders {
			parent, ok := r.paths[f.ParentID]
			if !ok {
				continue
			}
			p := join(parent, f.Name)
			if cur, ok := r.paths[f.ID]; !ok || cur != p {
				r.paths[f.ID] = p
				changed = true
			}
		}
		if !changed {
			return
		}
	}
}

func (r *Resolver) renames(original FolderMap, folders []drive.Item) []Rename {
	var renames []Rename
	for _, f := range folders {
		old, ok := original[f.ID]
		if !ok {
			continue
		}
		if cur := r.paths[f.ID]; cur != old {
			renames = append(renames, Rename{FolderID: f.ID, OldPath: old, NewPath: cur})
		}
	}
	sort.Slice(renames, func(i, j int) bool { return renames[i].FolderID < renames[j].FolderID })
	return renames
}

// cascade rewrites the entries that weren't part of the batch but live under
// a renamed folder. Each entry is derived from its original path, so it is
// rewritten at most once per round. It reports whether any entry changed.
func (r *Resolver) cascade(original FolderMap, inBatch map[string]bool, renames []Rename) bool {
	changed := false
	for id, old := range original {
		if inBatch[id] || id == r.rootID {
			continue
		}
		p, ok := RewritePath(old, renames)
		if !ok {
			p = old
		}
		if r.paths[id] != p {
			r.paths[id] = p
			changed = true
		}
	}
	return changed
}

// FilePath returns the relative path of a file. Files whose parent is the
// root or isn't resolved get their bare name.
func (r *Resolver) FilePath(parentID, name string) string {
	return join(r.paths[parentID], name)
}

// Resolved reports whether a folder has a known path.
func (r *Resolver) Resolved(folderID string) bool {
	_, ok := r.paths[folderID]
	return ok
}

// RewritePath moves a path under the longest renamed prefix it belongs to.
func RewritePath(path string, renames []Rename) (string, bool) {
	best := -1
	for i, rn := range renames {
		if rn.OldPath == "" || !strings.HasPrefix(path, rn.OldPath+"/") {
			continue
		}
		if best < 0 || len(rn.OldPath) > len(renames[best].OldPath) {
			best = i
		}
	}
	if best < 0 {
		return path, false
	}

	rn := renames[best]
	return join(rn.NewPath, strings.TrimPrefix(path, rn.OldPath+"/")), true
}

func join(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}
