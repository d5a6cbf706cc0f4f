package agent

import (
	"sort"
	"strconv"

	"syncml/state"
)

// HierarchicalItem is an item that lives in a parent/child tree. The
// synchronizer transmits such items parent-before-child.
type HierarchicalItem interface {
	Item
	Parent() string
	SetParent(string)
}

func (f *FileItem) Parent() string      { return f.ParentID }
func (f *FileItem) SetParent(id string) { f.ParentID = id }

func (f *FolderItem) Parent() string      { return f.ParentID }
func (f *FolderItem) SetParent(id string) { f.ParentID = id }

// FilesystemAgent is an in-memory hierarchical store of file and
// folder items. It backs hierarchical-sync flows without touching the
// real filesystem.
type FilesystemAgent struct {
	items  map[string]Item
	nextID int
}

// NewFilesystemAgent returns an empty in-memory file/folder agent
func NewFilesystemAgent() *FilesystemAgent {
	return &FilesystemAgent{items: map[string]Item{}, nextID: 1}
}

func (a *FilesystemAgent) ContentTypes() []*state.ContentTypeInfo {
	return []*state.ContentTypeInfo{
		{CType: state.TypeOMADSFolder, Versions: []string{"1.2"}, Preferred: true, Transmit: true, Receive: true},
		{CType: state.TypeOMADSFile, Versions: []string{"1.2"}, Transmit: true, Receive: true},
	}
}

func (a *FilesystemAgent) Hierarchical() bool { return true }

func (a *FilesystemAgent) GetAllItems() ([]Item, error) {
	ids := make([]string, 0, len(a.items))
	for id := range a.items {
		ids = append(ids, id)
	}
	// Numeric ID order keeps enumeration deterministic for tests
	sort.Slice(ids, func(i, j int) bool {
		x, _ := strconv.Atoi(ids[i])
		y, _ := strconv.Atoi(ids[j])
		return x < y
	})
	items := make([]Item, 0, len(ids))
	for _, id := range ids {
		items = append(items, a.items[id])
	}
	return items, nil
}

func (a *FilesystemAgent) AddItem(item Item) (Item, error) {
	switch item.(type) {
	case *FileItem, *FolderItem:
	default:
		return nil, state.Unsupportedf("filesystem agent cannot store %T", item)
	}
	id := strconv.Itoa(a.nextID)
	a.nextID++
	item.SetID(id)
	a.items[id] = item
	return item, nil
}

func (a *FilesystemAgent) GetItem(id string) (Item, error) {
	item, ok := a.items[id]
	if !ok {
		return nil, state.NotFoundf("item %q not found", id)
	}
	return item, nil
}

func (a *FilesystemAgent) ReplaceItem(item Item, reportChanges bool) (*string, error) {
	if _, ok := a.items[item.ID()]; !ok {
		return nil, state.NotFoundf("item %q not found", item.ID())
	}
	a.items[item.ID()] = item
	return nil, nil
}

func (a *FilesystemAgent) DeleteItem(id string) error {
	if _, ok := a.items[id]; !ok {
		return state.NotFoundf("item %q not found", id)
	}
	delete(a.items, id)
	return nil
}

// MatchItem pairs items with the same name under the same parent
func (a *FilesystemAgent) MatchItem(item Item) (Item, error) {
	return MatchByEquality(a, item, func(x, y Item) bool {
		switch xi := x.(type) {
		case *FileItem:
			yi, ok := y.(*FileItem)
			return ok && xi.Name == yi.Name && xi.ParentID == yi.ParentID
		case *FolderItem:
			yi, ok := y.(*FolderItem)
			return ok && xi.Name == yi.Name && xi.ParentID == yi.ParentID
		}
		return false
	})
}

// MergeItems always conflicts; files carry no change-spec structure to
// merge field-wise.
func (a *FilesystemAgent) MergeItems(local, remote Item, changeSpec *string) (*string, error) {
	return nil, state.Conflictf("file items cannot be merged")
}

// DumpItem serializes each item with its own natural type. A
// hierarchical store interleaves files and folders, so the negotiated
// content type only selects the family; the caller adopts the returned
// per-item type.
func (a *FilesystemAgent) DumpItem(item Item, contentType, version string) ([]byte, string, string, error) {
	switch it := item.(type) {
	case *FileItem:
		return DumpFile(it, state.TypeOMADSFile, version)
	case *FolderItem:
		return DumpFolder(it, state.TypeOMADSFolder, version)
	}
	return nil, "", "", state.Unsupportedf("filesystem agent cannot serialize %T", item)
}

func (a *FilesystemAgent) LoadItem(data []byte, contentType, version string) (Item, error) {
	return LoadFile(data, contentType, version)
}
