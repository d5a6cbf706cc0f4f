// Package agent defines the datastore-side capability the synchronizer
// drives: item enumeration, CRUD, duplicate matching, merging, and
// content-type serialization.
package agent

import (
	"syncml/state"
)

// Item is one synchronizable object. IDs are strings so agents can use
// whatever native key they have (numeric row IDs, paths, UUIDs).
type Item interface {
	ID() string
	SetID(id string)
}

// Agent adapts one local datastore to the synchronizer.
type Agent interface {
	// ContentTypes lists the serializations this agent speaks, most
	// preferred first.
	ContentTypes() []*state.ContentTypeInfo

	// Hierarchical reports whether items form a parent/child tree and
	// must be transmitted parent-before-child.
	Hierarchical() bool

	// GetAllItems enumerates every current item.
	GetAllItems() ([]Item, error)

	// AddItem stores a new item and returns it with its assigned ID.
	AddItem(item Item) (Item, error)

	// GetItem loads one item; a missing ID is a not-found error.
	GetItem(id string) (Item, error)

	// ReplaceItem overwrites the stored item with the same ID. When
	// reportChanges is true it returns a change-spec describing the
	// difference from the stored version; a nil spec disables
	// field-wise conflict detection for this item going forward.
	ReplaceItem(item Item, reportChanges bool) (*string, error)

	// DeleteItem removes one item.
	DeleteItem(id string) error

	// MatchItem finds a stored item with equal content, used for
	// slow-sync duplicate detection. No match returns (nil, nil).
	MatchItem(item Item) (Item, error)

	// MergeItems reconciles a remote update into the local item using
	// the accumulated changeSpec and returns the new spec. On an
	// irreconcilable merge it returns a conflict error and leaves both
	// items untouched.
	MergeItems(local, remote Item, changeSpec *string) (*string, error)

	// DumpItem serializes an item, returning the bytes plus the actual
	// content type and version used.
	DumpItem(item Item, contentType, version string) ([]byte, string, string, error)

	// LoadItem deserializes an item.
	LoadItem(data []byte, contentType, version string) (Item, error)
}

// DeleteAllItems removes every item the agent holds, used by
// refresh-from-peer modes. Agents with a faster native truncation can
// bypass this helper.
func DeleteAllItems(a Agent) error {
	items, err := a.GetAllItems()
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := a.DeleteItem(item.ID()); err != nil {
			return err
		}
	}
	return nil
}

// MatchByEquality is a linear-scan MatchItem implementation for agents
// without a native content index.
func MatchByEquality(a Agent, item Item, equal func(a, b Item) bool) (Item, error) {
	items, err := a.GetAllItems()
	if err != nil {
		return nil, err
	}
	for _, candidate := range items {
		if equal(candidate, item) {
			return candidate, nil
		}
	}
	return nil, nil
}
