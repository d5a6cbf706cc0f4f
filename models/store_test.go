package models_test

import (
	"os"
	"strings"
	"testing"

	"syncml/models"
	"syncml/state"
)

// setupStoreTestDB initializes a clean test database with one local
// adapter and two peers, each with a note store bound to ./notes.
func setupStoreTestDB(t *testing.T) (peer1Store, peer2Store int64, cleanup func()) {
	t.Helper()

	os.Remove("./test_store.ddb")
	os.Remove("./test_store.ddb.wal")

	if err := models.InitTestDB("./test_store.ddb"); err != nil {
		t.Fatalf("failed to initialize test database: %v", err)
	}
	cleanup = func() {
		models.CloseDB()
		os.Remove("./test_store.ddb")
		os.Remove("./test_store.ddb.wal")
	}

	local := &models.Adapter{Name: "local", IsLocal: true}
	if err := models.CreateAdapter(local); err != nil {
		t.Fatalf("failed to create local adapter: %v", err)
	}
	localStore := &models.Store{
		AdapterID: local.ID,
		URI:       "./notes",
		SyncTypes: []state.SyncType{state.SyncTwoWay, state.SyncSlowSync},
		ContentTypes: []*state.ContentTypeInfo{
			{CType: state.TypeTextPlain, Versions: []string{"1.1", "1.0"}, Preferred: true, Transmit: true, Receive: true},
		},
	}
	if err := models.UpsertStore(localStore); err != nil {
		t.Fatalf("failed to create local store: %v", err)
	}

	storeIDs := make([]int64, 0, 2)
	for _, name := range []string{"peer-one", "peer-two"} {
		peer := &models.Adapter{Name: name, DevID: "syncml:" + name}
		if err := models.CreateAdapter(peer); err != nil {
			t.Fatalf("failed to create peer %s: %v", name, err)
		}
		s := &models.Store{
			AdapterID: peer.ID,
			URI:       "note",
			SyncTypes: []state.SyncType{state.SyncTwoWay},
		}
		if err := models.UpsertStore(s); err != nil {
			t.Fatalf("failed to create store for %s: %v", name, err)
		}
		if err := models.SetBinding(peer.ID, s.ID, "./notes", false); err != nil {
			t.Fatalf("failed to bind store for %s: %v", name, err)
		}
		storeIDs = append(storeIDs, s.ID)
	}

	return storeIDs[0], storeIDs[1], cleanup
}

func specPtr(s string) *string { return &s }

func TestRegisterChangeFanOut(t *testing.T) {
	store1, store2, cleanup := setupStoreTestDB(t)
	defer cleanup()

	err := models.RegisterChange("./notes", "42", state.ItemModified, specPtr("mod:name@vfoo"), 0)
	if err != nil {
		t.Fatalf("failed to register change: %v", err)
	}

	for _, storeID := range []int64{store1, store2} {
		changes, err := models.GetRegisteredChanges(storeID)
		if err != nil {
			t.Fatalf("failed to get changes for store %d: %v", storeID, err)
		}
		if len(changes) != 1 {
			t.Fatalf("store %d: expected 1 change, got %d", storeID, len(changes))
		}
		c := changes[0]
		if c.ItemID != "42" || c.State != state.ItemModified {
			t.Errorf("store %d: unexpected change %+v", storeID, c)
		}
		if !c.ChangeSpec.Valid || c.ChangeSpec.String != "mod:name@vfoo" {
			t.Errorf("store %d: change spec = %v", storeID, c.ChangeSpec)
		}
	}
}

func TestRegisterChangeExcludesOriginPeer(t *testing.T) {
	store1, store2, cleanup := setupStoreTestDB(t)
	defer cleanup()

	// Resolve peer-one's adapter ID via its store
	peer1, err := models.GetAdapterByDevID("syncml:peer-one")
	if err != nil {
		t.Fatalf("failed to load peer-one: %v", err)
	}

	err = models.RegisterChange("./notes", "7", state.ItemAdded, nil, peer1.ID)
	if err != nil {
		t.Fatalf("failed to register change: %v", err)
	}

	changes, err := models.GetRegisteredChanges(store1)
	if err != nil {
		t.Fatalf("failed to get changes: %v", err)
	}
	if len(changes) != 0 {
		t.Errorf("origin peer should have no changes, got %d", len(changes))
	}

	changes, err = models.GetRegisteredChanges(store2)
	if err != nil {
		t.Fatalf("failed to get changes: %v", err)
	}
	if len(changes) != 1 {
		t.Errorf("other peer should have 1 change, got %d", len(changes))
	}
}

func TestRegisterChangeAppendsSpec(t *testing.T) {
	store1, _, cleanup := setupStoreTestDB(t)
	defer cleanup()

	if err := models.RegisterPeerChange(store1, "9", state.ItemModified, specPtr("mod:name@vfoo")); err != nil {
		t.Fatalf("failed to register first change: %v", err)
	}
	if err := models.RegisterPeerChange(store1, "9", state.ItemModified, specPtr("mod:name@vbar")); err != nil {
		t.Fatalf("failed to register second change: %v", err)
	}

	changes, err := models.GetRegisteredChanges(store1)
	if err != nil {
		t.Fatalf("failed to get changes: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected merged change, got %d rows", len(changes))
	}
	want := "mod:name@vfoo;mod:name@vbar"
	if !changes[0].ChangeSpec.Valid || changes[0].ChangeSpec.String != want {
		t.Errorf("change spec = %v, want %q", changes[0].ChangeSpec, want)
	}
}

func TestRegisterChangeSpecOverflowsToNull(t *testing.T) {
	store1, _, cleanup := setupStoreTestDB(t)
	defer cleanup()

	if err := models.RegisterPeerChange(store1, "9", state.ItemModified, specPtr("mod:a@v1")); err != nil {
		t.Fatalf("failed to register first change: %v", err)
	}
	big := "mod:body@v" + strings.Repeat("x", 5000)
	if err := models.RegisterPeerChange(store1, "9", state.ItemModified, specPtr(big)); err != nil {
		t.Fatalf("failed to register oversized change: %v", err)
	}

	changes, err := models.GetRegisteredChanges(store1)
	if err != nil {
		t.Fatalf("failed to get changes: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected merged change, got %d rows", len(changes))
	}
	if changes[0].ChangeSpec.Valid {
		t.Errorf("expected NULL change spec after overflow, got %q", changes[0].ChangeSpec.String)
	}
	if changes[0].State != state.ItemModified {
		t.Errorf("state = %v, want Modified", changes[0].State)
	}
}

func TestRegisterChangeWithoutSpecReplaces(t *testing.T) {
	store1, _, cleanup := setupStoreTestDB(t)
	defer cleanup()

	if err := models.RegisterPeerChange(store1, "3", state.ItemModified, specPtr("mod:name@vfoo")); err != nil {
		t.Fatalf("failed to register change: %v", err)
	}
	// A spec-less registration replaces the row outright
	if err := models.RegisterPeerChange(store1, "3", state.ItemDeleted, nil); err != nil {
		t.Fatalf("failed to register delete: %v", err)
	}

	changes, err := models.GetRegisteredChanges(store1)
	if err != nil {
		t.Fatalf("failed to get changes: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected 1 row, got %d", len(changes))
	}
	if changes[0].State != state.ItemDeleted {
		t.Errorf("state = %v, want Deleted", changes[0].State)
	}
	if changes[0].ChangeSpec.Valid {
		t.Errorf("expected NULL change spec, got %q", changes[0].ChangeSpec.String)
	}
}

func TestMappingUpsert(t *testing.T) {
	store1, _, cleanup := setupStoreTestDB(t)
	defer cleanup()

	if err := models.SetMapping(store1, "guid-1", "100"); err != nil {
		t.Fatalf("failed to set mapping: %v", err)
	}
	luid, err := models.GetMappingLUID(store1, "guid-1")
	if err != nil {
		t.Fatalf("failed to resolve GUID: %v", err)
	}
	if luid != "100" {
		t.Errorf("luid = %q, want %q", luid, "100")
	}

	// Remapping the same GUID replaces the pairing
	if err := models.SetMapping(store1, "guid-1", "200"); err != nil {
		t.Fatalf("failed to remap: %v", err)
	}
	luid, err = models.GetMappingLUID(store1, "guid-1")
	if err != nil {
		t.Fatalf("failed to resolve GUID after remap: %v", err)
	}
	if luid != "200" {
		t.Errorf("luid = %q, want %q", luid, "200")
	}

	guid, err := models.GetMappingGUID(store1, "200")
	if err != nil {
		t.Fatalf("failed to resolve LUID: %v", err)
	}
	if guid != "guid-1" {
		t.Errorf("guid = %q, want %q", guid, "guid-1")
	}

	if _, err := models.GetMappingLUID(store1, "guid-absent"); !state.IsNotFound(err) {
		t.Errorf("expected not-found for unknown GUID, got %v", err)
	}
}

func TestBindingAnchors(t *testing.T) {
	store1, _, cleanup := setupStoreTestDB(t)
	defer cleanup()

	if err := models.UpdateBindingAnchors(store1, "1001", "1002"); err != nil {
		t.Fatalf("failed to update anchors: %v", err)
	}
	b, err := models.GetBinding(store1)
	if err != nil {
		t.Fatalf("failed to get binding: %v", err)
	}
	if b == nil {
		t.Fatal("expected a binding")
	}
	if !b.SourceAnchor.Valid || b.SourceAnchor.String != "1001" {
		t.Errorf("source anchor = %v, want 1001", b.SourceAnchor)
	}
	if !b.TargetAnchor.Valid || b.TargetAnchor.String != "1002" {
		t.Errorf("target anchor = %v, want 1002", b.TargetAnchor)
	}
}
