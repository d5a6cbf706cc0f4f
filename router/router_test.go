package router_test

import (
	"os"
	"testing"

	"syncml/agent"
	"syncml/models"
	"syncml/router"
	"syncml/state"
)

func ct(ctype string, preferred bool, versions ...string) *state.ContentTypeInfo {
	return &state.ContentTypeInfo{
		CType: ctype, Versions: versions,
		Preferred: preferred, Transmit: true, Receive: true,
	}
}

func TestPickTransmitContentType(t *testing.T) {
	source := &router.DataStore{URI: "./notes", ContentTypes: []*state.ContentTypeInfo{
		ct(state.TypeSIFNote, true, "1.1"),
		ct(state.TypeSIFNote, false, "1.0"),
		ct(state.TypeTextPlain, false, "1.1", "1.0"),
	}}

	cases := []struct {
		name        string
		target      []*state.ContentTypeInfo
		wantCType   string
		wantVersion string
	}{
		{
			name:        "BothPreferredWins",
			target:      []*state.ContentTypeInfo{ct(state.TypeTextPlain, false, "1.0"), ct(state.TypeSIFNote, true, "1.1")},
			wantCType:   state.TypeSIFNote,
			wantVersion: "1.1",
		},
		{
			name:        "FallsBackToUnpreferred",
			target:      []*state.ContentTypeInfo{ct(state.TypeTextPlain, false, "1.0")},
			wantCType:   state.TypeTextPlain,
			wantVersion: "1.0",
		},
		{
			// Versions are tried from the tail of the list.
			name:        "VersionFromListTail",
			target:      []*state.ContentTypeInfo{ct(state.TypeTextPlain, false, "1.1", "1.0")},
			wantCType:   state.TypeTextPlain,
			wantVersion: "1.0",
		},
		{
			name:        "PreferredVersionMismatchStillMatchesType",
			target:      []*state.ContentTypeInfo{ct(state.TypeSIFNote, true, "1.2")},
			wantCType:   state.TypeSIFNote,
			wantVersion: "1.1",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := router.PickTransmitContentType(source, &router.DataStore{URI: "note", ContentTypes: tc.target})
			if got == nil {
				t.Fatalf("expected a content type, got nil")
			}
			if got.CType != tc.wantCType || got.Version != tc.wantVersion {
				t.Errorf("got %s/%s, want %s/%s", got.CType, got.Version, tc.wantCType, tc.wantVersion)
			}
		})
	}

	got := router.PickTransmitContentType(source, &router.DataStore{URI: "file", ContentTypes: []*state.ContentTypeInfo{
		ct(state.TypeOMADSFile, true, "1.2"),
	}})
	if got != nil {
		t.Errorf("expected no content type for incompatible stores, got %s/%s", got.CType, got.Version)
	}
}

func TestCmpDataStore(t *testing.T) {
	notes := &router.DataStore{URI: "./notes", ContentTypes: []*state.ContentTypeInfo{ct(state.TypeSIFNote, true, "1.1")}}
	files := &router.DataStore{URI: "./files", ContentTypes: []*state.ContentTypeInfo{ct(state.TypeOMADSFile, true, "1.2")}}
	peerNote := &router.DataStore{URI: "note", ContentTypes: []*state.ContentTypeInfo{ct(state.TypeSIFNote, true, "1.1")}}
	peerFile := &router.DataStore{URI: "file", ContentTypes: []*state.ContentTypeInfo{ct(state.TypeOMADSFile, true, "1.2")}}

	if got := router.CmpDataStore(notes, peerNote, peerFile); got != -1 {
		t.Errorf("content-type match should rank first: got %d, want -1", got)
	}
	if got := router.CmpDataStore(files, peerNote, peerFile); got != 1 {
		t.Errorf("content-type match should rank second: got %d, want 1", got)
	}

	// Same content types everywhere: URI closeness decides.
	a := &router.DataStore{URI: "./contacts", ContentTypes: []*state.ContentTypeInfo{ct(state.TypeTextPlain, true, "1.0")}}
	b1 := &router.DataStore{URI: "contacts", ContentTypes: []*state.ContentTypeInfo{ct(state.TypeTextPlain, true, "1.0")}}
	b2 := &router.DataStore{URI: "calendar", ContentTypes: []*state.ContentTypeInfo{ct(state.TypeTextPlain, true, "1.0")}}
	if got := router.CmpDataStore(a, b1, b2); got != -1 {
		t.Errorf("closer URI should win: got %d, want -1", got)
	}
	if got := router.CmpDataStore(a, b2, b1); got != 1 {
		t.Errorf("closer URI should win: got %d, want 1", got)
	}
}

func TestMatchStable(t *testing.T) {
	prefer := func(order map[string]int) router.CmpFunc {
		return func(_, c1, c2 string) int {
			switch {
			case order[c1] < order[c2]:
				return -1
			case order[c1] > order[c2]:
				return 1
			}
			return 0
		}
	}

	pairs, err := router.Match(
		[]string{"./notes", "./files"},
		[]string{"note", "file"},
		func(a, b1, b2 string) int {
			if a == "./notes" {
				return prefer(map[string]int{"note": 0, "file": 1})(a, b1, b2)
			}
			return prefer(map[string]int{"file": 0, "note": 1})(a, b1, b2)
		},
		func(b, a1, a2 string) int {
			if b == "note" {
				return prefer(map[string]int{"./notes": 0, "./files": 1})(b, a1, a2)
			}
			return prefer(map[string]int{"./files": 0, "./notes": 1})(b, a1, a2)
		})
	if err != nil {
		t.Fatalf("failed to match: %v", err)
	}
	if len(pairs) != 2 {
		t.Fatalf("got %d pairs, want 2", len(pairs))
	}
	want := map[string]string{"./notes": "note", "./files": "file"}
	for _, pair := range pairs {
		if want[pair[0]] != pair[1] {
			t.Errorf("pair %s -> %s, want %s", pair[0], pair[1], want[pair[0]])
		}
	}
}

// setupRouterTestDB creates a local adapter with note and file stores
// plus one peer advertising compatible stores, with no bindings yet.
func setupRouterTestDB(t *testing.T) (localID, peerID int64, cleanup func()) {
	t.Helper()

	os.Remove("./test_router.ddb")
	os.Remove("./test_router.ddb.wal")

	if err := models.InitTestDB("./test_router.ddb"); err != nil {
		t.Fatalf("failed to initialize test database: %v", err)
	}
	cleanup = func() {
		models.CloseDB()
		os.Remove("./test_router.ddb")
		os.Remove("./test_router.ddb.wal")
	}

	local := &models.Adapter{Name: "local", IsLocal: true}
	if err := models.CreateAdapter(local); err != nil {
		t.Fatalf("failed to create local adapter: %v", err)
	}
	peer := &models.Adapter{Name: "peer", DevID: "syncml:peer"}
	if err := models.CreateAdapter(peer); err != nil {
		t.Fatalf("failed to create peer adapter: %v", err)
	}

	stores := []*models.Store{
		{AdapterID: local.ID, URI: "./notes", SyncTypes: []state.SyncType{state.SyncTwoWay},
			ContentTypes: agent.NewNoteAgent().ContentTypes()},
		{AdapterID: local.ID, URI: "./files", SyncTypes: []state.SyncType{state.SyncTwoWay},
			ContentTypes: agent.NewFilesystemAgent().ContentTypes()},
		{AdapterID: peer.ID, URI: "note", SyncTypes: []state.SyncType{state.SyncTwoWay},
			ContentTypes: []*state.ContentTypeInfo{ct(state.TypeSIFNote, true, "1.1")}},
		{AdapterID: peer.ID, URI: "file", SyncTypes: []state.SyncType{state.SyncTwoWay},
			ContentTypes: []*state.ContentTypeInfo{ct(state.TypeOMADSFile, true, "1.2")}},
	}
	for _, s := range stores {
		if err := models.UpsertStore(s); err != nil {
			t.Fatalf("failed to create store %s: %v", s.URI, err)
		}
	}
	return local.ID, peer.ID, cleanup
}

func TestRouterRecalculate(t *testing.T) {
	localID, peerID, cleanup := setupRouterTestDB(t)
	defer cleanup()

	r := router.New(localID, peerID)
	session := state.NewSession(false)
	session.Mode = state.SyncTwoWay
	agents := map[string]agent.Agent{
		"./notes": agent.NewNoteAgent(),
		"./files": agent.NewFilesystemAgent(),
	}

	if err := r.Recalculate(session, agents); err != nil {
		t.Fatalf("failed to recalculate routes: %v", err)
	}

	target, err := r.GetTargetURI("./notes", true)
	if err != nil {
		t.Fatalf("failed to resolve note route: %v", err)
	}
	if target != "note" {
		t.Errorf("note route resolved to %q, want %q", target, "note")
	}
	target, err = r.GetTargetURI("./files", true)
	if err != nil {
		t.Fatalf("failed to resolve file route: %v", err)
	}
	if target != "file" {
		t.Errorf("file route resolved to %q, want %q", target, "file")
	}
	source, err := r.GetSourceURI("note", true)
	if err != nil {
		t.Fatalf("failed to reverse note route: %v", err)
	}
	if source != "./notes" {
		t.Errorf("reverse note route resolved to %q, want %q", source, "./notes")
	}

	if len(session.DSStates) != 2 {
		t.Fatalf("got %d datastore states, want 2", len(session.DSStates))
	}
	ds, ok := session.DSStates["./notes"]
	if !ok {
		t.Fatalf("missing datastore state for ./notes")
	}
	if ds.Mode != state.SyncSlowSync {
		t.Errorf("new pairing should force slow sync, got mode %v", ds.Mode)
	}
	if ds.PeerURI != "note" {
		t.Errorf("datastore state peer URI %q, want %q", ds.PeerURI, "note")
	}
	if ds.NextAnchor == "" {
		t.Errorf("expected a next anchor to be assigned")
	}
	if ds.Action != state.ActionAlert {
		t.Errorf("datastore state action %q, want %q", ds.Action, state.ActionAlert)
	}

	// A second pass with unchanged pairings keeps the existing states.
	ds.Stats.HereAdd = 3
	if err := r.Recalculate(session, agents); err != nil {
		t.Fatalf("failed to recalculate routes: %v", err)
	}
	if got := session.DSStates["./notes"]; got != ds {
		t.Errorf("unchanged pairing should retain its datastore state")
	}
}

func TestRouterManualRoute(t *testing.T) {
	localID, peerID, cleanup := setupRouterTestDB(t)
	defer cleanup()

	r := router.New(localID, peerID)
	if err := r.AddRoute("./notes", "file", false); err != nil {
		t.Fatalf("failed to add manual route: %v", err)
	}
	target, err := r.GetTargetURI("./notes", true)
	if err != nil {
		t.Fatalf("failed to resolve manual route: %v", err)
	}
	if target != "file" {
		t.Errorf("manual route resolved to %q, want %q", target, "file")
	}

	if err := r.AddRoute("./notes", "nope", false); err == nil {
		t.Errorf("expected an error routing to an unknown peer store")
	}
}

func TestRouterBestTransmitContentType(t *testing.T) {
	localID, peerID, cleanup := setupRouterTestDB(t)
	defer cleanup()

	r := router.New(localID, peerID)
	if err := r.AddRoute("./notes", "note", false); err != nil {
		t.Fatalf("failed to add route: %v", err)
	}
	best, err := r.GetBestTransmitContentType("./notes")
	if err != nil {
		t.Fatalf("failed to negotiate content type: %v", err)
	}
	if best.CType != state.TypeSIFNote || best.Version != "1.1" {
		t.Errorf("negotiated %s/%s, want %s/1.1", best.CType, best.Version, state.TypeSIFNote)
	}
}
