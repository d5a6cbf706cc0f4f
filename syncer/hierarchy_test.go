package syncer_test

import (
	"os"
	"testing"

	"syncml/agent"
	"syncml/models"
	"syncml/router"
	"syncml/state"
	"syncml/syncer"
)

// setupHierarchySyncer wires an in-memory file/folder agent to a peer
// file store.
func setupHierarchySyncer(t *testing.T) (*syncer.Synchronizer, *agent.FilesystemAgent, func()) {
	t.Helper()

	os.Remove("./test_hier.ddb")
	os.Remove("./test_hier.ddb.wal")

	if err := models.InitTestDB("./test_hier.ddb"); err != nil {
		t.Fatalf("failed to initialize test database: %v", err)
	}
	cleanup := func() {
		models.CloseDB()
		os.Remove("./test_hier.ddb")
		os.Remove("./test_hier.ddb.wal")
	}

	local := &models.Adapter{Name: "local", IsLocal: true}
	if err := models.CreateAdapter(local); err != nil {
		t.Fatalf("failed to create local adapter: %v", err)
	}
	peer := &models.Adapter{Name: "peer", DevID: "syncml:peer"}
	if err := models.CreateAdapter(peer); err != nil {
		t.Fatalf("failed to create peer adapter: %v", err)
	}

	fs := agent.NewFilesystemAgent()
	localStore := &models.Store{
		AdapterID:    local.ID,
		URI:          "./files",
		SyncTypes:    []state.SyncType{state.SyncTwoWay, state.SyncSlowSync},
		Hierarchical: true,
		ContentTypes: fs.ContentTypes(),
	}
	if err := models.UpsertStore(localStore); err != nil {
		t.Fatalf("failed to create local store: %v", err)
	}
	peerStore := &models.Store{
		AdapterID:    peer.ID,
		URI:          "file",
		SyncTypes:    []state.SyncType{state.SyncTwoWay, state.SyncSlowSync},
		Hierarchical: true,
		ContentTypes: []*state.ContentTypeInfo{
			{CType: state.TypeOMADSFolder, Versions: []string{"1.2"}, Preferred: true, Transmit: true, Receive: true},
			{CType: state.TypeOMADSFile, Versions: []string{"1.2"}, Transmit: true, Receive: true},
		},
	}
	if err := models.UpsertStore(peerStore); err != nil {
		t.Fatalf("failed to create peer store: %v", err)
	}

	rt := router.New(local.ID, peer.ID)
	if err := rt.AddRoute("./files", "file", false); err != nil {
		t.Fatalf("failed to add route: %v", err)
	}
	syn := syncer.New(local.ID, peer.ID, map[string]agent.Agent{"./files": fs}, rt, state.PolicyError)
	return syn, fs, cleanup
}

func hierDSState(mode state.SyncType, action string) *state.DatastoreState {
	ds := state.NewDatastoreState(mode)
	ds.PeerURI = "file"
	ds.LastAnchor = "100"
	ds.NextAnchor = "200"
	ds.Action = action
	return ds
}

func TestActionSendOrdersParentsFirst(t *testing.T) {
	syn, fs, cleanup := setupHierarchySyncer(t)
	defer cleanup()

	// The child folder is created before its parent so that plain
	// enumeration order would send it too early.
	child, err := fs.AddItem(&agent.FolderItem{Name: "child"})
	if err != nil {
		t.Fatalf("failed to add folder: %v", err)
	}
	parent, err := fs.AddItem(&agent.FolderItem{Name: "parent"})
	if err != nil {
		t.Fatalf("failed to add folder: %v", err)
	}
	child.(*agent.FolderItem).ParentID = parent.ID()
	leaf, err := fs.AddItem(&agent.FileItem{Name: "leaf.txt", ParentID: child.ID()})
	if err != nil {
		t.Fatalf("failed to add file: %v", err)
	}

	session := state.NewSession(false)
	session.DSStates["./files"] = hierDSState(state.SyncSlowSync, state.ActionSend)

	cmds, err := syn.Actions(session)
	if err != nil {
		t.Fatalf("failed to run action phase: %v", err)
	}
	sync := cmds[0]
	if len(sync.Commands) != 3 {
		t.Fatalf("got %d item commands, want 3", len(sync.Commands))
	}

	pos := map[string]int{}
	for i, sub := range sync.Commands {
		pos[sub.Source] = i
	}
	if pos[parent.ID()] > pos[child.ID()] {
		t.Errorf("parent folder sent at %d, after child at %d", pos[parent.ID()], pos[child.ID()])
	}
	if pos[child.ID()] > pos[leaf.ID()] {
		t.Errorf("child folder sent at %d, after leaf at %d", pos[child.ID()], pos[leaf.ID()])
	}
	for _, sub := range sync.Commands {
		if sub.Source == parent.ID() && sub.SourceParent != "" {
			t.Errorf("root folder should carry no parent, got %q", sub.SourceParent)
		}
		if sub.Source == leaf.ID() && sub.SourceParent != child.ID() {
			t.Errorf("leaf parent %q, want %q", sub.SourceParent, child.ID())
		}
	}
}

func TestActionSendDetectsParentCycle(t *testing.T) {
	syn, fs, cleanup := setupHierarchySyncer(t)
	defer cleanup()

	a, err := fs.AddItem(&agent.FolderItem{Name: "a"})
	if err != nil {
		t.Fatalf("failed to add folder: %v", err)
	}
	b, err := fs.AddItem(&agent.FolderItem{Name: "b", ParentID: a.ID()})
	if err != nil {
		t.Fatalf("failed to add folder: %v", err)
	}
	a.(*agent.FolderItem).ParentID = b.ID()

	session := state.NewSession(false)
	session.DSStates["./files"] = hierDSState(state.SyncSlowSync, state.ActionSend)

	if _, err := syn.Actions(session); err == nil {
		t.Fatalf("expected an error for a cyclic folder hierarchy")
	}
}

func TestReactionAddResolvesParents(t *testing.T) {
	syn, fs, cleanup := setupHierarchySyncer(t)
	defer cleanup()

	session := state.NewSession(false)
	session.DSStates["./files"] = hierDSState(state.SyncSlowSync, state.ActionRecv)

	folderData, folderCT, _, err := fs.DumpItem(&agent.FolderItem{Name: "docs"}, state.TypeOMADSFolder, "1.2")
	if err != nil {
		t.Fatalf("failed to serialize folder: %v", err)
	}
	fileData, fileCT, _, err := fs.DumpItem(&agent.FileItem{Name: "a.txt", Body: "hi"}, state.TypeOMADSFile, "1.2")
	if err != nil {
		t.Fatalf("failed to serialize file: %v", err)
	}

	env := &state.Command{
		Name:   state.CmdSync,
		CmdID:  "1",
		MsgID:  "2",
		Source: "file",
		Target: "./files",
		Commands: []*state.Command{
			{Name: state.CmdAdd, CmdID: "3", MsgID: "2", Source: "P1", Type: folderCT, Data: string(folderData)},
			{Name: state.CmdAdd, CmdID: "4", MsgID: "2", Source: "F1", SourceParent: "P1", Type: fileCT, Data: string(fileData)},
		},
	}
	cmds, err := syn.Reactions(session, []*state.Command{env})
	if err != nil {
		t.Fatalf("failed to run reaction phase: %v", err)
	}

	var mapped []state.MapItem
	for _, cmd := range cmds {
		if cmd.Name == state.CmdMap {
			mapped = append(mapped, cmd.MapItems...)
		}
	}
	if len(mapped) != 2 {
		t.Fatalf("got %d map items, want 2", len(mapped))
	}
	byGUID := map[string]string{}
	for _, m := range mapped {
		byGUID[m.Target] = m.Source
	}
	file, err := fs.GetItem(byGUID["F1"])
	if err != nil {
		t.Fatalf("failed to fetch added file: %v", err)
	}
	if file.(*agent.FileItem).ParentID != byGUID["P1"] {
		t.Errorf("file parent %q, want folder id %q", file.(*agent.FileItem).ParentID, byGUID["P1"])
	}
}
