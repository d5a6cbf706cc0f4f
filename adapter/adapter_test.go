package adapter_test

import (
	"context"
	"os"
	"strings"
	"testing"

	"syncml/adapter"
	"syncml/agent"
	"syncml/models"
	"syncml/protocol"
	"syncml/router"
	"syncml/state"
	"syncml/syncer"
)

type fixture struct {
	local       *models.Adapter
	peer        *models.Adapter
	syn         *syncer.Synchronizer
	proto       *protocol.Protocol
	peerStoreID int64
}

func setupAdapter(t *testing.T) (*fixture, func()) {
	t.Helper()

	os.Remove("./test_adapter.ddb")
	os.Remove("./test_adapter.ddb.wal")

	if err := models.InitTestDB("./test_adapter.ddb"); err != nil {
		t.Fatalf("failed to initialize test database: %v", err)
	}
	cleanup := func() {
		models.CloseDB()
		os.Remove("./test_adapter.ddb")
		os.Remove("./test_adapter.ddb.wal")
	}

	local := &models.Adapter{Name: "local", DevID: "syncml:local", IsLocal: true}
	if err := models.CreateAdapter(local); err != nil {
		t.Fatalf("failed to create local adapter: %v", err)
	}
	peer := &models.Adapter{Name: "peer", DevID: "syncml:peer"}
	if err := models.CreateAdapter(peer); err != nil {
		t.Fatalf("failed to create peer adapter: %v", err)
	}

	for _, id := range []int64{local.ID, peer.ID} {
		info := &state.DeviceInfo{DevID: "syncml:local", DevType: "workstation"}
		if id == peer.ID {
			info.DevID = "syncml:peer"
		}
		if err := models.SaveDeviceInfo(id, info); err != nil {
			t.Fatalf("failed to save device info: %v", err)
		}
	}

	noteAgent := agent.NewNoteAgent()
	localStore := &models.Store{
		AdapterID:    local.ID,
		URI:          "./notes",
		SyncTypes:    []state.SyncType{state.SyncTwoWay, state.SyncSlowSync},
		ContentTypes: noteAgent.ContentTypes(),
	}
	if err := models.UpsertStore(localStore); err != nil {
		t.Fatalf("failed to create local store: %v", err)
	}
	peerStore := &models.Store{
		AdapterID: peer.ID,
		URI:       "note",
		SyncTypes: []state.SyncType{state.SyncTwoWay, state.SyncSlowSync},
		ContentTypes: []*state.ContentTypeInfo{
			{CType: state.TypeSIFNote, Versions: []string{"1.1"}, Preferred: true, Transmit: true, Receive: true},
		},
	}
	if err := models.UpsertStore(peerStore); err != nil {
		t.Fatalf("failed to create peer store: %v", err)
	}

	rt := router.New(local.ID, peer.ID)
	if err := rt.AddRoute("./notes", "note", false); err != nil {
		t.Fatalf("failed to add route: %v", err)
	}

	agents := map[string]agent.Agent{"./notes": noteAgent}
	syn := syncer.New(local.ID, peer.ID, agents, rt, state.PolicyError)
	return &fixture{
		local:       local,
		peer:        peer,
		syn:         syn,
		proto:       protocol.New(local, peer, syn),
		peerStoreID: peerStore.ID,
	}, cleanup
}

// scriptedTransport replays canned peer responses and records the
// requests it saw.
type scriptedTransport struct {
	t         *testing.T
	responses []string
	requests  []string
}

func (s *scriptedTransport) Exchange(_ context.Context, _ string, body []byte) ([]byte, error) {
	s.requests = append(s.requests, string(body))
	if len(s.requests) > len(s.responses) {
		s.t.Fatalf("unexpected request #%d:\n%s", len(s.requests), body)
	}
	return []byte(s.responses[len(s.requests)-1]), nil
}

func syncHdr(msgID string) string {
	return syncHdrSession("1", msgID)
}

func syncHdrSession(sessionID, msgID string) string {
	return `<SyncHdr><VerDTD>1.2</VerDTD><VerProto>SyncML/1.2</VerProto>` +
		`<SessionID>` + sessionID + `</SessionID><MsgID>` + msgID + `</MsgID>` +
		`<Source><LocURI>syncml:peer</LocURI></Source>` +
		`<Target><LocURI>syncml:local</LocURI></Target>` +
		`</SyncHdr>`
}

// TestSyncTwoWayReceivesAdd drives a full incremental session in which
// the peer pushes one new note down to us.
func TestSyncTwoWayReceivesAdd(t *testing.T) {
	f, cleanup := setupAdapter(t)
	defer cleanup()

	// anchor history makes the two-way request stick
	if err := models.UpdateBindingAnchors(f.peerStoreID, "100", "200"); err != nil {
		t.Fatalf("failed to seed anchors: %v", err)
	}

	sifNote := `<note><SIFVersion>1.1</SIFVersion><Subject>hello</Subject><Body>hello world</Body></note>`

	transport := &scriptedTransport{t: t, responses: []string{
		// round 1: accept the alert, send our own
		`<SyncML xmlns="SYNCML:SYNCML1.2">` + syncHdr("1") + `<SyncBody>` +
			`<Status><CmdID>1</CmdID><MsgRef>1</MsgRef><CmdRef>0</CmdRef><Cmd>SyncHdr</Cmd>` +
			`<SourceRef>syncml:local</SourceRef><TargetRef>syncml:peer</TargetRef><Data>200</Data></Status>` +
			`<Status><CmdID>2</CmdID><MsgRef>1</MsgRef><CmdRef>1</CmdRef><Cmd>Alert</Cmd>` +
			`<SourceRef>./notes</SourceRef><TargetRef>note</TargetRef><Data>200</Data></Status>` +
			`<Alert><CmdID>3</CmdID><Data>201</Data>` +
			`<Item><Source><LocURI>note</LocURI></Source><Target><LocURI>./notes</LocURI></Target>` +
			`<Meta><Anchor xmlns="syncml:metinf"><Last>200</Last><Next>5000</Next></Anchor></Meta></Item>` +
			`</Alert>` +
			`<Final></Final></SyncBody></SyncML>`,
		// round 2: accept the (empty) sync, push one added note
		`<SyncML xmlns="SYNCML:SYNCML1.2">` + syncHdr("2") + `<SyncBody>` +
			`<Status><CmdID>1</CmdID><MsgRef>2</MsgRef><CmdRef>0</CmdRef><Cmd>SyncHdr</Cmd><Data>200</Data></Status>` +
			`<Status><CmdID>2</CmdID><MsgRef>2</MsgRef><CmdRef>3</CmdRef><Cmd>Sync</Cmd>` +
			`<SourceRef>./notes</SourceRef><TargetRef>note</TargetRef><Data>200</Data></Status>` +
			`<Sync><CmdID>3</CmdID>` +
			`<Source><LocURI>note</LocURI></Source><Target><LocURI>./notes</LocURI></Target>` +
			`<NumberOfChanges>1</NumberOfChanges>` +
			`<Add><CmdID>4</CmdID>` +
			`<Meta><Type xmlns="syncml:metinf">text/x-s4j-sifn</Type></Meta>` +
			`<Item><Source><LocURI>G1</LocURI></Source><Data>` + sifNote + `</Data></Item>` +
			`</Add></Sync>` +
			`<Final></Final></SyncBody></SyncML>`,
		// round 3: acknowledge the mapping
		`<SyncML xmlns="SYNCML:SYNCML1.2">` + syncHdr("3") + `<SyncBody>` +
			`<Status><CmdID>1</CmdID><MsgRef>3</MsgRef><CmdRef>0</CmdRef><Cmd>SyncHdr</Cmd><Data>200</Data></Status>` +
			`<Status><CmdID>2</CmdID><MsgRef>3</MsgRef><CmdRef>4</CmdRef><Cmd>Map</Cmd>` +
			`<SourceRef>./notes</SourceRef><TargetRef>note</TargetRef><Data>200</Data></Status>` +
			`<Final></Final></SyncBody></SyncML>`,
	}}

	a := adapter.New(f.local, f.peer, f.syn, f.proto, transport)
	stats, err := a.Sync(context.Background(), 0)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	if len(transport.requests) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(transport.requests))
	}
	if !strings.Contains(transport.requests[0], "<Alert>") ||
		!strings.Contains(transport.requests[0], "<Data>201</Data>") ||
		!strings.Contains(transport.requests[0], "<Last>100</Last>") {
		t.Errorf("first request should alert two-way with our anchor:\n%s", transport.requests[0])
	}
	if !strings.Contains(transport.requests[1], "<Sync>") {
		t.Errorf("second request should carry our sync:\n%s", transport.requests[1])
	}
	if !strings.Contains(transport.requests[2], "<Map>") ||
		!strings.Contains(transport.requests[2], "<LocURI>G1</LocURI>") {
		t.Errorf("third request should map the added item:\n%s", transport.requests[2])
	}

	st := stats["./notes"]
	if st == nil {
		t.Fatalf("no statistics for ./notes: %v", stats)
	}
	if st.Mode != state.SyncTwoWay || st.HereAdd != 1 {
		t.Errorf("unexpected statistics: %+v", st)
	}

	if _, err := models.FindNoteByName("hello"); err != nil {
		t.Errorf("pushed note not stored: %v", err)
	}

	binding, err := models.GetBinding(f.peerStoreID)
	if err != nil || binding == nil {
		t.Fatalf("binding lost after sync: %v", err)
	}
	if !binding.TargetAnchor.Valid || binding.TargetAnchor.String != "5000" {
		t.Errorf("peer anchor not stored: %+v", binding.TargetAnchor)
	}
	if !binding.SourceAnchor.Valid || binding.SourceAnchor.String == "100" {
		t.Errorf("local anchor not advanced: %+v", binding.SourceAnchor)
	}

	peer, err := models.GetAdapterByID(f.peer.ID)
	if err != nil {
		t.Fatalf("failed to reload peer: %v", err)
	}
	if !peer.LastSessionID.Valid || peer.LastSessionID.String != "1" {
		t.Errorf("session id not stored: %+v", peer.LastSessionID)
	}
}

// TestSyncForcesSlowSyncWithoutAnchors covers the very first sync with
// a peer: no anchor history means the two-way request is downgraded.
func TestSyncForcesSlowSyncWithoutAnchors(t *testing.T) {
	f, cleanup := setupAdapter(t)
	defer cleanup()

	transport := &scriptedTransport{t: t, responses: []string{
		`<SyncML xmlns="SYNCML:SYNCML1.2">` + syncHdr("1") + `<SyncBody>` +
			`<Status><CmdID>1</CmdID><MsgRef>1</MsgRef><CmdRef>0</CmdRef><Cmd>SyncHdr</Cmd><Data>200</Data></Status>` +
			`<Status><CmdID>2</CmdID><MsgRef>1</MsgRef><CmdRef>1</CmdRef><Cmd>Alert</Cmd>` +
			`<SourceRef>./notes</SourceRef><TargetRef>note</TargetRef><Data>200</Data></Status>` +
			`<Alert><CmdID>3</CmdID><Data>202</Data>` +
			`<Item><Source><LocURI>note</LocURI></Source><Target><LocURI>./notes</LocURI></Target>` +
			`<Meta><Anchor xmlns="syncml:metinf"><Next>5000</Next></Anchor></Meta></Item>` +
			`</Alert>` +
			`<Final></Final></SyncBody></SyncML>`,
		`<SyncML xmlns="SYNCML:SYNCML1.2">` + syncHdr("2") + `<SyncBody>` +
			`<Status><CmdID>1</CmdID><MsgRef>2</MsgRef><CmdRef>0</CmdRef><Cmd>SyncHdr</Cmd><Data>200</Data></Status>` +
			`<Status><CmdID>2</CmdID><MsgRef>2</MsgRef><CmdRef>3</CmdRef><Cmd>Sync</Cmd>` +
			`<SourceRef>./notes</SourceRef><TargetRef>note</TargetRef><Data>200</Data></Status>` +
			`<Sync><CmdID>3</CmdID>` +
			`<Source><LocURI>note</LocURI></Source><Target><LocURI>./notes</LocURI></Target>` +
			`<NumberOfChanges>0</NumberOfChanges></Sync>` +
			`<Final></Final></SyncBody></SyncML>`,
		`<SyncML xmlns="SYNCML:SYNCML1.2">` + syncHdr("3") + `<SyncBody>` +
			`<Status><CmdID>1</CmdID><MsgRef>3</MsgRef><CmdRef>0</CmdRef><Cmd>SyncHdr</Cmd><Data>200</Data></Status>` +
			`<Final></Final></SyncBody></SyncML>`,
	}}

	a := adapter.New(f.local, f.peer, f.syn, f.proto, transport)
	stats, err := a.Sync(context.Background(), state.SyncTwoWay)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	if !strings.Contains(transport.requests[0], "<Data>202</Data>") {
		t.Errorf("first request should alert slow-sync:\n%s", transport.requests[0])
	}
	st := stats["./notes"]
	if st == nil || st.Mode != state.SyncSlowSync {
		t.Errorf("expected slow-sync statistics, got %+v", st)
	}
}

// quietSessionScript builds the peer's side of a two-way session in
// which neither side has anything to send.
func quietSessionScript(sessionID, peerLast, peerNext string) []string {
	return []string{
		`<SyncML xmlns="SYNCML:SYNCML1.2">` + syncHdrSession(sessionID, "1") + `<SyncBody>` +
			`<Status><CmdID>1</CmdID><MsgRef>1</MsgRef><CmdRef>0</CmdRef><Cmd>SyncHdr</Cmd><Data>200</Data></Status>` +
			`<Status><CmdID>2</CmdID><MsgRef>1</MsgRef><CmdRef>1</CmdRef><Cmd>Alert</Cmd>` +
			`<SourceRef>./notes</SourceRef><TargetRef>note</TargetRef><Data>200</Data></Status>` +
			`<Alert><CmdID>3</CmdID><Data>201</Data>` +
			`<Item><Source><LocURI>note</LocURI></Source><Target><LocURI>./notes</LocURI></Target>` +
			`<Meta><Anchor xmlns="syncml:metinf"><Last>` + peerLast + `</Last><Next>` + peerNext + `</Next></Anchor></Meta></Item>` +
			`</Alert>` +
			`<Final></Final></SyncBody></SyncML>`,
		`<SyncML xmlns="SYNCML:SYNCML1.2">` + syncHdrSession(sessionID, "2") + `<SyncBody>` +
			`<Status><CmdID>1</CmdID><MsgRef>2</MsgRef><CmdRef>0</CmdRef><Cmd>SyncHdr</Cmd><Data>200</Data></Status>` +
			`<Status><CmdID>2</CmdID><MsgRef>2</MsgRef><CmdRef>3</CmdRef><Cmd>Sync</Cmd>` +
			`<SourceRef>./notes</SourceRef><TargetRef>note</TargetRef><Data>200</Data></Status>` +
			`<Sync><CmdID>3</CmdID>` +
			`<Source><LocURI>note</LocURI></Source><Target><LocURI>./notes</LocURI></Target>` +
			`<NumberOfChanges>0</NumberOfChanges></Sync>` +
			`<Final></Final></SyncBody></SyncML>`,
		`<SyncML xmlns="SYNCML:SYNCML1.2">` + syncHdrSession(sessionID, "3") + `<SyncBody>` +
			`<Status><CmdID>1</CmdID><MsgRef>3</MsgRef><CmdRef>0</CmdRef><Cmd>SyncHdr</Cmd><Data>200</Data></Status>` +
			`<Final></Final></SyncBody></SyncML>`,
	}
}

// TestSyncTwoWayNoChangesIsIdempotent re-runs a quiet two-way session
// and checks that the second pass transfers nothing: an already-synced
// note stays mapped, no change rows appear, and every counter is zero.
func TestSyncTwoWayNoChangesIsIdempotent(t *testing.T) {
	f, cleanup := setupAdapter(t)
	defer cleanup()

	if err := models.UpdateBindingAnchors(f.peerStoreID, "100", "200"); err != nil {
		t.Fatalf("failed to seed anchors: %v", err)
	}

	// one note already known to both sides, no pending change
	noteAgent := agent.NewNoteAgent()
	settled, err := noteAgent.AddItem(&agent.NoteItem{Name: "settled", Body: "already synced"})
	if err != nil {
		t.Fatalf("failed to add note: %v", err)
	}
	if err := models.SetMapping(f.peerStoreID, settled.ID(), "L1"); err != nil {
		t.Fatalf("failed to set mapping: %v", err)
	}

	transport := &scriptedTransport{t: t, responses: quietSessionScript("1", "200", "5000")}
	a := adapter.New(f.local, f.peer, f.syn, f.proto, transport)
	stats, err := a.Sync(context.Background(), 0)
	if err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	st := stats["./notes"]
	if st == nil || st.Mode != state.SyncTwoWay || !st.Zero() {
		t.Fatalf("quiet sync should transfer nothing, got %+v", st)
	}
	if len(transport.requests) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(transport.requests))
	}
	if !strings.Contains(transport.requests[0], "<Data>201</Data>") ||
		!strings.Contains(transport.requests[0], "<Last>100</Last>") {
		t.Errorf("first request should alert two-way with our anchor:\n%s", transport.requests[0])
	}
	if !strings.Contains(transport.requests[1], "<NumberOfChanges>0</NumberOfChanges>") {
		t.Errorf("quiet sync should declare zero changes:\n%s", transport.requests[1])
	}

	// second run: a fresh adapter over the stored anchors, exactly as a
	// scheduled re-sync would start
	peer, err := models.GetAdapterByID(f.peer.ID)
	if err != nil {
		t.Fatalf("failed to reload peer: %v", err)
	}
	transport = &scriptedTransport{t: t, responses: quietSessionScript("2", "5000", "6000")}
	a = adapter.New(f.local, peer, f.syn, f.proto, transport)
	stats, err = a.Sync(context.Background(), 0)
	if err != nil {
		t.Fatalf("re-sync failed: %v", err)
	}
	st = stats["./notes"]
	if st == nil || !st.Zero() {
		t.Fatalf("re-sync should transfer nothing, got %+v", st)
	}
	if st.Mode != state.SyncTwoWay {
		t.Errorf("re-sync downgraded to %s", st.Mode.String())
	}
	if !strings.Contains(transport.requests[0], "<SessionID>2</SessionID>") {
		t.Errorf("re-sync should open a new session:\n%s", transport.requests[0])
	}
	if !strings.Contains(transport.requests[1], "<NumberOfChanges>0</NumberOfChanges>") {
		t.Errorf("re-sync should declare zero changes:\n%s", transport.requests[1])
	}

	luid, err := models.GetMappingLUID(f.peerStoreID, settled.ID())
	if err != nil || luid != "L1" {
		t.Errorf("mapping after re-sync %q, %v; want L1", luid, err)
	}
	if _, err := models.GetChange(f.peerStoreID, settled.ID()); !state.IsNotFound(err) {
		t.Errorf("re-sync should leave no pending change, got %v", err)
	}
	binding, err := models.GetBinding(f.peerStoreID)
	if err != nil || binding == nil {
		t.Fatalf("binding lost after re-sync: %v", err)
	}
	if !binding.TargetAnchor.Valid || binding.TargetAnchor.String != "6000" {
		t.Errorf("peer anchor not advanced: %+v", binding.TargetAnchor)
	}
}
