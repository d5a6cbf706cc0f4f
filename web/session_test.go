package web_test

import (
	"testing"
	"time"

	"syncml/state"
	"syncml/web"
)

func TestSessionRegistryRoundTrip(t *testing.T) {
	reg := web.NewSessionRegistry(time.Minute)
	key := reg.NewKey()
	if key == "" {
		t.Fatal("expected a non-empty session key")
	}

	session := state.NewSession(true)
	session.ID = 7
	session.MsgID = 3
	session.PeerID = "syncml:phone"
	session.AuthAccepted = true
	session.DSStates["./notes"] = state.NewDatastoreState(state.SyncTwoWay)
	session.DSStates["./notes"].NextAnchor = "1500"
	session.DSStates["./notes"].PeerURI = "note"

	if err := reg.Put(key, session); err != nil {
		t.Fatalf("failed to store session: %v", err)
	}

	restored, err := reg.Get(key)
	if err != nil {
		t.Fatalf("failed to restore session: %v", err)
	}
	if restored == nil {
		t.Fatal("expected a restored session")
	}
	if restored.ID != 7 || restored.MsgID != 3 {
		t.Errorf("expected session 7 msg 3, got session %d msg %d", restored.ID, restored.MsgID)
	}
	if restored.PeerID != "syncml:phone" {
		t.Errorf("unexpected peer ID %q", restored.PeerID)
	}
	if !restored.AuthAccepted {
		t.Error("expected auth flag to survive the round trip")
	}
	ds, ok := restored.DSStates["./notes"]
	if !ok {
		t.Fatal("expected the datastore state to survive the round trip")
	}
	if ds.NextAnchor != "1500" || ds.PeerURI != "note" {
		t.Errorf("unexpected datastore state %+v", ds)
	}
}

func TestSessionRegistryUnknownKey(t *testing.T) {
	reg := web.NewSessionRegistry(time.Minute)
	session, err := reg.Get("no-such-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session != nil {
		t.Error("expected nil for an unknown key")
	}
}

func TestSessionRegistryExpiry(t *testing.T) {
	reg := web.NewSessionRegistry(10 * time.Millisecond)
	key := reg.NewKey()
	if err := reg.Put(key, state.NewSession(true)); err != nil {
		t.Fatalf("failed to store session: %v", err)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected 1 live session, got %d", reg.Len())
	}

	time.Sleep(25 * time.Millisecond)

	session, err := reg.Get(key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session != nil {
		t.Error("expected the session to expire")
	}
	if reg.Len() != 0 {
		t.Errorf("expected 0 live sessions, got %d", reg.Len())
	}
}

func TestSessionRegistryDelete(t *testing.T) {
	reg := web.NewSessionRegistry(time.Minute)
	key := reg.NewKey()
	if err := reg.Put(key, state.NewSession(true)); err != nil {
		t.Fatalf("failed to store session: %v", err)
	}
	reg.Delete(key)
	if reg.Len() != 0 {
		t.Errorf("expected 0 live sessions after delete, got %d", reg.Len())
	}
}
