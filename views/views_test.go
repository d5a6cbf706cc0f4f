package views

import (
	"database/sql"
	"strings"
	"testing"
	"time"

	"syncml/models"
	"syncml/state"
)

func sampleData() DashboardData {
	local := &models.Adapter{
		ID:      1,
		DevID:   "syncml:local",
		Name:    "workstation",
		IsLocal: true,
	}
	peer := &models.Adapter{
		ID:             2,
		DevID:          "syncml:phone",
		Name:           "phone",
		LastSessionID:  sql.NullString{String: "4", Valid: true},
		ConflictPolicy: state.PolicyServerWins,
	}
	return DashboardData{
		Local:  local,
		Stores: []*models.Store{{ID: 1, AdapterID: 1, URI: "./notes"}},
		Peers: []PeerRow{{
			Peer: peer,
			Stores: []StoreRow{{
				Store: &models.Store{ID: 2, AdapterID: 2, URI: "note"},
				Binding: &models.Binding{
					StoreID:      2,
					URI:          "./notes",
					SourceAnchor: sql.NullString{String: "1400", Valid: true},
					TargetAnchor: sql.NullString{String: "1500", Valid: true},
				},
			}},
		}},
		Notes: []*models.Note{
			{ID: 1, Name: "groceries", UpdatedAt: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)},
		},
	}
}

func TestRenderDashboardStructure(t *testing.T) {
	html := RenderDashboard(sampleData())

	if !strings.Contains(html, "<html") {
		t.Error("Dashboard should contain html tag")
	}
	if !strings.Contains(html, "<title>SyncML</title>") {
		t.Error("Dashboard should contain correct title")
	}
	if !strings.Contains(html, "<style>") {
		t.Error("Dashboard should inline its styles")
	}
	// No external assets besides the favicon route
	if strings.Contains(html, "<script") {
		t.Error("Dashboard should not include scripts")
	}
	if strings.Contains(html, `rel="stylesheet"`) {
		t.Error("Dashboard should not link external stylesheets")
	}
}

func TestRenderDashboardContent(t *testing.T) {
	html := RenderDashboard(sampleData())

	for _, want := range []string{
		"syncml:local",
		"workstation",
		"syncml:phone",
		"phone",
		"server-wins",
		"session 4",
		"./notes",
		"local 1400 / peer 1500",
		"groceries",
		"2026-03-01 09:30",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("Dashboard should contain %q", want)
		}
	}
}

func TestRenderDashboardEmpty(t *testing.T) {
	data := sampleData()
	data.Peers = nil
	data.Notes = nil
	data.Stores = nil
	html := RenderDashboard(data)

	if !strings.Contains(html, "No peers have synchronized") {
		t.Error("Dashboard should show the empty peers state")
	}
	if !strings.Contains(html, "No notes yet.") {
		t.Error("Dashboard should show the empty notes state")
	}
	if !strings.Contains(html, "Known Peers (0)") {
		t.Error("Dashboard should show a zero peer count")
	}
}

func TestRenderDashboardUnboundStore(t *testing.T) {
	data := sampleData()
	data.Peers[0].Stores[0].Binding = nil
	html := RenderDashboard(data)

	if !strings.Contains(html, "unbound") {
		t.Error("Dashboard should mark stores without a binding as unbound")
	}
}
