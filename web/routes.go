package web

import (
	"net/http"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/rweb"
	"github.com/rohanthewiz/serr"

	"syncml/models"
	"syncml/views"
)

// setupRoutes configures all application routes
func setupRoutes(s *rweb.Server, h *syncHandler) {
	// SyncML endpoint - peers POST sessions here
	s.Post("/syncml", h.HandleSyncML)

	// Status dashboard - HTML response
	s.Get("/", dashboardPage)

	// Admin API - JSON responses
	s.Post("/api/v1/auth/login", Login)

	s.Post("/api/v1/sync", RequireAuth(h.TriggerSync))

	s.Get("/api/v1/peers", RequireAuth(ListPeers))
	s.Get("/api/v1/peers/:id", RequireAuth(GetPeer))
	s.Put("/api/v1/peers/:id/policy", RequireAuth(SetPeerPolicy))
	s.Put("/api/v1/peers/:id/credentials", RequireAuth(SetPeerCredentials))
	s.Delete("/api/v1/peers/:id", RequireAuth(DeletePeer))

	s.Get("/api/v1/notes", RequireAuth(ListNotes))
	s.Get("/api/v1/notes/:id", RequireAuth(GetNote))
	s.Post("/api/v1/notes", RequireAuth(CreateNote))
	s.Put("/api/v1/notes/:id", RequireAuth(UpdateNote))
	s.Delete("/api/v1/notes/:id", RequireAuth(DeleteNote))
}

// dashboardPage renders the status page with the local device, known
// peers with their bindings and anchors, and the current notes.
func dashboardPage(ctx rweb.Context) error {
	data, err := buildDashboardData()
	if err != nil {
		logger.LogErr(serr.Wrap(err, "failed to build dashboard"), "dashboard error")
		ctx.SetStatus(http.StatusInternalServerError)
		return ctx.WriteHTML("<h1>Internal error</h1>")
	}

	ctx.Response().SetHeader("Content-Type", "text/html; charset=utf-8")
	return ctx.WriteHTML(views.RenderDashboard(*data))
}

func buildDashboardData() (*views.DashboardData, error) {
	local, err := models.GetLocalAdapter()
	if err != nil {
		return nil, serr.Wrap(err, "no local adapter")
	}
	stores, err := models.GetStores(local.ID)
	if err != nil {
		return nil, err
	}
	peers, err := models.GetKnownPeers()
	if err != nil {
		return nil, err
	}

	data := &views.DashboardData{Local: local, Stores: stores}
	for _, peer := range peers {
		row := views.PeerRow{Peer: peer}
		peerStores, err := models.GetStores(peer.ID)
		if err != nil {
			return nil, err
		}
		for _, store := range peerStores {
			binding, err := models.GetBinding(store.ID)
			if err != nil {
				return nil, err
			}
			row.Stores = append(row.Stores, views.StoreRow{Store: store, Binding: binding})
		}
		data.Peers = append(data.Peers, row)
	}

	notes, err := models.ListNotes()
	if err != nil {
		return nil, err
	}
	data.Notes = notes
	return data, nil
}
