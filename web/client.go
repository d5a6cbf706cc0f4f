package web

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/rweb"
	"github.com/rohanthewiz/serr"

	"syncml/adapter"
	"syncml/agent"
	"syncml/models"
	"syncml/protocol"
	"syncml/router"
	"syncml/state"
	"syncml/syncer"
)

// RunClientSync runs one client session against the configured server
// and returns the per-store statistics.
func RunClientSync(cfg *models.Config, local *models.Adapter, agents map[string]agent.Agent) (map[string]*state.Stats, error) {
	peer, err := serverPeer(cfg)
	if err != nil {
		return nil, err
	}

	rt := router.New(local.ID, peer.ID)
	syn := syncer.New(local.ID, peer.ID, agents, rt, peer.ConflictPolicy)
	proto := protocol.New(local, peer, syn)
	transport := &adapter.HTTPTransport{Username: cfg.Username, Password: cfg.Password}
	a := adapter.New(local, peer, syn, proto, transport)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.SessionTTL)
	defer cancel()

	return a.Sync(ctx, state.SyncTwoWay)
}

// serverPeer finds or registers the adapter record for the configured
// remote server. The server is addressed by URL until it identifies
// itself during the first exchange.
func serverPeer(cfg *models.Config) (*models.Adapter, error) {
	peer, err := models.GetAdapterByDevID(cfg.ServerURL)
	if err == nil {
		return peer, nil
	}
	if !state.IsNotFound(err) {
		return nil, err
	}

	peer = &models.Adapter{
		Name:           "server",
		DevID:          cfg.ServerURL,
		URL:            sql.NullString{String: cfg.ServerURL, Valid: true},
		IsServer:       true,
		ConflictPolicy: cfg.ConflictPolicy,
	}
	if err := models.CreateAdapter(peer); err != nil {
		return nil, serr.Wrap(err, "failed to register server peer")
	}
	logger.Info("server peer registered", "url", cfg.ServerURL)
	return peer, nil
}

// TriggerSync handles POST /api/v1/sync - an on-demand client session
// against the configured server.
func (h *syncHandler) TriggerSync(ctx rweb.Context) error {
	if !h.cfg.ClientSyncEnabled() {
		return writeError(ctx, http.StatusBadRequest, "no remote server configured")
	}

	stats, err := RunClientSync(h.cfg, h.local, h.agents)
	if err != nil {
		logger.LogErr(serr.Wrap(err, "on-demand sync failed"), "server", h.cfg.ServerURL)
		return writeError(ctx, http.StatusBadGateway, "sync failed: "+err.Error())
	}

	out := make(map[string]map[string]interface{}, len(stats))
	for uri, st := range stats {
		out[uri] = map[string]interface{}{
			"mode":      st.Mode.String(),
			"here_add":  st.HereAdd,
			"here_mod":  st.HereMod,
			"here_del":  st.HereDel,
			"here_err":  st.HereErr,
			"peer_add":  st.PeerAdd,
			"peer_mod":  st.PeerMod,
			"peer_del":  st.PeerDel,
			"peer_err":  st.PeerErr,
			"conflicts": st.Conflicts,
			"merged":    st.Merged,
		}
	}
	return writeSuccess(ctx, http.StatusOK, out)
}
