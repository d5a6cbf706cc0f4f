package web

import (
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

const sessionCookie = "syncml_session"

// syncHandler serves the SyncML endpoint. Each request restores (or
// opens) a server-side session, builds the engine stack for the
// requesting peer and hands the message to the adapter.
type syncHandler struct {
	cfg      *models.Config
	local    *models.Adapter
	agents   map[string]agent.Agent
	sessions *SessionRegistry
}

func newSyncHandler(cfg *models.Config, local *models.Adapter, agents map[string]agent.Agent) *syncHandler {
	return &syncHandler{
		cfg:      cfg,
		local:    local,
		agents:   agents,
		sessions: NewSessionRegistry(cfg.SessionTTL),
	}
}

// HandleSyncML answers POST /syncml
func (h *syncHandler) HandleSyncML(c rweb.Context) error {
	body := c.Request().Body()

	hdr, err := protocol.PeekHeader(body)
	if err != nil {
		logger.LogErr(serr.Wrap(err, "rejecting unparseable sync request"))
		c.SetStatus(http.StatusBadRequest)
		return c.WriteHTML("malformed SyncML message")
	}

	peer, err := h.resolvePeer(hdr)
	if err != nil {
		logger.LogErr(serr.Wrap(err, "cannot resolve requesting peer", "dev_id", hdr.Source))
		c.SetStatus(http.StatusInternalServerError)
		return c.WriteHTML("internal error")
	}

	if !h.authorize(hdr, peer) {
		logger.Info("rejecting unauthenticated sync request", "dev_id", hdr.Source)
		c.SetStatus(http.StatusUnauthorized)
		return c.WriteHTML("invalid credentials")
	}

	session, key, err := h.restoreSession(c, hdr)
	if err != nil {
		logger.LogErr(serr.Wrap(err, "cannot restore sync session"))
		c.SetStatus(http.StatusInternalServerError)
		return c.WriteHTML("internal error")
	}

	rt := router.New(h.local.ID, peer.ID)
	syn := syncer.New(h.local.ID, peer.ID, h.agents, rt, peer.ConflictPolicy)
	proto := protocol.New(h.local, peer, syn)
	a := adapter.New(h.local, peer, syn, proto, nil)

	respBody, stats, err := a.HandleRequest(session, body)
	if err != nil {
		h.sessions.Delete(key)
		logger.LogErr(serr.Wrap(err, "sync exchange failed", "dev_id", peer.DevID))
		if state.IsProtocolError(err) || state.IsFeatureError(err) {
			c.SetStatus(http.StatusBadRequest)
		} else {
			c.SetStatus(http.StatusInternalServerError)
		}
		return c.WriteHTML("sync exchange failed")
	}

	if session.Done() {
		h.sessions.Delete(key)
		for uri, st := range stats {
			logger.Info("sync session complete",
				"peer", peer.DevID, "uri", uri, "stats", st.String())
		}
	} else if err := h.sessions.Put(key, session); err != nil {
		logger.LogErr(err)
	}

	c.Response().SetHeader("Content-Type", state.CodecContentType+"; charset=UTF-8")
	return c.Bytes(respBody)
}

// resolvePeer looks the requesting device up, registering it on first
// contact with the sizes it advertised.
func (h *syncHandler) resolvePeer(hdr *protocol.Header) (*models.Adapter, error) {
	peer, err := models.GetAdapterByDevID(hdr.Source)
	if err == nil {
		return peer, nil
	}
	if !state.IsNotFound(err) {
		return nil, err
	}

	name := hdr.SourceName
	if name == "" {
		name = hdr.Source
	}
	peer = &models.Adapter{
		DevID:          hdr.Source,
		Name:           name,
		MaxMsgSize:     hdr.MaxMsgSize,
		MaxObjSize:     hdr.MaxObjSize,
		ConflictPolicy: h.cfg.ConflictPolicy,
	}
	if err := models.CreateAdapter(peer); err != nil {
		return nil, err
	}
	logger.Info("registered new peer", "dev_id", peer.DevID, "name", peer.Name)
	return peer, nil
}

// authorize checks the in-message credentials. Peers without stored
// credentials are admitted open; once credentials are set, every
// request must carry them.
func (h *syncHandler) authorize(hdr *protocol.Header, peer *models.Adapter) bool {
	if !peer.PasswordHash.Valid || peer.PasswordHash.String == "" {
		return true
	}
	if hdr.Cred == nil || hdr.Cred.Username == "" {
		return false
	}
	verified, err := models.VerifyPeerCredentials(hdr.Cred.Username, hdr.Cred.Password)
	if err != nil {
		return false
	}
	return verified.ID == peer.ID
}

// restoreSession fetches the cookie-bound session, or opens a new one
func (h *syncHandler) restoreSession(c rweb.Context, hdr *protocol.Header) (*state.Session, string, error) {
	key, err := c.GetCookie(sessionCookie)
	if err == nil && key != "" {
		session, err := h.sessions.Get(key)
		if err != nil {
			return nil, "", err
		}
		if session != nil {
			return session, key, nil
		}
	}

	session := state.NewSession(true)
	if hdr.Target != "" && hdr.Target != h.local.DevID {
		// the peer may address us by URL rather than device id
		session.EffectiveID = hdr.Target
	}
	key = h.sessions.NewKey()
	if err := c.SetCookie(sessionCookie, key); err != nil {
		logger.LogErr(serr.Wrap(err, "failed to set session cookie"))
	}
	return session, key, nil
}
