// Package adapter drives complete synchronization sessions. The client
// side pumps request/response rounds with a peer until the exchange
// settles; the server side answers one request at a time, with the
// session carried between requests by the caller.
package adapter

import (
	"context"
	"strconv"
	"time"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"

	"syncml/models"
	"syncml/protocol"
	"syncml/state"
	"syncml/syncer"
)

// maxMessages caps the rounds of a single session. A healthy exchange
// settles in a handful of messages; anything beyond this is two
// implementations chasing each other.
const maxMessages = 20

type Adapter struct {
	local     *models.Adapter
	peer      *models.Adapter
	syn       *syncer.Synchronizer
	proto     *protocol.Protocol
	transport Transport
}

func New(local, peer *models.Adapter, syn *syncer.Synchronizer, proto *protocol.Protocol, transport Transport) *Adapter {
	return &Adapter{local: local, peer: peer, syn: syn, proto: proto, transport: transport}
}

// Sync runs a client-side session against the peer and returns the
// per-store statistics. A zero mode lets each store pick its own
// (two-way, downgraded to slow-sync when no anchor history exists).
func (a *Adapter) Sync(ctx context.Context, mode state.SyncType) (map[string]*state.Stats, error) {
	known, err := models.HasDeviceInfo(a.local.ID)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, serr.New("no device info provided for local adapter", "adapter", a.local.Name)
	}
	if a.peer == nil {
		return nil, serr.New("no peer registered")
	}
	logger.Debug("starting sync", "mode", mode.String(), "peer", a.peer.DevID)

	session := state.NewSession(false)
	session.ID = a.nextSessionID()
	session.Mode = mode

	if err := a.seedStates(session, mode); err != nil {
		return nil, err
	}

	hdr, err := a.proto.Initialize(session)
	if err != nil {
		return nil, err
	}
	if err := a.pump(ctx, session, []*state.Command{hdr}); err != nil {
		return nil, err
	}
	return sessionStats(session), nil
}

func (a *Adapter) nextSessionID() int {
	if !a.peer.LastSessionID.Valid {
		return 1
	}
	last, err := strconv.Atoi(a.peer.LastSessionID.String)
	if err != nil {
		return 1
	}
	return last + 1
}

// seedStates builds the per-store session state for every local store
// that has both an agent and a route to a peer store.
func (a *Adapter) seedStates(session *state.Session, mode state.SyncType) error {
	stores, err := models.GetStores(a.local.ID)
	if err != nil {
		return err
	}
	for _, store := range stores {
		if _, err := a.syn.Agent(store.URI); err != nil {
			continue
		}
		peerURI, err := a.syn.Router().GetTargetURI(store.URI, false)
		if err != nil {
			return err
		}
		if peerURI == "" {
			continue
		}
		peerStore, err := models.GetStoreByURI(a.peer.ID, peerURI)
		if err != nil {
			return err
		}
		binding, err := models.GetBinding(peerStore.ID)
		if err != nil {
			return err
		}

		dsMode := mode
		if dsMode == 0 {
			dsMode = state.SyncTwoWay
		}
		ds := state.NewDatastoreState(dsMode)
		ds.PeerURI = peerURI
		if binding != nil && binding.SourceAnchor.Valid {
			ds.LastAnchor = binding.SourceAnchor.String
		}
		ds.NextAnchor = strconv.FormatInt(time.Now().Unix(), 10)

		if ds.LastAnchor == "" {
			switch ds.Mode {
			case state.SyncSlowSync, state.SyncRefreshFromClient, state.SyncRefreshFromServer:
			case state.SyncTwoWay, state.SyncOneWayFromClient, state.SyncOneWayFromServer:
				logger.Info("forcing slow-sync - no previous successful synchronization",
					"uri", store.URI)
				ds.Mode = state.SyncSlowSync
				ds.Stats.Mode = state.SyncSlowSync
			default:
				return state.Protocolf("unexpected sync mode %d requested", int(ds.Mode))
			}
		}
		session.DSStates[store.URI] = ds
	}
	return nil
}

// pump negotiates and transmits messages until the exchange settles.
// The closing acknowledgement (header, status-ok, final) is detected
// before transmission and never sent, matching common practice.
func (a *Adapter) pump(ctx context.Context, session *state.Session, commands []*state.Command) error {
	for {
		cmds, err := a.proto.Negotiate(session, commands)
		if err != nil {
			return err
		}
		if sessionSettled(session, cmds) {
			return a.saveSession(session)
		}

		body, err := a.proto.EncodeMessage(session, cmds)
		if err != nil {
			return err
		}
		session.LastCommands = cmds

		url := session.RespURI
		if url == "" {
			url = a.peer.URL.String
		}
		respBody, err := a.transport.Exchange(ctx, url, body)
		if err != nil {
			return err
		}

		session.LastMsgID = session.MsgID
		session.NextMsgID()
		commands, err = a.proto.DecodeMessage(session, respBody)
		if err != nil {
			return err
		}
		if session.MsgID > maxMessages {
			return state.Protocolf("too many client/server messages")
		}
	}
}

// sessionSettled reports whether the outgoing message would carry
// nothing but an acknowledgement of the peer's header.
func sessionSettled(session *state.Session, cmds []*state.Command) bool {
	if session.IsServer || len(cmds) != 3 {
		return false
	}
	return cmds[0].Name == state.CmdSyncHdr &&
		cmds[1].Name == state.CmdStatus &&
		cmds[1].StatusOf == state.CmdSyncHdr &&
		cmds[1].StatusCode == state.StatusOK &&
		cmds[2].Name == state.CmdFinal
}

// saveSession persists the negotiated anchors and the session id so the
// next sync can run incrementally.
func (a *Adapter) saveSession(session *state.Session) error {
	for uri, ds := range session.DSStates {
		peerStore, err := models.GetStoreByURI(a.peer.ID, ds.PeerURI)
		if err != nil {
			return serr.Wrap(err, "cannot resolve peer store for anchor save", "uri", uri)
		}
		logger.Debug("storing anchors",
			"uri", uri, "here", ds.NextAnchor, "peer", ds.PeerNextAnchor)
		if err := models.UpdateBindingAnchors(peerStore.ID, ds.NextAnchor, ds.PeerNextAnchor); err != nil {
			return err
		}
	}
	if err := models.SetAdapterSession(a.peer.ID, strconv.Itoa(session.ID)); err != nil {
		return err
	}
	logger.Debug("synchronization complete",
		"peer", a.peer.DevID,
		"session", strconv.Itoa(session.ID),
		"messages", strconv.Itoa(session.LastMsgID))
	return nil
}

func sessionStats(session *state.Session) map[string]*state.Stats {
	ret := make(map[string]*state.Stats, len(session.DSStates))
	for uri, ds := range session.DSStates {
		ds.Stats.Mode = ds.Mode
		ret[uri] = ds.Stats
	}
	return ret
}
