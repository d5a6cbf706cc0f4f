// Package syncer implements the three synchronization phases of one
// exchange leg: actions emit our outgoing commands, reactions apply the
// peer's incoming sync commands, and settle consumes the peer's status
// acknowledgements.
package syncer

import (
	"bytes"
	"sort"
	"strconv"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"

	"syncml/agent"
	"syncml/models"
	"syncml/router"
	"syncml/state"
)

// Synchronizer drives item flow between the local datastores and one
// peer. It is rebuilt per exchange; all durable state lives in models.
type Synchronizer struct {
	localID int64
	peerID  int64
	agents  map[string]agent.Agent
	router  *router.Router
	policy  state.ConflictPolicy
}

func New(localID, peerID int64, agents map[string]agent.Agent, rt *router.Router, policy state.ConflictPolicy) *Synchronizer {
	return &Synchronizer{
		localID: localID,
		peerID:  peerID,
		agents:  agents,
		router:  rt,
		policy:  policy,
	}
}

// Agent returns the agent serving a local store URI.
func (s *Synchronizer) Agent(uri string) (agent.Agent, error) {
	ag, ok := s.agents[uri]
	if !ok {
		return nil, state.NotFoundf("no agent for store %q", uri)
	}
	return ag, nil
}

// Router exposes the route table, mostly for the protocol layer.
func (s *Synchronizer) Router() *router.Router { return s.router }

// RecalculateRoutes rebinds local stores to peer stores, typically
// after the peer's device info arrives or changes.
func (s *Synchronizer) RecalculateRoutes(session *state.Session) error {
	return s.router.Recalculate(session, s.agents)
}

func (s *Synchronizer) localStore(uri string) (*models.Store, error) {
	return models.GetStoreByURI(s.localID, uri)
}

// peerStore resolves the peer store a local URI is routed to.
func (s *Synchronizer) peerStore(localURI string) (*models.Store, error) {
	targetURI, err := s.router.GetTargetURI(localURI, true)
	if err != nil {
		return nil, err
	}
	return models.GetStoreByURI(s.peerID, targetURI)
}

// LocalStoreURI finds the local store addressed by an incoming target
// URI, tolerating a missing "./" prefix.
func (s *Synchronizer) LocalStoreURI(target string) (string, error) {
	for uri := range s.agents {
		if uri == target || uri == "./"+target || "./"+uri == target {
			return uri, nil
		}
	}
	return "", state.NotFoundf("no local store for URI %q", target)
}

// conflictPolicy is the store's own policy when set, else the adapter's.
func (s *Synchronizer) conflictPolicy(store *models.Store) state.ConflictPolicy {
	if store.ConflictPolicy.Valid {
		return state.ConflictPolicy(store.ConflictPolicy.Int32)
	}
	return s.policy
}

// itemsEqual compares two items by their serialized form.
func itemsEqual(ag agent.Agent, a, b agent.Item) bool {
	cts := ag.ContentTypes()
	if len(cts) == 0 {
		return false
	}
	ct := cts[0]
	version := ""
	if len(ct.Versions) > 0 {
		version = ct.Versions[len(ct.Versions)-1]
	}
	da, _, _, errA := ag.DumpItem(a, ct.CType, version)
	db, _, _, errB := ag.DumpItem(b, ct.CType, version)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(da, db)
}

// Actions walks the per-store session states and emits the commands for
// each store's pending action.
func (s *Synchronizer) Actions(session *state.Session) ([]*state.Command, error) {
	uris := make([]string, 0, len(session.DSStates))
	for uri := range session.DSStates {
		uris = append(uris, uri)
	}
	sort.Strings(uris)

	var ret []*state.Command
	for _, uri := range uris {
		ds := session.DSStates[uri]
		var (
			cmds []*state.Command
			err  error
		)
		switch ds.Action {
		case state.ActionDone, state.ActionRecv:
			continue
		case state.ActionAlert:
			cmds, err = s.actionAlert(session, uri, ds)
		case state.ActionSend:
			cmds, err = s.actionSend(session, uri, ds)
		case state.ActionSave:
			err = s.actionSave(session, uri, ds)
		default:
			err = state.Logicalf("unexpected datastore action %q", ds.Action)
		}
		if err != nil {
			return nil, err
		}
		ret = append(ret, cmds...)
	}
	return ret, nil
}

func (s *Synchronizer) actionAlert(session *state.Session, uri string, ds *state.DatastoreState) ([]*state.Command, error) {
	store, err := s.localStore(uri)
	if err != nil {
		return nil, err
	}
	return []*state.Command{{
		Name:       state.CmdAlert,
		CmdID:      session.NextCmdID(),
		Data:       strconv.Itoa(ds.Mode.AlertCode()),
		Source:     store.URI,
		Target:     ds.PeerURI,
		LastAnchor: ds.LastAnchor,
		NextAnchor: ds.NextAnchor,
		MaxObjSize: store.MaxObjSize,
	}}, nil
}

func (s *Synchronizer) actionSend(session *state.Session, uri string, ds *state.DatastoreState) ([]*state.Command, error) {
	ag, err := s.Agent(uri)
	if err != nil {
		return nil, err
	}
	peerStore, err := s.peerStore(uri)
	if err != nil {
		return nil, err
	}

	cmd := &state.Command{
		Name:   state.CmdSync,
		CmdID:  session.NextCmdID(),
		Source: uri,
		Target: ds.PeerURI,
	}

	logger.Debug("sending sync commands",
		"uri", uri, "mode", ds.Mode.String(), "anchor", ds.LastAnchor)

	// The receiving end of a one-way exchange sends an empty Sync;
	// refreshes are performed entirely on the reaction side.
	if (session.IsServer && (ds.Mode == state.SyncRefreshFromClient || ds.Mode == state.SyncOneWayFromClient)) ||
		(!session.IsServer && (ds.Mode == state.SyncRefreshFromServer || ds.Mode == state.SyncOneWayFromServer)) {
		noc := 0
		cmd.NumberOfChanges = &noc
		return []*state.Command{cmd}, nil
	}

	switch ds.Mode {
	case state.SyncTwoWay, state.SyncOneWayFromClient, state.SyncOneWayFromServer:
		if err := s.sendChanges(session, uri, ds, ag, peerStore, cmd); err != nil {
			return nil, err
		}
	case state.SyncSlowSync, state.SyncRefreshFromClient, state.SyncRefreshFromServer:
		if err := s.sendAllItems(session, uri, ds, ag, peerStore, cmd); err != nil {
			return nil, err
		}
	default:
		return nil, state.Logicalf("unexpected sync mode %q in send phase", ds.Mode.String())
	}
	return []*state.Command{cmd}, nil
}

// sendChanges emits one sub-command per registered change, skipping
// items parked in the conflict list.
func (s *Synchronizer) sendChanges(session *state.Session, uri string, ds *state.DatastoreState,
	ag agent.Agent, peerStore *models.Store, cmd *state.Command) error {

	changes, err := models.GetRegisteredChanges(peerStore.ID)
	if err != nil {
		return err
	}
	ctype, err := s.router.GetBestTransmitContentType(uri)
	if err != nil {
		return err
	}

	for _, change := range changes {
		if ds.InConflict(change.ItemID) {
			continue
		}
		var name string
		switch change.State {
		case state.ItemAdded:
			name = state.CmdAdd
		case state.ItemModified:
			name = state.CmdReplace
		case state.ItemDeleted:
			name = state.CmdDelete
		default:
			logger.LogErr(serr.New("cannot map item state to a sync command",
				"state", change.State.String(), "itemID", change.ItemID))
			continue
		}
		scmd := &state.Command{
			Name:  name,
			CmdID: session.NextCmdID(),
			URI:   uri,
		}
		if name != state.CmdDelete {
			item, err := ag.GetItem(change.ItemID)
			if err != nil {
				return err
			}
			data, ct, _, err := ag.DumpItem(item, ctype.CType, ctype.Version)
			if err != nil {
				return err
			}
			scmd.Data = string(data)
			scmd.Type = ct
			if ag.Hierarchical() {
				if h, ok := item.(agent.HierarchicalItem); ok && h.Parent() != "" {
					scmd.SourceParent = h.Parent()
				}
			}
		}
		if name == state.CmdAdd {
			scmd.Source = change.ItemID
		} else if session.IsServer {
			luid, err := models.GetMappingLUID(peerStore.ID, change.ItemID)
			switch {
			case err == nil:
				scmd.Target = luid
			case state.IsNotFound(err):
				scmd.Source = change.ItemID
			default:
				return err
			}
		} else {
			scmd.Source = change.ItemID
		}
		cmd.Commands = append(cmd.Commands, scmd)
	}
	noc := len(cmd.Commands)
	cmd.NumberOfChanges = &noc
	return nil
}

// sendAllItems emits the full item set as Add commands, parents before
// children for hierarchical stores. Server-side, items the peer already
// mapped during this slow sync are skipped.
func (s *Synchronizer) sendAllItems(session *state.Session, uri string, ds *state.DatastoreState,
	ag agent.Agent, peerStore *models.Store, cmd *state.Command) error {

	items, err := ag.GetAllItems()
	if err != nil {
		return err
	}
	if ag.Hierarchical() {
		items, err = orderByHierarchy(items)
		if err != nil {
			return err
		}
	}
	ctype, err := s.router.GetBestTransmitContentType(uri)
	if err != nil {
		return err
	}

	for _, item := range items {
		if ds.InConflict(item.ID()) {
			continue
		}
		if session.IsServer {
			_, err := models.GetMappingLUID(peerStore.ID, item.ID())
			if err == nil {
				continue
			}
			if !state.IsNotFound(err) {
				return err
			}
		}
		data, ct, _, err := ag.DumpItem(item, ctype.CType, ctype.Version)
		if err != nil {
			return err
		}
		scmd := &state.Command{
			Name:   state.CmdAdd,
			CmdID:  session.NextCmdID(),
			URI:    uri,
			Type:   ct,
			Source: item.ID(),
			Data:   string(data),
		}
		if ag.Hierarchical() {
			if h, ok := item.(agent.HierarchicalItem); ok && h.Parent() != "" {
				scmd.SourceParent = h.Parent()
			}
		}
		cmd.Commands = append(cmd.Commands, scmd)
	}
	noc := len(cmd.Commands)
	cmd.NumberOfChanges = &noc
	return nil
}

// orderByHierarchy sorts items so every parent precedes its children.
// A parent cycle is an invariant violation.
func orderByHierarchy(items []agent.Item) ([]agent.Item, error) {
	byID := make(map[string]agent.Item, len(items))
	for _, item := range items {
		byID[item.ID()] = item
	}
	ordered := make([]agent.Item, 0, len(items))
	done := make(map[string]bool, len(items))
	var walking map[string]bool

	var visit func(item agent.Item) error
	visit = func(item agent.Item) error {
		if done[item.ID()] {
			return nil
		}
		if walking[item.ID()] {
			return state.Logicalf("recursive item hierarchy detected at item %q", item.ID())
		}
		walking[item.ID()] = true
		if h, ok := item.(agent.HierarchicalItem); ok && h.Parent() != "" {
			parent, ok := byID[h.Parent()]
			if !ok {
				return state.Logicalf("item %q references missing parent %q", item.ID(), h.Parent())
			}
			if err := visit(parent); err != nil {
				return err
			}
		}
		ordered = append(ordered, item)
		done[item.ID()] = true
		return nil
	}

	for _, item := range items {
		walking = make(map[string]bool)
		if err := visit(item); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}

// actionSave persists the anchors negotiated during this exchange. Only
// the server saves through here; the client saves explicitly at the end
// of its Sync() call.
func (s *Synchronizer) actionSave(session *state.Session, uri string, ds *state.DatastoreState) error {
	if !session.IsServer {
		return state.Logicalf("unexpected save action on the client side")
	}
	peerStore, err := s.peerStore(uri)
	if err != nil {
		return err
	}
	logger.Debug("storing anchors",
		"uri", uri, "next_anchor", ds.NextAnchor,
		"peer_uri", ds.PeerURI, "peer_next_anchor", ds.PeerNextAnchor)
	return models.UpdateBindingAnchors(peerStore.ID, ds.NextAnchor, ds.PeerNextAnchor)
}
