package router

import (
	"strconv"
	"time"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"

	"syncml/agent"
	"syncml/models"
	"syncml/state"
)

// Router resolves which peer datastore each local datastore pairs with.
// Manual routes (set by the application) always win; the rest are
// auto-mapped by stable matching over content-type compatibility and
// URI closeness, persisted as bindings on the peer's store rows.
type Router struct {
	localID int64
	peerID  int64

	// routes holds manual source-to-target URI overrides.
	routes map[string]string

	// bestCT caches negotiated transmit content types per source URI.
	bestCT map[string]*TransmitContentType
}

func New(localID, peerID int64) *Router {
	return &Router{
		localID: localID,
		peerID:  peerID,
		routes:  make(map[string]string),
		bestCT:  make(map[string]*TransmitContentType),
	}
}

// AddRoute registers a pairing from a local store URI to a peer store
// URI. The pairing is persisted as a binding on the peer store so the
// sync anchors survive sessions; manual routes are additionally pinned
// so recalculation cannot reassign them.
func (r *Router) AddRoute(sourceURI, targetURI string, autoMapped bool) error {
	r.bestCT = make(map[string]*TransmitContentType)
	if !autoMapped {
		r.routes[sourceURI] = targetURI
	}
	store, err := models.GetStoreByURI(r.peerID, targetURI)
	if err != nil {
		return serr.Wrap(err, "no peer store for route target", "target_uri", targetURI)
	}
	return models.SetBinding(r.peerID, store.ID, sourceURI, autoMapped)
}

// GetTargetURI resolves the peer store URI a local store is routed to.
// With mustExist false an unrouted source returns ("", nil).
func (r *Router) GetTargetURI(sourceURI string, mustExist bool) (string, error) {
	if target, ok := r.routes[sourceURI]; ok {
		if _, err := models.GetStoreByURI(r.peerID, target); err != nil {
			return "", serr.Wrap(err, "manual route points at unknown peer store",
				"source_uri", sourceURI, "target_uri", target)
		}
		return target, nil
	}
	stores, err := models.GetStores(r.peerID)
	if err != nil {
		return "", err
	}
	for _, store := range stores {
		binding, err := models.GetBinding(store.ID)
		if err != nil {
			return "", err
		}
		if binding != nil && binding.URI == sourceURI {
			return store.URI, nil
		}
	}
	if mustExist {
		return "", state.NotFoundf("no route for source URI %q", sourceURI)
	}
	return "", nil
}

// GetSourceURI is the reverse lookup: the local store URI routed to the
// given peer store URI.
func (r *Router) GetSourceURI(targetURI string, mustExist bool) (string, error) {
	for src, tgt := range r.routes {
		if tgt == targetURI {
			return src, nil
		}
	}
	store, err := models.GetStoreByURI(r.peerID, targetURI)
	if err == nil {
		binding, berr := models.GetBinding(store.ID)
		if berr != nil {
			return "", berr
		}
		if binding != nil {
			return binding.URI, nil
		}
	} else if !state.IsNotFound(err) {
		return "", err
	}
	if mustExist {
		return "", state.NotFoundf("no route for target URI %q", targetURI)
	}
	return "", nil
}

func (r *Router) dataStore(adapterID int64, uri string) (*DataStore, error) {
	store, err := models.GetStoreByURI(adapterID, uri)
	if err != nil {
		return nil, err
	}
	return &DataStore{URI: store.URI, ContentTypes: store.ContentTypes}, nil
}

// GetBestTransmitContentType negotiates (and caches) the content type
// used when sending items from the given local store to its peer.
func (r *Router) GetBestTransmitContentType(sourceURI string) (*TransmitContentType, error) {
	if ct, ok := r.bestCT[sourceURI]; ok {
		return ct, nil
	}
	targetURI, err := r.GetTargetURI(sourceURI, true)
	if err != nil {
		return nil, err
	}
	source, err := r.dataStore(r.localID, sourceURI)
	if err != nil {
		return nil, err
	}
	target, err := r.dataStore(r.peerID, targetURI)
	if err != nil {
		return nil, err
	}
	ct := PickTransmitContentType(source, target)
	if ct == nil {
		return nil, state.Unsupportedf(
			"no compatible content type between %q and %q", sourceURI, targetURI)
	}
	r.bestCT[sourceURI] = ct
	return ct, nil
}

// Recalculate re-derives the auto-mapped routes and rebuilds the
// per-datastore session state. Only the client side routes; the server
// adopts whatever pairings the client alerts.
func (r *Router) Recalculate(session *state.Session, localAgents map[string]agent.Agent) error {
	if session.IsServer {
		return nil
	}

	localStores, err := models.GetStores(r.localID)
	if err != nil {
		return err
	}
	peerStores, err := models.GetStores(r.peerID)
	if err != nil {
		return err
	}

	manualTargets := make(map[string]bool, len(r.routes))
	for _, tgt := range r.routes {
		manualTargets[tgt] = true
	}

	localByURI := make(map[string]*DataStore, len(localStores))
	peerByURI := make(map[string]*DataStore, len(peerStores))
	var srcs, tgts []string
	for _, store := range localStores {
		localByURI[store.URI] = &DataStore{URI: store.URI, ContentTypes: store.ContentTypes}
		if _, routed := r.routes[store.URI]; routed {
			continue
		}
		if _, ok := localAgents[store.URI]; !ok {
			continue
		}
		srcs = append(srcs, store.URI)
	}
	for _, store := range peerStores {
		peerByURI[store.URI] = &DataStore{URI: store.URI, ContentTypes: store.ContentTypes}
		if manualTargets[store.URI] {
			continue
		}
		tgts = append(tgts, store.URI)
	}

	if len(srcs) > 0 && len(tgts) > 0 {
		pairs, err := Match(srcs, tgts,
			func(a, b1, b2 string) int {
				return CmpDataStore(localByURI[a], peerByURI[b1], peerByURI[b2])
			},
			func(b, a1, a2 string) int {
				return CmpDataStore(peerByURI[b], localByURI[a1], localByURI[a2])
			})
		if err != nil {
			return serr.Wrap(err, "could not auto-map datastores")
		}
		for _, pair := range pairs {
			logger.Debug("auto-mapped datastore route",
				"source_uri", pair[0], "target_uri", pair[1])
			if err := r.AddRoute(pair[0], pair[1], true); err != nil {
				return err
			}
		}
	}

	return r.rebuildStates(session, localStores, localAgents)
}

func (r *Router) rebuildStates(session *state.Session, localStores []*models.Store, localAgents map[string]agent.Agent) error {
	states := make(map[string]*state.DatastoreState)
	for _, store := range localStores {
		if _, ok := localAgents[store.URI]; !ok {
			continue
		}
		peerURI, err := r.GetTargetURI(store.URI, false)
		if err != nil {
			return err
		}
		if peerURI == "" {
			continue
		}
		if ds, ok := session.DSStates[store.URI]; ok && ds.PeerURI == peerURI {
			states[store.URI] = ds
			continue
		}
		// New pairing, so only full syncs are allowed.
		mode := session.Mode
		switch mode {
		case state.SyncSlowSync, state.SyncRefreshFromClient, state.SyncRefreshFromServer:
		default:
			mode = state.SyncSlowSync
		}
		peerStore, err := models.GetStoreByURI(r.peerID, peerURI)
		if err != nil {
			return err
		}
		binding, err := models.GetBinding(peerStore.ID)
		if err != nil {
			return err
		}
		ds := state.NewDatastoreState(mode)
		ds.PeerURI = peerURI
		if binding != nil && binding.SourceAnchor.Valid {
			ds.LastAnchor = binding.SourceAnchor.String
		}
		ds.NextAnchor = strconv.FormatInt(time.Now().Unix(), 10)
		states[store.URI] = ds
	}
	session.DSStates = states
	return nil
}
