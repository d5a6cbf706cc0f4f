package syncer

import (
	"github.com/rohanthewiz/logger"

	"syncml/agent"
	"syncml/models"
	"syncml/state"
)

// conflict carries the detection result from the dispatch gate into the
// per-command handler: the pre-built failing status and the local
// pending change the incoming command collided with.
type conflict struct {
	status *state.Command
	change *models.Change
}

// Reactions applies the peer's incoming Sync commands and returns the
// statuses (and Map commands) to send back.
func (s *Synchronizer) Reactions(session *state.Session, commands []*state.Command) ([]*state.Command, error) {
	var ret []*state.Command
	for _, cmd := range commands {
		if cmd.Name != state.CmdSync {
			return nil, state.Logicalf("unexpected reaction requested to command %q", cmd.Name)
		}
		cmds, err := s.reactionSync(session, cmd)
		if err != nil {
			return nil, err
		}
		ret = append(ret, cmds...)
	}
	return ret, nil
}

func (s *Synchronizer) reactionSync(session *state.Session, command *state.Command) ([]*state.Command, error) {
	uri, err := s.LocalStoreURI(command.Target)
	if err != nil {
		return nil, err
	}
	store, err := s.localStore(uri)
	if err != nil {
		return nil, err
	}
	ag, err := s.Agent(uri)
	if err != nil {
		return nil, err
	}
	peerStore, err := s.peerStore(uri)
	if err != nil {
		return nil, err
	}
	ds, ok := session.DSStates[uri]
	if !ok {
		return nil, state.Protocolf("sync command for unalerted store %q", uri)
	}

	ret := []*state.Command{{
		Name:       state.CmdStatus,
		CmdID:      session.NextCmdID(),
		MsgRef:     command.MsgID,
		CmdRef:     command.CmdID,
		TargetRef:  command.Target,
		SourceRef:  command.Source,
		StatusOf:   command.Name,
		StatusCode: state.StatusOK,
	}}

	// A refresh replaces the local item set with whatever the peer sends
	if (!session.IsServer && ds.Mode == state.SyncRefreshFromServer) ||
		(session.IsServer && ds.Mode == state.SyncRefreshFromClient) {
		items, err := ag.GetAllItems()
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			if err := ag.DeleteItem(item.ID()); err != nil {
				return nil, err
			}
			ds.Stats.HereDel++
			if session.IsServer {
				if err := models.RegisterChange(uri, item.ID(), state.ItemDeleted, nil, s.peerID); err != nil {
					return nil, err
				}
			}
		}
		if err := models.ClearChanges(peerStore.ID); err != nil {
			return nil, err
		}
	}

	if len(command.Commands) > 0 {
		receiving := ds.Mode == state.SyncTwoWay || ds.Mode == state.SyncSlowSync ||
			(!session.IsServer && (ds.Mode == state.SyncOneWayFromServer || ds.Mode == state.SyncRefreshFromServer)) ||
			(session.IsServer && (ds.Mode == state.SyncOneWayFromClient || ds.Mode == state.SyncRefreshFromClient))
		if !receiving {
			return nil, state.Protocolf("unexpected sync data (server=%t, mode=%s)",
				session.IsServer, ds.Mode.String())
		}
	}

	// hierlut resolves the peer's parent ids for adds within this Sync
	var hierlut map[string]string
	if ag.Hierarchical() {
		hierlut = make(map[string]string)
	}

	for _, cmd := range command.Commands {
		if cmd.Name != state.CmdAdd {
			switch ds.Mode {
			case state.SyncTwoWay, state.SyncOneWayFromServer, state.SyncOneWayFromClient:
			default:
				return nil, state.Protocolf("unexpected non-add sync command %q (server=%t, mode=%s)",
					cmd.Name, session.IsServer, ds.Mode.String())
			}
		}
		cmds, err := s.reactionSyncDispatch(session, cmd, uri, store, ag, peerStore, ds, hierlut)
		if err != nil {
			return nil, err
		}
		ret = append(ret, cmds...)
	}
	return ret, nil
}

// reactionSyncDispatch gates each incoming command through server-side
// conflict detection, then routes it to the per-command handler.
func (s *Synchronizer) reactionSyncDispatch(session *state.Session, cmd *state.Command,
	uri string, store *models.Store, ag agent.Agent, peerStore *models.Store,
	ds *state.DatastoreState, hierlut map[string]string) ([]*state.Command, error) {

	var cfl *conflict
	if session.IsServer && cmd.Name != state.CmdAdd && ds.Mode != state.SyncRefreshFromClient {
		itemID, failStatus, err := s.sourceMapping(session, state.CmdSync, cmd, peerStore, cmd.Source)
		if err != nil {
			return nil, err
		}
		if failStatus != nil {
			return []*state.Command{failStatus}, nil
		}
		change, err := models.GetChange(peerStore.ID, itemID)
		switch {
		case err == nil:
			outcome, cmds, gateCfl, gerr := s.conflictGate(session, cmd, store, peerStore, ds, itemID, change)
			if gerr != nil {
				return nil, gerr
			}
			switch outcome {
			case state.ResolvedMerge, state.PendingConflict:
				return cmds, nil
			case state.DeferredPolicy:
				cfl = gateCfl
			}
		case state.IsNotFound(err):
		default:
			return nil, err
		}
	}

	switch cmd.Name {
	case state.CmdAdd:
		return s.reactionSyncAdd(session, cmd, uri, ag, peerStore, ds, hierlut)
	case state.CmdReplace:
		return s.reactionSyncReplace(session, cmd, uri, store, ag, peerStore, ds, cfl)
	case state.CmdDelete:
		return s.reactionSyncDelete(session, cmd, uri, store, ag, peerStore, ds, cfl)
	}
	return nil, state.Logicalf("unexpected reaction requested to sync command %q", cmd.Name)
}

// conflictGate classifies the collision between an incoming command and
// a pending local change. Four shapes are possible: mod-mod, mod-del,
// del-mod and del-del.
func (s *Synchronizer) conflictGate(session *state.Session, cmd *state.Command,
	store *models.Store, peerStore *models.Store, ds *state.DatastoreState,
	itemID string, change *models.Change) (state.ConflictOutcome, []*state.Command, *conflict, error) {

	retcmd := &state.Command{
		Name:      state.CmdStatus,
		CmdID:     session.NextCmdID(),
		MsgRef:    cmd.MsgID,
		CmdRef:    cmd.CmdID,
		SourceRef: cmd.Source,
		TargetRef: cmd.Target,
		StatusOf:  cmd.Name,
		ErrorMessage: "command " + cmd.Name + " conflict for item ID " + itemID +
			" (pending local state: " + change.State.String() + ")",
	}

	// mod-mod: let the replace handler attempt a field-wise merge
	if change.State == state.ItemModified && cmd.Name == state.CmdReplace {
		return state.DeferredPolicy, nil, &conflict{status: retcmd, change: change}, nil
	}

	// del-del: both sides already agree
	if change.State == state.ItemDeleted && cmd.Name == state.CmdDelete {
		if err := models.DeleteChange(peerStore.ID, itemID); err != nil {
			return state.NoConflict, nil, nil, err
		}
		ds.Stats.PeerDel++
		ds.Stats.HereDel++
		ds.Stats.Merged++
		retcmd.StatusCode = state.StatusConflictResolvedMerge
		retcmd.ErrorMessage = ""
		return state.ResolvedMerge, []*state.Command{retcmd}, nil, nil
	}

	// mod-del / del-mod: resolvable when a winner policy is set
	if (change.State == state.ItemDeleted || cmd.Name == state.CmdDelete) &&
		s.conflictPolicy(store) != state.PolicyError {
		return state.DeferredPolicy, nil, &conflict{status: retcmd, change: change}, nil
	}

	ds.Conflicts = append(ds.Conflicts, itemID)
	ds.Stats.PeerErr++
	ds.Stats.Conflicts++
	logger.Info("unresolvable conflict, deferring to the application",
		"item_id", itemID, "command", cmd.Name, "pending_state", change.State.String())
	retcmd.StatusCode = state.StatusUpdateConflict
	return state.PendingConflict, []*state.Command{retcmd}, nil, nil
}

// sourceMapping resolves the peer's LUID to our GUID. An unmapped LUID
// yields a failing status for the peer rather than a hard error.
func (s *Synchronizer) sourceMapping(session *state.Session, cmdctxt string,
	cmd *state.Command, peerStore *models.Store, luid string) (string, *state.Command, error) {

	guid, err := models.GetMappingGUID(peerStore.ID, luid)
	if err == nil {
		return guid, nil, nil
	}
	if !state.IsNotFound(err) {
		return "", nil, err
	}
	logger.Info("request for unmapped item ID",
		"context", cmdctxt, "command", cmd.Name, "luid", luid)
	statusOf := cmd.Name
	if cmdctxt == state.CmdStatus {
		statusOf = cmdctxt
	}
	return "", &state.Command{
		Name:         state.CmdStatus,
		CmdID:        session.NextCmdID(),
		MsgRef:       cmd.MsgID,
		CmdRef:       cmd.CmdID,
		SourceRef:    cmd.Source,
		TargetRef:    cmd.Target,
		StatusOf:     statusOf,
		StatusCode:   state.StatusCommandFailed,
		ErrorMessage: "unexpected " + cmdctxt + "/" + cmd.Name + " request for unmapped item ID " + luid,
	}, nil
}

func (s *Synchronizer) reactionSyncAdd(session *state.Session, cmd *state.Command,
	uri string, ag agent.Agent, peerStore *models.Store,
	ds *state.DatastoreState, hierlut map[string]string) ([]*state.Command, error) {

	item, err := ag.LoadItem([]byte(cmd.Data), cmd.Type, "")
	if err != nil {
		return nil, err
	}
	if ag.Hierarchical() {
		h, ok := item.(agent.HierarchicalItem)
		if !ok {
			return nil, state.Logicalf("hierarchical store %q produced a flat item", uri)
		}
		if cmd.TargetParent != "" {
			h.SetParent(cmd.TargetParent)
		} else if cmd.SourceParent != "" {
			parent, ok := hierlut[cmd.SourceParent]
			if !ok {
				return nil, state.Protocolf("add references unknown parent %q", cmd.SourceParent)
			}
			h.SetParent(parent)
		}
	}

	// During a slow sync the server first tries to pair the incoming
	// item with an existing one instead of duplicating it.
	var cur agent.Item
	if session.IsServer && ds.Mode == state.SyncSlowSync {
		cur, err = ag.MatchItem(item)
		if err != nil {
			return nil, err
		}
		if cur != nil && !itemsEqual(ag, cur, item) {
			cspec, merr := ag.MergeItems(cur, item, nil)
			switch {
			case merr == nil:
				if err := models.RegisterChange(uri, cur.ID(), state.ItemModified, cspec, s.peerID); err != nil {
					return nil, err
				}
			case state.IsConflict(merr):
				cur = nil
			default:
				return nil, merr
			}
		}
	}

	if cur == nil {
		added, err := ag.AddItem(item)
		if err != nil {
			return nil, err
		}
		ds.Stats.HereAdd++
		if err := models.RegisterChange(uri, added.ID(), state.ItemAdded, nil, s.peerID); err != nil {
			return nil, err
		}
		item = added
	} else {
		item = cur
	}
	if hierlut != nil {
		hierlut[cmd.Source] = item.ID()
	}

	statusCode := state.StatusItemAdded
	if cur != nil {
		statusCode = state.StatusAlreadyExists
	}
	ret := []*state.Command{{
		Name:       state.CmdStatus,
		CmdID:      session.NextCmdID(),
		MsgRef:     cmd.MsgID,
		CmdRef:     cmd.CmdID,
		SourceRef:  cmd.Source,
		StatusOf:   cmd.Name,
		StatusCode: statusCode,
	}}

	if session.IsServer {
		if err := models.SetMapping(peerStore.ID, item.ID(), cmd.Source); err != nil {
			return nil, err
		}
	} else {
		targetURI, err := s.router.GetTargetURI(uri, true)
		if err != nil {
			return nil, err
		}
		ret = append(ret, &state.Command{
			Name:     state.CmdMap,
			CmdID:    session.NextCmdID(),
			Source:   uri,
			Target:   targetURI,
			MapItems: []state.MapItem{{Target: cmd.Source, Source: item.ID()}},
		})
	}
	return ret, nil
}

func (s *Synchronizer) reactionSyncReplace(session *state.Session, cmd *state.Command,
	uri string, store *models.Store, ag agent.Agent, peerStore *models.Store,
	ds *state.DatastoreState, cfl *conflict) ([]*state.Command, error) {

	var itemID string
	if session.IsServer {
		var failStatus *state.Command
		var err error
		itemID, failStatus, err = s.sourceMapping(session, state.CmdSync, cmd, peerStore, cmd.Source)
		if err != nil {
			return nil, err
		}
		if failStatus != nil {
			return []*state.Command{failStatus}, nil
		}
	} else {
		itemID = cmd.Target
	}

	item, err := ag.LoadItem([]byte(cmd.Data), cmd.Type, "")
	if err != nil {
		return nil, err
	}
	item.SetID(itemID)

	okcmd := &state.Command{
		Name:       state.CmdStatus,
		CmdID:      session.NextCmdID(),
		MsgRef:     cmd.MsgID,
		CmdRef:     cmd.CmdID,
		TargetRef:  cmd.Target,
		SourceRef:  cmd.Source,
		StatusOf:   cmd.Name,
		StatusCode: state.StatusOK,
	}

	if cfl != nil {
		merged, err := s.mergeConflict(uri, ag, itemID, item, cfl)
		if err != nil {
			return nil, err
		}
		if merged {
			ds.Stats.HereMod++
			okcmd.StatusCode = state.StatusConflictResolvedMerge
			// The change registered above is not suppressed toward this
			// peer: the merge result may differ from the peer's copy.
			return []*state.Command{okcmd}, nil
		}

		switch s.conflictPolicy(store) {
		case state.PolicyClientWins:
			if err := models.DeleteChange(peerStore.ID, itemID); err != nil {
				return nil, err
			}
			ds.Stats.Merged++
			okcmd.StatusCode = state.StatusConflictResolvedClientData
			if cfl.change.State == state.ItemDeleted {
				// The local copy is gone, so the peer's version is
				// re-created under a fresh ID and re-mapped.
				ds.Stats.HereMod++
				added, err := ag.AddItem(item)
				if err != nil {
					return nil, err
				}
				if err := models.SetMapping(peerStore.ID, added.ID(), cmd.Source); err != nil {
					return nil, err
				}
				if err := models.RegisterChange(uri, added.ID(), state.ItemAdded, nil, s.peerID); err != nil {
					return nil, err
				}
				return []*state.Command{okcmd}, nil
			}
			// standard replace handling below applies the peer's copy
		case state.PolicyServerWins:
			ds.Stats.Merged++
			okcmd.StatusCode = state.StatusConflictResolvedServerData
			return []*state.Command{okcmd}, nil
		default:
			ds.Stats.PeerErr++
			ds.Stats.Conflicts++
			ds.Conflicts = append(ds.Conflicts, itemID)
			cfl.status.StatusCode = state.StatusUpdateConflict
			cfl.status.ErrorMessage += ", agent failed merge"
			logger.Info("conflicting replace could not be merged",
				"item_id", itemID, "policy", s.conflictPolicy(store).String())
			return []*state.Command{cfl.status}, nil
		}
	}

	cspec, err := ag.ReplaceItem(item, session.IsServer)
	if err != nil {
		return nil, err
	}
	ds.Stats.HereMod++
	if err := models.RegisterChange(uri, itemID, state.ItemModified, cspec, s.peerID); err != nil {
		return nil, err
	}
	return []*state.Command{okcmd}, nil
}

// mergeConflict attempts a field-wise merge of a mod-mod conflict.
// Returns false when the conflict must fall back to policy handling.
func (s *Synchronizer) mergeConflict(uri string, ag agent.Agent,
	itemID string, item agent.Item, cfl *conflict) (bool, error) {

	if cfl.change.State == state.ItemDeleted {
		return false, nil
	}
	if !cfl.change.ChangeSpec.Valid {
		// No change tracking survived (spec overflow), policy decides.
		return false, nil
	}
	local, err := ag.GetItem(itemID)
	if err != nil {
		return false, err
	}
	spec := cfl.change.ChangeSpec.String
	cspec, err := ag.MergeItems(local, item, &spec)
	if err != nil {
		if state.IsConflict(err) {
			return false, nil
		}
		return false, err
	}
	logger.Info("merged conflicting changes", "item_id", itemID)
	if err := models.RegisterChange(uri, itemID, state.ItemModified, cspec, s.peerID); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Synchronizer) reactionSyncDelete(session *state.Session, cmd *state.Command,
	uri string, store *models.Store, ag agent.Agent, peerStore *models.Store,
	ds *state.DatastoreState, cfl *conflict) ([]*state.Command, error) {

	statusCode := state.StatusOK
	var itemID string
	if session.IsServer {
		var failStatus *state.Command
		var err error
		itemID, failStatus, err = s.sourceMapping(session, state.CmdSync, cmd, peerStore, cmd.Source)
		if err != nil {
			return nil, err
		}
		if failStatus != nil {
			return []*state.Command{failStatus}, nil
		}
		if cfl != nil {
			switch s.conflictPolicy(store) {
			case state.PolicyClientWins:
				if err := models.DeleteChange(peerStore.ID, itemID); err != nil {
					return nil, err
				}
				statusCode = state.StatusConflictResolvedClientData
				ds.Stats.Merged++
				// standard delete handling below removes the local copy
			case state.PolicyServerWins:
				// Re-send our copy so the peer restores what it deleted.
				if err := models.RegisterPeerChange(peerStore.ID, itemID, state.ItemAdded, nil); err != nil {
					return nil, err
				}
				ds.Stats.Merged++
				cfl.status.StatusCode = state.StatusConflictResolvedServerData
				cfl.status.ErrorMessage = ""
				return []*state.Command{cfl.status}, nil
			default:
				return nil, state.Logicalf("unexpected conflict policy %q in delete handling",
					s.conflictPolicy(store).String())
			}
		}
	} else {
		itemID = cmd.Target
	}

	if err := ag.DeleteItem(itemID); err != nil {
		return nil, err
	}
	ds.Stats.HereDel++
	if err := models.RegisterChange(uri, itemID, state.ItemDeleted, nil, s.peerID); err != nil {
		return nil, err
	}
	return []*state.Command{{
		Name:       state.CmdStatus,
		CmdID:      session.NextCmdID(),
		MsgRef:     cmd.MsgID,
		CmdRef:     cmd.CmdID,
		TargetRef:  cmd.Target,
		SourceRef:  cmd.Source,
		StatusOf:   cmd.Name,
		StatusCode: statusCode,
	}}, nil
}
