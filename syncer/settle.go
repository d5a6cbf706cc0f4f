package syncer

import (
	"github.com/rohanthewiz/logger"

	"syncml/models"
	"syncml/state"
)

func badStatus(status *state.Command) error {
	return &state.StatusError{
		Command: status.StatusOf,
		Code:    status.StatusCode,
		Message: status.ErrorMessage,
		Trace:   status.ErrorTrace,
	}
}

// Settle consumes one peer status acknowledging an item command we sent
// earlier, updating stats and clearing the pending change it confirms.
func (s *Synchronizer) Settle(session *state.Session, status *state.Command, chkcmd *state.Command) ([]*state.Command, error) {
	switch chkcmd.Name {
	case state.CmdAdd:
		return nil, s.settleAdd(session, status, chkcmd)
	case state.CmdReplace:
		return s.settleReplace(session, status, chkcmd)
	case state.CmdDelete:
		return s.settleDelete(session, status, chkcmd)
	}
	return nil, state.Logicalf("unexpected settle requested for command %q", chkcmd.Name)
}

func (s *Synchronizer) settleAdd(session *state.Session, status *state.Command, chkcmd *state.Command) error {
	switch status.StatusCode {
	case state.StatusOK, state.StatusItemAdded, state.StatusAlreadyExists:
	default:
		return badStatus(status)
	}
	if status.StatusCode != state.StatusAlreadyExists {
		session.DSStates[chkcmd.URI].Stats.PeerAdd++
	}
	peerStore, err := s.peerStore(chkcmd.URI)
	if err != nil {
		return err
	}
	return models.DeleteChangeInState(peerStore.ID, chkcmd.Source, state.ItemAdded)
}

func (s *Synchronizer) settleReplace(session *state.Session, status *state.Command, chkcmd *state.Command) ([]*state.Command, error) {
	ds := session.DSStates[chkcmd.URI]
	if !session.IsServer && status.StatusCode == state.StatusUpdateConflict {
		ds.Stats.HereErr++
		ds.Stats.Conflicts++
		return nil, nil
	}
	switch status.StatusCode {
	case state.StatusOK,
		state.StatusConflictResolvedMerge,
		state.StatusConflictResolvedClientData,
		state.StatusConflictResolvedServerData:
	default:
		return nil, badStatus(status)
	}
	switch status.StatusCode {
	case state.StatusConflictResolvedMerge,
		state.StatusConflictResolvedClientData,
		state.StatusConflictResolvedServerData:
		ds.Stats.Merged++
	}
	if status.StatusCode != state.StatusConflictResolvedServerData {
		ds.Stats.PeerMod++
	}
	peerStore, err := s.peerStore(chkcmd.URI)
	if err != nil {
		return nil, err
	}
	itemID := chkcmd.Source
	if session.IsServer && chkcmd.Target != "" {
		var failStatus *state.Command
		itemID, failStatus, err = s.sourceMapping(session, state.CmdStatus, status, peerStore, chkcmd.Target)
		if err != nil {
			return nil, err
		}
		if failStatus != nil {
			return []*state.Command{failStatus}, nil
		}
	}
	return nil, models.DeleteChangeInState(peerStore.ID, itemID, state.ItemModified)
}

func (s *Synchronizer) settleDelete(session *state.Session, status *state.Command, chkcmd *state.Command) ([]*state.Command, error) {
	ds := session.DSStates[chkcmd.URI]
	switch {
	case !session.IsServer && status.StatusCode == state.StatusUpdateConflict:
		ds.Stats.HereErr++
		ds.Stats.Conflicts++
		return nil, nil
	case !session.IsServer && status.StatusCode == state.StatusConflictResolvedMerge:
		ds.Stats.HereDel++
		ds.Stats.PeerDel++
		ds.Stats.Merged++
	case !session.IsServer && status.StatusCode == state.StatusConflictResolvedClientData:
		ds.Stats.PeerDel++
		ds.Stats.Merged++
	case !session.IsServer && status.StatusCode == state.StatusConflictResolvedServerData:
		ds.Stats.Merged++
	case status.StatusCode == state.StatusItemNotDeleted:
		// Some servers report 211 when the item never existed, meaning a
		// previously pending deletion already executed.
		logger.Info("item reported as not deleted, assuming already gone",
			"uri", chkcmd.URI, "item_id", chkcmd.Source)
	case status.StatusCode == state.StatusOK:
		ds.Stats.PeerDel++
	default:
		return nil, badStatus(status)
	}
	peerStore, err := s.peerStore(chkcmd.URI)
	if err != nil {
		return nil, err
	}
	itemID := chkcmd.Source
	if chkcmd.Target != "" {
		var failStatus *state.Command
		itemID, failStatus, err = s.sourceMapping(session, state.CmdStatus, status, peerStore, chkcmd.Target)
		if err != nil {
			return nil, err
		}
		if failStatus != nil {
			return []*state.Command{failStatus}, nil
		}
	}
	return nil, models.DeleteChangeInState(peerStore.ID, itemID, state.ItemDeleted)
}
