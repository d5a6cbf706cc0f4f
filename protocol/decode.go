package protocol

import (
	"encoding/base64"
	"encoding/xml"
	"strconv"
	"strings"
	"time"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"

	"syncml/models"
	"syncml/state"
)

// DecodeMessage parses one incoming message, validates the header
// against the session, cross-references statuses with the commands we
// last sent and dispatches the remaining commands. The returned slice
// starts with the SyncHdr command for our next message. A server never
// surfaces a processing failure to its caller; it reports it to the
// peer as a failing SyncHdr status instead.
func (p *Protocol) DecodeMessage(session *state.Session, data []byte) ([]*state.Command, error) {
	root, err := parseXML(data)
	if err != nil {
		return nil, err
	}
	if root.name() != "SyncML" || len(root.Children) != 2 ||
		root.Children[0].name() != state.CmdSyncHdr ||
		root.Children[1].name() != "SyncBody" {
		return nil, state.Protocolf("malformed SyncML document")
	}
	xhdr, xbody := root.Children[0], root.Children[1]

	if v := xhdr.findText("VerProto"); v != state.SyncMLVerProto {
		return nil, state.Unsupportedf("SyncML version %q (expected %q)", v, state.SyncMLVerProto)
	}
	if v := xhdr.findText("VerDTD"); v != state.SyncMLVersion {
		return nil, state.Unsupportedf("SyncML DTD version %q (expected %q)", v, state.SyncMLVersion)
	}

	if err := p.absorbHeader(session, xhdr); err != nil {
		return nil, err
	}
	hdrcmd, err := p.Initialize(session)
	if err != nil {
		return nil, err
	}

	logger.Debug("received SyncML message",
		"peer", hdrcmd.Target, "session", strconv.Itoa(session.ID), "msg", strconv.Itoa(session.MsgID))

	cmds, err := p.treeToCommands(session, hdrcmd, xhdr, xbody)
	if err != nil {
		if !session.IsServer {
			return nil, err
		}
		logger.LogErr(serr.Wrap(err, "failed while interpreting command tree"))
		return []*state.Command{
			hdrcmd,
			{
				Name:         state.CmdStatus,
				CmdID:        "1",
				MsgRef:       strconv.Itoa(session.PendingMsgID),
				CmdRef:       "0",
				SourceRef:    xhdr.findText("Source/LocURI"),
				TargetRef:    xhdr.findText("Target/LocURI"),
				StatusOf:     state.CmdSyncHdr,
				StatusCode:   state.StatusCommandFailed,
				ErrorCode:    state.StatusCommandFailed,
				ErrorMessage: err.Error(),
			},
			{Name: state.CmdFinal},
		}, nil
	}
	return cmds, nil
}

func (p *Protocol) treeToCommands(session *state.Session, hdrcmd *state.Command, xhdr, xbody *node) ([]*state.Command, error) {
	lastcmds := session.LastCommands
	ret := []*state.Command{hdrcmd}

	statusCode := state.StatusOK
	for _, child := range xhdr.Children {
		switch child.name() {
		case "VerDTD", "VerProto":
			// validated before we got here
		case "SessionID":
			if strings.TrimSpace(child.Text) != strconv.Itoa(session.ID) {
				return nil, state.Protocolf("session ID mismatch: %q != %q",
					strings.TrimSpace(child.Text), strconv.Itoa(session.ID))
			}
		case "MsgID":
			chk := strconv.Itoa(session.MsgID)
			if !session.IsServer {
				if len(lastcmds) == 0 {
					return nil, state.Protocolf("response message without a prior request")
				}
				chk = lastcmds[0].MsgID
			}
			if strings.TrimSpace(child.Text) != chk {
				return nil, state.Protocolf("message ID mismatch: %q != %q", strings.TrimSpace(child.Text), chk)
			}
		case "Target":
			if uri := child.findText("LocURI"); uri != hdrcmd.Source {
				return nil, state.Protocolf("incoming target mismatch: %q != %q", uri, hdrcmd.Source)
			}
		case "Source":
			uri := child.findText("LocURI")
			ok := uri == hdrcmd.Target
			if !ok && len(lastcmds) > 0 && uri == lastcmds[0].Target {
				ok = true
			}
			if !ok {
				return nil, state.Protocolf("incoming source mismatch: %q != %q", uri, hdrcmd.Target)
			}
		case "RespURI":
			if !session.IsServer {
				session.RespURI = strings.TrimSpace(child.Text)
			}
		case "Cred":
			// the transport layer authorizes before decoding; just ack it
			statusCode = state.StatusAuthenticationAccepted
		case "Meta":
			// consumed during registration / absorbHeader
		default:
			return nil, state.Protocolf("unexpected header node %q", child.name())
		}
	}

	ret = append(ret, &state.Command{
		Name:       state.CmdStatus,
		CmdID:      session.NextCmdID(),
		MsgRef:     strconv.Itoa(session.PendingMsgID),
		CmdRef:     "0",
		SourceRef:  xhdr.findText("Source/LocURI"),
		TargetRef:  xhdr.findText("Target/LocURI"),
		StatusOf:   state.CmdSyncHdr,
		StatusCode: statusCode,
	})

	// collect the commands we sent last message that now await statuses;
	// sync envelopes are acknowledged per sub-command as well
	var chkcmds []*state.Command
	for _, c := range lastcmds {
		if c.Name == state.CmdStatus || c.Name == state.CmdFinal {
			continue
		}
		chkcmds = append(chkcmds, c)
	}
	for i := 0; i < len(chkcmds); i++ {
		if chkcmds[i].Name == state.CmdSync {
			chkcmds = append(chkcmds, chkcmds[i].Commands...)
		}
	}

	for _, child := range xbody.Children {
		if child.name() != state.CmdStatus {
			continue
		}
		res, err := p.t2cStatus(session, hdrcmd, lastcmds, &chkcmds, child)
		if err != nil {
			return nil, err
		}
		ret = append(ret, res...)
	}

	// anything the peer did not address stays queued for the next leg
	ret = append(ret, chkcmds...)

	final := false
	for idx, child := range xbody.Children {
		if child.name() == state.CmdStatus {
			continue
		}
		var res []*state.Command
		var err error
		switch child.name() {
		case state.CmdAlert:
			res, err = p.t2cAlert(session, child)
		case state.CmdGet:
			res, err = p.t2cGet(session, child)
		case state.CmdPut:
			res, err = p.t2cPut(session, child)
		case state.CmdResults:
			res, err = p.t2cResults(session, child)
		case state.CmdSync:
			res, err = p.t2cSync(session, xhdr, child)
		case state.CmdMap:
			res, err = p.t2cMap(session, child)
		case state.CmdFinal:
			if idx+1 != len(xbody.Children) {
				logger.Info("peer sent non-last final command")
			}
			final = true
		default:
			return nil, state.Protocolf("unexpected command node %q", child.name())
		}
		if err != nil {
			return nil, err
		}
		ret = append(ret, res...)
	}

	if !final {
		ret = append(ret, &state.Command{
			Name:   state.CmdAlert,
			CmdID:  session.NextCmdID(),
			Data:   strconv.Itoa(state.AlertNextMessage),
			Source: p.local.DevID,
			Target: p.peer.DevID,
		})
	}

	return ret, nil
}

// t2cStatus matches one incoming status against an outstanding command
// and applies its consequences.
func (p *Protocol) t2cStatus(session *state.Session, hdrcmd *state.Command,
	lastcmds []*state.Command, chkcmds *[]*state.Command, child *node) ([]*state.Command, error) {

	cname := child.findText("Cmd")
	var chkcmd *state.Command
	for i, c := range *chkcmds {
		if c.CmdID == child.findText("CmdRef") && c.Name == cname &&
			len(lastcmds) > 0 && lastcmds[0].MsgID == child.findText("MsgRef") {
			chkcmd = c
			*chkcmds = append((*chkcmds)[:i], (*chkcmds)[i+1:]...)
			break
		}
	}
	if chkcmd == nil {
		return nil, state.Protocolf("unexpected status node s%d.mr%s.cr%s cmd=%s",
			session.ID, child.findText("MsgRef"), child.findText("CmdRef"), cname)
	}

	code, err := strconv.Atoi(child.findText("Data"))
	if err != nil {
		return nil, state.Protocolf("malformed status code %q", child.findText("Data"))
	}

	targetRef := child.findText("TargetRef")
	if targetRef != "" && cleanURI(targetRef) != cleanURI(chkcmd.Target) {
		return nil, state.Protocolf("status target mismatch: %q != %q", targetRef, chkcmd.Target)
	}
	sourceRef := child.findText("SourceRef")
	if sourceRef != "" {
		if cname == state.CmdSyncHdr {
			// syncevolution strips path parameters off the header source
			if !headerSourceMatches(session, sourceRef, chkcmd.Source) {
				return nil, state.Protocolf("status source mismatch: %q != %q", sourceRef, chkcmd.Source)
			}
		} else if cleanURI(sourceRef) != cleanURI(chkcmd.Source) {
			return nil, state.Protocolf("status source mismatch: %q != %q", sourceRef, chkcmd.Source)
		}
	}

	switch cname {
	case state.CmdSyncHdr:
		if code != state.StatusOK && code != state.StatusAuthenticationAccepted {
			return nil, statusFailure(cname, code, child)
		}
		if code == state.StatusAuthenticationAccepted {
			session.AuthAccepted = true
		}
		return nil, nil

	case state.CmdAlert, state.CmdGet, state.CmdPut, state.CmdResults:
		if code != state.StatusOK {
			return nil, statusFailure(cname, code, child)
		}
		return nil, nil

	case state.CmdMap:
		if session.IsServer {
			return nil, state.Protocolf("unexpected map status on server side")
		}
		if code != state.StatusOK {
			return nil, statusFailure(cname, code, child)
		}
		return nil, nil

	case state.CmdSync:
		if code != state.StatusOK {
			return nil, statusFailure(cname, code, child)
		}
		uri, err := p.syn.LocalStoreURI(chkcmd.Source)
		if err != nil {
			return nil, err
		}
		ds := session.DSStates[uri]
		if ds == nil {
			return nil, state.Protocolf("sync status for unknown store %q", uri)
		}
		if ds.Action != state.ActionSend {
			return nil, state.Protocolf("unexpected sync state for action=%s", ds.Action)
		}
		if session.IsServer {
			ds.Action = state.ActionSave
		} else {
			ds.Action = state.ActionRecv
		}
		return nil, nil

	case state.CmdAdd, state.CmdReplace, state.CmdDelete:
		scmd := &state.Command{
			Name:         state.CmdStatus,
			StatusOf:     cname,
			MsgID:        hdrcmd.MsgID,
			CmdID:        child.findText("CmdID"),
			SourceRef:    sourceRef,
			TargetRef:    targetRef,
			StatusCode:   code,
			ErrorMessage: child.findText("Error/Message"),
			ErrorTrace:   child.findText("Error/Trace"),
		}
		return p.syn.Settle(session, scmd, chkcmd)
	}

	return nil, state.Protocolf("unexpected status for command %q", cname)
}

func headerSourceMatches(session *state.Session, sourceRef, source string) bool {
	ref := cleanURI(sourceRef)
	src := cleanURI(source)
	if ref == src || ref == session.EffectiveID || ref == session.ReturnURL {
		return true
	}
	return strings.HasPrefix(src, ref)
}

func statusFailure(cname string, code int, child *node) error {
	return &state.StatusError{
		Command: cname,
		Code:    code,
		Message: child.findText("Error/Message"),
		Trace:   child.findText("Error/Trace"),
	}
}

func (p *Protocol) t2cAlert(session *state.Session, child *node) ([]*state.Command, error) {
	code, err := strconv.Atoi(child.findText("Data"))
	if err != nil {
		return nil, state.Protocolf("malformed alert code %q", child.findText("Data"))
	}
	statusCode := state.StatusOK
	mode, ok := state.SyncTypeFromAlert(code)
	if !ok {
		if session.IsServer && code == state.AlertResume {
			logger.Info("peer requested resume; not supported - forcing slow sync")
			mode = state.SyncSlowSync
		} else {
			return nil, state.Unsupportedf("sync mode %d", code)
		}
	}

	uri, err := p.syn.LocalStoreURI(child.findText("Item/Target/LocURI"))
	if err != nil {
		return nil, err
	}
	ruri := cleanURI(child.findText("Item/Source/LocURI"))
	logger.Debug("peer requested synchronization",
		"mode", mode.String(), "local", uri, "peer", ruri)

	peerStore, err := models.GetStoreByURI(p.peer.ID, ruri)
	if err != nil {
		return nil, err
	}
	binding, err := models.GetBinding(peerStore.ID)
	if err != nil {
		return nil, err
	}

	ds := session.DSStates[uri]
	if session.IsServer {
		if ds == nil {
			if err := p.syn.Router().AddRoute(uri, ruri, true); err != nil {
				return nil, err
			}
			// binding may have just been created by the route
			binding, err = models.GetBinding(peerStore.ID)
			if err != nil {
				return nil, err
			}
			// mode stays unset until we fold in what the client asked for
			ds = state.NewDatastoreState(0)
			ds.PeerURI = ruri
			if binding != nil && binding.SourceAnchor.Valid {
				ds.LastAnchor = binding.SourceAnchor.String
			}
			ds.NextAnchor = strconv.FormatInt(time.Now().Unix(), 10)
			session.DSStates[uri] = ds
		}
		ds.Action = state.ActionAlert
	} else {
		if ds == nil {
			return nil, state.Protocolf("request for unreflected local datastore %q", uri)
		}
		ds.Action = state.ActionSend
		if mode != ds.Mode {
			logger.Info("server-side switched sync modes",
				"from", ds.Mode.String(), "to", mode.String(), "uri", uri)
		}
	}
	ds.Mode = mode
	ds.Stats.Mode = mode
	ds.PeerLastAnchor = child.findText("Item/Meta/Anchor/Last")
	ds.PeerNextAnchor = child.findText("Item/Meta/Anchor/Next")

	targetAnchor := ""
	if binding != nil && binding.TargetAnchor.Valid {
		targetAnchor = binding.TargetAnchor.String
	}
	if ds.PeerLastAnchor != targetAnchor {
		logger.Info("last-anchor mismatch - forcing slow sync",
			"here", targetAnchor, "peer", ds.PeerLastAnchor, "uri", uri)
		ds.PeerLastAnchor = ""
		switch ds.Mode {
		case state.SyncSlowSync, state.SyncRefreshFromClient, state.SyncRefreshFromServer:
		default:
			if !session.IsServer {
				return nil, state.Protocolf("server-side requested inappropriate %s sync on unbound datastore %q",
					ds.Mode.String(), uri)
			}
			ds.Mode = state.SyncSlowSync
			ds.Stats.Mode = state.SyncSlowSync
			statusCode = state.StatusRefreshRequired
		}
	}

	return []*state.Command{{
		Name:       state.CmdStatus,
		CmdID:      session.NextCmdID(),
		MsgRef:     strconv.Itoa(session.PendingMsgID),
		CmdRef:     child.findText("CmdID"),
		TargetRef:  child.findText("Item/Target/LocURI"),
		SourceRef:  child.findText("Item/Source/LocURI"),
		StatusOf:   child.name(),
		StatusCode: statusCode,
		LastAnchor: ds.PeerLastAnchor,
		NextAnchor: ds.PeerNextAnchor,
	}}, nil
}

func (p *Protocol) t2cGet(session *state.Session, child *node) ([]*state.Command, error) {
	cttype := child.findText("Meta/Type")
	target := child.findText("Item/Target/LocURI")
	if !strings.HasPrefix(cttype, state.TypeSyncMLDevInfo) || cleanURI(target) != cleanURI(state.DevInfoURI) {
		return nil, state.Protocolf("unexpected get request for %q", target)
	}

	devinfo, err := models.GetDeviceInfo(p.local.ID)
	if err != nil {
		return nil, err
	}
	stores, err := models.GetStores(p.local.ID)
	if err != nil {
		return nil, err
	}
	descs := make([]*state.StoreDesc, 0, len(stores))
	for _, s := range stores {
		descs = append(descs, storeDesc(s))
	}

	return []*state.Command{
		{
			Name:       state.CmdStatus,
			CmdID:      session.NextCmdID(),
			MsgRef:     strconv.Itoa(session.PendingMsgID),
			CmdRef:     child.findText("CmdID"),
			StatusOf:   child.name(),
			StatusCode: state.StatusOK,
			TargetRef:  target,
		},
		{
			Name:       state.CmdResults,
			CmdID:      session.NextCmdID(),
			MsgRef:     strconv.Itoa(session.PendingMsgID),
			CmdRef:     child.findText("CmdID"),
			Type:       state.TypeSyncMLDevInfo + "+xml",
			Source:     state.DevInfoURI,
			DeviceInfo: devinfo,
			Stores:     descs,
		},
	}, nil
}

func (p *Protocol) t2cPut(session *state.Session, child *node) ([]*state.Command, error) {
	cttype := child.findText("Meta/Type")
	source := child.findText("Item/Source/LocURI")
	if !strings.HasPrefix(cttype, state.TypeSyncMLDevInfo) || cleanURI(source) != cleanURI(state.DevInfoURI) {
		return nil, state.Protocolf("unexpected %q command for remote %q", child.name(), source)
	}
	xdev := child.find("Item/Data/DevInf")
	if xdev == nil {
		return nil, state.Protocolf("%q command without device info payload", child.name())
	}
	if err := p.absorbPeerDevinfo(session, xdev); err != nil {
		return nil, err
	}
	return []*state.Command{{
		Name:       state.CmdStatus,
		CmdID:      session.NextCmdID(),
		MsgRef:     strconv.Itoa(session.PendingMsgID),
		CmdRef:     child.findText("CmdID"),
		SourceRef:  source,
		StatusOf:   child.name(),
		StatusCode: state.StatusOK,
	}}, nil
}

func (p *Protocol) t2cResults(session *state.Session, child *node) ([]*state.Command, error) {
	return p.t2cPut(session, child)
}

func (p *Protocol) t2cSync(session *state.Session, xhdr, child *node) ([]*state.Command, error) {
	uri, err := p.syn.LocalStoreURI(child.findText("Target/LocURI"))
	if err != nil {
		return nil, err
	}
	ds := session.DSStates[uri]
	if ds == nil {
		return nil, state.Protocolf("sync command for unalerted store %q", uri)
	}

	env := &state.Command{
		Name:   state.CmdSync,
		MsgID:  xhdr.findText("MsgID"),
		CmdID:  child.findText("CmdID"),
		Source: child.findText("Source/LocURI"),
		Target: child.findText("Target/LocURI"),
	}

	for _, sub := range child.Children {
		switch sub.name() {
		case "CmdID", "Target", "Source", "NumberOfChanges":
		case state.CmdAdd, state.CmdReplace, state.CmdDelete:
			scmd, err := t2cSyncItem(xhdr, sub)
			if err != nil {
				return nil, err
			}
			env.Commands = append(env.Commands, scmd)
		default:
			return nil, state.Protocolf("unexpected sync command %q", sub.name())
		}
	}

	if noctext := child.findText("NumberOfChanges"); noctext != "" {
		noc, err := strconv.Atoi(noctext)
		if err != nil {
			return nil, state.Protocolf("malformed NumberOfChanges %q", noctext)
		}
		if noc != len(env.Commands) {
			return nil, state.Protocolf("number-of-changes mismatch (received %d, expected %d)",
				len(env.Commands), noc)
		}
	}

	if !session.IsServer {
		if ds.Action != state.ActionRecv {
			return nil, state.Protocolf("unexpected sync state for URI %q: action=%s", uri, ds.Action)
		}
		ds.Action = state.ActionDone
	} else {
		if ds.Action != state.ActionAlert {
			return nil, state.Protocolf("unexpected sync state for URI %q: action=%s", uri, ds.Action)
		}
		ds.Action = state.ActionSend
	}

	return p.syn.Reactions(session, []*state.Command{env})
}

// t2cSyncItem converts one Add/Replace/Delete node, extracting the item
// payload for the agent to load later.
func t2cSyncItem(xhdr, sub *node) (*state.Command, error) {
	scmd := &state.Command{
		Name:         sub.name(),
		MsgID:        xhdr.findText("MsgID"),
		CmdID:        sub.findText("CmdID"),
		Source:       sub.findText("Item/Source/LocURI"),
		SourceParent: sub.findText("Item/SourceParent/LocURI"),
		Target:       sub.findText("Item/Target/LocURI"),
		TargetParent: sub.findText("Item/TargetParent/LocURI"),
	}
	if scmd.Name == state.CmdDelete {
		return scmd, nil
	}
	scmd.Type = sub.findText("Meta/Type")

	var datas []*node
	for _, it := range sub.findAll("Item") {
		datas = append(datas, it.findAll("Data")...)
	}
	if len(datas) != 1 {
		return nil, state.Protocolf("%q command with non-singular item data nodes", sub.name())
	}
	xd := datas[0]
	switch {
	case len(xd.Children) == 1:
		// an embedded XML payload; hand the agent its serialized form
		raw, err := xml.Marshal(xd.Children[0])
		if err != nil {
			return nil, serr.Wrap(err, "cannot re-serialize item payload")
		}
		scmd.Data = string(raw)
	case len(xd.Children) > 1:
		return nil, state.Protocolf("%q command with non-singular item data nodes", sub.name())
	default:
		scmd.Data = xd.Text
		if sub.findText("Meta/Format") == state.FormatB64 {
			raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(xd.Text))
			if err != nil {
				return nil, serr.Wrap(err, "cannot decode item payload")
			}
			scmd.Data = string(raw)
		}
	}
	return scmd, nil
}

func (p *Protocol) t2cMap(session *state.Session, child *node) ([]*state.Command, error) {
	srcURI := child.findText("Source/LocURI")
	tgtURI := child.findText("Target/LocURI")
	peerStore, err := models.GetStoreByURI(p.peer.ID, cleanURI(srcURI))
	if err != nil {
		return nil, err
	}
	for _, xitem := range child.findAll("MapItem") {
		luid := xitem.findText("Source/LocURI")
		guid := xitem.findText("Target/LocURI")
		if err := models.SetMapping(peerStore.ID, guid, luid); err != nil {
			return nil, err
		}
	}
	return []*state.Command{{
		Name:       state.CmdStatus,
		CmdID:      session.NextCmdID(),
		MsgRef:     strconv.Itoa(session.PendingMsgID),
		CmdRef:     child.findText("CmdID"),
		SourceRef:  srcURI,
		TargetRef:  tgtURI,
		StatusOf:   child.name(),
		StatusCode: state.StatusOK,
	}}, nil
}
