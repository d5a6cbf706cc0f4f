package protocol

import (
	"encoding/base64"
	"encoding/xml"
	"strconv"

	"syncml/state"
)

// EncodeMessage renders one outgoing message. commands[0] must be the
// SyncHdr command produced by Initialize.
func (p *Protocol) EncodeMessage(session *state.Session, commands []*state.Command) ([]byte, error) {
	root, err := p.commandsToTree(session, commands)
	if err != nil {
		return nil, err
	}
	return serializeXML(root)
}

func (p *Protocol) commandsToTree(session *state.Session, commands []*state.Command) (*node, error) {
	if len(commands) == 0 || commands[0].Name != state.CmdSyncHdr {
		return nil, state.Logicalf("message must start with a %s command", state.CmdSyncHdr)
	}
	hdr := commands[0]
	commands = commands[1:]

	root := &node{XMLName: xml.Name{Space: state.NamespaceSyncML, Local: "SyncML"}}

	xhdr := el(state.CmdSyncHdr,
		txt("VerDTD", state.SyncMLVersion),
		txt("VerProto", state.SyncMLVerProto),
		txt("SessionID", strconv.Itoa(session.ID)),
		txt("MsgID", hdr.MsgID),
	)
	xsrc := el("Source", txt("LocURI", hdr.Source))
	if hdr.SourceName != "" {
		xsrc.add(txt("LocName", hdr.SourceName))
	}
	xtgt := el("Target", txt("LocURI", hdr.Target))
	if hdr.TargetName != "" {
		xtgt.add(txt("LocName", hdr.TargetName))
	}
	xhdr.add(xsrc, xtgt)
	if hdr.RespURI != "" {
		xhdr.add(txt("RespURI", hdr.RespURI))
	}
	if p.auth != nil && !session.AuthAccepted {
		if p.auth.Type != state.NamespaceAuthBasic {
			return nil, state.Unsupportedf("outgoing auth type %q", p.auth.Type)
		}
		cred := base64.StdEncoding.EncodeToString([]byte(p.auth.Username + ":" + p.auth.Password))
		xhdr.add(el("Cred",
			el("Meta", metinf("Format", state.FormatB64), metinf("Type", p.auth.Type)),
			txt("Data", cred)))
	}
	if hdr.MaxMsgSize > 0 || hdr.MaxObjSize > 0 {
		xmeta := el("Meta")
		if hdr.MaxMsgSize > 0 {
			xmeta.add(metinf("MaxMsgSize", strconv.FormatInt(hdr.MaxMsgSize, 10)))
		}
		if hdr.MaxObjSize > 0 {
			xmeta.add(metinf("MaxObjSize", strconv.FormatInt(hdr.MaxObjSize, 10)))
		}
		xhdr.add(xmeta)
	}

	xbody := el("SyncBody")
	root.add(xhdr, xbody)

	for i, cmd := range commands {
		xcmd := el(cmd.Name)
		if cmd.CmdID != "" {
			xcmd.add(txt("CmdID", cmd.CmdID))
		}
		switch cmd.Name {
		case state.CmdAlert:
			c2tAlert(xcmd, cmd)
		case state.CmdStatus:
			c2tStatus(xcmd, cmd)
		case state.CmdGet, state.CmdPut:
			p.c2tGetPut(xcmd, cmd)
		case state.CmdResults:
			p.c2tResults(xcmd, cmd)
		case state.CmdSync:
			c2tSync(xcmd, cmd)
		case state.CmdMap:
			c2tMap(xcmd, cmd)
		case state.CmdFinal:
			if i+1 < len(commands) {
				return nil, state.Logicalf("%s command not at tail end of message", cmd.Name)
			}
		default:
			return nil, state.Logicalf("cannot serialize unexpected command %q", cmd.Name)
		}
		xbody.add(xcmd)
	}

	return root, nil
}

func anchorNode(last, next string) *node {
	xanch := metinfEl("Anchor")
	if last != "" {
		xanch.add(txt("Last", last))
	}
	if next != "" {
		xanch.add(txt("Next", next))
	}
	return xanch
}

func c2tAlert(xcmd *node, cmd *state.Command) {
	xcmd.add(txt("Data", cmd.Data))
	xitem := el("Item",
		el("Source", txt("LocURI", cmd.Source)),
		el("Target", txt("LocURI", cmd.Target)))
	if cmd.LastAnchor != "" || cmd.NextAnchor != "" || cmd.MaxObjSize > 0 {
		xmeta := el("Meta", anchorNode(cmd.LastAnchor, cmd.NextAnchor))
		if cmd.MaxObjSize > 0 {
			xmeta.add(metinf("MaxObjSize", strconv.FormatInt(cmd.MaxObjSize, 10)))
		}
		xitem.add(xmeta)
	}
	xcmd.add(xitem)
}

func c2tStatus(xcmd *node, cmd *state.Command) {
	xcmd.add(
		txt("MsgRef", cmd.MsgRef),
		txt("CmdRef", cmd.CmdRef),
		txt("Cmd", cmd.StatusOf))
	if cmd.SourceRef != "" {
		xcmd.add(txt("SourceRef", cmd.SourceRef))
	}
	if cmd.TargetRef != "" {
		xcmd.add(txt("TargetRef", cmd.TargetRef))
	}
	xcmd.add(txt("Data", strconv.Itoa(cmd.StatusCode)))
	if cmd.LastAnchor != "" || cmd.NextAnchor != "" {
		xcmd.add(el("Item", el("Data", anchorNode(cmd.LastAnchor, cmd.NextAnchor))))
	}
	// not standard SyncML, but invaluable when debugging the far side
	if cmd.ErrorCode != 0 || cmd.ErrorMessage != "" {
		xerr := el("Error")
		if cmd.ErrorCode != 0 {
			xerr.add(txt("Code", strconv.Itoa(cmd.ErrorCode)))
		}
		if cmd.ErrorMessage != "" {
			xerr.add(txt("Message", cmd.ErrorMessage))
		}
		if cmd.ErrorTrace != "" {
			xerr.add(txt("Trace", cmd.ErrorTrace))
		}
		xcmd.add(xerr)
	}
}

func (p *Protocol) c2tGetPut(xcmd *node, cmd *state.Command) {
	xcmd.add(el("Meta", metinf("Type", cmd.Type)))
	if cmd.Source == "" && cmd.Target == "" && cmd.DeviceInfo == nil && cmd.Data == "" {
		return
	}
	xitem := el("Item")
	if cmd.Source != "" {
		xitem.add(el("Source", txt("LocURI", cmd.Source), txt("LocName", cmd.Source)))
	}
	if cmd.Target != "" {
		xitem.add(el("Target", txt("LocURI", cmd.Target), txt("LocName", cmd.Target)))
	}
	addItemData(xitem, cmd)
	xcmd.add(xitem)
}

func (p *Protocol) c2tResults(xcmd *node, cmd *state.Command) {
	xcmd.add(
		txt("MsgRef", cmd.MsgRef),
		txt("CmdRef", cmd.CmdRef),
		el("Meta", metinf("Type", cmd.Type)))
	xitem := el("Item", el("Source", txt("LocURI", cmd.Source), txt("LocName", cmd.Source)))
	addItemData(xitem, cmd)
	xcmd.add(xitem)
}

// addItemData attaches the payload: device info as a nested DevInf
// subtree, anything else as escaped text.
func addItemData(xitem *node, cmd *state.Command) {
	if cmd.DeviceInfo != nil {
		xitem.add(el("Data", devinfoToTree(cmd.DeviceInfo, cmd.Stores)))
	} else if cmd.Data != "" {
		xitem.add(txt("Data", cmd.Data))
	}
}

func c2tSync(xcmd *node, cmd *state.Command) {
	xcmd.add(
		el("Source", txt("LocURI", cmd.Source)),
		el("Target", txt("LocURI", cmd.Target)))
	if cmd.NumberOfChanges != nil {
		xcmd.add(txt("NumberOfChanges", strconv.Itoa(*cmd.NumberOfChanges)))
	}
	for _, scmd := range cmd.Commands {
		xs := el(scmd.Name)
		if scmd.CmdID != "" {
			xs.add(txt("CmdID", scmd.CmdID))
		}
		explicitFormat := scmd.Format != "" && scmd.Format != state.FormatAuto
		if scmd.Type != "" || explicitFormat {
			xm := el("Meta")
			if explicitFormat {
				xm.add(metinf("Format", scmd.Format))
			}
			if scmd.Type != "" {
				xm.add(metinf("Type", scmd.Type))
			}
			xs.add(xm)
		}
		xi := el("Item")
		if scmd.Source != "" {
			xi.add(el("Source", txt("LocURI", scmd.Source)))
		}
		if scmd.SourceParent != "" {
			xi.add(el("SourceParent", txt("LocURI", scmd.SourceParent)))
		}
		if scmd.Target != "" {
			xi.add(el("Target", txt("LocURI", scmd.Target)))
		}
		if scmd.TargetParent != "" {
			xi.add(el("TargetParent", txt("LocURI", scmd.TargetParent)))
		}
		if scmd.Data != "" {
			xi.add(txt("Data", scmd.Data))
		}
		xs.add(xi)
		xcmd.add(xs)
	}
}

func c2tMap(xcmd *node, cmd *state.Command) {
	xcmd.add(
		el("Source", txt("LocURI", cmd.Source)),
		el("Target", txt("LocURI", cmd.Target)))
	for _, mi := range cmd.MapItems {
		xcmd.add(el("MapItem",
			el("Source", txt("LocURI", mi.Source)),
			el("Target", txt("LocURI", mi.Target))))
	}
}
