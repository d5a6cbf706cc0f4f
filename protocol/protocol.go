// Package protocol translates between the in-memory command form and
// the SyncML 1.2 XML wire format, and drives the per-message
// handshake: header construction and validation, credential handling,
// device-info exchange and dispatch of sync payloads into the
// synchronizer.
package protocol

import (
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/rohanthewiz/serr"

	"syncml/models"
	"syncml/state"
	"syncml/syncer"
)

// Auth is a set of credentials: either extracted from an incoming
// SyncHdr Cred element, or configured locally for presentation to a
// server peer.
type Auth struct {
	Type     string // state.NamespaceAuthBasic or state.NamespaceAuthMD5
	Username string
	Password string
	Digest   string // md5 auth only
}

// Protocol binds the local adapter to one peer for the duration of an
// exchange.
type Protocol struct {
	local *models.Adapter
	peer  *models.Adapter
	syn   *syncer.Synchronizer
	auth  *Auth
}

func New(local, peer *models.Adapter, syn *syncer.Synchronizer) *Protocol {
	return &Protocol{local: local, peer: peer, syn: syn}
}

// SetAuth arranges for credentials to be presented in outgoing headers
// until the peer acknowledges them.
func (p *Protocol) SetAuth(a *Auth) { p.auth = a }

// cleanURI normalizes a datastore URI for comparison; peers vary on
// the relative "./" prefix.
func cleanURI(uri string) string {
	return strings.TrimPrefix(uri, "./")
}

// Header carries the fields a server needs from an incoming SyncHdr
// before a full session exists: peer identity, session routing and
// credentials.
type Header struct {
	SessionID  string
	MsgID      int
	Source     string
	SourceName string
	Target     string
	RespURI    string
	MaxMsgSize int64
	MaxObjSize int64
	Cred       *Auth
}

// PeekHeader extracts the SyncHdr essentials from a raw message
// without touching session state. The server uses it to locate or
// register the peer and check credentials before decoding.
func PeekHeader(data []byte) (*Header, error) {
	root, err := parseXML(data)
	if err != nil {
		return nil, err
	}
	if root.name() != "SyncML" {
		return nil, state.Protocolf("unexpected root node %q", root.name())
	}
	xhdr := root.find("SyncHdr")
	if xhdr == nil {
		return nil, state.Protocolf("message without a SyncHdr")
	}
	h := &Header{
		SessionID:  xhdr.findText("SessionID"),
		Source:     xhdr.findText("Source/LocURI"),
		SourceName: xhdr.findText("Source/LocName"),
		Target:     xhdr.findText("Target/LocURI"),
		RespURI:    xhdr.findText("RespURI"),
	}
	if t := xhdr.findText("MsgID"); t != "" {
		h.MsgID, err = strconv.Atoi(t)
		if err != nil {
			return nil, state.Protocolf("malformed message ID %q", t)
		}
	}
	if t := xhdr.findText("Meta/MaxMsgSize"); t != "" {
		h.MaxMsgSize, _ = strconv.ParseInt(t, 10, 64)
	}
	if t := xhdr.findText("Meta/MaxObjSize"); t != "" {
		h.MaxObjSize, _ = strconv.ParseInt(t, 10, 64)
	}
	h.Cred, err = credFromHeader(xhdr)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// credFromHeader extracts and decodes the Cred element, if present.
func credFromHeader(xhdr *node) (*Auth, error) {
	xcred := xhdr.find("Cred")
	if xcred == nil {
		return nil, nil
	}
	data := xcred.findText("Data")
	authtype := xcred.findText("Meta/Type")
	switch authtype {
	case state.NamespaceAuthBasic, state.NamespaceAuthMD5:
	default:
		return nil, state.Unsupportedf("auth type %q", authtype)
	}
	if format := xcred.findText("Meta/Format"); format != "" {
		if format != state.FormatB64 {
			return nil, state.Unsupportedf("auth format %q", format)
		}
		raw, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, serr.Wrap(err, "cannot decode credential data")
		}
		data = string(raw)
	}
	if authtype == state.NamespaceAuthMD5 {
		return &Auth{Type: state.NamespaceAuthMD5, Digest: data}, nil
	}
	username, password, ok := strings.Cut(data, ":")
	if !ok {
		return nil, state.Protocolf("malformed basic credential data")
	}
	return &Auth{Type: state.NamespaceAuthBasic, Username: username, Password: password}, nil
}

// absorbHeader folds the routing fields of an incoming SyncHdr into a
// server-side session. Client sessions keep their own counters.
func (p *Protocol) absorbHeader(session *state.Session, xhdr *node) error {
	if !session.IsServer {
		return nil
	}
	peerID := xhdr.findText("Source/LocURI")
	if session.PeerID != "" && session.PeerID != peerID {
		return state.Protocolf("unexpected peer ID %q (expected %q)", peerID, session.PeerID)
	}
	if p.peer.DevID != peerID {
		return state.Protocolf("unacceptable peer ID %q (expected %q)", peerID, p.peer.DevID)
	}
	sid, err := strconv.Atoi(xhdr.findText("SessionID"))
	if err != nil {
		return state.Protocolf("malformed session ID %q", xhdr.findText("SessionID"))
	}
	mid, err := strconv.Atoi(xhdr.findText("MsgID"))
	if err != nil {
		return state.Protocolf("malformed message ID %q", xhdr.findText("MsgID"))
	}
	session.ID = sid
	session.MsgID = mid
	return nil
}

// Initialize builds the SyncHdr command for the next outgoing message
// and resets the per-message session counters. On the server this runs
// after absorbHeader has taken over the peer's session numbering.
func (p *Protocol) Initialize(session *state.Session) (*state.Command, error) {
	source := session.EffectiveID
	if source == "" {
		source = p.local.DevID
	}
	hdr := &state.Command{
		Name:       state.CmdSyncHdr,
		CmdID:      "0",
		MsgID:      strconv.Itoa(session.MsgID),
		Source:     source,
		SourceName: p.local.Name,
		Target:     p.peer.DevID,
		TargetName: p.peer.Name,
	}
	if session.IsServer {
		session.PeerID = p.peer.DevID
		if session.ReturnURL != "" {
			hdr.RespURI = session.ReturnURL
		}
		session.PendingMsgID = session.MsgID
	} else {
		session.PendingMsgID = session.LastMsgID
	}
	session.CmdID = 1
	if session.MsgID == 1 {
		hdr.MaxMsgSize = p.local.MaxMsgSize
		hdr.MaxObjSize = p.local.MaxObjSize
	}
	return hdr, nil
}

// Negotiate completes an outgoing command list: when the peer's device
// info is unknown it is requested (and ours offered); otherwise the
// synchronizer contributes the per-store commands for this leg.
func (p *Protocol) Negotiate(session *state.Session, commands []*state.Command) ([]*state.Command, error) {
	if len(commands) > 0 {
		last := commands[len(commands)-1]
		if last.Name == state.CmdFinal {
			return commands, nil
		}
		// an intermediate message: the peer still owes us its half
		if last.Name == state.CmdAlert && last.Data == strconv.Itoa(state.AlertNextMessage) {
			return commands, nil
		}
	}

	known, err := models.HasDeviceInfo(p.peer.ID)
	if err != nil {
		return nil, err
	}
	if !known {
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
		commands = append(commands,
			&state.Command{
				Name:       state.CmdPut,
				CmdID:      session.NextCmdID(),
				Type:       state.TypeSyncMLDevInfo + "+xml",
				Source:     state.DevInfoURI,
				DeviceInfo: devinfo,
				Stores:     descs,
			},
			&state.Command{
				Name:   state.CmdGet,
				CmdID:  session.NextCmdID(),
				Type:   state.TypeSyncMLDevInfo + "+xml",
				Target: state.DevInfoURI,
			})
	} else {
		actions, err := p.syn.Actions(session)
		if err != nil {
			return nil, err
		}
		commands = append(commands, actions...)
	}

	commands = append(commands, &state.Command{Name: state.CmdFinal})
	return commands, nil
}

// storeDesc converts a persisted store row into its wire description.
func storeDesc(s *models.Store) *state.StoreDesc {
	return &state.StoreDesc{
		URI:          s.URI,
		DisplayName:  s.DisplayName,
		MaxGUIDSize:  int(s.MaxGUIDSize),
		MaxObjSize:   s.MaxObjSize,
		SyncTypes:    s.SyncTypes,
		ContentTypes: s.ContentTypes,
		Hierarchical: s.Hierarchical,
	}
}
