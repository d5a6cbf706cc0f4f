package adapter

import (
	"strconv"

	"github.com/rohanthewiz/logger"

	"syncml/state"
)

// HandleRequest answers one client request in a server-side session and
// returns the encoded response plus the statistics so far. The caller
// owns the session between requests and can use session.Done() to
// decide when to discard it.
func (a *Adapter) HandleRequest(session *state.Session, body []byte) ([]byte, map[string]*state.Stats, error) {
	if session.LastCommands == nil {
		session.LastCommands = []*state.Command{}
	}
	commands, err := a.proto.DecodeMessage(session, body)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("negotiating response",
		"peer", a.peer.DevID,
		"session", strconv.Itoa(session.ID),
		"msg", strconv.Itoa(session.MsgID))
	if session.MsgID > maxMessages {
		return nil, nil, state.Protocolf("too many client/server messages")
	}
	out, err := a.proto.Negotiate(session, commands)
	if err != nil {
		return nil, nil, err
	}
	respBody, err := a.proto.EncodeMessage(session, out)
	if err != nil {
		return nil, nil, err
	}
	session.LastCommands = out
	return respBody, sessionStats(session), nil
}
