package state

import "strconv"

// Session is the ephemeral state of one multi-message exchange. A
// server-side session is reconstructed per HTTP request from the
// session registry; a client-side session lives for one Sync() call.
// Sessions are owned by exactly one in-flight exchange and are never
// shared across goroutines.
type Session struct {
	ID       int
	MsgID    int
	CmdID    int
	IsServer bool

	// Mode is the client-requested sync type for this exchange.
	Mode SyncType

	PeerID      string // expected peer device id
	EffectiveID string // our device id as the peer addresses it
	ReturnURL   string
	RespURI     string

	AuthAccepted bool

	// LastMsgID is the peer message id we last responded to.
	LastMsgID int

	// PendingMsgID is the peer message id the statuses in our next
	// message refer to.
	PendingMsgID int

	// LastCommands holds the commands sent in our previous message, for
	// status cross-referencing.
	LastCommands []*Command

	DSStates map[string]*DatastoreState
}

func NewSession(isServer bool) *Session {
	return &Session{
		ID:       1,
		MsgID:    1,
		CmdID:    1,
		IsServer: isServer,
		DSStates: map[string]*DatastoreState{},
	}
}

// NextCmdID returns the current command id and advances the counter.
func (s *Session) NextCmdID() string {
	id := s.CmdID
	s.CmdID++
	return strconv.Itoa(id)
}

// NextMsgID advances to the next message, resetting the command counter.
func (s *Session) NextMsgID() {
	s.MsgID++
	s.CmdID = 1
}

// Done reports whether every datastore has finished its exchange.
func (s *Session) Done() bool {
	for _, ds := range s.DSStates {
		if ds.Action != ActionDone {
			return false
		}
	}
	return true
}

// DatastoreState is the per-store slice of a session.
type DatastoreState struct {
	Mode   SyncType
	Action string

	LastAnchor     string
	NextAnchor     string
	PeerLastAnchor string
	PeerNextAnchor string

	PeerURI string

	Stats *Stats

	// Conflicts lists item ids excluded from this round because a
	// previous round left them in an unresolved conflict.
	Conflicts []string
}

func NewDatastoreState(mode SyncType) *DatastoreState {
	return &DatastoreState{
		Mode:   mode,
		Action: ActionAlert,
		Stats:  &Stats{Mode: mode},
	}
}

// InConflict reports whether the item id is excluded from this round.
func (ds *DatastoreState) InConflict(itemID string) bool {
	for _, id := range ds.Conflicts {
		if id == itemID {
			return true
		}
	}
	return false
}
