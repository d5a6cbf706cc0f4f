package state

// Protocol identification
const (
	SyncMLVersion    = "1.2"
	SyncMLVerProto   = "SyncML/1.2"
	NamespaceSyncML  = "SYNCML:SYNCML1.2"
	NamespaceDevInf  = "syncml:devinf"
	DevInfoURI       = "./devinf12"
	CodecContentType = "application/vnd.syncml+xml"
)

// Meta namespaces and encoding formats
const (
	NamespaceMetInf    = "syncml:metinf"
	NamespaceAuthBasic = "syncml:auth-basic"
	NamespaceAuthMD5   = "syncml:auth-md5"

	FormatB64  = "b64"
	FormatAuto = "auto"
)

// Content types exchanged with peers
const (
	TypeSyncML        = "application/vnd.syncml"
	TypeSyncMLDevInfo = "application/vnd.syncml-devinf"
	TypeTextPlain     = "text/plain"
	TypeSIFNote       = "text/x-s4j-sifn"
	TypeOMADSFile     = "application/vnd.omads-file"
	TypeOMADSFolder   = "application/vnd.omads-folder"
)

// Command names as they appear on the wire.
const (
	CmdSyncHdr = "SyncHdr"
	CmdAlert   = "Alert"
	CmdStatus  = "Status"
	CmdGet     = "Get"
	CmdPut     = "Put"
	CmdResults = "Results"
	CmdSync    = "Sync"
	CmdAdd     = "Add"
	CmdReplace = "Replace"
	CmdDelete  = "Delete"
	CmdMap     = "Map"
	CmdFinal   = "Final"
)

// Status codes (OMA DS 1.2 subset used by the engine).
const (
	StatusInProgress                 = 101
	StatusOK                         = 200
	StatusItemAdded                  = 201
	StatusAccepted                   = 202
	StatusNoContent                  = 204
	StatusConflictResolvedMerge      = 207
	StatusConflictResolvedClientData = 208
	StatusConflictResolvedServerData = 209
	StatusDeleteWithoutArchive       = 210
	StatusItemNotDeleted             = 211
	StatusAuthenticationAccepted     = 212
	StatusBadRequest                 = 400
	StatusInvalidCredentials         = 401
	StatusNotFound                   = 404
	StatusCommandNotAllowed          = 405
	StatusUpdateConflict             = 409
	StatusAlreadyExists              = 418
	StatusCommandFailed              = 500
	StatusRefreshRequired            = 508
)

// Alert codes.
const (
	AlertDisplay           = 100
	AlertTwoWay            = 201
	AlertSlowSync          = 202
	AlertOneWayFromClient  = 203
	AlertRefreshFromClient = 204
	AlertOneWayFromServer  = 205
	AlertRefreshFromServer = 206
	AlertNextMessage       = 222
	AlertResume            = 225
)

// Per-store actions within one exchange leg.
const (
	ActionAlert = "alert"
	ActionSend  = "send"
	ActionSave  = "save"
	ActionRecv  = "recv"
	ActionDone  = "done"
)

// SyncType is a negotiated synchronization mode.
type SyncType int

const (
	SyncTwoWay SyncType = iota + 1
	SyncSlowSync
	SyncOneWayFromClient
	SyncRefreshFromClient
	SyncOneWayFromServer
	SyncRefreshFromServer
)

// AlertCode returns the wire alert code for the sync type.
func (t SyncType) AlertCode() int { return 200 + int(t) }

// SyncTypeFromAlert maps a wire alert code back to a sync type.
func SyncTypeFromAlert(code int) (SyncType, bool) {
	if code < AlertTwoWay || code > AlertRefreshFromServer {
		return 0, false
	}
	return SyncType(code - 200), true
}

func (t SyncType) String() string {
	switch t {
	case SyncTwoWay:
		return "two-way"
	case SyncSlowSync:
		return "slow-sync"
	case SyncOneWayFromClient:
		return "one-way-from-client"
	case SyncRefreshFromClient:
		return "refresh-from-client"
	case SyncOneWayFromServer:
		return "one-way-from-server"
	case SyncRefreshFromServer:
		return "refresh-from-server"
	default:
		return "unknown"
	}
}

// ItemState classifies a tracked item mutation.
type ItemState int

const (
	ItemOK ItemState = iota
	ItemAdded
	ItemModified
	ItemDeleted
	ItemSoftDeleted
)

func (s ItemState) String() string {
	switch s {
	case ItemOK:
		return "ok"
	case ItemAdded:
		return "added"
	case ItemModified:
		return "modified"
	case ItemDeleted:
		return "deleted"
	case ItemSoftDeleted:
		return "soft-deleted"
	default:
		return "unknown"
	}
}

// ConflictPolicy controls how modify/modify and modify/delete collisions
// are resolved when the agent cannot merge.
type ConflictPolicy int

const (
	PolicyError ConflictPolicy = iota + 1
	PolicyClientWins
	PolicyServerWins
)

func (p ConflictPolicy) String() string {
	switch p {
	case PolicyError:
		return "error"
	case PolicyClientWins:
		return "client-wins"
	case PolicyServerWins:
		return "server-wins"
	default:
		return "unknown"
	}
}

// ParseConflictPolicy reads a policy name as used in config and the admin API.
func ParseConflictPolicy(s string) (ConflictPolicy, bool) {
	switch s {
	case "error", "":
		return PolicyError, s == "error"
	case "client-wins":
		return PolicyClientWins, true
	case "server-wins":
		return PolicyServerWins, true
	}
	return PolicyError, false
}

// ConflictOutcome is the result of the synchronizer's conflict-detection
// gate for one incoming sync sub-command.
type ConflictOutcome int

const (
	NoConflict ConflictOutcome = iota
	ResolvedMerge
	DeferredPolicy
	PendingConflict
)
