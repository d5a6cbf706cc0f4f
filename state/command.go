package state

import "fmt"

// Command is the tagged in-memory form of one protocol primitive. The
// Name field selects the variant; dispatch is always an explicit switch
// on it. Only the fields meaningful for the variant are populated.
type Command struct {
	Name  string
	CmdID string
	MsgID string

	// addressing
	Source       string
	SourceName   string
	SourceParent string
	Target       string
	TargetName   string
	TargetParent string

	// URI is the local store an outgoing item command belongs to. It is
	// bookkeeping for the settle phase and never serialized.
	URI string

	// RespURI is the response address advertised in an outgoing SyncHdr.
	RespURI string

	// Status fields
	StatusOf   string // name of the command this Status responds to
	StatusCode int
	MsgRef     string
	CmdRef     string
	SourceRef  string
	TargetRef  string

	// payload
	Format string
	Type   string
	Data   string

	// Alert / Status-of-Alert anchors
	LastAnchor string
	NextAnchor string

	// limits advertised in Meta
	MaxMsgSize int64
	MaxObjSize int64

	// Sync envelope
	NumberOfChanges *int
	Commands        []*Command

	// Map payload
	MapItems []MapItem

	// Put/Get/Results device-info payload
	DeviceInfo *DeviceInfo
	Stores     []*StoreDesc

	// non-standard error payload on failing Status
	ErrorCode    int
	ErrorMessage string
	ErrorTrace   string
}

// MapItem pairs a server-global ID with the peer-local ID it maps to.
type MapItem struct {
	Target string // GUID
	Source string // LUID
}

func (c *Command) String() string {
	switch c.Name {
	case CmdStatus:
		return fmt.Sprintf("Status[%d of %s #%s.%s]", c.StatusCode, c.StatusOf, c.MsgRef, c.CmdRef)
	case CmdSync:
		return fmt.Sprintf("Sync[%s => %s, %d sub]", c.Source, c.Target, len(c.Commands))
	default:
		return fmt.Sprintf("%s[#%s]", c.Name, c.CmdID)
	}
}

// DeviceInfo is the wire form of a peer's DevInf block.
type DeviceInfo struct {
	DevID            string
	DevType          string
	Manufacturer     string
	Model            string
	OEM              string
	FirmwareVersion  string
	SoftwareVersion  string
	HardwareVersion  string
	UTC              bool
	LargeObjects     bool
	HierarchicalSync bool
	NumberOfChanges  bool
}

// ContentTypeInfo describes one content type a datastore can transmit
// and/or receive.
type ContentTypeInfo struct {
	CType     string
	Versions  []string
	Preferred bool
	Transmit  bool
	Receive   bool
}

// Merge folds another capability entry for the same content type into
// this one. It fails when the entries disagree on anything other than
// direction.
func (c *ContentTypeInfo) Merge(o *ContentTypeInfo) error {
	if c.CType != o.CType || c.Preferred != o.Preferred || len(c.Versions) != len(o.Versions) {
		return Logicalf("cannot merge mismatched content types %q and %q", c.CType, o.CType)
	}
	for i := range c.Versions {
		if c.Versions[i] != o.Versions[i] {
			return Logicalf("cannot merge content type %q: version mismatch", c.CType)
		}
	}
	c.Transmit = c.Transmit || o.Transmit
	c.Receive = c.Receive || o.Receive
	return nil
}

// StoreDesc is the wire form of one datastore advertised in DevInf.
type StoreDesc struct {
	URI          string
	DisplayName  string
	MaxGUIDSize  int
	MaxObjSize   int64
	SyncTypes    []SyncType
	ContentTypes []*ContentTypeInfo
	Hierarchical bool
}

// TxContentTypes and RxContentTypes split the unified content-type
// list into transmit and receive views.
func (s *StoreDesc) TxContentTypes() []*ContentTypeInfo { return s.filterCT(true) }
func (s *StoreDesc) RxContentTypes() []*ContentTypeInfo { return s.filterCT(false) }

func (s *StoreDesc) filterCT(tx bool) []*ContentTypeInfo {
	var out []*ContentTypeInfo
	for _, ct := range s.ContentTypes {
		if (tx && ct.Transmit) || (!tx && ct.Receive) {
			out = append(out, ct)
		}
	}
	return out
}
