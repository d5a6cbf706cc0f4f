package protocol

import (
	"encoding/xml"
	"strconv"
	"strings"

	"syncml/models"
	"syncml/state"
)

// devinfoToTree renders a DevInf document for a Put or Results payload.
func devinfoToTree(info *state.DeviceInfo, stores []*state.StoreDesc) *node {
	xdev := &node{XMLName: xml.Name{Space: state.NamespaceDevInf, Local: "DevInf"}}
	xdev.add(txt("VerDTD", state.SyncMLVersion))
	strs := []struct{ name, value string }{
		{"Man", info.Manufacturer},
		{"Mod", info.Model},
		{"OEM", info.OEM},
		{"FwV", info.FirmwareVersion},
		{"SwV", info.SoftwareVersion},
		{"HwV", info.HardwareVersion},
		{"DevID", info.DevID},
		{"DevTyp", info.DevType},
	}
	for _, s := range strs {
		if s.value != "" {
			xdev.add(txt(s.name, s.value))
		}
	}
	bools := []struct {
		name string
		set  bool
	}{
		{"UTC", info.UTC},
		{"SupportLargeObjs", info.LargeObjects},
		{"SupportHierarchicalSync", info.HierarchicalSync},
		{"SupportNumberOfChanges", info.NumberOfChanges},
	}
	for _, b := range bools {
		if b.set {
			xdev.add(el(b.name))
		}
	}
	for _, s := range stores {
		xdev.add(storeToTree(s))
	}
	return xdev
}

func storeToTree(s *state.StoreDesc) *node {
	x := el("DataStore", txt("SourceRef", s.URI))
	if s.DisplayName != "" {
		x.add(txt("DisplayName", s.DisplayName))
	}
	if s.MaxGUIDSize > 0 {
		x.add(txt("MaxGUIDSize", strconv.Itoa(s.MaxGUIDSize)))
	}
	if s.MaxObjSize > 0 {
		x.add(txt("MaxObjSize", strconv.FormatInt(s.MaxObjSize, 10)))
	}
	// one node per version; only the first preferred node keeps the
	// -Pref tag
	appendCT := func(tag, demoted string, ct *state.ContentTypeInfo) {
		for i, v := range ct.Versions {
			name := tag
			if i != 0 {
				name = demoted
			}
			x.add(el(name, txt("CTType", ct.CType), txt("VerCT", v)))
		}
	}
	for _, ct := range s.ContentTypes {
		if ct.Receive && ct.Preferred {
			appendCT("Rx-Pref", "Rx", ct)
		}
	}
	for _, ct := range s.ContentTypes {
		if ct.Receive && !ct.Preferred {
			appendCT("Rx", "Rx", ct)
		}
	}
	for _, ct := range s.ContentTypes {
		if ct.Transmit && ct.Preferred {
			appendCT("Tx-Pref", "Tx", ct)
		}
	}
	for _, ct := range s.ContentTypes {
		if ct.Transmit && !ct.Preferred {
			appendCT("Tx", "Tx", ct)
		}
	}
	if s.Hierarchical {
		x.add(el("SupportHierarchicalSync"))
	}
	if len(s.SyncTypes) > 0 {
		xcap := el("SyncCap")
		for _, st := range s.SyncTypes {
			xcap.add(txt("SyncType", strconv.Itoa(int(st))))
		}
		x.add(xcap)
	}
	return x
}

func treeToDevinfo(xdev *node) (*state.DeviceInfo, []*state.StoreDesc, error) {
	if v := xdev.findText("VerDTD"); v != state.SyncMLVersion {
		return nil, nil, state.Protocolf("unsupported DevInf DTD version %q", v)
	}
	info := &state.DeviceInfo{
		Manufacturer:     xdev.findText("Man"),
		Model:            xdev.findText("Mod"),
		OEM:              xdev.findText("OEM"),
		FirmwareVersion:  xdev.findText("FwV"),
		SoftwareVersion:  xdev.findText("SwV"),
		HardwareVersion:  xdev.findText("HwV"),
		DevID:            xdev.findText("DevID"),
		DevType:          xdev.findText("DevTyp"),
		UTC:              xdev.find("UTC") != nil,
		LargeObjects:     xdev.find("SupportLargeObjs") != nil,
		HierarchicalSync: xdev.find("SupportHierarchicalSync") != nil,
		NumberOfChanges:  xdev.find("SupportNumberOfChanges") != nil,
	}
	var stores []*state.StoreDesc
	for _, child := range xdev.findAll("DataStore") {
		s, err := treeToStore(child)
		if err != nil {
			return nil, nil, err
		}
		stores = append(stores, s)
	}
	return info, stores, nil
}

func treeToStore(x *node) (*state.StoreDesc, error) {
	s := &state.StoreDesc{
		URI:          x.findText("SourceRef"),
		DisplayName:  x.findText("DisplayName"),
		Hierarchical: x.find("SupportHierarchicalSync") != nil,
	}
	if t := x.findText("MaxGUIDSize"); t != "" {
		n, err := strconv.Atoi(t)
		if err != nil {
			return nil, state.Protocolf("malformed MaxGUIDSize %q", t)
		}
		s.MaxGUIDSize = n
	}
	if t := x.findText("MaxObjSize"); t != "" {
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return nil, state.Protocolf("malformed MaxObjSize %q", t)
		}
		s.MaxObjSize = n
	}
	if xcap := x.find("SyncCap"); xcap != nil {
		for _, xst := range xcap.findAll("SyncType") {
			n, err := strconv.Atoi(strings.TrimSpace(xst.Text))
			if err != nil {
				return nil, state.Protocolf("malformed SyncType %q", xst.Text)
			}
			s.SyncTypes = append(s.SyncTypes, state.SyncType(n))
		}
	}
	for _, child := range x.Children {
		switch child.name() {
		case "Tx-Pref", "Tx", "Rx-Pref", "Rx":
			cti := &state.ContentTypeInfo{
				CType:     child.findText("CTType"),
				Preferred: strings.HasSuffix(child.name(), "-Pref"),
				Transmit:  strings.HasPrefix(child.name(), "Tx"),
				Receive:   strings.HasPrefix(child.name(), "Rx"),
			}
			for _, v := range child.findAll("VerCT") {
				cti.Versions = append(cti.Versions, strings.TrimSpace(v.Text))
			}
			merged := false
			for _, cur := range s.ContentTypes {
				if cur.Merge(cti) == nil {
					merged = true
					break
				}
			}
			if !merged {
				s.ContentTypes = append(s.ContentTypes, cti)
			}
		}
	}
	return s, nil
}

// absorbPeerDevinfo persists a peer's DevInf document: the device row,
// its advertised datastores (dropping ones no longer mentioned), and a
// route recalculation against the fresh capabilities.
func (p *Protocol) absorbPeerDevinfo(session *state.Session, xdev *node) error {
	info, descs, err := treeToDevinfo(xdev)
	if err != nil {
		return err
	}
	if err := models.SaveDeviceInfo(p.peer.ID, info); err != nil {
		return err
	}
	lut := map[string]*state.StoreDesc{}
	for _, d := range descs {
		d.URI = cleanURI(d.URI)
		lut[d.URI] = d
	}
	existing, err := models.GetStores(p.peer.ID)
	if err != nil {
		return err
	}
	for _, s := range existing {
		if _, ok := lut[s.URI]; !ok {
			if err := models.DeleteStore(s.ID); err != nil {
				return err
			}
		}
	}
	for _, d := range descs {
		st := &models.Store{
			AdapterID:    p.peer.ID,
			URI:          d.URI,
			DisplayName:  d.DisplayName,
			SyncTypes:    d.SyncTypes,
			MaxGUIDSize:  int64(d.MaxGUIDSize),
			MaxObjSize:   d.MaxObjSize,
			Hierarchical: d.Hierarchical,
			ContentTypes: d.ContentTypes,
		}
		if err := models.UpsertStore(st); err != nil {
			return err
		}
	}
	return p.syn.RecalculateRoutes(session)
}
