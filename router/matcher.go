package router

import (
	"github.com/sergi/go-diff/diffmatchpatch"

	"syncml/state"
)

// DataStore is the slice of a store the matcher cares about: its URI
// and advertised content types.
type DataStore struct {
	URI          string
	ContentTypes []*state.ContentTypeInfo
}

// TransmitContentType is the negotiated serialization for one pairing
type TransmitContentType struct {
	CType   string
	Version string
}

func filterDirection(cts []*state.ContentTypeInfo, transmit bool) []*state.ContentTypeInfo {
	out := make([]*state.ContentTypeInfo, 0, len(cts))
	for _, ct := range cts {
		if (transmit && ct.Transmit) || (!transmit && ct.Receive) {
			out = append(out, ct)
		}
	}
	return out
}

func hasCT(a, b []*state.ContentTypeInfo, checkVersion, transmit bool) bool {
	a = filterDirection(a, transmit)
	b = filterDirection(b, transmit)
	for _, ctA := range a {
		for _, ctB := range b {
			if ctA.CType != ctB.CType {
				continue
			}
			if !checkVersion {
				return true
			}
			for _, vA := range ctA.Versions {
				for _, vB := range ctB.Versions {
					if vA == vB {
						return true
					}
				}
			}
		}
	}
	return false
}

func hasCTBoth(a, b []*state.ContentTypeInfo, checkVersion bool) bool {
	return hasCT(a, b, checkVersion, true) && hasCT(a, b, checkVersion, false)
}

func cmpCTSet(base, ds1, ds2 []*state.ContentTypeInfo) int {
	for _, checkVersion := range []bool{true, false} {
		if hasCTBoth(base, ds1, checkVersion) {
			return -1
		}
		if hasCTBoth(base, ds2, checkVersion) {
			return 1
		}
	}
	return 0
}

func preferredOnly(cts []*state.ContentTypeInfo) []*state.ContentTypeInfo {
	out := make([]*state.ContentTypeInfo, 0, len(cts))
	for _, ct := range cts {
		if ct.Preferred {
			out = append(out, ct)
		}
	}
	return out
}

func cmpDataStoreCT(base, ds1, ds2 *DataStore) int {
	ret := cmpCTSet(preferredOnly(base.ContentTypes),
		preferredOnly(ds1.ContentTypes), preferredOnly(ds2.ContentTypes))
	if ret != 0 {
		return ret
	}
	return cmpCTSet(base.ContentTypes, ds1.ContentTypes, ds2.ContentTypes)
}

// uriSimilarity scores how alike two URIs read, in [0, 1]
func uriSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if len(a)+len(b) == 0 {
		return 0
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(a, b, false)
	matching := 0
	for _, d := range diffs {
		if d.Type == diffmatchpatch.DiffEqual {
			matching += len(d.Text)
		}
	}
	return 2 * float64(matching) / float64(len(a)+len(b))
}

func cmpDataStoreURI(base, ds1, ds2 *DataStore) int {
	s1 := uriSimilarity(base.URI, ds1.URI)
	s2 := uriSimilarity(base.URI, ds2.URI)
	// Below 0.5 neither URI is considered close enough to prefer
	if s1 < 0.5 && s2 < 0.5 {
		return 0
	}
	if s1 >= s2 {
		return -1
	}
	return 1
}

// CmpDataStore ranks two candidate stores against a base store, first
// by content-type compatibility, then by URI closeness.
func CmpDataStore(base, ds1, ds2 *DataStore) int {
	if ret := cmpDataStoreCT(base, ds1, ds2); ret != 0 {
		return ret
	}
	return cmpDataStoreURI(base, ds1, ds2)
}

func checkPreferred(source, target *state.ContentTypeInfo, prefcnt int) bool {
	switch {
	case prefcnt <= 0:
		return true
	case prefcnt == 1:
		return source.Preferred || target.Preferred
	default:
		return source.Preferred && target.Preferred
	}
}

func pickCT(source, target []*state.ContentTypeInfo, prefcnt int, checkVersion bool) *TransmitContentType {
	for _, sct := range source {
		for _, tct := range target {
			if sct.CType != tct.CType {
				continue
			}
			if !checkVersion {
				if checkPreferred(sct, tct, prefcnt) && len(sct.Versions) > 0 {
					return &TransmitContentType{CType: sct.CType, Version: sct.Versions[len(sct.Versions)-1]}
				}
				continue
			}
			for i := len(sct.Versions) - 1; i >= 0; i-- {
				for j := len(tct.Versions) - 1; j >= 0; j-- {
					if sct.Versions[i] != tct.Versions[j] {
						continue
					}
					if checkPreferred(sct, tct, prefcnt) {
						return &TransmitContentType{CType: sct.CType, Version: sct.Versions[i]}
					}
				}
			}
		}
	}
	return nil
}

// PickTransmitContentType negotiates the serialization the source
// store should use when transmitting to the target store. The tiers,
// most preferred first: transmit-to-receive pairings before any-to-any,
// both-preferred before one before neither, version match before none.
func PickTransmitContentType(source, target *DataStore) *TransmitContentType {
	sct := source.ContentTypes
	tct := target.ContentTypes
	stx := filterDirection(sct, true)
	trx := filterDirection(tct, false)

	tiers := []struct {
		src, tgt     []*state.ContentTypeInfo
		prefcnt      int
		checkVersion bool
	}{
		{stx, trx, 2, true}, {stx, trx, 1, true}, {stx, trx, 0, true},
		{stx, trx, 2, false}, {stx, trx, 1, false}, {stx, trx, 0, false},
		{sct, tct, 2, true}, {sct, tct, 1, true}, {sct, tct, 0, true},
		{sct, tct, 2, false}, {sct, tct, 1, false}, {sct, tct, 0, false},
	}
	for _, tier := range tiers {
		if ct := pickCT(tier.src, tier.tgt, tier.prefcnt, tier.checkVersion); ct != nil {
			return ct
		}
	}
	return nil
}
