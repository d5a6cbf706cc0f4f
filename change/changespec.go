// Package change implements attribute-level and list-level change
// tracking with a compact string serialization (the "change-spec"), and
// the merger family layered on top of the trackers. Change-specs travel
// across the wire between peers, so the string grammar here is exact:
//
//	attribute form:  add:f1,f2|mod:f3@vX,f4@m<md5>|del:f5@vY
//	list form:       2:a,1:mc,1:dd      (gap-encoded indices)
//
// Sequential batches are concatenated with ';'.
package change

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/rohanthewiz/serr"

	"syncml/state"
)

// Tracker is the common surface of AttributeTracker and ListTracker:
// spec ingestion and serialization of the uncommitted batch.
type Tracker interface {
	PushSpec(spec string) error
	Spec() string
	FullSpec() (string, error)
}

const escapeSafe = "_.-/"

// Escape percent-encodes everything outside [A-Za-z0-9_.-/]. The
// reserved set covers every delimiter the change-spec grammar uses, including
// the composite-merger '&', '=' and batch ';'.
func Escape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
			strings.IndexByte(escapeSafe, c) >= 0 {
			b.WriteByte(c)
			continue
		}
		const hexDigits = "0123456789ABCDEF"
		b.WriteByte('%')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0xf])
	}
	return b.String()
}

// Unescape inverts Escape.
func Unescape(s string) (string, error) {
	out, err := url.PathUnescape(s)
	if err != nil {
		return "", serr.Wrap(err, "bad percent escape in change spec", "spec", s)
	}
	return out, nil
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// md5Equal compares two original values where either side may already
// be a digest; the non-digest side is digested before comparing.
func md5Equal(v1 string, isMD5v1 bool, v2 string, isMD5v2 bool) bool {
	if isMD5v1 || isMD5v2 {
		if !isMD5v1 {
			v1 = md5hex(v1)
		}
		if !isMD5v2 {
			v2 = md5hex(v2)
		}
	}
	return v1 == v2
}

// digestLong replaces an original value longer than an MD5 digest with
// its digest, bounding spec size.
func digestLong(value string, isMD5 bool) (string, bool) {
	if !isMD5 && len(value) > 32 {
		return md5hex(value), true
	}
	return value, isMD5
}

func opLetter(op state.ItemState, isMD5 bool) string {
	switch op {
	case state.ItemAdded:
		return "a"
	case state.ItemModified:
		if isMD5 {
			return "M"
		}
		return "m"
	case state.ItemDeleted:
		if isMD5 {
			return "D"
		}
		return "d"
	}
	return "?"
}
