package protocol

import (
	"encoding/xml"
	"strings"

	"github.com/rohanthewiz/serr"

	"syncml/state"
)

// node is a minimal XML element tree. The SyncML wire format is too
// irregular for per-command struct bindings, so the codec builds and
// walks these directly.
type node struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Text     string     `xml:",chardata"`
	Children []*node    `xml:",any"`
}

func el(name string, children ...*node) *node {
	return &node{XMLName: xml.Name{Local: name}, Children: children}
}

func txt(name, value string) *node {
	return &node{XMLName: xml.Name{Local: name}, Text: value}
}

// metinf creates a leaf element in the Meta-Information namespace.
func metinf(name, value string) *node {
	return &node{XMLName: xml.Name{Space: state.NamespaceMetInf, Local: name}, Text: value}
}

func metinfEl(name string, children ...*node) *node {
	return &node{XMLName: xml.Name{Space: state.NamespaceMetInf, Local: name}, Children: children}
}

func (n *node) add(children ...*node) *node {
	n.Children = append(n.Children, children...)
	return n
}

func (n *node) name() string { return n.XMLName.Local }

// find walks a slash-separated path of element names and returns the
// first match, or nil.
func (n *node) find(path string) *node {
	cur := n
	for _, seg := range strings.Split(path, "/") {
		var next *node
		for _, c := range cur.Children {
			if c.XMLName.Local == seg {
				next = c
				break
			}
		}
		if next == nil {
			return nil
		}
		cur = next
	}
	return cur
}

// findText returns the trimmed text of the element at path, or "".
func (n *node) findText(path string) string {
	found := n.find(path)
	if found == nil {
		return ""
	}
	return strings.TrimSpace(found.Text)
}

// findAll returns the direct children with the given name.
func (n *node) findAll(name string) []*node {
	var out []*node
	for _, c := range n.Children {
		if c.XMLName.Local == name {
			out = append(out, c)
		}
	}
	return out
}

func parseXML(data []byte) (*node, error) {
	root := &node{}
	if err := xml.Unmarshal(data, root); err != nil {
		return nil, serr.Wrap(err, "cannot parse SyncML document")
	}
	return root, nil
}

func serializeXML(root *node) ([]byte, error) {
	out, err := xml.Marshal(root)
	if err != nil {
		return nil, serr.Wrap(err, "cannot serialize SyncML document")
	}
	return out, nil
}
