package change

import (
	"sort"
	"strings"

	"syncml/state"
)

// Merger detects changes, reports them to a tracker and merges remote
// edits back in. Field-agnostic mergers (TextMerger) ignore the field
// argument; the CompositeMerger threads it through for dispatch.
//
// ChangeSpec returns ok=false when the merger cannot describe its
// changes field-wise; callers must then store no spec at all, which
// downgrades later conflict handling to whole-item comparison. A
// composite is poisoned by any constituent reporting ok=false.
type Merger interface {
	PushSpec(spec string) error
	PushChange(field string, current, updated *string) error
	MergeChanges(field string, local, remote *string) (*string, error)
	ChangeSpec() (spec string, ok bool)
}

// MergerFactory builds mergers, optionally seeded from a serialized
// change-spec.
type MergerFactory interface {
	NewMerger(changeSpec string) (Merger, error)
}

// ---------------------------------------------------------------------
// AttributeMerger

// AttributeMerger wraps an AttributeTracker for record-like items whose
// fields change independently.
type AttributeMerger struct {
	tracker *AttributeTracker
}

type AttributeMergerFactory struct{}

func (AttributeMergerFactory) NewMerger(changeSpec string) (Merger, error) {
	return NewAttributeMerger(changeSpec)
}

func NewAttributeMerger(changeSpec string) (*AttributeMerger, error) {
	t, err := NewAttributeTracker(changeSpec)
	if err != nil {
		return nil, err
	}
	return &AttributeMerger{tracker: t}, nil
}

func (m *AttributeMerger) PushSpec(spec string) error { return m.tracker.PushSpec(spec) }

func (m *AttributeMerger) PushChange(field string, current, updated *string) error {
	if strPtrEqual(current, updated) {
		return nil
	}
	switch {
	case current == nil:
		m.tracker.Append(field, state.ItemAdded, "", false)
	case updated == nil:
		m.tracker.Append(field, state.ItemDeleted, *current, false)
	default:
		m.tracker.Append(field, state.ItemModified, *current, false)
	}
	return nil
}

func (m *AttributeMerger) MergeChanges(field string, local, remote *string) (*string, error) {
	if strPtrEqual(local, remote) {
		return local, nil
	}
	return m.tracker.Update(field, local, remote)
}

func (m *AttributeMerger) ChangeSpec() (string, bool) { return m.tracker.Spec(), true }

// ---------------------------------------------------------------------
// TextMerger

// TextMerger wraps a ListTracker for free text, split into lines
// (multi-line mode) or words.
type TextMerger struct {
	sep     string
	tracker *ListTracker
}

type TextMergerFactory struct {
	MultiLine bool
}

func (f TextMergerFactory) NewMerger(changeSpec string) (Merger, error) {
	return NewTextMerger(f.MultiLine, changeSpec)
}

func NewTextMerger(multiLine bool, changeSpec string) (*TextMerger, error) {
	t, err := NewListTracker(changeSpec)
	if err != nil {
		return nil, err
	}
	sep := " "
	if multiLine {
		sep = "\n"
	}
	return &TextMerger{sep: sep, tracker: t}, nil
}

func (m *TextMerger) PushSpec(spec string) error { return m.tracker.PushSpec(spec) }

// PushText records the edit from current to updated.
func (m *TextMerger) PushText(current, updated string) error {
	cur := strings.Split(current, m.sep)
	upd := strings.Split(updated, m.sep)
	for _, cs := range changeSets(cur, upd) {
		if err := m.tracker.Append(cs.Index+cs.Offset, cs.Op, cs.Old, false); err != nil {
			return err
		}
	}
	return nil
}

// MergeText folds the remote text into the local one, consulting the
// tracker so local edits survive and genuine collisions surface as
// ConflictError.
func (m *TextMerger) MergeText(local, remote string) (string, error) {
	if local == remote {
		return local, nil
	}
	cur := strings.Split(local, m.sep)
	upd := strings.Split(remote, m.sep)

	slots := make([]*string, len(cur))
	for i := range cur {
		v := cur[i]
		slots[i] = &v
	}

	var tok *Token
	roff := 0 // insertions applied so far
	for _, cs := range changeSets(cur, upd) {
		idx, apply, ntok, err := m.tracker.IsChange(cs.Index, cs.Op, cs.New, false, tok)
		if err != nil {
			return "", err
		}
		tok = ntok
		if !apply {
			continue
		}
		switch cs.Op {
		case state.ItemDeleted:
			slots[idx+roff] = nil
		case state.ItemModified:
			v := cs.New
			slots[idx+roff] = &v
		case state.ItemAdded:
			v := cs.New
			slots = append(slots[:idx+roff], append([]*string{&v}, slots[idx+roff:]...)...)
			roff++
		}
	}

	parts := make([]string, 0, len(slots))
	for _, s := range slots {
		if s != nil {
			parts = append(parts, *s)
		}
	}
	return strings.Join(parts, m.sep), nil
}

func (m *TextMerger) PushChange(_ string, current, updated *string) error {
	return m.PushText(strPtrVal(current), strPtrVal(updated))
}

func (m *TextMerger) MergeChanges(_ string, local, remote *string) (*string, error) {
	out, err := m.MergeText(strPtrVal(local), strPtrVal(remote))
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (m *TextMerger) ChangeSpec() (string, bool) { return m.tracker.Spec(), true }

// ---------------------------------------------------------------------
// CompositeMerger

// CompositeMergerFactory builds mergers that dispatch per field: a
// shared attribute-style default, overridable per field (e.g. a
// TextMerger for a note body). With PerField set, the default factory
// instead builds a dedicated merger per field.
type CompositeMergerFactory struct {
	Default  MergerFactory
	Mergers  map[string]MergerFactory
	PerField bool
}

func (f CompositeMergerFactory) NewMerger(changeSpec string) (Merger, error) {
	return NewCompositeMerger(f, changeSpec)
}

// CompositeMerger dispatches change detection and merging per field.
// Spec format: escaped default spec first, then &field=escapedspec
// pairs sorted by field; prior specs are retained with ';'.
type CompositeMerger struct {
	factory CompositeMergerFactory
	cspec   string
	def     Merger
	fields  map[string]Merger
}

func NewCompositeMerger(factory CompositeMergerFactory, changeSpec string) (*CompositeMerger, error) {
	if factory.Default == nil {
		factory.Default = AttributeMergerFactory{}
	}
	def, err := factory.Default.NewMerger("")
	if err != nil {
		return nil, err
	}
	m := &CompositeMerger{
		factory: factory,
		cspec:   changeSpec,
		def:     def,
		fields:  map[string]Merger{},
	}
	if changeSpec != "" {
		for _, part := range strings.Split(changeSpec, ";") {
			if err := m.PushSpec(part); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *CompositeMerger) PushSpec(spec string) error {
	for _, part := range strings.Split(spec, "&") {
		name, sub, ok := strings.Cut(part, "=")
		if !ok {
			dec, err := Unescape(part)
			if err != nil {
				return err
			}
			if err := m.def.PushSpec(dec); err != nil {
				return err
			}
			continue
		}
		field, err := Unescape(name)
		if err != nil {
			return err
		}
		dec, err := Unescape(sub)
		if err != nil {
			return err
		}
		merger, err := m.merger(field)
		if err != nil {
			return err
		}
		if err := merger.PushSpec(dec); err != nil {
			return err
		}
	}
	return nil
}

func (m *CompositeMerger) merger(field string) (Merger, error) {
	if mg, ok := m.fields[field]; ok {
		return mg, nil
	}
	var factory MergerFactory
	if f, ok := m.factory.Mergers[field]; ok {
		factory = f
	} else if m.factory.PerField {
		factory = m.factory.Default
	} else {
		return m.def, nil
	}
	mg, err := factory.NewMerger("")
	if err != nil {
		return nil, err
	}
	m.fields[field] = mg
	return mg, nil
}

func (m *CompositeMerger) PushChange(field string, current, updated *string) error {
	mg, err := m.merger(field)
	if err != nil {
		return err
	}
	return mg.PushChange(field, current, updated)
}

func (m *CompositeMerger) MergeChanges(field string, local, remote *string) (*string, error) {
	mg, err := m.merger(field)
	if err != nil {
		return nil, err
	}
	return mg.MergeChanges(field, local, remote)
}

func (m *CompositeMerger) ChangeSpec() (string, bool) {
	ret := m.cspec
	if ret != "" {
		ret += ";"
	}
	def, ok := m.def.ChangeSpec()
	if !ok {
		return "", false
	}
	ret += Escape(def)

	names := make([]string, 0, len(m.fields))
	for name := range m.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sub, ok := m.fields[name].ChangeSpec()
		if !ok {
			return "", false
		}
		if sub == "" {
			continue
		}
		if ret != "" && !strings.HasSuffix(ret, ";") {
			ret += "&"
		}
		ret += Escape(name) + "=" + Escape(sub)
	}
	return ret, true
}
