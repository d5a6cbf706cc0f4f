package change

import (
	"sort"
	"strings"

	"syncml/state"
)

type attrEntry struct {
	op   state.ItemState
	ival string
	md5  bool
}

// AttributeTracker records changes made to independent named fields.
// Changes appended since the last PushSpec form the "current" batch;
// earlier batches are collapsed into the baseline.
type AttributeTracker struct {
	baseline map[string]attrEntry
	current  map[string]attrEntry
}

// NewAttributeTracker builds a tracker seeded with a prior change-spec,
// which may be empty or a ';'-joined sequence of batches.
func NewAttributeTracker(spec string) (*AttributeTracker, error) {
	t := &AttributeTracker{
		baseline: map[string]attrEntry{},
		current:  map[string]attrEntry{},
	}
	if err := t.PushSpec(spec); err != nil {
		return nil, err
	}
	return t, nil
}

// PushSpec commits the current batch into the baseline and, when spec
// is non-empty, ingests it as a fresh batch which is committed as well.
// PushSpec("") is the bare "commit batch" operation.
func (t *AttributeTracker) PushSpec(spec string) error {
	if strings.Contains(spec, ";") {
		for _, part := range strings.Split(spec, ";") {
			if err := t.PushSpec(part); err != nil {
				return err
			}
		}
		return nil
	}
	t.rebase()
	if spec != "" {
		if err := t.parseSpec(spec); err != nil {
			return err
		}
	}
	t.rebase()
	return nil
}

func (t *AttributeTracker) rebase() {
	if len(t.current) == 0 {
		return
	}
	t.baseline = collapseAttr(t.baseline, t.current)
	t.current = map[string]attrEntry{}
}

func (t *AttributeTracker) parseSpec(spec string) error {
	for _, opspec := range strings.Split(spec, "|") {
		opname, flist, ok := strings.Cut(opspec, ":")
		if !ok {
			return state.InvalidSpec(opspec)
		}
		var op state.ItemState
		switch opname {
		case "add":
			op = state.ItemAdded
		case "mod":
			op = state.ItemModified
		case "del":
			op = state.ItemDeleted
		default:
			return state.InvalidSpec(opspec)
		}
		for _, fspec := range strings.Split(flist, ",") {
			if op == state.ItemAdded {
				field, err := Unescape(fspec)
				if err != nil {
					return err
				}
				t.Append(field, op, "", false)
				continue
			}
			fname, init, ok := strings.Cut(fspec, "@")
			if !ok || init == "" {
				return state.InvalidSpec(fspec)
			}
			field, err := Unescape(fname)
			if err != nil {
				return err
			}
			switch init[0] {
			case 'm':
				if len(init) != 33 {
					return state.InvalidSpec(fspec)
				}
				t.Append(field, op, init[1:], true)
			case 'v':
				val, err := Unescape(init[1:])
				if err != nil {
					return err
				}
				t.Append(field, op, val, false)
			default:
				return state.InvalidSpec(fspec)
			}
		}
	}
	return nil
}

// Append records a change to the named field in the current batch. For
// non-Add ops, initial is the field's value before the change; a value
// longer than a digest is replaced by its MD5. Re-appending the same op
// is a no-op; a Delete over an Add cancels the field entirely.
func (t *AttributeTracker) Append(field string, op state.ItemState, initial string, isMD5 bool) {
	initial, isMD5 = digestLong(initial, isMD5)
	cur, ok := t.current[field]
	if !ok {
		t.current[field] = attrEntry{op: op, ival: initial, md5: isMD5}
		return
	}
	if cur.op == op {
		return
	}
	if op == state.ItemDeleted {
		if cur.op == state.ItemAdded {
			delete(t.current, field)
			return
		}
		cur.op = state.ItemDeleted
		t.current[field] = cur
	}
}

func collapseAttr(baseline, current map[string]attrEntry) map[string]attrEntry {
	if len(baseline) == 0 {
		return cloneAttr(current)
	}
	if len(current) == 0 {
		return cloneAttr(baseline)
	}
	ret := cloneAttr(baseline)
	for key, val := range current {
		prior, ok := ret[key]
		if !ok {
			ret[key] = val
			continue
		}
		if val.op != state.ItemDeleted {
			continue
		}
		if prior.op == state.ItemAdded {
			delete(ret, key)
			continue
		}
		prior.op = state.ItemDeleted
		ret[key] = prior
	}
	return ret
}

func cloneAttr(m map[string]attrEntry) map[string]attrEntry {
	out := make(map[string]attrEntry, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// IsChange reports whether setting field to newValue is a genuine
// change given the tracked history. False with a nil error means the
// caller's value is stale but consistent and the field should be left
// alone. A ConflictError means the change collides with one recorded
// here. The caller must have already established that the remote value
// differs from the local active value.
func (t *AttributeTracker) IsChange(field string, op state.ItemState, newValue string, isMD5 bool) (bool, error) {
	changes := collapseAttr(t.baseline, t.current)
	cur, ok := changes[field]
	if !ok {
		return true, nil
	}
	if op == state.ItemDeleted {
		if cur.op == state.ItemAdded || cur.op == state.ItemDeleted {
			// already absent locally
			return false, nil
		}
		return false, state.Conflictf("conflicting deletion of field %q", field)
	}
	// incoming add or modify against a tracked change: equal to the
	// tracked original means the remote is catching up, not changing.
	if cur.op != state.ItemAdded && md5Equal(newValue, isMD5, cur.ival, cur.md5) {
		return false, nil
	}
	return false, state.Conflictf("conflicting addition or modification of field %q", field)
}

// Update reconciles one field: local is our stored value, remote the
// peer's. Nil means absent. The winning value is returned; when the
// remote value wins the change is recorded so Spec() reflects it.
func (t *AttributeTracker) Update(field string, local, remote *string) (*string, error) {
	if strPtrEqual(local, remote) {
		return local, nil
	}
	op := state.ItemModified
	if remote == nil {
		op = state.ItemDeleted
	}
	if local == nil {
		op = state.ItemAdded
	}
	apply, err := t.IsChange(field, op, strPtrVal(remote), false)
	if err != nil {
		return nil, err
	}
	if !apply {
		return local, nil
	}
	t.Append(field, op, strPtrVal(local), false)
	return remote, nil
}

// Spec serializes the current (uncommitted) batch.
func (t *AttributeTracker) Spec() string { return attrSpec(t.current) }

// FullSpec serializes everything the tracker knows, baseline included.
func (t *AttributeTracker) FullSpec() (string, error) {
	return attrSpec(collapseAttr(t.baseline, t.current)), nil
}

func (t *AttributeTracker) String() string {
	s, _ := t.FullSpec()
	return s
}

func attrSpec(changes map[string]attrEntry) string {
	keys := make([]string, 0, len(changes))
	for k := range changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var adds, mods, dels []string
	for _, key := range keys {
		val := changes[key]
		switch val.op {
		case state.ItemAdded:
			adds = append(adds, Escape(key))
		case state.ItemModified:
			mods = append(mods, Escape(key)+valueSuffix(val))
		case state.ItemDeleted:
			dels = append(dels, Escape(key)+valueSuffix(val))
		}
	}

	var b strings.Builder
	if len(adds) > 0 {
		b.WriteString("add:" + strings.Join(adds, ","))
	}
	if len(mods) > 0 {
		if b.Len() > 0 {
			b.WriteByte('|')
		}
		b.WriteString("mod:" + strings.Join(mods, ","))
	}
	if len(dels) > 0 {
		if b.Len() > 0 {
			b.WriteByte('|')
		}
		b.WriteString("del:" + strings.Join(dels, ","))
	}
	return b.String()
}

func valueSuffix(e attrEntry) string {
	if e.md5 {
		return "@m" + Escape(e.ival)
	}
	return "@v" + Escape(e.ival)
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func strPtrVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// Str is a convenience for building optional string values at call
// sites and in tests.
func Str(s string) *string { return &s }
