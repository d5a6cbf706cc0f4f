package change

import (
	"sort"
	"strconv"
	"strings"

	"syncml/state"
)

type listEntry struct {
	index int
	op    state.ItemState // state.ItemOK marks a cancelled entry mid-collapse
	ival  string
	md5   bool
}

// ListTracker records positional changes to an ordered sequence (text
// split into lines or words). Unlike the attribute tracker it must
// continuously re-derive indices, because insertions and deletions
// shift every position after them.
type ListTracker struct {
	baseline []listEntry
	current  []listEntry
}

// Token threads ordering context across sequential IsChange calls so
// that several insertions at the same nominal gap land in the caller's
// intended order. Pos is the index of the first call in the run; Count
// the number of consecutive insertions seen there.
type Token struct {
	Pos   int
	Count int
}

// NewListTracker builds a tracker seeded with a prior change-spec,
// which may be empty or a ';'-joined sequence of batches.
func NewListTracker(spec string) (*ListTracker, error) {
	t := &ListTracker{}
	if err := t.PushSpec(spec); err != nil {
		return nil, err
	}
	return t, nil
}

// PushSpec commits the current batch into the baseline and, when spec
// is non-empty, ingests it as a fresh batch which is committed as well.
func (t *ListTracker) PushSpec(spec string) error {
	if strings.Contains(spec, ";") {
		for _, part := range strings.Split(spec, ";") {
			if err := t.PushSpec(part); err != nil {
				return err
			}
		}
		return nil
	}
	if err := t.rebase(); err != nil {
		return err
	}
	if spec != "" {
		if err := t.parseSpec(spec); err != nil {
			return err
		}
	}
	return t.rebase()
}

func (t *ListTracker) rebase() error {
	if len(t.current) == 0 {
		return nil
	}
	merged, err := collapseList(t.baseline, t.current)
	if err != nil {
		return err
	}
	t.baseline = merged
	t.current = nil
	return nil
}

func (t *ListTracker) parseSpec(spec string) error {
	last := 0
	for _, opspec := range strings.Split(spec, ",") {
		gap, body, ok := strings.Cut(opspec, ":")
		if !ok || body == "" {
			return state.InvalidSpec(opspec)
		}
		delta, err := strconv.Atoi(gap)
		if err != nil {
			return state.InvalidSpec(opspec)
		}
		index := delta + last
		var op state.ItemState
		isMD5 := false
		switch body[0] {
		case 'a':
			op = state.ItemAdded
		case 'm':
			op = state.ItemModified
		case 'M':
			op, isMD5 = state.ItemModified, true
		case 'd':
			op = state.ItemDeleted
		case 'D':
			op, isMD5 = state.ItemDeleted, true
		default:
			return state.InvalidSpec(opspec)
		}
		if op == state.ItemAdded {
			if err := t.Append(index, op, "", false); err != nil {
				return err
			}
		} else {
			val := body[1:]
			if !isMD5 {
				if val, err = Unescape(val); err != nil {
					return err
				}
			}
			if err := t.Append(index, op, val, isMD5); err != nil {
				return err
			}
		}
		last = index
	}
	return nil
}

// Append records a change at the given list index in the current batch,
// keeping the batch sorted. The index is inclusive of prior additions
// and deletions within the batch. Two changes at the same index within
// one batch are invalid; the caller must push a new batch first.
func (t *ListTracker) Append(index int, op state.ItemState, initial string, isMD5 bool) error {
	initial, isMD5 = digestLong(initial, isMD5)
	entry := listEntry{index: index, op: op, ival: initial, md5: isMD5}
	for i, val := range t.current {
		if val.index < index {
			continue
		}
		if val.index > index {
			t.current = append(t.current[:i], append([]listEntry{entry}, t.current[i:]...)...)
			return nil
		}
		return state.InvalidSpec("conflicting changes for index " + strconv.Itoa(index))
	}
	t.current = append(t.current, entry)
	return nil
}

// IsChange reports how the incoming change at listIndex relates to the
// tracked history. The returned index is where the change should be
// applied; apply=false means the caller's view is stale but consistent
// and nothing should be done. The returned token must be passed back in
// on the next call; calls must be made in list order. The incoming
// index excludes local deletions and remote additions.
func (t *ListTracker) IsChange(listIndex int, op state.ItemState, newValue string, isMD5 bool, tok *Token) (int, bool, *Token, error) {
	adjust := 0 // local deletes skipped so far
	index := listIndex
	ret := listIndex

	changes, err := collapseList(t.baseline, t.current)
	if err != nil {
		return 0, false, nil, err
	}

	for _, cur := range changes {
		if cur.index > index {
			if op != state.ItemAdded {
				return ret, true, nil, nil
			}
			return ret, true, bumpToken(tok, ret, index-adjust), nil
		}

		if cur.index != index {
			if cur.op == state.ItemDeleted {
				index++
				adjust++
			}
			continue
		}

		if tok != nil && tok.Pos == index-adjust {
			index += tok.Count
			continue
		}

		if op == state.ItemDeleted {
			if cur.op == state.ItemAdded {
				// deleting something the peer never saw added
				return 0, false, nil, nil
			}
			return 0, false, nil, state.Conflictf("conflicting deletion of list index %d", index)
		}

		if op == state.ItemAdded {
			ntok := bumpToken(tok, ret, tokenAlways)
			if cur.op == state.ItemDeleted && md5Equal(newValue, isMD5, cur.ival, cur.md5) {
				// delete-then-readd of the identical value: pure churn
				return 0, false, ntok, nil
			}
			return ret, true, ntok, nil
		}

		if cur.op == state.ItemDeleted {
			index++
			adjust++
			continue
		}

		if cur.op == state.ItemAdded {
			return 0, false, nil, state.Conflictf("conflicting addition of list index %d", index)
		}

		// modify over tracked modify: equal initial value means the
		// remote is catching up to a change we already hold.
		if md5Equal(newValue, isMD5, cur.ival, cur.md5) {
			return 0, false, nil, nil
		}
		return 0, false, nil, state.Conflictf("conflicting modification of list index %d", index)
	}

	if op != state.ItemAdded {
		return ret, true, nil, nil
	}
	return ret, true, bumpToken(tok, ret, index-adjust), nil
}

// tokenAlways continues an existing token run unconditionally.
const tokenAlways = -1 << 31

func bumpToken(tok *Token, ret, wantPos int) *Token {
	if tok == nil || (wantPos != tokenAlways && tok.Pos != wantPos) {
		tok = &Token{Pos: ret}
	}
	return &Token{Pos: ret, Count: tok.Count + 1}
}

// collapseList merges a committed batch into the baseline. Three
// passes: realign indices for baseline deletes and current adds, merge
// same-slot changes (cancelling delete-over-add), then compact the
// cancelled entries out, shifting subsequent indices down.
func collapseList(baseline, current []listEntry) ([]listEntry, error) {
	b := cloneList(baseline)
	c := cloneList(current)
	sortList(b)
	sortList(c)

	if len(c) == 0 {
		return b, nil
	}
	if len(b) == 0 {
		return c, nil
	}

	// pass 1: index realignment
	bidx, cidx := 0, 0
	for bidx < len(b) && cidx < len(c) {
		curinc, basinc := false, false
		switch {
		case b[bidx].index < c[cidx].index:
			if b[bidx].op != state.ItemDeleted {
				bidx++
				continue
			}
			curinc = true
		case b[bidx].index > c[cidx].index:
			if c[cidx].op != state.ItemAdded {
				cidx++
				continue
			}
			basinc = true
		default:
			if b[bidx].op != state.ItemDeleted && c[cidx].op != state.ItemAdded {
				bidx++
				cidx++
				continue
			}
			curinc, basinc = true, true
		}
		if curinc {
			for i := cidx; i < len(c); i++ {
				if c[i].index >= b[bidx].index {
					c[i].index++
				}
			}
			bidx++
		}
		if basinc {
			for i := bidx; i < len(b); i++ {
				if b[i].index >= c[cidx].index {
					b[i].index++
				}
			}
			cidx++
		}
	}

	// pass 2: merge
	hasCancelled := false
	for _, chg := range c {
		handled := false
		insert := -1
		for i := range b {
			if b[i].index > chg.index {
				insert = i
				break
			}
			if b[i].index != chg.index {
				continue
			}
			switch chg.op {
			case state.ItemAdded:
				return nil, state.Logicalf("list collapse: add on existing index %d", b[i].index)
			case state.ItemModified:
				if b[i].op == state.ItemAdded || b[i].op == state.ItemModified {
					handled = true
					break
				}
				return nil, state.Logicalf("list collapse: modify on deleted index %d", b[i].index)
			case state.ItemDeleted:
				if b[i].op == state.ItemAdded {
					b[i].op = state.ItemOK
					hasCancelled = true
				} else {
					b[i].op = state.ItemDeleted
				}
				handled = true
			default:
				return nil, state.Logicalf("list collapse: unexpected change type %d", chg.op)
			}
			break
		}
		if handled {
			continue
		}
		if insert < 0 {
			b = append(b, chg)
		} else {
			b = append(b[:insert], append([]listEntry{chg}, b[insert:]...)...)
		}
	}

	if !hasCancelled {
		return b, nil
	}

	// pass 3: compaction
	removed := 0
	out := b[:0]
	for _, e := range b {
		if e.op == state.ItemOK {
			removed++
			continue
		}
		e.index -= removed
		out = append(out, e)
	}
	return out, nil
}

func cloneList(entries []listEntry) []listEntry {
	out := make([]listEntry, len(entries))
	copy(out, entries)
	return out
}

func sortList(entries []listEntry) {
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].index < entries[j].index })
}

// Spec serializes the current (uncommitted) batch, gap-encoded.
func (t *ListTracker) Spec() string { return listSpec(t.current) }

// FullSpec serializes everything the tracker knows, baseline included.
func (t *ListTracker) FullSpec() (string, error) {
	merged, err := collapseList(t.baseline, t.current)
	if err != nil {
		return "", err
	}
	return listSpec(merged), nil
}

func (t *ListTracker) String() string {
	s, _ := t.FullSpec()
	return s
}

func listSpec(changes []listEntry) string {
	var b strings.Builder
	last := 0
	for _, e := range changes {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(e.index - last))
		b.WriteByte(':')
		b.WriteString(opLetter(e.op, e.md5))
		if e.op != state.ItemAdded {
			if e.md5 {
				b.WriteString(e.ival)
			} else {
				b.WriteString(Escape(e.ival))
			}
		}
		last = e.index
	}
	return b.String()
}
