package change

import (
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"

	"syncml/state"
)

// changeSet is one element-level edit produced by aligning two token
// sequences. Index addresses the current sequence; Offset counts the
// insertions yielded so far (callers add it when replaying edits onto a
// copy, but never when consulting the tracker).
type changeSet struct {
	Index  int
	Offset int
	Op     state.ItemState
	Old    string
	New    string
}

type opcode struct {
	tag            byte // 'r' replace, 'd' delete, 'i' insert
	i1, i2, j1, j2 int
}

// diffOpcodes aligns two token sequences. Each distinct token is mapped
// to a rune so the diff engine compares whole tokens, then the rune
// diff is folded back into index-range opcodes. A delete immediately
// followed by an insert folds into a replace.
func diffOpcodes(cur, upd []string) []opcode {
	tokens := make(map[string]rune, len(cur)+len(upd))
	encode := func(toks []string) []rune {
		rs := make([]rune, len(toks))
		for i, tk := range toks {
			r, ok := tokens[tk]
			if !ok {
				r = rune(len(tokens) + 1)
				tokens[tk] = r
			}
			rs[i] = r
		}
		return rs
	}
	a := encode(cur)
	b := encode(upd)

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMainRunes(a, b, false)

	var ops []opcode
	i, j := 0, 0
	for k := 0; k < len(diffs); k++ {
		n := utf8.RuneCountInString(diffs[k].Text)
		switch diffs[k].Type {
		case diffmatchpatch.DiffEqual:
			i += n
			j += n
		case diffmatchpatch.DiffDelete:
			if k+1 < len(diffs) && diffs[k+1].Type == diffmatchpatch.DiffInsert {
				m := utf8.RuneCountInString(diffs[k+1].Text)
				ops = append(ops, opcode{'r', i, i + n, j, j + m})
				i += n
				j += m
				k++
				continue
			}
			ops = append(ops, opcode{'d', i, i + n, j, j})
			i += n
		case diffmatchpatch.DiffInsert:
			ops = append(ops, opcode{'i', i, i, j, j + n})
			j += n
		}
	}
	return ops
}

// changeSets expands opcodes into per-element edits. A replace spanning
// cLen current and nLen updated elements expands to min(cLen,nLen)
// position-aligned modifies, then the surplus new elements as inserts
// at the end of the modified span, then the surplus old elements as
// deletes. The order is contractual: trackers and peers reproduce it
// independently when re-deriving specs.
func changeSets(cur, upd []string) []changeSet {
	offset := 0
	var out []changeSet
	for _, oc := range diffOpcodes(cur, upd) {
		switch oc.tag {
		case 'i':
			for j := oc.j1; j < oc.j2; j++ {
				out = append(out, changeSet{oc.i1, offset, state.ItemAdded, "", upd[j]})
				offset++
			}
		case 'r':
			c0 := oc.i1
			cLen := oc.i2 - oc.i1
			nLen := oc.j2 - oc.j1
			c1 := c0 + min(cLen, nLen)
			for idx := c0; idx < c1; idx++ {
				out = append(out, changeSet{idx, offset, state.ItemModified, cur[idx], upd[oc.j1+idx-c0]})
			}
			for k := 0; k < nLen-cLen; k++ {
				out = append(out, changeSet{c1, offset, state.ItemAdded, "", upd[oc.j1+cLen+k]})
				offset++
			}
			for idx := c1; idx < oc.i2; idx++ {
				out = append(out, changeSet{idx, offset, state.ItemDeleted, cur[idx], ""})
			}
		case 'd':
			for idx := oc.i1; idx < oc.i2; idx++ {
				out = append(out, changeSet{idx, offset, state.ItemDeleted, cur[idx], ""})
			}
		}
	}
	return out
}
