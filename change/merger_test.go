package change_test

import (
	"strings"
	"testing"

	"syncml/change"
	"syncml/state"
)

// sp spreads a string of single-character words out with spaces,
// e.g. sp("abc") == "a b c".
func sp(str string) string {
	out := make([]string, 0, len(str))
	for _, r := range str {
		out = append(out, string(r))
	}
	return strings.Join(out, " ")
}

func newTextMerger(t *testing.T, multiLine bool, spec string) *change.TextMerger {
	t.Helper()
	tm, err := change.NewTextMerger(multiLine, spec)
	if err != nil {
		t.Fatalf("failed to create text merger from %q: %v", spec, err)
	}
	return tm
}

func pushText(t *testing.T, tm *change.TextMerger, current, updated string) string {
	t.Helper()
	if err := tm.PushText(current, updated); err != nil {
		t.Fatalf("PushText(%q, %q): %v", current, updated, err)
	}
	spec, ok := tm.ChangeSpec()
	if !ok {
		t.Fatalf("text merger reported no spec for %q -> %q", current, updated)
	}
	return spec
}

func mergeText(t *testing.T, tm *change.TextMerger, local, remote string) string {
	t.Helper()
	out, err := tm.MergeText(local, remote)
	if err != nil {
		t.Fatalf("MergeText(%q, %q): %v", local, remote, err)
	}
	return out
}

func TestTextMergerChangeSpec(t *testing.T) {
	cases := []struct {
		name    string
		current string
		updated string
		want    string
	}{
		{"SingleModify", "abcdef", "abCdef", "2:mc"},
		{"Add", "abcdef", "aABbcDdef", "1:a,1:a,3:a"},
		{"Modify", "abcdef", "abCDef", "2:mc,1:md"},
		{"Delete", "abcdef", "abef", "2:dc,1:dd"},
		{"MultiDelete", "abcdefghijklmno", "abefghklmno", "2:dc,1:dd,5:di,1:dj"},
		{"ReplaceThenDelete", "abcdef", "abCef", "2:mc,1:dd"},
		{"ReplaceThenInsert", "abcdef", "abCXYef", "2:mc,1:md,1:a"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tm := newTextMerger(t, false, "")
			if got := pushText(t, tm, sp(c.current), sp(c.updated)); got != c.want {
				t.Errorf("spec = %q, want %q", got, c.want)
			}
		})
	}
}

func TestTextMergerMerge(t *testing.T) {
	cases := []struct {
		name   string
		orig   string
		local  string
		remote string
		want   string
		cspec  string // when non-empty, asserted after the push
	}{
		{"Modify", "abcdef", "abCdef", "abcdEf", "abCdEf", ""},
		{"ModifyDelete", "abcdef", "abCdef", "abcdf", "abCdf", ""},
		{"DeleteModify", "abcdef", "acdef", "abcdef", "acdef", "1:db"},
		{"DeleteModifyLater", "defghi", "dfghi", "defGhi", "dfGhi", "1:de"},
		{"Add", "abcdef", "abCdef", "abcdeXf", "abCdeXf", ""},
		{"MultiAdd", "abcdefghi", "abcdefghiX", "abcdCDefghGHi", "abcdCDefghGHiX", ""},
		{"InterleavedAdds", "abcdefghi", "abABcdefEFghi", "abcdCDefghGHi", "abABcdCDefEFghGHi", ""},
		{"InterleavedDeletes", "abcdefghijklmno", "abefghklmno", "abcdehijklo", "abehklo", ""},
		{"DeleteWithRemoteAdds", "abcdefghi", "adefghi", "abcdefXghYi", "adefXghYi", ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tm := newTextMerger(t, false, "")
			cspec := pushText(t, tm, sp(c.orig), sp(c.local))
			if c.cspec != "" && cspec != c.cspec {
				t.Fatalf("spec = %q, want %q", cspec, c.cspec)
			}
			tm = newTextMerger(t, false, cspec)
			if got := mergeText(t, tm, sp(c.local), sp(c.remote)); got != sp(c.want) {
				t.Errorf("merged = %q, want %q", got, sp(c.want))
			}
		})
	}
}

func TestTextMergerMergeMultiLine(t *testing.T) {
	orig := `
line 1: this
line 2: that
line 3: foo
line 4: bar
line 5: bingo
line 6: star
line 7: done.
`
	local := `
line 1: this
line 2: * changed from "that"
line 3: foo
line 4: bar
line 5: bingo
line 6: star
line 7: done.
`
	remote := `
line 1: this
line 2: that
line 3: foo
line 4: bar
line 5: * changed from "bingo"
line 5.1: * added one line
line 5.2: * added a second line
line 6: star
line 7: done.
`
	want := `
line 1: this
line 2: * changed from "that"
line 3: foo
line 4: bar
line 5: * changed from "bingo"
line 5.1: * added one line
line 5.2: * added a second line
line 6: star
line 7: done.
`
	tm := newTextMerger(t, true, "")
	cspec := pushText(t, tm, orig, local)
	tm = newTextMerger(t, true, cspec)
	if got := mergeText(t, tm, local, remote); got != want {
		t.Errorf("merged = %q, want %q", got, want)
	}
}

func TestTextMergerFactory(t *testing.T) {
	tmf := change.TextMergerFactory{}
	tm, err := tmf.NewMerger("")
	if err != nil {
		t.Fatalf("NewMerger: %v", err)
	}
	if err := tm.PushChange("", change.Str(sp("abcdef")), change.Str(sp("abCdef"))); err != nil {
		t.Fatalf("PushChange: %v", err)
	}
	cspec, ok := tm.ChangeSpec()
	if !ok {
		t.Fatal("expected a change spec")
	}
	if cspec != "2:mc" {
		t.Fatalf("spec = %q, want %q", cspec, "2:mc")
	}

	tm, err = tmf.NewMerger(cspec)
	if err != nil {
		t.Fatalf("NewMerger(%q): %v", cspec, err)
	}
	out, err := tm.MergeChanges("", change.Str(sp("abCdef")), change.Str(sp("bcdeXf")))
	if err != nil {
		t.Fatalf("MergeChanges: %v", err)
	}
	if out == nil || *out != sp("bCdeXf") {
		t.Errorf("merged = %v, want %q", strPtr(out), sp("bCdeXf"))
	}

	// remote already carries the same modification
	tm, err = tmf.NewMerger(cspec)
	if err != nil {
		t.Fatalf("NewMerger(%q): %v", cspec, err)
	}
	out, err = tm.MergeChanges("", change.Str(sp("abCdef")), change.Str(sp("bCdeXf")))
	if err != nil {
		t.Fatalf("MergeChanges: %v", err)
	}
	if out == nil || *out != sp("bCdeXf") {
		t.Errorf("merged = %v, want %q", strPtr(out), sp("bCdeXf"))
	}

	// remote modified the same word to a different value
	tm, err = tmf.NewMerger(cspec)
	if err != nil {
		t.Fatalf("NewMerger(%q): %v", cspec, err)
	}
	if _, err = tm.MergeChanges("", change.Str(sp("abCdef")), change.Str(sp("bZdeXf"))); !state.IsConflict(err) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func strPtr(s *string) string {
	if s == nil {
		return "<nil>"
	}
	return *s
}

func newCompositeMerger(t *testing.T, factory change.CompositeMergerFactory, spec string) change.Merger {
	t.Helper()
	m, err := factory.NewMerger(spec)
	if err != nil {
		t.Fatalf("failed to create composite merger from %q: %v", spec, err)
	}
	return m
}

func TestCompositeMergerTextOnlyGenerate(t *testing.T) {
	factory := change.CompositeMergerFactory{
		Default:  change.TextMergerFactory{},
		PerField: true,
	}
	m := newCompositeMerger(t, factory, "")
	if err := m.PushChange("text1", change.Str(sp("abc")), change.Str(sp("aBc"))); err != nil {
		t.Fatalf("PushChange(text1): %v", err)
	}
	if err := m.PushChange("text2", change.Str(sp("def")), change.Str(sp("ef"))); err != nil {
		t.Fatalf("PushChange(text2): %v", err)
	}
	want := "text1=1%3Amb&text2=0%3Add"
	if got, ok := m.ChangeSpec(); !ok || got != want {
		t.Errorf("spec = %q (ok=%v), want %q", got, ok, want)
	}
}

func TestCompositeMergerTextOnlyMerge(t *testing.T) {
	factory := change.CompositeMergerFactory{
		Default:  change.TextMergerFactory{},
		PerField: true,
	}
	m := newCompositeMerger(t, factory, "text1=1%3Amb&text2=1%3Ade")
	out, err := m.MergeChanges("text1", change.Str("a B c"), change.Str("a b c"))
	if err != nil {
		t.Fatalf("MergeChanges(text1): %v", err)
	}
	if out == nil || *out != "a B c" {
		t.Errorf("text1 merged = %v, want %q", strPtr(out), "a B c")
	}
	out, err = m.MergeChanges("text2", change.Str("d f g h i"), change.Str("d e f G h i"))
	if err != nil {
		t.Fatalf("MergeChanges(text2): %v", err)
	}
	if out == nil || *out != "d f G h i" {
		t.Errorf("text2 merged = %v, want %q", strPtr(out), "d f G h i")
	}
}

func TestCompositeMergerTextOnlyConflict(t *testing.T) {
	factory := change.CompositeMergerFactory{
		Default:  change.TextMergerFactory{},
		PerField: true,
	}
	m := newCompositeMerger(t, factory, "text1=1%3Amb&text2=0%3Add")
	if _, err := m.MergeChanges("text1", change.Str("a B c"), change.Str("d e f")); !state.IsConflict(err) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func noteFactory() change.CompositeMergerFactory {
	return change.CompositeMergerFactory{
		Mergers: map[string]change.MergerFactory{
			"body": change.TextMergerFactory{},
		},
	}
}

func TestCompositeMergerGenerate(t *testing.T) {
	m := newCompositeMerger(t, noteFactory(), "")
	if err := m.PushChange("name", change.Str("foo"), change.Str("bar")); err != nil {
		t.Fatalf("PushChange(name): %v", err)
	}
	if err := m.PushChange("body", change.Str("a b c"), change.Str("a c")); err != nil {
		t.Fatalf("PushChange(body): %v", err)
	}
	want := "mod%3Aname%40vfoo&body=1%3Adb"
	if got, ok := m.ChangeSpec(); !ok || got != want {
		t.Errorf("spec = %q (ok=%v), want %q", got, ok, want)
	}
}

func TestCompositeMergerMerge(t *testing.T) {
	m := newCompositeMerger(t, noteFactory(), "mod%3Aname%40vfoo&body=1%3Adb")
	out, err := m.MergeChanges("name", change.Str("bar"), change.Str("foo"))
	if err != nil {
		t.Fatalf("MergeChanges(name): %v", err)
	}
	if out == nil || *out != "bar" {
		t.Errorf("name merged = %v, want %q", strPtr(out), "bar")
	}
	out, err = m.MergeChanges("body", change.Str("a c"), change.Str("a b c F"))
	if err != nil {
		t.Fatalf("MergeChanges(body): %v", err)
	}
	if out == nil || *out != "a c F" {
		t.Errorf("body merged = %v, want %q", strPtr(out), "a c F")
	}
}

func TestCompositeMergerMergeSameChange(t *testing.T) {
	m := newCompositeMerger(t, noteFactory(), "mod%3Aname%40vfoo&body=1%3Amb")
	out, err := m.MergeChanges("body", change.Str("a B c"), change.Str("a B c D"))
	if err != nil {
		t.Fatalf("MergeChanges(body): %v", err)
	}
	if out == nil || *out != "a B c D" {
		t.Errorf("body merged = %v, want %q", strPtr(out), "a B c D")
	}
}

func TestCompositeMergerConflicts(t *testing.T) {
	m := newCompositeMerger(t, noteFactory(), "mod%3Aname%40vfoo&body=1%3Adb")
	if _, err := m.MergeChanges("name", change.Str("bar"), change.Str("fig")); !state.IsConflict(err) {
		t.Errorf("name: expected conflict, got %v", err)
	}

	m = newCompositeMerger(t, noteFactory(), "mod%3Aname%40vfoo&body=1%3Amb")
	if _, err := m.MergeChanges("body", change.Str("a B c"), change.Str("a X c")); !state.IsConflict(err) {
		t.Errorf("body: expected conflict, got %v", err)
	}
}

// opaqueMerger accepts changes but cannot describe them field-wise,
// so it reports no change spec.
type opaqueMerger struct{}

func (opaqueMerger) PushSpec(string) error                     { return nil }
func (opaqueMerger) PushChange(string, *string, *string) error { return nil }
func (opaqueMerger) MergeChanges(_ string, local, _ *string) (*string, error) {
	return local, nil
}
func (opaqueMerger) ChangeSpec() (string, bool) { return "", false }

type opaqueMergerFactory struct{}

func (opaqueMergerFactory) NewMerger(string) (change.Merger, error) {
	return opaqueMerger{}, nil
}

func TestCompositeMergerConstituentWithoutSpec(t *testing.T) {
	factory := change.CompositeMergerFactory{
		Mergers: map[string]change.MergerFactory{
			"body": opaqueMergerFactory{},
		},
	}
	m := newCompositeMerger(t, factory, "")
	if err := m.PushChange("name", change.Str("foo"), change.Str("bar")); err != nil {
		t.Fatalf("PushChange(name): %v", err)
	}
	if err := m.PushChange("body", change.Str("a"), change.Str("b")); err != nil {
		t.Fatalf("PushChange(body): %v", err)
	}
	if spec, ok := m.ChangeSpec(); ok {
		t.Errorf("expected no spec when a constituent cannot describe its changes, got %q", spec)
	}
}

func TestCompositeMergerDefaultWithoutSpec(t *testing.T) {
	factory := change.CompositeMergerFactory{Default: opaqueMergerFactory{}}
	m := newCompositeMerger(t, factory, "")
	if err := m.PushChange("name", change.Str("foo"), change.Str("bar")); err != nil {
		t.Fatalf("PushChange(name): %v", err)
	}
	if _, ok := m.ChangeSpec(); ok {
		t.Error("expected no spec when the default merger cannot describe its changes")
	}
}
