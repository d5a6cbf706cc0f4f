package change_test

import (
	"testing"

	"syncml/change"
	"syncml/state"
)

func newAttrTracker(t *testing.T, spec string) *change.AttributeTracker {
	t.Helper()
	ct, err := change.NewAttributeTracker(spec)
	if err != nil {
		t.Fatalf("failed to create tracker from %q: %v", spec, err)
	}
	return ct
}

func TestAttributeTrackerEmpty(t *testing.T) {
	ct := newAttrTracker(t, "")
	if got := ct.String(); got != "" {
		t.Errorf("expected empty full spec, got %q", got)
	}
	if got := ct.Spec(); got != "" {
		t.Errorf("expected empty batch spec, got %q", got)
	}
}

func TestAttributeTrackerSeeded(t *testing.T) {
	base := "add:first|mod:mi@vJ|del:tel-pager@v1234"
	ct := newAttrTracker(t, base)
	if got := ct.String(); got != base {
		t.Errorf("full spec = %q, want %q", got, base)
	}
	if got := ct.Spec(); got != "" {
		t.Errorf("batch spec = %q, want empty", got)
	}

	ct.Append("last", state.ItemAdded, "", false)
	if got, want := ct.String(), "add:first,last|mod:mi@vJ|del:tel-pager@v1234"; got != want {
		t.Errorf("full spec = %q, want %q", got, want)
	}
	if got, want := ct.Spec(), "add:last"; got != want {
		t.Errorf("batch spec = %q, want %q", got, want)
	}
}

func TestAttributeTrackerGenerate(t *testing.T) {
	ct := newAttrTracker(t, "")
	ct.Append("first", state.ItemAdded, "", false)
	ct.Append("tel-pager", state.ItemDeleted, "1234", false)
	ct.Append("surname", state.ItemModified, "Smith", false)
	ct.Append("mi", state.ItemModified, "J", false)
	want := "add:first|mod:mi@vJ,surname@vSmith|del:tel-pager@v1234"
	if got := ct.String(); got != want {
		t.Errorf("spec = %q, want %q", got, want)
	}
}

func TestAttributeTrackerGenerateEscaped(t *testing.T) {
	ct := newAttrTracker(t, "")
	ct.Append("first", state.ItemAdded, "", false)
	ct.Append("tel-pager", state.ItemDeleted, "+1-888-555-1212", false)
	ct.Append("surname", state.ItemModified, "Smith", false)
	ct.Append("mi", state.ItemModified, "J", false)
	want := "add:first|mod:mi@vJ,surname@vSmith|del:tel-pager@v%2B1-888-555-1212"
	if got := ct.String(); got != want {
		t.Errorf("spec = %q, want %q", got, want)
	}
}

func TestAttributeTrackerOverwrite(t *testing.T) {
	ct := newAttrTracker(t, "")
	ct.Append("mi", state.ItemModified, "J", false)
	ct.Append("first", state.ItemAdded, "", false)
	ct.Append("tel-pager", state.ItemDeleted, "1234", false)
	ct.Append("surname", state.ItemModified, "Smith", false)
	ct.Append("mi", state.ItemDeleted, "K", false)
	want := "add:first|mod:surname@vSmith|del:mi@vJ,tel-pager@v1234"
	if got := ct.String(); got != want {
		t.Errorf("spec = %q, want %q", got, want)
	}
}

func TestAttributeTrackerParseThenOverwrite(t *testing.T) {
	ct := newAttrTracker(t, "add:first|mod:mi@vJ,surname@vSmith|del:tel-pager@v1234")
	ct.Append("mi", state.ItemDeleted, "K", false)
	want := "add:first|mod:surname@vSmith|del:mi@vJ,tel-pager@v1234"
	if got := ct.String(); got != want {
		t.Errorf("spec = %q, want %q", got, want)
	}
}

func TestAttributeTrackerAddDeleteCancels(t *testing.T) {
	ct := newAttrTracker(t, "")
	ct.Append("f", state.ItemAdded, "", false)
	ct.Append("f", state.ItemDeleted, "x", false)
	if got := ct.Spec(); got != "" {
		t.Errorf("add-then-delete should cancel, got %q", got)
	}
}

func TestAttributeTrackerIdempotentAppend(t *testing.T) {
	ct := newAttrTracker(t, "")
	ct.Append("surname", state.ItemModified, "Smith", false)
	once := ct.Spec()
	ct.Append("surname", state.ItemModified, "Smith", false)
	if got := ct.Spec(); got != once {
		t.Errorf("repeated append changed spec: %q vs %q", got, once)
	}
}

func TestAttributeTrackerIsChange(t *testing.T) {
	ct := newAttrTracker(t, "add:first|mod:mi@vJ,surname@vSmith|del:tel-pager@v1234")

	if _, err := ct.IsChange("first", state.ItemAdded, "Joe", false); !state.IsConflict(err) {
		t.Errorf("add over tracked add: expected conflict, got %v", err)
	}
	if ok, err := ct.IsChange("suffix", state.ItemModified, "Sr.", false); err != nil || !ok {
		t.Errorf("untracked modify: got (%v, %v), want genuine change", ok, err)
	}
	if ok, err := ct.IsChange("suffix", state.ItemAdded, "Sr.", false); err != nil || !ok {
		t.Errorf("untracked add: got (%v, %v), want genuine change", ok, err)
	}
	if _, err := ct.IsChange("mi", state.ItemModified, "F", false); !state.IsConflict(err) {
		t.Errorf("modify over tracked modify of different value: expected conflict, got %v", err)
	}
	if ok, err := ct.IsChange("mi", state.ItemAdded, "J", false); err != nil || ok {
		t.Errorf("add catching up to tracked original: got (%v, %v), want no-op", ok, err)
	}
	if _, err := ct.IsChange("tel-pager", state.ItemModified, "+1-modified-value", false); !state.IsConflict(err) {
		t.Errorf("modify over tracked delete: expected conflict, got %v", err)
	}
	if ok, err := ct.IsChange("tel-pager", state.ItemAdded, "1234", false); err != nil || ok {
		t.Errorf("re-add of deleted original: got (%v, %v), want no-op", ok, err)
	}
	if ok, err := ct.IsChange("tel-pager", state.ItemDeleted, "", false); err != nil || ok {
		t.Errorf("delete of tracked delete: got (%v, %v), want no-op", ok, err)
	}
}

func TestAttributeTrackerUpdate(t *testing.T) {
	ct := newAttrTracker(t, "add:first|mod:mi@vJ,surname@vSmith|del:tel-pager@v1234")

	cases := []struct {
		field         string
		local, remote *string
		want          *string
	}{
		{"first", change.Str("Joe"), nil, change.Str("Joe")},
		{"first", change.Str("Joe"), change.Str("Joe"), change.Str("Joe")},
		{"tel-home", change.Str("1234"), nil, nil},
		{"tel-work", change.Str("1234"), change.Str("3456"), change.Str("3456")},
		{"tel-other", nil, change.Str("6789"), change.Str("6789")},
		{"suffix", nil, change.Str("Sr."), change.Str("Sr.")},
	}
	for _, c := range cases {
		got, err := ct.Update(c.field, c.local, c.remote)
		if err != nil {
			t.Errorf("Update(%s) unexpected error: %v", c.field, err)
			continue
		}
		if (got == nil) != (c.want == nil) || (got != nil && *got != *c.want) {
			t.Errorf("Update(%s) = %v, want %v", c.field, got, c.want)
		}
	}

	if _, err := ct.Update("first", change.Str("Joe"), change.Str("Joseph")); !state.IsConflict(err) {
		t.Errorf("expected conflict updating added field, got %v", err)
	}
	if _, err := ct.Update("mi", change.Str("K"), nil); !state.IsConflict(err) {
		t.Errorf("expected conflict deleting modified field, got %v", err)
	}
	if _, err := ct.Update("tel-pager", nil, change.Str("0987")); !state.IsConflict(err) {
		t.Errorf("expected conflict re-adding deleted field with new value, got %v", err)
	}
}

func TestAttributeTrackerUpdateRecordsDelete(t *testing.T) {
	ct := newAttrTracker(t, "add:first|mod:mi@vJ,surname@vSmith|del:tel-pager@v1234")
	if got, err := ct.Update("first", change.Str("Joe"), nil); err != nil || got == nil || *got != "Joe" {
		t.Fatalf("Update(first) = (%v, %v), want Joe", got, err)
	}
	if got, err := ct.Update("tel-home", change.Str("1234"), nil); err != nil || got != nil {
		t.Fatalf("Update(tel-home) = (%v, %v), want nil", got, err)
	}
	wantFull := "add:first|mod:mi@vJ,surname@vSmith|del:tel-home@v1234,tel-pager@v1234"
	if got := ct.String(); got != wantFull {
		t.Errorf("full spec = %q, want %q", got, wantFull)
	}
	if got, want := ct.Spec(), "del:tel-home@v1234"; got != want {
		t.Errorf("batch spec = %q, want %q", got, want)
	}
}

func TestAttributeTrackerUpdateRecordsModify(t *testing.T) {
	ct := newAttrTracker(t, "add:first|mod:mi@vJ,surname@vSmith|del:tel-pager@v1234")
	if got, err := ct.Update("tel-home", change.Str("1234"), change.Str("4321")); err != nil || got == nil || *got != "4321" {
		t.Fatalf("Update(tel-home) = (%v, %v), want 4321", got, err)
	}
	wantFull := "add:first|mod:mi@vJ,surname@vSmith,tel-home@v1234|del:tel-pager@v1234"
	if got := ct.String(); got != wantFull {
		t.Errorf("full spec = %q, want %q", got, wantFull)
	}
	if got, want := ct.Spec(), "mod:tel-home@v1234"; got != want {
		t.Errorf("batch spec = %q, want %q", got, want)
	}
}

func TestAttributeTrackerUpdateRecordsAdd(t *testing.T) {
	ct := newAttrTracker(t, "add:first|mod:mi@vJ,surname@vSmith|del:tel-pager@v1234")
	if got, err := ct.Update("tel-home", nil, change.Str("1234")); err != nil || got == nil || *got != "1234" {
		t.Fatalf("Update(tel-home) = (%v, %v), want 1234", got, err)
	}
	wantFull := "add:first,tel-home|mod:mi@vJ,surname@vSmith|del:tel-pager@v1234"
	if got := ct.String(); got != wantFull {
		t.Errorf("full spec = %q, want %q", got, wantFull)
	}
	if got, want := ct.Spec(), "add:tel-home"; got != want {
		t.Errorf("batch spec = %q, want %q", got, want)
	}
}

func TestAttributeTrackerLongValueDigested(t *testing.T) {
	long := "this original value is much longer than a digest would be"
	ct := newAttrTracker(t, "")
	ct.Append("body", state.ItemModified, long, false)
	spec := ct.Spec()
	if len(spec) > len("mod:body@m")+32 {
		t.Errorf("long value not digested: %q", spec)
	}
	// catching up with the identical original must still be a no-op
	ct2 := newAttrTracker(t, spec)
	if ok, err := ct2.IsChange("body", state.ItemModified, long, false); err != nil || ok {
		t.Errorf("digest-aware compare failed: (%v, %v)", ok, err)
	}
}
