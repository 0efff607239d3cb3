package version

import (
	"testing"
)

func TestDiff_Empty(t *testing.T) {
	diffs := Diff(map[string]interface{}{}, map[string]interface{}{})
	if len(diffs) != 0 {
		t.Fatalf("expected no diffs, got %d", len(diffs))
	}
}

func TestDiff_Identical(t *testing.T) {
	a := map[string]interface{}{"note": "stable", "severity": float64(2)}
	b := map[string]interface{}{"note": "stable", "severity": float64(2)}
	if diffs := Diff(a, b); len(diffs) != 0 {
		t.Fatalf("expected no diffs, got %v", diffs)
	}
}

func TestDiff_AddedRemovedChanged(t *testing.T) {
	old := map[string]interface{}{
		"note":     "initial",
		"resolved": false,
	}
	new := map[string]interface{}{
		"note":    "updated",
		"plan":    "observe",
	}

	diffs := Diff(old, new)
	byPath := make(map[string]DiffEntry)
	for _, d := range diffs {
		byPath[d.Path] = d
	}

	if d := byPath["note"]; d.Type != "changed" || d.OldValue != "initial" || d.NewValue != "updated" {
		t.Errorf("unexpected note diff: %+v", d)
	}
	if d := byPath["resolved"]; d.Type != "removed" {
		t.Errorf("expected resolved to be removed, got %+v", d)
	}
	if d := byPath["plan"]; d.Type != "added" || d.NewValue != "observe" {
		t.Errorf("expected plan to be added, got %+v", d)
	}
}

func TestDiff_Nested(t *testing.T) {
	old := map[string]interface{}{
		"vitals": map[string]interface{}{"hr": float64(72), "bp": "120/80"},
	}
	new := map[string]interface{}{
		"vitals": map[string]interface{}{"hr": float64(90), "bp": "120/80"},
	}

	diffs := Diff(old, new)
	if len(diffs) != 1 {
		t.Fatalf("expected 1 diff, got %d: %v", len(diffs), diffs)
	}
	if diffs[0].Path != "vitals.hr" || diffs[0].Type != "changed" {
		t.Errorf("unexpected diff: %+v", diffs[0])
	}
}

func TestDiff_Slices(t *testing.T) {
	old := map[string]interface{}{
		"symptoms": []interface{}{"fever", "cough"},
	}
	new := map[string]interface{}{
		"symptoms": []interface{}{"fever", "cough", "fatigue"},
	}

	diffs := Diff(old, new)
	if len(diffs) != 1 {
		t.Fatalf("expected 1 diff, got %d: %v", len(diffs), diffs)
	}
	if diffs[0].Path != "symptoms[2]" || diffs[0].Type != "added" {
		t.Errorf("unexpected diff: %+v", diffs[0])
	}
}

func TestDiff_DeterministicOrder(t *testing.T) {
	old := map[string]interface{}{"b": 1, "a": 1, "c": 1}
	new := map[string]interface{}{}

	diffs := Diff(old, new)
	if len(diffs) != 3 {
		t.Fatalf("expected 3 diffs, got %d", len(diffs))
	}
	if diffs[0].Path != "a" || diffs[1].Path != "b" || diffs[2].Path != "c" {
		t.Errorf("expected sorted paths, got %v", diffs)
	}
}
