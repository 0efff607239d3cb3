package version

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

// fakeStore is an in-memory HistoryStore for tracker tests.
type fakeStore struct {
	entries []*Entry
}

func (f *fakeStore) SaveEntry(_ context.Context, e *Entry) error {
	for _, existing := range f.entries {
		if existing.CaseID == e.CaseID && existing.Version == e.Version {
			return ErrDuplicateVersion
		}
	}
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeStore) GetVersion(_ context.Context, caseID uuid.UUID, version int64) (*Entry, error) {
	for _, e := range f.entries {
		if e.CaseID == caseID && e.Version == version {
			return e, nil
		}
	}
	return nil, ErrVersionNotFound
}

func (f *fakeStore) ListVersions(_ context.Context, caseID uuid.UUID, limit, offset int) ([]*Entry, int, error) {
	var out []*Entry
	for i := len(f.entries) - 1; i >= 0; i-- {
		if f.entries[i].CaseID == caseID {
			out = append(out, f.entries[i])
		}
	}
	total := len(out)
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (f *fakeStore) SectionsChangedBetween(_ context.Context, caseID uuid.UUID, from, to int64) (map[string]bool, error) {
	sections := make(map[string]bool)
	for _, e := range f.entries {
		if e.CaseID == caseID && e.Version > from && e.Version <= to {
			sections[e.Section] = true
		}
	}
	return sections, nil
}

func record(t *testing.T, tr *Tracker, caseID uuid.UUID, v int64, section string, old, new map[string]interface{}) {
	t.Helper()
	_, err := tr.Record(context.Background(), Change{
		CaseID:     caseID,
		Version:    v,
		Section:    section,
		ChangeType: ChangeUpdate,
		ActorID:    "u-1",
		OldContent: old,
		NewContent: new,
		Sections:   map[string]interface{}{section: new},
	})
	if err != nil {
		t.Fatalf("record version %d: %v", v, err)
	}
}

func TestTracker_RecordComputesDiff(t *testing.T) {
	store := &fakeStore{}
	tr := NewTracker(store)
	caseID := uuid.New()

	diff, err := tr.Record(context.Background(), Change{
		CaseID:     caseID,
		Version:    2,
		Section:    "clinical_notes",
		ChangeType: ChangeUpdate,
		ActorID:    "u-1",
		OldContent: map[string]interface{}{"text": "a"},
		NewContent: map[string]interface{}{"text": "b"},
		Sections:   map[string]interface{}{"clinical_notes": map[string]interface{}{"text": "b"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(diff) != 1 || diff[0].Path != "text" || diff[0].Type != "changed" {
		t.Errorf("unexpected diff: %v", diff)
	}
}

func TestTracker_DuplicateVersionRejected(t *testing.T) {
	store := &fakeStore{}
	tr := NewTracker(store)
	caseID := uuid.New()

	record(t, tr, caseID, 2, "comments", nil, map[string]interface{}{"text": "x"})

	_, err := tr.Record(context.Background(), Change{
		CaseID:   caseID,
		Version:  2,
		Section:  "comments",
		Sections: map[string]interface{}{},
	})
	if err == nil {
		t.Fatal("expected duplicate version to be rejected")
	}
}

func TestTracker_DiffVersions(t *testing.T) {
	store := &fakeStore{}
	tr := NewTracker(store)
	caseID := uuid.New()

	record(t, tr, caseID, 1, "clinical_notes", nil, map[string]interface{}{"text": "first"})
	record(t, tr, caseID, 2, "clinical_notes", map[string]interface{}{"text": "first"}, map[string]interface{}{"text": "second"})

	diff, err := tr.DiffVersions(context.Background(), caseID, 1, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(diff) != 1 || diff[0].Path != "clinical_notes.text" {
		t.Errorf("unexpected diff: %v", diff)
	}
}

func TestTracker_DiffVersions_MissingVersion(t *testing.T) {
	tr := NewTracker(&fakeStore{})
	_, err := tr.DiffVersions(context.Background(), uuid.New(), 1, 2)
	if err != ErrVersionNotFound {
		t.Fatalf("expected ErrVersionNotFound, got %v", err)
	}
}

func TestTracker_SectionsChangedBetween(t *testing.T) {
	store := &fakeStore{}
	tr := NewTracker(store)
	caseID := uuid.New()

	record(t, tr, caseID, 2, "clinical_notes", nil, map[string]interface{}{"a": 1})
	record(t, tr, caseID, 3, "treatment_plan", nil, map[string]interface{}{"b": 2})
	record(t, tr, caseID, 4, "comments", nil, map[string]interface{}{"c": 3})

	sections, err := tr.SectionsChangedBetween(context.Background(), caseID, 2, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sections["clinical_notes"] {
		t.Error("version 2 should be excluded (from is exclusive)")
	}
	if !sections["treatment_plan"] || !sections["comments"] {
		t.Errorf("expected treatment_plan and comments, got %v", sections)
	}
}
