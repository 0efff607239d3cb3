package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/caseflow/caseflow/internal/domain/casedoc"
)

// fakeCommitter is an in-memory authoritative store with the same
// base-version acceptance rule as the case service.
type fakeCommitter struct {
	mu       sync.Mutex
	doc      *casedoc.CaseDocument
	commits  int
	fetches  int
	onCommit func()
}

func (f *fakeCommitter) Commit(_ context.Context, caseID uuid.UUID, section string, content map[string]interface{}, baseVersion int64) (*casedoc.CommitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	if f.onCommit != nil {
		f.onCommit()
	}
	if caseID != f.doc.ID {
		return nil, casedoc.ErrCaseNotFound
	}
	if baseVersion != f.doc.Version {
		return nil, &casedoc.VersionConflictError{CurrentVersion: f.doc.Version}
	}
	f.doc.Version++
	f.doc.Sections[section] = content
	return &casedoc.CommitResult{Version: f.doc.Version}, nil
}

func (f *fakeCommitter) Fetch(_ context.Context, caseID uuid.UUID) (*casedoc.CaseDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if caseID != f.doc.ID {
		return nil, casedoc.ErrCaseNotFound
	}
	return f.doc.Clone(), nil
}

// serverCommit mutates the authoritative document directly, standing in
// for another client's accepted commit.
func (f *fakeCommitter) serverCommit(section string, content map[string]interface{}) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.doc.Version++
	f.doc.Sections[section] = content
	return f.doc.Version
}

func testDoc(version int64) *casedoc.CaseDocument {
	return &casedoc.CaseDocument{
		ID:        uuid.New(),
		PatientID: uuid.New(),
		Title:     "Recurrent migraine with aura",
		Status:    "active",
		Priority:  "routine",
		Version:   version,
		Sections: map[string]map[string]interface{}{
			casedoc.SectionClinicalNotes: {"text": "initial assessment"},
			casedoc.SectionComments:      {"notes": []interface{}{}},
		},
		CreatedAt:      time.Now(),
		LastModifiedAt: time.Now(),
	}
}

func setup(t *testing.T, version int64) (*Reconciler, *fakeCommitter) {
	t.Helper()
	f := &fakeCommitter{doc: testDoc(version)}
	r := New(f.doc, f)
	t.Cleanup(r.Close)
	return r, f
}

func TestEdit_AppliesImmediately(t *testing.T) {
	r, _ := setup(t, 3)

	edit := map[string]interface{}{"text": "revised plan"}
	if err := r.Edit(casedoc.SectionClinicalNotes, edit); err != nil {
		t.Fatalf("Edit: %v", err)
	}

	doc := r.Document()
	if doc.Sections[casedoc.SectionClinicalNotes]["text"] != "revised plan" {
		t.Errorf("working copy not updated: %v", doc.Sections[casedoc.SectionClinicalNotes])
	}
	if doc.Version != 3 {
		t.Errorf("version advanced before commit: %d", doc.Version)
	}
}

func TestCommit_Accepted(t *testing.T) {
	r, f := setup(t, 3)

	r.Edit(casedoc.SectionClinicalNotes, map[string]interface{}{"text": "revised"})
	v, err := r.Commit(context.Background(), casedoc.SectionClinicalNotes)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if v != 4 {
		t.Errorf("version = %d, want 4", v)
	}
	if r.Version() != 4 {
		t.Errorf("working copy version = %d, want 4", r.Version())
	}

	// Nothing pending: a repeat commit is a no-op.
	v, err = r.Commit(context.Background(), casedoc.SectionClinicalNotes)
	if err != nil || v != 4 {
		t.Errorf("repeat commit = (%d, %v), want (4, nil)", v, err)
	}
	if f.commits != 1 {
		t.Errorf("commits = %d, want 1", f.commits)
	}
}

func TestCommit_RebasesWhenSectionUntouchedUpstream(t *testing.T) {
	// Two clients hold the document at version 5. Client A commits a
	// note first; client B's staged edit to a different section must be
	// rebased and retried, not lost and not treated as a conflict.
	r, f := setup(t, 5)

	r.Edit(casedoc.SectionClinicalNotes, map[string]interface{}{"text": "B's plan"})

	aNotes := map[string]interface{}{"notes": []interface{}{"A's note"}}
	if v := f.serverCommit(casedoc.SectionComments, aNotes); v != 6 {
		t.Fatalf("server version = %d, want 6", v)
	}

	v, err := r.Commit(context.Background(), casedoc.SectionClinicalNotes)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if v != 7 {
		t.Errorf("version = %d, want 7", v)
	}
	if f.commits != 2 {
		t.Errorf("commits = %d, want 2 (reject then rebase)", f.commits)
	}

	// The working copy converged on both changes.
	doc := r.Document()
	if doc.Sections[casedoc.SectionClinicalNotes]["text"] != "B's plan" {
		t.Errorf("local edit lost: %v", doc.Sections[casedoc.SectionClinicalNotes])
	}
	if got := doc.Sections[casedoc.SectionComments]["notes"]; len(got.([]interface{})) != 1 {
		t.Errorf("upstream note not adopted: %v", got)
	}
}

func TestCommit_ConflictWhenSameSectionChangedUpstream(t *testing.T) {
	r, f := setup(t, 5)

	r.Edit(casedoc.SectionClinicalNotes, map[string]interface{}{"text": "local draft"})
	f.serverCommit(casedoc.SectionClinicalNotes, map[string]interface{}{"text": "remote rewrite"})

	_, err := r.Commit(context.Background(), casedoc.SectionClinicalNotes)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want ConflictError", err)
	}
	if conflict.Section != casedoc.SectionClinicalNotes {
		t.Errorf("conflict section = %s", conflict.Section)
	}
	if conflict.LocalContent["text"] != "local draft" {
		t.Errorf("local content = %v", conflict.LocalContent)
	}
	if conflict.RemoteContent["text"] != "remote rewrite" {
		t.Errorf("remote content = %v", conflict.RemoteContent)
	}
	if conflict.RemoteVersion != 6 {
		t.Errorf("remote version = %d, want 6", conflict.RemoteVersion)
	}

	// The local edit survives the rejection for explicit resolution.
	if got := r.Document().Sections[casedoc.SectionClinicalNotes]["text"]; got != "local draft" {
		t.Errorf("working copy = %v, want local draft kept", got)
	}
	if !r.NewerAvailable(casedoc.SectionClinicalNotes) {
		t.Error("newer-available flag not set")
	}
}

func TestResolveKeepLocal(t *testing.T) {
	r, f := setup(t, 5)

	r.Edit(casedoc.SectionClinicalNotes, map[string]interface{}{"text": "local draft"})
	f.serverCommit(casedoc.SectionClinicalNotes, map[string]interface{}{"text": "remote rewrite"})

	if _, err := r.Commit(context.Background(), casedoc.SectionClinicalNotes); err == nil {
		t.Fatal("expected conflict")
	}

	v, err := r.ResolveKeepLocal(context.Background(), casedoc.SectionClinicalNotes)
	if err != nil {
		t.Fatalf("ResolveKeepLocal: %v", err)
	}
	if v != 7 {
		t.Errorf("version = %d, want 7", v)
	}
	if got := f.doc.Sections[casedoc.SectionClinicalNotes]["text"]; got != "local draft" {
		t.Errorf("authoritative content = %v, want local draft", got)
	}
	if r.NewerAvailable(casedoc.SectionClinicalNotes) {
		t.Error("newer-available flag should clear after resolution")
	}
}

func TestAcceptRemote_DropsLocalEdit(t *testing.T) {
	r, f := setup(t, 5)

	r.Edit(casedoc.SectionClinicalNotes, map[string]interface{}{"text": "local draft"})
	f.serverCommit(casedoc.SectionClinicalNotes, map[string]interface{}{"text": "remote rewrite"})

	if _, err := r.Commit(context.Background(), casedoc.SectionClinicalNotes); err == nil {
		t.Fatal("expected conflict")
	}

	if err := r.AcceptRemote(context.Background(), casedoc.SectionClinicalNotes); err != nil {
		t.Fatalf("AcceptRemote: %v", err)
	}
	doc := r.Document()
	if got := doc.Sections[casedoc.SectionClinicalNotes]["text"]; got != "remote rewrite" {
		t.Errorf("working copy = %v, want remote rewrite", got)
	}
	if doc.Version != 6 {
		t.Errorf("version = %d, want 6", doc.Version)
	}
}

func TestHandleRemote_AppliedWhenSectionNotUnderEdit(t *testing.T) {
	r, f := setup(t, 5)

	v := f.serverCommit(casedoc.SectionComments, map[string]interface{}{"notes": []interface{}{"hello"}})
	applied, err := r.HandleRemote(context.Background(), casedoc.CaseEvent{
		Type:    casedoc.EventCaseUpdated,
		CaseID:  f.doc.ID,
		Version: v,
		Section: casedoc.SectionComments,
	})
	if err != nil {
		t.Fatalf("HandleRemote: %v", err)
	}
	if !applied {
		t.Error("event not applied")
	}
	if r.Version() != 6 {
		t.Errorf("version = %d, want 6", r.Version())
	}
}

func TestHandleRemote_StaleEventIgnored(t *testing.T) {
	r, f := setup(t, 5)

	applied, err := r.HandleRemote(context.Background(), casedoc.CaseEvent{
		Type:    casedoc.EventCaseUpdated,
		CaseID:  f.doc.ID,
		Version: 4,
		Section: casedoc.SectionComments,
	})
	if err != nil || applied {
		t.Errorf("stale event = (%v, %v), want (false, nil)", applied, err)
	}
	if f.fetches != 0 {
		t.Errorf("fetches = %d, want 0", f.fetches)
	}
}

func TestHandleRemote_QueuedWhileEditing(t *testing.T) {
	r, f := setup(t, 5)

	r.Edit(casedoc.SectionClinicalNotes, map[string]interface{}{"text": "mid edit"})
	v := f.serverCommit(casedoc.SectionClinicalNotes, map[string]interface{}{"text": "remote"})

	applied, err := r.HandleRemote(context.Background(), casedoc.CaseEvent{
		Type:    casedoc.EventCaseUpdated,
		CaseID:  f.doc.ID,
		Version: v,
		Section: casedoc.SectionClinicalNotes,
	})
	if err != nil {
		t.Fatalf("HandleRemote: %v", err)
	}
	if applied {
		t.Error("event applied over an in-progress edit")
	}
	if !r.NewerAvailable(casedoc.SectionClinicalNotes) {
		t.Error("newer-available flag not set")
	}
	if got := r.Document().Sections[casedoc.SectionClinicalNotes]["text"]; got != "mid edit" {
		t.Errorf("local edit overwritten: %v", got)
	}
}

func TestDiscard_RestoresBaseContent(t *testing.T) {
	r, _ := setup(t, 3)

	r.Edit(casedoc.SectionClinicalNotes, map[string]interface{}{"text": "scratch"})
	r.Discard(casedoc.SectionClinicalNotes)

	if got := r.Document().Sections[casedoc.SectionClinicalNotes]["text"]; got != "initial assessment" {
		t.Errorf("section = %v, want base content restored", got)
	}

	// Discarding clears pending: commit is a no-op.
	f := r.committer.(*fakeCommitter)
	if _, err := r.Commit(context.Background(), casedoc.SectionClinicalNotes); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if f.commits != 0 {
		t.Errorf("commits = %d, want 0", f.commits)
	}
}

func TestClose_InFlightCommitDiscarded(t *testing.T) {
	f := &fakeCommitter{doc: testDoc(3)}
	r := New(f.doc, f)

	// The session closes while the commit is on the wire. The server
	// accepts it, but the closed session must not apply the result.
	f.onCommit = func() { r.Close() }

	r.Edit(casedoc.SectionClinicalNotes, map[string]interface{}{"text": "late"})
	_, err := r.Commit(context.Background(), casedoc.SectionClinicalNotes)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}

	if err := r.Edit(casedoc.SectionComments, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Edit after close = %v, want ErrClosed", err)
	}
}

func TestHandleRemote_OtherCaseIgnored(t *testing.T) {
	r, f := setup(t, 5)

	applied, err := r.HandleRemote(context.Background(), casedoc.CaseEvent{
		Type:    casedoc.EventCaseUpdated,
		CaseID:  uuid.New(),
		Version: 9,
		Section: casedoc.SectionComments,
	})
	if err != nil || applied {
		t.Errorf("foreign event = (%v, %v), want (false, nil)", applied, err)
	}
	if f.fetches != 0 {
		t.Errorf("fetches = %d, want 0", f.fetches)
	}
}
