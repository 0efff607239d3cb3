package version

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// HistoryStore is the storage surface the Tracker writes through.
// *HistoryRepository implements it; tests supply fakes.
type HistoryStore interface {
	SaveEntry(ctx context.Context, e *Entry) error
	GetVersion(ctx context.Context, caseID uuid.UUID, version int64) (*Entry, error)
	ListVersions(ctx context.Context, caseID uuid.UUID, limit, offset int) ([]*Entry, int, error)
	SectionsChangedBetween(ctx context.Context, caseID uuid.UUID, from, to int64) (map[string]bool, error)
}

// Tracker wraps a HistoryStore with the higher-level operations domain
// services call while committing case changes.
type Tracker struct {
	store HistoryStore
}

// NewTracker creates a Tracker over the given store.
func NewTracker(store HistoryStore) *Tracker {
	return &Tracker{store: store}
}

// Change describes one accepted commit for recording.
type Change struct {
	CaseID     uuid.UUID
	Version    int64
	Section    string
	ChangeType string
	ActorID    string
	ActorName  string
	OldContent map[string]interface{}
	NewContent map[string]interface{}
	// Sections is the full sections map after the change; stored as the
	// snapshot so any version can be reconstructed without replay.
	Sections map[string]interface{}
}

// Record appends a history entry for the change. Callers run it inside
// the same transaction that bumps the document version.
func (t *Tracker) Record(ctx context.Context, ch Change) ([]DiffEntry, error) {
	snapshot, err := json.Marshal(ch.Sections)
	if err != nil {
		return nil, fmt.Errorf("version tracker: marshal snapshot: %w", err)
	}

	diff := Diff(ch.OldContent, ch.NewContent)

	entry := &Entry{
		CaseID:     ch.CaseID,
		Version:    ch.Version,
		Section:    ch.Section,
		ChangeType: ch.ChangeType,
		ActorID:    ch.ActorID,
		ActorName:  ch.ActorName,
		Snapshot:   snapshot,
		Diff:       diff,
	}
	if err := t.store.SaveEntry(ctx, entry); err != nil {
		return nil, err
	}
	return diff, nil
}

// SnapshotAt returns the full sections map as of the given version.
func (t *Tracker) SnapshotAt(ctx context.Context, caseID uuid.UUID, version int64) (map[string]interface{}, error) {
	entry, err := t.store.GetVersion(ctx, caseID, version)
	if err != nil {
		return nil, err
	}
	var sections map[string]interface{}
	if err := json.Unmarshal(entry.Snapshot, &sections); err != nil {
		return nil, fmt.Errorf("version tracker: unmarshal snapshot: %w", err)
	}
	return sections, nil
}

// DiffVersions returns the field-level changes between two stored
// versions. It is pure over stored entries; no document access needed.
func (t *Tracker) DiffVersions(ctx context.Context, caseID uuid.UUID, v1, v2 int64) ([]DiffEntry, error) {
	old, err := t.SnapshotAt(ctx, caseID, v1)
	if err != nil {
		return nil, err
	}
	new, err := t.SnapshotAt(ctx, caseID, v2)
	if err != nil {
		return nil, err
	}
	return Diff(old, new), nil
}

// ListVersions retrieves history entries for a case, newest first.
func (t *Tracker) ListVersions(ctx context.Context, caseID uuid.UUID, limit, offset int) ([]*Entry, int, error) {
	return t.store.ListVersions(ctx, caseID, limit, offset)
}

// GetVersion retrieves one history entry.
func (t *Tracker) GetVersion(ctx context.Context, caseID uuid.UUID, version int64) (*Entry, error) {
	return t.store.GetVersion(ctx, caseID, version)
}

// SectionsChangedBetween reports which sections were touched by commits
// with from < version <= to; reconciliation uses it to decide whether a
// rejected commit can be rebased automatically.
func (t *Tracker) SectionsChangedBetween(ctx context.Context, caseID uuid.UUID, from, to int64) (map[string]bool, error) {
	return t.store.SectionsChangedBetween(ctx, caseID, from, to)
}
