package casedoc

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/caseflow/caseflow/internal/platform/db"
	"github.com/caseflow/caseflow/internal/platform/identity"
	"github.com/caseflow/caseflow/internal/platform/version"
	ws "github.com/caseflow/caseflow/internal/platform/websocket"
)

// Broadcaster delivers accepted case events to connected clients. The
// websocket hub satisfies it.
type Broadcaster interface {
	BroadcastEvent(topic, frameType string, version int64, data interface{}) error
}

// EventSink receives every accepted case event after commit, e.g. to
// fan out notifications. Sinks run after the transaction has committed.
type EventSink interface {
	CaseEventRecorded(ctx context.Context, ev CaseEvent)
}

// CommitResult reports an accepted commit back to the caller.
type CommitResult struct {
	Version int64               `json:"version"`
	Diff    []version.DiffEntry `json:"diff"`
}

// Service coordinates case document commits: optimistic version checks,
// atomic history recording, and event broadcast.
type Service struct {
	cases       Repository
	tracker     *version.Tracker
	runTx       func(ctx context.Context, fn func(context.Context) error) error
	broadcaster Broadcaster
	sink        EventSink
	logger      zerolog.Logger
}

func NewService(cases Repository, tracker *version.Tracker) *Service {
	return &Service{
		cases:   cases,
		tracker: tracker,
		runTx: func(ctx context.Context, fn func(context.Context) error) error {
			return fn(ctx)
		},
		logger: zerolog.Nop(),
	}
}

// UsePool makes commits run inside a database transaction so the
// version bump and its history entry land atomically.
func (s *Service) UsePool(pool *pgxpool.Pool) {
	s.runTx = func(ctx context.Context, fn func(context.Context) error) error {
		return db.RunInTx(ctx, pool, fn)
	}
}

// SetBroadcaster attaches an optional event broadcaster.
func (s *Service) SetBroadcaster(b Broadcaster) { s.broadcaster = b }

// SetEventSink attaches an optional post-commit event sink.
func (s *Service) SetEventSink(sink EventSink) { s.sink = sink }

// SetLogger attaches a logger.
func (s *Service) SetLogger(l zerolog.Logger) { s.logger = l }

// Tracker exposes the version tracker for history reads.
func (s *Service) Tracker() *version.Tracker { return s.tracker }

func (s *Service) emit(ctx context.Context, ev CaseEvent) {
	if s.broadcaster != nil {
		topic := ws.CaseTopic(ev.CaseID.String())
		if err := s.broadcaster.BroadcastEvent(topic, ws.FrameCaseEvent, ev.Version, ev); err != nil {
			s.logger.Error().Err(err).Str("case_id", ev.CaseID.String()).Msg("broadcast case event")
		}
	}
	if s.sink != nil {
		s.sink.CaseEventRecorded(ctx, ev)
	}
}

// CreateCase creates a new case document at version 1 and records the
// creation in history.
func (s *Service) CreateCase(ctx context.Context, d *CaseDocument, actor identity.Actor) error {
	if d.PatientID == uuid.Nil {
		return validationf("patient_id is required")
	}
	if d.Title == "" {
		return validationf("title is required")
	}
	if d.Status == "" {
		d.Status = "active"
	}
	if !validStatuses[d.Status] {
		return validationf("invalid status: %s", d.Status)
	}
	if d.Priority == "" {
		d.Priority = "routine"
	}
	if !validPriorities[d.Priority] {
		return validationf("invalid priority: %s", d.Priority)
	}
	if d.Sections == nil {
		d.Sections = make(map[string]map[string]interface{})
	}
	for name := range d.Sections {
		if !validSections[name] {
			return validationf("unknown section: %s", name)
		}
	}

	err := s.runTx(ctx, func(ctx context.Context) error {
		if err := s.cases.Create(ctx, d); err != nil {
			return err
		}
		snapshot := d.SectionsSnapshot()
		_, err := s.tracker.Record(ctx, version.Change{
			CaseID:     d.ID,
			Version:    1,
			Section:    SectionAll,
			ChangeType: version.ChangeCreate,
			ActorID:    actor.ID,
			ActorName:  actor.Name,
			NewContent: snapshot,
			Sections:   snapshot,
		})
		return err
	})
	if err != nil {
		return err
	}

	s.emit(ctx, CaseEvent{
		Type:      EventCaseCreated,
		CaseID:    d.ID,
		Version:   1,
		ActorID:   actor.ID,
		ActorName: actor.Name,
		Timestamp: time.Now().UTC(),
		Payload:   map[string]interface{}{"title": d.Title},
	})
	return nil
}

func (s *Service) GetCase(ctx context.Context, id uuid.UUID) (*CaseDocument, error) {
	return s.cases.GetByID(ctx, id)
}

func (s *Service) ListCases(ctx context.Context, status string, limit, offset int) ([]*CaseDocument, int, error) {
	if status != "" && !validStatuses[status] {
		return nil, 0, validationf("invalid status: %s", status)
	}
	return s.cases.List(ctx, status, limit, offset)
}

// mutation describes one versioned change applied inside commit.
type mutation struct {
	section   string
	eventType EventType
	payload   map[string]interface{}
	// archivedOK permits the mutation on archived cases (status changes
	// must stay possible so a case can be unarchived).
	archivedOK bool
	apply      func(d *CaseDocument) error
}

// commit is the single path for accepted changes: optimistic version
// check, conditional write, atomic history entry, event emission.
func (s *Service) commit(ctx context.Context, caseID uuid.UUID, baseVersion int64, actor identity.Actor, mut mutation) (*CommitResult, error) {
	var result *CommitResult
	var ev CaseEvent

	err := s.runTx(ctx, func(ctx context.Context) error {
		d, err := s.cases.GetByID(ctx, caseID)
		if err != nil {
			return err
		}
		if d.Status == "archived" && !mut.archivedOK {
			return ErrCaseArchived
		}
		if d.Version != baseVersion {
			return &VersionConflictError{CurrentVersion: d.Version}
		}

		old := d.Clone()
		if err := mut.apply(d); err != nil {
			return err
		}

		ok, err := s.cases.UpdateVersioned(ctx, d, baseVersion)
		if err != nil {
			return err
		}
		if !ok {
			cur, err := s.cases.GetByID(ctx, caseID)
			if err != nil {
				return err
			}
			return &VersionConflictError{CurrentVersion: cur.Version}
		}

		var oldContent, newContent map[string]interface{}
		if mut.section == SectionAll {
			oldContent = old.SectionsSnapshot()
			newContent = d.SectionsSnapshot()
		} else if validSections[mut.section] {
			oldContent = old.Sections[mut.section]
			newContent = d.Sections[mut.section]
		} else {
			// Metadata change (status, priority, assignee): diff the
			// single field so history shows what changed.
			oldContent = metaContent(old, mut.section)
			newContent = metaContent(d, mut.section)
		}

		diff, err := s.tracker.Record(ctx, version.Change{
			CaseID:     d.ID,
			Version:    d.Version,
			Section:    mut.section,
			ChangeType: version.ChangeUpdate,
			ActorID:    actor.ID,
			ActorName:  actor.Name,
			OldContent: oldContent,
			NewContent: newContent,
			Sections:   d.SectionsSnapshot(),
		})
		if err != nil {
			return err
		}

		result = &CommitResult{Version: d.Version, Diff: diff}
		ev = CaseEvent{
			Type:      mut.eventType,
			CaseID:    d.ID,
			Version:   d.Version,
			Section:   mut.section,
			ActorID:   actor.ID,
			ActorName: actor.Name,
			Timestamp: time.Now().UTC(),
			Payload:   mut.payload,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, ev)
	return result, nil
}

func metaContent(d *CaseDocument, field string) map[string]interface{} {
	switch field {
	case "status":
		return map[string]interface{}{"status": d.Status}
	case "priority":
		return map[string]interface{}{"priority": d.Priority}
	case "assignee":
		if d.AssigneeID == nil {
			return map[string]interface{}{}
		}
		return map[string]interface{}{"assignee_id": *d.AssigneeID}
	}
	return nil
}

// CommitSection replaces one section's content, accepted only when
// baseVersion matches the authoritative version.
func (s *Service) CommitSection(ctx context.Context, caseID uuid.UUID, section string, content map[string]interface{}, baseVersion int64, actor identity.Actor) (*CommitResult, error) {
	if !validSections[section] {
		return nil, validationf("unknown section: %s", section)
	}
	if content == nil {
		return nil, validationf("section content is required")
	}

	return s.commit(ctx, caseID, baseVersion, actor, mutation{
		section:   section,
		eventType: EventCaseUpdated,
		payload:   map[string]interface{}{"section": section},
		apply: func(d *CaseDocument) error {
			d.Sections[section] = content
			return nil
		},
	})
}

// SetStatus changes the case status; completing and archiving carry
// their own event types.
func (s *Service) SetStatus(ctx context.Context, caseID uuid.UUID, status string, baseVersion int64, actor identity.Actor) (*CommitResult, error) {
	if !validStatuses[status] {
		return nil, validationf("invalid status: %s", status)
	}

	evType := EventCaseStatusChanged
	switch status {
	case "completed":
		evType = EventCaseCompleted
	case "archived":
		evType = EventCaseArchived
	}

	return s.commit(ctx, caseID, baseVersion, actor, mutation{
		section:    "status",
		eventType:  evType,
		payload:    map[string]interface{}{"status": status},
		archivedOK: true,
		apply: func(d *CaseDocument) error {
			d.Status = status
			return nil
		},
	})
}

// SetPriority changes the case priority.
func (s *Service) SetPriority(ctx context.Context, caseID uuid.UUID, priority string, baseVersion int64, actor identity.Actor) (*CommitResult, error) {
	if !validPriorities[priority] {
		return nil, validationf("invalid priority: %s", priority)
	}

	return s.commit(ctx, caseID, baseVersion, actor, mutation{
		section:   "priority",
		eventType: EventCasePriorityChanged,
		payload:   map[string]interface{}{"priority": priority},
		apply: func(d *CaseDocument) error {
			d.Priority = priority
			return nil
		},
	})
}

// Assign sets the case assignee.
func (s *Service) Assign(ctx context.Context, caseID uuid.UUID, assigneeID string, baseVersion int64, actor identity.Actor) (*CommitResult, error) {
	if assigneeID == "" {
		return nil, validationf("assignee_id is required")
	}

	return s.commit(ctx, caseID, baseVersion, actor, mutation{
		section:   "assignee",
		eventType: EventCaseAssigned,
		payload:   map[string]interface{}{"assignee_id": assigneeID},
		apply: func(d *CaseDocument) error {
			d.AssigneeID = &assigneeID
			return nil
		},
	})
}

const appendRetries = 3

// appendToList appends an item to a list key inside a section, reading
// the current version and retrying on conflict. Server-side appends
// have no client base version; retrying preserves the commit-per-version
// invariant without pushing conflicts to the caller.
func (s *Service) appendToList(ctx context.Context, caseID uuid.UUID, section, key string, item map[string]interface{}, evType EventType, actor identity.Actor) (*CommitResult, error) {
	var lastErr error
	for attempt := 0; attempt < appendRetries; attempt++ {
		d, err := s.cases.GetByID(ctx, caseID)
		if err != nil {
			return nil, err
		}

		result, err := s.commit(ctx, caseID, d.Version, actor, mutation{
			section:   section,
			eventType: evType,
			payload:   item,
			apply: func(d *CaseDocument) error {
				content := d.Sections[section]
				if content == nil {
					content = make(map[string]interface{})
					d.Sections[section] = content
				}
				list, _ := content[key].([]interface{})
				content[key] = append(list, item)
				return nil
			},
		})
		if err == nil {
			return result, nil
		}
		if _, conflict := AsVersionConflict(err); !conflict {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("append %s after %d attempts: %w", key, appendRetries, lastErr)
}

// AddNote appends a note to the comments section.
func (s *Service) AddNote(ctx context.Context, caseID uuid.UUID, text string, actor identity.Actor) (*CommitResult, error) {
	if text == "" {
		return nil, validationf("note text is required")
	}
	note := map[string]interface{}{
		"id":         uuid.New().String(),
		"text":       text,
		"author_id":  actor.ID,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}
	return s.appendToList(ctx, caseID, SectionComments, "notes", note, EventNoteAdded, actor)
}

// AddVital appends a vital reading to the lab results section.
func (s *Service) AddVital(ctx context.Context, caseID uuid.UUID, reading map[string]interface{}, actor identity.Actor) (*CommitResult, error) {
	if len(reading) == 0 {
		return nil, validationf("vital reading is required")
	}
	item := map[string]interface{}{
		"id":          uuid.New().String(),
		"reading":     reading,
		"recorded_by": actor.ID,
		"recorded_at": time.Now().UTC().Format(time.RFC3339),
	}
	return s.appendToList(ctx, caseID, SectionLabResults, "vitals", item, EventVitalAdded, actor)
}

// Revert creates a new version whose content equals the target
// historical version. Revert never rewrites history; it is a forward
// commit at the current head.
func (s *Service) Revert(ctx context.Context, caseID uuid.UUID, targetVersion int64, actor identity.Actor) (*CommitResult, error) {
	if targetVersion <= 1 {
		return nil, ErrNotRevertible
	}

	snapshot, err := s.tracker.SnapshotAt(ctx, caseID, targetVersion)
	if err != nil {
		return nil, err
	}

	sections := make(map[string]map[string]interface{}, len(snapshot))
	for name, content := range snapshot {
		m, ok := content.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("corrupt snapshot for section %s at version %d", name, targetVersion)
		}
		sections[name] = m
	}

	var result *CommitResult
	var ev CaseEvent
	err = s.runTx(ctx, func(ctx context.Context) error {
		d, err := s.cases.GetByID(ctx, caseID)
		if err != nil {
			return err
		}
		if d.Status == "archived" {
			return ErrCaseArchived
		}
		base := d.Version

		old := d.Clone()
		d.Sections = sections

		ok, err := s.cases.UpdateVersioned(ctx, d, base)
		if err != nil {
			return err
		}
		if !ok {
			cur, err := s.cases.GetByID(ctx, caseID)
			if err != nil {
				return err
			}
			return &VersionConflictError{CurrentVersion: cur.Version}
		}

		diff, err := s.tracker.Record(ctx, version.Change{
			CaseID:     d.ID,
			Version:    d.Version,
			Section:    SectionAll,
			ChangeType: version.ChangeRevert,
			ActorID:    actor.ID,
			ActorName:  actor.Name,
			OldContent: old.SectionsSnapshot(),
			NewContent: d.SectionsSnapshot(),
			Sections:   d.SectionsSnapshot(),
		})
		if err != nil {
			return err
		}

		result = &CommitResult{Version: d.Version, Diff: diff}
		ev = CaseEvent{
			Type:      EventCaseUpdated,
			CaseID:    d.ID,
			Version:   d.Version,
			Section:   SectionAll,
			ActorID:   actor.ID,
			ActorName: actor.Name,
			Timestamp: time.Now().UTC(),
			Payload:   map[string]interface{}{"reverted_to": targetVersion},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, ev)
	return result, nil
}
