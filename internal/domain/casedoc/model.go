package casedoc

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Named sections of a case document. A commit targets exactly one
// section; reverts and creation touch all of them (SectionAll).
const (
	SectionClinicalNotes = "clinical_notes"
	SectionTreatmentPlan = "treatment_plan"
	SectionImages        = "images"
	SectionLabResults    = "lab_results"
	SectionComments      = "comments"

	// SectionAll marks history entries that span every section.
	SectionAll = "*"
)

var validSections = map[string]bool{
	SectionClinicalNotes: true,
	SectionTreatmentPlan: true,
	SectionImages:        true,
	SectionLabResults:    true,
	SectionComments:      true,
}

var validStatuses = map[string]bool{
	"active": true, "completed": true, "archived": true,
}

var validPriorities = map[string]bool{
	"routine": true, "urgent": true, "emergency": true,
}

// CaseDocument is the persisted, multi-author clinical case. Version
// increases by exactly one per accepted commit; a commit is accepted
// only when the client's base version matches the current version.
type CaseDocument struct {
	ID             uuid.UUID                         `db:"id" json:"id"`
	PatientID      uuid.UUID                         `db:"patient_id" json:"patient_id"`
	Title          string                            `db:"title" json:"title"`
	Status         string                            `db:"status" json:"status"`
	Priority       string                            `db:"priority" json:"priority"`
	AssigneeID     *string                           `db:"assignee_id" json:"assignee_id,omitempty"`
	Version        int64                             `db:"version" json:"version"`
	Sections       map[string]map[string]interface{} `db:"sections" json:"sections"`
	CreatedAt      time.Time                         `db:"created_at" json:"created_at"`
	LastModifiedAt time.Time                         `db:"last_modified_at" json:"last_modified_at"`
}

// SectionsSnapshot returns the sections map widened for history storage.
func (d *CaseDocument) SectionsSnapshot() map[string]interface{} {
	out := make(map[string]interface{}, len(d.Sections))
	for name, content := range d.Sections {
		out[name] = content
	}
	return out
}

// Clone returns a deep copy of the document, used by clients holding a
// working copy that must not alias the authoritative one.
func (d *CaseDocument) Clone() *CaseDocument {
	c := *d
	c.Sections = make(map[string]map[string]interface{}, len(d.Sections))
	for name, content := range d.Sections {
		cloned := cloneValue(content)
		c.Sections[name], _ = cloned.(map[string]interface{})
	}
	if d.AssigneeID != nil {
		a := *d.AssigneeID
		c.AssigneeID = &a
	}
	return &c
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[k] = cloneValue(val)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, val := range t {
			s[i] = cloneValue(val)
		}
		return s
	default:
		return v
	}
}

// EventType enumerates the closed set of case events delivered over the
// event channel. Consumers must ignore types outside this set.
type EventType string

const (
	EventCaseCreated         EventType = "case_created"
	EventCaseUpdated         EventType = "case_updated"
	EventCaseAssigned        EventType = "case_assigned"
	EventCaseStatusChanged   EventType = "case_status_changed"
	EventCasePriorityChanged EventType = "case_priority_changed"
	EventCaseCompleted       EventType = "case_completed"
	EventCaseArchived        EventType = "case_archived"
	EventNoteAdded           EventType = "note_added"
	EventVitalAdded          EventType = "vital_added"
)

// KnownEventType reports whether t belongs to the closed event set.
func KnownEventType(t EventType) bool {
	switch t {
	case EventCaseCreated, EventCaseUpdated, EventCaseAssigned,
		EventCaseStatusChanged, EventCasePriorityChanged, EventCaseCompleted,
		EventCaseArchived, EventNoteAdded, EventVitalAdded:
		return true
	}
	return false
}

// CaseEvent is a message broadcast on a case channel after an accepted
// commit. Delivery is at-most-once per connection; consumers must
// tolerate duplicates and out-of-order arrival across reconnects.
type CaseEvent struct {
	Type      EventType              `json:"type"`
	CaseID    uuid.UUID              `json:"case_id"`
	Version   int64                  `json:"version"`
	Section   string                 `json:"section,omitempty"`
	ActorID   string                 `json:"actor_id"`
	ActorName string                 `json:"actor_name,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// ErrCaseNotFound is returned when a case id resolves to nothing.
var ErrCaseNotFound = errors.New("case not found")

// ErrCaseArchived is returned for section commits against an archived case.
var ErrCaseArchived = errors.New("case is archived")

// ErrNotRevertible is returned when revert targets the initial version.
var ErrNotRevertible = errors.New("initial version has nothing to revert to")

// ValidationError marks input rejected by domain validation, such as an
// unknown section name or an invalid status value. Handlers map it to a
// 400 response.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func validationf(format string, args ...interface{}) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// VersionConflictError reports a rejected commit whose base version did
// not match the authoritative document version. It always carries the
// current version so the client can re-base.
type VersionConflictError struct {
	CurrentVersion int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: document is at version %d", e.CurrentVersion)
}

// AsVersionConflict unwraps err as a VersionConflictError, if it is one.
func AsVersionConflict(err error) (*VersionConflictError, bool) {
	var vc *VersionConflictError
	if errors.As(err, &vc) {
		return vc, true
	}
	return nil, false
}
