package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/caseflow/caseflow/internal/domain/casedoc"
	"github.com/caseflow/caseflow/internal/platform/identity"
)

// CaseCreator opens the submitted draft as a case document. The case
// service satisfies it.
type CaseCreator interface {
	CreateCase(ctx context.Context, d *casedoc.CaseDocument, actor identity.Actor) error
}

// Service runs the intake flow: draft lifecycle, step navigation and
// validation, and final submission into a case document.
type Service struct {
	store  DraftStore
	cases  CaseCreator
	logger zerolog.Logger
}

func NewService(store DraftStore, cases CaseCreator) *Service {
	return &Service{store: store, cases: cases, logger: zerolog.Nop()}
}

func (s *Service) SetLogger(l zerolog.Logger) { s.logger = l }

func (s *Service) CreateDraft(ctx context.Context, actor identity.Actor) (*Draft, error) {
	d := NewDraft(actor.ID)
	if err := s.store.Save(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// load fetches the draft and enforces single-author access.
func (s *Service) load(ctx context.Context, id uuid.UUID, actor identity.Actor) (*Draft, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.OwnerID != actor.ID {
		return nil, ErrNotOwner
	}
	return d, nil
}

func (s *Service) GetDraft(ctx context.Context, id uuid.UUID, actor identity.Actor) (*Draft, error) {
	return s.load(ctx, id, actor)
}

// UpdateStep stores the step payload and validates it. The payload is
// saved even when validation fails, so entered data is never lost; the
// validation errors are returned alongside the updated draft.
func (s *Service) UpdateStep(ctx context.Context, id uuid.UUID, step Step, payload json.RawMessage, actor identity.Actor) (*Draft, error) {
	d, err := s.load(ctx, id, actor)
	if err != nil {
		return nil, err
	}

	updateErr := d.UpdateStep(step, payload)
	var verrs ValidationErrors
	if updateErr != nil && !errors.As(updateErr, &verrs) {
		return nil, updateErr
	}
	if err := s.store.Save(ctx, d); err != nil {
		return nil, err
	}
	if updateErr != nil {
		return d, updateErr
	}
	return d, nil
}

// CompleteStep validates the stored payload for the step and marks it
// complete.
func (s *Service) CompleteStep(ctx context.Context, id uuid.UUID, step Step, actor identity.Actor) (*Draft, error) {
	d, err := s.load(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	n := StepIndex(step)
	if n < 0 {
		return nil, ErrUnknownStep
	}
	if err := d.ValidateStep(n); err != nil {
		return d, err
	}
	if err := d.MarkStepComplete(n); err != nil {
		return nil, err
	}
	if err := s.store.Save(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// GoToStep navigates under the step-gating rule.
func (s *Service) GoToStep(ctx context.Context, id uuid.UUID, n int, actor identity.Actor) (*Draft, error) {
	return s.navigate(ctx, id, actor, func(d *Draft) error { return d.GoToStep(n) })
}

func (s *Service) NextStep(ctx context.Context, id uuid.UUID, actor identity.Actor) (*Draft, error) {
	return s.navigate(ctx, id, actor, (*Draft).NextStep)
}

func (s *Service) PrevStep(ctx context.Context, id uuid.UUID, actor identity.Actor) (*Draft, error) {
	return s.navigate(ctx, id, actor, (*Draft).PrevStep)
}

func (s *Service) navigate(ctx context.Context, id uuid.UUID, actor identity.Actor, move func(*Draft) error) (*Draft, error) {
	d, err := s.load(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if err := move(d); err != nil {
		return d, err
	}
	if err := s.store.Save(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Submit turns the draft into a case document. On any failure the draft
// is left exactly as it was, ready for retry; it is deleted only after
// the case exists.
func (s *Service) Submit(ctx context.Context, id uuid.UUID, actor identity.Actor) (*casedoc.CaseDocument, error) {
	d, err := s.load(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if !d.CanSubmit() {
		return nil, ErrNotSubmittable
	}

	doc, err := buildCaseDocument(d)
	if err != nil {
		return nil, err
	}
	if err := s.cases.CreateCase(ctx, doc, actor); err != nil {
		return nil, fmt.Errorf("create case from draft: %w", err)
	}

	if err := s.store.Delete(ctx, d.ID); err != nil {
		// The case exists; a lingering draft is harmless and expires.
		s.logger.Warn().Err(err).Str("draft_id", d.ID.String()).Msg("delete submitted draft")
	}
	return doc, nil
}

// Cancel discards the draft.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, actor identity.Actor) error {
	d, err := s.load(ctx, id, actor)
	if err != nil {
		return err
	}
	return s.store.Delete(ctx, d.ID)
}

// toMap round-trips a payload through JSON so section content has the
// same shape it will have after storage.
func toMap(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func buildCaseDocument(d *Draft) (*casedoc.CaseDocument, error) {
	var patientID uuid.UUID
	if d.Patient.IsNewPatient {
		// Quick-added patients are registered out of band; the case
		// starts under a fresh identifier the registry can claim.
		patientID = uuid.New()
	} else {
		var err error
		patientID, err = uuid.Parse(d.Patient.PatientID)
		if err != nil {
			return nil, ValidationErrors{{Field: "patient_id", Message: "not a valid patient reference"}}
		}
	}

	notes := map[string]interface{}{
		"chief_complaint": d.ChiefComplaint.Complaint,
		"assessment":      d.Assessment.Summary,
	}
	if d.ChiefComplaint.Onset != "" {
		notes["onset"] = d.ChiefComplaint.Onset
	}
	if symptoms, err := toMap(d.Symptoms); err == nil && len(symptoms) > 0 {
		notes["symptoms"] = symptoms["symptoms"]
	}
	if history, err := toMap(d.History); err == nil && len(history) > 0 {
		notes["history"] = history
	}

	sections := map[string]map[string]interface{}{
		casedoc.SectionClinicalNotes: notes,
	}

	if len(d.Medications.Medications) > 0 {
		plan, err := toMap(d.Medications)
		if err != nil {
			return nil, err
		}
		sections[casedoc.SectionTreatmentPlan] = plan
	}
	if len(d.Images.Images) > 0 {
		images, err := toMap(d.Images)
		if err != nil {
			return nil, err
		}
		sections[casedoc.SectionImages] = images
	}
	if d.Vitals != (VitalsPayload{}) {
		reading, err := toMap(d.Vitals)
		if err != nil {
			return nil, err
		}
		sections[casedoc.SectionLabResults] = map[string]interface{}{
			"vitals": []interface{}{reading},
		}
	}

	priority := d.Assessment.Priority
	if priority == "" {
		priority = "routine"
	}

	return &casedoc.CaseDocument{
		PatientID: patientID,
		Title:     d.ChiefComplaint.Complaint,
		Priority:  priority,
		Sections:  sections,
	}, nil
}
