package intake

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrStepBlocked is returned when navigation targets a step whose
	// predecessor is not complete.
	ErrStepBlocked = errors.New("previous step must be completed first")

	// ErrUnknownStep is returned for a step name outside the intake flow.
	ErrUnknownStep = errors.New("unknown intake step")

	// ErrLastStep is returned by NextStep at the final step, where only
	// submission can move the draft forward.
	ErrLastStep = errors.New("already at the last step; submit to finish")

	// ErrFirstStep is returned by PrevStep at step 0.
	ErrFirstStep = errors.New("already at the first step")

	// ErrNotSubmittable is returned when required steps are incomplete.
	ErrNotSubmittable = errors.New("required steps are incomplete")

	// ErrDraftNotFound is returned when a draft id resolves to nothing,
	// including drafts that expired.
	ErrDraftNotFound = errors.New("draft not found")

	// ErrNotOwner is returned when a draft is accessed by anyone but the
	// session that created it.
	ErrNotOwner = errors.New("draft belongs to another user")
)

// Draft is one in-progress case intake. It is single-author soft state:
// it has no version number and is never shared between sessions.
type Draft struct {
	ID          uuid.UUID `json:"id"`
	OwnerID     string    `json:"owner_id"`
	CurrentStep int       `json:"current_step"`
	Completed   []bool    `json:"completed"`

	Patient        PatientPayload        `json:"patient"`
	ChiefComplaint ChiefComplaintPayload `json:"chief_complaint"`
	Symptoms       SymptomsPayload       `json:"symptoms"`
	Vitals         VitalsPayload         `json:"vitals"`
	History        HistoryPayload        `json:"history"`
	Medications    MedicationsPayload    `json:"medications"`
	Images         ImagesPayload         `json:"images"`
	Assessment     AssessmentPayload     `json:"assessment"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewDraft creates an empty draft at step 0.
func NewDraft(ownerID string) *Draft {
	now := time.Now().UTC()
	return &Draft{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Completed: make([]bool, StepCount()),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// reachable reports whether step n may become the current step: the
// first step always, any completed step (backward navigation), or the
// step right after a completed one.
func (d *Draft) reachable(n int) bool {
	if n < 0 || n >= StepCount() {
		return false
	}
	return n == 0 || d.Completed[n] || d.Completed[n-1]
}

// GoToStep moves the draft to step n under the gating rule. The draft
// is unchanged when the move is rejected.
func (d *Draft) GoToStep(n int) error {
	if n < 0 || n >= StepCount() {
		return ErrUnknownStep
	}
	if !d.reachable(n) {
		return ErrStepBlocked
	}
	d.CurrentStep = n
	return nil
}

// NextStep advances one step; the current step must be complete.
func (d *Draft) NextStep() error {
	if d.CurrentStep == StepCount()-1 {
		return ErrLastStep
	}
	return d.GoToStep(d.CurrentStep + 1)
}

// PrevStep moves one step back.
func (d *Draft) PrevStep() error {
	if d.CurrentStep == 0 {
		return ErrFirstStep
	}
	return d.GoToStep(d.CurrentStep - 1)
}

// MarkStepComplete records successful validation of step n. Idempotent.
func (d *Draft) MarkStepComplete(n int) error {
	if n < 0 || n >= StepCount() {
		return ErrUnknownStep
	}
	d.Completed[n] = true
	return nil
}

// StepComplete reports whether step n is complete.
func (d *Draft) StepComplete(n int) bool {
	return n >= 0 && n < StepCount() && d.Completed[n]
}

// CanSubmit reports whether every required step is complete.
func (d *Draft) CanSubmit() bool {
	for i := range steps {
		if Required(i) && !d.Completed[i] {
			return false
		}
	}
	return true
}

// UpdateStep decodes data into the step's payload and validates it.
// The payload is stored either way so entered data survives a failed
// validation; the step is marked complete only when validation passes.
func (d *Draft) UpdateStep(step Step, data []byte) error {
	n := StepIndex(step)
	if n < 0 {
		return ErrUnknownStep
	}

	var errs ValidationErrors
	switch step {
	case StepPatient:
		if err := json.Unmarshal(data, &d.Patient); err != nil {
			return fmt.Errorf("decode %s payload: %w", step, err)
		}
		errs = d.Patient.validate()
	case StepChiefComplaint:
		if err := json.Unmarshal(data, &d.ChiefComplaint); err != nil {
			return fmt.Errorf("decode %s payload: %w", step, err)
		}
		errs = d.ChiefComplaint.validate()
	case StepSymptoms:
		if err := json.Unmarshal(data, &d.Symptoms); err != nil {
			return fmt.Errorf("decode %s payload: %w", step, err)
		}
		errs = d.Symptoms.validate()
	case StepVitals:
		if err := json.Unmarshal(data, &d.Vitals); err != nil {
			return fmt.Errorf("decode %s payload: %w", step, err)
		}
		errs = d.Vitals.validate()
	case StepHistory:
		if err := json.Unmarshal(data, &d.History); err != nil {
			return fmt.Errorf("decode %s payload: %w", step, err)
		}
		errs = d.History.validate()
	case StepMedications:
		if err := json.Unmarshal(data, &d.Medications); err != nil {
			return fmt.Errorf("decode %s payload: %w", step, err)
		}
		errs = d.Medications.validate()
	case StepImages:
		if err := json.Unmarshal(data, &d.Images); err != nil {
			return fmt.Errorf("decode %s payload: %w", step, err)
		}
		errs = d.Images.validate()
	case StepAssessment:
		if err := json.Unmarshal(data, &d.Assessment); err != nil {
			return fmt.Errorf("decode %s payload: %w", step, err)
		}
		errs = d.Assessment.validate()
	}

	d.UpdatedAt = time.Now().UTC()
	if len(errs) > 0 {
		d.Completed[n] = false
		return errs
	}
	return d.MarkStepComplete(n)
}

// ValidateStep re-runs validation of the stored payload for step n.
func (d *Draft) ValidateStep(n int) error {
	step, ok := StepAt(n)
	if !ok {
		return ErrUnknownStep
	}
	var errs ValidationErrors
	switch step {
	case StepPatient:
		errs = d.Patient.validate()
	case StepChiefComplaint:
		errs = d.ChiefComplaint.validate()
	case StepSymptoms:
		errs = d.Symptoms.validate()
	case StepVitals:
		errs = d.Vitals.validate()
	case StepHistory:
		errs = d.History.validate()
	case StepMedications:
		errs = d.Medications.validate()
	case StepImages:
		errs = d.Images.validate()
	case StepAssessment:
		errs = d.Assessment.validate()
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// StepPayload returns the stored payload for a step.
func (d *Draft) StepPayload(step Step) (interface{}, error) {
	switch step {
	case StepPatient:
		return d.Patient, nil
	case StepChiefComplaint:
		return d.ChiefComplaint, nil
	case StepSymptoms:
		return d.Symptoms, nil
	case StepVitals:
		return d.Vitals, nil
	case StepHistory:
		return d.History, nil
	case StepMedications:
		return d.Medications, nil
	case StepImages:
		return d.Images, nil
	case StepAssessment:
		return d.Assessment, nil
	}
	return nil, ErrUnknownStep
}
