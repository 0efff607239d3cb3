package intake

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/caseflow/caseflow/internal/domain/casedoc"
	"github.com/caseflow/caseflow/internal/platform/identity"
)

type fakeCaseCreator struct {
	created []*casedoc.CaseDocument
	fail    error
}

func (f *fakeCaseCreator) CreateCase(_ context.Context, d *casedoc.CaseDocument, _ identity.Actor) error {
	if f.fail != nil {
		return f.fail
	}
	d.ID = uuid.New()
	d.Version = 1
	f.created = append(f.created, d)
	return nil
}

func setupService(t *testing.T) (*Service, *fakeCaseCreator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	creator := &fakeCaseCreator{}
	svc := NewService(NewRedisDraftStore(client, 72*time.Hour), creator)
	return svc, creator, mr
}

func owner() identity.Actor {
	return identity.Actor{ID: "u-1", Name: "Dr. Okafor", Role: "physician"}
}

func fillRequiredSteps(t *testing.T, svc *Service, id uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	payloads := map[Step]string{
		StepPatient:        `{"patient_id":"9f0a2ef2-3f4f-4f43-9f2a-6d3f8f1b2c3d"}`,
		StepChiefComplaint: `{"complaint":"chest pain"}`,
		StepSymptoms:       `{"symptoms":[{"name":"chest pain","severity":8}]}`,
		StepAssessment:     `{"summary":"possible ACS","priority":"urgent"}`,
	}
	for step, payload := range payloads {
		if _, err := svc.UpdateStep(ctx, id, step, json.RawMessage(payload), owner()); err != nil {
			t.Fatalf("fill step %s: %v", step, err)
		}
	}
}

func TestDraftLifecycle(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()

	d, err := svc.CreateDraft(ctx, owner())
	if err != nil {
		t.Fatalf("CreateDraft: %v", err)
	}
	if d.CurrentStep != 0 || d.CanSubmit() {
		t.Fatalf("new draft not empty: %+v", d)
	}

	// Survives a reload.
	again, err := svc.GetDraft(ctx, d.ID, owner())
	if err != nil {
		t.Fatalf("GetDraft: %v", err)
	}
	if again.ID != d.ID {
		t.Error("draft id changed across load")
	}

	// Another user cannot touch it.
	other := identity.Actor{ID: "u-2", Name: "Dr. Haas"}
	if _, err := svc.GetDraft(ctx, d.ID, other); !errors.Is(err, ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}

	if err := svc.Cancel(ctx, d.ID, owner()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := svc.GetDraft(ctx, d.ID, owner()); !errors.Is(err, ErrDraftNotFound) {
		t.Errorf("expected ErrDraftNotFound after cancel, got %v", err)
	}
}

func TestDraftExpiry(t *testing.T) {
	svc, _, mr := setupService(t)
	ctx := context.Background()

	d, err := svc.CreateDraft(ctx, owner())
	if err != nil {
		t.Fatal(err)
	}

	mr.FastForward(73 * time.Hour)

	if _, err := svc.GetDraft(ctx, d.ID, owner()); !errors.Is(err, ErrDraftNotFound) {
		t.Errorf("expected expired draft to read as not found, got %v", err)
	}
}

func TestUpdateStep_PersistsInvalidPayload(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()

	d, _ := svc.CreateDraft(ctx, owner())
	_, err := svc.UpdateStep(ctx, d.ID, StepChiefComplaint, json.RawMessage(`{"complaint":""}`), owner())
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %v", err)
	}

	// The invalid payload was still saved.
	reloaded, err := svc.GetDraft(ctx, d.ID, owner())
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.StepComplete(StepIndex(StepChiefComplaint)) {
		t.Error("invalid step must not be complete")
	}
}

func TestSubmit(t *testing.T) {
	svc, creator, _ := setupService(t)
	ctx := context.Background()

	d, _ := svc.CreateDraft(ctx, owner())

	// Submitting an incomplete draft is rejected.
	if _, err := svc.Submit(ctx, d.ID, owner()); !errors.Is(err, ErrNotSubmittable) {
		t.Fatalf("expected ErrNotSubmittable, got %v", err)
	}

	fillRequiredSteps(t, svc, d.ID)
	if _, err := svc.UpdateStep(ctx, d.ID, StepVitals,
		json.RawMessage(`{"bp_systolic":150,"bp_diastolic":95,"heart_rate":102}`), owner()); err != nil {
		t.Fatal(err)
	}

	doc, err := svc.Submit(ctx, d.ID, owner())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(creator.created) != 1 {
		t.Fatalf("expected 1 case created, got %d", len(creator.created))
	}
	if doc.Title != "chest pain" || doc.Priority != "urgent" {
		t.Errorf("unexpected case mapping: title=%q priority=%q", doc.Title, doc.Priority)
	}
	notes := doc.Sections[casedoc.SectionClinicalNotes]
	if notes["chief_complaint"] != "chest pain" || notes["assessment"] != "possible ACS" {
		t.Errorf("clinical notes mapping wrong: %+v", notes)
	}
	labs := doc.Sections[casedoc.SectionLabResults]
	if vitals, ok := labs["vitals"].([]interface{}); !ok || len(vitals) != 1 {
		t.Errorf("vitals mapping wrong: %+v", labs)
	}

	// Draft is gone after successful submission.
	if _, err := svc.GetDraft(ctx, d.ID, owner()); !errors.Is(err, ErrDraftNotFound) {
		t.Errorf("expected draft deleted after submit, got %v", err)
	}
}

func TestSubmit_FailurePreservesDraft(t *testing.T) {
	svc, creator, _ := setupService(t)
	ctx := context.Background()

	d, _ := svc.CreateDraft(ctx, owner())
	fillRequiredSteps(t, svc, d.ID)

	creator.fail = errors.New("case service unavailable")
	if _, err := svc.Submit(ctx, d.ID, owner()); err == nil {
		t.Fatal("expected submit failure")
	}

	// Everything entered survives for retry.
	reloaded, err := svc.GetDraft(ctx, d.ID, owner())
	if err != nil {
		t.Fatalf("draft lost after failed submit: %v", err)
	}
	if reloaded.ChiefComplaint.Complaint != "chest pain" || !reloaded.CanSubmit() {
		t.Errorf("draft state disturbed by failed submit: %+v", reloaded)
	}

	creator.fail = nil
	if _, err := svc.Submit(ctx, d.ID, owner()); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestSubmit_QuickAddPatient(t *testing.T) {
	svc, creator, _ := setupService(t)
	ctx := context.Background()

	d, _ := svc.CreateDraft(ctx, owner())
	fillRequiredSteps(t, svc, d.ID)
	payload := `{"is_new_patient":true,"new_patient":{"first_name":"Ana","last_name":"Reyes"}}`
	if _, err := svc.UpdateStep(ctx, d.ID, StepPatient, json.RawMessage(payload), owner()); err != nil {
		t.Fatal(err)
	}

	doc, err := svc.Submit(ctx, d.ID, owner())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if doc.PatientID == uuid.Nil {
		t.Error("quick-added patient must still get a patient reference")
	}
	if len(creator.created) != 1 {
		t.Errorf("expected 1 case, got %d", len(creator.created))
	}
}

func TestNavigation_PersistsCurrentStep(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()

	d, _ := svc.CreateDraft(ctx, owner())
	if _, err := svc.UpdateStep(ctx, d.ID, StepPatient,
		json.RawMessage(`{"patient_id":"9f0a2ef2-3f4f-4f43-9f2a-6d3f8f1b2c3d"}`), owner()); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.NextStep(ctx, d.ID, owner()); err != nil {
		t.Fatalf("NextStep: %v", err)
	}
	reloaded, _ := svc.GetDraft(ctx, d.ID, owner())
	if reloaded.CurrentStep != 1 {
		t.Errorf("current step = %d, want 1", reloaded.CurrentStep)
	}

	// Blocked navigation returns the error and moves nothing.
	if _, err := svc.GoToStep(ctx, d.ID, 5, owner()); !errors.Is(err, ErrStepBlocked) {
		t.Fatalf("expected ErrStepBlocked, got %v", err)
	}
	reloaded, _ = svc.GetDraft(ctx, d.ID, owner())
	if reloaded.CurrentStep != 1 {
		t.Errorf("blocked move changed step to %d", reloaded.CurrentStep)
	}
}
