package intake

import (
	"fmt"
	"strings"
)

// FieldError reports one invalid field in a step payload.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors collects the field errors for a step. It blocks step
// completion but is recoverable; the caller fixes fields and retries.
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	parts := make([]string, len(v))
	for i, fe := range v {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// NewPatient holds the quick-add patient fields entered mid-flow when
// the patient is not yet registered.
type NewPatient struct {
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	DateOfBirth string `json:"date_of_birth,omitempty"`
}

type PatientPayload struct {
	PatientID    string      `json:"patient_id,omitempty"`
	IsNewPatient bool        `json:"is_new_patient"`
	NewPatient   *NewPatient `json:"new_patient,omitempty"`
}

func (p PatientPayload) validate() ValidationErrors {
	var errs ValidationErrors
	if p.IsNewPatient {
		if p.NewPatient == nil {
			errs = append(errs, FieldError{"new_patient", "patient details are required"})
			return errs
		}
		if p.NewPatient.FirstName == "" {
			errs = append(errs, FieldError{"new_patient.first_name", "first name is required"})
		}
		if p.NewPatient.LastName == "" {
			errs = append(errs, FieldError{"new_patient.last_name", "last name is required"})
		}
		return errs
	}
	if p.PatientID == "" {
		errs = append(errs, FieldError{"patient_id", "select a patient or add a new one"})
	}
	return errs
}

type ChiefComplaintPayload struct {
	Complaint string `json:"complaint"`
	Onset     string `json:"onset,omitempty"`
}

func (p ChiefComplaintPayload) validate() ValidationErrors {
	var errs ValidationErrors
	if strings.TrimSpace(p.Complaint) == "" {
		errs = append(errs, FieldError{"complaint", "chief complaint is required"})
	}
	return errs
}

type Symptom struct {
	Name     string `json:"name"`
	Severity int    `json:"severity,omitempty"` // 1..10
}

type SymptomsPayload struct {
	Symptoms []Symptom `json:"symptoms"`
}

func (p SymptomsPayload) validate() ValidationErrors {
	var errs ValidationErrors
	if len(p.Symptoms) == 0 {
		errs = append(errs, FieldError{"symptoms", "at least one symptom is required"})
	}
	for i, s := range p.Symptoms {
		if strings.TrimSpace(s.Name) == "" {
			errs = append(errs, FieldError{fmt.Sprintf("symptoms[%d].name", i), "symptom name is required"})
		}
		if s.Severity < 0 || s.Severity > 10 {
			errs = append(errs, FieldError{fmt.Sprintf("symptoms[%d].severity", i), "severity must be between 0 and 10"})
		}
	}
	return errs
}

type VitalsPayload struct {
	BPSystolic      int     `json:"bp_systolic,omitempty"`
	BPDiastolic     int     `json:"bp_diastolic,omitempty"`
	HeartRate       int     `json:"heart_rate,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
	RespiratoryRate int     `json:"respiratory_rate,omitempty"`
	SpO2            int     `json:"spo2,omitempty"`
}

func inRange(v, lo, hi int) bool { return v == 0 || (v >= lo && v <= hi) }

func (p VitalsPayload) validate() ValidationErrors {
	var errs ValidationErrors
	if !inRange(p.BPSystolic, 50, 260) {
		errs = append(errs, FieldError{"bp_systolic", "out of plausible range"})
	}
	if !inRange(p.BPDiastolic, 30, 160) {
		errs = append(errs, FieldError{"bp_diastolic", "out of plausible range"})
	}
	if !inRange(p.HeartRate, 20, 300) {
		errs = append(errs, FieldError{"heart_rate", "out of plausible range"})
	}
	if p.Temperature != 0 && (p.Temperature < 30 || p.Temperature > 45) {
		errs = append(errs, FieldError{"temperature", "out of plausible range"})
	}
	if !inRange(p.RespiratoryRate, 4, 80) {
		errs = append(errs, FieldError{"respiratory_rate", "out of plausible range"})
	}
	if !inRange(p.SpO2, 40, 100) {
		errs = append(errs, FieldError{"spo2", "out of plausible range"})
	}
	return errs
}

type HistoryPayload struct {
	Conditions    []string `json:"conditions,omitempty"`
	Surgeries     []string `json:"surgeries,omitempty"`
	Allergies     []string `json:"allergies,omitempty"`
	FamilyHistory string   `json:"family_history,omitempty"`
}

func (p HistoryPayload) validate() ValidationErrors { return nil }

type Medication struct {
	Name      string `json:"name"`
	Dose      string `json:"dose,omitempty"`
	Frequency string `json:"frequency,omitempty"`
}

type MedicationsPayload struct {
	Medications []Medication `json:"medications,omitempty"`
}

func (p MedicationsPayload) validate() ValidationErrors {
	var errs ValidationErrors
	for i, m := range p.Medications {
		if strings.TrimSpace(m.Name) == "" {
			errs = append(errs, FieldError{fmt.Sprintf("medications[%d].name", i), "medication name is required"})
		}
	}
	return errs
}

type ImageRef struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
}

type ImagesPayload struct {
	Images []ImageRef `json:"images,omitempty"`
}

func (p ImagesPayload) validate() ValidationErrors {
	var errs ValidationErrors
	for i, img := range p.Images {
		if img.ID == "" {
			errs = append(errs, FieldError{fmt.Sprintf("images[%d].id", i), "image reference is required"})
		}
	}
	return errs
}

type AssessmentPayload struct {
	Summary  string `json:"summary"`
	Priority string `json:"priority,omitempty"` // routine, urgent, emergency
}

func (p AssessmentPayload) validate() ValidationErrors {
	var errs ValidationErrors
	if strings.TrimSpace(p.Summary) == "" {
		errs = append(errs, FieldError{"summary", "assessment summary is required"})
	}
	switch p.Priority {
	case "", "routine", "urgent", "emergency":
	default:
		errs = append(errs, FieldError{"priority", "must be routine, urgent, or emergency"})
	}
	return errs
}
