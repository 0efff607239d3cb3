// Package intake implements the multi-step case intake wizard: a
// single-author draft moved through ordered steps, each gated on the
// previous step's validation, and submitted as a new case document.
package intake

// Step identifies one intake step.
type Step string

const (
	StepPatient        Step = "patient"
	StepChiefComplaint Step = "chief_complaint"
	StepSymptoms       Step = "symptoms"
	StepVitals         Step = "vitals"
	StepHistory        Step = "history"
	StepMedications    Step = "medications"
	StepImages         Step = "images"
	StepAssessment     Step = "assessment"
)

// stepInfo carries the per-step metadata the state machine needs.
type stepInfo struct {
	Step     Step
	Required bool
}

// steps is the canonical step order. Index positions are the "n" in the
// navigation rules.
var steps = []stepInfo{
	{StepPatient, true},
	{StepChiefComplaint, true},
	{StepSymptoms, true},
	{StepVitals, false},
	{StepHistory, false},
	{StepMedications, false},
	{StepImages, false},
	{StepAssessment, true},
}

// StepCount is the number of intake steps.
func StepCount() int { return len(steps) }

// StepIndex returns the position of a step, or -1 if unknown.
func StepIndex(s Step) int {
	for i, info := range steps {
		if info.Step == s {
			return i
		}
	}
	return -1
}

// StepAt returns the step at position n.
func StepAt(n int) (Step, bool) {
	if n < 0 || n >= len(steps) {
		return "", false
	}
	return steps[n].Step, true
}

// Required reports whether the step at position n must be completed
// before submission.
func Required(n int) bool {
	return n >= 0 && n < len(steps) && steps[n].Required
}
