// Package stage defines the clinical note pipeline stages: the typed output
// envelope each stage produces, the execution input they consume, and the
// default ten-stage catalog (six concurrent intake stages, the plan
// orchestration stages, and the final note compiler).
package stage

import "context"

// Phase groups stages by scheduling behavior.
type Phase string

const (
	// PhaseIntake stages are independent and run concurrently.
	PhaseIntake Phase = "intake"
	// PhasePlan stages run sequentially after intake: orchestrator first,
	// then the conditionally-routed specialist and pharmacist.
	PhasePlan Phase = "plan"
	// PhaseNote holds the single compiler stage.
	PhaseNote Phase = "note"
)

// Stage keys. Every checkpoint, event, and metric row is scoped to one of
// these, plus the reserved "safety" key for mirrored safety issues.
const (
	KeyHPI          = "hpi"
	KeyMedRec       = "medrec"
	KeySocial       = "social"
	KeyExam         = "exam"
	KeyAssessment   = "assessment"
	KeyOrders       = "orders"
	KeyOrchestrator = "orchestrator"
	KeySpecialist   = "specialist"
	KeyPharmacist   = "pharmacist"
	KeyCompiler     = "compiler"

	// KeySafety scopes the durable events mirroring safety issues. No
	// stage runs under this key.
	KeySafety = "safety"
)

// IntakeKeys returns the concurrent intake stage keys in canonical order.
func IntakeKeys() []string {
	return []string{KeyHPI, KeyMedRec, KeySocial, KeyExam, KeyAssessment, KeyOrders}
}

// PlanKeys returns the plan phase stage keys in scheduling order.
func PlanKeys() []string {
	return []string{KeyOrchestrator, KeySpecialist, KeyPharmacist}
}

// AllKeys returns every stage key in scheduling order.
func AllKeys() []string {
	keys := IntakeKeys()
	keys = append(keys, PlanKeys()...)
	return append(keys, KeyCompiler)
}

// PhaseOf maps a stage key to its phase. Unknown keys map to PhaseIntake.
func PhaseOf(key string) Phase {
	switch key {
	case KeyOrchestrator, KeySpecialist, KeyPharmacist:
		return PhasePlan
	case KeyCompiler:
		return PhaseNote
	default:
		return PhaseIntake
	}
}

// WorkFunc is a stage's primary implementation.
type WorkFunc func(ctx context.Context, in Input) (*Output, error)

// FallbackFunc is a stage's degraded-mode implementation, invoked once after
// the primary work exhausts its retry budget. err is the final primary error.
type FallbackFunc func(ctx context.Context, in Input, err error) (*Output, error)

// Stage is one unit of pipeline work.
type Stage struct {
	Key      string
	Phase    Phase
	Work     WorkFunc
	Fallback FallbackFunc // nil when the stage has no degraded mode
}

// Input carries everything a stage may read: the raw intake material plus
// the outputs of earlier phases. Stages must treat Input as read-only.
type Input struct {
	RunID     string
	PatientID string

	// RawText holds the source clinical narrative, one block per document.
	RawText []string

	Medications []string
	Allergies   []string
	Vitals      map[string]string
	Labs        map[string]float64
	Flags       map[string]bool

	// Intake holds completed intake-phase outputs, keyed by stage.
	// Populated for plan and note phase stages.
	Intake map[string]*Output

	// Plan holds completed plan-phase outputs, keyed by stage.
	// Populated for later plan stages and the compiler.
	Plan map[string]*Output
}

// CombinedText joins the raw narrative blocks.
func (in Input) CombinedText() string {
	out := ""
	for i, block := range in.RawText {
		if i > 0 {
			out += "\n\n"
		}
		out += block
	}
	return out
}
