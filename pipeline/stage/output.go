package stage

import (
	"encoding/json"
	"fmt"

	"github.com/medscribe/notegraph/pipeline/provider"
)

// Output is the envelope every stage returns. Exactly one typed payload
// pointer is set, matching the producing stage; the rest stay nil. The
// envelope is what gets checkpointed, so all fields must survive a JSON
// round trip.
type Output struct {
	Stage      string  `json:"stage"`
	ContentMD  string  `json:"content_md"`
	Confidence float64 `json:"confidence"`

	History     *History     `json:"history,omitempty"`
	Medications *Medications `json:"medications,omitempty"`
	Social      *Social      `json:"social,omitempty"`
	Exam        *Exam        `json:"exam,omitempty"`
	Assessment  *Assessment  `json:"assessment,omitempty"`
	Orders      *Orders      `json:"orders,omitempty"`
	Plan        *PlanDoc     `json:"plan,omitempty"`
	Consult     *Consult     `json:"consult,omitempty"`
	Pharmacy    *Pharmacy    `json:"pharmacy,omitempty"`
	Note        *Note        `json:"note,omitempty"`

	Usage   provider.Usage `json:"usage"`
	Metrics ExecMetrics    `json:"metrics"`

	// Extensions carries ancillary data attached after generation, such
	// as normalization repair notes under the "validation" key.
	Extensions map[string]any `json:"extensions,omitempty"`
}

// ExecMetrics records how a stage execution went.
type ExecMetrics struct {
	Attempts     int   `json:"attempts"`
	Retries      int   `json:"retries"`
	DurationMS   int64 `json:"duration_ms"`
	FallbackUsed bool  `json:"fallback_used"`
}

// Clone returns a deep copy of the output via a JSON round trip. Stage
// outputs hold only JSON-serializable data, so the copy is exact.
func (o *Output) Clone() (*Output, error) {
	if o == nil {
		return nil, nil
	}
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("clone output: %w", err)
	}
	var out Output
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("clone output: %w", err)
	}
	return &out, nil
}

// History is the HPI stage payload.
type History struct {
	ChiefComplaint string   `json:"chief_complaint"`
	Narrative      string   `json:"narrative"`
	Differentials  []string `json:"differentials"`
	Uncertainties  []string `json:"uncertainties,omitempty"`
}

// Medication is one reconciled medication entry.
type Medication struct {
	Name      string `json:"name"`
	Dose      string `json:"dose,omitempty"`
	Route     string `json:"route,omitempty"`
	Frequency string `json:"frequency,omitempty"`
}

// Medications is the medication reconciliation stage payload.
type Medications struct {
	Reconciled    []Medication `json:"reconciled"`
	Allergies     []string     `json:"allergies,omitempty"`
	Discrepancies []string     `json:"discrepancies,omitempty"`
}

// Social is the social history stage payload.
type Social struct {
	Living     string   `json:"living,omitempty"`
	Tobacco    string   `json:"tobacco,omitempty"`
	Alcohol    string   `json:"alcohol,omitempty"`
	Occupation string   `json:"occupation,omitempty"`
	Barriers   []string `json:"barriers,omitempty"`
}

// Exam is the physical exam stage payload. Narrative holds one finding per
// line; the normalizer enforces bullet formatting on it.
type Exam struct {
	Narrative          string   `json:"narrative"`
	PertinentNegatives []string `json:"pertinent_negatives,omitempty"`
}

// Assessment is the initial assessment stage payload.
type Assessment struct {
	Summary       string   `json:"summary"`
	Differentials []string `json:"differentials"`
	Concerns      []string `json:"concerns,omitempty"`
}

// Orders is the diagnostic and management orders stage payload.
type Orders struct {
	Diagnostics []string `json:"diagnostics"`
	Management  []string `json:"management"`
	Pending     []string `json:"pending,omitempty"`
}

// Problem is one entry in the orchestrator's problem list.
type Problem struct {
	Heading    string   `json:"heading"`
	Assessment string   `json:"assessment"`
	Plan       []string `json:"plan"`
}

// PlanDoc is the orchestrator stage payload: the problem-oriented plan plus
// the routing decisions for the rest of the plan phase.
type PlanDoc struct {
	OneLiner string    `json:"one_liner"`
	Problems []Problem `json:"problems"`

	// SpecialistNeeded names the specialty to consult, empty for none.
	SpecialistNeeded string `json:"specialist_needed,omitempty"`

	// PharmacistNeeded requests a pharmacy review. Evaluated independently
	// of the specialist decision.
	PharmacistNeeded bool `json:"pharmacist_needed"`
}

// Consult is the specialist stage payload.
type Consult struct {
	Specialty       string   `json:"specialty"`
	Impression      string   `json:"impression"`
	Recommendations []string `json:"recommendations"`
}

// Pharmacy is the pharmacist stage payload.
type Pharmacy struct {
	Review            string       `json:"review"`
	Interactions      []string     `json:"interactions,omitempty"`
	Alternatives      []Medication `json:"alternatives,omitempty"`
	DosingAdjustments []string     `json:"dosing_adjustments,omitempty"`
}

// Note is the compiler stage payload: the assembled clinical note.
type Note struct {
	Subjective        string `json:"subjective"`
	Objective         string `json:"objective"`
	AssessmentAndPlan string `json:"assessment_and_plan"`
	Disposition       string `json:"disposition,omitempty"`
}
