package stage

import (
	"context"
	"strings"
	"testing"

	"github.com/medscribe/notegraph/pipeline/provider"
)

func testInput() Input {
	return Input{
		RunID:     "run_test_00000000",
		PatientID: "pt-123",
		RawText: []string{
			"65 year old presenting with chest pain and shortness of breath.",
			"History of chronic kidney disease. Former smoker, lives alone.",
		},
		Medications: []string{
			"warfarin 5 mg po daily",
			"amiodarone 200 mg po daily",
			"metformin 500 mg po bid",
		},
		Vitals: map[string]string{"BP": "142/88", "HR": "96"},
		Labs:   map[string]float64{"creatinine": 1.8},
	}
}

func runIntake(t *testing.T, gen provider.Generator, in Input) map[string]*Output {
	t.Helper()
	catalog := Catalog(gen)
	outputs := make(map[string]*Output)
	for _, key := range IntakeKeys() {
		out, err := catalog[key].Work(context.Background(), in)
		if err != nil {
			t.Fatalf("stage %s: %v", key, err)
		}
		outputs[key] = out
	}
	return outputs
}

func TestCatalogHasAllStages(t *testing.T) {
	catalog := Catalog(provider.NewStatic())
	for _, key := range AllKeys() {
		sg, ok := catalog[key]
		if !ok {
			t.Fatalf("catalog missing stage %s", key)
		}
		if sg.Key != key {
			t.Errorf("stage %s has mismatched key %s", key, sg.Key)
		}
		if sg.Work == nil {
			t.Errorf("stage %s has nil work", key)
		}
		if sg.Phase != PhaseOf(key) {
			t.Errorf("stage %s phase %s, want %s", key, sg.Phase, PhaseOf(key))
		}
	}
	for _, key := range []string{KeyHPI, KeyOrchestrator, KeyCompiler} {
		if catalog[key].Fallback == nil {
			t.Errorf("stage %s should carry a fallback", key)
		}
	}
}

func TestHPIExtractsDifferentials(t *testing.T) {
	out := runIntake(t, provider.NewStatic(), testInput())[KeyHPI]

	if out.History == nil {
		t.Fatal("expected history payload")
	}
	if out.History.ChiefComplaint == "" {
		t.Error("expected a chief complaint")
	}
	found := false
	for _, dx := range out.History.Differentials {
		if dx == "acute coronary syndrome" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected ACS differential for chest pain, got %v", out.History.Differentials)
	}
	if out.Usage.Total() == 0 {
		t.Error("expected token usage from generator")
	}
}

func TestMedRecParsesEntries(t *testing.T) {
	out := runIntake(t, provider.NewStatic(), testInput())[KeyMedRec]

	if out.Medications == nil {
		t.Fatal("expected medications payload")
	}
	if len(out.Medications.Reconciled) != 3 {
		t.Fatalf("expected 3 reconciled meds, got %d", len(out.Medications.Reconciled))
	}
	warfarin := out.Medications.Reconciled[0]
	if warfarin.Name != "warfarin" || warfarin.Dose != "5 mg" || warfarin.Route != "po" || warfarin.Frequency != "daily" {
		t.Errorf("unexpected parse: %+v", warfarin)
	}
}

func TestOrchestratorRoutesAndProblems(t *testing.T) {
	in := testInput()
	intake := runIntake(t, provider.NewStatic(), in)
	in.Intake = intake

	out, err := Catalog(provider.NewStatic())[KeyOrchestrator].Work(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if out.Plan == nil {
		t.Fatal("expected plan payload")
	}
	if len(out.Plan.Problems) == 0 {
		t.Fatal("expected at least one problem")
	}
	if out.Plan.SpecialistNeeded != "cardiology" {
		t.Errorf("expected cardiology routing, got %q", out.Plan.SpecialistNeeded)
	}
	if !out.Plan.PharmacistNeeded {
		t.Error("expected pharmacist routing with 3 meds and abnormal creatinine")
	}

	foundAKI := false
	for _, p := range out.Plan.Problems {
		if p.Heading == "acute kidney injury" {
			foundAKI = true
		}
	}
	if !foundAKI {
		t.Errorf("expected AKI problem for creatinine 1.8, got %+v", out.Plan.Problems)
	}
}

func TestPharmacistFlagsInteraction(t *testing.T) {
	in := testInput()
	in.Intake = runIntake(t, provider.NewStatic(), in)

	out, err := Catalog(provider.NewStatic())[KeyPharmacist].Work(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if out.Pharmacy == nil {
		t.Fatal("expected pharmacy payload")
	}
	if len(out.Pharmacy.Interactions) == 0 {
		t.Error("expected warfarin+amiodarone interaction")
	}
	if len(out.Pharmacy.DosingAdjustments) == 0 {
		t.Error("expected metformin renal dosing adjustment")
	}
}

func TestCompilerFallbackAssemblesNote(t *testing.T) {
	in := testInput()
	in.Intake = runIntake(t, provider.NewStatic(), in)

	orch, err := Catalog(provider.NewStatic())[KeyOrchestrator].Work(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	in.Plan = map[string]*Output{KeyOrchestrator: orch}

	out, err := compilerFallback(context.Background(), in, context.DeadlineExceeded)
	if err != nil {
		t.Fatal(err)
	}
	if out.Note == nil {
		t.Fatal("expected note payload")
	}
	if out.Note.AssessmentAndPlan == "" {
		t.Error("expected assembled assessment and plan")
	}
	if !strings.Contains(out.Note.AssessmentAndPlan, "1.") {
		t.Errorf("expected numbered problems, got %q", out.Note.AssessmentAndPlan)
	}
}

func TestOutputCloneIsDeep(t *testing.T) {
	out := runIntake(t, provider.NewStatic(), testInput())[KeyHPI]

	clone, err := out.Clone()
	if err != nil {
		t.Fatal(err)
	}
	clone.History.Differentials[0] = "mutated"
	if out.History.Differentials[0] == "mutated" {
		t.Error("clone shares differential slice with original")
	}
}

func TestParseMedication(t *testing.T) {
	tests := []struct {
		raw  string
		want Medication
	}{
		{"metformin 500 mg po bid", Medication{Name: "metformin", Dose: "500 mg", Route: "po", Frequency: "bid"}},
		{"aspirin 81 mg daily", Medication{Name: "aspirin", Dose: "81 mg", Frequency: "daily"}},
		{"insulin 10 units sc qhs", Medication{Name: "insulin", Dose: "10 units", Route: "sc", Frequency: "qhs"}},
		{"lisinopril", Medication{Name: "lisinopril"}},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			if got := parseMedication(tt.raw); got != tt.want {
				t.Errorf("parseMedication(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}
}
