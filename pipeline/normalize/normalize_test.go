package normalize

import (
	"reflect"
	"testing"

	"github.com/medscribe/notegraph/pipeline/stage"
)

func examOutput(narrative string) *stage.Output {
	return &stage.Output{
		Stage: stage.KeyExam,
		Exam:  &stage.Exam{Narrative: narrative},
	}
}

func planOutput(problems []stage.Problem) *stage.Output {
	return &stage.Output{
		Stage: stage.KeyOrchestrator,
		Plan:  &stage.PlanDoc{Problems: problems},
	}
}

func TestExamBullets(t *testing.T) {
	reg := DefaultRegistry()

	out, issues, repaired := reg.Normalize(stage.KeyExam, examOutput(
		"# Physical Exam\nAlert and oriented\n- Lungs clear\n* No edema\n\n• Soft abdomen"))
	if !repaired {
		t.Fatal("expected repair")
	}
	want := "# Physical Exam\n- Alert and oriented\n- Lungs clear\n* No edema\n\n- Soft abdomen"
	if out.Exam.Narrative != want {
		t.Errorf("got %q, want %q", out.Exam.Narrative, want)
	}
	if len(issues) != 2 {
		t.Errorf("expected 2 repair notes, got %v", issues)
	}
}

func TestExamBulletsIdempotent(t *testing.T) {
	reg := DefaultRegistry()

	once, _, _ := reg.Normalize(stage.KeyExam, examOutput("BP 142/88\nAlert, no distress"))
	twice, issues, repaired := reg.Normalize(stage.KeyExam, once)
	if repaired {
		t.Errorf("second pass repaired=true with issues %v", issues)
	}
	if twice.Exam.Narrative != once.Exam.Narrative {
		t.Errorf("second pass changed content: %q vs %q", twice.Exam.Narrative, once.Exam.Narrative)
	}
}

func TestProblemHeadingsTagAndTitleCase(t *testing.T) {
	reg := DefaultRegistry()

	out, _, repaired := reg.Normalize(stage.KeyOrchestrator, planOutput([]stage.Problem{
		{Heading: "acute kidney injury", Plan: []string{"trend creatinine"}},
		{Heading: "COPD Exacerbation (POA)", Plan: []string{"[] continue nebs."}},
	}))
	if !repaired {
		t.Fatal("expected repair")
	}
	if got := out.Plan.Problems[0].Heading; got != "Acute Kidney Injury (POA)" {
		t.Errorf("heading 0: got %q", got)
	}
	// Already tagged and cased: only the plan items elsewhere changed.
	if got := out.Plan.Problems[1].Heading; got != "COPD Exacerbation (POA)" {
		t.Errorf("heading 1: got %q", got)
	}
}

func TestDuplicateHeadingsGetNumericSuffix(t *testing.T) {
	reg := DefaultRegistry()

	out, _, _ := reg.Normalize(stage.KeyOrchestrator, planOutput([]stage.Problem{
		{Heading: "chest pain"},
		{Heading: "Chest Pain"},
		{Heading: "CHEST PAIN"},
	}))
	got := []string{
		out.Plan.Problems[0].Heading,
		out.Plan.Problems[1].Heading,
		out.Plan.Problems[2].Heading,
	}
	want := []string{
		"Chest Pain (POA)",
		"Chest Pain (POA) #2",
		"CHEST PAIN (POA) #3",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestPlanItemsCheckboxAndPeriod(t *testing.T) {
	reg := DefaultRegistry()

	out, _, _ := reg.Normalize(stage.KeyOrchestrator, planOutput([]stage.Problem{
		{Heading: "Sepsis (POA)", Plan: []string{
			"blood cultures",
			"[] broad spectrum antibiotics.",
			"reassess lactate.",
		}},
	}))
	want := []string{
		"[] blood cultures.",
		"[] broad spectrum antibiotics.",
		"[] reassess lactate.",
	}
	if !reflect.DeepEqual(out.Plan.Problems[0].Plan, want) {
		t.Errorf("got %v, want %v", out.Plan.Problems[0].Plan, want)
	}
}

func TestNormalizeIdempotentOnProblemList(t *testing.T) {
	reg := DefaultRegistry()

	once, _, _ := reg.Normalize(stage.KeyOrchestrator, planOutput([]stage.Problem{
		{Heading: "acute kidney injury", Plan: []string{"trend creatinine"}},
		{Heading: "Acute Kidney Injury", Plan: []string{"renally dose meds"}},
	}))
	twice, issues, repaired := reg.Normalize(stage.KeyOrchestrator, once)
	if repaired {
		t.Errorf("second pass repaired=true with issues %v", issues)
	}
	if !reflect.DeepEqual(twice.Plan, once.Plan) {
		t.Errorf("second pass changed plan: %+v vs %+v", twice.Plan, once.Plan)
	}
}

func TestNormalizeNeverRaises(t *testing.T) {
	reg := NewRegistry()
	reg.Register(stage.KeyExam, func(out *stage.Output) []string {
		panic("rule bug")
	})

	in := examOutput("Alert and oriented")
	out, issues, repaired := reg.Normalize(stage.KeyExam, in)
	if repaired || len(issues) != 0 {
		t.Errorf("panicking rule should report no repair, got repaired=%v issues=%v", repaired, issues)
	}
	if out != in {
		t.Error("panicking rule should return the original output")
	}
}

func TestNormalizeDoesNotMutateInput(t *testing.T) {
	reg := DefaultRegistry()

	in := planOutput([]stage.Problem{{Heading: "chest pain", Plan: []string{"ecg"}}})
	_, _, repaired := reg.Normalize(stage.KeyOrchestrator, in)
	if !repaired {
		t.Fatal("expected repair")
	}
	if in.Plan.Problems[0].Heading != "chest pain" {
		t.Errorf("input mutated: %q", in.Plan.Problems[0].Heading)
	}
}

func TestNormalizeUnknownStagePassthrough(t *testing.T) {
	reg := DefaultRegistry()

	in := &stage.Output{Stage: stage.KeyHPI, ContentMD: "narrative"}
	out, issues, repaired := reg.Normalize(stage.KeyHPI, in)
	if repaired || len(issues) != 0 || out != in {
		t.Error("stages without rules should pass through unchanged")
	}
}
