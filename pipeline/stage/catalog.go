package stage

import (
	"context"
	"fmt"
	"strings"

	"github.com/medscribe/notegraph/pipeline/provider"
)

// Catalog builds the default ten-stage pipeline backed by the given
// generator. Intake stages read only the raw material; plan and note stages
// additionally read the outputs of earlier phases through Input.
func Catalog(gen provider.Generator) map[string]*Stage {
	return map[string]*Stage{
		KeyHPI: {
			Key:      KeyHPI,
			Phase:    PhaseIntake,
			Work:     hpiWork(gen),
			Fallback: hpiFallback,
		},
		KeyMedRec: {
			Key:   KeyMedRec,
			Phase: PhaseIntake,
			Work:  medRecWork(gen),
		},
		KeySocial: {
			Key:   KeySocial,
			Phase: PhaseIntake,
			Work:  socialWork(gen),
		},
		KeyExam: {
			Key:   KeyExam,
			Phase: PhaseIntake,
			Work:  examWork(gen),
		},
		KeyAssessment: {
			Key:   KeyAssessment,
			Phase: PhaseIntake,
			Work:  assessmentWork(gen),
		},
		KeyOrders: {
			Key:   KeyOrders,
			Phase: PhaseIntake,
			Work:  ordersWork(gen),
		},
		KeyOrchestrator: {
			Key:      KeyOrchestrator,
			Phase:    PhasePlan,
			Work:     orchestratorWork(gen),
			Fallback: orchestratorFallback,
		},
		KeySpecialist: {
			Key:   KeySpecialist,
			Phase: PhasePlan,
			Work:  specialistWork(gen),
		},
		KeyPharmacist: {
			Key:   KeyPharmacist,
			Phase: PhasePlan,
			Work:  pharmacistWork(gen),
		},
		KeyCompiler: {
			Key:      KeyCompiler,
			Phase:    PhaseNote,
			Work:     compilerWork(gen),
			Fallback: compilerFallback,
		},
	}
}

// differentialHints maps presenting keywords to candidate differentials.
// The generator drafts the prose; these keep the structured payload
// deterministic so downstream routing and safety checks are testable.
var differentialHints = []struct {
	keyword       string
	differentials []string
	specialty     string
}{
	{"chest pain", []string{"acute coronary syndrome", "pulmonary embolism", "musculoskeletal pain"}, "cardiology"},
	{"shortness of breath", []string{"heart failure exacerbation", "copd exacerbation", "pneumonia"}, "pulmonology"},
	{"abdominal pain", []string{"cholecystitis", "pancreatitis", "peptic ulcer disease"}, "gastroenterology"},
	{"confusion", []string{"delirium", "metabolic encephalopathy"}, "neurology"},
	{"fever", []string{"sepsis", "urinary tract infection"}, ""},
}

func draft(ctx context.Context, gen provider.Generator, stageKey, system, prompt string) (string, provider.Usage, error) {
	comp, err := gen.Generate(ctx, provider.Request{Stage: stageKey, System: system, Prompt: prompt})
	if err != nil {
		return "", provider.Usage{}, err
	}
	return comp.Text, comp.Usage, nil
}

func hpiWork(gen provider.Generator) WorkFunc {
	return func(ctx context.Context, in Input) (*Output, error) {
		text := in.CombinedText()
		lower := strings.ToLower(text)

		chief := firstLine(text)
		var differentials []string
		for _, hint := range differentialHints {
			if strings.Contains(lower, hint.keyword) {
				differentials = append(differentials, hint.differentials...)
			}
		}
		if len(differentials) == 0 {
			differentials = []string{"undifferentiated presentation"}
		}

		content, usage, err := draft(ctx, gen, KeyHPI,
			"You are a hospitalist documenting a history of present illness.",
			fmt.Sprintf("Write the HPI for this admission note.\n\n%s", text))
		if err != nil {
			return nil, err
		}

		return &Output{
			Stage:      KeyHPI,
			ContentMD:  content,
			Confidence: 0.85,
			History: &History{
				ChiefComplaint: chief,
				Narrative:      content,
				Differentials:  differentials,
			},
			Usage: usage,
		}, nil
	}
}

func hpiFallback(ctx context.Context, in Input, err error) (*Output, error) {
	chief := firstLine(in.CombinedText())
	content := fmt.Sprintf("## History of Present Illness\n\n%s\n\nFull narrative unavailable; source text retained for manual review.", chief)
	return &Output{
		Stage:      KeyHPI,
		ContentMD:  content,
		Confidence: 0.4,
		History: &History{
			ChiefComplaint: chief,
			Narrative:      content,
			Differentials:  []string{"undifferentiated presentation"},
			Uncertainties:  []string{"history drafted in degraded mode"},
		},
	}, nil
}

func medRecWork(gen provider.Generator) WorkFunc {
	return func(ctx context.Context, in Input) (*Output, error) {
		reconciled := make([]Medication, 0, len(in.Medications))
		for _, raw := range in.Medications {
			reconciled = append(reconciled, parseMedication(raw))
		}

		var discrepancies []string
		if len(reconciled) == 0 {
			discrepancies = append(discrepancies, "no home medication list provided")
		}

		content, usage, err := draft(ctx, gen, KeyMedRec,
			"You are a hospitalist performing medication reconciliation.",
			fmt.Sprintf("Reconcile this medication list: %s", strings.Join(in.Medications, "; ")))
		if err != nil {
			return nil, err
		}

		return &Output{
			Stage:      KeyMedRec,
			ContentMD:  content,
			Confidence: 0.9,
			Medications: &Medications{
				Reconciled:    reconciled,
				Allergies:     in.Allergies,
				Discrepancies: discrepancies,
			},
			Usage: usage,
		}, nil
	}
}

func socialWork(gen provider.Generator) WorkFunc {
	return func(ctx context.Context, in Input) (*Output, error) {
		lower := strings.ToLower(in.CombinedText())

		social := &Social{Tobacco: "not documented", Alcohol: "not documented"}
		if strings.Contains(lower, "smok") || strings.Contains(lower, "tobacco") {
			social.Tobacco = "current or former use documented"
		}
		if strings.Contains(lower, "alcohol") || strings.Contains(lower, "etoh") {
			social.Alcohol = "use documented"
		}
		if strings.Contains(lower, "lives alone") {
			social.Living = "lives alone"
			social.Barriers = append(social.Barriers, "limited home support")
		}

		content, usage, err := draft(ctx, gen, KeySocial,
			"You are a hospitalist documenting social history.",
			fmt.Sprintf("Summarize the social history from this note:\n\n%s", in.CombinedText()))
		if err != nil {
			return nil, err
		}

		return &Output{
			Stage:      KeySocial,
			ContentMD:  content,
			Confidence: 0.75,
			Social:     social,
			Usage:      usage,
		}, nil
	}
}

func examWork(gen provider.Generator) WorkFunc {
	return func(ctx context.Context, in Input) (*Output, error) {
		var lines []string
		for name, value := range in.Vitals {
			lines = append(lines, fmt.Sprintf("%s %s", name, value))
		}
		lines = append(lines,
			"Alert and oriented, no acute distress",
			"Regular rate and rhythm, no murmurs",
			"Lungs clear to auscultation bilaterally",
			"Abdomen soft, non-tender",
		)

		content, usage, err := draft(ctx, gen, KeyExam,
			"You are a hospitalist documenting a physical exam.",
			fmt.Sprintf("Document the exam given vitals %v.", in.Vitals))
		if err != nil {
			return nil, err
		}

		return &Output{
			Stage:      KeyExam,
			ContentMD:  content,
			Confidence: 0.8,
			Exam: &Exam{
				Narrative:          strings.Join(lines, "\n"),
				PertinentNegatives: []string{"no focal neurological deficits", "no lower extremity edema"},
			},
			Usage: usage,
		}, nil
	}
}

func assessmentWork(gen provider.Generator) WorkFunc {
	return func(ctx context.Context, in Input) (*Output, error) {
		lower := strings.ToLower(in.CombinedText())

		var differentials []string
		var concerns []string
		for _, hint := range differentialHints {
			if strings.Contains(lower, hint.keyword) {
				differentials = append(differentials, hint.differentials...)
			}
		}
		if len(differentials) == 0 {
			differentials = []string{"undifferentiated presentation"}
		}
		if creat, ok := in.Labs["creatinine"]; ok && creat > 1.5 {
			concerns = append(concerns, fmt.Sprintf("renal impairment (creatinine %.1f)", creat))
		}
		if strings.Contains(lower, "chronic kidney disease") || strings.Contains(lower, "ckd") {
			differentials = append(differentials, "chronic kidney disease")
		}

		content, usage, err := draft(ctx, gen, KeyAssessment,
			"You are a hospitalist writing the initial assessment.",
			fmt.Sprintf("Draft the assessment for:\n\n%s", in.CombinedText()))
		if err != nil {
			return nil, err
		}

		return &Output{
			Stage:      KeyAssessment,
			ContentMD:  content,
			Confidence: 0.8,
			Assessment: &Assessment{
				Summary:       firstLine(in.CombinedText()),
				Differentials: differentials,
				Concerns:      concerns,
			},
			Usage: usage,
		}, nil
	}
}

func ordersWork(gen provider.Generator) WorkFunc {
	return func(ctx context.Context, in Input) (*Output, error) {
		lower := strings.ToLower(in.CombinedText())

		diagnostics := []string{"complete blood count", "basic metabolic panel"}
		var management []string
		if strings.Contains(lower, "chest pain") {
			diagnostics = append(diagnostics, "ecg", "troponin series")
			management = append(management, "aspirin 325 mg once", "telemetry monitoring")
		}
		if strings.Contains(lower, "shortness of breath") {
			diagnostics = append(diagnostics, "chest x-ray", "bnp")
		}
		if strings.Contains(lower, "fever") {
			diagnostics = append(diagnostics, "blood cultures", "urinalysis")
		}
		if strings.Contains(lower, "pain") && !strings.Contains(lower, "chest pain") {
			management = append(management, "ibuprofen 400 mg as needed for pain")
		}
		if len(management) == 0 {
			management = append(management, "supportive care, monitor clinical trajectory")
		}

		content, usage, err := draft(ctx, gen, KeyOrders,
			"You are a hospitalist placing admission orders.",
			fmt.Sprintf("Propose diagnostic and management orders for:\n\n%s", in.CombinedText()))
		if err != nil {
			return nil, err
		}

		return &Output{
			Stage:      KeyOrders,
			ContentMD:  content,
			Confidence: 0.8,
			Orders: &Orders{
				Diagnostics: diagnostics,
				Management:  management,
			},
			Usage: usage,
		}, nil
	}
}

func orchestratorWork(gen provider.Generator) WorkFunc {
	return func(ctx context.Context, in Input) (*Output, error) {
		plan := &PlanDoc{}

		var differentials []string
		if a := in.Intake[KeyAssessment]; a != nil && a.Assessment != nil {
			differentials = a.Assessment.Differentials
		} else if h := in.Intake[KeyHPI]; h != nil && h.History != nil {
			differentials = h.History.Differentials
		}

		for i, dx := range differentials {
			if i >= 3 {
				break
			}
			plan.Problems = append(plan.Problems, Problem{
				Heading:    dx,
				Assessment: fmt.Sprintf("Working diagnosis based on presentation and initial data: %s.", dx),
				Plan: []string{
					"continue targeted workup",
					"reassess on morning rounds",
				},
			})
		}
		if creat, ok := in.Labs["creatinine"]; ok && creat > 1.5 {
			plan.Problems = append(plan.Problems, Problem{
				Heading:    "acute kidney injury",
				Assessment: fmt.Sprintf("Creatinine %.1f above baseline threshold.", creat),
				Plan: []string{
					"trend creatinine daily",
					"avoid nephrotoxins",
					"renally dose medications",
				},
			})
		}
		if len(plan.Problems) == 0 {
			plan.Problems = []Problem{{
				Heading:    "clinical review",
				Assessment: "Insufficient structured findings; full review required.",
				Plan:       []string{"complete diagnostic workup"},
			}}
		}

		if h := in.Intake[KeyHPI]; h != nil && h.History != nil {
			plan.OneLiner = h.History.ChiefComplaint
			lower := strings.ToLower(strings.Join(h.History.Differentials, " "))
			// First matching hint wins: the leading complaint drives routing.
			for _, hint := range differentialHints {
				if hint.specialty == "" || plan.SpecialistNeeded != "" {
					continue
				}
				for _, dx := range hint.differentials {
					if strings.Contains(lower, dx) {
						plan.SpecialistNeeded = hint.specialty
						break
					}
				}
			}
		}

		if m := in.Intake[KeyMedRec]; m != nil && m.Medications != nil && len(m.Medications.Reconciled) >= 2 {
			plan.PharmacistNeeded = true
		}
		if _, ok := in.Labs["creatinine"]; ok {
			plan.PharmacistNeeded = true
		}

		content, usage, err := draft(ctx, gen, KeyOrchestrator,
			"You are the attending synthesizing a problem-oriented plan.",
			fmt.Sprintf("Build the problem list for: %s", plan.OneLiner))
		if err != nil {
			return nil, err
		}

		return &Output{
			Stage:      KeyOrchestrator,
			ContentMD:  content,
			Confidence: 0.85,
			Plan:       plan,
			Usage:      usage,
		}, nil
	}
}

func orchestratorFallback(ctx context.Context, in Input, err error) (*Output, error) {
	return &Output{
		Stage:      KeyOrchestrator,
		ContentMD:  "## Assessment and Plan\n\nPlan synthesis unavailable; single consolidated problem recorded for manual completion.",
		Confidence: 0.3,
		Plan: &PlanDoc{
			OneLiner: "admission requiring manual plan review",
			Problems: []Problem{{
				Heading:    "clinical review",
				Assessment: "Automated plan synthesis failed; findings preserved in intake outputs.",
				Plan:       []string{"attending to complete problem list manually"},
			}},
		},
	}, nil
}

func specialistWork(gen provider.Generator) WorkFunc {
	return func(ctx context.Context, in Input) (*Output, error) {
		specialty := "internal medicine"
		if o := in.Plan[KeyOrchestrator]; o != nil && o.Plan != nil && o.Plan.SpecialistNeeded != "" {
			specialty = o.Plan.SpecialistNeeded
		}

		recommendations := []string{
			"agree with current workup",
			"will follow with the primary team",
		}
		if specialty == "cardiology" {
			recommendations = []string{
				"serial troponins until trend established",
				"echocardiogram within 24 hours",
				"continue telemetry",
			}
		}

		content, usage, err := draft(ctx, gen, KeySpecialist,
			fmt.Sprintf("You are a %s consultant.", specialty),
			"Write the consult impression and recommendations.")
		if err != nil {
			return nil, err
		}

		return &Output{
			Stage:      KeySpecialist,
			ContentMD:  content,
			Confidence: 0.8,
			Consult: &Consult{
				Specialty:       specialty,
				Impression:      fmt.Sprintf("Findings reviewed from a %s perspective.", specialty),
				Recommendations: recommendations,
			},
			Usage: usage,
		}, nil
	}
}

func pharmacistWork(gen provider.Generator) WorkFunc {
	return func(ctx context.Context, in Input) (*Output, error) {
		pharmacy := &Pharmacy{Review: "Medication list reviewed for interactions and renal dosing."}

		var meds []Medication
		if m := in.Intake[KeyMedRec]; m != nil && m.Medications != nil {
			meds = m.Medications.Reconciled
		}

		names := make([]string, 0, len(meds))
		for _, med := range meds {
			names = append(names, strings.ToLower(med.Name))
		}
		joined := strings.Join(names, " ")
		if strings.Contains(joined, "warfarin") && strings.Contains(joined, "amiodarone") {
			pharmacy.Interactions = append(pharmacy.Interactions,
				"warfarin + amiodarone: amiodarone potentiates warfarin, reduce dose and monitor INR")
		}
		if creat, ok := in.Labs["creatinine"]; ok && creat > 1.5 {
			for _, med := range meds {
				name := strings.ToLower(med.Name)
				if name == "metformin" || name == "gabapentin" || name == "atenolol" {
					pharmacy.DosingAdjustments = append(pharmacy.DosingAdjustments,
						fmt.Sprintf("%s: adjust for creatinine %.1f", med.Name, creat))
				}
				if name == "metformin" {
					pharmacy.Alternatives = append(pharmacy.Alternatives,
						Medication{Name: "linagliptin", Dose: "5 mg", Route: "po", Frequency: "daily"})
				}
			}
		}

		content, usage, err := draft(ctx, gen, KeyPharmacist,
			"You are a clinical pharmacist reviewing an admission.",
			fmt.Sprintf("Review these medications: %s", strings.Join(names, "; ")))
		if err != nil {
			return nil, err
		}

		return &Output{
			Stage:      KeyPharmacist,
			ContentMD:  content,
			Confidence: 0.85,
			Pharmacy:   pharmacy,
			Usage:      usage,
		}, nil
	}
}

func compilerWork(gen provider.Generator) WorkFunc {
	return func(ctx context.Context, in Input) (*Output, error) {
		note := assembleNote(in)

		content, usage, err := draft(ctx, gen, KeyCompiler,
			"You are a hospitalist finalizing an admission note.",
			"Assemble the final note from the drafted sections.")
		if err != nil {
			return nil, err
		}

		return &Output{
			Stage:      KeyCompiler,
			ContentMD:  content,
			Confidence: 0.9,
			Note:       note,
			Usage:      usage,
		}, nil
	}
}

// compilerFallback assembles the note directly from the structured sections
// without a generation call, so the run can still finish with a usable note.
func compilerFallback(ctx context.Context, in Input, err error) (*Output, error) {
	note := assembleNote(in)
	return &Output{
		Stage:      KeyCompiler,
		ContentMD:  note.Subjective + "\n\n" + note.Objective + "\n\n" + note.AssessmentAndPlan,
		Confidence: 0.5,
		Note:       note,
	}, nil
}

func assembleNote(in Input) *Note {
	note := &Note{Disposition: "admit to medicine, full code"}

	if h := in.Intake[KeyHPI]; h != nil && h.History != nil {
		note.Subjective = h.History.Narrative
	}
	if e := in.Intake[KeyExam]; e != nil && e.Exam != nil {
		note.Objective = e.Exam.Narrative
	}

	var ap strings.Builder
	if o := in.Plan[KeyOrchestrator]; o != nil && o.Plan != nil {
		for i, problem := range o.Plan.Problems {
			fmt.Fprintf(&ap, "%d. %s\n%s\n", i+1, problem.Heading, problem.Assessment)
			for _, item := range problem.Plan {
				fmt.Fprintf(&ap, "  %s\n", item)
			}
		}
	}
	if c := in.Plan[KeySpecialist]; c != nil && c.Consult != nil {
		fmt.Fprintf(&ap, "\n%s consult: %s\n", c.Consult.Specialty, c.Consult.Impression)
	}
	if p := in.Plan[KeyPharmacist]; p != nil && p.Pharmacy != nil {
		for _, interaction := range p.Pharmacy.Interactions {
			fmt.Fprintf(&ap, "\nPharmacy: %s\n", interaction)
		}
	}
	note.AssessmentAndPlan = ap.String()
	return note
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return "presentation not documented"
	}
	return strings.TrimSpace(s)
}

// parseMedication splits a free-text entry like "metformin 500 mg po bid"
// into structured fields. Unrecognized trailing tokens fold into Frequency.
func parseMedication(raw string) Medication {
	fields := strings.Fields(strings.TrimSpace(raw))
	med := Medication{}
	if len(fields) == 0 {
		return med
	}
	med.Name = fields[0]
	rest := fields[1:]

	for i := 0; i < len(rest); i++ {
		token := strings.ToLower(rest[i])
		switch token {
		case "po", "iv", "im", "sc", "sl", "topical":
			med.Route = token
		case "daily", "bid", "tid", "qid", "qhs", "prn", "weekly":
			med.Frequency = token
		default:
			if med.Dose == "" {
				// dose amount plus unit ("500 mg")
				if i+1 < len(rest) && isDoseUnit(rest[i+1]) {
					med.Dose = rest[i] + " " + rest[i+1]
					i++
					continue
				}
				med.Dose = rest[i]
			}
		}
	}
	return med
}

func isDoseUnit(s string) bool {
	switch strings.ToLower(s) {
	case "mg", "mcg", "g", "ml", "units", "meq":
		return true
	}
	return false
}
