package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/medscribe/notegraph/pipeline/emit"
	"github.com/medscribe/notegraph/pipeline/provider"
	"github.com/medscribe/notegraph/pipeline/stage"
	"github.com/medscribe/notegraph/pipeline/store"
)

func instantSleep(ctx context.Context, d time.Duration) error { return nil }

func testPatient() Patient {
	return Patient{
		PatientID: "p100",
		RawText: []string{
			"72M with chest pain radiating to the left arm since this morning.",
			"History of chronic kidney disease. Lives alone, former smoker.",
		},
		Medications: []string{
			"warfarin 5 mg po daily",
			"amiodarone 200 mg po daily",
			"metformin 500 mg po bid",
		},
		Allergies: []string{"penicillin"},
		Vitals:    map[string]string{"bp": "152/90", "hr": "96"},
		Labs:      map[string]float64{"creatinine": 1.8},
	}
}

func newTestPipeline(t *testing.T, gen provider.Generator) (*Pipeline, *store.MemoryStore, *emit.BufferedEmitter) {
	t.Helper()
	st := store.NewMemoryStore()
	em := emit.NewBufferedEmitter()
	p, err := New(stage.Catalog(gen), Options{
		Store:   st,
		Emitter: em,
		Sleep:   instantSleep,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, st, em
}

func startRun(t *testing.T, p *Pipeline, pt Patient) string {
	t.Helper()
	runID, err := p.NewRun(context.Background(), pt)
	if err != nil {
		t.Fatalf("NewRun: %v", err)
	}
	return runID
}

func countEvents(t *testing.T, st store.Store, runID, stageKey string, kind store.EventKind) int {
	t.Helper()
	events, err := st.ListEvents(context.Background(), runID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	n := 0
	for _, ev := range events {
		if ev.StageKey == stageKey && ev.Kind == kind {
			n++
		}
	}
	return n
}

func TestNewRunIDFormat(t *testing.T) {
	p, _, _ := newTestPipeline(t, provider.NewStatic())
	runID := startRun(t, p, testPatient())

	if !strings.HasPrefix(runID, "run_p100_") {
		t.Errorf("runID = %q, want run_p100_ prefix", runID)
	}
	if suffix := strings.TrimPrefix(runID, "run_p100_"); len(suffix) != 8 {
		t.Errorf("suffix = %q, want 8 characters", suffix)
	}

	if _, err := p.NewRun(context.Background(), Patient{}); err == nil {
		t.Error("NewRun without patient ID succeeded")
	}
}

func TestExecuteCompletesRun(t *testing.T) {
	ctx := context.Background()
	p, st, _ := newTestPipeline(t, provider.NewStatic())
	pt := testPatient()
	runID := startRun(t, p, pt)

	if err := p.Execute(ctx, runID, pt); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	status, err := st.RunStatus(ctx, runID)
	if err != nil {
		t.Fatalf("RunStatus: %v", err)
	}
	if status != store.StatusCompleted {
		t.Fatalf("status = %q, want completed", status)
	}

	// Chest pain routes cardiology, three meds plus creatinine route the
	// pharmacist, so every stage runs.
	cps, err := st.ListCheckpoints(ctx, runID)
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	byStage := make(map[string]store.Checkpoint)
	for _, cp := range cps {
		byStage[cp.StageKey] = cp
	}
	for _, key := range stage.AllKeys() {
		cp, ok := byStage[key]
		if !ok {
			t.Errorf("no checkpoint for stage %s", key)
			continue
		}
		if cp.State.Status != "completed" || cp.State.Output == nil {
			t.Errorf("stage %s checkpoint = %q", key, cp.State.Status)
		}
		if n := countEvents(t, st, runID, key, store.EventCompleted); n != 1 {
			t.Errorf("stage %s has %d completed events, want 1", key, n)
		}
	}

	plan := byStage[stage.KeyOrchestrator].State.Output.Plan
	if plan == nil || len(plan.Problems) == 0 {
		t.Fatal("orchestrator produced no problems")
	}
	foundAKI := false
	for _, problem := range plan.Problems {
		if strings.Contains(strings.ToLower(problem.Heading), "kidney injury") {
			foundAKI = true
		}
	}
	if !foundAKI {
		t.Error("creatinine 1.8 did not produce an acute kidney injury problem")
	}
	if plan.SpecialistNeeded != "cardiology" {
		t.Errorf("SpecialistNeeded = %q, want cardiology", plan.SpecialistNeeded)
	}
	if !plan.PharmacistNeeded {
		t.Error("pharmacist not requested")
	}

	rep, err := p.Report(ctx, runID)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if rep.Note == nil {
		t.Fatal("report has no compiled note")
	}
	if rep.Note.Subjective == "" || rep.Note.AssessmentAndPlan == "" {
		t.Errorf("note sections incomplete: %+v", rep.Note)
	}
	if rep.PromptTokens != 1000 || rep.CompletionTokens != 2000 {
		t.Errorf("token totals = %d/%d, want 1000/2000", rep.PromptTokens, rep.CompletionTokens)
	}
	if rep.EstimatedCostUSD != "0.0120" {
		t.Errorf("cost = %q, want 0.0120", rep.EstimatedCostUSD)
	}

	rules := make(map[string]bool)
	for _, issue := range rep.SafetyIssues {
		rules[issue.RuleID] = true
	}
	if !rules["warfarin_amiodarone"] {
		t.Error("warfarin plus amiodarone produced no safety issue")
	}
	if !rules["renal_dosing"] {
		t.Error("metformin with creatinine 1.8 produced no safety issue")
	}
}

func TestConditionalStagesSkipped(t *testing.T) {
	ctx := context.Background()
	p, st, _ := newTestPipeline(t, provider.NewStatic())
	pt := Patient{
		PatientID: "p200",
		RawText:   []string{"45F admitted for observation after a fall."},
	}
	runID := startRun(t, p, pt)

	if err := p.Execute(ctx, runID, pt); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	cps, _ := st.ListCheckpoints(ctx, runID)
	seen := make(map[string]bool)
	for _, cp := range cps {
		seen[cp.StageKey] = true
	}
	if seen[stage.KeySpecialist] {
		t.Error("specialist ran without a routed specialty")
	}
	if seen[stage.KeyPharmacist] {
		t.Error("pharmacist ran without meds or renal labs")
	}
	if !seen[stage.KeyCompiler] {
		t.Error("compiler did not run")
	}
}

func TestRetryExhaustionFallsBack(t *testing.T) {
	ctx := context.Background()
	gen := provider.NewStatic()
	gen.FailStage(stage.KeyHPI, &provider.Error{Code: provider.CodeRateLimited, Message: "slow down", Retryable: true})

	p, st, _ := newTestPipeline(t, gen)
	pt := testPatient()
	runID := startRun(t, p, pt)

	if err := p.Execute(ctx, runID, pt); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if calls := gen.Calls(stage.KeyHPI); calls != DefaultMaxAttempts {
		t.Errorf("hpi generate calls = %d, want %d", calls, DefaultMaxAttempts)
	}

	// Three backoff retries plus one retried event annotating the fallback.
	events, err := st.ListEvents(ctx, runID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	plain, annotated := 0, 0
	for _, ev := range events {
		if ev.StageKey != stage.KeyHPI || ev.Kind != store.EventRetried {
			continue
		}
		if ev.Payload["fallback"] == true {
			annotated++
			if got := fmt.Sprint(ev.Payload["final_retry_attempts"]); got != fmt.Sprint(DefaultMaxAttempts) {
				t.Errorf("final_retry_attempts = %s, want %d", got, DefaultMaxAttempts)
			}
			if ev.Payload["error"] == "" {
				t.Error("fallback retried event missing the primary error")
			}
		} else {
			plain++
		}
	}
	if plain != DefaultMaxAttempts-1 {
		t.Errorf("backoff retried events = %d, want %d", plain, DefaultMaxAttempts-1)
	}
	if annotated != 1 {
		t.Errorf("fallback retried events = %d, want 1", annotated)
	}

	cp, err := st.LatestCheckpoint(ctx, runID, stage.KeyHPI)
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	out := cp.State.Output
	if out == nil || !out.Metrics.FallbackUsed {
		t.Fatalf("hpi output did not record fallback: %+v", out)
	}
	if out.Metrics.Attempts != DefaultMaxAttempts || out.Metrics.Retries != DefaultMaxAttempts-1 {
		t.Errorf("metrics = %+v", out.Metrics)
	}
	if out.Usage.Model != "mock-model-fallback" {
		t.Errorf("fallback usage model = %q", out.Usage.Model)
	}

	status, _ := st.RunStatus(ctx, runID)
	if status != store.StatusCompleted {
		t.Errorf("status = %q, want completed", status)
	}
}

func TestEmptyFallbackPropagatesPrimaryError(t *testing.T) {
	ctx := context.Background()
	gen := provider.NewStatic()
	gen.FailStage(stage.KeyHPI, &provider.Error{Code: provider.CodeInvalidAPIKey, Message: "bad key", Retryable: false})
	st := store.NewMemoryStore()

	// A fallback returning no output cannot rescue the stage.
	stages := stage.Catalog(gen)
	stages[stage.KeyHPI].Fallback = func(ctx context.Context, in stage.Input, err error) (*stage.Output, error) {
		return nil, nil
	}

	p, err := New(stages, Options{Store: st, Sleep: instantSleep})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pt := testPatient()
	runID := startRun(t, p, pt)

	execErr := p.Execute(ctx, runID, pt)
	var failure *StageFailureError
	if !errors.As(execErr, &failure) {
		t.Fatalf("Execute = %v, want StageFailureError", execErr)
	}
	if msg := failure.Stages[stage.KeyHPI]; !strings.Contains(msg, "bad key") {
		t.Errorf("hpi failure = %q, want the primary error", msg)
	}

	cp, err := st.LatestCheckpoint(ctx, runID, stage.KeyHPI)
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if cp.State.Status != "failed" {
		t.Errorf("hpi checkpoint = %q, want failed", cp.State.Status)
	}
	if n := countEvents(t, st, runID, stage.KeyHPI, store.EventRetried); n != 0 {
		t.Errorf("retried events = %d, want 0", n)
	}

	status, _ := st.RunStatus(ctx, runID)
	if status != store.StatusFailed {
		t.Errorf("status = %q, want failed", status)
	}
}

func TestPermanentErrorShortCircuits(t *testing.T) {
	ctx := context.Background()
	gen := provider.NewStatic()
	gen.FailStage(stage.KeySocial, &provider.Error{Code: provider.CodeInvalidAPIKey, Message: "bad key", Retryable: false})

	p, st, _ := newTestPipeline(t, gen)
	pt := testPatient()
	runID := startRun(t, p, pt)

	err := p.Execute(ctx, runID, pt)
	var failure *StageFailureError
	if !errors.As(err, &failure) {
		t.Fatalf("Execute = %v, want StageFailureError", err)
	}
	if _, ok := failure.Stages[stage.KeySocial]; !ok {
		t.Errorf("failure stages = %v", failure.Stages)
	}

	if calls := gen.Calls(stage.KeySocial); calls != 1 {
		t.Errorf("social generate calls = %d, want 1 for a permanent error", calls)
	}
	if n := countEvents(t, st, runID, stage.KeySocial, store.EventRetried); n != 0 {
		t.Errorf("retried events = %d, want 0", n)
	}

	status, _ := st.RunStatus(ctx, runID)
	if status != store.StatusFailed {
		t.Errorf("status = %q, want failed", status)
	}

	recs, _ := st.ListStageMetrics(ctx, runID)
	for _, rec := range recs {
		if rec.StageKey != stage.KeySocial {
			continue
		}
		if rec.Status != "failed" || rec.Attempts != 1 {
			t.Errorf("social metrics = %+v", rec)
		}
		if rec.SuccessDurationMS != 0 {
			t.Errorf("failed stage recorded a success duration: %+v", rec)
		}
	}
}

func TestResumeSkipsCompletedStages(t *testing.T) {
	ctx := context.Background()
	gen := provider.NewStatic()
	gen.FailStage(stage.KeyMedRec, &provider.Error{Code: provider.CodeQuotaExceeded, Message: "quota", Retryable: false})

	p, st, _ := newTestPipeline(t, gen)
	pt := testPatient()
	runID := startRun(t, p, pt)

	if err := p.Execute(ctx, runID, pt); err == nil {
		t.Fatal("Execute succeeded despite medrec failure")
	}
	examCalls := gen.Calls(stage.KeyExam)
	compilerCalls := gen.Calls(stage.KeyCompiler)

	gen.ClearFailures()
	if err := p.Resume(ctx, runID, pt); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	status, _ := st.RunStatus(ctx, runID)
	if status != store.StatusCompleted {
		t.Fatalf("status after resume = %q, want completed", status)
	}

	if calls := gen.Calls(stage.KeyExam); calls != examCalls {
		t.Errorf("exam re-executed on resume: %d calls, had %d", calls, examCalls)
	}
	if calls := gen.Calls(stage.KeyCompiler); calls != compilerCalls {
		t.Errorf("compiler re-executed on resume: %d calls, had %d", calls, compilerCalls)
	}
	if calls := gen.Calls(stage.KeyMedRec); calls != 2 {
		t.Errorf("medrec calls = %d, want 2", calls)
	}

	cp, err := st.LatestCheckpoint(ctx, runID, stage.KeyMedRec)
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if cp.State.Status != "completed" {
		t.Errorf("medrec latest checkpoint = %q", cp.State.Status)
	}

	// Stage metrics are write-once, so medrec keeps its first (failed)
	// record even after the successful re-run.
	recs, _ := st.ListStageMetrics(ctx, runID)
	for _, rec := range recs {
		if rec.StageKey == stage.KeyMedRec && rec.Status != "failed" {
			t.Errorf("medrec metrics overwritten: %+v", rec)
		}
	}

	// Resuming the now-complete run is a no-op.
	before, _ := st.ListCheckpoints(ctx, runID)
	if err := p.Resume(ctx, runID, pt); err != nil {
		t.Fatalf("second Resume: %v", err)
	}
	after, _ := st.ListCheckpoints(ctx, runID)
	if len(after) != len(before) {
		t.Errorf("idle resume wrote %d checkpoints", len(after)-len(before))
	}
}

func TestCancellationWinsOverCompletion(t *testing.T) {
	ctx := context.Background()
	gen := provider.NewStatic()
	st := store.NewMemoryStore()

	stages := stage.Catalog(gen)
	var p *Pipeline

	// Cancel mid-run, while the compiler is executing, then let it finish
	// naturally.
	compiler := stages[stage.KeyCompiler]
	work := compiler.Work
	compiler.Work = func(ctx context.Context, in stage.Input) (*stage.Output, error) {
		if err := p.Cancel(ctx, in.RunID); err != nil {
			return nil, err
		}
		return work(ctx, in)
	}

	p, err := New(stages, Options{Store: st, Sleep: instantSleep})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	pt := testPatient()
	runID := startRun(t, p, pt)

	if err := p.Execute(ctx, runID, pt); !errors.Is(err, ErrRunCancelled) {
		t.Fatalf("Execute = %v, want ErrRunCancelled", err)
	}

	status, _ := st.RunStatus(ctx, runID)
	if status != store.StatusCancelled {
		t.Errorf("status = %q, want cancelled", status)
	}

	// The cancellation is logged as run-level progress; failed events stay
	// reserved for stages that actually failed.
	if n := countEvents(t, st, runID, "", store.EventFailed); n != 0 {
		t.Errorf("run-level failed events = %d, want 0", n)
	}
	cancelEvents := 0
	events, _ := st.ListEvents(ctx, runID)
	for _, ev := range events {
		if ev.StageKey == "" && ev.Kind == store.EventProgress && ev.Payload["status"] == "cancelled" {
			cancelEvents++
		}
	}
	if cancelEvents != 1 {
		t.Errorf("cancellation progress events = %d, want 1", cancelEvents)
	}

	// The compiler completed naturally, so its checkpoint exists, but the
	// run status stays cancelled.
	if _, err := st.LatestCheckpoint(ctx, runID, stage.KeyCompiler); err != nil {
		t.Errorf("compiler checkpoint missing: %v", err)
	}

	if err := p.Cancel(ctx, runID); !errors.Is(err, ErrRunTerminal) {
		t.Errorf("Cancel on terminal run = %v, want ErrRunTerminal", err)
	}
	if err := p.Execute(ctx, runID, pt); !errors.Is(err, ErrRunTerminal) {
		t.Errorf("Execute on cancelled run = %v, want ErrRunTerminal", err)
	}
}

func TestUnclassifiedErrorsRetry(t *testing.T) {
	ctx := context.Background()
	gen := provider.NewStatic()
	gen.FailStageTimes(stage.KeyOrders, errors.New("connection reset"), 2)

	p, st, _ := newTestPipeline(t, gen)
	pt := testPatient()
	runID := startRun(t, p, pt)

	if err := p.Execute(ctx, runID, pt); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if calls := gen.Calls(stage.KeyOrders); calls != 3 {
		t.Errorf("orders generate calls = %d, want 3", calls)
	}
	if n := countEvents(t, st, runID, stage.KeyOrders, store.EventRetried); n != 2 {
		t.Errorf("retried events = %d, want 2", n)
	}

	cp, _ := st.LatestCheckpoint(ctx, runID, stage.KeyOrders)
	if cp.State.Output.Metrics.FallbackUsed {
		t.Error("recovered stage marked as fallback")
	}
	if cp.State.Output.Metrics.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", cp.State.Output.Metrics.Attempts)
	}
}

func TestRetryableClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), true},
		{"retryable provider", &provider.Error{Code: provider.CodeRateLimited, Retryable: true}, true},
		{"permanent provider", &provider.Error{Code: provider.CodeInvalidAPIKey, Retryable: false}, false},
		{"wrapped permanent", Permanent(errors.New("schema mismatch")), false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestNormalizationAppliedBeforeCheckpoint(t *testing.T) {
	ctx := context.Background()
	gen := provider.NewStatic()
	p, st, _ := newTestPipeline(t, gen)
	pt := testPatient()
	runID := startRun(t, p, pt)

	if err := p.Execute(ctx, runID, pt); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	cp, err := st.LatestCheckpoint(ctx, runID, stage.KeyExam)
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	for _, line := range strings.Split(cp.State.Output.Exam.Narrative, "\n") {
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "- ") {
			t.Errorf("exam line not bulleted: %q", line)
		}
	}

	cp, err = st.LatestCheckpoint(ctx, runID, stage.KeyOrchestrator)
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	for _, problem := range cp.State.Output.Plan.Problems {
		if !strings.Contains(problem.Heading, "(POA)") {
			t.Errorf("problem heading missing provenance tag: %q", problem.Heading)
		}
	}
}
