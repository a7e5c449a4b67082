// Package pipeline schedules the clinical note stages over a durable store:
// the six intake stages run concurrently, the plan phase routes through the
// orchestrator's decisions, and the compiler assembles the final note. Every
// stage result is checkpointed with content-hash deduplication, every
// lifecycle transition lands in the append-only event log, and interrupted
// runs resume from their latest checkpoints.
package pipeline

import (
	"sync"

	"github.com/medscribe/notegraph/pipeline/safety"
	"github.com/medscribe/notegraph/pipeline/stage"
)

// Patient is the intake material for one run. The pipeline treats it as
// read-only.
type Patient struct {
	PatientID string

	// RawText holds the source clinical narrative, one block per document.
	RawText []string

	Medications []string
	Allergies   []string
	Vitals      map[string]string
	Labs        map[string]float64
	Flags       map[string]bool
}

// runState accumulates stage outputs and failures while a run executes. The
// intake phase writes from several goroutines, so all access goes through the
// mutex.
type runState struct {
	runID   string
	patient Patient

	mu         sync.Mutex
	outputs    map[string]*stage.Output
	failed     map[string]string // stage key -> final error text
	issues     []safety.Issue
	issuesSeen map[string]bool
}

func newRunState(runID string, pt Patient) *runState {
	return &runState{
		runID:      runID,
		patient:    pt,
		outputs:    make(map[string]*stage.Output),
		failed:     make(map[string]string),
		issuesSeen: make(map[string]bool),
	}
}

func (s *runState) setOutput(stageKey string, out *stage.Output) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[stageKey] = out
	delete(s.failed, stageKey)
}

func (s *runState) setFailed(stageKey string, errText string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[stageKey] = errText
}

func (s *runState) output(stageKey string) *stage.Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputs[stageKey]
}

func (s *runState) completed(stageKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputs[stageKey] != nil
}

func (s *runState) failures() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.failed))
	for k, v := range s.failed {
		out[k] = v
	}
	return out
}

// addIssues records safety findings and returns the ones not seen earlier in
// the run. Safety is evaluated at three barriers; a finding that persists
// across barriers is recorded once.
func (s *runState) addIssues(issues []safety.Issue) []safety.Issue {
	if len(issues) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var fresh []safety.Issue
	for _, issue := range issues {
		key := issue.RuleID + "|" + issue.Message
		if s.issuesSeen[key] {
			continue
		}
		s.issuesSeen[key] = true
		s.issues = append(s.issues, issue)
		fresh = append(fresh, issue)
	}
	return fresh
}

func (s *runState) safetyIssues() []safety.Issue {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]safety.Issue, len(s.issues))
	copy(out, s.issues)
	return out
}

// inputFor builds the read-only input for a stage: the patient material plus
// the completed outputs of earlier phases.
func (s *runState) inputFor() stage.Input {
	s.mu.Lock()
	defer s.mu.Unlock()

	in := stage.Input{
		RunID:       s.runID,
		PatientID:   s.patient.PatientID,
		RawText:     s.patient.RawText,
		Medications: s.patient.Medications,
		Allergies:   s.patient.Allergies,
		Vitals:      s.patient.Vitals,
		Labs:        s.patient.Labs,
		Flags:       s.patient.Flags,
		Intake:      make(map[string]*stage.Output),
		Plan:        make(map[string]*stage.Output),
	}
	for key, out := range s.outputs {
		switch stage.PhaseOf(key) {
		case stage.PhaseIntake:
			in.Intake[key] = out
		case stage.PhasePlan:
			in.Plan[key] = out
		}
	}
	return in
}

// outputSnapshot returns a shallow copy of the completed outputs.
func (s *runState) outputSnapshot() map[string]*stage.Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*stage.Output, len(s.outputs))
	for k, v := range s.outputs {
		out[k] = v
	}
	return out
}
