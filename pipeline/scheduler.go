package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/medscribe/notegraph/pipeline/emit"
	"github.com/medscribe/notegraph/pipeline/normalize"
	"github.com/medscribe/notegraph/pipeline/safety"
	"github.com/medscribe/notegraph/pipeline/stage"
	"github.com/medscribe/notegraph/pipeline/store"
)

// Options configures a Pipeline. The zero value is usable: an in-memory
// store, no notifications, no Prometheus metrics, and the default safety and
// normalization registries.
type Options struct {
	// Store persists runs, checkpoints, events, and stage metrics.
	// Defaults to a fresh in-memory store.
	Store store.Store

	// Emitter receives fire-and-forget progress notifications.
	Emitter emit.Emitter

	// Metrics records Prometheus metrics. Nil disables recording.
	Metrics *Metrics

	// Safety is evaluated after the orchestrator, after the pharmacist,
	// and after the compiler. Defaults to safety.DefaultRegistry.
	Safety *safety.Registry

	// Normalize repairs stage outputs before they are checkpointed.
	// Defaults to normalize.DefaultRegistry.
	Normalize *normalize.Registry

	// MaxAttempts is the per-stage retry budget including the first
	// attempt. Defaults to DefaultMaxAttempts.
	MaxAttempts int

	// Backoff is the delay schedule between attempts. Defaults to
	// DefaultBackoff.
	Backoff []time.Duration

	// TenantID scopes persisted rows. Defaults to "default".
	TenantID string

	// Sleep waits out retry delays. Tests substitute an instant version.
	Sleep SleepFunc
}

// Pipeline executes the clinical note stages for a run: concurrent intake,
// orchestrated plan, compiled note, with safety evaluation at the phase
// barriers.
type Pipeline struct {
	stages    map[string]*stage.Stage
	store     store.Store
	emitter   emit.Emitter
	metrics   *Metrics
	safety    *safety.Registry
	normalize *normalize.Registry
	exec      *executor
	tenant    string
}

// New builds a Pipeline over the given stage set, which must contain every
// key in stage.AllKeys.
func New(stages map[string]*stage.Stage, opts Options) (*Pipeline, error) {
	for _, key := range stage.AllKeys() {
		st, ok := stages[key]
		if !ok || st == nil {
			return nil, fmt.Errorf("pipeline: stage catalog missing %q", key)
		}
		if st.Work == nil {
			return nil, fmt.Errorf("pipeline: stage %q has no work function", key)
		}
	}

	if opts.Store == nil {
		opts.Store = store.NewMemoryStore()
	}
	if opts.Emitter == nil {
		opts.Emitter = emit.NewNullEmitter()
	}
	if opts.Safety == nil {
		opts.Safety = safety.DefaultRegistry()
	}
	if opts.Normalize == nil {
		opts.Normalize = normalize.DefaultRegistry()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Backoff == nil {
		opts.Backoff = DefaultBackoff
	}
	if opts.Sleep == nil {
		opts.Sleep = defaultSleep
	}
	if opts.TenantID == "" {
		opts.TenantID = "default"
	}

	p := &Pipeline{
		stages:    stages,
		store:     opts.Store,
		emitter:   opts.Emitter,
		metrics:   opts.Metrics,
		safety:    opts.Safety,
		normalize: opts.Normalize,
		tenant:    opts.TenantID,
	}
	p.exec = &executor{
		store:       opts.Store,
		emitter:     opts.Emitter,
		metrics:     opts.Metrics,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		sleep:       opts.Sleep,
	}
	return p, nil
}

// NewRun registers a pending run for the patient and returns its ID, shaped
// run_<patient>_<8 hex chars>.
func (p *Pipeline) NewRun(ctx context.Context, pt Patient) (string, error) {
	if pt.PatientID == "" {
		return "", errors.New("pipeline: patient ID required")
	}
	runID := fmt.Sprintf("run_%s_%s", pt.PatientID, uuid.NewString()[:8])
	err := p.store.CreateRun(ctx, store.Run{
		RunID:     runID,
		PatientID: pt.PatientID,
		TenantID:  p.tenant,
		Status:    store.StatusPending,
	})
	if err != nil {
		return "", fmt.Errorf("pipeline: create run: %w", err)
	}
	return runID, nil
}

// Execute runs the full pipeline for a pending run. It returns
// ErrRunCancelled if the run was cancelled while executing, a
// *StageFailureError if stages failed, and nil when the run completed.
func (p *Pipeline) Execute(ctx context.Context, runID string, pt Patient) error {
	return p.run(ctx, runID, pt, false)
}

// Resume continues an interrupted run from its latest checkpoints. Stages
// with a completed checkpoint are not re-executed; stages that never
// checkpointed, or whose latest checkpoint recorded a failure, run again.
// Resuming a run whose note is already compiled just settles the status.
func (p *Pipeline) Resume(ctx context.Context, runID string, pt Patient) error {
	return p.run(ctx, runID, pt, true)
}

// Cancel marks a run cancelled. Cancellation wins over any completion
// recorded afterward by an in-flight Execute. Cancelling a terminal run
// returns ErrRunTerminal.
func (p *Pipeline) Cancel(ctx context.Context, runID string) error {
	status, err := p.store.RunStatus(ctx, runID)
	if err != nil {
		return err
	}
	if status.Terminal() {
		return ErrRunTerminal
	}
	if err := p.store.SetRunStatus(ctx, runID, store.StatusCancelled); err != nil {
		return err
	}
	p.exec.event(ctx, runID, "", store.EventProgress, map[string]any{"status": "cancelled"})
	return nil
}

func (p *Pipeline) run(ctx context.Context, runID string, pt Patient, resume bool) error {
	run, err := p.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	switch {
	case run.Status == store.StatusCompleted:
		if resume {
			return nil
		}
		return ErrRunTerminal
	case run.Status == store.StatusCancelled:
		return ErrRunTerminal
	case run.Status == store.StatusFailed && !resume:
		return ErrRunTerminal
	}

	state := newRunState(runID, pt)
	if resume {
		done, err := p.restore(ctx, runID, state)
		if err != nil {
			return err
		}
		if done {
			return p.store.SetRunStatus(ctx, runID, store.StatusCompleted)
		}
	}

	start := time.Now()
	p.metrics.RunStarted()
	if err := p.store.SetRunStatus(ctx, runID, store.StatusRunning); err != nil {
		return err
	}
	p.exec.event(ctx, runID, "", store.EventStarted, map[string]any{
		"patient_id": pt.PatientID,
		"resume":     resume,
	})

	p.runIntake(ctx, state)
	if !p.cancelled(ctx, runID) {
		p.runPlan(ctx, state)
	}
	if !p.cancelled(ctx, runID) {
		p.runNote(ctx, state)
	}

	return p.settle(ctx, runID, state, start)
}

// restore loads completed stage outputs from the latest checkpoints. It
// reports done=true when the note is compiled and no stage's latest
// checkpoint records a failure still awaiting a successful re-run.
func (p *Pipeline) restore(ctx context.Context, runID string, state *runState) (bool, error) {
	pendingFailure := false
	for _, key := range stage.AllKeys() {
		cp, err := p.store.LatestCheckpoint(ctx, runID, key)
		if errors.Is(err, store.ErrCheckpointNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		if cp.State.Status == "completed" && cp.State.Output != nil {
			state.setOutput(key, cp.State.Output)
		} else {
			pendingFailure = true
		}
	}
	return state.completed(stage.KeyCompiler) && !pendingFailure, nil
}

// runIntake fans the six intake stages out concurrently. A stage failure
// does not cancel its siblings; failures accumulate in the run state.
func (p *Pipeline) runIntake(ctx context.Context, state *runState) {
	var g errgroup.Group
	for _, key := range stage.IntakeKeys() {
		if state.completed(key) {
			continue
		}
		key := key
		g.Go(func() error {
			p.runStage(ctx, key, state)
			return nil
		})
	}
	_ = g.Wait()
}

// runPlan executes the orchestrator and then routes the specialist and
// pharmacist stages from its decisions. Safety is evaluated after the
// orchestrator and again after the pharmacist.
func (p *Pipeline) runPlan(ctx context.Context, state *runState) {
	if !state.completed(stage.KeyOrchestrator) {
		p.runStage(ctx, stage.KeyOrchestrator, state)
	}
	p.checkSafety(ctx, state, stage.KeyOrchestrator)

	out := state.output(stage.KeyOrchestrator)
	if out == nil || out.Plan == nil {
		return
	}

	if out.Plan.SpecialistNeeded != "" && !state.completed(stage.KeySpecialist) {
		p.runStage(ctx, stage.KeySpecialist, state)
	}
	if out.Plan.PharmacistNeeded {
		if !state.completed(stage.KeyPharmacist) {
			p.runStage(ctx, stage.KeyPharmacist, state)
		}
		p.checkSafety(ctx, state, stage.KeyPharmacist)
	}
}

func (p *Pipeline) runNote(ctx context.Context, state *runState) {
	if !state.completed(stage.KeyCompiler) {
		p.runStage(ctx, stage.KeyCompiler, state)
	}
	p.checkSafety(ctx, state, stage.KeyCompiler)
}

// runStage executes one stage through the retry executor, normalizes the
// output, checkpoints it, and records events and metrics.
func (p *Pipeline) runStage(ctx context.Context, key string, state *runState) {
	st := p.stages[key]
	in := state.inputFor()

	out, em, err := p.exec.run(ctx, st, in)
	p.metrics.StageDuration(key, time.Duration(em.DurationMS)*time.Millisecond)

	if err != nil {
		p.recordFailure(ctx, state, key, em, err)
		return
	}

	out, notes, repaired := p.normalize.Normalize(key, out)
	if repaired {
		if out.Extensions == nil {
			out.Extensions = make(map[string]any)
		}
		out.Extensions["validation"] = notes
	}

	cpID, err := p.store.SaveCheckpoint(ctx, state.runID, key, store.StageState{
		Output:  out,
		Status:  "completed",
		Metrics: em,
	})
	if err != nil {
		p.recordFailure(ctx, state, key, em, fmt.Errorf("checkpoint: %w", err))
		return
	}

	state.setOutput(key, out)

	p.exec.event(ctx, state.runID, key, store.EventProgress, map[string]any{
		"checkpoint_id": cpID,
		"repaired":      repaired,
	})
	p.exec.event(ctx, state.runID, key, store.EventCompleted, map[string]any{
		"duration_ms": em.DurationMS,
		"attempts":    em.Attempts,
		"fallback":    em.FallbackUsed,
	})
	_ = p.store.SaveStageMetrics(ctx, store.StageMetrics{
		RunID:             state.runID,
		StageKey:          key,
		Status:            "completed",
		Attempts:          em.Attempts,
		Retries:           em.Retries,
		SuccessDurationMS: em.DurationMS,
		FallbackUsed:      em.FallbackUsed,
	})
	p.metrics.TokensUsed(key, out.Usage.PromptTokens, out.Usage.CompletionTokens)
}

func (p *Pipeline) recordFailure(ctx context.Context, state *runState, key string, em stage.ExecMetrics, err error) {
	state.setFailed(key, err.Error())
	_, _ = p.store.SaveCheckpoint(ctx, state.runID, key, store.StageState{
		Status:  "failed",
		Metrics: em,
	})
	p.exec.event(ctx, state.runID, key, store.EventFailed, map[string]any{
		"error":    err.Error(),
		"attempts": em.Attempts,
	})
	_ = p.store.SaveStageMetrics(ctx, store.StageMetrics{
		RunID:             state.runID,
		StageKey:          key,
		Status:            "failed",
		Attempts:          em.Attempts,
		Retries:           em.Retries,
		FailureDurationMS: em.DurationMS,
	})
}

// checkSafety evaluates the safety registry against the run's accumulated
// outputs and mirrors each new finding into the durable event log under the
// reserved "safety" key.
func (p *Pipeline) checkSafety(ctx context.Context, state *runState, sourceStage string) {
	snap := buildSnapshot(state.outputSnapshot(), state.patient.Labs)
	fresh := state.addIssues(p.safety.CheckAll(snap, sourceStage))
	for _, issue := range fresh {
		p.metrics.SafetyIssue(issue.RuleID, string(issue.Severity))
		p.exec.event(ctx, state.runID, stage.KeySafety, store.EventProgress, map[string]any{
			"rule_id":      issue.RuleID,
			"severity":     string(issue.Severity),
			"message":      issue.Message,
			"source_stage": issue.SourceStage,
		})
	}
}

func (p *Pipeline) cancelled(ctx context.Context, runID string) bool {
	status, err := p.store.RunStatus(ctx, runID)
	return err == nil && status == store.StatusCancelled
}

// settle writes the terminal status. The stored status is re-read first: a
// cancellation that landed while stages were executing wins over the natural
// outcome.
func (p *Pipeline) settle(ctx context.Context, runID string, state *runState, start time.Time) error {
	elapsed := time.Since(start)

	status, err := p.store.RunStatus(ctx, runID)
	if err != nil {
		return err
	}
	if status == store.StatusCancelled {
		p.metrics.RunFinished(string(store.StatusCancelled), elapsed)
		return ErrRunCancelled
	}

	failures := state.failures()
	if len(failures) > 0 {
		if err := p.store.SetRunStatus(ctx, runID, store.StatusFailed); err != nil {
			return err
		}
		p.exec.event(ctx, runID, "", store.EventFailed, map[string]any{
			"failed_stages": len(failures),
		})
		p.metrics.RunFinished(string(store.StatusFailed), elapsed)
		return &StageFailureError{RunID: runID, Stages: failures}
	}

	if err := p.store.SetRunStatus(ctx, runID, store.StatusCompleted); err != nil {
		return err
	}
	p.exec.event(ctx, runID, "", store.EventCompleted, map[string]any{
		"duration_ms":   elapsed.Milliseconds(),
		"safety_issues": len(state.safetyIssues()),
	})
	p.metrics.RunFinished(string(store.StatusCompleted), elapsed)
	return nil
}
