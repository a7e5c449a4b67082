package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/medscribe/notegraph/pipeline/safety"
	"github.com/medscribe/notegraph/pipeline/stage"
	"github.com/medscribe/notegraph/pipeline/store"
)

// Report summarizes a run from its durable records: status, per-stage
// execution metrics, safety findings, token accounting, and the compiled
// note when the run got that far.
type Report struct {
	Run    store.Run
	Stages []store.StageMetrics

	// CompletedStages counts stages whose latest checkpoint is completed.
	// TotalStages is the full catalog size; conditionally skipped stages
	// keep Progress below 1.0 even for completed runs.
	CompletedStages int
	TotalStages     int
	Progress        float64

	SafetyIssues []safety.Issue

	PromptTokens     int
	CompletionTokens int
	EstimatedCostUSD string

	// Note is the compiled clinical note, nil if the compiler never
	// completed.
	Note   *stage.Note
	NoteMD string
}

// Report assembles the summary for a run entirely from the store, so it
// works for live, finished, and resumed runs alike.
func (p *Pipeline) Report(ctx context.Context, runID string) (*Report, error) {
	run, err := p.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	rep := &Report{Run: run}

	rep.Stages, err = p.store.ListStageMetrics(ctx, runID)
	if err != nil {
		return nil, err
	}

	events, err := p.store.ListEvents(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		if ev.StageKey != stage.KeySafety {
			continue
		}
		issue := safety.Issue{}
		if v, ok := ev.Payload["rule_id"].(string); ok {
			issue.RuleID = v
		}
		if v, ok := ev.Payload["severity"].(string); ok {
			issue.Severity = safety.Severity(v)
		}
		if v, ok := ev.Payload["message"].(string); ok {
			issue.Message = v
		}
		if v, ok := ev.Payload["source_stage"].(string); ok {
			issue.SourceStage = v
		}
		rep.SafetyIssues = append(rep.SafetyIssues, issue)
	}

	var cost float64
	for _, key := range stage.AllKeys() {
		cp, err := p.store.LatestCheckpoint(ctx, runID, key)
		if errors.Is(err, store.ErrCheckpointNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out := cp.State.Output
		if cp.State.Status != "completed" || out == nil {
			continue
		}
		rep.CompletedStages++
		rep.PromptTokens += out.Usage.PromptTokens
		rep.CompletionTokens += out.Usage.CompletionTokens
		if c, err := strconv.ParseFloat(out.Usage.EstimatedCostUSD, 64); err == nil {
			cost += c
		}
		if key == stage.KeyCompiler {
			rep.Note = out.Note
			rep.NoteMD = out.ContentMD
		}
	}
	rep.EstimatedCostUSD = fmt.Sprintf("%.4f", cost)
	rep.TotalStages = len(stage.AllKeys())
	rep.Progress = float64(rep.CompletedStages) / float64(rep.TotalStages)

	return rep, nil
}
