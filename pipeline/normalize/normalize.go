// Package normalize repairs structural drift in stage outputs before they
// are checkpointed: bullet formatting, provenance tags, duplicate headings,
// plan item punctuation. Normalization is strictly best-effort and never
// fails a stage; a rule that panics leaves the output untouched.
//
// Every rule is idempotent: normalizing an already-normalized output reports
// repaired=false and returns identical content.
package normalize

import (
	"fmt"
	"sync"

	"github.com/medscribe/notegraph/pipeline/stage"
)

// Rule inspects and repairs one aspect of a stage output in place. It
// returns a human-readable note per repair made; an empty slice means the
// output was already clean.
type Rule func(out *stage.Output) []string

// Registry maps stage keys to their normalization rules.
type Registry struct {
	mu    sync.RWMutex
	rules map[string][]Rule
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{rules: make(map[string][]Rule)}
}

// Register appends a rule for the given stage key. Rules run in
// registration order.
func (r *Registry) Register(stageKey string, rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[stageKey] = append(r.rules[stageKey], rule)
}

// Normalize runs the stage's rules against a deep copy of out and returns
// the repaired copy, the repair notes, and whether anything changed.
//
// Normalize never returns an error and never panics: on any failure
// (including a panicking rule) it returns the original output unchanged
// with repaired=false.
func (r *Registry) Normalize(stageKey string, out *stage.Output) (result *stage.Output, issues []string, repaired bool) {
	if out == nil {
		return nil, nil, false
	}

	defer func() {
		if rec := recover(); rec != nil {
			result, issues, repaired = out, nil, false
		}
	}()

	r.mu.RLock()
	rules := r.rules[stageKey]
	r.mu.RUnlock()
	if len(rules) == 0 {
		return out, nil, false
	}

	clone, err := out.Clone()
	if err != nil {
		return out, nil, false
	}

	for _, rule := range rules {
		issues = append(issues, rule(clone)...)
	}
	if len(issues) == 0 {
		return out, nil, false
	}
	return clone, issues, true
}

// DefaultRegistry returns the registry used by the pipeline when none is
// supplied: bullet enforcement on the exam narrative and the problem list
// rules on the orchestrator output.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(stage.KeyExam, ExamBullets)
	r.Register(stage.KeyOrchestrator, ProblemHeadings)
	r.Register(stage.KeyOrchestrator, ProblemPlanItems)
	return r
}

func note(format string, args ...any) string {
	return fmt.Sprintf(format, args...)
}
