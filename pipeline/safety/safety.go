// Package safety evaluates clinical safety rules against a snapshot of the
// run's accumulated outputs. Rules are pure functions: same snapshot, same
// issues. The scheduler evaluates the registry after the orchestrator, after
// the pharmacist, and after the compiler, and mirrors every issue into the
// durable event log.
package safety

import "sync"

// Severity ranks a safety issue.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Issue is one finding from a safety rule.
type Issue struct {
	RuleID   string   `json:"rule_id"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`

	// SourceStage records which pipeline stage triggered the evaluation
	// that produced this issue. Stamped by Registry.CheckAll.
	SourceStage string `json:"source_stage"`
}

// Snapshot is the read-only view of the run that rules evaluate. All text
// is expected lower-cased; NewSnapshot in the pipeline package takes care
// of that.
type Snapshot struct {
	// Conditions holds known or suspected diagnoses.
	Conditions []string
	// Medications holds current (reconciled) medication names.
	Medications []string
	// PlanMeds holds medications proposed by the plan phase.
	PlanMeds []string
	// Labs holds numeric lab values by lower-cased name.
	Labs map[string]float64
	// Orders holds pending diagnostic and management orders.
	Orders []string
	// Problems holds the orchestrator's problem headings.
	Problems []string
}

// Rule is one safety check.
type Rule interface {
	// ID is a stable identifier, used as a metric label.
	ID() string
	// Description explains what the rule looks for.
	Description() string
	// Evaluate returns zero or more issues for the snapshot. It must not
	// mutate the snapshot and must not depend on external state.
	Evaluate(snap Snapshot) []Issue
}

// Registry holds an ordered set of safety rules.
type Registry struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a rule. Rules run in registration order.
func (r *Registry) Register(rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
}

// Rules returns the registered rules in order.
func (r *Registry) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

// CheckAll evaluates every rule against the snapshot and stamps each
// returned issue with sourceStage.
func (r *Registry) CheckAll(snap Snapshot, sourceStage string) []Issue {
	r.mu.RLock()
	rules := r.rules
	r.mu.RUnlock()

	var issues []Issue
	for _, rule := range rules {
		for _, issue := range rule.Evaluate(snap) {
			issue.SourceStage = sourceStage
			issues = append(issues, issue)
		}
	}
	return issues
}

// DefaultRegistry returns the standard rule set: VTE prophylaxis, renal
// dosing, NSAID use in CKD, and the warfarin-amiodarone interaction.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(VTEProphylaxisRule{})
	r.Register(RenalDosingRule{})
	r.Register(NSAIDInCKDRule{})
	r.Register(WarfarinAmiodaroneRule{})
	return r
}
