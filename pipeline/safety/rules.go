package safety

import (
	"fmt"
	"strings"
)

func containsAny(items []string, substrings ...string) bool {
	for _, item := range items {
		for _, sub := range substrings {
			if strings.Contains(item, sub) {
				return true
			}
		}
	}
	return false
}

var anticoagulants = []string{"heparin", "enoxaparin", "warfarin", "apixaban", "rivaroxaban", "dabigatran", "anticoagul"}

// VTEProphylaxisRule flags admissions with venous thromboembolism risk
// markers but no anticoagulation anywhere in current medications or orders.
type VTEProphylaxisRule struct{}

func (VTEProphylaxisRule) ID() string { return "vte_prophylaxis" }

func (VTEProphylaxisRule) Description() string {
	return "VTE risk without documented prophylaxis"
}

func (VTEProphylaxisRule) Evaluate(snap Snapshot) []Issue {
	atRisk := containsAny(snap.Conditions, "surg", "immobil", "fracture", "malignancy") ||
		containsAny(snap.Problems, "surg", "immobil", "fracture", "malignancy")
	if !atRisk {
		return nil
	}
	covered := containsAny(snap.Medications, anticoagulants...) ||
		containsAny(snap.PlanMeds, anticoagulants...) ||
		containsAny(snap.Orders, anticoagulants...)
	if covered {
		return nil
	}
	return []Issue{{
		RuleID:   "vte_prophylaxis",
		Severity: SeverityWarning,
		Message:  "VTE risk factors present without anticoagulation in medications or orders",
	}}
}

// renalRiskMeds need dose adjustment or avoidance with impaired clearance.
var renalRiskMeds = []string{"metformin", "gabapentin", "atenolol"}

// RenalDosingRule flags renally-cleared medications when creatinine exceeds
// 1.5 mg/dL.
type RenalDosingRule struct{}

func (RenalDosingRule) ID() string { return "renal_dosing" }

func (RenalDosingRule) Description() string {
	return "renally-cleared medication with elevated creatinine"
}

func (RenalDosingRule) Evaluate(snap Snapshot) []Issue {
	creat, ok := snap.Labs["creatinine"]
	if !ok || creat <= 1.5 {
		return nil
	}
	var issues []Issue
	for _, med := range renalRiskMeds {
		if containsAny(snap.Medications, med) || containsAny(snap.PlanMeds, med) {
			issues = append(issues, Issue{
				RuleID:   "renal_dosing",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("%s requires renal dose review at creatinine %.1f", med, creat),
			})
		}
	}
	return issues
}

// NSAIDInCKDRule flags NSAID orders for patients with chronic kidney
// disease. This is an error, not a warning: NSAIDs are contraindicated.
type NSAIDInCKDRule struct{}

func (NSAIDInCKDRule) ID() string { return "nsaid_in_ckd" }

func (NSAIDInCKDRule) Description() string {
	return "NSAID ordered for a patient with chronic kidney disease"
}

var nsaids = []string{"nsaid", "ibuprofen", "naproxen", "ketorolac", "indomethacin", "diclofenac"}

func (NSAIDInCKDRule) Evaluate(snap Snapshot) []Issue {
	hasCKD := containsAny(snap.Conditions, "chronic kidney disease", "ckd") ||
		containsAny(snap.Problems, "chronic kidney disease", "ckd")
	if !hasCKD {
		return nil
	}
	if !containsAny(snap.Orders, nsaids...) && !containsAny(snap.PlanMeds, nsaids...) {
		return nil
	}
	return []Issue{{
		RuleID:   "nsaid_in_ckd",
		Severity: SeverityError,
		Message:  "NSAID ordered despite chronic kidney disease",
	}}
}

// WarfarinAmiodaroneRule flags the warfarin-amiodarone interaction across
// current and planned medications. Amiodarone inhibits warfarin clearance.
type WarfarinAmiodaroneRule struct{}

func (WarfarinAmiodaroneRule) ID() string { return "warfarin_amiodarone" }

func (WarfarinAmiodaroneRule) Description() string {
	return "concurrent warfarin and amiodarone"
}

func (WarfarinAmiodaroneRule) Evaluate(snap Snapshot) []Issue {
	all := make([]string, 0, len(snap.Medications)+len(snap.PlanMeds))
	all = append(all, snap.Medications...)
	all = append(all, snap.PlanMeds...)

	if !containsAny(all, "warfarin") || !containsAny(all, "amiodarone") {
		return nil
	}
	return []Issue{{
		RuleID:   "warfarin_amiodarone",
		Severity: SeverityWarning,
		Message:  "warfarin and amiodarone together: reduce warfarin dose and monitor INR closely",
	}}
}
