package pipeline

import (
	"strings"

	"github.com/medscribe/notegraph/pipeline/safety"
	"github.com/medscribe/notegraph/pipeline/stage"
)

// buildSnapshot flattens the run's accumulated outputs into the lower-cased
// view the safety rules evaluate. Outputs that have not completed yet simply
// contribute nothing.
func buildSnapshot(outputs map[string]*stage.Output, labs map[string]float64) safety.Snapshot {
	snap := safety.Snapshot{Labs: make(map[string]float64, len(labs))}
	for name, value := range labs {
		snap.Labs[strings.ToLower(name)] = value
	}

	if hpi := outputs[stage.KeyHPI]; hpi != nil && hpi.History != nil {
		snap.Conditions = appendLower(snap.Conditions, hpi.History.Differentials...)
	}
	if assess := outputs[stage.KeyAssessment]; assess != nil && assess.Assessment != nil {
		snap.Conditions = appendLower(snap.Conditions, assess.Assessment.Differentials...)
		snap.Conditions = appendLower(snap.Conditions, assess.Assessment.Concerns...)
	}

	if medrec := outputs[stage.KeyMedRec]; medrec != nil && medrec.Medications != nil {
		for _, med := range medrec.Medications.Reconciled {
			snap.Medications = appendLower(snap.Medications, med.Name)
		}
	}

	if orders := outputs[stage.KeyOrders]; orders != nil && orders.Orders != nil {
		snap.Orders = appendLower(snap.Orders, orders.Orders.Diagnostics...)
		snap.Orders = appendLower(snap.Orders, orders.Orders.Management...)
	}
	if consult := outputs[stage.KeySpecialist]; consult != nil && consult.Consult != nil {
		snap.Orders = appendLower(snap.Orders, consult.Consult.Recommendations...)
	}

	if plan := outputs[stage.KeyOrchestrator]; plan != nil && plan.Plan != nil {
		for _, problem := range plan.Plan.Problems {
			snap.Problems = appendLower(snap.Problems, problem.Heading)
			snap.Orders = appendLower(snap.Orders, problem.Plan...)
		}
	}

	if pharm := outputs[stage.KeyPharmacist]; pharm != nil && pharm.Pharmacy != nil {
		for _, med := range pharm.Pharmacy.Alternatives {
			snap.PlanMeds = appendLower(snap.PlanMeds, med.Name)
		}
		snap.PlanMeds = appendLower(snap.PlanMeds, pharm.Pharmacy.DosingAdjustments...)
	}

	return snap
}

func appendLower(dst []string, values ...string) []string {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		dst = append(dst, strings.ToLower(v))
	}
	return dst
}
