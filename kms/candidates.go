package kms

import (
	"github.com/ruteri/key-custody-backend/interfaces"
)

// Candidate is a subset of providers whose shares are combined together.
type Candidate []interfaces.ProviderID

// CandidatePlan returns every Threshold-sized subset of providers in the
// order reconstruction tries them. Subsets made of earlier providers come
// first, so with the canonical order the plan is
// {primary, local}, {primary, secondary}, {local, secondary}.
func CandidatePlan(providers []interfaces.ProviderID, threshold int) []Candidate {
	var plan []Candidate
	if threshold <= 0 || threshold > len(providers) {
		return plan
	}

	var walk func(start int, current Candidate)
	walk = func(start int, current Candidate) {
		if len(current) == threshold {
			plan = append(plan, append(Candidate(nil), current...))
			return
		}
		for i := start; i < len(providers); i++ {
			walk(i+1, append(current, providers[i]))
		}
	}
	walk(0, make(Candidate, 0, threshold))
	return plan
}
