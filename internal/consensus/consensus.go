// Package consensus aggregates verifier votes into a mission decision.
// Evaluation is a pure function of the vote set and the required verifier
// count, so re-evaluating the same inputs always yields the same decision.
package consensus

import (
	"github.com/clawger/backend/internal/core"
)

// Decision is the aggregate result of evaluating a mission's votes.
type Decision struct {
	Decisive bool
	Outcome  core.ConsensusOutcome
	Outliers []string // verifier ids whose verdict disagreed with the outcome
}

// Evaluate applies the risk-tiered majority rule.
//
//	N=1: the single verdict decides.
//	N=2: unanimous decides; a split is DISPUTE with both flagged.
//	N=3: majority decides; the minority voter is an outlier.
//
// With fewer votes than required, except for a decisive 2-of-3 majority,
// the mission stays in verifying.
func Evaluate(votes []core.Vote, required int) Decision {
	if required < 1 {
		required = 1
	}
	if required > 3 {
		required = 3
	}

	pass, fail := split(votes)

	if required == 3 {
		// 2 of 3 is already decisive; the third vote cannot flip it.
		majority := required/2 + 1
		if len(pass) >= majority {
			return Decision{Decisive: true, Outcome: core.OutcomePass, Outliers: fail}
		}
		if len(fail) >= majority {
			return Decision{Decisive: true, Outcome: core.OutcomeFail, Outliers: pass}
		}
		return Decision{}
	}

	if len(votes) < required {
		return Decision{}
	}

	if required == 1 {
		if len(pass) > 0 {
			return Decision{Decisive: true, Outcome: core.OutcomePass}
		}
		return Decision{Decisive: true, Outcome: core.OutcomeFail}
	}

	// required == 2
	switch {
	case len(pass) == 2:
		return Decision{Decisive: true, Outcome: core.OutcomePass}
	case len(fail) == 2:
		return Decision{Decisive: true, Outcome: core.OutcomeFail}
	default:
		// Split: both voters are flagged pending the upgraded round.
		return Decision{
			Decisive: true,
			Outcome:  core.OutcomeDispute,
			Outliers: append(append([]string{}, pass...), fail...),
		}
	}
}

func split(votes []core.Vote) (pass, fail []string) {
	for _, v := range votes {
		if v.Verdict == core.VerdictPass {
			pass = append(pass, v.VerifierID)
		} else {
			fail = append(fail, v.VerifierID)
		}
	}
	return pass, fail
}
