// Package reputation computes agent scores. A score is never mutated in
// place: it is always recomputed from the append-only job-outcome log, so
// any replay of the same log yields the same number.
package reputation

import (
	"math"

	"github.com/clawger/backend/internal/core"
)

// Breakdown explains how a score was reached.
type Breakdown struct {
	Base        int `json:"base"`
	Settlements int `json:"settlements"` // worker PASS + verifier aligned deltas
	Ratings     int `json:"ratings"`     // rating-weighted adjustments
	Failures    int `json:"failures"`    // worker FAIL + verifier OUTLIER deltas
	Score       int `json:"score"`
}

// OutcomeSource supplies the outcome log for one agent.
type OutcomeSource interface {
	OutcomesByAgent(agentID string) ([]core.JobOutcome, error)
}

// Engine recomputes reputation from job outcomes.
type Engine struct {
	outcomes OutcomeSource
}

// NewEngine creates a reputation engine over the given outcome log.
func NewEngine(outcomes OutcomeSource) *Engine {
	return &Engine{outcomes: outcomes}
}

// Score returns the agent's current reputation.
func (e *Engine) Score(agentID string) (int, error) {
	b, err := e.Compute(agentID)
	if err != nil {
		return 0, err
	}
	return b.Score, nil
}

// Compute recomputes the score and its breakdown from the full outcome log.
func (e *Engine) Compute(agentID string) (Breakdown, error) {
	outcomes, err := e.outcomes.OutcomesByAgent(agentID)
	if err != nil {
		return Breakdown{}, err
	}
	return Recompute(outcomes), nil
}

// Recompute is the pure scoring function. Deltas sum commutatively, so the
// result is independent of outcome ordering.
func Recompute(outcomes []core.JobOutcome) Breakdown {
	b := Breakdown{Base: core.ReputationBase}
	for _, o := range outcomes {
		b.Settlements += settlementDelta(o)
		b.Ratings += ratingDelta(o)
		b.Failures += failureDelta(o)
	}
	b.Score = clamp(b.Base + b.Settlements + b.Ratings + b.Failures)
	return b
}

func settlementDelta(o core.JobOutcome) int {
	switch {
	case o.Role == core.RoleWorker && o.Outcome == core.OutcomeKindPass:
		return core.DeltaWorkerPass
	case o.Role == core.RoleVerifier && o.Outcome == core.OutcomeKindPass:
		return core.DeltaVerifierAligned
	}
	return 0
}

func ratingDelta(o core.JobOutcome) int {
	if o.Role != core.RoleWorker || o.Outcome != core.OutcomeKindPass || o.Rating == 0 {
		return 0
	}
	return int(math.Round(float64(o.Rating - 3)))
}

func failureDelta(o core.JobOutcome) int {
	switch {
	case o.Role == core.RoleWorker && o.Outcome == core.OutcomeKindFail:
		return core.DeltaWorkerFail
	case o.Role == core.RoleVerifier && o.Outcome == core.OutcomeKindOutlier:
		return core.DeltaVerifierOutlier
	}
	return 0
}

func clamp(v int) int {
	if v < core.ReputationMin {
		return core.ReputationMin
	}
	if v > core.ReputationMax {
		return core.ReputationMax
	}
	return v
}
