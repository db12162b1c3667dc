// Package assignment selects workers and verifiers for missions.
// Autopilot selection is probabilistic but seeded by the mission id, so the
// same mission over the same candidate set always picks the same agent.
package assignment

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"math/rand"
	"sort"

	"github.com/clawger/backend/internal/core"
	"github.com/clawger/backend/internal/store"
)

// ReputationSource supplies current scores; satisfied by reputation.Engine.
type ReputationSource interface {
	Score(agentID string) (int, error)
}

// Engine implements worker and verifier selection policy.
type Engine struct {
	agents   store.AgentStore
	outcomes store.OutcomeStore
	rep      ReputationSource
	econ     core.Economics
	logger   *log.Logger
}

// NewEngine creates an assignment engine.
func NewEngine(agents store.AgentStore, outcomes store.OutcomeStore, rep ReputationSource, econ core.Economics) *Engine {
	return &Engine{
		agents:   agents,
		outcomes: outcomes,
		rep:      rep,
		econ:     econ,
		logger:   log.New(log.Writer(), "[ASSIGN] ", log.LstdFlags),
	}
}

type candidate struct {
	agent      core.Agent
	reputation int
	fairness   float64
}

// SelectWorker picks the worker for a posted mission according to its
// assignment mode. Bidding missions are resolved by CloseBidding instead.
func (e *Engine) SelectWorker(ctx context.Context, mission *core.Mission) (string, error) {
	if mission.Mode == core.ModeDirectHire {
		return e.validateDirectHire(ctx, mission)
	}

	candidates, err := e.workerCandidates(ctx, mission, e.econ.ReputationFloor)
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		// One-time fallback: lower the floor and retry before giving up.
		candidates, err = e.workerCandidates(ctx, mission, e.econ.ReputationFloor-e.econ.FloorFallbackDrop)
		if err != nil {
			return "", err
		}
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("%w: mission %s", core.ErrNoEligibleAgents, mission.ID)
	}

	candidates, err = e.withFairness(ctx, mission, candidates)
	if err != nil {
		return "", err
	}
	winner := pickWeighted(mission.ID, candidates)
	e.logger.Printf("Autopilot assigned mission %s to %s (candidates=%d)", mission.ID, winner, len(candidates))
	return winner, nil
}

func (e *Engine) validateDirectHire(ctx context.Context, mission *core.Mission) (string, error) {
	agent, err := e.agents.GetAgent(ctx, mission.DirectHireAgent)
	if err != nil {
		return "", fmt.Errorf("%w: agent %s not found", core.ErrInvalidDirectHire, mission.DirectHireAgent)
	}
	if !agent.Active || agent.Role != core.RoleWorker {
		return "", fmt.Errorf("%w: agent %s is not an active worker", core.ErrInvalidDirectHire, agent.ID)
	}
	if !agent.HasCapabilities(mission.Specialties) {
		return "", fmt.Errorf("%w: agent %s lacks required specialties", core.ErrInvalidDirectHire, agent.ID)
	}
	score, err := e.rep.Score(agent.ID)
	if err != nil {
		return "", err
	}
	if score < e.econ.ReputationFloor {
		return "", fmt.Errorf("%w: agent %s reputation %d below floor %d",
			core.ErrInvalidDirectHire, agent.ID, score, e.econ.ReputationFloor)
	}
	return agent.ID, nil
}

func (e *Engine) workerCandidates(ctx context.Context, mission *core.Mission, floor int) ([]candidate, error) {
	agents, err := e.agents.ListAgents(ctx, store.AgentFilter{Role: core.RoleWorker, ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	var out []candidate
	for _, a := range agents {
		if !a.HasCapabilities(mission.Specialties) {
			continue
		}
		score, err := e.rep.Score(a.ID)
		if err != nil {
			return nil, err
		}
		if score < floor {
			continue
		}
		out = append(out, candidate{agent: a, reputation: score, fairness: 1})
	}
	return out, nil
}

// pickWeighted draws one candidate with weight reputation × fairness,
// fairness = 1/(1+recent assignments). Candidates are ordered by
// (reputation desc, agent id asc) before the draw so ties and the draw
// itself are deterministic for a given mission id.
func pickWeighted(missionID string, candidates []candidate) string {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].reputation != candidates[j].reputation {
			return candidates[i].reputation > candidates[j].reputation
		}
		return candidates[i].agent.ID < candidates[j].agent.ID
	})

	weights := make([]float64, len(candidates))
	var total float64
	for i, c := range candidates {
		weights[i] = float64(c.reputation) * c.fairness
		total += weights[i]
	}
	if total == 0 {
		return candidates[0].agent.ID
	}

	h := fnv.New64a()
	h.Write([]byte(missionID))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	r := rng.Float64() * total
	for i, w := range weights {
		r -= w
		if r < 0 {
			return candidates[i].agent.ID
		}
	}
	return candidates[len(candidates)-1].agent.ID
}

// WithFairness attaches recent-assignment counts to the candidate set before
// a weighted draw. Counts are scoped to the mission's specialties, so a
// worker busy in one niche is not penalised when bidding into another.
func (e *Engine) withFairness(ctx context.Context, mission *core.Mission, candidates []candidate) ([]candidate, error) {
	counts, err := e.outcomes.RecentAssignmentCounts(ctx, e.econ.FairnessWindow, mission.Specialties)
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		candidates[i].fairness = 1.0 / float64(1+counts[candidates[i].agent.ID])
	}
	return candidates, nil
}
