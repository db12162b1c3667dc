package assignment

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/clawger/backend/internal/core"
	"github.com/clawger/backend/internal/store"
)

// CloseBidding resolves a bidding-mode mission at window close. A bid placed
// at exactly the close time is still included; anything later is not. The
// winner maximises reputation × (1/price) × (1/eta); ties break by highest
// reputation, then earliest bid.
func (e *Engine) CloseBidding(ctx context.Context, mission *core.Mission) (core.Bid, error) {
	type scored struct {
		bid   core.Bid
		rep   int
		score float64
	}

	var valid []scored
	for _, bid := range mission.Bids {
		if bid.PlacedAt.After(mission.BiddingCloseAt) {
			continue
		}
		if bid.Price <= 0 || bid.Price > mission.Reward || bid.ETA <= 0 {
			continue
		}
		agent, err := e.agents.GetAgent(ctx, bid.AgentID)
		if err != nil || !agent.Active || agent.Role != core.RoleWorker {
			continue
		}
		if !agent.HasCapabilities(mission.Specialties) {
			continue
		}
		rep, err := e.rep.Score(bid.AgentID)
		if err != nil {
			return core.Bid{}, err
		}
		if rep < e.econ.ReputationFloor {
			continue
		}
		etaHours := bid.ETA.Hours()
		valid = append(valid, scored{
			bid:   bid,
			rep:   rep,
			score: float64(rep) / float64(bid.Price) / etaHours,
		})
	}

	if len(valid) == 0 {
		return core.Bid{}, fmt.Errorf("%w: mission %s", core.ErrNoBidders, mission.ID)
	}

	sort.Slice(valid, func(i, j int) bool {
		if valid[i].score != valid[j].score {
			return valid[i].score > valid[j].score
		}
		if valid[i].rep != valid[j].rep {
			return valid[i].rep > valid[j].rep
		}
		return valid[i].bid.PlacedAt.Before(valid[j].bid.PlacedAt)
	})

	winner := valid[0].bid
	e.logger.Printf("Bidding closed for mission %s: winner=%s price=%d bids=%d",
		mission.ID, winner.AgentID, winner.Price, len(mission.Bids))
	return winner, nil
}

// SelectVerifiers picks n verifiers with matching capabilities, sorted by
// reputation descending, enforcing operator diversity (no two sharing
// registered_by) and fee reasonableness against the mission's verifier
// budget share. Agents in exclude (the worker, prior outliers) are skipped.
func (e *Engine) SelectVerifiers(ctx context.Context, mission *core.Mission, n int, exclude map[string]bool) ([]string, error) {
	picked, err := e.verifierPick(ctx, mission, n, exclude, e.econ.ReputationFloor)
	if err != nil {
		return nil, err
	}
	if len(picked) < n {
		picked, err = e.verifierPick(ctx, mission, n, exclude, e.econ.ReputationFloor-e.econ.FloorFallbackDrop)
		if err != nil {
			return nil, err
		}
	}
	if len(picked) < n {
		return nil, fmt.Errorf("%w: need %d verifiers for mission %s, found %d",
			core.ErrNoEligibleAgents, n, mission.ID, len(picked))
	}
	return picked, nil
}

func (e *Engine) verifierPick(ctx context.Context, mission *core.Mission, n int, exclude map[string]bool, floor int) ([]string, error) {
	agents, err := e.agents.ListAgents(ctx, store.AgentFilter{Role: core.RoleVerifier, ActiveOnly: true})
	if err != nil {
		return nil, err
	}

	feeShare := core.BpsOf(mission.Reward, e.econ.VerifierBudgetBps)
	if n > 0 {
		feeShare /= int64(n)
	}

	var candidates []candidate
	for _, a := range agents {
		if exclude[a.ID] {
			continue
		}
		if !a.HasCapabilities(mission.Specialties) {
			continue
		}
		if a.MinFee > feeShare {
			continue
		}
		rep, err := e.rep.Score(a.ID)
		if err != nil {
			return nil, err
		}
		if rep < floor {
			continue
		}
		candidates = append(candidates, candidate{agent: a, reputation: rep})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].reputation != candidates[j].reputation {
			return candidates[i].reputation > candidates[j].reputation
		}
		return candidates[i].agent.ID < candidates[j].agent.ID
	})

	var picked []string
	operators := make(map[string]bool)
	for _, c := range candidates {
		if len(picked) == n {
			break
		}
		op := c.agent.RegisteredBy
		if op != "" && operators[op] {
			continue
		}
		operators[op] = true
		picked = append(picked, c.agent.ID)
	}
	return picked, nil
}

// BidWindowOpen reports whether a bid arriving at `at` falls inside the
// window; the close instant itself is inclusive.
func BidWindowOpen(mission *core.Mission, at time.Time) bool {
	return !at.After(mission.BiddingCloseAt)
}
