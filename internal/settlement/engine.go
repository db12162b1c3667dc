// Package settlement applies a consensus decision to the ledger, bonds,
// escrow, and the job-outcome log. Either every ledger mutation commits or
// none do; writing the outcome rows and the terminal mission status is the
// commit point. A failure after the ledger has committed is an atomicity
// violation and aborts the process.
package settlement

import (
	"context"
	"fmt"
	"log"

	"github.com/clawger/backend/internal/bond"
	"github.com/clawger/backend/internal/core"
	"github.com/clawger/backend/internal/escrow"
	"github.com/clawger/backend/internal/ledger"
	"github.com/clawger/backend/internal/store"
)

// Engine settles missions that reached a decisive PASS or FAIL.
type Engine struct {
	ledger   *ledger.Ledger
	bonds    *bond.Manager
	escrow   *escrow.Engine
	outcomes store.OutcomeStore
	econ     core.Economics
	clock    core.Clock
	logger   *log.Logger
}

// NewEngine creates a settlement engine.
func NewEngine(l *ledger.Ledger, bonds *bond.Manager, esc *escrow.Engine, outcomes store.OutcomeStore, econ core.Economics, clock core.Clock) *Engine {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Engine{
		ledger:   l,
		bonds:    bonds,
		escrow:   esc,
		outcomes: outcomes,
		econ:     econ,
		clock:    clock,
		logger:   log.New(log.Writer(), "[SETTLE] ", log.LstdFlags),
	}
}

// Result reports what a settlement did.
type Result struct {
	Status   core.MissionStatus
	Outcomes []core.JobOutcome
}

// Settle applies a PASS or FAIL decision. DISPUTE never reaches here; the
// lifecycle upgrades the verifier set instead.
func (e *Engine) Settle(ctx context.Context, mission *core.Mission, decision core.ConsensusOutcome, votes []core.Vote, outliers []string) (Result, error) {
	outlierSet := make(map[string]bool, len(outliers))
	for _, id := range outliers {
		outlierSet[id] = true
	}

	var result Result
	var err error
	switch decision {
	case core.OutcomePass:
		result, err = e.settlePass(mission, votes, outlierSet)
	case core.OutcomeFail:
		result, err = e.settleFail(mission, votes, outlierSet)
	default:
		return Result{}, fmt.Errorf("%w: cannot settle decision %s", core.ErrInvalidState, decision)
	}
	if err != nil {
		return Result{}, err
	}

	// Ledger state is committed; outcome rows must follow or the books and
	// the log diverge.
	if err := e.outcomes.AppendOutcomes(ctx, result.Outcomes); err != nil {
		e.logger.Fatalf("settlement atomicity violation: ledger committed but outcome append failed for mission %s: %v", mission.ID, err)
	}
	e.logger.Printf("Settled mission %s: %s (%d outcomes)", mission.ID, result.Status, len(result.Outcomes))
	return result, nil
}

func (e *Engine) settlePass(mission *core.Mission, votes []core.Vote, outliers map[string]bool) (Result, error) {
	now := e.clock.Now()
	reward := mission.Reward
	clawgerFee := core.BpsOf(reward, e.econ.ClawgerFeeBps)
	verifierPool := core.BpsOf(reward, e.econ.VerifierFeeBps)
	workerPay := reward - clawgerFee - verifierPool

	var aligned []core.Vote
	for _, v := range votes {
		if !outliers[v.VerifierID] {
			aligned = append(aligned, v)
		}
	}
	perVerifier := int64(0)
	if len(aligned) > 0 {
		perVerifier = verifierPool / int64(len(aligned))
	}
	// Integer division remainder goes to the treasury so no unit is lost.
	poolRemainder := verifierPool - perVerifier*int64(len(aligned))

	outcomes := []core.JobOutcome{{
		AgentID: mission.AssignedWorker, MissionID: mission.ID,
		Role: core.RoleWorker, Outcome: core.OutcomeKindPass,
		RewardEarned: workerPay, Rating: mission.Rating,
		Specialties: mission.Specialties, At: now,
	}}

	err := e.ledger.Transaction(func(tx *ledger.Tx) error {
		if _, err := e.escrow.ReleaseTx(tx, mission.ID, mission.AssignedWorker); err != nil {
			return err
		}
		// The worker received the full escrow; carve out the fees and the
		// proposal-bond refund.
		deductions := clawgerFee + verifierPool + e.econ.ProposalBond
		if err := tx.Debit(mission.AssignedWorker, deductions); err != nil {
			return err
		}
		if err := tx.Credit(e.econ.Treasury, clawgerFee+poolRemainder); err != nil {
			return err
		}
		if e.econ.ProposalBond > 0 {
			if err := tx.Credit(mission.RequesterID, e.econ.ProposalBond); err != nil {
				return err
			}
		}
		for _, v := range aligned {
			if err := tx.Credit(v.VerifierID, perVerifier); err != nil {
				return err
			}
			if _, err := e.bonds.ReleaseTx(tx, mission.ID, core.RoleVerifier, v.VerifierID); err != nil {
				return err
			}
		}
		if _, err := e.bonds.ReleaseTx(tx, mission.ID, core.RoleWorker, mission.AssignedWorker); err != nil {
			return err
		}
		for _, v := range votes {
			if !outliers[v.VerifierID] {
				continue
			}
			if _, err := e.bonds.SlashTx(tx, mission.ID, core.RoleVerifier, v.VerifierID, e.econ.OutlierBondSlashBps); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	for _, v := range aligned {
		outcomes = append(outcomes, core.JobOutcome{
			AgentID: v.VerifierID, MissionID: mission.ID,
			Role: core.RoleVerifier, Outcome: core.OutcomeKindPass,
			RewardEarned: perVerifier, At: now,
		})
	}
	for _, v := range votes {
		if !outliers[v.VerifierID] {
			continue
		}
		slashed := e.bonds.Amount(core.RoleVerifier, reward)
		outcomes = append(outcomes, core.JobOutcome{
			AgentID: v.VerifierID, MissionID: mission.ID,
			Role: core.RoleVerifier, Outcome: core.OutcomeKindOutlier,
			BondSlashed: slashed, At: now,
		})
	}
	return Result{Status: core.StatusSettled, Outcomes: outcomes}, nil
}

func (e *Engine) settleFail(mission *core.Mission, votes []core.Vote, outliers map[string]bool) (Result, error) {
	now := e.clock.Now()
	var slashedBond int64

	err := e.ledger.Transaction(func(tx *ledger.Tx) error {
		var err error
		slashedBond, err = e.bonds.SlashTx(tx, mission.ID, core.RoleWorker, mission.AssignedWorker, e.econ.FailSlashBps)
		if err != nil {
			return err
		}
		// The requester gets the escrow back in full; nothing is kept.
		if _, _, err := e.escrow.SlashTx(tx, mission.ID, 0); err != nil {
			return err
		}
		for _, v := range votes {
			if _, err := e.bonds.ReleaseTx(tx, mission.ID, core.RoleVerifier, v.VerifierID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	outcomes := []core.JobOutcome{{
		AgentID: mission.AssignedWorker, MissionID: mission.ID,
		Role: core.RoleWorker, Outcome: core.OutcomeKindFail,
		BondSlashed: slashedBond, Specialties: mission.Specialties, At: now,
	}}
	for _, v := range votes {
		kind := core.OutcomeKindPass
		if outliers[v.VerifierID] {
			kind = core.OutcomeKindOutlier
		}
		outcomes = append(outcomes, core.JobOutcome{
			AgentID: v.VerifierID, MissionID: mission.ID,
			Role: core.RoleVerifier, Outcome: kind, At: now,
		})
	}
	return Result{Status: core.StatusFailed, Outcomes: outcomes}, nil
}

// SettleExpired handles a deadline sweep: the in-progress side loses its
// bond and the requester is made whole.
func (e *Engine) SettleExpired(ctx context.Context, mission *core.Mission) (Result, error) {
	now := e.clock.Now()
	var outcomes []core.JobOutcome

	// Snapshot lock state before entering the batch; the ledger mutex is
	// held for the whole transaction.
	activeBonds := e.ledger.ActiveBonds(mission.ID)
	esc, hasEscrow := e.ledger.EscrowOf(mission.ID)

	err := e.ledger.Transaction(func(tx *ledger.Tx) error {
		for _, b := range activeBonds {
			switch b.Role {
			case core.RoleWorker:
				slashed, err := e.bonds.SlashTx(tx, mission.ID, core.RoleWorker, b.AgentID, e.econ.FailSlashBps)
				if err != nil {
					return err
				}
				outcomes = append(outcomes, core.JobOutcome{
					AgentID: b.AgentID, MissionID: mission.ID,
					Role: core.RoleWorker, Outcome: core.OutcomeKindFail,
					BondSlashed: slashed, Specialties: mission.Specialties, At: now,
				})
			case core.RoleVerifier:
				if _, err := e.bonds.ReleaseTx(tx, mission.ID, core.RoleVerifier, b.AgentID); err != nil {
					return err
				}
			}
		}
		if hasEscrow && esc.State == core.LockLocked {
			if _, _, err := e.escrow.SlashTx(tx, mission.ID, 0); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if len(outcomes) > 0 {
		if err := e.outcomes.AppendOutcomes(ctx, outcomes); err != nil {
			e.logger.Fatalf("settlement atomicity violation: expiry ledger committed but outcome append failed for mission %s: %v", mission.ID, err)
		}
	}
	return Result{Status: core.StatusFailed, Outcomes: outcomes}, nil
}
