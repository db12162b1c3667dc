// Package escrow locks the mission reward at creation and hands release and
// slash decisions to the settlement engine. Exactly one escrow exists per
// non-terminal mission; the locked amount is the reward plus the proposal
// bond, both owed by the requester.
package escrow

import (
	"fmt"
	"log"

	"github.com/clawger/backend/internal/core"
	"github.com/clawger/backend/internal/ledger"
)

// Engine drives the ledger's escrow operations.
type Engine struct {
	ledger *ledger.Ledger
	econ   core.Economics
	logger *log.Logger
}

// NewEngine creates an escrow engine.
func NewEngine(l *ledger.Ledger, econ core.Economics) *Engine {
	return &Engine{
		ledger: l,
		econ:   econ,
		logger: log.New(log.Writer(), "[ESCROW] ", log.LstdFlags),
	}
}

// LockedAmount is what mission creation escrows: reward + proposal bond.
func (e *Engine) LockedAmount(reward int64) int64 {
	return reward + e.econ.ProposalBond
}

// Lock escrows the reward (plus proposal bond) against the mission.
func (e *Engine) Lock(requesterID, missionID string, reward int64) error {
	amount := e.LockedAmount(reward)
	if err := e.ledger.LockEscrow(requesterID, missionID, amount); err != nil {
		return fmt.Errorf("lock escrow for mission %s: %w", missionID, err)
	}
	e.logger.Printf("Locked %d for mission=%s requester=%s", amount, missionID, requesterID)
	return nil
}

// ReleaseTx moves the full escrow to a recipient inside a ledger transaction.
// Only the settlement engine calls this.
func (e *Engine) ReleaseTx(tx *ledger.Tx, missionID, to string) (int64, error) {
	return tx.ReleaseEscrow(missionID, to)
}

// SlashTx keeps bps of the escrow for the treasury and refunds the rest to
// the requester, inside a ledger transaction. Only settlement calls this.
func (e *Engine) SlashTx(tx *ledger.Tx, missionID string, bps int64) (slashed, refunded int64, err error) {
	return tx.SlashEscrow(missionID, bps, e.econ.Treasury)
}

// Record returns the mission's escrow record, if one exists.
func (e *Engine) Record(missionID string) (core.EscrowRecord, bool) {
	return e.ledger.EscrowOf(missionID)
}
