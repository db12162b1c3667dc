// Package bond stakes, releases, and slashes participation bonds. Amounts
// derive from the mission reward via the economics table; all balance
// mutation goes through the ledger.
package bond

import (
	"fmt"
	"log"

	"github.com/clawger/backend/internal/core"
	"github.com/clawger/backend/internal/ledger"
)

// Manager computes bond amounts and drives the ledger's bond operations.
type Manager struct {
	ledger *ledger.Ledger
	econ   core.Economics
	logger *log.Logger
}

// NewManager creates a bond manager.
func NewManager(l *ledger.Ledger, econ core.Economics) *Manager {
	return &Manager{
		ledger: l,
		econ:   econ,
		logger: log.New(log.Writer(), "[BOND] ", log.LstdFlags),
	}
}

// Amount returns the required stake for the given role on a mission.
func (m *Manager) Amount(role core.Role, reward int64) int64 {
	if role == core.RoleWorker {
		return core.BpsOf(reward, m.econ.WorkerBondBps)
	}
	return core.BpsOf(reward, m.econ.VerifierBondBps)
}

// Stake locks the agent's bond for a mission. Fails with InsufficientFunds
// or DoubleLock straight from the ledger.
func (m *Manager) Stake(agentID string, mission *core.Mission, role core.Role) error {
	amount := m.Amount(role, mission.Reward)
	if err := m.ledger.LockBond(agentID, mission.ID, role, amount); err != nil {
		return fmt.Errorf("stake %s bond for mission %s: %w", role, mission.ID, err)
	}
	m.logger.Printf("Staked %d for agent=%s mission=%s role=%s", amount, agentID, mission.ID, role)
	return nil
}

// StakeTx is Stake inside an existing ledger transaction.
func (m *Manager) StakeTx(tx *ledger.Tx, agentID string, mission *core.Mission, role core.Role) error {
	return tx.LockBond(agentID, mission.ID, role, m.Amount(role, mission.Reward))
}

// Release unlocks the agent's bond back into available balance.
func (m *Manager) Release(missionID string, role core.Role, agentID string) (int64, error) {
	return m.ledger.ReleaseBond(missionID, role, agentID)
}

// ReleaseTx is Release inside an existing ledger transaction.
func (m *Manager) ReleaseTx(tx *ledger.Tx, missionID string, role core.Role, agentID string) (int64, error) {
	return tx.ReleaseBond(missionID, role, agentID)
}

// Slash moves bps of the bond to the treasury and unlocks the remainder.
func (m *Manager) Slash(missionID string, role core.Role, agentID string, bps int64) (int64, error) {
	return m.ledger.SlashBond(missionID, role, agentID, bps, m.econ.Treasury)
}

// SlashTx is Slash inside an existing ledger transaction.
func (m *Manager) SlashTx(tx *ledger.Tx, missionID string, role core.Role, agentID string, bps int64) (int64, error) {
	return tx.SlashBond(missionID, role, agentID, bps, m.econ.Treasury)
}
