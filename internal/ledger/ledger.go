// Package ledger is the sole owner of balances, escrow locks, and bond
// locks. Every mutation flows through a single mutex so the ledger is
// linearised globally; bond and escrow modules call these operations and
// never touch raw balance state.
package ledger

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/clawger/backend/internal/core"
)

// Account tracks one owner's funds in smallest units.
// available = Total - Escrowed - Bonded and is never negative.
type Account struct {
	Owner    string `json:"owner"`
	Total    int64  `json:"total"`
	Escrowed int64  `json:"escrowed"`
	Bonded   int64  `json:"bonded"`
}

// Available is the spendable part of the account.
func (a Account) Available() int64 { return a.Total - a.Escrowed - a.Bonded }

type bondKey struct {
	AgentID   string
	MissionID string
	Role      core.Role
}

// AuditEntry is one line of the append-only ledger trail. Every state
// transition must be re-derivable from this log.
type AuditEntry struct {
	Seq     uint64    `json:"seq"`
	Op      string    `json:"op"`
	Owner   string    `json:"owner,omitempty"`
	Mission string    `json:"mission,omitempty"`
	Amount  int64     `json:"amount"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// Ledger holds all accounts, escrows, and bonds behind one mutex.
type Ledger struct {
	mu       sync.Mutex
	accounts map[string]*Account
	escrows  map[string]*core.EscrowRecord
	bonds    map[bondKey]*core.BondRecord
	trail    []AuditEntry
	seq      uint64
	clock    core.Clock
	journal  func(state []byte) error
	logger   *log.Logger
}

// New creates an empty ledger.
func New(clock core.Clock) *Ledger {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Ledger{
		accounts: make(map[string]*Account),
		escrows:  make(map[string]*core.EscrowRecord),
		bonds:    make(map[bondKey]*core.BondRecord),
		clock:    clock,
		logger:   log.New(log.Writer(), "[LEDGER] ", log.LstdFlags),
	}
}

func (l *Ledger) account(owner string) *Account {
	acct, ok := l.accounts[owner]
	if !ok {
		acct = &Account{Owner: owner}
		l.accounts[owner] = acct
	}
	return acct
}

func (l *Ledger) append(op, owner, mission string, amount int64, detail string) {
	l.seq++
	l.trail = append(l.trail, AuditEntry{
		Seq: l.seq, Op: op, Owner: owner, Mission: mission,
		Amount: amount, Detail: detail, At: l.clock.Now(),
	})
}

// Credit adds funds to an owner's balance.
func (l *Ledger) Credit(owner string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.credit(owner, amount); err != nil {
		return err
	}
	l.flush()
	return nil
}

func (l *Ledger) credit(owner string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative credit", core.ErrInvalidInput)
	}
	l.account(owner).Total += amount
	l.append("credit", owner, "", amount, "")
	return nil
}

// Debit removes available funds from an owner's balance.
func (l *Ledger) Debit(owner string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.debit(owner, amount); err != nil {
		return err
	}
	l.flush()
	return nil
}

func (l *Ledger) debit(owner string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative debit", core.ErrInvalidInput)
	}
	acct := l.account(owner)
	if acct.Available() < amount {
		return fmt.Errorf("%w: owner %s has %d available, needs %d",
			core.ErrInsufficientFunds, owner, acct.Available(), amount)
	}
	acct.Total -= amount
	l.append("debit", owner, "", amount, "")
	return nil
}

func (l *Ledger) lockEscrow(owner, mission string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: escrow amount must be positive", core.ErrInvalidInput)
	}
	if _, exists := l.escrows[mission]; exists {
		return fmt.Errorf("%w: escrow for mission %s", core.ErrDoubleLock, mission)
	}
	acct := l.account(owner)
	if acct.Available() < amount {
		return fmt.Errorf("%w: owner %s has %d available, escrow needs %d",
			core.ErrInsufficientFunds, owner, acct.Available(), amount)
	}
	acct.Escrowed += amount
	l.escrows[mission] = &core.EscrowRecord{
		MissionID: mission, Owner: owner, Amount: amount,
		State: core.LockLocked, LockedAt: l.clock.Now(),
	}
	l.append("lock_escrow", owner, mission, amount, "")
	return nil
}

// LockEscrow reserves funds against a mission. Exactly one escrow may exist
// per mission while it is non-terminal.
func (l *Ledger) LockEscrow(owner, mission string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.lockEscrow(owner, mission, amount); err != nil {
		return err
	}
	l.flush()
	return nil
}

func (l *Ledger) lockedEscrow(mission string) (*core.EscrowRecord, error) {
	esc, ok := l.escrows[mission]
	if !ok {
		return nil, fmt.Errorf("%w: escrow for mission %s", core.ErrNotFound, mission)
	}
	if esc.State != core.LockLocked {
		return nil, fmt.Errorf("%w: escrow for mission %s already %s",
			core.ErrInvalidState, mission, esc.State)
	}
	return esc, nil
}

func (l *Ledger) releaseEscrow(mission, to string) (int64, error) {
	esc, err := l.lockedEscrow(mission)
	if err != nil {
		return 0, err
	}
	owner := l.account(esc.Owner)
	owner.Escrowed -= esc.Amount
	owner.Total -= esc.Amount
	l.account(to).Total += esc.Amount
	esc.State = core.LockReleased
	esc.ReleasedTo = to
	esc.ResolvedAt = l.clock.Now()
	l.append("release_escrow", esc.Owner, mission, esc.Amount, "to="+to)
	return esc.Amount, nil
}

// ReleaseEscrow moves the full escrowed amount to the recipient's balance.
func (l *Ledger) ReleaseEscrow(mission, to string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	amount, err := l.releaseEscrow(mission, to)
	if err != nil {
		return 0, err
	}
	l.flush()
	return amount, nil
}

func (l *Ledger) slashEscrow(mission string, bps int64, treasury string) (slashed, refunded int64, err error) {
	esc, err := l.lockedEscrow(mission)
	if err != nil {
		return 0, 0, err
	}
	slashed = core.BpsOf(esc.Amount, bps)
	refunded = esc.Amount - slashed
	owner := l.account(esc.Owner)
	owner.Escrowed -= esc.Amount
	owner.Total -= slashed
	l.account(treasury).Total += slashed
	esc.State = core.LockSlashed
	esc.SlashedAmount = slashed
	esc.ResolvedAt = l.clock.Now()
	l.append("slash_escrow", esc.Owner, mission, slashed, fmt.Sprintf("refunded=%d", refunded))
	return slashed, refunded, nil
}

// SlashEscrow keeps a fraction (bps) for the treasury and unlocks the rest
// back into the owner's balance.
func (l *Ledger) SlashEscrow(mission string, bps int64, treasury string) (slashed, refunded int64, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slashed, refunded, err = l.slashEscrow(mission, bps, treasury)
	if err != nil {
		return 0, 0, err
	}
	l.flush()
	return slashed, refunded, nil
}

func (l *Ledger) lockBond(owner, mission string, role core.Role, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: bond amount must be positive", core.ErrInvalidInput)
	}
	key := bondKey{AgentID: owner, MissionID: mission, Role: role}
	if b, exists := l.bonds[key]; exists && b.State == core.LockLocked {
		return fmt.Errorf("%w: bond for agent %s mission %s role %s",
			core.ErrDoubleLock, owner, mission, role)
	}
	if role == core.RoleWorker {
		for k, b := range l.bonds {
			if k.MissionID == mission && k.Role == core.RoleWorker && b.State == core.LockLocked {
				return fmt.Errorf("%w: mission %s already has an active worker bond",
					core.ErrConflictingClaim, mission)
			}
		}
	}
	acct := l.account(owner)
	if acct.Available() < amount {
		return fmt.Errorf("%w: agent %s has %d available, bond needs %d",
			core.ErrInsufficientFunds, owner, acct.Available(), amount)
	}
	acct.Bonded += amount
	l.bonds[key] = &core.BondRecord{
		AgentID: owner, MissionID: mission, Role: role, Amount: amount,
		State: core.LockLocked, StakedAt: l.clock.Now(),
	}
	l.append("lock_bond", owner, mission, amount, string(role))
	return nil
}

// LockBond stakes an agent's funds against a mission. One active worker bond
// per mission; verifier bonds are keyed per agent.
func (l *Ledger) LockBond(owner, mission string, role core.Role, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.lockBond(owner, mission, role, amount); err != nil {
		return err
	}
	l.flush()
	return nil
}

func (l *Ledger) lockedBond(agent, mission string, role core.Role) (*core.BondRecord, error) {
	b, ok := l.bonds[bondKey{AgentID: agent, MissionID: mission, Role: role}]
	if !ok {
		return nil, fmt.Errorf("%w: bond for agent %s mission %s role %s",
			core.ErrNotFound, agent, mission, role)
	}
	if b.State != core.LockLocked {
		return nil, fmt.Errorf("%w: bond for agent %s mission %s already %s",
			core.ErrInvalidState, agent, mission, b.State)
	}
	return b, nil
}

func (l *Ledger) releaseBond(mission string, role core.Role, agent string) (int64, error) {
	b, err := l.lockedBond(agent, mission, role)
	if err != nil {
		return 0, err
	}
	l.account(agent).Bonded -= b.Amount
	b.State = core.LockReleased
	b.ResolvedAt = l.clock.Now()
	l.append("release_bond", agent, mission, b.Amount, string(role))
	return b.Amount, nil
}

// ReleaseBond unlocks the agent's stake back into available balance.
func (l *Ledger) ReleaseBond(mission string, role core.Role, agent string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	amount, err := l.releaseBond(mission, role, agent)
	if err != nil {
		return 0, err
	}
	l.flush()
	return amount, nil
}

func (l *Ledger) slashBond(mission string, role core.Role, agent string, bps int64, treasury string) (int64, error) {
	b, err := l.lockedBond(agent, mission, role)
	if err != nil {
		return 0, err
	}
	slashed := core.BpsOf(b.Amount, bps)
	acct := l.account(agent)
	acct.Bonded -= b.Amount
	acct.Total -= slashed
	l.account(treasury).Total += slashed
	b.State = core.LockSlashed
	b.ResolvedAt = l.clock.Now()
	l.append("slash_bond", agent, mission, slashed, string(role))
	l.logger.Printf("⚖️ Slashed bond: agent=%s mission=%s role=%s amount=%d", agent, mission, role, slashed)
	return slashed, nil
}

// SlashBond moves a fraction (bps) of the stake to the treasury and unlocks
// the remainder.
func (l *Ledger) SlashBond(mission string, role core.Role, agent string, bps int64, treasury string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slashed, err := l.slashBond(mission, role, agent, bps, treasury)
	if err != nil {
		return 0, err
	}
	l.flush()
	return slashed, nil
}

// BalanceOf returns a copy of the owner's account.
func (l *Ledger) BalanceOf(owner string) Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.account(owner)
}

// EscrowOf returns a copy of the mission's escrow record, if any.
func (l *Ledger) EscrowOf(mission string) (core.EscrowRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	esc, ok := l.escrows[mission]
	if !ok {
		return core.EscrowRecord{}, false
	}
	return *esc, true
}

// BondOf returns a copy of the bond record for the given key, if any.
func (l *Ledger) BondOf(agent, mission string, role core.Role) (core.BondRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.bonds[bondKey{AgentID: agent, MissionID: mission, Role: role}]
	if !ok {
		return core.BondRecord{}, false
	}
	return *b, true
}

// ActiveBonds returns copies of all locked bonds for a mission.
func (l *Ledger) ActiveBonds(mission string) []core.BondRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []core.BondRecord
	for k, b := range l.bonds {
		if k.MissionID == mission && b.State == core.LockLocked {
			out = append(out, *b)
		}
	}
	return out
}

// Trail returns a copy of the audit log.
func (l *Ledger) Trail() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AuditEntry, len(l.trail))
	copy(out, l.trail)
	return out
}

// Accounts returns copies of every account, for snapshot persistence.
func (l *Ledger) Accounts() []Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Account, 0, len(l.accounts))
	for _, a := range l.accounts {
		out = append(out, *a)
	}
	return out
}
