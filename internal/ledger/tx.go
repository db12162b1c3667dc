package ledger

import (
	"github.com/clawger/backend/internal/core"
)

// Tx exposes ledger operations inside an atomic batch. All methods mutate
// live state under the ledger mutex; if the batch function returns an error
// the pre-batch snapshot is restored, so either every mutation commits or
// none do.
type Tx struct {
	l *Ledger
}

func (t *Tx) Credit(owner string, amount int64) error { return t.l.credit(owner, amount) }
func (t *Tx) Debit(owner string, amount int64) error  { return t.l.debit(owner, amount) }

func (t *Tx) LockEscrow(owner, mission string, amount int64) error {
	return t.l.lockEscrow(owner, mission, amount)
}

func (t *Tx) ReleaseEscrow(mission, to string) (int64, error) {
	return t.l.releaseEscrow(mission, to)
}

func (t *Tx) SlashEscrow(mission string, bps int64, treasury string) (int64, int64, error) {
	return t.l.slashEscrow(mission, bps, treasury)
}

func (t *Tx) LockBond(owner, mission string, role core.Role, amount int64) error {
	return t.l.lockBond(owner, mission, role, amount)
}

func (t *Tx) ReleaseBond(mission string, role core.Role, agent string) (int64, error) {
	return t.l.releaseBond(mission, role, agent)
}

func (t *Tx) SlashBond(mission string, role core.Role, agent string, bps int64, treasury string) (int64, error) {
	return t.l.slashBond(mission, role, agent, bps, treasury)
}

type snapshot struct {
	accounts map[string]*Account
	escrows  map[string]*core.EscrowRecord
	bonds    map[bondKey]*core.BondRecord
	trailLen int
	seq      uint64
}

func (l *Ledger) snapshot() snapshot {
	s := snapshot{
		accounts: make(map[string]*Account, len(l.accounts)),
		escrows:  make(map[string]*core.EscrowRecord, len(l.escrows)),
		bonds:    make(map[bondKey]*core.BondRecord, len(l.bonds)),
		trailLen: len(l.trail),
		seq:      l.seq,
	}
	for k, v := range l.accounts {
		cp := *v
		s.accounts[k] = &cp
	}
	for k, v := range l.escrows {
		cp := *v
		s.escrows[k] = &cp
	}
	for k, v := range l.bonds {
		cp := *v
		s.bonds[k] = &cp
	}
	return s
}

func (l *Ledger) restore(s snapshot) {
	l.accounts = s.accounts
	l.escrows = s.escrows
	l.bonds = s.bonds
	l.trail = l.trail[:s.trailLen]
	l.seq = s.seq
}

// Transaction runs fn as one atomic batch. On error every mutation made
// through the Tx is rolled back and the error is returned unchanged.
func (l *Ledger) Transaction(fn func(tx *Tx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := l.snapshot()
	if err := fn(&Tx{l: l}); err != nil {
		l.restore(snap)
		return err
	}
	l.flush()
	return nil
}
