package ledger

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/clawger/backend/internal/core"
)

// State is the full persistable ledger image. It carries everything needed
// to rebuild the in-memory maps after a restart: accounts, escrow locks,
// bond locks, and the audit sequence.
type State struct {
	Accounts []Account           `json:"accounts"`
	Escrows  []core.EscrowRecord `json:"escrows"`
	Bonds    []core.BondRecord   `json:"bonds"`
	Seq      uint64              `json:"seq"`
}

// AttachJournal registers a write-through hook. After every committed
// mutation the encoded state is handed to fn while the ledger mutex is still
// held, so the journal observes states in commit order. A failing journal
// write is logged but does not roll back the mutation.
func (l *Ledger) AttachJournal(fn func(state []byte) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.journal = fn
}

// Export encodes the current ledger state for persistence.
func (l *Ledger) Export() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exportLocked()
}

func (l *Ledger) exportLocked() ([]byte, error) {
	st := State{Seq: l.seq}
	for _, a := range l.accounts {
		st.Accounts = append(st.Accounts, *a)
	}
	for _, e := range l.escrows {
		st.Escrows = append(st.Escrows, *e)
	}
	for _, b := range l.bonds {
		st.Bonds = append(st.Bonds, *b)
	}
	// Stable ordering keeps the stored blob diffable across runs.
	sort.Slice(st.Accounts, func(i, j int) bool { return st.Accounts[i].Owner < st.Accounts[j].Owner })
	sort.Slice(st.Escrows, func(i, j int) bool { return st.Escrows[i].MissionID < st.Escrows[j].MissionID })
	sort.Slice(st.Bonds, func(i, j int) bool {
		bi, bj := st.Bonds[i], st.Bonds[j]
		if bi.MissionID != bj.MissionID {
			return bi.MissionID < bj.MissionID
		}
		if bi.AgentID != bj.AgentID {
			return bi.AgentID < bj.AgentID
		}
		return bi.Role < bj.Role
	})
	return json.Marshal(st)
}

// Restore replaces the ledger contents with a previously exported state.
// Intended for startup, before any traffic reaches the ledger.
func (l *Ledger) Restore(data []byte) error {
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode ledger state: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts = make(map[string]*Account, len(st.Accounts))
	for _, a := range st.Accounts {
		cp := a
		l.accounts[a.Owner] = &cp
	}
	l.escrows = make(map[string]*core.EscrowRecord, len(st.Escrows))
	for _, e := range st.Escrows {
		cp := e
		l.escrows[e.MissionID] = &cp
	}
	l.bonds = make(map[bondKey]*core.BondRecord, len(st.Bonds))
	for _, b := range st.Bonds {
		cp := b
		l.bonds[bondKey{AgentID: b.AgentID, MissionID: b.MissionID, Role: b.Role}] = &cp
	}
	l.seq = st.Seq
	l.logger.Printf("Restored ledger state: %d accounts, %d escrows, %d bonds (seq=%d)",
		len(l.accounts), len(l.escrows), len(l.bonds), l.seq)
	return nil
}

// flush hands the current state to the journal hook. Callers hold l.mu.
func (l *Ledger) flush() {
	if l.journal == nil {
		return
	}
	data, err := l.exportLocked()
	if err != nil {
		l.logger.Printf("⚠️ Failed to encode ledger state: %v", err)
		return
	}
	if err := l.journal(data); err != nil {
		l.logger.Printf("⚠️ Failed to persist ledger state: %v", err)
	}
}
