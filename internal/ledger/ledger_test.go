package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawger/backend/internal/core"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	return New(fixedClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)})
}

func TestCreditDebit(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Credit("alice", 1000))
	require.NoError(t, l.Debit("alice", 300))

	acct := l.BalanceOf("alice")
	assert.Equal(t, int64(700), acct.Total)
	assert.Equal(t, int64(700), acct.Available())

	err := l.Debit("alice", 701)
	assert.ErrorIs(t, err, core.ErrInsufficientFunds)
}

func TestEscrowLifecycle(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Credit("requester", 1000))
	require.NoError(t, l.LockEscrow("requester", "m1", 100))

	acct := l.BalanceOf("requester")
	assert.Equal(t, int64(1000), acct.Total)
	assert.Equal(t, int64(100), acct.Escrowed)
	assert.Equal(t, int64(900), acct.Available())

	// Second escrow for the same mission is a double lock.
	err := l.LockEscrow("requester", "m1", 50)
	assert.ErrorIs(t, err, core.ErrDoubleLock)

	amount, err := l.ReleaseEscrow("m1", "worker")
	require.NoError(t, err)
	assert.Equal(t, int64(100), amount)

	assert.Equal(t, int64(900), l.BalanceOf("requester").Total)
	assert.Equal(t, int64(100), l.BalanceOf("worker").Total)

	esc, ok := l.EscrowOf("m1")
	require.True(t, ok)
	assert.Equal(t, core.LockReleased, esc.State)
	assert.Equal(t, "worker", esc.ReleasedTo)

	// Releasing twice fails.
	_, err = l.ReleaseEscrow("m1", "worker")
	assert.ErrorIs(t, err, core.ErrInvalidState)
}

func TestSlashEscrowRefundsRemainder(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Credit("requester", 1000))
	require.NoError(t, l.LockEscrow("requester", "m1", 100))

	slashed, refunded, err := l.SlashEscrow("m1", 2500, "treasury")
	require.NoError(t, err)
	assert.Equal(t, int64(25), slashed)
	assert.Equal(t, int64(75), refunded)

	assert.Equal(t, int64(975), l.BalanceOf("requester").Total)
	assert.Equal(t, int64(0), l.BalanceOf("requester").Escrowed)
	assert.Equal(t, int64(25), l.BalanceOf("treasury").Total)
}

func TestBondLifecycle(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Credit("worker", 50))
	require.NoError(t, l.LockBond("worker", "m1", core.RoleWorker, 20))

	acct := l.BalanceOf("worker")
	assert.Equal(t, int64(20), acct.Bonded)
	assert.Equal(t, int64(30), acct.Available())

	// Duplicate bond by same agent fails.
	err := l.LockBond("worker", "m1", core.RoleWorker, 20)
	assert.ErrorIs(t, err, core.ErrDoubleLock)

	// A second worker bond on the same mission is a conflicting claim.
	require.NoError(t, l.Credit("other", 50))
	err = l.LockBond("other", "m1", core.RoleWorker, 20)
	assert.ErrorIs(t, err, core.ErrConflictingClaim)

	// Verifier bonds coexist with the worker bond.
	require.NoError(t, l.Credit("v1", 10))
	require.NoError(t, l.LockBond("v1", "m1", core.RoleVerifier, 5))
	assert.Len(t, l.ActiveBonds("m1"), 2)

	amount, err := l.ReleaseBond("m1", core.RoleWorker, "worker")
	require.NoError(t, err)
	assert.Equal(t, int64(20), amount)
	assert.Equal(t, int64(50), l.BalanceOf("worker").Available())
}

func TestSlashBondFull(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Credit("worker", 50))
	require.NoError(t, l.LockBond("worker", "m1", core.RoleWorker, 20))

	slashed, err := l.SlashBond("m1", core.RoleWorker, "worker", 10000, "treasury")
	require.NoError(t, err)
	assert.Equal(t, int64(20), slashed)

	acct := l.BalanceOf("worker")
	assert.Equal(t, int64(30), acct.Total)
	assert.Equal(t, int64(0), acct.Bonded)
	assert.Equal(t, int64(20), l.BalanceOf("treasury").Total)
}

func TestInsufficientFundsOnLock(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Credit("poor", 10))

	assert.ErrorIs(t, l.LockEscrow("poor", "m1", 11), core.ErrInsufficientFunds)
	assert.ErrorIs(t, l.LockBond("poor", "m1", core.RoleWorker, 11), core.ErrInsufficientFunds)
}

func TestTotalEqualsPartsInvariant(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Credit("owner", 1000))
	require.NoError(t, l.LockEscrow("owner", "m1", 400))
	require.NoError(t, l.LockBond("owner", "m2", core.RoleWorker, 100))

	acct := l.BalanceOf("owner")
	assert.Equal(t, acct.Total, acct.Available()+acct.Escrowed+acct.Bonded)
	assert.GreaterOrEqual(t, acct.Available(), int64(0))

	// Locks beyond the total must fail, preserving invariant 2.
	err := l.LockEscrow("owner", "m3", 501)
	assert.ErrorIs(t, err, core.ErrInsufficientFunds)
}

func TestTransactionRollsBackOnError(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Credit("requester", 1000))
	require.NoError(t, l.LockEscrow("requester", "m1", 100))
	trailBefore := len(l.Trail())

	boom := errors.New("boom")
	err := l.Transaction(func(tx *Tx) error {
		if _, err := tx.ReleaseEscrow("m1", "worker"); err != nil {
			return err
		}
		if err := tx.Credit("treasury", 10); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	// Everything rolled back: escrow still locked, no payout, no trail growth.
	esc, ok := l.EscrowOf("m1")
	require.True(t, ok)
	assert.Equal(t, core.LockLocked, esc.State)
	assert.Equal(t, int64(0), l.BalanceOf("worker").Total)
	assert.Equal(t, int64(0), l.BalanceOf("treasury").Total)
	assert.Equal(t, int64(100), l.BalanceOf("requester").Escrowed)
	assert.Len(t, l.Trail(), trailBefore)
}

func TestTransactionCommits(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Credit("requester", 1000))
	require.NoError(t, l.LockEscrow("requester", "m1", 100))

	err := l.Transaction(func(tx *Tx) error {
		if _, err := tx.ReleaseEscrow("m1", "worker"); err != nil {
			return err
		}
		if err := tx.Debit("worker", 15); err != nil {
			return err
		}
		return tx.Credit("treasury", 15)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(85), l.BalanceOf("worker").Total)
	assert.Equal(t, int64(15), l.BalanceOf("treasury").Total)
}
