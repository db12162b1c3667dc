package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawger/backend/internal/assignment"
	"github.com/clawger/backend/internal/bond"
	"github.com/clawger/backend/internal/core"
	"github.com/clawger/backend/internal/dispatch"
	"github.com/clawger/backend/internal/escrow"
	"github.com/clawger/backend/internal/events"
	"github.com/clawger/backend/internal/ledger"
	"github.com/clawger/backend/internal/reputation"
	"github.com/clawger/backend/internal/settlement"
	"github.com/clawger/backend/internal/store"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	svc    *Service
	store  *store.Memory
	ledger *ledger.Ledger
	rep    *reputation.Engine
	clock  *fakeClock
	econ   core.Economics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	return buildFixture(t, store.NewMemory(), ledger.New(clock), clock)
}

// buildFixture wires a service over an existing store and ledger, so restart
// tests can rebuild the engine stack around reloaded state.
func buildFixture(t *testing.T, mem *store.Memory, led *ledger.Ledger, clock *fakeClock) *fixture {
	t.Helper()
	econ := core.DefaultEconomics()
	bonds := bond.NewManager(led, econ)
	esc := escrow.NewEngine(led, econ)
	rep := reputation.NewEngine(reputation.NewStoreSource(mem))
	assign := assignment.NewEngine(mem, mem, rep, econ)
	settle := settlement.NewEngine(led, bonds, esc, mem, econ, clock)

	svc := NewService(Deps{
		Store:    mem,
		Ledger:   led,
		Escrow:   esc,
		Bonds:    bonds,
		Assign:   assign,
		Settle:   settle,
		Rep:      rep,
		Dispatch: dispatch.NewQueue(mem, clock, nil),
		Bus:      events.NewLocalBus(),
		Econ:     econ,
		Clock:    clock,
	})
	return &fixture{svc: svc, store: mem, ledger: led, rep: rep, clock: clock, econ: econ}
}

func (f *fixture) registerWorker(t *testing.T, id string, balance int64) {
	t.Helper()
	_, err := f.svc.RegisterAgent(context.Background(), &core.Agent{
		ID: id, Role: core.RoleWorker, Capabilities: []string{"golang"},
		RegisteredBy: "op-" + id,
		NeuralSpec:   core.NeuralSpec{Model: "gpt-x", MaxTokens: 4096, Modalities: []string{"text"}},
	})
	require.NoError(t, err)
	require.NoError(t, f.ledger.Credit(id, balance))
}

func (f *fixture) registerVerifier(t *testing.T, id string, balance int64) {
	t.Helper()
	_, err := f.svc.RegisterAgent(context.Background(), &core.Agent{
		ID: id, Role: core.RoleVerifier, Capabilities: []string{"golang"},
		RegisteredBy: "op-" + id,
		NeuralSpec:   core.NeuralSpec{Model: "gpt-x", MaxTokens: 4096, Modalities: []string{"text"}},
	})
	require.NoError(t, err)
	require.NoError(t, f.ledger.Credit(id, balance))
}

func (f *fixture) newMission(reward int64) *core.Mission {
	return &core.Mission{
		RequesterID: "req",
		Objective:   "build the thing",
		Reward:      reward,
		Deadline:    f.clock.Now().Add(24 * time.Hour),
		Specialties: []string{"golang"},
	}
}

// Drives a mission from created (assigned) through submit.
func (f *fixture) runToVerifying(t *testing.T, m *core.Mission) *core.Mission {
	t.Helper()
	ctx := context.Background()
	m, err := f.svc.Start(ctx, m.ID, m.AssignedWorker)
	require.NoError(t, err)
	m, err = f.svc.Submit(ctx, m.ID, m.AssignedWorker, []string{"sha256:abc"})
	require.NoError(t, err)
	require.Equal(t, core.StatusVerifying, m.Status)
	return m
}

func TestHappyPathPassSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Credit("req", 1000))
	f.registerWorker(t, "worker", 50)
	f.registerVerifier(t, "v1", 10)

	m, err := f.svc.CreateMission(ctx, f.newMission(100))
	require.NoError(t, err)
	assert.Equal(t, core.StatusAssigned, m.Status)
	assert.Equal(t, "worker", m.AssignedWorker)
	assert.Equal(t, 1, m.RequiredVerifiers)

	req := f.ledger.BalanceOf("req")
	assert.Equal(t, int64(100), req.Escrowed)
	assert.Equal(t, int64(900), req.Available())

	m = f.runToVerifying(t, m)
	require.Equal(t, []string{"v1"}, m.AssignedVerifiers)

	m, err = f.svc.Vote(ctx, m.ID, "v1", core.VerdictPass, "looks good")
	require.NoError(t, err)
	assert.Equal(t, core.StatusSettled, m.Status)

	assert.Equal(t, int64(900), f.ledger.BalanceOf("req").Total)
	assert.Equal(t, int64(135), f.ledger.BalanceOf("worker").Total)
	assert.Equal(t, int64(15), f.ledger.BalanceOf("v1").Total)
	assert.Equal(t, int64(10), f.ledger.BalanceOf(f.econ.Treasury).Total)

	// Reputation snapshots refreshed from the outcome log.
	worker, err := f.store.GetAgent(ctx, "worker")
	require.NoError(t, err)
	assert.Equal(t, 52, worker.Reputation)
	v1, err := f.store.GetAgent(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, 51, v1.Reputation)
}

func TestFailSettlementSlashesWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Credit("req", 1000))
	f.registerWorker(t, "worker", 50)
	f.registerVerifier(t, "v1", 10)

	m, err := f.svc.CreateMission(ctx, f.newMission(100))
	require.NoError(t, err)
	m = f.runToVerifying(t, m)

	m, err = f.svc.Vote(ctx, m.ID, "v1", core.VerdictFail, "wrong output")
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, m.Status)

	assert.Equal(t, int64(1000), f.ledger.BalanceOf("req").Total)
	assert.Equal(t, int64(30), f.ledger.BalanceOf("worker").Total)
	assert.Equal(t, int64(10), f.ledger.BalanceOf("v1").Total)
	assert.Equal(t, int64(20), f.ledger.BalanceOf(f.econ.Treasury).Total)

	worker, err := f.store.GetAgent(ctx, "worker")
	require.NoError(t, err)
	assert.Equal(t, 35, worker.Reputation)
}

func TestDisputeUpgradesToThreeVerifiers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Credit("req", 1000))
	f.registerWorker(t, "worker", 50)
	f.registerVerifier(t, "v1", 10)
	f.registerVerifier(t, "v2", 10)
	f.registerVerifier(t, "v3", 10)

	mission := f.newMission(100)
	mission.Risk = core.RiskMedium
	m, err := f.svc.CreateMission(ctx, mission)
	require.NoError(t, err)
	assert.Equal(t, 2, m.RequiredVerifiers)

	m = f.runToVerifying(t, m)
	require.Equal(t, []string{"v1", "v2"}, m.AssignedVerifiers)

	m, err = f.svc.Vote(ctx, m.ID, "v1", core.VerdictPass, "")
	require.NoError(t, err)
	assert.Equal(t, core.StatusVerifying, m.Status)

	// Split: the mission stays in verifying with a third verifier added.
	m, err = f.svc.Vote(ctx, m.ID, "v2", core.VerdictFail, "")
	require.NoError(t, err)
	assert.Equal(t, core.StatusVerifying, m.Status)
	assert.Equal(t, 3, m.RequiredVerifiers)
	assert.Equal(t, []string{"v1", "v2", "v3"}, m.AssignedVerifiers)

	// The tie-breaker settles PASS with v2 as the outlier.
	m, err = f.svc.Vote(ctx, m.ID, "v3", core.VerdictPass, "")
	require.NoError(t, err)
	assert.Equal(t, core.StatusSettled, m.Status)

	v2Bal := f.ledger.BalanceOf("v2")
	assert.Equal(t, int64(5), v2Bal.Total) // verifier bond 5 slashed
	assert.Equal(t, int64(0), v2Bal.Bonded)
	v2, err := f.store.GetAgent(ctx, "v2")
	require.NoError(t, err)
	assert.Equal(t, 40, v2.Reputation)

	assert.Equal(t, int64(135), f.ledger.BalanceOf("worker").Total)
}

func TestBiddingLifecycleAndTieBreak(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Credit("req", 1000))
	f.registerWorker(t, "early", 200)
	f.registerWorker(t, "late", 200)

	mission := f.newMission(500)
	mission.Mode = core.ModeBidding
	m, err := f.svc.CreateMission(ctx, mission)
	require.NoError(t, err)
	assert.Equal(t, core.StatusBiddingOpen, m.Status)

	f.clock.Advance(time.Minute)
	_, err = f.svc.PlaceBid(ctx, m.ID, "early", 500, time.Hour)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.svc.PlaceBid(ctx, m.ID, "late", 500, time.Hour)
	require.NoError(t, err)

	// Identical price, eta, and reputation: the earlier bid wins.
	f.clock.Advance(f.econ.BiddingWindow)
	m, err = f.svc.CloseBidding(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusAssigned, m.Status)
	assert.Equal(t, "early", m.AssignedWorker)
}

func TestBidAfterWindowCloseRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Credit("req", 1000))
	f.registerWorker(t, "w1", 200)

	mission := f.newMission(500)
	mission.Mode = core.ModeBidding
	m, err := f.svc.CreateMission(ctx, mission)
	require.NoError(t, err)

	// Exactly at close: accepted.
	f.clock.Advance(f.econ.BiddingWindow)
	_, err = f.svc.PlaceBid(ctx, m.ID, "w1", 400, time.Hour)
	require.NoError(t, err)

	f.clock.Advance(time.Microsecond)
	_, err = f.svc.PlaceBid(ctx, m.ID, "w1", 300, time.Hour)
	assert.ErrorIs(t, err, core.ErrInvalidState)
}

func TestCloseBiddingNoBiddersRefundsEscrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Credit("req", 1000))

	mission := f.newMission(500)
	mission.Mode = core.ModeBidding
	m, err := f.svc.CreateMission(ctx, mission)
	require.NoError(t, err)

	f.clock.Advance(f.econ.BiddingWindow + time.Second)
	m, err = f.svc.CloseBidding(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, m.Status)
	assert.Equal(t, "NoBidders", m.FailureReason)
	assert.Equal(t, int64(1000), f.ledger.BalanceOf("req").Available())
}

func TestNoEligibleAgentsFailsMission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Credit("req", 1000))

	m, err := f.svc.CreateMission(ctx, f.newMission(100))
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, m.Status)
	assert.Equal(t, "NoEligibleAgents", m.FailureReason)
	assert.Equal(t, int64(1000), f.ledger.BalanceOf("req").Available())
}

func TestDeactivatedWorkerIsNotAssigned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Credit("req", 1000))
	f.registerWorker(t, "worker", 50)
	f.registerVerifier(t, "v1", 10)

	agent, err := f.svc.SetAgentActive(ctx, "worker", false)
	require.NoError(t, err)
	assert.False(t, agent.Active)

	m, err := f.svc.CreateMission(ctx, f.newMission(100))
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, m.Status)
	assert.Equal(t, "NoEligibleAgents", m.FailureReason)

	// Reactivation makes the worker eligible again.
	_, err = f.svc.SetAgentActive(ctx, "worker", true)
	require.NoError(t, err)
	m, err = f.svc.CreateMission(ctx, f.newMission(100))
	require.NoError(t, err)
	assert.Equal(t, core.StatusAssigned, m.Status)
	assert.Equal(t, "worker", m.AssignedWorker)
}

func TestStartGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Credit("req", 1000))
	f.registerWorker(t, "worker", 50)
	f.registerVerifier(t, "v1", 10)

	m, err := f.svc.CreateMission(ctx, f.newMission(100))
	require.NoError(t, err)

	_, err = f.svc.Start(ctx, m.ID, "intruder")
	assert.ErrorIs(t, err, core.ErrNotAssigned)

	_, err = f.svc.Submit(ctx, m.ID, "worker", []string{"sha256:abc"})
	assert.ErrorIs(t, err, core.ErrInvalidState)

	m, err = f.svc.Start(ctx, m.ID, "worker")
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, m.ID, "worker")
	assert.ErrorIs(t, err, core.ErrInvalidState)

	_, err = f.svc.Submit(ctx, m.ID, "worker", nil)
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestVoteGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Credit("req", 1000))
	f.registerWorker(t, "worker", 50)
	f.registerVerifier(t, "v1", 10)
	f.registerVerifier(t, "v2", 10)

	mission := f.newMission(100)
	mission.Risk = core.RiskMedium
	m, err := f.svc.CreateMission(ctx, mission)
	require.NoError(t, err)
	m = f.runToVerifying(t, m)

	_, err = f.svc.Vote(ctx, m.ID, "worker", core.VerdictPass, "")
	assert.ErrorIs(t, err, core.ErrNotAssigned)

	_, err = f.svc.Vote(ctx, m.ID, "v1", core.VerdictPass, "")
	require.NoError(t, err)
	_, err = f.svc.Vote(ctx, m.ID, "v1", core.VerdictFail, "")
	assert.ErrorIs(t, err, core.ErrDuplicateVote)
}

func TestReviseResetsVotes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Credit("req", 1000))
	f.registerWorker(t, "worker", 50)
	f.registerVerifier(t, "v1", 10)
	f.registerVerifier(t, "v2", 10)

	mission := f.newMission(100)
	mission.Risk = core.RiskMedium
	m, err := f.svc.CreateMission(ctx, mission)
	require.NoError(t, err)
	m = f.runToVerifying(t, m)

	_, err = f.svc.Vote(ctx, m.ID, "v1", core.VerdictPass, "")
	require.NoError(t, err)

	_, err = f.svc.Revise(ctx, m.ID, "intruder", "redo")
	assert.ErrorIs(t, err, core.ErrForbidden)

	m, err = f.svc.Revise(ctx, m.ID, "req", "tighten the output")
	require.NoError(t, err)
	assert.Equal(t, core.StatusExecuting, m.Status)
	assert.Equal(t, 1, m.Revisions)

	votes, err := f.store.VotesByMission(ctx, m.ID)
	require.NoError(t, err)
	assert.Empty(t, votes)

	// Second round settles normally.
	m, err = f.svc.Submit(ctx, m.ID, "worker", []string{"sha256:def"})
	require.NoError(t, err)
	_, err = f.svc.Vote(ctx, m.ID, "v1", core.VerdictPass, "")
	require.NoError(t, err)
	m, err = f.svc.Vote(ctx, m.ID, "v2", core.VerdictPass, "")
	require.NoError(t, err)
	assert.Equal(t, core.StatusSettled, m.Status)
}

func TestRatingFlowsIntoSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Credit("req", 1000))
	f.registerWorker(t, "worker", 50)
	f.registerVerifier(t, "v1", 10)

	m, err := f.svc.CreateMission(ctx, f.newMission(100))
	require.NoError(t, err)
	m = f.runToVerifying(t, m)

	require.NoError(t, f.svc.Rate(ctx, m.ID, "req", 5))
	_, err = f.svc.Vote(ctx, m.ID, "v1", core.VerdictPass, "")
	require.NoError(t, err)

	// Worker PASS +2 plus rating adjustment round(5−3) = +2.
	worker, err := f.store.GetAgent(ctx, "worker")
	require.NoError(t, err)
	assert.Equal(t, 54, worker.Reputation)
}

func TestDeadlineSweepExpiresExecutingMission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Credit("req", 1000))
	f.registerWorker(t, "worker", 50)
	f.registerVerifier(t, "v1", 10)

	m, err := f.svc.CreateMission(ctx, f.newMission(100))
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, m.ID, "worker")
	require.NoError(t, err)

	f.clock.Advance(25 * time.Hour)
	n, err := f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	m, err = f.svc.GetMission(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, m.Status)
	assert.Equal(t, "DeadlineExpired", m.FailureReason)

	// Worker bond slashed, verifier bond released, escrow refunded.
	assert.Equal(t, int64(30), f.ledger.BalanceOf("worker").Total)
	assert.Equal(t, int64(0), f.ledger.BalanceOf("v1").Bonded)
	assert.Equal(t, int64(1000), f.ledger.BalanceOf("req").Available())

	// Sweeping again is a no-op.
	n, err = f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestLedgerSurvivesRestartMidMission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.AttachJournal(func(state []byte) error {
		return f.store.SaveLedgerState(ctx, state)
	})
	require.NoError(t, f.ledger.Credit("req", 1000))
	f.registerWorker(t, "worker", 50)
	f.registerVerifier(t, "v1", 10)

	m, err := f.svc.CreateMission(ctx, f.newMission(100))
	require.NoError(t, err)
	m = f.runToVerifying(t, m)

	// Simulated restart: a fresh ledger reloaded from the store, the engine
	// stack rebuilt around it. Escrow and bonds must still be locked.
	state, err := f.store.LoadLedgerState(ctx)
	require.NoError(t, err)
	led := ledger.New(f.clock)
	require.NoError(t, led.Restore(state))
	assert.Equal(t, int64(100), led.BalanceOf("req").Escrowed)
	require.Len(t, led.ActiveBonds(m.ID), 2)

	f2 := buildFixture(t, f.store, led, f.clock)
	m, err = f2.svc.Vote(ctx, m.ID, "v1", core.VerdictPass, "looks good")
	require.NoError(t, err)
	assert.Equal(t, core.StatusSettled, m.Status)

	assert.Equal(t, int64(900), led.BalanceOf("req").Total)
	assert.Equal(t, int64(135), led.BalanceOf("worker").Total)
	assert.Equal(t, int64(15), led.BalanceOf("v1").Total)
}

func TestCrewParentSettlesAfterSubtasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Credit("req", 1000))
	f.registerWorker(t, "worker", 200)
	f.registerVerifier(t, "v1", 50)

	parent := &core.Mission{
		RequesterID: "req",
		Objective:   "ship the release",
		Deadline:    f.clock.Now().Add(24 * time.Hour),
	}
	subtasks := []*core.Mission{
		{Objective: "write docs", Reward: 100, Specialties: []string{"golang"}},
		{Objective: "cut the build", Reward: 100, Specialties: []string{"golang"}},
	}
	parent, err := f.svc.CreateCrewMission(ctx, parent, subtasks)
	require.NoError(t, err)
	assert.Equal(t, int64(200), parent.Reward)

	children, err := f.svc.ListMissions(ctx, store.MissionFilter{ParentID: parent.ID})
	require.NoError(t, err)
	require.Len(t, children, 2)

	for _, st := range children {
		m := f.runToVerifying(t, &st)
		_, err = f.svc.Vote(ctx, m.ID, "v1", core.VerdictPass, "")
		require.NoError(t, err)

		parent, err = f.svc.GetMission(ctx, parent.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, core.StatusSettled, parent.Status)
}
