// Package lifecycle drives the mission state machine:
//
//	posted → (bidding_open?) → assigned → executing → verifying → settled | failed
//
// All transitions for one mission run under a mission-keyed lock, so votes,
// revisions, and the deadline sweeper never interleave on the same mission.
// Ledger side effects happen through the escrow, bond, and settlement
// engines; the service itself never touches balances.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawger/backend/internal/assignment"
	"github.com/clawger/backend/internal/bond"
	"github.com/clawger/backend/internal/consensus"
	"github.com/clawger/backend/internal/core"
	"github.com/clawger/backend/internal/dispatch"
	"github.com/clawger/backend/internal/escrow"
	"github.com/clawger/backend/internal/events"
	"github.com/clawger/backend/internal/ledger"
	"github.com/clawger/backend/internal/monitoring"
	"github.com/clawger/backend/internal/reputation"
	"github.com/clawger/backend/internal/settlement"
	"github.com/clawger/backend/internal/store"
)

// Deps wires the service's collaborators at construction.
type Deps struct {
	Store    store.Store
	Ledger   *ledger.Ledger
	Escrow   *escrow.Engine
	Bonds    *bond.Manager
	Assign   *assignment.Engine
	Settle   *settlement.Engine
	Rep      *reputation.Engine
	Dispatch *dispatch.Queue
	Bus      events.Bus
	Metrics  *monitoring.Metrics
	Econ     core.Economics
	Clock    core.Clock
}

// Service orchestrates mission transitions.
type Service struct {
	store    store.Store
	ledger   *ledger.Ledger
	escrow   *escrow.Engine
	bonds    *bond.Manager
	assign   *assignment.Engine
	settle   *settlement.Engine
	rep      *reputation.Engine
	dispatch *dispatch.Queue
	bus      events.Bus
	metrics  *monitoring.Metrics
	econ     core.Economics
	clock    core.Clock
	logger   *log.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-mission
}

// NewService creates the lifecycle service.
func NewService(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = core.SystemClock{}
	}
	return &Service{
		store:    d.Store,
		ledger:   d.Ledger,
		escrow:   d.Escrow,
		bonds:    d.Bonds,
		assign:   d.Assign,
		settle:   d.Settle,
		rep:      d.Rep,
		dispatch: d.Dispatch,
		bus:      d.Bus,
		metrics:  d.Metrics,
		econ:     d.Econ,
		clock:    d.Clock,
		logger:   log.New(log.Writer(), "[LIFECYCLE] ", log.LstdFlags),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (s *Service) missionLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// ---------------------------------------------------------------------------
// Agent directory
// ---------------------------------------------------------------------------

// RegisterAgent validates and stores a new agent.
func (s *Service) RegisterAgent(ctx context.Context, agent *core.Agent) (*core.Agent, error) {
	if agent.Role != core.RoleWorker && agent.Role != core.RoleVerifier {
		return nil, fmt.Errorf("%w: role must be worker or verifier", core.ErrInvalidInput)
	}
	if len(agent.Capabilities) == 0 {
		return nil, fmt.Errorf("%w: at least one capability is required", core.ErrInvalidInput)
	}
	if err := agent.NeuralSpec.Validate(); err != nil {
		return nil, err
	}
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	if agent.Kind == "" {
		agent.Kind = core.IdentityAgent
	}
	agent.Active = true
	agent.Reputation = core.ReputationBase
	agent.RegisteredAt = s.clock.Now()

	if err := s.store.SaveAgent(ctx, agent); err != nil {
		return nil, err
	}
	s.logger.Printf("✅ Registered agent %s role=%s caps=%v", agent.ID, agent.Role, agent.Capabilities)
	s.publish(ctx, &events.Event{Type: events.EventAgentRegistered, AgentID: agent.ID})
	return agent, nil
}

// GetAgent returns one agent by id.
func (s *Service) GetAgent(ctx context.Context, id string) (*core.Agent, error) {
	return s.store.GetAgent(ctx, id)
}

// ListAgents lists agents with an optional filter.
func (s *Service) ListAgents(ctx context.Context, filter store.AgentFilter) ([]core.Agent, error) {
	return s.store.ListAgents(ctx, filter)
}

// SetAgentActive deactivates or reactivates an agent. Inactive agents are
// skipped by assignment and may not bid; existing missions keep running.
func (s *Service) SetAgentActive(ctx context.Context, id string, active bool) (*core.Agent, error) {
	agent, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if agent.Active == active {
		return agent, nil
	}
	agent.Active = active
	if err := s.store.SaveAgent(ctx, agent); err != nil {
		return nil, err
	}
	verb := "deactivated"
	if active {
		verb = "reactivated"
	}
	s.logger.Printf("Agent %s %s", id, verb)
	if !active {
		s.publish(ctx, &events.Event{Type: events.EventAgentOffline, AgentID: id})
	}
	return agent, nil
}

// ReputationBreakdown explains an agent's current score.
func (s *Service) ReputationBreakdown(agentID string) (reputation.Breakdown, error) {
	return s.rep.Compute(agentID)
}

// ---------------------------------------------------------------------------
// Mission creation and assignment
// ---------------------------------------------------------------------------

// CreateMission validates the request, locks escrow, and either opens
// bidding or assigns a worker according to the mission's mode.
func (s *Service) CreateMission(ctx context.Context, m *core.Mission) (*core.Mission, error) {
	if err := s.validateNewMission(m); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	m.ID = uuid.New().String()
	m.Status = core.StatusPosted
	m.RequiredVerifiers = m.Risk.RequiredVerifiers()
	m.CreatedAt = now

	if err := s.escrow.Lock(m.RequesterID, m.ID, m.Reward); err != nil {
		return nil, err
	}
	if err := s.store.SaveMission(ctx, m); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.MissionsCreated.Inc()
	}
	s.publish(ctx, &events.Event{Type: events.EventMissionCreated, MissionID: m.ID})

	lock := s.missionLock(m.ID)
	lock.Lock()
	defer lock.Unlock()

	switch m.Mode {
	case core.ModeBidding:
		if err := s.openBiddingLocked(ctx, m); err != nil {
			return nil, err
		}
	default:
		if err := s.assignLocked(ctx, m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// CreateCrewMission creates a parent mission plus one subtask per entry.
// The parent carries no escrow of its own; each subtask escrows its reward
// against the requester and runs an independent lifecycle. The parent
// settles once every subtask reaches a terminal state.
func (s *Service) CreateCrewMission(ctx context.Context, parent *core.Mission, subtasks []*core.Mission) (*core.Mission, error) {
	if len(subtasks) == 0 {
		return nil, fmt.Errorf("%w: crew mission needs at least one subtask", core.ErrInvalidInput)
	}
	if parent.Objective == "" || parent.RequesterID == "" {
		return nil, fmt.Errorf("%w: parent objective and requester are required", core.ErrInvalidInput)
	}

	now := s.clock.Now()
	parent.ID = uuid.New().String()
	parent.Status = core.StatusPosted
	parent.CreatedAt = now
	for _, st := range subtasks {
		parent.Reward += st.Reward
	}
	if err := s.store.SaveMission(ctx, parent); err != nil {
		return nil, err
	}

	for _, st := range subtasks {
		st.ParentID = parent.ID
		st.RequesterID = parent.RequesterID
		if st.Deadline.IsZero() {
			st.Deadline = parent.Deadline
		}
		if _, err := s.CreateMission(ctx, st); err != nil {
			return nil, fmt.Errorf("crew subtask %q: %w", st.Objective, err)
		}
	}
	s.logger.Printf("Created crew mission %s with %d subtasks", parent.ID, len(subtasks))
	return parent, nil
}

func (s *Service) validateNewMission(m *core.Mission) error {
	if m.RequesterID == "" {
		return fmt.Errorf("%w: requester_id is required", core.ErrInvalidInput)
	}
	if m.Objective == "" {
		return fmt.Errorf("%w: objective is required", core.ErrInvalidInput)
	}
	if m.Reward <= 0 {
		return fmt.Errorf("%w: reward must be positive", core.ErrInvalidInput)
	}
	if !m.Deadline.After(s.clock.Now()) {
		return fmt.Errorf("%w: deadline must be in the future", core.ErrInvalidInput)
	}
	switch m.Risk {
	case "":
		m.Risk = core.RiskLow
	case core.RiskLow, core.RiskMedium, core.RiskHigh:
	default:
		return fmt.Errorf("%w: unknown risk tier %q", core.ErrInvalidInput, m.Risk)
	}
	switch m.Mode {
	case "":
		m.Mode = core.ModeAutopilot
	case core.ModeAutopilot:
	case core.ModeDirectHire:
		if m.DirectHireAgent == "" {
			return fmt.Errorf("%w: direct_hire_agent is required for direct hire", core.ErrInvalidInput)
		}
	case core.ModeBidding:
		if m.Reward < s.econ.BiddingThreshold {
			return fmt.Errorf("%w: reward %d below bidding threshold %d",
				core.ErrInvalidInput, m.Reward, s.econ.BiddingThreshold)
		}
	default:
		return fmt.Errorf("%w: unknown assignment mode %q", core.ErrInvalidInput, m.Mode)
	}
	return nil
}

// OpenBidding transitions posted → bidding_open for a mission whose reward
// meets the threshold.
func (s *Service) OpenBidding(ctx context.Context, missionID string) (*core.Mission, error) {
	lock := s.missionLock(missionID)
	lock.Lock()
	defer lock.Unlock()

	m, err := s.store.GetMission(ctx, missionID)
	if err != nil {
		return nil, err
	}
	if m.Status != core.StatusPosted {
		return nil, s.stateErr(m, "open_bidding")
	}
	if m.Reward < s.econ.BiddingThreshold {
		return nil, fmt.Errorf("%w: reward %d below bidding threshold %d",
			core.ErrInvalidState, m.Reward, s.econ.BiddingThreshold)
	}
	m.Mode = core.ModeBidding
	if err := s.openBiddingLocked(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Service) openBiddingLocked(ctx context.Context, m *core.Mission) error {
	m.Status = core.StatusBiddingOpen
	m.BiddingCloseAt = s.clock.Now().Add(s.econ.BiddingWindow)
	if err := s.store.SaveMission(ctx, m); err != nil {
		return err
	}
	s.logger.Printf("Bidding open for mission %s until %s", m.ID, m.BiddingCloseAt.Format(time.RFC3339))
	return nil
}

// PlaceBid records a worker's bid while the window is open. A bid arriving
// at exactly the close instant is accepted.
func (s *Service) PlaceBid(ctx context.Context, missionID, agentID string, price int64, eta time.Duration) (*core.Bid, error) {
	lock := s.missionLock(missionID)
	lock.Lock()
	defer lock.Unlock()

	m, err := s.store.GetMission(ctx, missionID)
	if err != nil {
		return nil, err
	}
	if m.Status != core.StatusBiddingOpen {
		return nil, s.stateErr(m, "bid")
	}
	now := s.clock.Now()
	if !assignment.BidWindowOpen(m, now) {
		return nil, fmt.Errorf("%w: bidding window closed at %s",
			core.ErrInvalidState, m.BiddingCloseAt.Format(time.RFC3339))
	}
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !agent.Active || agent.Role != core.RoleWorker {
		return nil, fmt.Errorf("%w: agent %s is not an active worker", core.ErrForbidden, agentID)
	}
	if price <= 0 || price > m.Reward || eta <= 0 {
		return nil, fmt.Errorf("%w: bid price must be in (0, reward] and eta positive", core.ErrInvalidInput)
	}

	bid := core.Bid{
		ID:        uuid.New().String(),
		MissionID: m.ID,
		AgentID:   agentID,
		Price:     price,
		ETA:       eta,
		PlacedAt:  now,
	}
	m.Bids = append(m.Bids, bid)
	if err := s.store.SaveMission(ctx, m); err != nil {
		return nil, err
	}
	return &bid, nil
}

// CloseBidding resolves the window: the best bid wins, or the mission fails
// with NoBidders and the escrow is refunded.
func (s *Service) CloseBidding(ctx context.Context, missionID string) (*core.Mission, error) {
	lock := s.missionLock(missionID)
	lock.Lock()
	defer lock.Unlock()

	m, err := s.store.GetMission(ctx, missionID)
	if err != nil {
		return nil, err
	}
	if m.Status != core.StatusBiddingOpen {
		return nil, s.stateErr(m, "close_bidding")
	}

	winner, err := s.assign.CloseBidding(ctx, m)
	if errors.Is(err, core.ErrNoBidders) {
		if failErr := s.failBeforeStart(ctx, m, "NoBidders"); failErr != nil {
			return nil, failErr
		}
		return m, nil
	}
	if err != nil {
		return nil, err
	}

	m.AssignedWorker = winner.AgentID
	m.Status = core.StatusAssigned
	m.AssignedAt = s.clock.Now()
	if err := s.store.SaveMission(ctx, m); err != nil {
		return nil, err
	}
	s.notifyAssignment(ctx, m)
	return m, nil
}

// assignLocked runs autopilot or direct-hire selection for a posted mission.
// An empty candidate set fails the mission and refunds the escrow.
func (s *Service) assignLocked(ctx context.Context, m *core.Mission) error {
	worker, err := s.assign.SelectWorker(ctx, m)
	if errors.Is(err, core.ErrNoEligibleAgents) {
		return s.failBeforeStart(ctx, m, "NoEligibleAgents")
	}
	if err != nil {
		return err
	}

	m.AssignedWorker = worker
	m.Status = core.StatusAssigned
	m.AssignedAt = s.clock.Now()
	if err := s.store.SaveMission(ctx, m); err != nil {
		return err
	}
	s.notifyAssignment(ctx, m)
	return nil
}

func (s *Service) notifyAssignment(ctx context.Context, m *core.Mission) {
	s.enqueueTask(ctx, m.AssignedWorker, map[string]any{
		"kind":       "execute",
		"mission_id": m.ID,
		"objective":  m.Objective,
		"reward":     m.Reward,
		"deadline":   m.Deadline,
	}, core.PriorityNormal, m.Deadline)
	s.publish(ctx, &events.Event{
		Type: events.EventMissionAssigned, MissionID: m.ID, AgentID: m.AssignedWorker,
	})
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// Start transitions assigned → executing. Only the assigned worker may
// start; the worker bond and all verifier bonds are staked atomically.
func (s *Service) Start(ctx context.Context, missionID, callerID string) (*core.Mission, error) {
	lock := s.missionLock(missionID)
	lock.Lock()
	defer lock.Unlock()

	m, err := s.store.GetMission(ctx, missionID)
	if err != nil {
		return nil, err
	}
	if m.Status != core.StatusAssigned {
		return nil, s.stateErr(m, "start")
	}
	if callerID != m.AssignedWorker {
		return nil, fmt.Errorf("%w: %s is not the assigned worker for mission %s",
			core.ErrNotAssigned, callerID, m.ID)
	}

	verifiers, err := s.assign.SelectVerifiers(ctx, m, m.RequiredVerifiers,
		map[string]bool{m.AssignedWorker: true})
	if err != nil {
		return nil, err
	}

	err = s.ledger.Transaction(func(tx *ledger.Tx) error {
		if err := s.bonds.StakeTx(tx, m.AssignedWorker, m, core.RoleWorker); err != nil {
			return err
		}
		for _, v := range verifiers {
			if err := s.bonds.StakeTx(tx, v, m, core.RoleVerifier); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.AssignedVerifiers = verifiers
	m.Status = core.StatusExecuting
	m.StartedAt = s.clock.Now()
	if err := s.store.SaveMission(ctx, m); err != nil {
		return nil, err
	}
	s.logger.Printf("Mission %s started: worker=%s verifiers=%v", m.ID, m.AssignedWorker, verifiers)
	s.publish(ctx, &events.Event{Type: events.EventMissionStarted, MissionID: m.ID, AgentID: callerID})
	return m, nil
}

// Submit transitions executing → verifying with at least one artifact, then
// notifies every verifier.
func (s *Service) Submit(ctx context.Context, missionID, callerID string, digests []string) (*core.Mission, error) {
	lock := s.missionLock(missionID)
	lock.Lock()
	defer lock.Unlock()

	m, err := s.store.GetMission(ctx, missionID)
	if err != nil {
		return nil, err
	}
	if m.Status != core.StatusExecuting {
		return nil, s.stateErr(m, "submit")
	}
	if callerID != m.AssignedWorker {
		return nil, fmt.Errorf("%w: %s is not the assigned worker for mission %s",
			core.ErrNotAssigned, callerID, m.ID)
	}
	if len(digests) == 0 {
		return nil, fmt.Errorf("%w: at least one artifact digest is required", core.ErrInvalidInput)
	}

	now := s.clock.Now()
	for _, d := range digests {
		m.Artifacts = append(m.Artifacts, core.Artifact{
			Digest: d, Submitter: callerID, At: now,
		})
	}
	m.Status = core.StatusVerifying
	m.SubmittedAt = now
	if err := s.store.SaveMission(ctx, m); err != nil {
		return nil, err
	}

	for _, v := range m.AssignedVerifiers {
		s.enqueueTask(ctx, v, map[string]any{
			"kind":       "verify",
			"mission_id": m.ID,
			"artifacts":  digests,
		}, core.PriorityHigh, m.Deadline)
	}
	s.publish(ctx, &events.Event{Type: events.EventMissionSubmitted, MissionID: m.ID, AgentID: callerID})
	return m, nil
}

// Rate records the requester's 1-5 rating; it flows into the worker's
// settlement outcome if it arrives before the decisive vote.
func (s *Service) Rate(ctx context.Context, missionID, callerID string, rating int) error {
	lock := s.missionLock(missionID)
	lock.Lock()
	defer lock.Unlock()

	m, err := s.store.GetMission(ctx, missionID)
	if err != nil {
		return err
	}
	if callerID != m.RequesterID {
		return fmt.Errorf("%w: only the requester may rate mission %s", core.ErrForbidden, m.ID)
	}
	if m.Status.Terminal() {
		return s.stateErr(m, "rate")
	}
	if rating < 1 || rating > 5 {
		return fmt.Errorf("%w: rating must be 1-5", core.ErrInvalidInput)
	}
	m.Rating = rating
	return s.store.SaveMission(ctx, m)
}

// ---------------------------------------------------------------------------
// Verification and settlement
// ---------------------------------------------------------------------------

// Vote records a verifier's verdict and, when the vote set becomes decisive,
// settles the mission or upgrades a two-verifier split to a third verifier.
func (s *Service) Vote(ctx context.Context, missionID, verifierID string, verdict core.Verdict, reason string) (*core.Mission, error) {
	lock := s.missionLock(missionID)
	lock.Lock()
	defer lock.Unlock()

	m, err := s.store.GetMission(ctx, missionID)
	if err != nil {
		return nil, err
	}
	if m.Status != core.StatusVerifying {
		return nil, s.stateErr(m, "vote")
	}
	if !contains(m.AssignedVerifiers, verifierID) {
		return nil, fmt.Errorf("%w: %s is not a verifier for mission %s",
			core.ErrNotAssigned, verifierID, m.ID)
	}
	if verdict != core.VerdictPass && verdict != core.VerdictFail {
		return nil, fmt.Errorf("%w: verdict must be PASS or FAIL", core.ErrInvalidInput)
	}

	vote := &core.Vote{
		MissionID:  m.ID,
		VerifierID: verifierID,
		Verdict:    verdict,
		Reason:     reason,
		At:         s.clock.Now(),
	}
	if err := s.store.SaveVote(ctx, vote); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.VotesCast.Inc()
	}
	s.publish(ctx, &events.Event{Type: events.EventVoteCast, MissionID: m.ID, AgentID: verifierID})

	votes, err := s.store.VotesByMission(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	decision := consensus.Evaluate(votes, m.RequiredVerifiers)
	if !decision.Decisive {
		return m, nil
	}

	if decision.Outcome == core.OutcomeDispute {
		if err := s.upgradeDispute(ctx, m); err != nil {
			// Leave the mission in verifying; the sweeper fails it at the
			// deadline if no third verifier ever materialises.
			s.logger.Printf("⚠️  Dispute upgrade failed for mission %s: %v", m.ID, err)
			return nil, err
		}
		return m, nil
	}

	if err := s.settleLocked(ctx, m, decision, votes); err != nil {
		return nil, err
	}
	return m, nil
}

// upgradeDispute re-enters verifying with the verifier set upgraded to 3.
// Existing votes stand; the added verifier's vote breaks the tie.
func (s *Service) upgradeDispute(ctx context.Context, m *core.Mission) error {
	exclude := map[string]bool{m.AssignedWorker: true}
	for _, v := range m.AssignedVerifiers {
		exclude[v] = true
	}
	added, err := s.assign.SelectVerifiers(ctx, m, 1, exclude)
	if err != nil {
		return err
	}
	if err := s.bonds.Stake(added[0], m, core.RoleVerifier); err != nil {
		return err
	}

	m.RequiredVerifiers = 3
	m.AssignedVerifiers = append(m.AssignedVerifiers, added[0])
	if err := s.store.SaveMission(ctx, m); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.Disputes.Inc()
	}
	s.enqueueTask(ctx, added[0], map[string]any{
		"kind":       "verify",
		"mission_id": m.ID,
		"artifacts":  artifactDigests(m),
	}, core.PriorityHigh, m.Deadline)
	s.logger.Printf("Dispute on mission %s: upgraded to 3 verifiers, added %s", m.ID, added[0])
	s.publish(ctx, &events.Event{Type: events.EventMissionDisputed, MissionID: m.ID, AgentID: added[0]})
	return nil
}

func (s *Service) settleLocked(ctx context.Context, m *core.Mission, decision consensus.Decision, votes []core.Vote) error {
	res, err := s.settle.Settle(ctx, m, decision.Outcome, votes, decision.Outliers)
	if err != nil {
		return err
	}

	m.Status = res.Status
	m.SettledAt = s.clock.Now()
	if res.Status == core.StatusFailed {
		m.FailureReason = "consensus FAIL"
	}
	if err := s.store.SaveMission(ctx, m); err != nil {
		return err
	}

	s.recordSettlement(ctx, m, res)
	s.refreshReputation(ctx, res.Outcomes)
	if m.ParentID != "" {
		s.finalizeParent(ctx, m.ParentID)
	}
	return nil
}

func (s *Service) recordSettlement(ctx context.Context, m *core.Mission, res settlement.Result) {
	if s.metrics != nil {
		s.metrics.MissionsSettled.WithLabelValues(string(res.Status)).Inc()
	}
	evType := events.EventMissionSettled
	if res.Status == core.StatusFailed {
		evType = events.EventMissionFailed
	}
	s.publish(ctx, &events.Event{Type: evType, MissionID: m.ID, AgentID: m.AssignedWorker})
}

// refreshReputation recomputes and stores the directory snapshot of every
// agent touched by a settlement. The outcome log stays the source of truth.
func (s *Service) refreshReputation(ctx context.Context, outcomes []core.JobOutcome) {
	seen := make(map[string]bool)
	for _, o := range outcomes {
		if seen[o.AgentID] {
			continue
		}
		seen[o.AgentID] = true

		score, err := s.rep.Score(o.AgentID)
		if err != nil {
			s.logger.Printf("⚠️  Reputation recompute failed for %s: %v", o.AgentID, err)
			continue
		}
		agent, err := s.store.GetAgent(ctx, o.AgentID)
		if err != nil {
			continue // chain-mirrored participant without a directory row
		}
		agent.Reputation = score
		if err := s.store.SaveAgent(ctx, agent); err != nil {
			s.logger.Printf("⚠️  Reputation snapshot save failed for %s: %v", o.AgentID, err)
		}
	}
}

// finalizeParent settles a crew parent once every subtask is terminal: the
// parent succeeds only if all subtasks settled.
func (s *Service) finalizeParent(ctx context.Context, parentID string) {
	lock := s.missionLock(parentID)
	lock.Lock()
	defer lock.Unlock()

	parent, err := s.store.GetMission(ctx, parentID)
	if err != nil || parent.Status.Terminal() {
		return
	}
	subtasks, err := s.store.ListMissions(ctx, store.MissionFilter{ParentID: parentID})
	if err != nil || len(subtasks) == 0 {
		return
	}

	allSettled := true
	for _, st := range subtasks {
		if !st.Status.Terminal() {
			return // still running
		}
		if st.Status == core.StatusFailed {
			allSettled = false
		}
	}

	if allSettled {
		parent.Status = core.StatusSettled
	} else {
		parent.Status = core.StatusFailed
		parent.FailureReason = "subtask failed"
	}
	parent.SettledAt = s.clock.Now()
	if err := s.store.SaveMission(ctx, parent); err != nil {
		s.logger.Printf("⚠️  Crew parent %s finalize failed: %v", parentID, err)
		return
	}
	s.logger.Printf("Crew mission %s finalized: %s", parentID, parent.Status)
}

// Revise sends a verifying mission back to executing on requester feedback.
// Votes reset; bonds and escrow stay locked.
func (s *Service) Revise(ctx context.Context, missionID, callerID, feedback string) (*core.Mission, error) {
	lock := s.missionLock(missionID)
	lock.Lock()
	defer lock.Unlock()

	m, err := s.store.GetMission(ctx, missionID)
	if err != nil {
		return nil, err
	}
	if m.Status != core.StatusVerifying {
		return nil, s.stateErr(m, "revise")
	}
	if callerID != m.RequesterID {
		return nil, fmt.Errorf("%w: only the requester may request revision", core.ErrForbidden)
	}
	if m.Revisions >= s.econ.MaxRevisions {
		return nil, fmt.Errorf("%w: revision limit %d reached", core.ErrInvalidState, s.econ.MaxRevisions)
	}

	if err := s.store.DeleteVotes(ctx, m.ID); err != nil {
		return nil, err
	}
	m.Revisions++
	m.Status = core.StatusExecuting
	if err := s.store.SaveMission(ctx, m); err != nil {
		return nil, err
	}

	s.enqueueTask(ctx, m.AssignedWorker, map[string]any{
		"kind":       "revise",
		"mission_id": m.ID,
		"feedback":   feedback,
		"revision":   m.Revisions,
	}, core.PriorityHigh, m.Deadline)
	s.logger.Printf("Mission %s sent back for revision %d/%d", m.ID, m.Revisions, s.econ.MaxRevisions)
	return m, nil
}

// ---------------------------------------------------------------------------
// Expiry
// ---------------------------------------------------------------------------

// SweepExpired fails every non-terminal mission past its deadline and closes
// bidding windows that have elapsed. Returns how many missions were expired.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	now := s.clock.Now()
	expired := 0
	statuses := []core.MissionStatus{
		core.StatusPosted, core.StatusBiddingOpen, core.StatusAssigned,
		core.StatusExecuting, core.StatusVerifying,
	}
	for _, status := range statuses {
		missions, err := s.store.ListMissions(ctx, store.MissionFilter{Status: status})
		if err != nil {
			return expired, err
		}
		for i := range missions {
			m := &missions[i]
			if m.Status == core.StatusBiddingOpen && now.After(m.BiddingCloseAt) && !now.After(m.Deadline) {
				if _, err := s.CloseBidding(ctx, m.ID); err != nil {
					s.logger.Printf("⚠️  Sweep close_bidding failed for %s: %v", m.ID, err)
				}
				continue
			}
			if now.After(m.Deadline) {
				if err := s.Expire(ctx, m.ID); err != nil {
					s.logger.Printf("⚠️  Sweep expire failed for %s: %v", m.ID, err)
					continue
				}
				expired++
			}
		}
	}
	return expired, nil
}

// Expire fails one mission past its deadline: the in-progress worker bond is
// slashed, verifier bonds released, and the escrow refunded.
func (s *Service) Expire(ctx context.Context, missionID string) error {
	lock := s.missionLock(missionID)
	lock.Lock()
	defer lock.Unlock()

	m, err := s.store.GetMission(ctx, missionID)
	if err != nil {
		return err
	}
	if m.Status.Terminal() {
		return nil
	}
	if !s.clock.Now().After(m.Deadline) {
		return fmt.Errorf("%w: mission %s has not reached its deadline", core.ErrInvalidState, m.ID)
	}

	res, err := s.settle.SettleExpired(ctx, m)
	if err != nil {
		return err
	}
	m.Status = core.StatusFailed
	m.FailureReason = "DeadlineExpired"
	m.SettledAt = s.clock.Now()
	if err := s.store.SaveMission(ctx, m); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.SweepExpirations.Inc()
	}
	s.refreshReputation(ctx, res.Outcomes)
	s.publish(ctx, &events.Event{Type: events.EventMissionFailed, MissionID: m.ID})
	if m.ParentID != "" {
		s.finalizeParent(ctx, m.ParentID)
	}
	s.logger.Printf("⏰ Mission %s expired (deadline %s)", m.ID, m.Deadline.Format(time.RFC3339))
	return nil
}

// RunSweeper loops SweepExpired on the given interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.logger.Printf("Deadline sweeper running every %s", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.SweepExpired(ctx); err != nil {
				s.logger.Printf("⚠️  Sweep error: %v", err)
			} else if n > 0 {
				s.logger.Printf("Swept %d expired missions", n)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Queries and helpers
// ---------------------------------------------------------------------------

// GetMission returns one mission.
func (s *Service) GetMission(ctx context.Context, id string) (*core.Mission, error) {
	return s.store.GetMission(ctx, id)
}

// ListMissions lists missions with an optional filter.
func (s *Service) ListMissions(ctx context.Context, filter store.MissionFilter) ([]core.Mission, error) {
	return s.store.ListMissions(ctx, filter)
}

// failBeforeStart fails a mission that never reached executing: no bonds
// exist yet, so only the escrow is refunded.
func (s *Service) failBeforeStart(ctx context.Context, m *core.Mission, reason string) error {
	if _, ok := s.escrow.Record(m.ID); ok {
		err := s.ledger.Transaction(func(tx *ledger.Tx) error {
			_, _, err := s.escrow.SlashTx(tx, m.ID, 0) // bps 0: full refund
			return err
		})
		if err != nil {
			return err
		}
	}
	m.Status = core.StatusFailed
	m.FailureReason = reason
	m.SettledAt = s.clock.Now()
	if err := s.store.SaveMission(ctx, m); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.MissionsSettled.WithLabelValues(string(core.StatusFailed)).Inc()
	}
	s.logger.Printf("Mission %s failed before start: %s", m.ID, reason)
	s.publish(ctx, &events.Event{Type: events.EventMissionFailed, MissionID: m.ID})
	return nil
}

func (s *Service) enqueueTask(ctx context.Context, agentID string, payload map[string]any, priority core.TaskPriority, deadline time.Time) {
	if s.dispatch == nil {
		return
	}
	ttl := time.Duration(0)
	if !deadline.IsZero() {
		ttl = deadline.Sub(s.clock.Now())
	}
	if _, err := s.dispatch.Enqueue(ctx, agentID, payload, priority, ttl); err != nil {
		s.logger.Printf("⚠️  Dispatch enqueue failed for agent %s: %v", agentID, err)
		return
	}
	if s.metrics != nil {
		s.metrics.DispatchEnqueued.Inc()
	}
}

func (s *Service) publish(ctx context.Context, ev *events.Event) {
	if s.bus == nil {
		return
	}
	ev.Source = "lifecycle"
	ev.Timestamp = s.clock.Now()
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.logger.Printf("⚠️  Event publish failed: %v", err)
	}
}

func (s *Service) stateErr(m *core.Mission, op string) error {
	return fmt.Errorf("%w: cannot %s mission %s in state %s", core.ErrInvalidState, op, m.ID, m.Status)
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func artifactDigests(m *core.Mission) []string {
	out := make([]string, len(m.Artifacts))
	for i, a := range m.Artifacts {
		out[i] = a.Digest
	}
	return out
}
