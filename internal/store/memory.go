package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/clawger/backend/internal/core"
)

// Memory is an in-process Store used by tests and single-node development.
// Semantics mirror the Postgres store: upserts are keyed, the outcome log is
// append-only, and chain batches apply atomically under one mutex.
type Memory struct {
	mu          sync.RWMutex
	agents      map[string]core.Agent
	missions    map[string]core.Mission
	votes       map[string][]core.Vote // missionID -> votes
	outcomes    []core.JobOutcome
	tasks       map[string]core.DispatchTask
	lastPoll    map[string]time.Time
	cursors     map[string]uint64
	chainTasks  map[uint64]core.ChainTask
	repEvents   []core.ReputationEvent
	sigs        []SignatureRecord
	ledgerState []byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		agents:     make(map[string]core.Agent),
		missions:   make(map[string]core.Mission),
		votes:      make(map[string][]core.Vote),
		tasks:      make(map[string]core.DispatchTask),
		lastPoll:   make(map[string]time.Time),
		cursors:    make(map[string]uint64),
		chainTasks: make(map[uint64]core.ChainTask),
	}
}

func (m *Memory) SaveAgent(_ context.Context, agent *core.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[agent.ID] = *agent
	return nil
}

func (m *Memory) GetAgent(_ context.Context, id string) (*core.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: agent %s", core.ErrNotFound, id)
	}
	return &a, nil
}

func (m *Memory) GetAgentByAddress(_ context.Context, address string) (*core.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.agents {
		if a.Address == address {
			cp := a
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: agent with address %s", core.ErrNotFound, address)
}

func (m *Memory) ListAgents(_ context.Context, filter AgentFilter) ([]core.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.Agent
	for _, a := range m.agents {
		if filter.Role != "" && a.Role != filter.Role {
			continue
		}
		if filter.ActiveOnly && !a.Active {
			continue
		}
		if filter.Capability != "" && !a.HasCapabilities([]string{filter.Capability}) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) SaveMission(_ context.Context, mission *core.Mission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.missions[mission.ID] = *mission
	return nil
}

func (m *Memory) GetMission(_ context.Context, id string) (*core.Mission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.missions[id]
	if !ok {
		return nil, fmt.Errorf("%w: mission %s", core.ErrNotFound, id)
	}
	return &ms, nil
}

func (m *Memory) ListMissions(_ context.Context, filter MissionFilter) ([]core.Mission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.Mission
	for _, ms := range m.missions {
		if filter.Status != "" && ms.Status != filter.Status {
			continue
		}
		if filter.RequesterID != "" && ms.RequesterID != filter.RequesterID {
			continue
		}
		if filter.ParentID != "" && ms.ParentID != filter.ParentID {
			continue
		}
		out = append(out, ms)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) SaveVote(_ context.Context, vote *core.Vote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.votes[vote.MissionID] {
		if v.VerifierID == vote.VerifierID {
			return fmt.Errorf("%w: verifier %s mission %s",
				core.ErrDuplicateVote, vote.VerifierID, vote.MissionID)
		}
	}
	m.votes[vote.MissionID] = append(m.votes[vote.MissionID], *vote)
	return nil
}

func (m *Memory) VotesByMission(_ context.Context, missionID string) ([]core.Vote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.Vote, len(m.votes[missionID]))
	copy(out, m.votes[missionID])
	return out, nil
}

func (m *Memory) DeleteVotes(_ context.Context, missionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.votes, missionID)
	return nil
}

func (m *Memory) AppendOutcomes(_ context.Context, outcomes []core.JobOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcomes...)
	return nil
}

func (m *Memory) OutcomesByAgent(_ context.Context, agentID string) ([]core.JobOutcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.JobOutcome
	for _, o := range m.outcomes {
		if o.AgentID == agentID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *Memory) OutcomesByMission(_ context.Context, missionID string) ([]core.JobOutcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.JobOutcome
	for _, o := range m.outcomes {
		if o.MissionID == missionID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *Memory) RecentAssignmentCounts(_ context.Context, window int, specialties []string) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[string]int)
	matched := 0
	for i := len(m.outcomes) - 1; i >= 0 && matched < window; i-- {
		o := m.outcomes[i]
		if o.Role != core.RoleWorker || !specialtiesOverlap(o.Specialties, specialties) {
			continue
		}
		counts[o.AgentID]++
		matched++
	}
	return counts, nil
}

func specialtiesOverlap(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

func (m *Memory) SaveTask(_ context.Context, task *core.DispatchTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = *task
	return nil
}

func (m *Memory) TasksByAgent(_ context.Context, agentID string) ([]core.DispatchTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.DispatchTask
	for _, t := range m.tasks {
		if t.AgentID == agentID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) AckTasks(_ context.Context, taskIDs []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range taskIDs {
		t, ok := m.tasks[id]
		if !ok || t.Acknowledged() {
			continue // ack is idempotent
		}
		t.AcknowledgedAt = at
		m.tasks[id] = t
	}
	return nil
}

func (m *Memory) Heartbeat(_ context.Context, agentID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPoll[agentID] = at
	return nil
}

func (m *Memory) LastPoll(_ context.Context, agentID string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastPoll[agentID], nil
}

func (m *Memory) ApplyChainBatch(_ context.Context, batch ChainBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range batch.Agents {
		existing, ok := m.agentByAddress(a.Address)
		if ok {
			a.ID = existing.ID
		}
		m.agents[a.ID] = a
	}
	for _, ev := range batch.ReputationEvents {
		if m.hasRepEvent(ev.TxHash, ev.LogIndex) {
			continue // replay no-op
		}
		m.repEvents = append(m.repEvents, ev)
		if agent, ok := m.agentByAddress(ev.AgentAddress); ok {
			agent.Reputation = ev.NewScore
			m.agents[agent.ID] = *agent
		}
	}
	for _, t := range batch.Tasks {
		m.chainTasks[t.TaskID] = mergeChainTask(m.chainTasks[t.TaskID], t)
	}
	for _, s := range batch.TaskStatuses {
		t := m.chainTasks[s.TaskID]
		t.TaskID = s.TaskID
		t.Status = s.Status
		if s.Payout != 0 {
			t.Payout = s.Payout
		}
		m.chainTasks[s.TaskID] = t
	}
	m.cursors[batch.Stream] = batch.NewCursor
	return nil
}

func (m *Memory) agentByAddress(address string) (*core.Agent, bool) {
	for _, a := range m.agents {
		if a.Address == address {
			cp := a
			return &cp, true
		}
	}
	return nil, false
}

func (m *Memory) hasRepEvent(txHash string, logIndex uint) bool {
	for _, ev := range m.repEvents {
		if ev.TxHash == txHash && ev.LogIndex == logIndex {
			return true
		}
	}
	return false
}

func mergeChainTask(old, next core.ChainTask) core.ChainTask {
	out := old
	out.TaskID = next.TaskID
	if next.ProposalID != 0 {
		out.ProposalID = next.ProposalID
	}
	if next.Proposer != "" {
		out.Proposer = next.Proposer
	}
	if next.Worker != "" {
		out.Worker = next.Worker
	}
	if next.Verifier != "" {
		out.Verifier = next.Verifier
	}
	if next.Objective != "" {
		out.Objective = next.Objective
	}
	if next.Escrow != 0 {
		out.Escrow = next.Escrow
	}
	if next.Status != "" {
		out.Status = next.Status
	}
	if next.Payout != 0 {
		out.Payout = next.Payout
	}
	if !next.Deadline.IsZero() {
		out.Deadline = next.Deadline
	}
	if !next.UpdatedAt.IsZero() {
		out.UpdatedAt = next.UpdatedAt
	}
	return out
}

func (m *Memory) GetCursor(_ context.Context, stream string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursors[stream], nil
}

func (m *Memory) GetChainTask(_ context.Context, taskID uint64) (*core.ChainTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.chainTasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: chain task %d", core.ErrNotFound, taskID)
	}
	return &t, nil
}

func (m *Memory) CountChainTasks(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chainTasks), nil
}

func (m *Memory) ReputationHistory(_ context.Context, agentAddress string) ([]core.ReputationEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.ReputationEvent
	for _, ev := range m.repEvents {
		if ev.AgentAddress == agentAddress {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *Memory) AppendSignature(_ context.Context, rec *SignatureRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sigs = append(m.sigs, *rec)
	return nil
}

func (m *Memory) ListSignatures(_ context.Context, limit int) ([]SignatureRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SignatureRecord, len(m.sigs))
	copy(out, m.sigs)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *Memory) SaveLedgerState(_ context.Context, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledgerState = append(m.ledgerState[:0], state...)
	return nil
}

func (m *Memory) LoadLedgerState(_ context.Context) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.ledgerState) == 0 {
		return nil, fmt.Errorf("%w: ledger state", core.ErrNotFound)
	}
	out := make([]byte, len(m.ledgerState))
	copy(out, m.ledgerState)
	return out, nil
}

// AgentCount reports how many agents are stored (used by replay tests).
func (m *Memory) AgentCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// ReputationEventCount reports how many reputation rows are stored.
func (m *Memory) ReputationEventCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.repEvents)
}
