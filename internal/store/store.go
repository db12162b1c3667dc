// Package store defines the durable persistence boundary. The core engines
// accept these interfaces so tests run against the in-memory store and
// deployments run against Postgres.
package store

import (
	"context"
	"time"

	"github.com/clawger/backend/internal/core"
)

// AgentFilter narrows agent listings.
type AgentFilter struct {
	Role       core.Role
	ActiveOnly bool
	Capability string
	Limit      int
}

// MissionFilter narrows mission listings.
type MissionFilter struct {
	Status      core.MissionStatus
	RequesterID string
	ParentID    string
	Limit       int
}

// AgentStore persists the agent directory.
type AgentStore interface {
	SaveAgent(ctx context.Context, agent *core.Agent) error
	GetAgent(ctx context.Context, id string) (*core.Agent, error)
	GetAgentByAddress(ctx context.Context, address string) (*core.Agent, error)
	ListAgents(ctx context.Context, filter AgentFilter) ([]core.Agent, error)
}

// MissionStore persists missions, including bids and artifacts.
type MissionStore interface {
	SaveMission(ctx context.Context, mission *core.Mission) error
	GetMission(ctx context.Context, id string) (*core.Mission, error)
	ListMissions(ctx context.Context, filter MissionFilter) ([]core.Mission, error)
}

// VoteStore persists verifier votes; at most one per (mission, verifier).
type VoteStore interface {
	SaveVote(ctx context.Context, vote *core.Vote) error
	VotesByMission(ctx context.Context, missionID string) ([]core.Vote, error)
	DeleteVotes(ctx context.Context, missionID string) error
}

// OutcomeStore is the append-only job-outcome log.
type OutcomeStore interface {
	AppendOutcomes(ctx context.Context, outcomes []core.JobOutcome) error
	OutcomesByAgent(ctx context.Context, agentID string) ([]core.JobOutcome, error)
	OutcomesByMission(ctx context.Context, missionID string) ([]core.JobOutcome, error)
	// RecentAssignmentCounts returns, per agent, how many of the most recent
	// `window` worker outcomes in the given specialties went to them. An
	// empty specialty list counts all worker outcomes.
	RecentAssignmentCounts(ctx context.Context, window int, specialties []string) (map[string]int, error)
}

// DispatchStore persists per-agent task queues and liveness.
type DispatchStore interface {
	SaveTask(ctx context.Context, task *core.DispatchTask) error
	TasksByAgent(ctx context.Context, agentID string) ([]core.DispatchTask, error)
	AckTasks(ctx context.Context, taskIDs []string, at time.Time) error
	Heartbeat(ctx context.Context, agentID string, at time.Time) error
	LastPoll(ctx context.Context, agentID string) (time.Time, error)
}

// ChainTaskStatus is a status-only update to an indexed chain task.
type ChainTaskStatus struct {
	TaskID uint64
	Status string
	Payout int64
}

// ChainBatch is one indexer window's worth of mutations. The store must
// apply the batch and advance the cursor in a single transaction, and
// every row is keyed so replaying the batch is a no-op.
type ChainBatch struct {
	Stream           string
	Agents           []core.Agent
	ReputationEvents []core.ReputationEvent
	Tasks            []core.ChainTask
	TaskStatuses     []ChainTaskStatus
	NewCursor        uint64
}

// ChainStore persists chain-mirrored records and per-stream cursors.
type ChainStore interface {
	ApplyChainBatch(ctx context.Context, batch ChainBatch) error
	GetCursor(ctx context.Context, stream string) (uint64, error)
	GetChainTask(ctx context.Context, taskID uint64) (*core.ChainTask, error)
	CountChainTasks(ctx context.Context) (int, error)
	ReputationHistory(ctx context.Context, agentAddress string) ([]core.ReputationEvent, error)
}

// SignatureRecord is one line of the relayer's append-only audit log.
type SignatureRecord struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"` // AcceptProposal | RejectProposal
	ProposalID uint64         `json:"proposal_id"`
	Digest     string         `json:"digest"`
	Signature  string         `json:"signature"`
	Message    map[string]any `json:"message"`
	ClientIP   string         `json:"client_ip"`
	At         time.Time      `json:"at"`
}

// SignatureStore persists issued signatures for audit.
type SignatureStore interface {
	AppendSignature(ctx context.Context, rec *SignatureRecord) error
	ListSignatures(ctx context.Context, limit int) ([]SignatureRecord, error)
}

// LedgerStore persists the encoded ledger image. The in-process ledger is
// the single writer: it saves on every committed mutation and the service
// loads the latest image once at startup.
type LedgerStore interface {
	SaveLedgerState(ctx context.Context, state []byte) error
	// LoadLedgerState returns core.ErrNotFound when no state has been saved.
	LoadLedgerState(ctx context.Context) ([]byte, error)
}

// Store is the full persistence surface wired into the application.
type Store interface {
	AgentStore
	MissionStore
	VoteStore
	OutcomeStore
	DispatchStore
	ChainStore
	SignatureStore
	LedgerStore
}
