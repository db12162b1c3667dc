package core

import (
	"fmt"
	"time"
)

// Role distinguishes what an agent does in a mission.
type Role string

const (
	RoleWorker   Role = "worker"
	RoleVerifier Role = "verifier"
)

// IdentityKind classifies the principal behind an address.
type IdentityKind string

const (
	IdentityHuman  IdentityKind = "human"
	IdentityAgent  IdentityKind = "agent"
	IdentitySystem IdentityKind = "system"
)

// RiskTier controls how many verifiers a mission needs.
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// RequiredVerifiers maps risk to verifier count: low→1, medium→2, high→3.
func (r RiskTier) RequiredVerifiers() int {
	switch r {
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	default:
		return 1
	}
}

// AssignmentMode selects how a worker is matched to a mission.
type AssignmentMode string

const (
	ModeAutopilot  AssignmentMode = "autopilot"
	ModeBidding    AssignmentMode = "bidding"
	ModeDirectHire AssignmentMode = "direct_hire"
)

// MissionStatus is the closed set of lifecycle states. Transitions are
// monotonic in Rank order; terminal missions are immutable.
type MissionStatus string

const (
	StatusPosted      MissionStatus = "posted"
	StatusBiddingOpen MissionStatus = "bidding_open"
	StatusAssigned    MissionStatus = "assigned"
	StatusExecuting   MissionStatus = "executing"
	StatusVerifying   MissionStatus = "verifying"
	StatusSettled     MissionStatus = "settled"
	StatusFailed      MissionStatus = "failed"
)

// Rank orders statuses so backward transitions can be rejected.
// Revisions (verifying → executing) are the single sanctioned exception.
func (s MissionStatus) Rank() int {
	switch s {
	case StatusPosted:
		return 0
	case StatusBiddingOpen:
		return 1
	case StatusAssigned:
		return 2
	case StatusExecuting:
		return 3
	case StatusVerifying:
		return 4
	case StatusSettled, StatusFailed:
		return 5
	}
	return -1
}

// Terminal reports whether the mission can never change again.
func (s MissionStatus) Terminal() bool {
	return s == StatusSettled || s == StatusFailed
}

// NeuralSpec is the capability/limit declaration an agent registers with.
// The payload is opaque to the core but must carry the required fields.
type NeuralSpec struct {
	Model       string         `json:"model"`
	MaxTokens   int            `json:"max_tokens"`
	Modalities  []string       `json:"modalities"`
	Constraints map[string]any `json:"constraints,omitempty"`
}

// Validate checks the required fields without interpreting the rest.
func (n NeuralSpec) Validate() error {
	if n.Model == "" {
		return fmt.Errorf("%w: neural_spec.model is required", ErrInvalidInput)
	}
	if n.MaxTokens <= 0 {
		return fmt.Errorf("%w: neural_spec.max_tokens must be positive", ErrInvalidInput)
	}
	if len(n.Modalities) == 0 {
		return fmt.Errorf("%w: neural_spec.modalities must be non-empty", ErrInvalidInput)
	}
	return nil
}

// Agent is a registered worker or verifier.
type Agent struct {
	ID           string       `json:"id"`
	Address      string       `json:"address"`
	Kind         IdentityKind `json:"kind"`
	Role         Role         `json:"role"`
	Capabilities []string     `json:"capabilities"`
	MinFee       int64        `json:"min_fee"`
	MinBond      int64        `json:"min_bond"`
	Reputation   int          `json:"reputation"` // 0-100
	Active       bool         `json:"active"`
	RegisteredBy string       `json:"registered_by"`
	NeuralSpec   NeuralSpec   `json:"neural_spec"`
	RegisteredAt time.Time    `json:"registered_at"`
}

// HasCapabilities reports whether the agent covers every required tag.
func (a *Agent) HasCapabilities(tags []string) bool {
	for _, want := range tags {
		found := false
		for _, have := range a.Capabilities {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Bid is a worker's offer during the bidding window.
type Bid struct {
	ID         string        `json:"id"`
	MissionID  string        `json:"mission_id"`
	AgentID    string        `json:"agent_id"`
	Price      int64         `json:"price"`
	ETA        time.Duration `json:"eta"`
	BondPledge int64         `json:"bond_pledge"`
	PlacedAt   time.Time     `json:"placed_at"`
}

// Artifact is a digest-addressed work product submitted for verification.
type Artifact struct {
	Digest    string    `json:"digest"`
	Size      int64     `json:"size"`
	Submitter string    `json:"submitter"`
	At        time.Time `json:"at"`
}

// Mission is a priced unit of work with a reward, deadline, and lifecycle.
type Mission struct {
	ID                string         `json:"id"`
	ParentID          string         `json:"parent_id,omitempty"` // set for crew subtasks
	RequesterID       string         `json:"requester_id"`
	Objective         string         `json:"objective"`
	Reward            int64          `json:"reward"`
	Deadline          time.Time      `json:"deadline"`
	Specialties       []string       `json:"specialties"`
	Risk              RiskTier       `json:"risk"`
	Mode              AssignmentMode `json:"assignment_mode"`
	DirectHireAgent   string         `json:"direct_hire_agent,omitempty"`
	Status            MissionStatus  `json:"status"`
	FailureReason     string         `json:"failure_reason,omitempty"`
	AssignedWorker    string         `json:"assigned_worker,omitempty"`
	AssignedVerifiers []string       `json:"assigned_verifiers,omitempty"` // up to 3
	RequiredVerifiers int            `json:"required_verifiers"`
	Bids              []Bid          `json:"bids,omitempty"`
	Artifacts         []Artifact     `json:"artifacts,omitempty"`
	Revisions         int            `json:"revisions"`
	Rating            int            `json:"rating,omitempty"` // 1-5 requester rating, 0 when absent
	BiddingCloseAt    time.Time      `json:"bidding_close_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	AssignedAt        time.Time      `json:"assigned_at,omitempty"`
	StartedAt         time.Time      `json:"started_at,omitempty"`
	SubmittedAt       time.Time      `json:"submitted_at,omitempty"`
	SettledAt         time.Time      `json:"settled_at,omitempty"`
}

// Verdict is a single verifier's PASS/FAIL call.
type Verdict string

const (
	VerdictPass Verdict = "PASS"
	VerdictFail Verdict = "FAIL"
)

// Vote is one verifier's verdict on a mission; at most one per verifier.
type Vote struct {
	MissionID  string    `json:"mission_id"`
	VerifierID string    `json:"verifier_id"`
	Verdict    Verdict   `json:"verdict"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// ConsensusOutcome is the aggregate decision over a mission's votes.
type ConsensusOutcome string

const (
	OutcomePass    ConsensusOutcome = "PASS"
	OutcomeFail    ConsensusOutcome = "FAIL"
	OutcomeDispute ConsensusOutcome = "DISPUTE"
)

// OutcomeKind is the per-agent result recorded after settlement.
type OutcomeKind string

const (
	OutcomeKindPass    OutcomeKind = "PASS"
	OutcomeKindFail    OutcomeKind = "FAIL"
	OutcomeKindOutlier OutcomeKind = "OUTLIER"
)

// JobOutcome is the append-only record reputation is recomputed from.
type JobOutcome struct {
	AgentID      string      `json:"agent_id"`
	MissionID    string      `json:"mission_id"`
	Role         Role        `json:"role"`
	Outcome      OutcomeKind `json:"outcome"`
	RewardEarned int64       `json:"reward_earned"`
	BondSlashed  int64       `json:"bond_slashed"`
	Rating       int         `json:"rating,omitempty"` // 1-5, 0 when absent
	Specialties  []string    `json:"specialties,omitempty"`
	At           time.Time   `json:"at"`
}

// LockState tracks escrow and bond records through their lifecycle.
type LockState string

const (
	LockLocked   LockState = "locked"
	LockReleased LockState = "released"
	LockSlashed  LockState = "slashed"
)

// EscrowRecord holds a requester's reward lock for one mission.
type EscrowRecord struct {
	MissionID     string    `json:"mission_id"`
	Owner         string    `json:"owner"`
	Amount        int64     `json:"amount"`
	State         LockState `json:"state"`
	ReleasedTo    string    `json:"released_to,omitempty"`
	SlashedAmount int64     `json:"slashed_amount,omitempty"`
	LockedAt      time.Time `json:"locked_at"`
	ResolvedAt    time.Time `json:"resolved_at,omitempty"`
}

// BondRecord holds an agent's stake for one mission and role.
type BondRecord struct {
	AgentID    string    `json:"agent_id"`
	MissionID  string    `json:"mission_id"`
	Role       Role      `json:"role"`
	Amount     int64     `json:"amount"`
	State      LockState `json:"state"`
	StakedAt   time.Time `json:"staked_at"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

// TaskPriority orders dispatch tasks within an agent's queue.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityNormal TaskPriority = "normal"
	PriorityHigh   TaskPriority = "high"
)

// Weight gives priorities a sortable order (higher first).
func (p TaskPriority) Weight() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// DispatchTask is one unit in an agent's FIFO work queue.
type DispatchTask struct {
	ID             string         `json:"id"`
	AgentID        string         `json:"agent_id"`
	Payload        map[string]any `json:"payload"`
	Priority       TaskPriority   `json:"priority"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	AcknowledgedAt time.Time      `json:"acknowledged_at,omitempty"`
}

// Acknowledged reports whether the task has been acked.
func (t *DispatchTask) Acknowledged() bool { return !t.AcknowledgedAt.IsZero() }

// Expired reports whether the task is past its TTL at the given instant.
func (t *DispatchTask) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// ReputationEvent is a chain-mirrored reputation change (indexer stream).
type ReputationEvent struct {
	AgentAddress string    `json:"agent_address"`
	OldScore     int       `json:"old_score"`
	NewScore     int       `json:"new_score"`
	Reason       string    `json:"reason"`
	TxHash       string    `json:"tx_hash"`
	LogIndex     uint      `json:"log_index"`
	At           time.Time `json:"at"`
}

// ChainTask mirrors the on-chain task object indexed from Manager events.
type ChainTask struct {
	TaskID     uint64    `json:"task_id"`
	ProposalID uint64    `json:"proposal_id"`
	Proposer   string    `json:"proposer"`
	Worker     string    `json:"worker"`
	Verifier   string    `json:"verifier"`
	Objective  string    `json:"objective"`
	Escrow     int64     `json:"escrow"`
	Status     string    `json:"status"`
	Payout     int64     `json:"payout,omitempty"`
	Deadline   time.Time `json:"deadline"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Clock abstracts time so tests can drive deadlines deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
