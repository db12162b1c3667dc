package relayer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"

	"github.com/clawger/backend/internal/core"
	"github.com/clawger/backend/internal/monitoring"
	"github.com/clawger/backend/internal/store"
)

// proposalCacheTTL bounds how stale a "pending" check may be. A proposal
// accepted elsewhere in that window is caught by the contract itself.
const proposalCacheTTL = 30 * time.Second

// Service wraps the signer with safety checks and the audit trail. The
// chain store is the indexer's mirror; reads go through a short TTL cache
// so a burst of sign requests does not hammer the store.
type Service struct {
	signer    *Signer
	chain     store.ChainStore
	audit     store.SignatureStore
	maxEscrow int64
	clock     core.Clock
	metrics   *monitoring.Metrics
	cache     *cache.Cache
	logger    *log.Logger
}

func NewService(signer *Signer, chain store.ChainStore, audit store.SignatureStore, maxEscrow int64, clock core.Clock, m *monitoring.Metrics) *Service {
	return &Service{
		signer:    signer,
		chain:     chain,
		audit:     audit,
		maxEscrow: maxEscrow,
		clock:     clock,
		metrics:   m,
		cache:     cache.New(proposalCacheTTL, 2*proposalCacheTTL),
		logger:    log.New(log.Writer(), "[RELAYER] ", log.LstdFlags),
	}
}

// AcceptRequest is a request to sign an AcceptProposal message.
type AcceptRequest struct {
	ProposalID uint64 `json:"proposal_id"`
	Worker     string `json:"worker"`
	Verifier   string `json:"verifier"`
	WorkerBond int64  `json:"worker_bond"`
	Deadline   int64  `json:"deadline"` // unix seconds
}

// SignResult is the wire shape of an issued signature.
type SignResult struct {
	Action    string `json:"action"`
	Digest    string `json:"digest"`
	Signature string `json:"signature"`
	Signer    string `json:"signer"`
}

// SignAccept runs the safety gauntlet and, if every check passes, signs the
// acceptance. Denials return ErrSafetyRejection with the failing reason.
func (s *Service) SignAccept(ctx context.Context, req AcceptRequest, clientIP string) (*SignResult, error) {
	if !common.IsHexAddress(req.Worker) || !common.IsHexAddress(req.Verifier) {
		return nil, fmt.Errorf("%w: worker and verifier must be hex addresses", core.ErrInvalidInput)
	}
	if req.WorkerBond < 0 {
		return nil, fmt.Errorf("%w: worker bond must not be negative", core.ErrInvalidInput)
	}

	proposal, err := s.pendingProposal(ctx, req.ProposalID)
	if err != nil {
		return nil, err
	}
	if proposal.Escrow > s.maxEscrow {
		return nil, s.deny("escrow_cap", "proposal %d escrow %d exceeds cap %d", req.ProposalID, proposal.Escrow, s.maxEscrow)
	}
	deadline := time.Unix(req.Deadline, 0)
	if !deadline.After(s.clock.Now()) {
		return nil, s.deny("deadline_past", "proposal %d deadline %s is not in the future", req.ProposalID, deadline.UTC())
	}

	digest, sig, err := s.signer.SignAccept(req.ProposalID,
		common.HexToAddress(req.Worker), common.HexToAddress(req.Verifier),
		req.WorkerBond, req.Deadline)
	if err != nil {
		return nil, err
	}
	return s.issue(ctx, ActionAccept, req.ProposalID, digest, sig, clientIP, map[string]any{
		"worker":      req.Worker,
		"verifier":    req.Verifier,
		"worker_bond": req.WorkerBond,
		"deadline":    req.Deadline,
	})
}

// SignReject signs a rejection for a still-pending proposal.
func (s *Service) SignReject(ctx context.Context, proposalID uint64, clientIP string) (*SignResult, error) {
	if _, err := s.pendingProposal(ctx, proposalID); err != nil {
		return nil, err
	}
	digest, sig, err := s.signer.SignReject(proposalID)
	if err != nil {
		return nil, err
	}
	return s.issue(ctx, ActionReject, proposalID, digest, sig, clientIP, nil)
}

// Audit returns the most recent issued signatures, newest last.
func (s *Service) Audit(ctx context.Context, limit int) ([]store.SignatureRecord, error) {
	return s.audit.ListSignatures(ctx, limit)
}

// pendingProposal fetches the mirrored proposal, via the TTL cache, and
// requires it to still be pending.
func (s *Service) pendingProposal(ctx context.Context, proposalID uint64) (*core.ChainTask, error) {
	key := fmt.Sprintf("proposal:%d", proposalID)
	if hit, ok := s.cache.Get(key); ok {
		task := hit.(core.ChainTask)
		return s.requirePending(&task, proposalID)
	}
	task, err := s.chain.GetChainTask(ctx, proposalID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, s.deny("unknown_proposal", "proposal %d is not indexed", proposalID)
		}
		return nil, fmt.Errorf("%w: proposal lookup: %v", core.ErrUpstreamUnavailable, err)
	}
	s.cache.Set(key, *task, cache.DefaultExpiration)
	return s.requirePending(task, proposalID)
}

func (s *Service) requirePending(task *core.ChainTask, proposalID uint64) (*core.ChainTask, error) {
	if task.Status != "pending" {
		return nil, s.deny("not_pending", "proposal %d is %s, not pending", proposalID, task.Status)
	}
	return task, nil
}

func (s *Service) deny(reason, format string, args ...any) error {
	if s.metrics != nil {
		s.metrics.SignatureDenials.WithLabelValues(reason).Inc()
	}
	s.logger.Printf("🚫 sign denied (%s): %s", reason, fmt.Sprintf(format, args...))
	return fmt.Errorf("%w: "+format, append([]any{core.ErrSafetyRejection}, args...)...)
}

func (s *Service) issue(ctx context.Context, action string, proposalID uint64, digest, sig []byte, clientIP string, message map[string]any) (*SignResult, error) {
	rec := &store.SignatureRecord{
		ID:         uuid.NewString(),
		Action:     action,
		ProposalID: proposalID,
		Digest:     "0x" + hex.EncodeToString(digest),
		Signature:  "0x" + hex.EncodeToString(sig),
		Message:    message,
		ClientIP:   clientIP,
		At:         s.clock.Now().UTC(),
	}
	if err := s.audit.AppendSignature(ctx, rec); err != nil {
		// The signature is not released without its audit row.
		return nil, fmt.Errorf("append audit record: %w", err)
	}
	if s.metrics != nil {
		s.metrics.SignaturesIssued.WithLabelValues(action).Inc()
	}
	s.logger.Printf("✅ signed %s for proposal %d (client=%s)", action, proposalID, clientIP)
	return &SignResult{
		Action:    action,
		Digest:    rec.Digest,
		Signature: rec.Signature,
		Signer:    s.signer.Address().Hex(),
	}, nil
}
