package indexer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/clawger/backend/internal/core"
	"github.com/clawger/backend/internal/monitoring"
	"github.com/clawger/backend/internal/store"
)

// ChainRPC is the slice of the Ethereum JSON-RPC surface the indexer needs.
// *ethclient.Client satisfies it.
type ChainRPC interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

// Options tunes the scan loop. Zero values fall back to the documented
// defaults (10s poll, 90-block windows, 200-block safe lookback).
type Options struct {
	PollInterval time.Duration
	LogRange     uint64
	SafeLookback uint64
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Second
	}
	if o.LogRange == 0 {
		o.LogRange = 90
	}
	if o.SafeLookback == 0 {
		o.SafeLookback = 200
	}
	return o
}

const (
	maxBackoff     = 60 * time.Second
	maxRPCAttempts = 5
)

// Indexer tails one contract's logs and mirrors them into the store. Run
// two of these (registry + manager) for the full chain view.
type Indexer struct {
	stream   string
	contract common.Address
	abi      abi.ABI
	rpc      ChainRPC
	store    store.ChainStore
	metrics  *monitoring.Metrics
	opts     Options
	logger   *log.Logger

	// decodeInput is set on the Manager stream for submitProposal calldata
	// decoding; nil on the registry stream.
	decodeInput *abi.ABI
}

// NewRegistryIndexer tails AgentRegistered / ReputationUpdated events.
func NewRegistryIndexer(rpc ChainRPC, st store.ChainStore, registry common.Address, m *monitoring.Metrics, opts Options) *Indexer {
	parsed := MustParseRegistryABI()
	return &Indexer{
		stream:   StreamAgentRegistry,
		contract: registry,
		abi:      parsed,
		rpc:      rpc,
		store:    st,
		metrics:  m,
		opts:     opts.withDefaults(),
		logger:   log.New(log.Writer(), "[INDEXER] ", log.LstdFlags),
	}
}

// NewManagerIndexer tails proposal and task lifecycle events.
func NewManagerIndexer(rpc ChainRPC, st store.ChainStore, manager common.Address, m *monitoring.Metrics, opts Options) *Indexer {
	parsed := MustParseManagerABI()
	return &Indexer{
		stream:      StreamManager,
		contract:    manager,
		abi:         parsed,
		rpc:         rpc,
		store:       st,
		metrics:     m,
		opts:        opts.withDefaults(),
		logger:      log.New(log.Writer(), "[INDEXER] ", log.LstdFlags),
		decodeInput: &parsed,
	}
}

// Run tails the chain until the context is cancelled or the stream hits
// ABI drift. On drift it logs loudly and stops this stream only; the other
// stream keeps running.
func (ix *Indexer) Run(ctx context.Context) error {
	ix.logger.Printf("🔍 %s stream starting (contract=%s range=%d)", ix.stream, ix.contract.Hex(), ix.opts.LogRange)
	backoff := time.Second
	for {
		advanced, err := ix.ScanOnce(ctx)
		switch {
		case err == nil:
			backoff = time.Second
			if !advanced {
				if !sleep(ctx, ix.opts.PollInterval) {
					return ctx.Err()
				}
			}
		case errors.Is(err, core.ErrABIDrift):
			ix.logger.Printf("🚨 %s stream halted: %v — redeploy with a matching ABI before resuming", ix.stream, err)
			if ix.metrics != nil {
				ix.metrics.IndexerErrors.WithLabelValues(ix.stream).Inc()
			}
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			if ix.metrics != nil {
				ix.metrics.IndexerErrors.WithLabelValues(ix.stream).Inc()
			}
			ix.logger.Printf("⚠️ %s scan failed, retrying in %s: %v", ix.stream, backoff, err)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// ScanOnce processes at most one log window. It returns true when the
// cursor advanced, false when the stream is already at head. The cursor
// never moves unless the whole window applied.
func (ix *Indexer) ScanOnce(ctx context.Context) (bool, error) {
	cursor, err := ix.store.GetCursor(ctx, ix.stream)
	if err != nil {
		return false, fmt.Errorf("load cursor: %w", err)
	}

	head, err := ix.blockNumber(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: head: %v", core.ErrUpstreamUnavailable, err)
	}

	if head > ix.opts.SafeLookback && cursor < head-ix.opts.SafeLookback {
		jumped := head - ix.opts.SafeLookback
		ix.logger.Printf("⚠️ %s cursor %d is %d blocks behind head %d, jumping to %d (history skipped)",
			ix.stream, cursor, head-cursor, head, jumped)
		cursor = jumped
	}

	if cursor >= head {
		return false, nil
	}

	from := cursor + 1
	to := from + ix.opts.LogRange - 1
	if to > head {
		to = head
	}

	batch, err := ix.scanWindow(ctx, from, to)
	if err != nil {
		return false, err
	}
	if err := ix.store.ApplyChainBatch(ctx, *batch); err != nil {
		return false, fmt.Errorf("apply batch [%d,%d]: %w", from, to, err)
	}
	if ix.metrics != nil {
		ix.metrics.IndexerBlocks.WithLabelValues(ix.stream).Add(float64(to - from + 1))
	}
	if n := len(batch.Agents) + len(batch.ReputationEvents) + len(batch.Tasks) + len(batch.TaskStatuses); n > 0 {
		ix.logger.Printf("✅ %s indexed blocks %d-%d (%d records)", ix.stream, from, to, n)
	}
	return true, nil
}

// scanWindow fetches and decodes one inclusive block range into a batch.
// Nothing is written; the caller applies the batch atomically.
func (ix *Indexer) scanWindow(ctx context.Context, from, to uint64) (*store.ChainBatch, error) {
	logs, err := ix.filterLogs(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: logs [%d,%d]: %v", core.ErrUpstreamUnavailable, from, to, err)
	}

	batch := &store.ChainBatch{Stream: ix.stream, NewCursor: to}
	for _, lg := range logs {
		if lg.Removed || len(lg.Topics) == 0 {
			continue
		}
		if ix.decodeInput != nil {
			if err := ix.decodeManager(ctx, lg, batch); err != nil {
				return nil, err
			}
		} else {
			if err := decodeRegistryLog(ix.abi, lg, batch); err != nil {
				return nil, err
			}
		}
	}
	return batch, nil
}

func (ix *Indexer) decodeManager(ctx context.Context, lg types.Log, batch *store.ChainBatch) error {
	objective := ""
	if ev, err := ix.abi.EventByID(lg.Topics[0]); err == nil && ev.Name == "ProposalSubmitted" {
		objective = ix.fetchObjective(ctx, lg.TxHash)
	}
	return decodeManagerLog(ix.abi, lg, objective, batch)
}

// fetchObjective pulls the objective out of the submitting transaction's
// calldata. Any failure degrades to the sentinel, never to a lost event.
func (ix *Indexer) fetchObjective(ctx context.Context, txHash common.Hash) string {
	tx, _, err := ix.rpc.TransactionByHash(ctx, txHash)
	if err != nil || tx == nil {
		ix.logger.Printf("⚠️ %s objective lookup failed for tx %s: %v", ix.stream, txHash.Hex(), err)
		return ObjectiveUnavailable
	}
	objective, err := decodeObjective(*ix.decodeInput, tx.Data())
	if err != nil {
		ix.logger.Printf("⚠️ %s objective decode failed for tx %s: %v", ix.stream, txHash.Hex(), err)
		return ObjectiveUnavailable
	}
	return objective
}

func (ix *Indexer) blockNumber(ctx context.Context) (uint64, error) {
	var head uint64
	err := withRetry(ctx, func() error {
		var e error
		head, e = ix.rpc.BlockNumber(ctx)
		return e
	})
	return head, err
}

func (ix *Indexer) filterLogs(ctx context.Context, from, to uint64) ([]types.Log, error) {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{ix.contract},
	}
	var logs []types.Log
	err := withRetry(ctx, func() error {
		var e error
		logs, e = ix.rpc.FilterLogs(ctx, q)
		return e
	})
	return logs, err
}

// withRetry retries a transient RPC call with doubling backoff, capped at
// maxBackoff, giving up after maxRPCAttempts.
func withRetry(ctx context.Context, fn func() error) error {
	backoff := time.Second
	var err error
	for attempt := 1; attempt <= maxRPCAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == maxRPCAttempts {
			break
		}
		if !sleep(ctx, backoff) {
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
