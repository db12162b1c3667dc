package indexer

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawger/backend/internal/core"
	"github.com/clawger/backend/internal/store"
)

var (
	registryAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	managerAddr  = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	workerAddr   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	proposerAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

// fakeRPC serves a fixed chain: a head height, canned logs, and canned
// transactions keyed by hash.
type fakeRPC struct {
	head uint64
	logs []ethtypes.Log
	txs  map[common.Hash]*ethtypes.Transaction

	filterCalls int
}

func (f *fakeRPC) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeRPC) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	f.filterCalls++
	var out []ethtypes.Log
	for _, lg := range f.logs {
		if lg.BlockNumber >= q.FromBlock.Uint64() && lg.BlockNumber <= q.ToBlock.Uint64() {
			for _, addr := range q.Addresses {
				if lg.Address == addr {
					out = append(out, lg)
				}
			}
		}
	}
	return out, nil
}

func (f *fakeRPC) TransactionByHash(_ context.Context, h common.Hash) (*ethtypes.Transaction, bool, error) {
	tx, ok := f.txs[h]
	if !ok {
		return nil, false, core.ErrNotFound
	}
	return tx, false, nil
}

func uintTopic(v uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(v))
}

func agentRegisteredLog(t *testing.T, block uint64, agent common.Address) ethtypes.Log {
	t.Helper()
	parsed := MustParseRegistryABI()
	ev := parsed.Events["AgentRegistered"]
	data, err := ev.Inputs.NonIndexed().Pack(uint8(0), big.NewInt(5), big.NewInt(10), []string{"golang"})
	require.NoError(t, err)
	return ethtypes.Log{
		Address:     registryAddr,
		Topics:      []common.Hash{ev.ID, common.BytesToHash(agent.Bytes())},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash("0x01"),
		Index:       0,
	}
}

func reputationUpdatedLog(t *testing.T, block uint64, agent common.Address, oldScore, newScore int64) ethtypes.Log {
	t.Helper()
	parsed := MustParseRegistryABI()
	ev := parsed.Events["ReputationUpdated"]
	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(oldScore), big.NewInt(newScore), "task settled")
	require.NoError(t, err)
	return ethtypes.Log{
		Address:     registryAddr,
		Topics:      []common.Hash{ev.ID, common.BytesToHash(agent.Bytes())},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash("0x02"),
		Index:       1,
	}
}

func proposalSubmittedLog(t *testing.T, block, proposalID uint64, txHash common.Hash) ethtypes.Log {
	t.Helper()
	parsed := MustParseManagerABI()
	ev := parsed.Events["ProposalSubmitted"]
	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(500), big.NewInt(1_900_000_000))
	require.NoError(t, err)
	return ethtypes.Log{
		Address:     managerAddr,
		Topics:      []common.Hash{ev.ID, uintTopic(proposalID), common.BytesToHash(proposerAddr.Bytes())},
		Data:        data,
		BlockNumber: block,
		TxHash:      txHash,
		Index:       0,
	}
}

func submitProposalTx(t *testing.T, objective string) *ethtypes.Transaction {
	t.Helper()
	parsed := MustParseManagerABI()
	method := parsed.Methods["submitProposal"]
	args, err := method.Inputs.Pack(objective, big.NewInt(500), big.NewInt(1_900_000_000))
	require.NoError(t, err)
	return ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce: 1,
		To:    &managerAddr,
		Data:  append(method.ID, args...),
	})
}

func taskSettledLog(t *testing.T, block, taskID uint64, success bool, payout int64) ethtypes.Log {
	t.Helper()
	parsed := MustParseManagerABI()
	ev := parsed.Events["TaskSettled"]
	data, err := ev.Inputs.NonIndexed().Pack(success, big.NewInt(payout))
	require.NoError(t, err)
	return ethtypes.Log{
		Address:     managerAddr,
		Topics:      []common.Hash{ev.ID, uintTopic(taskID)},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash("0x04"),
		Index:       2,
	}
}

func TestRegistryScanMirrorsAgentsAndReputation(t *testing.T) {
	mem := store.NewMemory()
	rpc := &fakeRPC{
		head: 50,
		logs: []ethtypes.Log{
			agentRegisteredLog(t, 10, workerAddr),
			reputationUpdatedLog(t, 12, workerAddr, 50, 52),
		},
	}
	ix := NewRegistryIndexer(rpc, mem, registryAddr, nil, Options{})

	advanced, err := ix.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, advanced)

	assert.Equal(t, 1, mem.AgentCount())
	assert.Equal(t, 1, mem.ReputationEventCount())

	agent, err := mem.GetAgent(context.Background(), workerAddr.Hex())
	require.NoError(t, err)
	assert.Equal(t, core.RoleWorker, agent.Role)
	assert.Equal(t, []string{"golang"}, agent.Capabilities)
	assert.Equal(t, 52, agent.Reputation) // mirror follows the chain's score

	cursor, err := mem.GetCursor(context.Background(), StreamAgentRegistry)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), cursor)
}

func TestManagerScanDecodesObjectiveFromCalldata(t *testing.T) {
	txHash := common.HexToHash("0x03")
	mem := store.NewMemory()
	rpc := &fakeRPC{
		head: 20,
		logs: []ethtypes.Log{
			proposalSubmittedLog(t, 5, 7, txHash),
			taskSettledLog(t, 9, 7, true, 450),
		},
		txs: map[common.Hash]*ethtypes.Transaction{
			txHash: submitProposalTx(t, "summarise weekly deploy logs"),
		},
	}
	ix := NewManagerIndexer(rpc, mem, managerAddr, nil, Options{})

	_, err := ix.ScanOnce(context.Background())
	require.NoError(t, err)

	task, err := mem.GetChainTask(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "summarise weekly deploy logs", task.Objective)
	assert.Equal(t, proposerAddr.Hex(), task.Proposer)
	assert.Equal(t, int64(500), task.Escrow)
	assert.Equal(t, "settled", task.Status)
	assert.Equal(t, int64(450), task.Payout)
}

func TestManagerScanFallsBackToSentinelObjective(t *testing.T) {
	txHash := common.HexToHash("0x05")
	mem := store.NewMemory()
	rpc := &fakeRPC{
		head: 20,
		logs: []ethtypes.Log{proposalSubmittedLog(t, 5, 8, txHash)},
		// no tx behind the hash: the lookup fails
	}
	ix := NewManagerIndexer(rpc, mem, managerAddr, nil, Options{})

	_, err := ix.ScanOnce(context.Background())
	require.NoError(t, err)

	task, err := mem.GetChainTask(context.Background(), 8)
	require.NoError(t, err)
	assert.Equal(t, ObjectiveUnavailable, task.Objective)
}

func TestReplayIsIdempotent(t *testing.T) {
	mem := store.NewMemory()
	rpc := &fakeRPC{
		head: 50,
		logs: []ethtypes.Log{
			agentRegisteredLog(t, 10, workerAddr),
			reputationUpdatedLog(t, 12, workerAddr, 50, 52),
		},
	}
	ix := NewRegistryIndexer(rpc, mem, registryAddr, nil, Options{})
	ctx := context.Background()

	// First pass indexes the window normally.
	batch, err := ix.scanWindow(ctx, 1, 50)
	require.NoError(t, err)
	require.NoError(t, mem.ApplyChainBatch(ctx, *batch))

	// A crash-and-restart replays the same blocks. State must not change.
	replay, err := ix.scanWindow(ctx, 1, 50)
	require.NoError(t, err)
	require.NoError(t, mem.ApplyChainBatch(ctx, *replay))

	assert.Equal(t, 1, mem.AgentCount())
	assert.Equal(t, 1, mem.ReputationEventCount())
	cursor, err := mem.GetCursor(ctx, StreamAgentRegistry)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), cursor)
}

func TestABIDriftHaltsStream(t *testing.T) {
	mem := store.NewMemory()
	drifted := agentRegisteredLog(t, 10, workerAddr)
	// A redeployed contract added a second indexed argument.
	drifted.Topics = append(drifted.Topics, uintTopic(99))
	rpc := &fakeRPC{head: 50, logs: []ethtypes.Log{drifted}}
	ix := NewRegistryIndexer(rpc, mem, registryAddr, nil, Options{})

	_, err := ix.ScanOnce(context.Background())
	require.ErrorIs(t, err, core.ErrABIDrift)

	// Nothing applied, cursor untouched.
	assert.Equal(t, 0, mem.AgentCount())
	cursor, _ := mem.GetCursor(context.Background(), StreamAgentRegistry)
	assert.Equal(t, uint64(0), cursor)
}

func TestSafeLookbackJumpsStaleCursor(t *testing.T) {
	mem := store.NewMemory()
	rpc := &fakeRPC{
		head: 10_000,
		logs: []ethtypes.Log{agentRegisteredLog(t, 500, workerAddr)}, // far behind the lookback window
	}
	ix := NewRegistryIndexer(rpc, mem, registryAddr, nil, Options{SafeLookback: 200, LogRange: 90})

	advanced, err := ix.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, advanced)

	// The stale block was skipped: scanning resumed 200 blocks behind head.
	assert.Equal(t, 0, mem.AgentCount())
	cursor, err := mem.GetCursor(context.Background(), StreamAgentRegistry)
	require.NoError(t, err)
	assert.Equal(t, uint64(9890), cursor) // 9800 jump, then one 90-block window
}

func TestWindowNeverExceedsLogRange(t *testing.T) {
	mem := store.NewMemory()
	rpc := &fakeRPC{head: 250, logs: nil}
	ix := NewRegistryIndexer(rpc, mem, registryAddr, nil, Options{LogRange: 90, SafeLookback: 1000})

	_, err := ix.ScanOnce(context.Background())
	require.NoError(t, err)

	cursor, err := mem.GetCursor(context.Background(), StreamAgentRegistry)
	require.NoError(t, err)
	assert.Equal(t, uint64(90), cursor)
	assert.Equal(t, 1, rpc.filterCalls)
}
