// Package indexer mirrors on-chain state into the durable store. Two
// streams run independently: AgentRegistry (agent identity and reputation)
// and Manager (proposals and tasks). Each stream owns its own cursor and
// advances it atomically with the window's upserts.
package indexer

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/clawger/backend/internal/core"
	"github.com/clawger/backend/internal/store"
)

// Stream names; also the cursor keys.
const (
	StreamAgentRegistry = "AgentRegistry"
	StreamManager       = "Manager"
)

// ObjectiveUnavailable is stored when the submitting transaction's input
// cannot be decoded.
const ObjectiveUnavailable = "(objective unavailable)"

const agentRegistryABI = `[
  {"type":"event","name":"AgentRegistered","inputs":[
    {"name":"agent","type":"address","indexed":true},
    {"name":"agentType","type":"uint8","indexed":false},
    {"name":"minFee","type":"uint256","indexed":false},
    {"name":"minBond","type":"uint256","indexed":false},
    {"name":"capabilities","type":"string[]","indexed":false}]},
  {"type":"event","name":"ReputationUpdated","inputs":[
    {"name":"agent","type":"address","indexed":true},
    {"name":"oldScore","type":"uint256","indexed":false},
    {"name":"newScore","type":"uint256","indexed":false},
    {"name":"reason","type":"string","indexed":false}]}
]`

const managerABI = `[
  {"type":"event","name":"ProposalSubmitted","inputs":[
    {"name":"proposalId","type":"uint256","indexed":true},
    {"name":"proposer","type":"address","indexed":true},
    {"name":"escrow","type":"uint256","indexed":false},
    {"name":"deadline","type":"uint256","indexed":false}]},
  {"type":"event","name":"ProposalAccepted","inputs":[
    {"name":"proposalId","type":"uint256","indexed":true},
    {"name":"taskId","type":"uint256","indexed":true},
    {"name":"worker","type":"address","indexed":false},
    {"name":"verifier","type":"address","indexed":false}]},
  {"type":"event","name":"WorkerBondPosted","inputs":[
    {"name":"taskId","type":"uint256","indexed":true},
    {"name":"worker","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"TaskStarted","inputs":[
    {"name":"taskId","type":"uint256","indexed":true}]},
  {"type":"event","name":"TaskCompleted","inputs":[
    {"name":"taskId","type":"uint256","indexed":true}]},
  {"type":"event","name":"TaskSettled","inputs":[
    {"name":"taskId","type":"uint256","indexed":true},
    {"name":"success","type":"bool","indexed":false},
    {"name":"payout","type":"uint256","indexed":false}]},
  {"type":"event","name":"TaskExpired","inputs":[
    {"name":"taskId","type":"uint256","indexed":true}]},
  {"type":"function","name":"submitProposal","inputs":[
    {"name":"objective","type":"string"},
    {"name":"escrow","type":"uint256"},
    {"name":"deadline","type":"uint256"}]}
]`

// MustParseRegistryABI parses the AgentRegistry event ABI.
func MustParseRegistryABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(agentRegistryABI))
	if err != nil {
		panic(fmt.Sprintf("registry ABI: %v", err))
	}
	return parsed
}

// MustParseManagerABI parses the Manager event ABI.
func MustParseManagerABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(managerABI))
	if err != nil {
		panic(fmt.Sprintf("manager ABI: %v", err))
	}
	return parsed
}

// checkShape is the ABI-drift guard: the log must carry exactly the indexed
// topic count the compiled-in ABI expects.
func checkShape(ev abi.Event, lg types.Log) error {
	indexed := 0
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed++
		}
	}
	if len(lg.Topics)-1 != indexed {
		return fmt.Errorf("%w: event %s expects %d indexed args, log has %d",
			core.ErrABIDrift, ev.Name, indexed, len(lg.Topics)-1)
	}
	return nil
}

func addrTopic(t common.Hash) string {
	return common.BytesToAddress(t.Bytes()).Hex()
}

func u64Topic(t common.Hash) uint64 {
	return new(big.Int).SetBytes(t.Bytes()).Uint64()
}

// decodeRegistryLog turns one AgentRegistry log into batch mutations.
func decodeRegistryLog(parsed abi.ABI, lg types.Log, batch *store.ChainBatch) error {
	ev, err := parsed.EventByID(lg.Topics[0])
	if err != nil {
		return nil // unknown topic: another contract's log, skip
	}
	if err := checkShape(*ev, lg); err != nil {
		return err
	}

	vals, err := ev.Inputs.NonIndexed().Unpack(lg.Data)
	if err != nil {
		return fmt.Errorf("decode %s: %w", ev.Name, err)
	}

	switch ev.Name {
	case "AgentRegistered":
		agentType := vals[0].(uint8)
		role := core.RoleWorker
		if agentType == 1 {
			role = core.RoleVerifier
		}
		address := addrTopic(lg.Topics[1])
		batch.Agents = append(batch.Agents, core.Agent{
			ID:           address,
			Address:      address,
			Kind:         core.IdentityAgent,
			Role:         role,
			MinFee:       vals[1].(*big.Int).Int64(),
			MinBond:      vals[2].(*big.Int).Int64(),
			Capabilities: vals[3].([]string),
			Reputation:   core.ReputationBase,
			Active:       true,
			RegisteredAt: time.Now().UTC(),
		})
	case "ReputationUpdated":
		batch.ReputationEvents = append(batch.ReputationEvents, core.ReputationEvent{
			AgentAddress: addrTopic(lg.Topics[1]),
			OldScore:     int(vals[0].(*big.Int).Int64()),
			NewScore:     int(vals[1].(*big.Int).Int64()),
			Reason:       vals[2].(string),
			TxHash:       lg.TxHash.Hex(),
			LogIndex:     lg.Index,
			At:           time.Now().UTC(),
		})
	}
	return nil
}

// decodeManagerLog turns one Manager log into batch mutations. The objective
// for ProposalSubmitted comes from the submitting transaction's input,
// fetched by the caller.
func decodeManagerLog(parsed abi.ABI, lg types.Log, objective string, batch *store.ChainBatch) error {
	ev, err := parsed.EventByID(lg.Topics[0])
	if err != nil {
		return nil
	}
	if err := checkShape(*ev, lg); err != nil {
		return err
	}

	vals, err := ev.Inputs.NonIndexed().Unpack(lg.Data)
	if err != nil {
		return fmt.Errorf("decode %s: %w", ev.Name, err)
	}

	now := time.Now().UTC()
	switch ev.Name {
	case "ProposalSubmitted":
		batch.Tasks = append(batch.Tasks, core.ChainTask{
			ProposalID: u64Topic(lg.Topics[1]),
			TaskID:     u64Topic(lg.Topics[1]), // task id mirrors proposal id until acceptance
			Proposer:   addrTopic(lg.Topics[2]),
			Objective:  objective,
			Escrow:     vals[0].(*big.Int).Int64(),
			Deadline:   time.Unix(vals[1].(*big.Int).Int64(), 0).UTC(),
			Status:     "pending",
			UpdatedAt:  now,
		})
	case "ProposalAccepted":
		batch.Tasks = append(batch.Tasks, core.ChainTask{
			ProposalID: u64Topic(lg.Topics[1]),
			TaskID:     u64Topic(lg.Topics[2]),
			Worker:     vals[0].(common.Address).Hex(),
			Verifier:   vals[1].(common.Address).Hex(),
			Status:     "accepted",
			UpdatedAt:  now,
		})
	case "WorkerBondPosted":
		batch.Tasks = append(batch.Tasks, core.ChainTask{
			TaskID:    u64Topic(lg.Topics[1]),
			Worker:    addrTopic(lg.Topics[2]),
			Status:    "bonded",
			UpdatedAt: now,
		})
	case "TaskStarted":
		batch.TaskStatuses = append(batch.TaskStatuses, store.ChainTaskStatus{
			TaskID: u64Topic(lg.Topics[1]), Status: "started",
		})
	case "TaskCompleted":
		batch.TaskStatuses = append(batch.TaskStatuses, store.ChainTaskStatus{
			TaskID: u64Topic(lg.Topics[1]), Status: "completed",
		})
	case "TaskSettled":
		status := "settled"
		if !vals[0].(bool) {
			status = "failed"
		}
		batch.TaskStatuses = append(batch.TaskStatuses, store.ChainTaskStatus{
			TaskID: u64Topic(lg.Topics[1]), Status: status, Payout: vals[1].(*big.Int).Int64(),
		})
	case "TaskExpired":
		batch.TaskStatuses = append(batch.TaskStatuses, store.ChainTaskStatus{
			TaskID: u64Topic(lg.Topics[1]), Status: "expired",
		})
	}
	return nil
}

// decodeObjective extracts the objective string from submitProposal call
// data. The selector is stripped before unpacking.
func decodeObjective(parsed abi.ABI, input []byte) (string, error) {
	method, ok := parsed.Methods["submitProposal"]
	if !ok || len(input) < 4 {
		return "", fmt.Errorf("input too short for submitProposal")
	}
	vals, err := method.Inputs.Unpack(input[4:])
	if err != nil {
		return "", err
	}
	objective, ok := vals[0].(string)
	if !ok {
		return "", fmt.Errorf("first argument is not a string")
	}
	return objective, nil
}
