package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/calehh/council-relay/types"
)

// EncodeLog builds the contract log the ledger emits for ev. It is the
// inverse of Decoder.Decode and is used to drive the indexer from fixtures.
func EncodeLog(contract common.Address, ev types.Event) (gethtypes.Log, error) {
	var (
		topics []common.Hash
		data   []interface{}
	)
	id := func(v uint64) common.Hash { return common.BigToHash(new(big.Int).SetUint64(v)) }
	addr := func(s string) common.Hash { return common.BytesToHash(common.HexToAddress(s).Bytes()) }

	switch e := ev.(type) {
	case types.EventTaskCreated:
		topics = []common.Hash{id(e.TaskId), addr(e.Creator)}
		bounty, ok := new(big.Int).SetString(e.Bounty, 10)
		if !ok {
			return gethtypes.Log{}, fmt.Errorf("bounty %q is not a decimal integer", e.Bounty)
		}
		data = []interface{}{e.Description, e.Options, bounty,
			new(big.Int).SetUint64(e.RequiredAgents), new(big.Int).SetUint64(e.DeliberationDuration)}
	case types.EventAgentJoined:
		topics = []common.Hash{id(e.TaskId), addr(e.Agent)}
	case types.EventTaskStarted:
		topics = []common.Hash{id(e.TaskId)}
		data = []interface{}{big.NewInt(e.StartTime)}
	case types.EventTaskCancelled:
		topics = []common.Hash{id(e.TaskId)}
	case types.EventPhaseAdvanced:
		topics = []common.Hash{id(e.TaskId)}
		data = []interface{}{uint8(e.Phase)}
	case types.EventCommitSubmitted:
		topics = []common.Hash{id(e.TaskId), addr(e.Agent)}
	case types.EventRevealSubmitted:
		topics = []common.Hash{id(e.TaskId), addr(e.Agent)}
		data = []interface{}{e.Option}
	case types.EventTaskResolved:
		topics = []common.Hash{id(e.TaskId)}
		data = []interface{}{e.WinningOption, e.IsTie}
	default:
		return gethtypes.Log{}, fmt.Errorf("unsupported event %T", ev)
	}

	abiEvent, ok := CouncilABI.Events[ev.Kind()]
	if !ok {
		return gethtypes.Log{}, fmt.Errorf("event %s not in abi", ev.Kind())
	}
	packed, err := abiEvent.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		return gethtypes.Log{}, err
	}
	pos := ev.Pos()
	return gethtypes.Log{
		Address:     contract,
		Topics:      append([]common.Hash{abiEvent.ID}, topics...),
		Data:        packed,
		BlockNumber: pos.Block,
		TxHash:      common.HexToHash(pos.TxHash),
		TxIndex:     pos.TxIndex,
		Index:       pos.LogIndex,
	}, nil
}
