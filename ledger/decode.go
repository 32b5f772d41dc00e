package ledger

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/calehh/council-relay/types"
)

var ErrMalformedLog = errors.New("malformed log")

type Decoder struct {
	abi abi.ABI
}

func NewDecoder() *Decoder {
	return &Decoder{abi: CouncilABI}
}

// Decode maps a raw contract log to a typed event. Logs of unknown kind and
// logs removed by a re-org decode to (nil, nil).
func (d *Decoder) Decode(lg gethtypes.Log) (types.Event, error) {
	if lg.Removed || len(lg.Topics) == 0 {
		return nil, nil
	}
	ev, err := d.abi.EventByID(lg.Topics[0])
	if err != nil {
		return nil, nil
	}
	f := fields{event: ev.Name, values: make(map[string]interface{})}
	if len(lg.Data) > 0 {
		if err := d.abi.UnpackIntoMap(f.values, ev.Name, lg.Data); err != nil {
			return nil, fmt.Errorf("%w: %s data: %v", ErrMalformedLog, ev.Name, err)
		}
	}
	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(lg.Topics)-1 != len(indexed) {
		return nil, fmt.Errorf("%w: %s has %d topics, want %d", ErrMalformedLog, ev.Name, len(lg.Topics)-1, len(indexed))
	}
	if err := abi.ParseTopicsIntoMap(f.values, indexed, lg.Topics[1:]); err != nil {
		return nil, fmt.Errorf("%w: %s topics: %v", ErrMalformedLog, ev.Name, err)
	}

	pos := types.Position{
		Block:    lg.BlockNumber,
		TxHash:   lg.TxHash.Hex(),
		TxIndex:  lg.TxIndex,
		LogIndex: lg.Index,
	}
	var out types.Event
	switch ev.Name {
	case types.EventTaskCreatedType:
		out = types.EventTaskCreated{
			Position:             pos,
			TaskId:               f.uint64("taskId"),
			Creator:              f.address("creator"),
			Description:          f.string("description"),
			Options:              f.strings("options"),
			Bounty:               f.amount("bounty"),
			RequiredAgents:       f.uint64("requiredAgents"),
			DeliberationDuration: uint64(f.int64("deliberationDuration")),
		}
	case types.EventAgentJoinedType:
		out = types.EventAgentJoined{Position: pos, TaskId: f.uint64("taskId"), Agent: f.address("agent")}
	case types.EventTaskStartedType:
		out = types.EventTaskStarted{Position: pos, TaskId: f.uint64("taskId"), StartTime: f.int64("startTime")}
	case types.EventTaskCancelledType:
		out = types.EventTaskCancelled{Position: pos, TaskId: f.uint64("taskId")}
	case types.EventPhaseAdvancedType:
		phase := types.Phase(f.uint8("newPhase"))
		if f.err == nil && !phase.Valid() {
			f.err = fmt.Errorf("%w: %s phase %d out of range", ErrMalformedLog, ev.Name, uint8(phase))
		}
		out = types.EventPhaseAdvanced{Position: pos, TaskId: f.uint64("taskId"), Phase: phase}
	case types.EventCommitSubmittedType:
		out = types.EventCommitSubmitted{Position: pos, TaskId: f.uint64("taskId"), Agent: f.address("agent")}
	case types.EventRevealSubmittedType:
		out = types.EventRevealSubmitted{Position: pos, TaskId: f.uint64("taskId"), Agent: f.address("agent"), Option: f.uint8("optionIndex")}
	case types.EventTaskResolvedType:
		out = types.EventTaskResolved{Position: pos, TaskId: f.uint64("taskId"), WinningOption: f.uint8("winningOption"), IsTie: f.bool("isTie")}
	default:
		return nil, nil
	}
	if f.err != nil {
		return nil, f.err
	}
	return out, nil
}

// fields reads typed values out of an unpacked log, keeping the first error.
type fields struct {
	event  string
	values map[string]interface{}
	err    error
}

func (f *fields) fail(name, format string, args ...interface{}) {
	if f.err == nil {
		f.err = fmt.Errorf("%w: %s.%s %s", ErrMalformedLog, f.event, name, fmt.Sprintf(format, args...))
	}
}

func (f *fields) big(name string) *big.Int {
	v, ok := f.values[name].(*big.Int)
	if !ok || v == nil {
		f.fail(name, "missing or not an integer")
		return new(big.Int)
	}
	return v
}

func (f *fields) uint64(name string) uint64 {
	v := f.big(name)
	if v.Sign() < 0 || !v.IsUint64() {
		f.fail(name, "overflows uint64: %s", v)
		return 0
	}
	return v.Uint64()
}

func (f *fields) int64(name string) int64 {
	v := f.uint64(name)
	if v > math.MaxInt64 {
		f.fail(name, "overflows int64: %d", v)
		return 0
	}
	return int64(v)
}

func (f *fields) uint8(name string) uint8 {
	v, ok := f.values[name].(uint8)
	if !ok {
		f.fail(name, "missing or not uint8")
	}
	return v
}

func (f *fields) amount(name string) string {
	return f.big(name).String()
}

func (f *fields) address(name string) string {
	v, ok := f.values[name].(common.Address)
	if !ok {
		f.fail(name, "missing or not an address")
		return ""
	}
	return v.Hex()
}

func (f *fields) string(name string) string {
	v, ok := f.values[name].(string)
	if !ok {
		f.fail(name, "missing or not a string")
	}
	return v
}

func (f *fields) strings(name string) []string {
	v, ok := f.values[name].([]string)
	if !ok {
		f.fail(name, "missing or not a string list")
	}
	return v
}

func (f *fields) bool(name string) bool {
	v, ok := f.values[name].(bool)
	if !ok {
		f.fail(name, "missing or not a bool")
	}
	return v
}
