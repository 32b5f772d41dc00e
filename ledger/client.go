package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/calehh/council-relay/types"
)

// Ledger is the read-only view of the task contract the relay depends on.
// State reads are pinned to a block so a hydration pass sees one snapshot.
type Ledger interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockTime(ctx context.Context, block uint64) (int64, error)
	FilterLogs(ctx context.Context, from, to uint64) ([]gethtypes.Log, error)
	TaskCount(ctx context.Context, block uint64) (uint64, error)
	TaskRecord(ctx context.Context, id, block uint64) (*types.Task, error)
	Agents(ctx context.Context, id, block uint64) ([]string, error)
	RevealCount(ctx context.Context, id, block uint64) (uint64, error)
	OptionVotes(ctx context.Context, id uint64, option uint8, block uint64) (uint64, error)
}

// Backend is the subset of an Ethereum RPC client used by Client.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

var _ Ledger = &Client{}
var _ Backend = &ethclient.Client{}

type Client struct {
	backend Backend
	address common.Address
	abi     abi.ABI
}

func NewClient(backend Backend, address common.Address) *Client {
	return &Client{
		backend: backend,
		address: address,
		abi:     CouncilABI,
	}
}

// Dial connects to the RPC endpoint and, when chainId is non-zero, checks the
// node serves that chain.
func Dial(ctx context.Context, url string, address common.Address, chainId uint64) (*Client, *ethclient.Client, error) {
	eth, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	if chainId != 0 {
		id, err := eth.ChainID(ctx)
		if err != nil {
			eth.Close()
			return nil, nil, fmt.Errorf("query chain id: %w", err)
		}
		if !id.IsUint64() || id.Uint64() != chainId {
			eth.Close()
			return nil, nil, fmt.Errorf("rpc serves chain %s, configured %d", id, chainId)
		}
	}
	return NewClient(eth, address), eth, nil
}

func (c *Client) Address() common.Address {
	return c.address
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.backend.BlockNumber(ctx)
}

func (c *Client) BlockTime(ctx context.Context, block uint64) (int64, error) {
	h, err := c.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
	if err != nil {
		return 0, err
	}
	if h == nil {
		return 0, fmt.Errorf("block %d not found", block)
	}
	return int64(h.Time), nil
}

func (c *Client) FilterLogs(ctx context.Context, from, to uint64) ([]gethtypes.Log, error) {
	return c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.address},
	})
}

func (c *Client) call(ctx context.Context, block uint64, method string, args ...interface{}) ([]interface{}, error) {
	input, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	msg := ethereum.CallMsg{To: &c.address, Data: input}
	out, err := c.backend.CallContract(ctx, msg, new(big.Int).SetUint64(block))
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	res, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return res, nil
}

func (c *Client) callUint(ctx context.Context, block uint64, method string, args ...interface{}) (uint64, error) {
	res, err := c.call(ctx, block, method, args...)
	if err != nil {
		return 0, err
	}
	return toUint64(res, 0)
}

func (c *Client) TaskCount(ctx context.Context, block uint64) (uint64, error) {
	return c.callUint(ctx, block, "taskCount")
}

func (c *Client) RevealCount(ctx context.Context, id, block uint64) (uint64, error) {
	return c.callUint(ctx, block, "getRevealCount", new(big.Int).SetUint64(id))
}

func (c *Client) OptionVotes(ctx context.Context, id uint64, option uint8, block uint64) (uint64, error) {
	return c.callUint(ctx, block, "getOptionVotes", new(big.Int).SetUint64(id), option)
}

func (c *Client) Agents(ctx context.Context, id, block uint64) ([]string, error) {
	res, err := c.call(ctx, block, "getAgents", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, err
	}
	addrs, ok := res[0].([]common.Address)
	if !ok {
		return nil, errors.New("getAgents: unexpected output type")
	}
	agents := make([]string, 0, len(addrs))
	for _, a := range addrs {
		agents = append(agents, a.Hex())
	}
	return agents, nil
}

// TaskRecord reads the scalar task record. Agents and tallies are read
// separately.
func (c *Client) TaskRecord(ctx context.Context, id, block uint64) (*types.Task, error) {
	res, err := c.call(ctx, block, "getTask", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, err
	}
	if len(res) != 11 {
		return nil, fmt.Errorf("getTask: %d outputs", len(res))
	}
	creator, ok1 := res[0].(common.Address)
	description, ok2 := res[1].(string)
	options, ok3 := res[2].([]string)
	bounty, ok4 := res[3].(*big.Int)
	cancelled, ok5 := res[7].(bool)
	resolved, ok6 := res[8].(bool)
	winning, ok7 := res[9].(uint8)
	tie, ok8 := res[10].(bool)
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6 && ok7 && ok8) {
		return nil, errors.New("getTask: unexpected output types")
	}
	required, err := toUint64(res, 4)
	if err != nil {
		return nil, err
	}
	duration, err := toUint64(res, 5)
	if err != nil {
		return nil, err
	}
	startTime, err := toUint64(res, 6)
	if err != nil {
		return nil, err
	}
	// both are added to unix seconds by the phase clock
	if duration > math.MaxInt64 || startTime > math.MaxInt64 {
		return nil, fmt.Errorf("getTask %d: duration %d or start time %d overflows int64", id, duration, startTime)
	}

	task := types.NewTask(id, creator.Hex(), description, options, bounty.String(), required, duration)
	if startTime != 0 {
		st := int64(startTime)
		task.StartTime = &st
	}
	task.Cancelled = cancelled
	task.Resolved = resolved
	task.WinningOption = winning
	task.IsTie = tie
	return task, nil
}

func toUint64(res []interface{}, i int) (uint64, error) {
	if i >= len(res) {
		return 0, fmt.Errorf("output %d missing", i)
	}
	v, ok := res[i].(*big.Int)
	if !ok || v == nil {
		return 0, fmt.Errorf("output %d is not an integer", i)
	}
	if v.Sign() < 0 || !v.IsUint64() {
		return 0, fmt.Errorf("output %d overflows uint64", i)
	}
	return v.Uint64(), nil
}
