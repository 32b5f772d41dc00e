package ledger

import (
	"context"
	"errors"
	"math"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	head      uint64
	logs      []gethtypes.Log
	lastQuery ethereum.FilterQuery
	lastBlock *big.Int
	outputs   map[string][]interface{}
}

func (f *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) { return f.head, nil }

func (f *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error) {
	return &gethtypes.Header{Number: number, Time: 1_700_000_000 + number.Uint64()}, nil
}

func (f *fakeBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	f.lastQuery = q
	return f.logs, nil
}

func (f *fakeBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.lastBlock = blockNumber
	method, err := CouncilABI.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	out, ok := f.outputs[method.Name]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return method.Outputs.Pack(out...)
}

func TestClientStateReads(t *testing.T) {
	fb := &fakeBackend{outputs: map[string][]interface{}{
		"taskCount": {big.NewInt(3)},
		"getTask": {
			common.HexToAddress(agentA), "which way?", []string{"Yes", "No"}, big.NewInt(5000),
			big.NewInt(2), big.NewInt(600), big.NewInt(1_700_000_100), false, true, uint8(1), false,
		},
		"getAgents":      {[]common.Address{common.HexToAddress(agentA), common.HexToAddress(agentB)}},
		"getRevealCount": {big.NewInt(2)},
		"getOptionVotes": {big.NewInt(1)},
	}}
	c := NewClient(fb, contract)
	ctx := context.Background()

	n, err := c.TaskCount(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, uint64(3), n)
	require.Equal(t, int64(42), fb.lastBlock.Int64())

	task, err := c.TaskRecord(ctx, 2, 42)
	require.NoError(t, err)
	require.Equal(t, uint64(2), task.Id)
	require.Equal(t, agentA, task.Creator)
	require.Equal(t, []string{"Yes", "No"}, task.Options)
	require.Equal(t, "5000", task.Bounty)
	require.Equal(t, uint64(2), task.RequiredAgents)
	require.Equal(t, uint64(600), task.DeliberationDuration)
	require.Equal(t, int64(1_700_000_100), *task.StartTime)
	require.True(t, task.Resolved)
	require.Equal(t, uint8(1), task.WinningOption)
	require.Len(t, task.OptionVotes, 2)

	agents, err := c.Agents(ctx, 2, 42)
	require.NoError(t, err)
	require.Equal(t, []string{agentA, agentB}, agents)

	rc, err := c.RevealCount(ctx, 2, 42)
	require.NoError(t, err)
	require.Equal(t, uint64(2), rc)

	votes, err := c.OptionVotes(ctx, 2, 1, 42)
	require.NoError(t, err)
	require.Equal(t, uint64(1), votes)
}

func TestClientUnstartedTask(t *testing.T) {
	fb := &fakeBackend{outputs: map[string][]interface{}{
		"getTask": {
			common.HexToAddress(agentA), "open", []string{"A", "B", "C"}, big.NewInt(0),
			big.NewInt(3), big.NewInt(60), big.NewInt(0), false, false, uint8(0), false,
		},
	}}
	task, err := NewClient(fb, contract).TaskRecord(context.Background(), 0, 1)
	require.NoError(t, err)
	require.Nil(t, task.StartTime)
	require.False(t, task.Final())
}

func TestClientFilterAndBlockTime(t *testing.T) {
	fb := &fakeBackend{head: 99}
	c := NewClient(fb, contract)
	ctx := context.Background()

	head, err := c.BlockNumber(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(99), head)

	_, err = c.FilterLogs(ctx, 10, 20)
	require.NoError(t, err)
	require.Equal(t, int64(10), fb.lastQuery.FromBlock.Int64())
	require.Equal(t, int64(20), fb.lastQuery.ToBlock.Int64())
	require.Equal(t, []common.Address{contract}, fb.lastQuery.Addresses)

	ts, err := c.BlockTime(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, int64(1_700_000_005), ts)
}

func TestClientCallError(t *testing.T) {
	c := NewClient(&fakeBackend{outputs: map[string][]interface{}{}}, contract)
	_, err := c.TaskCount(context.Background(), 1)
	require.ErrorContains(t, err, "execution reverted")
}

func TestClientRejectsOverflowingDuration(t *testing.T) {
	fb := &fakeBackend{outputs: map[string][]interface{}{
		"getTask": {
			common.HexToAddress(agentA), "open", []string{"A", "B"}, big.NewInt(0),
			big.NewInt(2), new(big.Int).SetUint64(math.MaxUint64), big.NewInt(0), false, false, uint8(0), false,
		},
	}}
	_, err := NewClient(fb, contract).TaskRecord(context.Background(), 0, 1)
	require.ErrorContains(t, err, "overflows int64")
}
