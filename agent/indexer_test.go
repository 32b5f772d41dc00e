package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"cosmossdk.io/log"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/calehh/council-relay/ledger"
	"github.com/calehh/council-relay/state"
	"github.com/calehh/council-relay/types"
)

var (
	contract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	creator  = common.HexToAddress("0x00000000000000000000000000000000000000c1").Hex()
	agentA   = common.HexToAddress("0x00000000000000000000000000000000000000a1").Hex()
	agentB   = common.HexToAddress("0x00000000000000000000000000000000000000b2").Hex()
	agentC   = common.HexToAddress("0x00000000000000000000000000000000000000c3").Hex()
)

const genesisTime = 1_700_000_000

func blockTime(block uint64) int64 {
	return genesisTime + int64(block)*12
}

type fakeLedger struct {
	mtx  sync.Mutex
	head uint64
	logs []gethtypes.Log

	// FilterLogs calls starting at a block fail while the count is positive
	failFrom         map[uint64]int
	failBlockNumbers int
	queries          [][2]uint64

	// when set, FilterLogs signals entered and waits for release
	entered chan struct{}
	release chan struct{}

	tasks  []*types.Task
	agents map[uint64][]string
	votes  map[uint64][]uint64
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		failFrom: make(map[uint64]int),
		agents:   make(map[uint64][]string),
		votes:    make(map[uint64][]uint64),
	}
}

func (f *fakeLedger) emit(t *testing.T, ev types.Event) {
	lg, err := ledger.EncodeLog(contract, ev)
	require.NoError(t, err)
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.logs = append(f.logs, lg)
	if lg.BlockNumber > f.head {
		f.head = lg.BlockNumber
	}
}

func (f *fakeLedger) setHead(h uint64) {
	f.mtx.Lock()
	f.head = h
	f.mtx.Unlock()
}

func (f *fakeLedger) BlockNumber(ctx context.Context) (uint64, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.failBlockNumbers > 0 {
		f.failBlockNumbers--
		return 0, errors.New("connection refused")
	}
	return f.head, nil
}

func (f *fakeLedger) BlockTime(ctx context.Context, block uint64) (int64, error) {
	return blockTime(block), nil
}

func (f *fakeLedger) FilterLogs(ctx context.Context, from, to uint64) ([]gethtypes.Log, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.queries = append(f.queries, [2]uint64{from, to})
	if f.failFrom[from] > 0 {
		f.failFrom[from]--
		return nil, fmt.Errorf("query %d-%d timed out", from, to)
	}
	var out []gethtypes.Log
	for _, lg := range f.logs {
		if lg.BlockNumber >= from && lg.BlockNumber <= to {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (f *fakeLedger) TaskCount(ctx context.Context, block uint64) (uint64, error) {
	return uint64(len(f.tasks)), nil
}

func (f *fakeLedger) TaskRecord(ctx context.Context, id, block uint64) (*types.Task, error) {
	if id >= uint64(len(f.tasks)) {
		return nil, errors.New("execution reverted")
	}
	return f.tasks[id].Clone(), nil
}

func (f *fakeLedger) Agents(ctx context.Context, id, block uint64) ([]string, error) {
	return f.agents[id], nil
}

func (f *fakeLedger) RevealCount(ctx context.Context, id, block uint64) (uint64, error) {
	var n uint64
	for _, v := range f.votes[id] {
		n += v
	}
	return n, nil
}

func (f *fakeLedger) OptionVotes(ctx context.Context, id uint64, option uint8, block uint64) (uint64, error) {
	if int(option) >= len(f.votes[id]) {
		return 0, nil
	}
	return f.votes[id][option], nil
}

func pos(block uint64, logIndex uint) types.Position {
	return types.Position{
		Block:    block,
		TxHash:   common.BigToHash(common.Big1).Hex()[:60] + fmt.Sprintf("%06x", block),
		LogIndex: logIndex,
	}
}

func newTestIndexer(l ledger.Ledger, cfg IndexerConfig) (*ChainIndexer, *state.Store, *Metrics) {
	store := state.NewStore(log.NewNopLogger(), state.DefaultPhaseClock())
	metrics := NewMetrics()
	return NewChainIndexer(log.NewNopLogger(), l, store, metrics, cfg), store, metrics
}

func created(block uint64, id uint64, options ...string) types.EventTaskCreated {
	return types.EventTaskCreated{
		Position:             pos(block, 0),
		TaskId:               id,
		Creator:              creator,
		Description:          "should we ship?",
		Options:              options,
		Bounty:               "1000000000000000000",
		RequiredAgents:       3,
		DeliberationDuration: 600,
	}
}

func TestTickRetriesFailedSubRangeExactlyOnce(t *testing.T) {
	fl := newFakeLedger()
	fl.emit(t, created(2, 1, "Yes", "No", "Abstain"))
	fl.emit(t, types.EventAgentJoined{Position: pos(5, 0), TaskId: 1, Agent: agentA})
	fl.emit(t, types.EventAgentJoined{Position: pos(12, 0), TaskId: 1, Agent: agentB})
	fl.emit(t, types.EventAgentJoined{Position: pos(15, 0), TaskId: 1, Agent: agentC})
	fl.emit(t, types.EventRevealSubmitted{Position: pos(25, 0), TaskId: 1, Agent: agentA, Option: 0})
	fl.emit(t, types.EventRevealSubmitted{Position: pos(25, 1), TaskId: 1, Agent: agentB, Option: 1})
	fl.setHead(30)
	fl.failFrom[11] = 1

	idx, store, metrics := newTestIndexer(fl, IndexerConfig{MaxBlockSpan: 10, StartMode: StartModeReplay, LookbackBlocks: 100})
	ctx := context.Background()
	require.NoError(t, idx.Bootstrap(ctx))
	require.Equal(t, uint64(0), idx.LastSeen())

	err := idx.Tick(ctx)
	require.Error(t, err)
	require.Equal(t, uint64(0), idx.LastSeen())
	task, ok := store.Get(1)
	require.True(t, ok)
	require.Equal(t, []string{agentA}, task.Agents)

	require.NoError(t, idx.Tick(ctx))
	require.Equal(t, uint64(30), idx.LastSeen())
	require.Equal(t, [][2]uint64{{1, 10}, {11, 20}, {1, 10}, {11, 20}, {21, 30}}, fl.queries)

	task, ok = store.Get(1)
	require.True(t, ok)
	require.Equal(t, []string{agentA, agentB, agentC}, task.Agents)
	require.Equal(t, []uint64{1, 1, 0}, task.OptionVotes)
	require.Equal(t, uint64(2), task.RevealCount)
	require.NotNil(t, task.StartTime)
	require.Equal(t, blockTime(15), *task.StartTime)

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.EventsApplied.WithLabelValues(types.EventTaskCreatedType)))
	require.Equal(t, 3.0, testutil.ToFloat64(metrics.EventsApplied.WithLabelValues(types.EventAgentJoinedType)))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.PollTicks.WithLabelValues("error")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.PollTicks.WithLabelValues("ok")))
	require.Equal(t, 30.0, testutil.ToFloat64(metrics.LastSeenBlock))
}

func TestTickNoNewBlocks(t *testing.T) {
	fl := newFakeLedger()
	fl.setHead(50)
	idx, _, _ := newTestIndexer(fl, IndexerConfig{StartMode: StartModeReplay, LookbackBlocks: 10})
	require.NoError(t, idx.Bootstrap(context.Background()))
	require.Equal(t, uint64(40), idx.LastSeen())

	require.NoError(t, idx.Tick(context.Background()))
	require.NoError(t, idx.Tick(context.Background()))
	require.Equal(t, [][2]uint64{{41, 50}}, fl.queries)
}

func TestTickSkipsWhileRunning(t *testing.T) {
	fl := newFakeLedger()
	fl.setHead(5)
	fl.entered = make(chan struct{})
	fl.release = make(chan struct{})
	idx, _, metrics := newTestIndexer(fl, IndexerConfig{StartMode: StartModeReplay, LookbackBlocks: 100})
	require.NoError(t, idx.Bootstrap(context.Background()))

	done := make(chan error)
	go func() { done <- idx.Tick(context.Background()) }()
	<-fl.entered

	require.ErrorIs(t, idx.Tick(context.Background()), ErrTickSkipped)
	close(fl.release)
	require.NoError(t, <-done)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.PollTicks.WithLabelValues("skipped")))

	fl.entered = nil
	fl.setHead(6)
	require.NoError(t, idx.Tick(context.Background()))
	require.Equal(t, uint64(6), idx.LastSeen())
}

func TestTickSkipsUndecodableLogs(t *testing.T) {
	fl := newFakeLedger()
	fl.emit(t, created(1, 7, "a", "b"))
	bad, err := ledger.EncodeLog(contract, types.EventRevealSubmitted{Position: pos(2, 0), TaskId: 7, Agent: agentA, Option: 0})
	require.NoError(t, err)
	bad.Data = []byte{0x01}
	fl.logs = append(fl.logs, bad)
	fl.emit(t, types.EventAgentJoined{Position: pos(3, 0), TaskId: 7, Agent: agentB})
	unknown := gethtypes.Log{Address: contract, Topics: []common.Hash{common.HexToHash("0xdead")}, BlockNumber: 3, Index: 1}
	fl.logs = append(fl.logs, unknown)

	idx, store, metrics := newTestIndexer(fl, IndexerConfig{StartMode: StartModeReplay, LookbackBlocks: 100})
	require.NoError(t, idx.Bootstrap(context.Background()))
	require.NoError(t, idx.Tick(context.Background()))

	require.Equal(t, uint64(3), idx.LastSeen())
	task, ok := store.Get(7)
	require.True(t, ok)
	require.Equal(t, []string{agentB}, task.Agents)
	require.Equal(t, uint64(0), task.RevealCount)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.DecodeFailures))
}

func TestTickSweepsPhases(t *testing.T) {
	fl := newFakeLedger()
	fl.emit(t, created(1, 1, "Yes", "No"))
	fl.emit(t, types.EventAgentJoined{Position: pos(2, 0), TaskId: 1, Agent: agentA})
	fl.emit(t, types.EventAgentJoined{Position: pos(2, 1), TaskId: 1, Agent: agentB})
	fl.emit(t, types.EventAgentJoined{Position: pos(3, 0), TaskId: 1, Agent: agentC})

	idx, store, metrics := newTestIndexer(fl, IndexerConfig{StartMode: StartModeReplay, LookbackBlocks: 100})
	now := time.Unix(blockTime(3)+601, 0)
	idx.Now = func() time.Time { return now }
	store.Now = idx.Now
	require.NoError(t, idx.Bootstrap(context.Background()))
	require.NoError(t, idx.Tick(context.Background()))

	task, ok := store.Get(1)
	require.True(t, ok)
	require.Equal(t, types.PhaseCommit, task.Phase)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.PhaseTransitions))
}

func TestBootstrapHydrate(t *testing.T) {
	fl := newFakeLedger()
	fl.setHead(900)

	open := types.NewTask(0, creator, "first", []string{"a", "b", "c"}, "10", 2, 300)
	resolved := types.NewTask(1, creator, "second", []string{"x", "y"}, "20", 2, 300)
	st := int64(genesisTime)
	resolved.StartTime = &st
	resolved.Resolved = true
	resolved.WinningOption = 1
	empty := &types.Task{Id: 2}
	fl.tasks = []*types.Task{open, resolved, empty}
	fl.agents[0] = []string{agentA}
	fl.agents[1] = []string{agentA, agentB}
	fl.votes[0] = []uint64{0, 0, 0}
	fl.votes[1] = []uint64{0, 2}
	fl.failBlockNumbers = 2

	idx, store, _ := newTestIndexer(fl, IndexerConfig{StartMode: StartModeHydrate, HydrateMaxElapsed: 10 * time.Second})
	require.NoError(t, idx.Bootstrap(context.Background()))
	require.Equal(t, uint64(900), idx.LastSeen())
	require.Equal(t, 2, store.Len())

	task, ok := store.Get(1)
	require.True(t, ok)
	require.Equal(t, types.PhaseResolved, task.Phase)
	require.Equal(t, []uint64{0, 2}, task.OptionVotes)
	require.Equal(t, uint64(2), task.RevealCount)
	require.Empty(t, task.Reveals)
	view := task.View()
	require.NotNil(t, view.WinningOption)
	require.Equal(t, uint8(1), *view.WinningOption)

	task, ok = store.Get(0)
	require.True(t, ok)
	require.Equal(t, types.PhaseOpen, task.Phase)
	require.Equal(t, []string{agentA}, task.Agents)

	// live events continue from the hydration height
	fl.emit(t, types.EventAgentJoined{Position: pos(901, 0), TaskId: 0, Agent: agentB})
	require.NoError(t, idx.Tick(context.Background()))
	task, _ = store.Get(0)
	require.Equal(t, []string{agentA, agentB}, task.Agents)
	require.Equal(t, blockTime(901), *task.StartTime)
}

func TestBootstrapRetriedByTick(t *testing.T) {
	fl := newFakeLedger()
	fl.setHead(20)
	fl.failBlockNumbers = 1000
	idx, _, _ := newTestIndexer(fl, IndexerConfig{StartMode: StartModeReplay, LookbackBlocks: 5, HydrateMaxElapsed: time.Millisecond})
	require.Error(t, idx.Bootstrap(context.Background()))

	fl.mtx.Lock()
	fl.failBlockNumbers = 0
	fl.mtx.Unlock()
	require.NoError(t, idx.Tick(context.Background()))
	require.Equal(t, uint64(20), idx.LastSeen())
	require.Equal(t, [][2]uint64{{16, 20}}, fl.queries)
}

func TestBootstrapUnknownMode(t *testing.T) {
	idx, _, _ := newTestIndexer(newFakeLedger(), IndexerConfig{StartMode: "sideways"})
	require.Error(t, idx.Bootstrap(context.Background()))
}

func TestRunStopsOnCancel(t *testing.T) {
	fl := newFakeLedger()
	fl.setHead(3)
	idx, _, _ := newTestIndexer(fl, IndexerConfig{StartMode: StartModeReplay, LookbackBlocks: 100})
	require.NoError(t, idx.Bootstrap(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	ticks := make(chan time.Time)
	done := make(chan error)
	go func() { done <- idx.Run(ctx, ticks) }()

	ticks <- time.Now()
	require.Eventually(t, func() bool { return idx.LastSeen() == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
