package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"cosmossdk.io/log"
	"github.com/cenkalti/backoff/v4"

	"github.com/calehh/council-relay/ledger"
	"github.com/calehh/council-relay/state"
	"github.com/calehh/council-relay/types"
)

const (
	StartModeHydrate = "hydrate"
	StartModeReplay  = "replay"

	DefaultMaxBlockSpan   = 2000
	DefaultLookbackBlocks = 50000
)

var ErrTickSkipped = errors.New("previous tick still running")

type IndexerConfig struct {
	MaxBlockSpan      uint64
	LookbackBlocks    uint64
	StartMode         string
	HydrateMaxElapsed time.Duration
}

// ChainIndexer follows the task contract and feeds the snapshot store. It is
// the only writer of the store.
type ChainIndexer struct {
	logger  log.Logger
	ledger  ledger.Ledger
	decoder *ledger.Decoder
	store   *state.Store
	metrics *Metrics
	cfg     IndexerConfig

	running atomic.Bool
	ready   atomic.Bool

	mtx      sync.Mutex
	lastSeen uint64
	// logs applied by a tick that later failed, keyed by tx hash and log
	// index; cleared once lastSeen moves past them
	pending map[string]struct{}

	Now func() time.Time
}

func NewChainIndexer(logger log.Logger, l ledger.Ledger, store *state.Store, metrics *Metrics, cfg IndexerConfig) *ChainIndexer {
	if cfg.MaxBlockSpan == 0 {
		cfg.MaxBlockSpan = DefaultMaxBlockSpan
	}
	if cfg.StartMode == "" {
		cfg.StartMode = StartModeHydrate
	}
	if cfg.HydrateMaxElapsed <= 0 {
		cfg.HydrateMaxElapsed = time.Minute
	}
	return &ChainIndexer{
		logger:  logger.With("module", "indexer"),
		ledger:  l,
		decoder: ledger.NewDecoder(),
		store:   store,
		metrics: metrics,
		cfg:     cfg,
		pending: make(map[string]struct{}),
		Now:     time.Now,
	}
}

func (c *ChainIndexer) LastSeen() uint64 {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.lastSeen
}

func (c *ChainIndexer) setLastSeen(h uint64) {
	c.mtx.Lock()
	c.lastSeen = h
	c.pending = make(map[string]struct{})
	c.mtx.Unlock()
	c.metrics.synced(h, c.store.Len())
}

// Bootstrap positions the indexer before the first tick, either by reading
// every task straight from contract state or by rewinding lastSeen so the
// look-back window is replayed from logs.
func (c *ChainIndexer) Bootstrap(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.cfg.HydrateMaxElapsed
	notify := func(err error, wait time.Duration) {
		c.logger.Error("bootstrap fail, retrying", "mode", c.cfg.StartMode, "err", err, "wait", wait)
	}
	return backoff.RetryNotify(func() error { return c.bootstrap(ctx) }, backoff.WithContext(b, ctx), notify)
}

func (c *ChainIndexer) bootstrap(ctx context.Context) error {
	var err error
	switch c.cfg.StartMode {
	case StartModeReplay:
		err = c.rewind(ctx)
	case StartModeHydrate:
		err = c.hydrate(ctx)
	default:
		return backoff.Permanent(fmt.Errorf("unknown start mode %q", c.cfg.StartMode))
	}
	if err == nil {
		c.ready.Store(true)
	}
	return err
}

func (c *ChainIndexer) rewind(ctx context.Context) error {
	head, err := c.ledger.BlockNumber(ctx)
	if err != nil {
		return err
	}
	var from uint64
	if head > c.cfg.LookbackBlocks {
		from = head - c.cfg.LookbackBlocks
	}
	c.setLastSeen(from)
	c.logger.Info("replay from block", "from", from, "head", head)
	return nil
}

// hydrate reads every task at a single block height. Reveal records are not
// readable from contract state and stay empty until new reveal events arrive.
func (c *ChainIndexer) hydrate(ctx context.Context) error {
	head, err := c.ledger.BlockNumber(ctx)
	if err != nil {
		return err
	}
	count, err := c.ledger.TaskCount(ctx, head)
	if err != nil {
		return fmt.Errorf("task count: %w", err)
	}
	tasks := make([]*types.Task, 0, count)
	for id := uint64(0); id < count; id++ {
		t, err := c.readTask(ctx, id, head)
		if err != nil {
			return fmt.Errorf("task %d: %w", id, err)
		}
		if t == nil {
			continue
		}
		tasks = append(tasks, t)
	}
	for _, t := range tasks {
		c.store.Hydrate(t)
	}
	c.setLastSeen(head)
	c.logger.Info("hydrated from contract state", "tasks", len(tasks), "height", head)
	return nil
}

func (c *ChainIndexer) readTask(ctx context.Context, id, block uint64) (*types.Task, error) {
	t, err := c.ledger.TaskRecord(ctx, id, block)
	if err != nil {
		return nil, err
	}
	if len(t.Options) == 0 {
		c.logger.Debug("empty task slot", "task", id)
		return nil, nil
	}
	if t.Agents, err = c.ledger.Agents(ctx, id, block); err != nil {
		return nil, err
	}
	if t.RevealCount, err = c.ledger.RevealCount(ctx, id, block); err != nil {
		return nil, err
	}
	t.OptionVotes = make([]uint64, len(t.Options))
	for i := range t.Options {
		if t.OptionVotes[i], err = c.ledger.OptionVotes(ctx, id, uint8(i), block); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Tick applies every log in (lastSeen, head] and then sweeps phases. A tick
// that finds another one in flight returns ErrTickSkipped. On any ledger
// error lastSeen is left where it was so the next tick retries the range.
func (c *ChainIndexer) Tick(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		c.metrics.tick("skipped")
		c.logger.Debug("tick skipped, previous tick running")
		return ErrTickSkipped
	}
	defer c.running.Store(false)

	if err := c.sync(ctx); err != nil {
		c.metrics.tick("error")
		c.logger.Error("poll fail", "lastSeen", c.LastSeen(), "err", err)
		return err
	}
	c.metrics.tick("ok")

	moved := c.store.Sweep(c.Now())
	for _, tr := range moved {
		c.logger.Info("phase changed", "task", tr.Id, "from", tr.From, "to", tr.To)
	}
	c.metrics.transitions(len(moved))
	return nil
}

func (c *ChainIndexer) sync(ctx context.Context) error {
	// a bootstrap that gave up at startup is retried by every tick
	if !c.ready.Load() {
		if err := c.bootstrap(ctx); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	}
	head, err := c.ledger.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("block number: %w", err)
	}
	lastSeen := c.LastSeen()
	if head <= lastSeen {
		return nil
	}
	blockTimes := make(map[uint64]int64)
	for from := lastSeen + 1; from <= head; {
		to := from + c.cfg.MaxBlockSpan - 1
		if to > head || to < from {
			to = head
		}
		c.logger.Debug("indexer syncing", "from", from, "to", to, "head", head)
		logs, err := c.ledger.FilterLogs(ctx, from, to)
		if err != nil {
			return fmt.Errorf("logs %d-%d: %w", from, to, err)
		}
		for _, lg := range logs {
			key := types.Position{TxHash: lg.TxHash.Hex(), LogIndex: lg.Index}.Key()
			if c.seen(key) {
				continue
			}
			ev, err := c.decoder.Decode(lg)
			if err != nil {
				c.logger.Error("decode event fail", "block", lg.BlockNumber, "tx", lg.TxHash.Hex(), "index", lg.Index, "err", err)
				c.metrics.decodeFailed()
				c.markSeen(key)
				continue
			}
			if ev == nil {
				continue
			}
			if joined, ok := ev.(types.EventAgentJoined); ok {
				at, ok := blockTimes[lg.BlockNumber]
				if !ok {
					if at, err = c.ledger.BlockTime(ctx, lg.BlockNumber); err != nil {
						return fmt.Errorf("block %d time: %w", lg.BlockNumber, err)
					}
					blockTimes[lg.BlockNumber] = at
				}
				joined.JoinedAt = at
				ev = joined
			}
			if c.store.Apply(ev) {
				c.metrics.applied(ev.Kind())
			}
			c.markSeen(key)
		}
		if to == head {
			break
		}
		from = to + 1
	}
	c.setLastSeen(head)
	return nil
}

func (c *ChainIndexer) seen(key string) bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	_, ok := c.pending[key]
	return ok
}

func (c *ChainIndexer) markSeen(key string) {
	c.mtx.Lock()
	c.pending[key] = struct{}{}
	c.mtx.Unlock()
}

// Run ticks until ctx is done. Ticks are taken from the channel so callers
// decide the schedule.
func (c *ChainIndexer) Run(ctx context.Context, ticks <-chan time.Time) error {
	c.logger.Info("indexer started", "lastSeen", c.LastSeen(), "maxSpan", c.cfg.MaxBlockSpan)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("indexer stopped", "lastSeen", c.LastSeen())
			return nil
		case <-ticks:
			_ = c.Tick(ctx)
		}
	}
}
