package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"cosmossdk.io/log"
	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/calehh/council-relay/access"
	"github.com/calehh/council-relay/agent"
	"github.com/calehh/council-relay/config"
	"github.com/calehh/council-relay/discussion"
	"github.com/calehh/council-relay/ledger"
	"github.com/calehh/council-relay/state"
)

const shutdownTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Follow the task contract and serve the query API",
	Args:  cobra.NoArgs,
	RunE:  runRelay,
}

func init() {
	runCmd.Flags().String("rpc-url", "", "ledger RPC endpoint")
	runCmd.Flags().String("contract", "", "task contract address")
	runCmd.Flags().String("listen", "", "query service listen address")
	runCmd.Flags().String("log-level", "", "log level (debug, info or error)")
}

func bindRunFlags(cmd *cobra.Command, v *viper.Viper) error {
	for key, flag := range map[string]string{
		"rpc_url":          "rpc-url",
		"contract_address": "contract",
		"listen_addr":      "listen",
		"log_level":        "log-level",
	} {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}
	return nil
}

func runRelay(cmd *cobra.Command, args []string) error {
	v := viper.New()
	if err := bindRunFlags(cmd, v); err != nil {
		return err
	}
	cfg, err := config.Load(v, homeDir(cmd))
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger, closer, err := config.NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chain, eth, err := dialLedger(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer eth.Close()

	model, err := state.ParsePhaseModel(cfg.Indexer.PhaseModel)
	if err != nil {
		return err
	}
	tasks := state.NewStore(logger, state.PhaseClock{
		Model:        model,
		CommitWindow: cfg.Indexer.CommitWindow,
		RevealWindow: cfg.Indexer.RevealWindow,
	})

	persister, err := openPersister(cfg, logger)
	if err != nil {
		return fmt.Errorf("open message store: %w", err)
	}
	messages := discussion.NewStore(logger, cfg.Messages.MaxPerTask, persister)
	messages.Load()
	defer func() {
		if err := messages.Close(); err != nil {
			logger.Error("close message store", "err", err)
		}
	}()

	limiter := access.NewRateLimiter(cfg.Access.RateLimit, cfg.Access.RateWindow)
	gate := access.NewGate(logger, tasks, messages, limiter, cfg.Messages.MaxContent)

	metrics := agent.NewMetrics()
	indexer := agent.NewChainIndexer(logger, chain, tasks, metrics, agent.IndexerConfig{
		MaxBlockSpan:      cfg.Indexer.MaxBlockSpan,
		LookbackBlocks:    cfg.Indexer.LookbackBlocks,
		StartMode:         cfg.Indexer.StartMode,
		HydrateMaxElapsed: cfg.Indexer.HydrateMaxElapsed,
	})
	if err := indexer.Bootstrap(ctx); err != nil {
		// every tick retries until the ledger answers
		logger.Error("bootstrap failed, serving empty snapshot", "err", err)
	}

	maxBody, err := cfg.MaxBodyBytes()
	if err != nil {
		return err
	}
	svc := agent.NewService(logger, agent.ServiceConfig{
		ListenAddr:     cfg.ListenAddr,
		MaxBody:        maxBody,
		CorsOrigins:    cfg.API.CorsOrigins,
		OnboardingFile: cfg.API.OnboardingFile,
	}, tasks, messages, gate, indexer, metrics)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(cfg.PollInterval)
		defer ticker.Stop()
		return indexer.Run(gctx, ticker.C)
	})
	g.Go(func() error {
		ticker := time.NewTicker(cfg.Access.RateWindow)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := limiter.Prune(); n > 0 {
					logger.Debug("pruned rate limit buckets", "count", n)
				}
			}
		}
	})
	g.Go(svc.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return svc.Shutdown(sctx)
	})
	return g.Wait()
}

func dialLedger(ctx context.Context, logger log.Logger, cfg *config.Config) (*ledger.Client, *ethclient.Client, error) {
	var (
		chain *ledger.Client
		eth   *ethclient.Client
	)
	op := func() error {
		c, e, err := ledger.Dial(ctx, cfg.RpcUrl, cfg.Contract(), cfg.ChainId)
		if err != nil {
			return err
		}
		chain, eth = c, e
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = time.Minute
	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		logger.Error("dial ledger", "url", cfg.RpcUrl, "err", err, "retryIn", d)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("dial ledger %s: %w", cfg.RpcUrl, err)
	}
	logger.Info("connected to ledger", "url", cfg.RpcUrl, "contract", cfg.Contract().Hex())
	return chain, eth, nil
}

func openPersister(cfg *config.Config, logger log.Logger) (discussion.Persister, error) {
	path := cfg.MessagesPath()
	switch cfg.Messages.Backend {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
		return discussion.NewSQLPersister(path, logger)
	case "leveldb":
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
		return discussion.NewLevelPersister(path)
	}
	return nil, nil
}
