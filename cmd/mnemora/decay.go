package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mnemora/mnemora/internal/cache"
	"github.com/mnemora/mnemora/internal/embedding"
	"github.com/mnemora/mnemora/internal/logging"
	"github.com/mnemora/mnemora/internal/memory"
	"github.com/mnemora/mnemora/internal/metrics"
	"github.com/mnemora/mnemora/internal/relevance"
	"github.com/mnemora/mnemora/internal/snapshot"
	"github.com/mnemora/mnemora/internal/store/postgres"
	"github.com/mnemora/mnemora/internal/store/vector"
	"github.com/mnemora/mnemora/internal/worker"
)

var decayCmd = &cobra.Command{
	Use:   "decay",
	Short: "Run one decay sweep over all tenants and exit",
	Long:  "Runs the retrievability sweep that normally fires on the scheduler.\nUseful for backfills and for operating without the background runner.",
	RunE:  runDecay,
}

func runDecay(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	m := metrics.New()

	pg, err := postgres.Open(cfg.Postgres, logger)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer func() { _ = pg.Close() }()
	if err := pg.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = rdb.Close() }()
	scoreCache := cache.New("relevance", rdb, logger, m)
	progressCache := cache.New("decay", rdb, logger, m)
	if err := progressCache.Ping(ctx); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	// The sweep only invalidates scores, never computes them, so the
	// engine here never calls the embedding API.
	vec := vector.New(cfg.Qdrant, logger)
	emb := embedding.NewOpenAI(cfg.Embedding)
	scores := relevance.NewEngine(pg, vec, emb, nil, scoreCache, cfg.Relevance, logger, m)

	archiver, err := snapshot.NewArchiver(cfg.Snapshot)
	if err != nil {
		return fmt.Errorf("snapshot archiver: %w", err)
	}

	sweep := worker.NewDecaySweep(pg, scores, archiver, progressCache, cfg.Decay, cfg.Relevance.Tau.Std(), logger, m)

	runID := memory.NewID()
	summary, err := sweep.Run(ctx, runID)
	if err != nil {
		return fmt.Errorf("decay run %s: %w", runID, err)
	}

	logger.Info("decay sweep complete",
		zap.String("run_id", summary.RunID),
		zap.Int("tenants", summary.Tenants),
		zap.Int("tenants_failed", summary.TenantsFailed),
		zap.Int64("scanned", summary.Scanned),
		zap.Int64("updated", summary.Updated),
		zap.Float64("avg_retrievability", summary.AvgRetrievability),
		zap.Int64("processing_ms", summary.ProcessingMillis))
	return nil
}
