package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mnemora/mnemora/internal/api"
	"github.com/mnemora/mnemora/internal/cache"
	"github.com/mnemora/mnemora/internal/embedding"
	"github.com/mnemora/mnemora/internal/logging"
	"github.com/mnemora/mnemora/internal/metrics"
	"github.com/mnemora/mnemora/internal/relevance"
	"github.com/mnemora/mnemora/internal/ripple"
	"github.com/mnemora/mnemora/internal/saga"
	"github.com/mnemora/mnemora/internal/search"
	"github.com/mnemora/mnemora/internal/snapshot"
	"github.com/mnemora/mnemora/internal/store/graph"
	"github.com/mnemora/mnemora/internal/store/postgres"
	"github.com/mnemora/mnemora/internal/store/vector"
	"github.com/mnemora/mnemora/internal/triage"
	"github.com/mnemora/mnemora/internal/worker"
)

// Embeddings are content-addressed, so entries stay valid until the model
// changes; the TTL only bounds cache growth.
const embeddingCacheTTL = 7 * 24 * time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and background workers",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// 3. Initialize logger
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("configuration loaded", zap.Int("port", cfg.Server.Port))

	m := metrics.New()

	// 4. Relational store: pool, ping, migrations
	pg, err := postgres.Open(cfg.Postgres, logger)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	if err := pg.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	if err := pg.RunMigrations(); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	logger.Info("postgres ready")

	// 5. Vector store
	vec := vector.New(cfg.Qdrant, logger)
	if err := vec.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("ensure qdrant collection: %w", err)
	}
	logger.Info("qdrant ready", zap.String("collection", cfg.Qdrant.Collection))

	// 6. Graph store, optional. Relationship projection and ripple
	// traversal degrade when it is off.
	var gs *graph.Store
	if cfg.Neo4j.Enabled {
		gs, err = graph.Open(ctx, cfg.Neo4j, logger)
		if err != nil {
			return fmt.Errorf("open neo4j: %w", err)
		}
		logger.Info("neo4j ready", zap.String("uri", cfg.Neo4j.URI))
	} else {
		logger.Info("neo4j disabled")
	}

	// 7. Redis client and the caches sharing it
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	searchCache := cache.New("search", rdb, logger, m)
	scoreCache := cache.New("relevance", rdb, logger, m)
	embedCache := cache.New("embedding", rdb, logger, m)
	progressCache := cache.New("decay", rdb, logger, m)
	if err := searchCache.Ping(ctx); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("redis ready", zap.String("addr", cfg.Redis.Addr))

	// 8. Embedding service behind the content-addressed cache
	emb := embedding.NewCached(embedding.NewOpenAI(cfg.Embedding), embedCache, embeddingCacheTTL, logger)
	logger.Info("embedder ready", zap.String("model", cfg.Embedding.Model))

	// 9. Ripple queue. Enqueue and propagation both need the graph, so
	// with neo4j off the feature is inert even when enabled in config.
	rippleActive := cfg.Ripple.Enabled && gs != nil
	if cfg.Ripple.Enabled && !rippleActive {
		logger.Warn("ripple enabled but neo4j disabled; propagation inactive")
	}
	var (
		asynqClient *asynq.Client
		enqueuer    *worker.RippleEnqueuer
	)
	if rippleActive {
		asynqClient = asynq.NewClient(asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		enqueuer = worker.NewRippleEnqueuer(asynqClient, logger)
	}

	// 10. Engines
	var scoreRipple relevance.RippleQueue
	if enqueuer != nil {
		scoreRipple = enqueuer
	}
	relevanceEngine := relevance.NewEngine(pg, vec, emb, scoreRipple, scoreCache, cfg.Relevance, logger, m)
	searchEngine := search.NewEngine(pg, vec, emb, relevanceEngine, searchCache, cfg.Search, logger, m)

	var classifier saga.Classifier
	if cfg.Triage.Enabled {
		classifier = triage.NewClassifier(cfg.Triage, cfg.LLM, logger, m)
	}
	var graphStore saga.GraphStore
	if gs != nil {
		graphStore = gs
	}
	coordinator := saga.New(pg, vec, graphStore, emb, classifier, saga.DefaultVerifyPolicy, logger, m)

	// 11. Background jobs: scheduled decay sweep plus ripple consumers
	archiver, err := snapshot.NewArchiver(cfg.Snapshot)
	if err != nil {
		return fmt.Errorf("snapshot archiver: %w", err)
	}
	sweep := worker.NewDecaySweep(pg, relevanceEngine, archiver, progressCache, cfg.Decay, cfg.Relevance.Tau.Std(), logger, m)
	var prop worker.Propagator
	if rippleActive {
		prop = ripple.NewPropagator(gs, pg, relevanceEngine, cfg.Ripple, logger, m)
	}
	runner := worker.NewRunner(cfg.Redis, cfg.Decay, cfg.Ripple, sweep, prop, logger)

	// 12. HTTP surface
	pingers := map[string]api.Pinger{
		"postgres": pg,
		"qdrant":   vec,
		"redis":    searchCache,
	}
	if gs != nil {
		pingers["neo4j"] = gs
	}
	var apiRipple api.RippleQueue
	if enqueuer != nil {
		apiRipple = enqueuer
	}
	handler := api.NewHandler(coordinator, searchEngine, relevanceEngine, apiRipple, pg, pingers,
		cfg.Server.AuthToken, Version, logger, m)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}

	// 13. Start background workers
	var wg sync.WaitGroup
	startWorker(ctx, &wg, "jobs", logger, func(ctx context.Context) {
		if err := runner.Run(ctx); err != nil {
			logger.Error("job runner failed", zap.Error(err))
			cancel()
		}
	})

	// 14. Start HTTP server in goroutine
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		// ErrServerClosed is the expected error when Shutdown() is called
		// gracefully. Any other error is a real failure and brings the
		// process down.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
			cancel()
		}
	}()

	// 15. Block until signal received or a component fails
	<-ctx.Done()
	logger.Info("shutdown initiated")

	// 16. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer shutdownCancel()

	// 16a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	// 16b. Wait for workers to drain
	wg.Wait()

	// 16c. Close stores and clients
	if asynqClient != nil {
		if err := asynqClient.Close(); err != nil {
			logger.Error("asynq client close error", zap.Error(err))
		}
	}
	if gs != nil {
		if err := gs.Close(shutdownCtx); err != nil {
			logger.Error("neo4j close error", zap.Error(err))
		}
	}
	if err := rdb.Close(); err != nil {
		logger.Error("redis close error", zap.Error(err))
	}
	if err := pg.Close(); err != nil {
		logger.Error("postgres close error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// startWorker launches a background worker goroutine that respects context
// cancellation. Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, logger *zap.Logger, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("worker started", zap.String("worker", name))
		fn(ctx)
		logger.Info("worker stopped", zap.String("worker", name))
	}()
}
