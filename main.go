package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/connexus-ai/ragcore/internal/cache"
	"github.com/connexus-ai/ragcore/internal/circuitbreaker"
	"github.com/connexus-ai/ragcore/internal/compaction"
	"github.com/connexus-ai/ragcore/internal/config"
	"github.com/connexus-ai/ragcore/internal/embeddings"
	"github.com/connexus-ai/ragcore/internal/health"
	"github.com/connexus-ai/ragcore/internal/httpapi"
	"github.com/connexus-ai/ragcore/internal/llm"
	_ "github.com/connexus-ai/ragcore/internal/metrics" // Import for side effects
	"github.com/connexus-ai/ragcore/internal/search"
	"github.com/connexus-ai/ragcore/internal/search/parallel"
	"github.com/connexus-ai/ragcore/internal/search/rerank"
	"github.com/connexus-ai/ragcore/internal/store"
	"github.com/connexus-ai/ragcore/internal/tracing"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	if err := tracing.Initialize(cfg.Tracing, logger); err != nil {
		logger.Warn("Tracing init failed, continuing without traces", zap.Error(err))
	}

	// Start circuit breaker metrics collection
	circuitbreaker.StartMetricsCollection()

	// ------------------------------------------------------------------
	// Bring up the health manager and admin endpoints early so they
	// respond even while the storage layers are still connecting.
	// ------------------------------------------------------------------
	hm := health.NewManager(30*time.Second, logger)
	healthPort := getEnvOrDefaultInt("HEALTH_PORT", 8081)
	adminMux := http.NewServeMux()
	health.NewHTTPHandler(hm, logger).RegisterRoutes(adminMux)
	adminMux.Handle("/metrics", promhttp.Handler())

	adminServer := &http.Server{
		Addr:         ":" + strconv.Itoa(healthPort),
		Handler:      adminMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("Admin HTTP server listening", zap.Int("port", healthPort))
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Admin HTTP server failed", zap.Error(err))
		}
	}()

	// Initialize Redis (L1 cache, locks, progress channel)
	redisAddr := getEnvOrDefault("REDIS_HOST", "redis") + ":" + getEnvOrDefault("REDIS_PORT", "6379")
	l1, err := cache.NewL1Cache(redisAddr, logger)
	if err != nil {
		logger.Fatal("Failed to initialize Redis client", zap.Error(err))
	}
	defer l1.Close()
	if err := hm.Register(health.NewRedisChecker(l1.Wrapper())); err != nil {
		logger.Warn("Failed to register Redis health checker", zap.Error(err))
	}

	// Initialize database client
	dbConfig := &store.Config{
		Host:     getEnvOrDefault("POSTGRES_HOST", "postgres"),
		Port:     getEnvOrDefaultInt("POSTGRES_PORT", 5432),
		User:     getEnvOrDefault("POSTGRES_USER", "ragcore"),
		Password: getEnvOrDefault("POSTGRES_PASSWORD", "ragcore"),
		Database: getEnvOrDefault("POSTGRES_DB", "ragcore"),
		SSLMode:  getEnvOrDefault("POSTGRES_SSLMODE", "disable"),
	}
	dbClient, err := store.NewClient(dbConfig, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database client", zap.Error(err))
	}
	defer dbClient.Close()
	if err := hm.Register(health.NewPostgresChecker(dbClient.Wrapper())); err != nil {
		logger.Warn("Failed to register Postgres health checker", zap.Error(err))
	}

	// Upstream model services are non-critical: searches degrade to
	// sparse and fuzzy methods when embeddings are down.
	if cfg.Embeddings.BaseURL != "" {
		_ = hm.Register(health.NewHTTPServiceChecker("embeddings", cfg.Embeddings.BaseURL+"/health", false, logger))
	}
	if cfg.LLM.BaseURL != "" {
		_ = hm.Register(health.NewHTTPServiceChecker("llm", cfg.LLM.BaseURL+"/health", false, logger))
	}
	hm.Start()
	defer hm.Stop()

	// Singletons: embedding service (Redis-backed vector cache) and LLM client
	embeddings.Initialize(cfg.Embeddings, embeddings.NewRedisVectorCache(l1, cfg.Embeddings.Dimensions, logger))
	llm.Initialize(cfg.LLM, logger)

	// Storage layers
	l2 := store.NewL2Store(dbClient)
	chunks := store.NewChunkStore(dbClient)
	contexts := store.NewContextStore(dbClient)
	checkpoints := store.NewCheckpointStore(dbClient, cfg.Compaction.MaxCheckpoints, cfg.Compaction.CheckpointExpiryDays, logger)

	// Retrieval pipeline
	tiered := cache.NewTieredCache(l1, l2, cfg.Cache, logger)
	semantic := cache.NewSemanticCache(tiered, embeddings.Get(), "search", cfg.Semantic, cfg.Embeddings.Dimensions, logger)
	engine := search.NewEngine(chunks, embeddings.Get(), cfg.Search, logger)
	reranker := rerank.NewReranker(cfg.Rerank, llm.Get(), logger)
	expander := parallel.NewExpander(cfg.Parallel, llm.Get(), logger)
	orchestrator := parallel.NewOrchestrator(engine, expander, cfg.Parallel, logger)

	// Context window maintenance
	compactor := compaction.NewCompactor(contexts, checkpoints, l1, llm.Get(), cfg.Compaction, logger)

	// Expired checkpoints are swept hourly; per-conversation caps are
	// enforced at write time by the checkpoint store.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if n, err := checkpoints.DeleteExpired(sweepCtx); err != nil {
					logger.Warn("Checkpoint sweep failed", zap.Error(err))
				} else if n > 0 {
					logger.Info("Swept expired checkpoints", zap.Int("deleted", n))
				}
			}
		}
	}()

	// Public JSON API
	apiPort := getEnvOrDefaultInt("PORT", 8080)
	apiMux := http.NewServeMux()
	searchHandler := httpapi.NewSearchHandler(engine, reranker, expander, orchestrator, semantic, logger)
	contextHandler := httpapi.NewContextHandler(compactor, contexts, checkpoints, l1, cfg.Compaction, logger)
	httpapi.NewServer(searchHandler, contextHandler, logger).RegisterRoutes(apiMux)

	apiServer := &http.Server{
		Addr:         ":" + strconv.Itoa(apiPort),
		Handler:      apiMux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // compaction SSE streams stay open
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info("API server listening", zap.Int("port", apiPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down ragcore service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown failed", zap.Error(err))
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Admin server shutdown failed", zap.Error(err))
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
