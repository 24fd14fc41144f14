package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aimerfeng/AgentDesk/internal/agent"
	"github.com/aimerfeng/AgentDesk/internal/analysis"
	"github.com/aimerfeng/AgentDesk/internal/blob"
	"github.com/aimerfeng/AgentDesk/internal/cache"
	"github.com/aimerfeng/AgentDesk/internal/chat"
	"github.com/aimerfeng/AgentDesk/internal/config"
	"github.com/aimerfeng/AgentDesk/internal/database"
	"github.com/aimerfeng/AgentDesk/internal/gaps"
	"github.com/aimerfeng/AgentDesk/internal/knowledge"
	"github.com/aimerfeng/AgentDesk/internal/logging"
	"github.com/aimerfeng/AgentDesk/internal/monitoring"
	"github.com/aimerfeng/AgentDesk/internal/prompt"
	"github.com/aimerfeng/AgentDesk/internal/provider"
	"github.com/aimerfeng/AgentDesk/internal/quota"
	"github.com/aimerfeng/AgentDesk/internal/security"
	"github.com/aimerfeng/AgentDesk/internal/server"
	"github.com/aimerfeng/AgentDesk/internal/store"
	"github.com/aimerfeng/AgentDesk/internal/tasks"
	"github.com/rs/zerolog/log"
)

// taskTimeout bounds one background gap classification
const taskTimeout = 30 * time.Second

func main() {
	// Load configuration first
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logging
	logging.Setup(&cfg.Logging, cfg.Server.Env)

	log.Info().
		Str("env", cfg.Server.Env).
		Str("name", cfg.Server.Name).
		Msg("Starting AgentDesk API server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := database.RunMigrations(cfg.Database.URL); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	db, err := database.New(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Initialize Prometheus metrics
	monitoring.Init()

	if cfg.Monitoring.PrometheusEnabled {
		go startMetricsServer(cfg.Monitoring.PrometheusPort)
	}

	health := map[string]server.HealthCheck{"database": db.Health}

	st := store.New(db.Pool)
	agents := agent.NewService(db.Pool)

	// Provider client: one shared pacing limiter, per-operation breakers, call recording
	recorder := provider.NewRecorder(st, provider.PricingFromConfig(&cfg.Provider))
	defer recorder.Wait()
	llm := provider.NewClient(&cfg.Provider, provider.NewRateLimiter(cfg.Provider.MinInterval),
		provider.WithCircuitBreakers(provider.NewCircuitBreakerManager(provider.DefaultCircuitBreakerConfig())),
		provider.WithRecorder(recorder),
	)

	var blobs knowledge.BlobWriter
	var blobKey func(agentID, documentID, name string) string
	switch objects, err := blob.New(ctx, &cfg.Storage); {
	case err == nil:
		blobs, blobKey = objects, blob.DocumentKey
	case errors.Is(err, blob.ErrNotConfigured):
		log.Info().Msg("Blob storage not configured, uploads are not archived")
	default:
		log.Fatal().Err(err).Msg("Failed to connect to blob storage")
	}

	ingestor := knowledge.NewIngestor(llm, st, agents, blobs, knowledge.IngestorOptions{
		ChunkSize:    cfg.Knowledge.ChunkSize,
		ChunkOverlap: cfg.Knowledge.ChunkOverlap,
		Workers:      cfg.Knowledge.IngestWorkers,
		RetryBackoff: cfg.Provider.RetryBackoff,
		BlobKey:      blobKey,
	})

	// Gap classification runs off the request path
	registry := tasks.NewRegistry()
	registry.Register(tasks.KindKnowledgeGap, gaps.NewClassifier(st, llm, cfg.Gaps.MaxRecentQuestions).TaskHandler())

	var submitter tasks.Submitter
	if cfg.RabbitMQ.Enabled {
		conn, err := tasks.Dial(ctx, cfg.RabbitMQ.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to RabbitMQ")
		}
		defer conn.Close()

		queue := tasks.NewAMQPQueue(conn, cfg.RabbitMQ.TaskQueue, registry, taskTimeout)
		if err := queue.Start(ctx, cfg.Gaps.Workers); err != nil {
			log.Fatal().Err(err).Msg("Failed to start task consumer")
		}
		defer queue.Close()
		submitter = queue
		health["rabbitmq"] = func(context.Context) error {
			if conn.IsClosed() {
				return errors.New("connection closed")
			}
			return nil
		}
	} else {
		pool := tasks.NewPool(registry, cfg.Gaps.Workers, cfg.Gaps.QueueSize, taskTimeout)
		pool.Start(ctx)
		defer pool.Stop()
		submitter = pool
	}

	deps := chat.Dependencies{
		Agents:    agents,
		Gate:      security.NewGate(st, cfg.Security.ReplayWindow),
		Quota:     quota.NewGuard(quota.NewPGCounter(db.Pool)),
		Retriever: knowledge.NewRetriever(st, cfg.Knowledge.TopK),
		Embedder:  llm,
		Responder: prompt.NewOrchestrator(llm, prompt.Options{
			Temperature: cfg.Provider.Temperature,
			MaxTokens:   cfg.Provider.MaxTokens,
			MaxHistory:  cfg.Knowledge.MaxHistoryTurns,
		}),
		Store:    st,
		Analyzer: analysis.NewAnalyzer(st, llm),
		Tasks:    submitter,
	}

	// Redis is optional: without it history comes from Postgres and visitors are not throttled
	if cfg.Redis.URL != "" {
		rdb, err := cache.New(ctx, &cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()
		health["redis"] = rdb.Health

		deps.History = cache.NewHistoryCache(rdb, cfg.Redis.HistoryTTL)
		if cfg.Security.ChatRequestsPerWindow > 0 {
			deps.Limiter = cache.NewChatLimiter(rdb, cfg.Security.ChatRequestsPerWindow, cfg.Security.ChatWindow)
		}
	}

	orchestrator := chat.NewOrchestrator(deps, chat.Options{
		TopK:       cfg.Knowledge.TopK,
		MaxHistory: cfg.Knowledge.MaxHistoryTurns,
	})

	scheduler := knowledge.NewScheduler(agents, ingestor, cfg.Knowledge.ReembedInterval)
	if err := scheduler.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start re-embed scheduler")
	}
	defer scheduler.Stop()

	srv := server.NewAPIServer(cfg, server.Dependencies{
		Chat:     orchestrator,
		Agents:   agents,
		Ingestor: ingestor,
		Gaps:     gaps.NewService(st, ingestor),
		Alerts:   st,
		Health:   health,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Info().
			Int("port", cfg.Server.Port).
			Str("url", cfg.Server.URL).
			Msg("API server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().
		Str("signal", sig.String()).
		Msg("Shutdown signal received, gracefully shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited gracefully")
}

func startMetricsServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", monitoring.Handler())

	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Info().
		Int("port", port).
		Msg("Prometheus metrics server listening")

	if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Metrics server error")
	}
}
