package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/aimerfeng/AgentDesk/internal/agent"
	"github.com/aimerfeng/AgentDesk/internal/blob"
	"github.com/aimerfeng/AgentDesk/internal/config"
	"github.com/aimerfeng/AgentDesk/internal/database"
	"github.com/aimerfeng/AgentDesk/internal/knowledge"
	"github.com/aimerfeng/AgentDesk/internal/logging"
	"github.com/aimerfeng/AgentDesk/internal/provider"
	"github.com/aimerfeng/AgentDesk/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

func main() {
	var (
		agentFlag string
		dir       string
		exts      string
		watch     bool
	)

	flag.StringVar(&agentFlag, "agent", "", "Agent ID to ingest into (required)")
	flag.StringVar(&dir, "dir", ".", "Directory of documents")
	flag.StringVar(&exts, "ext", "", "Comma separated file extensions (default pdf,txt,md,markdown,html,htm)")
	flag.BoolVar(&watch, "watch", false, "Keep running and ingest created or modified files")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logging.Setup(&cfg.Logging, cfg.Server.Env)

	agentID, err := uuid.Parse(agentFlag)
	if err != nil {
		log.Fatal().Str("agent", agentFlag).Msg("-agent must be a valid agent ID")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	agents := agent.NewService(db.Pool)
	if _, err := agents.GetByID(ctx, agentID); err != nil {
		log.Fatal().Err(err).Str("agent_id", agentID.String()).Msg("Failed to load agent")
	}

	st := store.New(db.Pool)
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
	case !errors.Is(err, blob.ErrNotConfigured):
		log.Fatal().Err(err).Msg("Failed to connect to blob storage")
	}

	ingestor := knowledge.NewIngestor(llm, st, agents, blobs, knowledge.IngestorOptions{
		ChunkSize:    cfg.Knowledge.ChunkSize,
		ChunkOverlap: cfg.Knowledge.ChunkOverlap,
		Workers:      cfg.Knowledge.IngestWorkers,
		RetryBackoff: cfg.Provider.RetryBackoff,
		BlobKey:      blobKey,
	})

	var extensions []string
	if exts != "" {
		extensions = strings.Split(exts, ",")
	}
	d := knowledge.NewDirIngester(ingestor, agentID, extensions)

	result, err := d.IngestDir(ctx, dir)
	if err != nil {
		log.Fatal().Err(err).Msg("Directory ingestion failed")
	}
	log.Info().
		Str("agent_id", agentID.String()).
		Int("files", result.Files).
		Int("chunks", result.Chunks).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Msg("Directory ingested")

	if !watch {
		return
	}
	if err := d.Watch(ctx, dir); err != nil {
		log.Fatal().Err(err).Msg("Watch failed")
	}
	log.Info().Msg("Watcher stopped")
}
