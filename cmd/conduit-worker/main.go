// Command conduit-worker runs the async job worker: chat responses,
// summarization, document ingestion.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"conduit/internal/config"
	"conduit/internal/contextstore"
	"conduit/internal/jobs"
	"conduit/internal/locks"
	"conduit/internal/observability"
	"conduit/internal/rag"
	agentruntime "conduit/internal/runtime"
	"conduit/internal/store"
	"conduit/internal/stream"
	"conduit/internal/tools"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("conduit-worker exited")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.InitOTel(ctx, cfg.OTELEndpoint, "conduit-worker", cfg.Environment)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownOTel(context.Background()) }()

	if cfg.DatabaseURL == "" {
		return errors.New("AGENT_DATABASE_URL (or AGENT_DATABASE_HOST) is required")
	}
	pg, err := store.OpenPG(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pg.Close()
	if err := pg.Init(ctx); err != nil {
		return err
	}

	ctxStore := contextstore.NewPGProvider(pg.Pool)
	if err := ctxStore.Init(ctx); err != nil {
		return err
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return err
	}
	rdb := redis.NewClient(redisOpts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	relay := stream.NewRelay(rdb)
	queue := jobs.NewRedisQueue(rdb)
	jobClient := jobs.NewClient(pg.JobStore, queue)

	lockMgr := locks.NewManager(time.Hour)
	defer lockMgr.Close()

	var vectorIndex rag.VectorIndex
	if cfg.QdrantURL != "" {
		qidx, err := rag.NewQdrantIndex(cfg.QdrantURL, cfg.QdrantColl, cfg.EmbedDimensions)
		if err != nil {
			return err
		}
		defer qidx.Close()
		vectorIndex = qidx
	} else {
		vectorIndex = rag.NewMemoryIndex()
	}
	var embedder rag.Embedder // wired by deployments with an embedding model

	registry := tools.NewRegistry()
	if err := registry.Register(tools.NewUpdateContextTool(ctxStore), "memory"); err != nil {
		return err
	}
	if err := registry.Register(tools.CalculatorTool{}, ""); err != nil {
		return err
	}
	dispatcher := tools.NewDispatcher(registry, cfg.ToolTimeout)

	rt := agentruntime.New(agentruntime.Deps{
		Threads:             pg.ThreadStore,
		Messages:            pg.MessageStore,
		Agents:              pg.AgentStore,
		Providers:           agentruntime.NewProviderFactory(cfg),
		Registry:            registry,
		Dispatcher:          dispatcher,
		Locks:               lockMgr,
		Context:             ctxStore,
		JobClient:           jobClient,
		Relay:               relay,
		MaxConversationCost: cfg.MaxConversationCost,
		MaxTotalCost:        cfg.MaxTotalCost,
	})

	jobRegistry := jobs.NewRegistry()
	if err := rt.RegisterProcessors(jobRegistry); err != nil {
		return err
	}
	ingestor := &agentruntime.Ingestor{
		Documents: pg.DocumentStore,
		Chunker:   rag.DefaultChunker,
		Embedder:  embedder,
		Index:     vectorIndex,
		UploadDir: cfg.UploadDir,
	}
	if err := ingestor.Register(jobRegistry); err != nil {
		return err
	}

	worker := jobs.NewWorker(jobRegistry, queue, pg.JobStore, pg.Pool)
	worker.Start(ctx, runtime.NumCPU())
	log.Info().Int("workers", runtime.NumCPU()).Msg("worker_started")

	<-ctx.Done()
	log.Info().Msg("stopping worker")
	worker.Stop()
	return nil
}
