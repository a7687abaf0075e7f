// Command conduit runs the HTTP/WebSocket serving process.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"conduit/internal/auth"
	"conduit/internal/config"
	"conduit/internal/contextstore"
	"conduit/internal/httpapi"
	"conduit/internal/jobs"
	"conduit/internal/locks"
	"conduit/internal/observability"
	"conduit/internal/rag"
	"conduit/internal/runtime"
	"conduit/internal/store"
	"conduit/internal/stream"
	"conduit/internal/tools"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("conduit exited")
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

	shutdownOTel, err := observability.InitOTel(ctx, cfg.OTELEndpoint, "conduit", cfg.Environment)
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

	// Embedding model implementations live outside the core; the searcher
	// stays nil until one is wired, and search endpoints report 503.
	var embedder rag.Embedder
	var searcher *rag.Searcher
	if embedder != nil {
		searcher = rag.NewSearcher(embedder, vectorIndex)
	}

	registry := tools.NewRegistry()
	if err := registry.Register(tools.NewUpdateContextTool(ctxStore), "memory"); err != nil {
		return err
	}
	if searcher != nil {
		if err := registry.Register(tools.NewSearchDocumentsTool(searcher), "documents"); err != nil {
			return err
		}
	}
	if err := registry.Register(tools.CalculatorTool{}, ""); err != nil {
		return err
	}
	dispatcher := tools.NewDispatcher(registry, cfg.ToolTimeout)

	rt := runtime.New(runtime.Deps{
		Threads:             pg.ThreadStore,
		Messages:            pg.MessageStore,
		Agents:              pg.AgentStore,
		Providers:           runtime.NewProviderFactory(cfg),
		Registry:            registry,
		Dispatcher:          dispatcher,
		Locks:               lockMgr,
		Context:             ctxStore,
		JobClient:           jobClient,
		Relay:               relay,
		MaxConversationCost: cfg.MaxConversationCost,
		MaxTotalCost:        cfg.MaxTotalCost,
	})

	jwtSvc, err := auth.NewService(cfg.JWTSecret, cfg.JWTAlgorithm, cfg.JWTExpiry)
	if err != nil {
		return err
	}
	authMW := auth.NewMiddleware(jwtSvc, pg.WorkspaceStore, cfg.RateLimitBucket, cfg.RateLimitWindow.Seconds())

	srv := httpapi.NewServer(httpapi.Deps{
		Config:     cfg,
		Runtime:    rt,
		Threads:    pg.ThreadStore,
		Messages:   pg.MessageStore,
		Agents:     pg.AgentStore,
		Documents:  pg.DocumentStore,
		Workspaces: pg.WorkspaceStore,
		Jobs:       pg.JobStore,
		Analytics:  pg.AnalyticsStore,
		JobClient:  jobClient,
		Relay:      relay,
		Registry:   registry,
		Searcher:   searcher,
		Auth:       authMW,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("conduit_listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
