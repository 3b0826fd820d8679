// Package main is the entry point for the Memento coordinator: the process
// that hosts session storage, the event bus, the checkpoint pipeline, the
// agent registry, and the WebSocket gateway.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/memento-ai/memento/internal/agent/registry"
	"github.com/memento-ai/memento/internal/checkpoint"
	"github.com/memento-ai/memento/internal/checkpoint/queue"
	"github.com/memento-ai/memento/internal/common/config"
	"github.com/memento-ai/memento/internal/common/logger"
	"github.com/memento-ai/memento/internal/db"
	"github.com/memento-ai/memento/internal/events"
	gateway "github.com/memento-ai/memento/internal/gateway/websocket"
	"github.com/memento-ai/memento/internal/health"
	"github.com/memento-ai/memento/internal/replay"
	"github.com/memento-ai/memento/internal/session/manager"
	"github.com/memento-ai/memento/internal/session/store"
)

// recoveryPath is where shutdown leaves its recovery data for the next run.
const recoveryPath = "./memento-recovery.json"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting Memento coordinator...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: NATS when configured, in-process otherwise.
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	eventBus := provided.Bus

	// Session storage: Redis when configured, in-memory otherwise.
	storeOpts := store.RedisOptions{
		DefaultTTLSeconds:   cfg.Session.DefaultTTLSeconds,
		GraceTTLSeconds:     cfg.Session.GraceTTLSeconds,
		MaxEventsPerSession: cfg.Session.MaxEventsPerSession,
	}
	var backend store.Backend
	var replayStore replay.Store
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		redisOpts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatal("Invalid redis url", zap.Error(err))
		}
		redisOpts.PoolSize = cfg.Redis.PoolSize
		redisClient = redis.NewClient(redisOpts)
		backend = store.NewRedisBackend(redisClient, storeOpts, log)
		replayStore = replay.NewRedisStore(redisClient)
		log.Info("Using Redis session backend")
	} else {
		backend = store.NewMemoryBackend(storeOpts)
		replayStore = replay.NewMemoryStore()
		log.Info("Using in-memory session backend")
	}

	// Checkpoint job mirror: sqlite by default, postgres when a DSN is
	// provided, memory for throwaway runs.
	var persist queue.Persistence
	switch cfg.Database.Driver {
	case "memory":
		persist = queue.NewMemoryPersistence()
	case "postgres":
		conn, err := db.OpenPostgres(cfg.Database.DSN, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			log.Fatal("Failed to open postgres", zap.Error(err))
		}
		persist, err = queue.NewSQLPersistence(conn)
		if err != nil {
			log.Fatal("Failed to initialize job persistence", zap.Error(err))
		}
	default:
		conn, err := db.OpenSQLite(cfg.Database.DSN)
		if err != nil {
			log.Fatal("Failed to open sqlite", zap.Error(err))
		}
		persist, err = queue.NewSQLPersistence(conn)
		if err != nil {
			log.Fatal("Failed to initialize job persistence", zap.Error(err))
		}
	}

	// Graph collaborator: remote service or in-process for local-first.
	var graph checkpoint.Graph
	if cfg.Graph.URL != "" {
		graph = checkpoint.NewHTTPGraph(cfg.Graph.URL, cfg.Graph.Timeout())
		log.Info("Using remote graph collaborator", zap.String("url", cfg.Graph.URL))
	} else {
		graph = checkpoint.NewLocalGraph(log)
		log.Info("Using in-process graph collaborator")
	}

	// Checkpoint pipeline.
	worker := checkpoint.NewWorker(graph, nil, log)
	jobs := queue.New(cfg.Checkpoint, persist, worker, eventBus, log)
	if err := jobs.Start(ctx); err != nil {
		log.Fatal("Failed to start checkpoint queue", zap.Error(err))
	}

	// Session manager facade.
	sessions := manager.New(cfg, backend, jobs, eventBus, log)

	// Agent registry with heartbeat tracking.
	agents := registry.New(cfg.Agents, eventBus, log)
	if err := agents.Start(cfg.Agents.StaleScanInterval()); err != nil {
		log.Fatal("Failed to start agent registry", zap.Error(err))
	}

	// Replay service.
	replays := replay.NewService(replayStore, log)

	// WebSocket gateway: hub, bus bridge, HTTP server.
	hub := gateway.NewHub(log)
	go hub.Run(ctx)
	bridge := gateway.NewBridge(eventBus, hub, log)
	if err := bridge.Start(); err != nil {
		log.Fatal("Failed to start gateway bridge", zap.Error(err))
	}

	checker := health.NewChecker(backend, eventBus, jobs, agents)
	server := gateway.NewServer(cfg.Server, sessions, checker, agents, replays, hub, log)
	go func() {
		if err := server.Start(); err != nil {
			log.Error("Gateway server failed", zap.Error(err))
			cancel()
		}
	}()

	log.Info("Memento coordinator started",
		zap.Int("port", cfg.Server.Port),
		zap.Int("checkpoint_workers", cfg.Checkpoint.Concurrency))

	// Wait for termination.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	// Phased shutdown: drain, final checkpoints, cleanup.
	shutdowner := health.NewShutdowner(sessions, jobs, &health.FileRecoveryStore{Path: recoveryPath}, cfg.Shutdown.GracePeriod(), log)
	shutdowner.AddCloser(func() error { bridge.Stop(); return nil })
	shutdowner.AddCloser(func() error {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Shutdown.GracePeriod())
		defer cancelShutdown()
		return server.Shutdown(shutdownCtx)
	})
	shutdowner.AddCloser(func() error { agents.Stop(); return nil })
	shutdowner.AddCloser(func() error { jobs.Stop(); return nil })
	shutdowner.AddCloser(func() error { return persist.Close() })
	shutdowner.AddCloser(busCleanup)
	if redisClient != nil {
		shutdowner.AddCloser(redisClient.Close)
	}

	phase := shutdowner.Run(context.Background())
	cancel()
	log.Info("Memento coordinator stopped", zap.String("phase", string(phase)))
}
