package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harborlight/brokerd/internal/api"
	"github.com/harborlight/brokerd/internal/capability"
	"github.com/harborlight/brokerd/internal/config"
	"github.com/harborlight/brokerd/internal/events"
	"github.com/harborlight/brokerd/internal/notify"
	"github.com/harborlight/brokerd/internal/orchestrator"
	"github.com/harborlight/brokerd/internal/pipeline"
	"github.com/harborlight/brokerd/internal/scheduler"
	pgstore "github.com/harborlight/brokerd/internal/store"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting brokerd...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/brokerd.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Initialize PostgreSQL store
	var store *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(context.Background(), "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			store = ps
		}
	}

	// Initialize job broker: Redis when configured, in-memory otherwise
	var broker scheduler.Broker = scheduler.NewMemoryBroker()
	if cfg.Database.Redis.URL != "" {
		rb, rErr := scheduler.NewRedisBroker(cfg.Database.Redis.URL, logger)
		if rErr != nil {
			logger.Warn("Redis unavailable, using in-memory queues", zap.Error(rErr))
		} else {
			broker = rb
			logger.Info("Redis job broker initialized")
		}
	}
	sched := scheduler.New(broker, logger)

	// Initialize event sink: Redis Streams when available, in-memory otherwise
	var sink events.Sink = events.NewMemorySink()
	if cfg.Database.Redis.URL != "" {
		bus, busErr := events.NewBus(cfg.Database.Redis.URL, logger)
		if busErr != nil {
			logger.Warn("Redis unavailable, keeping events in memory", zap.Error(busErr))
		} else {
			sink = bus
			logger.Info("Event bus initialized")
		}
	}

	// Initialize delivery gateway
	deliveries := notify.NewGateway(logger)
	if cfg.Delivery.Slack.Enabled && cfg.Delivery.Slack.BotToken != "" {
		deliveries.Register(notify.NewSlackAdapter(cfg.Delivery.Slack.BotToken, logger))
	}
	if cfg.Delivery.Discord.Enabled && cfg.Delivery.Discord.BotToken != "" {
		deliveries.Register(notify.NewDiscordAdapter(cfg.Delivery.Discord.BotToken, logger))
	}
	if err := deliveries.ConnectAll(context.Background()); err != nil {
		logger.Warn("some delivery adapters failed to connect", zap.Error(err))
	}

	// Initialize capability registry with the built-in stage capabilities
	registry := capability.NewRegistry(logger,
		capability.WithDefaultTimeout(cfg.Capabilities.DefaultTimeout.Std()),
		capability.WithMaxRetries(cfg.Capabilities.MaxRetries),
		capability.WithRetryDelays(cfg.Capabilities.RetryBase.Std(), cfg.Capabilities.RetryCap.Std()),
	)
	orchestrator.RegisterBuiltinCapabilities(registry, deliveries, logger)
	logger.Info("Capabilities registered", zap.Strings("names", registry.Names()))

	// Initialize pipeline machine and orchestrator
	machine := pipeline.NewMachine(logger)
	orch := orchestrator.New(machine, sched,
		orchestrator.NewStageRunner(registry, logger), sink, logger,
		orchestrator.Options{
			MaxAttempts: cfg.Queue.MaxAttempts,
			BackoffBase: cfg.Queue.BackoffBase.Std(),
			BackoffCap:  cfg.Queue.BackoffCap.Std(),
		})
	if store != nil {
		orch.SetPersister(store)
	}
	sched.StartQueue(orchestrator.PipelineQueue, cfg.Queue.Workers)
	logger.Info("Pipeline workers started",
		zap.String("queue", orchestrator.PipelineQueue),
		zap.Int("workers", cfg.Queue.Workers))

	// Build HTTP handler
	handler := api.NewHandler(orch, sched, registry, logger)

	// Start server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("brokerd listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down brokerd...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	sched.Stop()
	deliveries.Close()
	if bus, ok := sink.(*events.Bus); ok {
		bus.Close()
	}
	if store != nil {
		store.Close()
	}
	logger.Info("brokerd stopped")
}
