package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-conductor/internal/api"
	"github.com/nidhogg/nuka-conductor/internal/bus"
	"github.com/nidhogg/nuka-conductor/internal/capability"
	"github.com/nidhogg/nuka-conductor/internal/config"
	"github.com/nidhogg/nuka-conductor/internal/contract"
	"github.com/nidhogg/nuka-conductor/internal/notify"
	"github.com/nidhogg/nuka-conductor/internal/scheduler"
	"github.com/nidhogg/nuka-conductor/internal/store"
	"github.com/nidhogg/nuka-conductor/internal/workflow"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/conductor.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()
	logger.Info("Starting conductor...", zap.String("config", cfgPath))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Scheduler
	sched := scheduler.NewScheduler(logger)
	sched.SetInsightTTL(cfg.Scheduler.InsightTTL.Duration)
	for _, p := range cfg.Scheduler.Patterns {
		if err := sched.AddPattern(p); err != nil {
			logger.Fatal("invalid scheduler pattern", zap.String("pattern", p.ID), zap.Error(err))
		}
	}

	// Bus, mirrored to Redis when configured
	b := bus.New(logger)
	var mirror *bus.RedisMirror
	if cfg.Database.Redis.URL != "" {
		m, mErr := bus.NewRedisMirror(cfg.Database.Redis.URL, logger)
		if mErr != nil {
			logger.Warn("Redis unavailable, bus history stays in memory", zap.Error(mErr))
		} else {
			mirror = m
			b.SetRecorder(mirror)
			logger.Info("Bus history mirrored to Redis")
		}
	}

	// Agents and executors
	dir := capability.NewDirectory(logger)
	router := capability.NewRouter(logger)
	router.Register("http", capability.NewHTTPExecutor(dir, cfg.Executor.APIKey, cfg.Executor.Timeout.Duration, logger))
	for _, ac := range cfg.Agents {
		if ac.Endpoint == "" {
			logger.Warn("agent has no endpoint", zap.String("agent", ac.ID))
		}
		dir.Register(capability.Agent{
			ID:           ac.ID,
			Name:         ac.Name,
			Capabilities: ac.Capabilities,
			Priority:     ac.Priority,
			Available:    true,
			Endpoint:     ac.Endpoint,
		})
		router.Bind(ac.ID, "http")
	}

	// Contracts
	protocol := contract.NewProtocol(b, logger)
	protocol.SetOfferTTL(cfg.Contracts.OfferTTL.Duration)
	protocol.SetSweepInterval(cfg.Contracts.SweepInterval.Duration)

	// Workflows
	engine := workflow.NewEngine(sched, b, dir, router, logger)
	engine.SetOptions(workflow.Options{
		DefaultTimeout:  cfg.Workflow.DefaultTimeout.Duration,
		MaxParallel:     cfg.Workflow.MaxParallel,
		MaxStepVisits:   cfg.Workflow.MaxStepVisits,
		ContractTimeout: cfg.Workflow.ContractTimeout.Duration,
	})
	engine.SetContracts(protocol)

	// PostgreSQL persistence
	var pgStore *store.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := store.New(ctx, cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(ctx, cfg.Database.Postgres.Migrations); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
			protocol.SetPersister(pgStore)
			engine.SetRecorder(pgStore)
		}
	}

	// Notifications
	notifier := notify.NewNotifier(logger)
	if cfg.Notify.Slack.Enabled {
		notifier.AddSink(notify.NewSlackSink(cfg.Notify.Slack.Token, cfg.Notify.Slack.Channel, logger))
	}
	if cfg.Notify.Discord.Enabled {
		ds, dErr := notify.NewDiscordSink(cfg.Notify.Discord.Token, cfg.Notify.Discord.Channel, logger)
		if dErr != nil {
			logger.Warn("Discord sink unavailable", zap.Error(dErr))
		} else {
			notifier.AddSink(ds)
		}
	}
	notifier.WatchBus(b)
	notifier.WatchContracts(protocol)

	go protocol.Run(ctx)
	go notifier.Run(ctx)

	// HTTP
	handler := api.NewHandler(sched, b, protocol, engine, dir, logger)
	handler.SetNotifier(notifier)
	if pgStore != nil {
		handler.SetArchive(pgStore)
	}

	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Conductor listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down conductor...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	for _, st := range engine.ListRuns() {
		if !st.Status.Terminal() {
			engine.CancelExecution(st.RunID)
		}
	}
	stop()
	protocol.Close()
	if mirror != nil {
		mirror.Close()
	}
	if pgStore != nil {
		pgStore.Close()
	}
}

func newLogger(level string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if level == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		cfg := zap.NewProductionConfig()
		if lvl, lErr := zap.ParseAtomicLevel(level); lErr == nil {
			cfg.Level = lvl
		}
		logger, err = cfg.Build()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
