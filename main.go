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
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/miridih-ejkim/mmiai/internal/agents"
	"github.com/miridih-ejkim/mmiai/internal/circuitbreaker"
	cfg "github.com/miridih-ejkim/mmiai/internal/config"
	"github.com/miridih-ejkim/mmiai/internal/gate"
	"github.com/miridih-ejkim/mmiai/internal/httpapi"
	"github.com/miridih-ejkim/mmiai/internal/llm"
	"github.com/miridih-ejkim/mmiai/internal/orchestrator"
	"github.com/miridih-ejkim/mmiai/internal/planner"
	"github.com/miridih-ejkim/mmiai/internal/pool"
	"github.com/miridih-ejkim/mmiai/internal/runstore"
	"github.com/miridih-ejkim/mmiai/internal/tracing"
	"github.com/miridih-ejkim/mmiai/internal/workflow"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	config, err := cfg.Load("")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(config.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	shutdownTracing, err := tracing.Initialize(config.Tracing, logger)
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	// Run store: Redis when configured, otherwise process memory
	var store runstore.Store
	var redisWrapper *circuitbreaker.RedisWrapper
	if config.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
		redisWrapper = circuitbreaker.NewRedisWrapper(client, config.Redis.Breaker, logger)
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisWrapper.Ping(pingCtx); err != nil {
			logger.Warn("Redis not reachable at startup", zap.String("addr", config.Redis.Addr), zap.Error(err))
		}
		pingCancel()
		store = runstore.NewRedisStore(redisWrapper, config.Redis.RunTTL, logger)
		logger.Info("Using Redis run store", zap.String("addr", config.Redis.Addr))
	} else {
		store = runstore.NewMemoryStore(config.Redis.RunTTL)
		logger.Warn("redis.addr not set; suspended runs will not survive a restart")
	}

	var archive *runstore.Archive
	if config.Archive.Enabled {
		archive, err = runstore.OpenArchive(ctx, config.Archive.Driver, config.Archive.DSN, logger)
		if err != nil {
			logger.Fatal("Failed to open run archive", zap.Error(err))
		}
	}

	// Tool backends
	toolPool := pool.NewManager(config.Services, map[string]pool.Factory{
		cfg.ServiceKindMCP:     pool.MCPFactory(logger),
		cfg.ServiceKindCatalog: pool.CatalogFactory(logger),
	},
		pool.WithIdleTTL(config.Pool.IdleTTL),
		pool.WithSweepInterval(config.Pool.SweepInterval),
		pool.WithBuildTimeout(config.Pool.BuildTimeout),
		pool.WithBreakerSettings(config.Pool.Breaker),
		pool.WithLogger(logger),
	)
	toolPool.Start()

	// Workers
	llmClient := llm.NewClient(llm.Config{
		APIKey:      config.LLM.APIKey,
		BaseURL:     config.LLM.BaseURL,
		Model:       config.LLM.Model,
		Temperature: config.LLM.Temperature,
		Timeout:     config.LLM.Timeout,
		MaxRetries:  2,
	}, logger)
	registry := agents.NewRegistry(toolPool, logger)
	for _, w := range config.Workers {
		worker := agents.Worker{
			ID:          w.ID,
			Name:        w.Name,
			Description: w.Description,
			ServiceID:   w.ServiceID,
			Enabled:     w.Enabled,
		}
		if err := registry.Register(worker, llm.NewWorkerExecutor(llmClient, w.SystemPrompt, config.LLM.MaxToolTurns)); err != nil {
			logger.Fatal("Failed to register worker", zap.String("worker", w.ID), zap.Error(err))
		}
	}
	logger.Info("Workers registered",
		zap.Int("count", len(config.Workers)),
		zap.Strings("enabled", registry.EnabledIDs()),
	)

	// Hot-reloaded worker toggles
	var configMgr *cfg.Manager
	if config.ConfigDir != "" {
		configMgr, err = cfg.NewManager(config.ConfigDir, logger)
		if err != nil {
			logger.Warn("Config manager init failed", zap.Error(err))
		} else {
			configMgr.RegisterValidator(cfg.WorkersFile, cfg.WorkerTogglesValidator(registry.IsKnown))
			configMgr.RegisterHandler(cfg.WorkersFile, func(ev cfg.ChangeEvent) error {
				toggles, err := cfg.ParseWorkerToggles(ev.Config)
				if err != nil {
					return err
				}
				if err := registry.ApplyToggles(toggles); err != nil {
					return err
				}
				logger.Info("Worker toggles applied",
					zap.String("action", ev.Action),
					zap.Strings("enabled", registry.EnabledIDs()),
				)
				return nil
			})
			if err := configMgr.Start(ctx); err != nil {
				logger.Warn("Config manager start failed", zap.Error(err))
			}
		}
	}

	// Workflow
	orch := orchestrator.New(registry, orchestrator.Config{
		MaxConcurrency: config.Orchestrator.MaxConcurrency,
		WorkerTimeout:  config.Orchestrator.WorkerTimeout,
	}, logger)
	qualityGate := gate.New(gate.Config{
		Mode:          gate.Mode(config.Gate.Mode),
		Threshold:     config.Gate.Threshold,
		ExcerptLength: config.Gate.ExcerptLength,
	}, llm.NewScorer(llmClient), llm.NewSuggester(llmClient), orch, registry, logger)

	deps := workflow.Deps{
		Planner:     planner.NewAdapter(llm.NewClassifier(llmClient), registry, logger),
		Executor:    orch,
		Gate:        qualityGate,
		Synthesizer: llm.NewSynthesizer(llmClient),
		Store:       store,
		Logger:      logger,
	}
	var archiver runstore.Archiver
	if archive != nil {
		deps.Archive = archive
		archiver = archive
	}
	engine, err := workflow.New(deps, workflow.Config{MaxIterations: config.Workflow.MaxIterations})
	if err != nil {
		logger.Fatal("Failed to create workflow engine", zap.Error(err))
	}

	runstore.NewJanitor(store, archiver, config.Workflow.SuspendedTTL, config.Workflow.JanitorInterval, logger).Start(ctx)

	// HTTP
	handler := httpapi.NewRunHandler(engine, toolPool, registry, config.Server.RateLimit, config.Server.RateBurst, logger)
	apiServer := httpapi.StartServer(httpapi.ServerConfig{
		Port:         config.Server.HTTPPort,
		ReadTimeout:  config.Server.ReadTimeout,
		WriteTimeout: config.Server.WriteTimeout,
	}, handler, logger)

	metricsServer := &http.Server{
		Addr:              ":" + strconv.Itoa(config.Server.MetricsPort),
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Metrics server listening", zap.Int("port", config.Server.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down router")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown failed", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Metrics server shutdown failed", zap.Error(err))
	}
	if configMgr != nil {
		_ = configMgr.Stop()
	}
	if err := toolPool.Shutdown(); err != nil {
		logger.Error("Tool pool shutdown failed", zap.Error(err))
	}
	if archive != nil {
		if err := archive.Close(); err != nil {
			logger.Error("Archive close failed", zap.Error(err))
		}
	}
	if redisWrapper != nil {
		_ = redisWrapper.Close()
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("Tracing shutdown failed", zap.Error(err))
	}
}

// newLogger builds a production logger unless debug level or console output is asked for
func newLogger(c cfg.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Level == "debug" || c.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	if c.Level != "" {
		level, err := zap.ParseAtomicLevel(c.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = level
	}
	return zc.Build()
}
