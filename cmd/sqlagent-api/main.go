package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/duckmesh/sqlagent/internal/agent"
	"github.com/duckmesh/sqlagent/internal/api"
	"github.com/duckmesh/sqlagent/internal/auth"
	"github.com/duckmesh/sqlagent/internal/cache"
	"github.com/duckmesh/sqlagent/internal/config"
	"github.com/duckmesh/sqlagent/internal/correction"
	"github.com/duckmesh/sqlagent/internal/llm"
	"github.com/duckmesh/sqlagent/internal/llm/anthropic"
	"github.com/duckmesh/sqlagent/internal/llm/openai"
	"github.com/duckmesh/sqlagent/internal/nl2sql"
	"github.com/duckmesh/sqlagent/internal/observability"
	"github.com/duckmesh/sqlagent/internal/prompts"
	"github.com/duckmesh/sqlagent/internal/schema"
	"github.com/duckmesh/sqlagent/internal/storage"
	s3store "github.com/duckmesh/sqlagent/internal/storage/s3"
	"github.com/duckmesh/sqlagent/internal/validator"
	"github.com/duckmesh/sqlagent/internal/warehouse"
	duckdbengine "github.com/duckmesh/sqlagent/internal/warehouse/duckdb"
	"github.com/duckmesh/sqlagent/internal/warehouse/sqldb"
)

// backend is the warehouse side of the agent: where SQL runs and where
// schemas come from.
type backend struct {
	executor warehouse.Executor
	schemas  schema.Provider
	ping     func(ctx context.Context) error
	close    func() error
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv("sqlagent-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout)

	var objectStore storage.ObjectStore
	if cfg.ObjectStore.Endpoint != "" {
		objectStore, err = s3store.New(context.Background(), s3store.Config{
			Endpoint:         cfg.ObjectStore.Endpoint,
			Region:           cfg.ObjectStore.Region,
			Bucket:           cfg.ObjectStore.Bucket,
			AccessKeyID:      cfg.ObjectStore.AccessKeyID,
			SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
			UseSSL:           cfg.ObjectStore.UseSSL,
			Prefix:           cfg.ObjectStore.Prefix,
			AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
		})
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
	}

	wh, err := openBackend(cfg, objectStore)
	if err != nil {
		logger.Error("failed to open warehouse", slog.String("driver", cfg.Warehouse.Driver), slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = wh.close() }()

	model, err := newModel(cfg.Model)
	if err != nil {
		logger.Error("failed to initialize model client", slog.String("provider", cfg.Model.Provider), slog.Any("error", err))
		os.Exit(1)
	}
	model = llm.WithRetry(model, cfg.Model.MaxRetries, logger)

	library, err := prompts.Load()
	if err != nil {
		logger.Error("failed to load prompt templates", slog.Any("error", err))
		os.Exit(1)
	}
	documentation, err := prompts.LoadDocumentation(cfg.Generation.DocumentationPath)
	if err != nil {
		logger.Error("failed to load documentation", slog.String("path", cfg.Generation.DocumentationPath), slog.Any("error", err))
		os.Exit(1)
	}

	generator, err := nl2sql.NewGenerator(model, library, nl2sql.Config{
		ProjectID:    cfg.Warehouse.ProjectID,
		Dialect:      cfg.Generation.Dialect,
		MaxNumRows:   validator.MaxNumRows,
		Temperature:  cfg.Model.Temperature,
		MaxTokens:    cfg.Model.MaxTokens,
		Candidates:   cfg.Generation.Candidates,
		BatchTimeout: cfg.Generation.BatchTimeout,
	})
	if err != nil {
		logger.Error("failed to initialize generator", slog.Any("error", err))
		os.Exit(1)
	}
	strategy, err := nl2sql.New(cfg.Generation.Strategy, generator)
	if err != nil {
		logger.Error("failed to select generation strategy", slog.Any("error", err))
		os.Exit(1)
	}

	var analyst *agent.Analyst
	if cfg.Generation.AnalysisEnabled {
		analyst = agent.NewAnalyst(model, library, cfg.Model.Temperature, cfg.Model.MaxTokens)
	}

	answers := cache.New[agent.Response]()
	var persister *cache.Persister[agent.Response]
	if objectStore != nil && cfg.Cache.SnapshotKey != "" {
		persister = cache.NewPersister(answers, objectStore, cfg.Cache.SnapshotKey, logger)
		if cfg.Cache.RestoreOnStart {
			if _, err := persister.Restore(context.Background()); err != nil {
				logger.Warn("cache restore failed; starting cold", slog.Any("error", err))
			}
		}
	}

	dispatcher, err := agent.NewDispatcher(agent.Options{
		DatasetID:      cfg.Warehouse.DatasetID,
		Cache:          answers,
		Schemas:        wh.schemas,
		Strategy:       strategy,
		Validator:      validator.New(wh.executor, logger),
		Corrector:      correction.NewCorrector(model, library, cfg.Model.Temperature, cfg.Model.MaxTokens),
		Dialect:        cfg.Generation.Dialect,
		MaxAttempts:    cfg.Generation.MaxCorrections,
		Documentation:  documentation,
		ResolveTimeout: cfg.Generation.ResolveTimeout,
		Analyst:        analyst,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("failed to initialize dispatcher", slog.Any("error", err))
		os.Exit(1)
	}

	checks := []api.ReadinessCheck{api.CheckWarehouse(wh.ping)}
	if cfg.Warehouse.Driver == "duckdb" {
		checks = append(checks, api.CheckObjectStoreConfig(cfg))
	}
	deps := api.Dependencies{
		Logger:            logger,
		Readiness:         api.CombineReadinessChecks(checks...),
		DependencyTimeout: time.Second,
		Agent:             dispatcher,
	}
	if persister != nil {
		deps.Snapshots = persister
	}
	if cfg.Auth.Required {
		keys, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, keys)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("dataset_id", cfg.Warehouse.DatasetID),
			slog.String("strategy", strategy.Name()),
			slog.String("provider", cfg.Model.Provider),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
	if persister != nil {
		if _, err := persister.Save(shutdownCtx); err != nil {
			logger.Error("failed to save cache snapshot", slog.Any("error", err))
		}
	}
}

func openBackend(cfg config.Config, objectStore storage.ObjectStore) (backend, error) {
	ttl := cfg.Warehouse.SchemaTTL
	if cfg.Warehouse.Driver == "duckdb" {
		if objectStore == nil {
			return backend{}, fmt.Errorf("duckdb warehouse requires an object store")
		}
		engine := duckdbengine.NewEngine(objectStore, cfg.Warehouse.ProjectID, cfg.Warehouse.SampleRows)
		return backend{
			executor: engine.For(cfg.Warehouse.DatasetID),
			schemas:  schema.NewCachingProvider(engine, ttl),
			ping: func(ctx context.Context) error {
				_, err := engine.Execute(ctx, "SELECT 1")
				return err
			},
			close: engine.Close,
		}, nil
	}

	dialect, err := sqldb.DialectFor(cfg.Warehouse.Driver)
	if err != nil {
		return backend{}, err
	}
	db, err := sqldb.Open(context.Background(), sqldb.Config{
		Driver:          cfg.Warehouse.Driver,
		DSN:             cfg.Warehouse.DSN,
		MaxOpenConns:    cfg.Warehouse.MaxOpenConns,
		MaxIdleConns:    cfg.Warehouse.MaxIdleConns,
		ConnMaxLifetime: cfg.Warehouse.ConnMaxLifetime,
	})
	if err != nil {
		return backend{}, err
	}
	return backend{
		executor: sqldb.NewExecutor(db),
		schemas:  schema.NewCachingProvider(sqldb.NewSchemaProvider(db, dialect, cfg.Warehouse.ProjectID, cfg.Warehouse.SampleRows), ttl),
		ping:     db.PingContext,
		close:    db.Close,
	}, nil
}

func newModel(cfg config.ModelConfig) (llm.Model, error) {
	switch cfg.Provider {
	case "openai":
		client, err := openai.New(openai.Config{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Timeout:   cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	case "anthropic":
		client, err := anthropic.New(anthropic.Config{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Timeout:   cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unsupported model provider %q", cfg.Provider)
	}
}
