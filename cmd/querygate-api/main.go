package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/querygate/querygate/internal/api"
	"github.com/querygate/querygate/internal/auth"
	"github.com/querygate/querygate/internal/config"
	"github.com/querygate/querygate/internal/exec"
	"github.com/querygate/querygate/internal/observability"
	"github.com/querygate/querygate/internal/pipeline"
	"github.com/querygate/querygate/internal/schema"
	"github.com/querygate/querygate/internal/store"
	"github.com/querygate/querygate/internal/synth"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv("querygate-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	db, err := store.Open(context.Background(), store.Config{
		Driver:          cfg.Store.Driver,
		DSN:             cfg.Store.DSN,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		ConnMaxIdleTime: cfg.Store.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
		PingTimeout:     cfg.Store.PingTimeout,
	})
	if err != nil {
		logger.Error("failed to open store", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	catalog := schema.NewCatalog(db, cfg.Store.SchemaName)
	if _, err := catalog.Introspect(context.Background()); err != nil {
		logger.Error("initial schema introspection failed", slog.Any("error", err))
		os.Exit(1)
	}

	var generator synth.Generator
	if cfg.AI.APIKey != "" {
		generator, err = synth.NewOpenAIGenerator(synth.OpenAIConfig{
			BaseURL:     cfg.AI.BaseURL,
			APIKey:      cfg.AI.APIKey,
			Model:       cfg.AI.Model,
			Temperature: cfg.AI.Temperature,
			Timeout:     cfg.AI.Timeout,
		})
		if err != nil {
			logger.Error("failed to initialize synthesis backend", slog.Any("error", err))
			os.Exit(1)
		}
	} else if cfg.Profile == config.ProfileProd {
		logger.Error("QUERYGATE_AI_API_KEY is required in the prod profile")
		os.Exit(1)
	} else {
		logger.Warn("no AI API key configured, using static synthesis backend")
		generator = &synth.StaticGenerator{}
	}

	requestPipeline := pipeline.New(
		catalog,
		synth.NewSynthesizer(generator, cfg.Memory.ContextTurns),
		exec.NewExecutor(db),
		logger,
		pipeline.Config{
			MaxRows:        cfg.Pipeline.MaxRows,
			QueryTimeout:   cfg.Pipeline.QueryTimeout,
			MaxRetries:     cfg.Pipeline.MaxRetries,
			MemoryCapacity: cfg.Memory.Capacity,
		},
	)

	deps := api.Dependencies{
		Logger:            logger,
		Pipeline:          requestPipeline,
		Catalog:           catalog,
		Readiness:         catalog.HealthCheck,
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
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
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
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
}
