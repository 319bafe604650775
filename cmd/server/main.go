// Package main is the entrypoint for the docpipe API server.
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

	"github.com/docpipe/docpipe/internal/ai"
	"github.com/docpipe/docpipe/internal/ai/mock"
	"github.com/docpipe/docpipe/internal/ai/openai"
	"github.com/docpipe/docpipe/internal/ai/serving"
	"github.com/docpipe/docpipe/internal/api"
	"github.com/docpipe/docpipe/internal/api/handler"
	mw "github.com/docpipe/docpipe/internal/api/middleware"
	"github.com/docpipe/docpipe/internal/auth"
	"github.com/docpipe/docpipe/internal/cache"
	"github.com/docpipe/docpipe/internal/config"
	"github.com/docpipe/docpipe/internal/pipeline"
	"github.com/docpipe/docpipe/internal/store"
	"github.com/docpipe/docpipe/internal/trace"
	"github.com/docpipe/docpipe/internal/volume"
	"github.com/docpipe/docpipe/internal/warehouse"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "ai_provider", cfg.AI.Provider, "env", cfg.Server.Env,
		"volume_path", cfg.Volume.Path())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Shared OAuth token source for the volume, warehouse, and serving APIs
	tokens := auth.NewClientCredentials(cfg.AI.Serving.TokenURL,
		cfg.AI.Serving.ClientID, cfg.AI.Serving.ClientSecret)

	// 6. Create AI provider
	querier, err := newQuerier(cfg.AI, tokens)
	if err != nil {
		return fmt.Errorf("create AI provider: %w", err)
	}
	slog.Info("AI provider initialized", "provider", querier.Name())

	// 7. Create stores and pipeline
	pgStore := store.NewPostgresStore(pool)
	volumeClient := volume.NewHTTPClient(cfg.Volume, tokens)
	warehouseClient := warehouse.NewHTTPClient(cfg.Warehouse, cfg.Volume, tokens)

	runner := pipeline.NewStageRunner(volumeClient, warehouseClient, querier,
		cfg.AI, cfg.Prompts, cfg.Pipeline.ForceFailureStage, logger)
	recorder := trace.NewSlogRecorder(logger)
	controller := pipeline.NewController(pgStore, redisCache, runner, recorder, logger,
		cfg.Pipeline.ExperimentID, cfg.Pipeline.LogVolume, cfg.Pipeline.Workers)
	controller.SetObserver(pipeline.NewLogObserver(logger))

	// Files left processing by a previous crash can never finish; fail them now
	if n, err := controller.ResetStuck(ctx); err != nil {
		slog.Error("resetting stuck files", "error", err)
	} else if n > 0 {
		slog.Info("reset stuck files", "count", n)
	}

	// 8. Build router with dependencies
	maxBytes := int64(cfg.Pipeline.MaxFileSizeMB) << 20

	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, 60),

		HealthHandler:     handler.NewHealthHandler(pgStore, redisCache),
		UploadHandler:     handler.NewUploadHandler(controller, maxBytes),
		ListFilesHandler:  handler.NewListFilesHandler(pgStore),
		GetFileHandler:    handler.NewGetFileHandler(pgStore),
		ResultsHandler:    handler.NewResultsHandler(pgStore),
		ReprocessHandler:  handler.NewReprocessHandler(controller),
		ResumeHandler:     handler.NewResumeHandler(controller),
		DeleteFileHandler: handler.NewDeleteFileHandler(pgStore, volumeClient, logger),
		ResetStuckHandler: handler.NewResetStuckHandler(controller),
		CreateKeyHandler:  handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:   handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler:  handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// newQuerier selects the AI provider named in the config.
func newQuerier(cfg config.AIConfig, tokens auth.TokenSource) (ai.Querier, error) {
	switch cfg.Provider {
	case "serving":
		return serving.NewProvider(cfg.Serving, tokens), nil
	case "openai":
		return openai.NewProvider(cfg.OpenAI), nil
	case "mock":
		return mock.NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("unknown AI provider: %s", cfg.Provider)
	}
}
