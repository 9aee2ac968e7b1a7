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

	"github.com/kumo-ai/seiri/internal/auth"
	"github.com/kumo-ai/seiri/internal/binding"
	"github.com/kumo-ai/seiri/internal/config"
	"github.com/kumo-ai/seiri/internal/guardrail"
	"github.com/kumo-ai/seiri/internal/invoke"
	"github.com/kumo-ai/seiri/internal/pipeline"
	"github.com/kumo-ai/seiri/internal/ratelimit"
	"github.com/kumo-ai/seiri/internal/registry"
	"github.com/kumo-ai/seiri/internal/server"
	"github.com/kumo-ai/seiri/internal/storage"
	"github.com/kumo-ai/seiri/internal/telemetry"
	"github.com/kumo-ai/seiri/internal/tracker"
	"github.com/kumo-ai/seiri/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("SEIRI_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("seiri starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database and apply migrations.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// JWT manager for caller auth.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Capability registry: loaded once at startup, static per deployment.
	caps, err := db.ListModelCapabilities(ctx)
	if err != nil {
		return fmt.Errorf("load model capabilities: %w", err)
	}
	reg, err := registry.New(caps)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	logger.Info("capability registry loaded", "families", len(caps))

	// Invocation adapter with per-endpoint credentials from the environment.
	adapter := invoke.New(reg, invoke.Credentials(cfg.ProviderKeys),
		&http.Client{Timeout: cfg.StepTimeout}, logger)

	resolver := binding.NewResolver(db)
	trk := tracker.New(db)
	evaluator := guardrail.NewEvaluator()

	orchestrator := pipeline.New(adapter, resolver, trk, evaluator, db, pipeline.Options{
		StepTimeout:     cfg.StepTimeout,
		MaxOutputTokens: cfg.MaxOutputTokens,
	}, logger)

	// Rate limiter: Redis-backed counters when configured, in-process otherwise.
	var counterStore ratelimit.CounterStore
	if cfg.RedisURL != "" {
		counterStore, err = ratelimit.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("ratelimit: %w", err)
		}
		logger.Info("rate limiting: redis", "limit", cfg.RateLimit, "window", cfg.RateLimitWindow)
	} else {
		counterStore = ratelimit.NewMemoryStore()
		logger.Info("rate limiting: memory (in-process fixed window)",
			"limit", cfg.RateLimit, "window", cfg.RateLimitWindow)
	}
	limiter := ratelimit.New(counterStore, cfg.RateLimit, cfg.RateLimitWindow, logger)
	defer func() { _ = limiter.Close() }()

	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		Orchestrator:        orchestrator,
		Tracker:             trk,
		Limiter:             limiter,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown: stop accepting new requests and drain in-flight
	// steps before closing the pool.
	slog.Info("seiri shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	slog.Info("seiri stopped")
	return nil
}
