package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/haasonsaas/codrawer/internal/config"
	"github.com/haasonsaas/codrawer/internal/gateway"
	"github.com/haasonsaas/codrawer/internal/observability"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe implements the serve command logic.
// It handles configuration loading, service initialization, and graceful shutdown.
func runServe(ctx context.Context, configPath string, debug, watch bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger, levels := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	logger.Info("starting codrawer",
		"version", version,
		"commit", commit,
		"config", configPath,
		"backend", cfg.Generation.Backend,
		"min_model_interval", cfg.Gate.MinModelInterval,
	)

	// Create a context that cancels on shutdown signals.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracer, shutdownTracing, err := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName:    cfg.Observability.Tracing.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		Insecure:       cfg.Observability.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	server, err := gateway.New(gateway.Options{
		Config:  cfg,
		Logger:  logger,
		Levels:  levels,
		Metrics: observability.NewMetrics(),
		Tracer:  tracer,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize router: %w", err)
	}

	if watch && configPath != "" {
		watcher, err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
			if debug {
				next.Logging.Level = "debug"
			}
			server.ApplyConfig(next)
		})
		if err != nil {
			logger.Warn("config hot reload disabled", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("failed to flush traces", "error", err)
	}

	logger.Info("codrawer stopped gracefully")
	return nil
}
