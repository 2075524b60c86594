package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/stagehand/internal/config"
	"github.com/pitabwire/stagehand/internal/definition"
	"github.com/pitabwire/stagehand/internal/observability"
	"github.com/pitabwire/stagehand/internal/transport"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the workflow API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.bootstrap()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "stagehand", version)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	// Executions left behind by a previous process can never finish.
	recovered, err := a.engine.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("recovering interrupted executions: %w", err)
	}
	if recovered > 0 {
		logger.Warn("interrupted executions marked failed", zap.Int("count", recovered))
	}

	dispatcher := a.newDispatcher()

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if cfg.Definitions.HotReload && cfg.Definitions.File != "" {
		watcher, err := definition.NewWatcher(a.registry, cfg.Definitions.File, logger.Named("definitions"))
		if err != nil {
			logger.Warn("definition hot reload disabled", zap.Error(err))
		} else {
			go func() {
				if err := watcher.Run(bgCtx); err != nil {
					logger.Error("definition watcher stopped", zap.Error(err))
				}
			}()
		}
	}

	go runCleanupLoop(bgCtx, a.engine, cfg.Engine.CleanupInterval, cfg.Engine.RetentionDays, logger)

	var metricsHandler http.Handler
	if cfg.Observability.Metrics.Enabled {
		metricsHandler = observability.HandlerFor(a.gatherer)
	}

	router := transport.NewRouter(transport.Dependencies{
		Registry:       a.registry,
		Engine:         a.engine,
		Dispatcher:     dispatcher,
		Readiness:      a.readiness(),
		Metrics:        a.metrics,
		MetricsHandler: metricsHandler,
		Logger:         logger.Named("http"),
		HandlerTimeout: cfg.Server.HandlerTimeout,
		RetentionDays:  cfg.Engine.RetentionDays,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("workflows", len(a.registry.List())),
		zap.String("store", cfg.Store.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case serveErr = <-errCh:
		logger.Error("server error", zap.Error(serveErr))
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting requests, then let running executions finish.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.Warn("dispatcher shutdown", zap.Error(err))
	}

	bgCancel()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return serveErr
}
