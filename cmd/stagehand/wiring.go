package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/stagehand/internal/config"
	"github.com/pitabwire/stagehand/internal/definition"
	"github.com/pitabwire/stagehand/internal/notify"
	"github.com/pitabwire/stagehand/internal/observability"
	"github.com/pitabwire/stagehand/internal/plugin"
	"github.com/pitabwire/stagehand/internal/steps"
	"github.com/pitabwire/stagehand/internal/workflow"
)

// app holds the components shared by the serve, run and cleanup commands.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	gatherer prometheus.Gatherer
	metrics  *observability.Metrics

	registry    *definition.Registry
	store       workflow.ExecutionStore
	idempotency workflow.IdempotencyStore
	notifier    *notify.Breaker
	engine      *workflow.Engine

	closers []func()
}

// newApp builds every component named by cfg. The returned app must be
// closed by the caller.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &app{
		cfg:      cfg,
		logger:   logger,
		gatherer: reg,
		metrics:  observability.InitMetrics(reg),
	}

	// Workflow definitions: built-ins plus the persisted custom set.
	regOpts := []definition.Option{
		definition.WithLogger(logger.Named("definitions")),
		definition.WithMetrics(a.metrics),
	}
	if cfg.Definitions.File != "" {
		regOpts = append(regOpts, definition.WithPersistence(definition.NewFileStore(cfg.Definitions.File)))
	}
	a.registry = definition.NewRegistry(regOpts...)
	if _, err := a.registry.Load(ctx); err != nil {
		return nil, fmt.Errorf("workflow definitions: %w", err)
	}

	store, closeStore, err := buildExecutionStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.addCloser(closeStore)

	idem, closeIdem, err := buildIdempotencyStore(cfg.Idempotency, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.idempotency = idem
	a.addCloser(closeIdem)

	notifier, closeNotifier, err := buildNotifier(cfg.Notifications, a.metrics, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.notifier = notifier
	a.addCloser(closeNotifier)

	var history plugin.ReleaseHistory
	if cfg.Steps.HistoryDir != "" {
		history = plugin.NewDirectoryHistory(cfg.Steps.HistoryDir)
	}
	stepSet := steps.NewSet(steps.Config{
		ManifestFile:     cfg.Steps.ManifestFile,
		ArtifactDir:      cfg.Steps.ArtifactDir,
		DeployRoot:       cfg.Steps.DeployRoot,
		TestInterpreter:  cfg.Steps.TestInterpreter,
		TestTimeout:      cfg.Steps.TestTimeout,
		TestOutputLimit:  cfg.Steps.TestOutputLimit,
		MonitorFreshness: cfg.Steps.MonitorFreshness,
	}, history)

	engineOpts := []workflow.EngineOption{
		workflow.WithLogger(logger.Named("engine")),
		workflow.WithMetrics(a.metrics),
		workflow.WithRollbackTimeout(cfg.Engine.RollbackTimeout),
		workflow.WithNotifyTimeout(cfg.Notifications.Timeout),
	}
	if a.notifier != nil {
		engineOpts = append(engineOpts, workflow.WithNotifier(a.notifier))
	}
	a.engine = workflow.NewEngine(
		a.registry,
		a.store,
		stepSet,
		plugin.NewDirectoryResolver(cfg.Steps.PluginsDir, cfg.Steps.ManifestFile),
		engineOpts...,
	)
	return a, nil
}

func (a *app) addCloser(fn func()) {
	if fn != nil {
		a.closers = append(a.closers, fn)
	}
}

// close releases store connections in reverse order of creation.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// newDispatcher builds the dispatcher that serves API execute requests.
func (a *app) newDispatcher() *workflow.Dispatcher {
	opts := []workflow.DispatcherOption{
		workflow.WithDispatcherLogger(a.logger.Named("dispatcher")),
		workflow.WithDispatcherMetrics(a.metrics),
	}
	if a.idempotency != nil {
		opts = append(opts, workflow.WithIdempotency(a.idempotency, a.cfg.Idempotency.DefaultTTL))
	}
	return workflow.NewDispatcher(a.engine, a.cfg.Engine.MaxConcurrentExecutions, opts...)
}

// readiness builds the checks served on /ready.
func (a *app) readiness() observability.ReadinessChecks {
	checks := observability.ReadinessChecks{
		WorkflowsLoaded: func() bool { return len(a.registry.List()) > 0 },
	}
	if hc, ok := a.store.(observability.HealthChecker); ok {
		checks.ExecutionStore = hc
	}
	if hc, ok := a.idempotency.(observability.HealthChecker); ok {
		checks.IdempotencyStore = hc
	}
	if a.notifier != nil {
		checks.Notifier = a.notifier
	}
	return checks
}

// buildExecutionStore creates the execution store based on config.
func buildExecutionStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (workflow.ExecutionStore, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory execution store")
		return workflow.NewMemoryExecutionStore(), nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("execution store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("execution store: parse DSN: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		}
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("execution store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("execution store: ping: %w", err)
		}

		store := workflow.NewPgExecutionStore(pool)
		if cfg.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("execution store: migrate: %w", err)
			}
		}
		logger.Info("using postgres execution store")
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported execution store driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the idempotency store based on config.
// Returns a nil store when idempotency is disabled.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) (workflow.IdempotencyStore, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		return workflow.NewMemoryIdempotencyStore(), nil, nil
	case "redis":
		client, err := newRedisClient(cfg.AddrEnv, cfg.DB)
		if err != nil {
			return nil, nil, fmt.Errorf("idempotency store: %w", err)
		}
		logger.Info("using redis idempotency store")
		return workflow.NewRedisIdempotencyStore(client), func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency driver: %q", cfg.Driver)
	}
}

// buildNotifier creates the notifier chain based on config, wrapped in a
// circuit breaker. Returns nil when notifications are disabled.
func buildNotifier(cfg config.NotificationsConfig, metrics *observability.Metrics, logger *zap.Logger) (*notify.Breaker, func(), error) {
	notifyLogger := logger.Named("notify")

	var (
		next   notify.Notifier
		closer func()
	)
	switch cfg.Driver {
	case "none":
		return nil, nil, nil
	case "log", "":
		next = notify.NewLogNotifier(notifyLogger)
	case "redis":
		client, err := newRedisClient(cfg.AddrEnv, cfg.DB)
		if err != nil {
			return nil, nil, fmt.Errorf("notifier: %w", err)
		}
		next = notify.Multi{
			notify.NewLogNotifier(notifyLogger),
			notify.NewRedisNotifier(client, cfg.ChannelPrefix),
		}
		closer = func() { client.Close() }
	default:
		return nil, nil, fmt.Errorf("unsupported notifications driver: %q", cfg.Driver)
	}

	b := notify.NewBreaker(next,
		cfg.Breaker.FailureThreshold,
		cfg.Breaker.SuccessThreshold,
		cfg.Breaker.Timeout,
		notify.WithBreakerLogger(notifyLogger),
		notify.WithBreakerMetrics(metrics),
	)
	return b, closer, nil
}

func newRedisClient(addrEnv string, db int) (*redis.Client, error) {
	addr := os.Getenv(addrEnv)
	if addr == "" {
		return nil, fmt.Errorf("%s environment variable not set", addrEnv)
	}
	return redis.NewClient(&redis.Options{Addr: addr, DB: db}), nil
}

// runCleanupLoop periodically removes executions older than retentionDays.
func runCleanupLoop(ctx context.Context, engine *workflow.Engine, interval time.Duration, retentionDays int, logger *zap.Logger) {
	if interval <= 0 || retentionDays <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := engine.Cleanup(ctx, retentionDays); err != nil {
				logger.Error("execution cleanup failed", zap.Error(err))
			}
		}
	}
}
