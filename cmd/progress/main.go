// Package main is the entry point of the progress engine API.
//
// Startup order:
//   - configuration and logging
//   - PostgreSQL connection, migrations and the achievement catalog
//   - read cache backend (redis, memory or none) and event publishing
//   - command and query handlers
//   - HTTP server, stopped gracefully on SIGINT/SIGTERM
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/tradeacademy/progress-engine/config"
	"github.com/tradeacademy/progress-engine/internal/application/command"
	"github.com/tradeacademy/progress-engine/internal/application/query"
	"github.com/tradeacademy/progress-engine/internal/application/readcache"
	"github.com/tradeacademy/progress-engine/internal/domain/progress"
	"github.com/tradeacademy/progress-engine/internal/infrastructure/messaging"
	"github.com/tradeacademy/progress-engine/internal/infrastructure/metrics"
	"github.com/tradeacademy/progress-engine/internal/infrastructure/persistence/memory"
	"github.com/tradeacademy/progress-engine/internal/infrastructure/persistence/postgres"
	"github.com/tradeacademy/progress-engine/internal/infrastructure/persistence/redis"
	httpserver "github.com/tradeacademy/progress-engine/internal/interface/http"
	"github.com/tradeacademy/progress-engine/internal/interface/http/handlers"
	"github.com/tradeacademy/progress-engine/pkg/circuitbreaker"
	"github.com/tradeacademy/progress-engine/pkg/logger"
	"github.com/tradeacademy/progress-engine/pkg/retry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION & LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg)
	defer func() { _ = log.Sync() }()

	log.Info("starting progress engine",
		logger.String("env", string(cfg.App.Environment)),
		logger.String("version", cfg.App.Version),
		logger.String("timezone", cfg.Engine.Timezone),
		logger.String("cache_backend", cfg.Cache.Backend),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 2. DATABASE
	// ─────────────────────────────────────────────────────────────────────────
	conn, err := connectDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing database connection")
		conn.Close()
	}()

	if cfg.Database.AutoMigrate {
		if err := migrate(ctx, conn, log); err != nil {
			return err
		}
	}

	repo := postgres.NewProgressRepository(conn, cfg.Database.LockTimeout)

	items, err := repo.LoadCatalog(ctx)
	if err != nil {
		return fmt.Errorf("failed to load achievement catalog: %w", err)
	}
	catalog, err := progress.NewCatalog(items)
	if err != nil {
		return fmt.Errorf("invalid achievement catalog: %w", err)
	}
	log.Info("achievement catalog loaded", logger.Int("achievements", len(items)))

	// ─────────────────────────────────────────────────────────────────────────
	// 3. METRICS & HEALTH
	// ─────────────────────────────────────────────────────────────────────────
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	health := handlers.NewCompositeHealthChecker(cfg.App.Version)
	health.AddCheck("postgres", handlers.NewPingCheck(conn))

	// ─────────────────────────────────────────────────────────────────────────
	// 4. READ CACHE
	// ─────────────────────────────────────────────────────────────────────────
	backend := buildCacheBackend(ctx, cfg, log, m, health)
	defer backend.close()

	cache := readcache.New(backend.cache, cfg.Cache.TTL, log, m)
	// Payloads written by a previous deployment may embed an older catalog.
	if err := cache.InvalidateAll(ctx); err != nil {
		log.Warn("startup cache flush failed", logger.Err(err))
	}

	publisher, closeEvents := buildPublisher(cfg, backend, log)
	defer closeEvents()

	// ─────────────────────────────────────────────────────────────────────────
	// 5. APPLICATION HANDLERS
	// ─────────────────────────────────────────────────────────────────────────
	deps := command.Dependencies{
		Store:     repo,
		Updater:   progress.NewUpdater(cfg.Engine.Location, time.Now),
		Evaluator: progress.NewEvaluator(catalog, time.Now),
		Cache:     cache,
		Publisher: publisher,
		Metrics:   m,
		Logger:    log,
	}

	getDashboard := query.NewGetDashboardHandler(repo, catalog, cache, log, time.Now, query.GetDashboardConfig{
		DefaultCalendarDays: cfg.Engine.DefaultCalendarDays,
		Location:            cfg.Engine.Location,
		LoadTimeout:         cfg.Engine.DashboardLoadTimeout,
	})

	// ─────────────────────────────────────────────────────────────────────────
	// 6. HTTP SERVER
	// ─────────────────────────────────────────────────────────────────────────
	httpCfg := httpserver.DefaultConfig()
	httpCfg.Port = cfg.HTTP.Port
	httpCfg.ReadHeaderTimeout = cfg.HTTP.ReadHeaderTimeout
	httpCfg.WriteTimeout = cfg.HTTP.WriteTimeout
	httpCfg.EnableMetrics = cfg.Observability.MetricsEnabled
	httpCfg.APIKeyHashes = cfg.HTTP.APIKeyHashes
	httpCfg.Version = cfg.App.Version

	server := httpserver.NewServer(httpCfg, httpserver.Dependencies{
		IngestCompletion: command.NewIngestCompletionHandler(deps),
		SubmitQuizAttempt: command.NewSubmitQuizAttemptHandler(deps, command.SubmitQuizAttemptConfig{
			PassingPercentage: cfg.Engine.PassingPercentage,
		}),
		EvaluateAchievements: command.NewEvaluateAchievementsHandler(deps),
		GetDashboard:         getDashboard,
		Logger:               log,
		Metrics:              m,
		HealthChecker:        health,
		Gatherer:             registry,
	})

	errCh := server.StartAsync()

	// ─────────────────────────────────────────────────────────────────────────
	// 7. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil {
			return err
		}
		return errors.New("http server stopped unexpectedly")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to stop HTTP server gracefully", logger.Err(err))
		return err
	}

	log.Info("shutdown completed successfully")
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func setupLogger(cfg *config.Config) *logger.Logger {
	opts := logger.DefaultOptions()
	opts.Level = logger.ParseLevel(cfg.Observability.LogLevel)
	opts.Format = cfg.Observability.LogFormat
	if cfg.App.Debug {
		opts.Level = logger.LevelDebug
	}
	return logger.New(opts).With(logger.String("service", cfg.App.Name))
}

// connectDatabase opens the pool, retrying while the database comes up.
func connectDatabase(ctx context.Context, cfg *config.Config, log *logger.Logger) (*postgres.Connection, error) {
	pgCfg := postgres.DefaultConfig()
	pgCfg.URL = cfg.Database.URL
	pgCfg.MaxConns = int32(cfg.Database.MaxConns)
	pgCfg.MinConns = int32(cfg.Database.MinConns)
	pgCfg.MaxConnLifetime = cfg.Database.ConnMaxLifetime
	pgCfg.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime

	var conn *postgres.Connection
	err := retry.DatabaseRetrier().Do(ctx, func(ctx context.Context) error {
		c, err := postgres.NewConnection(ctx, pgCfg)
		if err != nil {
			log.Warn("database not reachable yet", logger.Err(err))
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Info("database connection established")
	return conn, nil
}

func migrate(ctx context.Context, conn *postgres.Connection, log *logger.Logger) error {
	migrator := postgres.NewMigrator(conn)
	if err := migrator.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	status, err := migrator.Status(ctx)
	if err != nil {
		log.Warn("failed to get migration status", logger.Err(err))
		return nil
	}
	applied := 0
	for _, m := range status {
		if m.IsApplied {
			applied++
		}
	}
	log.Info("migrations completed", logger.Int("applied", applied), logger.Int("total", len(status)))
	return nil
}

// cacheBackend is the configured progress.Cache. client and breaker are set
// only for the redis backend.
type cacheBackend struct {
	cache   progress.Cache
	client  *goredis.Client
	breaker *circuitbreaker.CircuitBreaker
	close   func()
}

// buildCacheBackend returns the configured cache backend. A Redis outage at
// startup does not stop the service: the client is kept and the circuit
// breaker serves misses until Redis comes back.
func buildCacheBackend(
	ctx context.Context,
	cfg *config.Config,
	log *logger.Logger,
	m *metrics.Metrics,
	health *handlers.CompositeHealthChecker,
) cacheBackend {
	switch cfg.Cache.Backend {
	case config.CacheRedis:
		rcfg := redis.DefaultConfig()
		rcfg.Host = cfg.Redis.Host
		rcfg.Port = cfg.Redis.Port
		rcfg.Password = cfg.Redis.Password
		rcfg.DB = cfg.Redis.DB
		rcfg.PoolSize = cfg.Redis.PoolSize
		rcfg.MinIdleConns = cfg.Redis.MinIdleConns
		rcfg.DialTimeout = cfg.Redis.DialTimeout
		rcfg.ReadTimeout = cfg.Redis.ReadTimeout
		rcfg.WriteTimeout = cfg.Redis.WriteTimeout

		client, err := redis.NewClient(ctx, rcfg)
		if err != nil {
			log.Warn("redis unavailable at startup, serving from the database", logger.Err(err),
				logger.String("address", rcfg.Addr()))
			client = goredis.NewClient(rcfg.Options())
		}

		cacheLog := log.With(logger.Component("redis_cache"))
		backend := redis.NewProgressCache(client, func(open bool) {
			m.BreakerOpen(open)
			if open {
				cacheLog.Warn("cache circuit opened")
			} else {
				cacheLog.Info("cache circuit closed")
			}
		})
		health.AddOptionalCheck("redis", handlers.NewPingCheck(backend))

		return cacheBackend{
			cache:   backend,
			client:  client,
			breaker: backend.Breaker(),
			close:   func() { _ = client.Close() },
		}

	case config.CacheMemory:
		backend := memory.NewCache(nil)
		stop := make(chan struct{})
		go purgeLoop(backend, cfg.Cache.TTL, stop)
		return cacheBackend{cache: backend, close: func() { close(stop) }}

	default:
		return cacheBackend{close: func() {}}
	}
}

// buildPublisher returns the progress event publisher, or nil when events are
// disabled. Events go to Redis Pub/Sub when the cache runs on Redis, behind the
// cache's breaker, and are always logged in process.
func buildPublisher(cfg *config.Config, backend cacheBackend, log *logger.Logger) (progress.Publisher, func()) {
	if !cfg.Events.Enabled {
		return nil, func() {}
	}

	local := messaging.NewInMemoryEventBus(log)
	eventLog := log.With(logger.Component("progress_events"))
	local.SubscribeAll(func(_ context.Context, e progress.Event) error {
		eventLog.Debug("progress event",
			logger.String("type", string(e.Type)), logger.UserID(e.UserID), logger.Any("payload", e.Payload))
		return nil
	})

	if backend.client == nil {
		return local, func() { _ = local.Close() }
	}

	p := messaging.NewRedisPublisher(backend.client, cfg.Events.Channel, local, backend.breaker)
	log.Info("publishing progress events", logger.String("channel", p.Channel()))
	return p, func() { _ = local.Close() }
}

// purgeLoop drops expired in-process cache entries.
func purgeLoop(c *memory.Cache, every time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Purge()
		case <-stop:
			return
		}
	}
}
