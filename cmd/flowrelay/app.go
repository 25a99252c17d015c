package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"flowrelay/internal/config"
	"flowrelay/internal/dedup"
	"flowrelay/internal/dispatch"
	"flowrelay/internal/eventsource"
	"flowrelay/internal/handler"
	"flowrelay/internal/logger"
	"flowrelay/internal/ops"
	"flowrelay/internal/recordstore"
	"flowrelay/pkg/health"
	"flowrelay/pkg/metrics"
	"flowrelay/pkg/tracing"
)

type App struct {
	configPath string
	store      *config.Store
	log        logger.Logger

	caches         recordstore.Caches
	records        *recordstore.Client
	dedup          dedup.Store
	redis          *redis.Client
	dispatcher     *dispatch.Dispatcher
	handler        *handler.Handler
	watcher        *config.Watcher
	opsServer      *ops.Server
	tracerProvider *tracing.TracerProvider

	mu           sync.Mutex
	sourceCancel context.CancelFunc
}

func NewApp(cfg *config.Config, configPath string, log logger.Logger) *App {
	return &App{
		configPath: configPath,
		store:      config.NewStore(cfg),
		log:        log,
	}
}

func (a *App) Initialize(ctx context.Context) error {
	cfg := a.store.Snapshot()

	tp, err := tracing.Init(cfg.Tracing, "flowrelay")
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterCoreMetrics()
	metrics.RegisterSourceMetrics()
	if cfg.CircuitBreaker.Enabled {
		metrics.RegisterCircuitBreakerMetrics()
	}

	a.caches = recordstore.NewCaches(cfg.Cache)
	a.records = recordstore.NewClient(cfg.RecordStore, cfg.Source, cfg.CircuitBreaker, a.caches, a.log)

	if err := a.initDedup(ctx, cfg); err != nil {
		return fmt.Errorf("failed to initialize dedup store: %w", err)
	}

	guard, err := dispatch.NewGuard()
	if err != nil {
		return fmt.Errorf("failed to initialize action guard: %w", err)
	}
	a.dispatcher = dispatch.NewDispatcher(a.records, guard, a.log)
	a.handler = handler.New(a.store, a.dedup, a.records, a.dispatcher, a.log)

	a.watcher = config.NewWatcher(a.configPath, cfg.Reload, a.reload, a.log)

	registry := health.NewCheckerRegistry()
	registry.Register(health.NewFuncChecker("record_store", a.records.Ping))
	if a.redis != nil {
		registry.Register(health.NewRedisChecker(a.redis))
	}
	a.opsServer = ops.NewServer(a.store, a.dedup, a.caches, registry, a.watcher, a.log)

	a.log.InfowCtx(ctx, "Application initialized",
		"source_type", cfg.Source.Type,
		"approval_rules", len(cfg.Approvals),
		"personnel_rules", len(cfg.PersonnelEvents),
		"dedup_backend", cfg.Dedup.Backend)
	return nil
}

func (a *App) initDedup(ctx context.Context, cfg *config.Config) error {
	if cfg.Dedup.Backend != "redis" {
		a.dedup = dedup.NewMemoryStore(cfg.Dedup.Window(), cfg.Dedup.SweepThreshold)
		return nil
	}

	a.redis = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Dedup.Redis.Host, cfg.Dedup.Redis.Port),
		Password: cfg.Dedup.Redis.Password,
		DB:       cfg.Dedup.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.redis.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	a.dedup = dedup.NewRedisStore(a.redis, cfg.Dedup.Window())
	return nil
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := a.opsServer.Run(gCtx)
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})

	if err := a.watcher.Start(gCtx); err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}

	// Catch up on pushes the platform could not deliver while we were down.
	a.replayFailedDeliveries(gCtx)

	g.Go(func() error {
		return a.runSource(gCtx)
	})

	g.Go(func() error {
		a.runCacheMetricsUpdater(gCtx)
		return nil
	})

	err := g.Wait()
	a.shutdown()
	return err
}

// runSource runs the configured event source, rebuilding the connection
// whenever a reload changes the rule set.
func (a *App) runSource(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		srcCtx, cancel := context.WithCancel(ctx)
		a.mu.Lock()
		a.sourceCancel = cancel
		a.mu.Unlock()

		source := a.buildSource()
		err := source.Run(srcCtx, a.handler.Handle)
		cancel()
		if closeErr := source.Close(); closeErr != nil {
			a.log.Warnw("Error closing event source", "error", closeErr)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.log.Infow("Event source restarting", "reason", err)
	}
}

func (a *App) buildSource() eventsource.Source {
	cfg := a.store.Snapshot()
	if cfg.Source.Type == "kafka" {
		return eventsource.NewKafkaSource(cfg.Source.Kafka, a.log)
	}
	return eventsource.NewStreamSource(cfg.Source, a.log)
}

// reload is invoked by the config watcher. A load or validation failure
// keeps the previous snapshot; an equal rule set swaps in place, a changed
// one additionally rebuilds the source connection.
func (a *App) reload(ctx context.Context) error {
	newCfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}

	old := a.store.Swap(newCfg)
	if config.RulesEqual(old, newCfg) {
		a.log.Infow("Config reloaded, rule set unchanged")
	} else {
		a.log.Infow("Config reloaded with rule changes, rebuilding event source",
			"approval_rules", len(newCfg.Approvals),
			"personnel_rules", len(newCfg.PersonnelEvents))
		a.restartSource()
	}

	a.replayFailedDeliveries(ctx)
	return nil
}

func (a *App) restartSource() {
	a.mu.Lock()
	cancel := a.sourceCancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (a *App) replayFailedDeliveries(ctx context.Context) {
	items, hasMore, _, err := a.records.ListFailedDeliveries(ctx)
	if err != nil {
		a.log.Warnw("Could not list failed deliveries, skipping replay", "error", err)
		return
	}
	if len(items) == 0 {
		return
	}

	stats := a.handler.ReplayFailedDeliveries(ctx, items)
	a.log.Infow("Replayed failed deliveries",
		"total", stats.Total, "succeeded", stats.Succeeded,
		"failed", stats.Failed, "has_more", hasMore)
}

// ListFailedDeliveries backs the failed-events subcommand.
func (a *App) ListFailedDeliveries(ctx context.Context) ([]recordstore.FailedDelivery, bool, string, error) {
	cfg := a.store.Snapshot()
	a.caches = recordstore.NewCaches(cfg.Cache)
	a.records = recordstore.NewClient(cfg.RecordStore, cfg.Source, cfg.CircuitBreaker, a.caches, a.log)
	return a.records.ListFailedDeliveries(ctx)
}

func (a *App) runCacheMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.publishCacheStats(ctx)
		}
	}
}

func (a *App) publishCacheStats(ctx context.Context) {
	tokenStats := a.caches.Tokens.Stats()
	userStats := a.caches.Users.Stats()
	deptStats := a.caches.Depts.Stats()

	metrics.CacheSize.WithLabelValues(tokenStats.Name).Set(float64(tokenStats.Size))
	metrics.CacheHitRate.WithLabelValues(tokenStats.Name).Set(tokenStats.HitRate)
	metrics.CacheSize.WithLabelValues(userStats.Name).Set(float64(userStats.Size))
	metrics.CacheHitRate.WithLabelValues(userStats.Name).Set(userStats.HitRate)
	metrics.CacheSize.WithLabelValues(deptStats.Name).Set(float64(deptStats.Size))
	metrics.CacheHitRate.WithLabelValues(deptStats.Name).Set(deptStats.HitRate)

	if dedupStats, err := a.dedup.Stats(ctx); err == nil {
		metrics.DedupSetSize.Set(float64(dedupStats.Size))
	}
}

func (a *App) shutdown() {
	a.watcher.Stop()

	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warnw("Error closing redis client", "error", err)
		}
	}

	if a.tracerProvider != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.tracerProvider.Shutdown(shutdownCtx); err != nil {
			a.log.Warnw("Error shutting down tracer provider", "error", err)
		}
	}
}
