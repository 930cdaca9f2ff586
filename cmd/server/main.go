// Command server runs the task scheduler: the HTTP API, the background
// reconciler and a Prometheus metrics endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/developer-mesh/taskswarm/pkg/api"
	"github.com/developer-mesh/taskswarm/pkg/cache"
	"github.com/developer-mesh/taskswarm/pkg/config"
	"github.com/developer-mesh/taskswarm/pkg/observability"
	"github.com/developer-mesh/taskswarm/pkg/reconciler"
	"github.com/developer-mesh/taskswarm/pkg/scheduler"
	"github.com/developer-mesh/taskswarm/pkg/stats"
	"github.com/developer-mesh/taskswarm/pkg/store"
	"github.com/developer-mesh/taskswarm/pkg/store/postgres"
	"github.com/developer-mesh/taskswarm/pkg/taskpack"
	"github.com/developer-mesh/taskswarm/pkg/taskqueue"
)

// These are stamped at build time.
var (
	version = "dev"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	logger.Info("starting", map[string]interface{}{
		"version":     version,
		"environment": cfg.Environment,
	})

	st, closeStore, err := newStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	cacheBackend, err := newCache(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = cacheBackend.Close() }()
	lookup := taskqueue.NewLookupCache(cacheBackend, cfg.Cache.LookupTTL)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	sched := scheduler.New(scheduler.Options{
		Store:       st,
		LookupCache: lookup,
		Stats:       stats.NewPrometheusSink(registry),
		Logger:      logger,
		App: scheduler.StaticAppInfo{
			AppVersion: version,
			Canary:     cfg.IsCanary(),
			LocalDev:   cfg.IsLocalDev(),
		},
		Config: scheduler.Config{
			ReusableTaskAge:  cfg.Scheduler.ReusableTaskAge,
			BotPingTolerance: cfg.Scheduler.BotPingTolerance,
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go reconciler.New(sched, logger, cfg.Scheduler.ReconcileInterval).Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/", api.NewServer(sched, st, logger).Handler())

	srv := &http.Server{
		Addr:         cfg.API.ListenAddress,
		Handler:      mux,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", cfg.API.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newLogger(cfg *config.Config) observability.Logger {
	logger := observability.NewStandardLogger("taskswarm")
	if std, ok := logger.(*observability.StandardLogger); ok {
		switch strings.ToLower(cfg.Logging.Level) {
		case "debug":
			logger = std.WithLevel(observability.LogLevelDebug)
		case "warn":
			logger = std.WithLevel(observability.LogLevelWarn)
		case "error":
			logger = std.WithLevel(observability.LogLevelError)
		}
	}
	return logger
}

// newStore selects PostgreSQL when a DSN is configured and falls back to the
// in-memory store for local development.
func newStore(cfg *config.Config, logger observability.Logger) (store.Store, func(), error) {
	if cfg.Database.DSN == "" {
		if !cfg.IsLocalDev() {
			return nil, nil, fmt.Errorf("database.dsn is required outside local development")
		}
		logger.Warn("no database configured, using in-memory store", nil)
		return store.NewMemoryStore(), func() {}, nil
	}
	db, err := postgres.Connect(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database.MigrateOnStart {
		if err := postgres.Migrate(db.DB); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
	}
	pg := postgres.New(db, shardingLevel(cfg), logger)
	return pg, func() { _ = pg.Close() }, nil
}

func newCache(cfg *config.Config) (cache.Cache, error) {
	switch cfg.Cache.Type {
	case "redis":
		return cache.NewRedisCache(cfg.Cache.Redis)
	default:
		return cache.NewMemoryCache(cfg.Cache.MaxItems, cfg.Cache.LookupTTL), nil
	}
}

// shardingLevel picks the shard-space width for the store: narrow on canary
// so transaction conflicts surface early.
func shardingLevel(cfg *config.Config) int {
	if cfg.IsCanary() {
		return taskpack.CanaryShardingLevel
	}
	return cfg.Scheduler.ShardingLevel
}
