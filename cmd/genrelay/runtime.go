package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pario-ai/genrelay/pkg/budget"
	"github.com/pario-ai/genrelay/pkg/cache"
	"github.com/pario-ai/genrelay/pkg/config"
	"github.com/pario-ai/genrelay/pkg/connectivity"
	"github.com/pario-ai/genrelay/pkg/generr"
	"github.com/pario-ai/genrelay/pkg/keys"
	"github.com/pario-ai/genrelay/pkg/metrics"
	"github.com/pario-ai/genrelay/pkg/models"
	"github.com/pario-ai/genrelay/pkg/offline"
	"github.com/pario-ai/genrelay/pkg/orchestrator"
	"github.com/pario-ai/genrelay/pkg/provider"
	"github.com/pario-ai/genrelay/pkg/router"
	"github.com/pario-ai/genrelay/pkg/store"
	redisstore "github.com/pario-ai/genrelay/pkg/store/redis"
	sqlitestore "github.com/pario-ai/genrelay/pkg/store/sqlite"
	"github.com/pario-ai/genrelay/pkg/tracker"
)

// runtime owns everything a command needs to generate text.
type runtime struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    store.Store
	tracker  *tracker.SQLiteTracker
	enforcer *budget.Enforcer
	monitor  *connectivity.Monitor
	metrics  *metrics.Recorder
	orch     *orchestrator.Orchestrator
}

// openStore opens the configured persistence backend, nil for "none".
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "", "none":
		return nil, nil
	case "sqlite":
		return sqlitestore.New(cfg.DBPath)
	case "redis":
		return redisstore.New(ctx, redisstore.Config{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
			Prefix:   cfg.Store.Redis.Prefix,
		})
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

func buildRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger, online bool) (*runtime, error) {
	if len(cfg.Providers) == 0 {
		return nil, errors.New("no providers configured: add one to the config file or set OPENAI_API_KEY")
	}
	rt := &runtime{
		cfg:     cfg,
		logger:  logger,
		monitor: connectivity.NewMonitor(online, connectivity.Unknown),
		metrics: metrics.New(),
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	rt.store = st

	rt.tracker, err = tracker.New(cfg.DBPath)
	if err != nil {
		rt.closeStore()
		return nil, fmt.Errorf("init tracker: %w", err)
	}

	client := provider.NewClient(router.New(cfg),
		provider.WithHTTPClient(&http.Client{}),
		provider.WithLogger(logger.Named("provider")),
		provider.WithObserver(rt.recordCall),
	)

	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger.Named("orchestrator")),
		orchestrator.WithConnectivity(rt.monitor),
		orchestrator.WithMetrics(rt.metrics),
	}

	if cfg.Cache.Enabled {
		cacheOpts := []cache.Option{cache.WithLogger(logger.Named("cache"))}
		if st != nil && cfg.Cache.Persist {
			cacheOpts = append(cacheOpts, cache.WithStore(st))
		}
		c := cache.New(cache.Config{
			TTL:           cfg.Cache.TTL,
			MaxEntries:    cfg.Cache.MaxEntries,
			MaxBytes:      cfg.Cache.MaxBytes,
			MaxEntryBytes: cfg.Cache.MaxEntryBytes,
			SweepInterval: cfg.Cache.SweepInterval,
		}, cacheOpts...)
		n, err := c.Load(ctx)
		if err != nil {
			logger.Warn("cache: warm from store failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("cache: warmed from store", zap.Int("entries", n))
		}
		opts = append(opts, orchestrator.WithCache(c))
	}

	queueOpts := []offline.Option{offline.WithLogger(logger.Named("offline"))}
	if st != nil && cfg.Offline.Persist {
		queueOpts = append(queueOpts, offline.WithStore(st))
	}
	opts = append(opts, orchestrator.WithOfflineQueue(offline.New(cfg.Offline.Config, queueOpts...)))

	if cfg.Budget.Enabled {
		rt.enforcer = budget.New(cfg.Budget.Policies, rt.tracker)
		opts = append(opts, orchestrator.WithBudget(rt.enforcer))
	}

	rt.orch = orchestrator.New(client, orchestrator.Config{
		RateLimit:            cfg.RateLimit,
		Retry:                cfg.Retry,
		Batch:                cfg.Batch,
		BaseTimeout:          cfg.Timeout.Base,
		MaxTimeoutMultiplier: cfg.Timeout.MaxMultiplier,
		DrainInterval:        cfg.Offline.DrainInterval,
	}, opts...)

	if n, err := rt.orch.Restore(ctx); err != nil {
		logger.Warn("offline: restore failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("offline: replaying requests from an earlier run", zap.Int("count", n))
	}
	return rt, nil
}

// recordCall stores one upstream exchange in the usage tracker.
func (rt *runtime) recordCall(c provider.Call) {
	outcome := "ok"
	if c.Err != nil {
		outcome = generr.KindOf(c.Err).String()
	}
	rec := models.UsageRecord{
		RequestKey:       string(keys.Compute(c.Params)),
		Model:            c.Model,
		Style:            c.Params.Style,
		Provider:         c.Provider,
		StatusCode:       c.Status,
		Outcome:          outcome,
		PromptTokens:     c.Usage.PromptTokens,
		CompletionTokens: c.Usage.CompletionTokens,
		TotalTokens:      c.Usage.TotalTokens,
		LatencyMs:        c.Latency.Milliseconds(),
		CreatedAt:        time.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.tracker.Record(ctx, rec); err != nil {
		rt.logger.Warn("tracker: record usage", zap.Error(err))
	}
}

// Close shuts the orchestrator down and releases storage.
func (rt *runtime) Close(ctx context.Context) {
	if err := rt.orch.Shutdown(ctx); err != nil {
		rt.logger.Warn("shutdown incomplete", zap.Error(err))
	}
	if err := rt.tracker.Close(); err != nil {
		rt.logger.Warn("close tracker", zap.Error(err))
	}
	rt.closeStore()
	_ = rt.logger.Sync()
}

func (rt *runtime) closeStore() {
	if rt.store == nil {
		return
	}
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn("close store", zap.Error(err))
	}
}
