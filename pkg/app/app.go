// Package app wires configured components into a running orchestrator.
// It is shared by the serve and run commands.
package app

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/itsacoffee/aura-orchestrator/pkg/audit"
	auditpg "github.com/itsacoffee/aura-orchestrator/pkg/audit/postgres"
	auditsqlite "github.com/itsacoffee/aura-orchestrator/pkg/audit/sqlite"
	"github.com/itsacoffee/aura-orchestrator/pkg/breaker"
	"github.com/itsacoffee/aura-orchestrator/pkg/budget"
	"github.com/itsacoffee/aura-orchestrator/pkg/cache"
	"github.com/itsacoffee/aura-orchestrator/pkg/cache/memory"
	cachesqlite "github.com/itsacoffee/aura-orchestrator/pkg/cache/sqlite"
	"github.com/itsacoffee/aura-orchestrator/pkg/config"
	"github.com/itsacoffee/aura-orchestrator/pkg/metrics"
	"github.com/itsacoffee/aura-orchestrator/pkg/models"
	"github.com/itsacoffee/aura-orchestrator/pkg/orchestrator"
	"github.com/itsacoffee/aura-orchestrator/pkg/provider"
	"github.com/itsacoffee/aura-orchestrator/pkg/provider/offline"
	"github.com/itsacoffee/aura-orchestrator/pkg/provider/openai"
	"github.com/itsacoffee/aura-orchestrator/pkg/registry"
	"github.com/itsacoffee/aura-orchestrator/pkg/resolver"
	"github.com/itsacoffee/aura-orchestrator/pkg/retry"
	"github.com/itsacoffee/aura-orchestrator/pkg/selection"
	"github.com/itsacoffee/aura-orchestrator/pkg/server"
)

// App holds every long-lived component.
type App struct {
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
	Registry     *registry.Registry
	Breaker      *breaker.Breaker
	Retry        *retry.Wrapper
	Budget       *budget.Manager
	Cache        *cache.Cache
	Audit        *audit.Log
	Selections   selection.Store
	Resolver     *resolver.Resolver
	Clients      *provider.Set
	Orchestrator *orchestrator.Orchestrator

	cfg     atomic.Pointer[config.Config]
	closers []io.Closer
}

// New builds an App from cfg. On error, everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Logger: logger, Metrics: metrics.New()}
	a.cfg.Store(cfg)
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.Registry, err = registry.FromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("init registry: %w", err)
	}

	var rdb redis.UniversalClient
	if cfg.Selection.Backend == "redis" || cfg.Budget.Backend == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, rdb)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
	}

	a.Breaker = breaker.New(breaker.ConfigFrom(cfg.Breaker),
		breaker.WithLogger(logger.Named("breaker")),
		breaker.WithTransitionHook(func(providerID string, from, to models.CircuitState) {
			a.Metrics.SetCircuitState(providerID, string(from), string(to))
		}),
	)
	a.Retry = retry.New(a.Breaker,
		retry.WithLogger(logger.Named("retry")),
		retry.WithMetrics(a.Metrics),
	)

	if a.Selections, err = openSelections(cfg, rdb); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Selections)
	if err := seedSelections(ctx, a.Selections, cfg.Selection.Entries); err != nil {
		return nil, err
	}

	var bstore budget.Store = budget.NewMemoryStore()
	if cfg.Budget.Backend == "redis" {
		bstore = budget.NewRedisStore(rdb, cfg.Redis.Prefix, cfg.Budget.SessionTTL)
	}
	a.Budget = budget.NewManager(bstore, budget.SettingsFrom(cfg.Budget), logger.Named("budget"), a.Metrics)

	if cfg.Cache.Enabled {
		store, err := openCacheStore(cfg)
		if err != nil {
			return nil, err
		}
		a.Cache = cache.New(store, cache.Options{
			DefaultTTL:     cfg.Cache.DefaultTTL,
			VolatileFields: cfg.Cache.VolatileFields,
			Logger:         logger.Named("cache"),
			Metrics:        a.Metrics,
		})
		a.closers = append(a.closers, a.Cache)
	}

	sink, err := openAuditSink(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	opts := audit.OptionsFrom(cfg.Audit)
	opts.Sink = sink
	opts.Logger = logger.Named("audit")
	opts.Metrics = a.Metrics
	a.Audit = audit.New(opts)
	a.closers = append(a.closers, a.Audit)

	a.Clients = provider.NewSet(logger.Named("provider"))
	a.Resolver = resolver.New(a.Registry, a.Selections,
		resolver.WithBreaker(a.Breaker),
		resolver.WithProbes(a.Clients),
		resolver.WithAudit(a.Audit),
		resolver.WithLogger(logger.Named("resolver")),
		resolver.WithMetrics(a.Metrics),
		resolver.WithAutoFallback(cfg.Selection.AllowAutomaticFallback),
	)
	a.Orchestrator = orchestrator.New(orchestrator.Deps{
		Resolver: a.Resolver,
		Budget:   a.Budget,
		Cache:    a.Cache,
		Retry:    a.Retry,
		Clients:  a.Clients,
		Audit:    a.Audit,
		Logger:   logger.Named("orchestrator"),
		Metrics:  a.Metrics,
	}, settingsFrom(cfg))

	if err := a.applyClients(cfg); err != nil {
		return nil, err
	}
	return a, nil
}

// Config returns the configuration last applied.
func (a *App) Config() *config.Config {
	return a.cfg.Load()
}

// Apply re-applies the reloadable parts of cfg: provider catalog and
// clients, breaker thresholds, automatic fallback, budget defaults and
// dispatch settings. Backends are not reopened.
func (a *App) Apply(cfg *config.Config) error {
	if err := a.Registry.Reload(registry.Descriptors(cfg)); err != nil {
		return fmt.Errorf("reload registry: %w", err)
	}
	if err := a.applyClients(cfg); err != nil {
		return err
	}
	a.Breaker.Configure(breaker.ConfigFrom(cfg.Breaker))
	a.Resolver.SetAutoFallback(cfg.Selection.AllowAutomaticFallback)
	a.Budget.Configure(budget.SettingsFrom(cfg.Budget))
	a.Orchestrator.Configure(settingsFrom(cfg))
	a.cfg.Store(cfg)

	a.Logger.Info("configuration applied",
		zap.Int("providers", len(cfg.Providers)),
		zap.Bool("auto_fallback", cfg.Selection.AllowAutomaticFallback),
		zap.Int("failure_threshold", cfg.Breaker.FailureThreshold),
	)
	return nil
}

func (a *App) applyClients(cfg *config.Config) error {
	clients, err := buildClients(cfg)
	if err != nil {
		return err
	}
	a.Clients.Replace(clients)
	for _, p := range cfg.Providers {
		a.Retry.SetRateLimit(p.ID, p.RateLimitRPS)
	}
	return nil
}

// Server returns the HTTP API over this App.
func (a *App) Server() *server.Server {
	cfg := a.Config()
	return server.New(server.Deps{
		Orchestrator: a.Orchestrator,
		Resolver:     a.Resolver,
		Breaker:      a.Breaker,
		Budget:       a.Budget,
		Cache:        a.Cache,
		Audit:        a.Audit,
		Clients:      a.Clients,
		Metrics:      a.Metrics,
		Logger:       a.Logger.Named("http"),
		AdminAPIKey:  cfg.AdminAPIKey,
		AllowOrigins: cfg.CORSOrigins,
	})
}

// Serve runs the HTTP API, provider probes and, when configPath is set, the
// config watcher until ctx is done.
func (a *App) Serve(ctx context.Context, configPath string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg := a.Config()
	if cfg.ProbeInterval > 0 {
		go a.Clients.RunProbes(ctx, cfg.ProbeInterval)
	}
	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, a.Logger.Named("config"), func(cfg *config.Config) {
				if err := a.Apply(cfg); err != nil {
					a.Logger.Warn("config apply failed", zap.Error(err))
				}
			})
			if err != nil {
				a.Logger.Warn("config watcher stopped", zap.Error(err))
			}
		}()
	}
	return a.Server().ListenAndServe(ctx, cfg.Listen)
}

// Close flushes the audit log and closes every backend.
func (a *App) Close() error {
	var result *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	a.closers = nil
	return result.ErrorOrNil()
}

func settingsFrom(cfg *config.Config) orchestrator.Settings {
	return orchestrator.Settings{
		Policy:            retry.PolicyFrom(cfg.Retry),
		OperationDeadline: cfg.Retry.OperationDeadline,
		DefaultTokensOut:  cfg.Budget.DefaultExpectedTokensOut,
	}
}

func buildClients(cfg *config.Config) (map[string]provider.Client, error) {
	out := make(map[string]provider.Client, len(cfg.Providers))
	for _, p := range cfg.Providers {
		switch p.Type {
		case "offline":
			out[p.ID] = offline.New(p.ID)
		default:
			c, err := openai.New(p.ID, p.URL, p.APIKey, nil)
			if err != nil {
				return nil, err
			}
			out[p.ID] = c
		}
	}
	return out, nil
}

func openSelections(cfg *config.Config, rdb redis.UniversalClient) (selection.Store, error) {
	switch cfg.Selection.Backend {
	case "sqlite":
		s, err := selection.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("init selection store: %w", err)
		}
		return s, nil
	case "redis":
		return selection.NewRedisStore(rdb, cfg.Redis.Prefix), nil
	}
	return selection.NewMemoryStore(), nil
}

func seedSelections(ctx context.Context, store selection.Store, entries []models.ModelSelection) error {
	now := time.Now()
	for i, e := range entries {
		sel, err := selection.Prepare(e, now)
		if err != nil {
			return fmt.Errorf("selection.entries[%d]: %w", i, err)
		}
		if err := store.Put(ctx, sel); err != nil {
			return fmt.Errorf("seed selection: %w", err)
		}
	}
	return nil
}

func openCacheStore(cfg *config.Config) (cache.Store, error) {
	if cfg.Cache.Backend == "sqlite" {
		s, err := cachesqlite.New(cfg.DBPath, cfg.Cache.MaxEntries, cfg.Cache.MaxBytes)
		if err != nil {
			return nil, fmt.Errorf("init cache: %w", err)
		}
		return s, nil
	}
	s, err := memory.New(cfg.Cache.MaxEntries, cfg.Cache.MaxBytes)
	if err != nil {
		return nil, fmt.Errorf("init cache: %w", err)
	}
	return s, nil
}

func openAuditSink(ctx context.Context, cfg *config.Config, logger *zap.Logger) (audit.Sink, error) {
	retention := time.Duration(cfg.Audit.RetentionDays) * 24 * time.Hour
	switch cfg.Audit.Sink {
	case "sqlite":
		s, err := auditsqlite.New(cfg.Audit.DBPath, retention, logger.Named("audit.sqlite"))
		if err != nil {
			return nil, fmt.Errorf("open audit db: %w", err)
		}
		return s, nil
	case "postgres":
		s, err := auditpg.Open(ctx, cfg.Audit.DSN)
		if err != nil {
			return nil, fmt.Errorf("open audit db: %w", err)
		}
		return s, nil
	}
	return nil, nil
}
