// Package runtime is the process composition root: it owns every
// per-instance singleton (Store, Bus, AuthCache, breakers) as explicit
// values rather than process-wide globals, and wires the AuthCache/Bus
// dependency inversion together.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/dnscache"
	"go.uber.org/zap"

	"github.com/amerfu/llmgate/internal/authcache"
	"github.com/amerfu/llmgate/internal/bus"
	"github.com/amerfu/llmgate/internal/config"
	"github.com/amerfu/llmgate/internal/httpapi"
	"github.com/amerfu/llmgate/internal/ledger"
	"github.com/amerfu/llmgate/internal/logger"
	"github.com/amerfu/llmgate/internal/pipeline"
	"github.com/amerfu/llmgate/internal/pricing"
	"github.com/amerfu/llmgate/internal/provider"
	"github.com/amerfu/llmgate/internal/provider/anthropic"
	"github.com/amerfu/llmgate/internal/provider/openai"
	"github.com/amerfu/llmgate/internal/resolver"
	"github.com/amerfu/llmgate/internal/store"
	"github.com/amerfu/llmgate/pkg/breaker"
)

// Runtime owns the gateway's per-instance singletons for the lifetime of
// the process.
type Runtime struct {
	Log   *zap.Logger
	Cfg   *config.Config
	Store *store.PostgresStore
	Bus   *bus.RedisBus
	Cache *authcache.AuthCache

	Server *httpapi.Server
	Routes httpapi.Routes

	cancelSubscribe context.CancelFunc
}

// Build wires every component from cfg. AuthCache only ever talks to
// bus.EventSource, never to the concrete RedisBus type.
func Build(cfg *config.Config) (*Runtime, error) {
	log, err := logger.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		return nil, err
	}

	pgStore, err := store.NewPostgresStore(store.PostgresConfig{
		DSN:       cfg.StoreURI,
		LogWriter: logger.GormLogWriter{Log: log},
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: store: %w", err)
	}

	opts, err := redis.ParseURL(cfg.BusURL)
	if err != nil {
		// Accept a bare host:port too.
		opts = &redis.Options{Addr: cfg.BusURL}
	}
	redisClient := redis.NewClient(opts)
	redisBus := bus.NewRedisBus(redisClient, log)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisBus.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("runtime: bus: %w", err)
	}

	cache, err := authcache.New(authcache.Config{
		TTL:        cfg.CacheTTL(),
		MaxEntries: cfg.CacheMaxEntries,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("runtime: authcache: %w", err)
	}

	res := resolver.New(cache, pgStore)
	pr := pricing.New(cache, pgStore)
	led := ledger.New(pgStore, pr, cache, log)
	pipe := pipeline.New(res, led, log, cfg.UpstreamTimeout())

	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()
	breakers := breaker.NewRegistry(cfg.BreakerFailureThreshold, cfg.BreakerCooldown())

	openaiAdapter := openai.New(dnsResolver, breakers)
	anthropicAdapter := anthropic.New(dnsResolver, breakers)

	routes := httpapi.NewRoutes(
		openaiAdapter, anthropicAdapter,
		provider.Credentials{BaseURL: cfg.OpenAIBaseURL, APIKey: cfg.OpenAIAPIKey},
		provider.Credentials{BaseURL: cfg.AnthropicBaseURL, APIKey: cfg.AnthropicAPIKey},
	)

	server := httpapi.NewServer(pipe, log, pgStore, redisBus, cfg.AdminAPIKey)

	return &Runtime{
		Log:    log,
		Cfg:    cfg,
		Store:  pgStore,
		Bus:    redisBus,
		Cache:  cache,
		Server: server,
		Routes: routes,
	}, nil
}

// Run starts the AuthCache's invalidation subscription in the background
// and blocks until ctx is canceled.
func (rt *Runtime) Run(ctx context.Context) {
	subCtx, cancel := context.WithCancel(ctx)
	rt.cancelSubscribe = cancel
	go func() {
		if err := rt.Cache.Run(subCtx, rt.Bus); err != nil && subCtx.Err() == nil {
			rt.Log.Error("runtime: invalidation subscription exited", zap.Error(err))
		}
	}()
	<-ctx.Done()
}

// Migrate creates tables and indexes, for the `migrate` CLI subcommand.
func (rt *Runtime) Migrate(ctx context.Context) error {
	return rt.Store.Migrate(ctx)
}

// Close releases the store connection. Called during graceful shutdown.
func (rt *Runtime) Close() error {
	if rt.cancelSubscribe != nil {
		rt.cancelSubscribe()
	}
	return rt.Store.Close()
}
