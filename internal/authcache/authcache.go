// Package authcache implements the three per-namespace, TTL-bounded,
// capacity-bounded caches the resolver reads through: apikey, account,
// and modelcost. Each namespace is an independent otter cache with its own
// single-flight group for miss coalescing, and the whole AuthCache
// subscribes to an abstract bus.EventSource to evict on invalidation.
package authcache

import (
	"context"
	"time"

	"github.com/maypok86/otter/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/amerfu/llmgate/internal/bus"
	"github.com/amerfu/llmgate/internal/models"
)

// Config tunes TTL and capacity; both apply uniformly across namespaces.
type Config struct {
	TTL        time.Duration
	MaxEntries int
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = time.Hour
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 10000
	}
	return c
}

// namespace is a single bounded, TTL-expiring cache of one entity type,
// with single-flight fill coalescing — the direct generalization of
// otter-backed per-namespace caches.
type namespace[V any] struct {
	cache *otter.Cache[string, V]
	group singleflight.Group
}

func newNamespace[V any](cfg Config) (*namespace[V], error) {
	c, err := otter.New[string, V](&otter.Options[string, V]{
		MaximumSize:      cfg.MaxEntries,
		ExpiryCalculator: otter.ExpiryWriting[string, V](cfg.TTL),
	})
	if err != nil {
		return nil, err
	}
	return &namespace[V]{cache: c}, nil
}

func (n *namespace[V]) get(key string) (V, bool) {
	return n.cache.GetIfPresent(key)
}

func (n *namespace[V]) put(key string, v V) {
	n.cache.Set(key, v)
}

func (n *namespace[V]) invalidate(key string) {
	n.cache.Invalidate(key)
}

func (n *namespace[V]) invalidateAll() {
	n.cache.InvalidateAll()
}

// getOrFill returns the cached value, or calls fill exactly once across
// all concurrent callers for the same key.
func (n *namespace[V]) getOrFill(key string, fill func() (V, error)) (V, error) {
	if v, ok := n.get(key); ok {
		return v, nil
	}
	v, err, _ := n.group.Do(key, func() (interface{}, error) {
		if v, ok := n.get(key); ok {
			return v, nil
		}
		v, err := fill()
		if err != nil {
			return v, err
		}
		n.put(key, v)
		return v, nil
	})
	return v.(V), err
}

// AuthCache bundles the three namespaces plus invalidation subscription
// wiring.
type AuthCache struct {
	apiKeys    *namespace[models.ApiKey]
	accounts   *namespace[models.Account]
	modelCosts *namespace[models.ModelCost]
	log        *zap.Logger
}

// New constructs an AuthCache. Call Run in its own goroutine to begin
// consuming invalidation events from source.
func New(cfg Config, log *zap.Logger) (*AuthCache, error) {
	cfg = cfg.withDefaults()

	apiKeys, err := newNamespace[models.ApiKey](cfg)
	if err != nil {
		return nil, err
	}
	accounts, err := newNamespace[models.Account](cfg)
	if err != nil {
		return nil, err
	}
	modelCosts, err := newNamespace[models.ModelCost](cfg)
	if err != nil {
		return nil, err
	}

	return &AuthCache{
		apiKeys:    apiKeys,
		accounts:   accounts,
		modelCosts: modelCosts,
		log:        log,
	}, nil
}

// GetApiKey returns the cached ApiKey, filling from fill on miss.
func (c *AuthCache) GetApiKey(apiKey string, fill func() (models.ApiKey, error)) (models.ApiKey, error) {
	return c.apiKeys.getOrFill(apiKey, fill)
}

// GetAccount returns the cached Account, filling from fill on miss.
func (c *AuthCache) GetAccount(userID string, fill func() (models.Account, error)) (models.Account, error) {
	return c.accounts.getOrFill(userID, fill)
}

// GetModelCost returns the cached ModelCost, filling from fill on miss.
func (c *AuthCache) GetModelCost(modelName string, fill func() (models.ModelCost, error)) (models.ModelCost, error) {
	return c.modelCosts.getOrFill(modelName, fill)
}

// PutAccount overwrites the cached Account, used after IncrementSpent so a
// subsequent request on the same instance sees its own debit without
// waiting on an invalidation round-trip.
func (c *AuthCache) PutAccount(a models.Account) {
	c.accounts.put(a.UserID, a)
}

// Invalidate evicts one key from the given namespace.
func (c *AuthCache) Invalidate(ns bus.Namespace, key string) {
	switch ns {
	case bus.NamespaceApiKey:
		c.apiKeys.invalidate(key)
	case bus.NamespaceAccount:
		c.accounts.invalidate(key)
	case bus.NamespaceModelCost:
		c.modelCosts.invalidate(key)
	default:
		c.log.Warn("authcache: ignoring invalidation event with unknown type", zap.String("type", string(ns)))
	}
}

// InvalidateAll clears every namespace.
func (c *AuthCache) InvalidateAll() {
	c.apiKeys.invalidateAll()
	c.accounts.invalidateAll()
	c.modelCosts.invalidateAll()
}

// Run subscribes to source and evicts on every event until ctx is
// canceled. Intended to run for the lifetime of the process in its own
// goroutine (internal/runtime wires this).
func (c *AuthCache) Run(ctx context.Context, source bus.EventSource) error {
	return source.Subscribe(ctx, func(ev bus.Event) {
		c.Invalidate(ev.Type, ev.Key)
	})
}
