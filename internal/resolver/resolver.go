// Package resolver turns a bearer token into an authenticated Principal,
// consulting AuthCache then Store, and enforcing active flags, budget,
// and allowed_models.
package resolver

import (
	"context"
	"fmt"

	"github.com/amerfu/llmgate/internal/authcache"
	"github.com/amerfu/llmgate/internal/gatewayerr"
	"github.com/amerfu/llmgate/internal/models"
	"github.com/amerfu/llmgate/internal/store"
)

// Resolver resolves a bearer token (and the model it's being used for)
// into a Principal.
type Resolver struct {
	cache *authcache.AuthCache
	store store.Store
}

func New(cache *authcache.AuthCache, st store.Store) *Resolver {
	return &Resolver{cache: cache, store: st}
}

// Resolve authenticates bearerToken and checks that requestedModel is
// permitted for it.
func (r *Resolver) Resolve(ctx context.Context, bearerToken, requestedModel string) (models.Principal, error) {
	apiKey, err := r.cache.GetApiKey(bearerToken, func() (models.ApiKey, error) {
		return r.store.GetApiKey(ctx, bearerToken)
	})
	if err != nil {
		if err == store.ErrNotFound {
			return models.Principal{}, gatewayerr.New(gatewayerr.KindUnauthenticated, "unknown api key")
		}
		return models.Principal{}, gatewayerr.Wrap(gatewayerr.KindInternal, "resolve api key", err)
	}
	if !apiKey.IsActive {
		return models.Principal{}, gatewayerr.New(gatewayerr.KindUnauthenticated, "api key is inactive")
	}

	account, err := r.cache.GetAccount(apiKey.UserID, func() (models.Account, error) {
		return r.store.GetAccount(ctx, apiKey.UserID)
	})
	if err != nil {
		if err == store.ErrNotFound {
			return models.Principal{}, gatewayerr.New(gatewayerr.KindUnauthenticated, "account does not exist for this api key")
		}
		return models.Principal{}, gatewayerr.Wrap(gatewayerr.KindInternal, "resolve account", err)
	}
	if !account.IsActive {
		return models.Principal{}, gatewayerr.New(gatewayerr.KindAccountDisabled, "account is disabled")
	}

	// Budget precheck. A zero budget is default-deny: unlimited accounts
	// must configure a sentinel large value instead.
	if account.IsOverBudget() {
		return models.Principal{}, gatewayerr.New(gatewayerr.KindBudgetExceeded, "account has exhausted its budget")
	}

	// allowed_models: nil means no restriction.
	if requestedModel != "" {
		allowed, err := apiKey.AllowedModelSet()
		if err != nil {
			return models.Principal{}, gatewayerr.Wrap(gatewayerr.KindInternal, "decode allowed_models", err)
		}
		if allowed != nil {
			if _, ok := allowed[requestedModel]; !ok {
				return models.Principal{}, gatewayerr.New(gatewayerr.KindModelForbidden, fmt.Sprintf("model %q is not in this key's allowed_models", requestedModel))
			}
		}
	}

	return models.Principal{ApiKey: apiKey, Account: account}, nil
}
