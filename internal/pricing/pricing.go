// Package pricing loads ModelCost rows via AuthCache/Store and computes
// per-call cost from token usage.
package pricing

import (
	"context"
	"errors"

	"github.com/amerfu/llmgate/internal/authcache"
	"github.com/amerfu/llmgate/internal/models"
	"github.com/amerfu/llmgate/internal/money"
	"github.com/amerfu/llmgate/internal/store"
)

// ErrUnpricedModel is returned when no ModelCost row exists for a model
// name the pipeline needs to price. The pipeline treats this as a
// post-facto error: the call already happened, so the debit is skipped
// and a pricing_missing marker is written instead.
var ErrUnpricedModel = errors.New("pricing: no ModelCost row for model")

// Pricing computes cost_usd for a (model, Usage) pair.
type Pricing struct {
	cache *authcache.AuthCache
	store store.Store
}

func New(cache *authcache.AuthCache, st store.Store) *Pricing {
	return &Pricing{cache: cache, store: st}
}

// Cost returns the total billed for usage at modelName's per-million
// rates.
func (p *Pricing) Cost(ctx context.Context, modelName string, usage models.Usage) (money.Micros, error) {
	rates, err := p.cache.GetModelCost(modelName, func() (models.ModelCost, error) {
		return p.store.GetModelCost(ctx, modelName)
	})
	if err != nil {
		if err == store.ErrNotFound {
			return 0, ErrUnpricedModel
		}
		return 0, err
	}

	cost := money.CostOfTokens(usage.InputTokens, rates.InputRateMicros) +
		money.CostOfTokens(usage.OutputTokens, rates.OutputRateMicros) +
		money.CostOfTokens(usage.CacheReadTokens, rates.CacheReadRateMicros) +
		money.CostOfTokens(usage.CacheWriteTokens, rates.CacheWriteRateMicros)

	return cost, nil
}
