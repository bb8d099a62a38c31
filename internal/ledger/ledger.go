// Package ledger implements the pre-flight budget predicate and the
// post-flight atomic debit plus usage-log append.
package ledger

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/amerfu/llmgate/internal/authcache"
	"github.com/amerfu/llmgate/internal/gatewayerr"
	"github.com/amerfu/llmgate/internal/models"
	"github.com/amerfu/llmgate/internal/money"
	"github.com/amerfu/llmgate/internal/pricing"
	"github.com/amerfu/llmgate/internal/store"
)

// Ledger owns Precheck and Settle.
type Ledger struct {
	store   store.Store
	pricing *pricing.Pricing
	cache   *authcache.AuthCache
	log     *zap.Logger
}

func New(st store.Store, pr *pricing.Pricing, cache *authcache.AuthCache, log *zap.Logger) *Ledger {
	return &Ledger{store: st, pricing: pr, cache: cache, log: log}
}

// Precheck is a pure comparison of snapshot values; it never re-reads
// the store.
func (l *Ledger) Precheck(account models.Account) error {
	if account.IsOverBudget() {
		return gatewayerr.New(gatewayerr.KindBudgetExceeded, "account has exhausted its budget")
	}
	return nil
}

// SettleInput bundles everything Settle needs to price and log one call.
type SettleInput struct {
	UserID          string
	APIKey          string
	ModelName       string
	Endpoint        string
	IPAddress       string
	Usage           models.Usage
	RequestPayload  []byte
	ResponsePayload []byte
}

// Settle prices the call, debits the account, and appends the usage
// log. It is best-effort-atomic:
// the increment happens before the log append, so a failure between the
// two never results in an unbilled-but-logged call, only the reverse
// (billed, not logged), which is surfaced to a dead-letter log instead of
// failing the caller — the client's response is already committed by the
// time Settle runs.
func (l *Ledger) Settle(ctx context.Context, in SettleInput) error {
	if in.Usage.Unavailable {
		return l.settlePricingMissing(ctx, in, true)
	}

	cost, err := l.pricing.Cost(ctx, in.ModelName, in.Usage)
	if err != nil {
		if errors.Is(err, pricing.ErrUnpricedModel) {
			l.log.Warn("ledger: settling with no pricing row, cost recorded as zero",
				zap.String("model", in.ModelName), zap.String("user_id", in.UserID))
			return l.settlePricingMissing(ctx, in, false)
		}
		return gatewayerr.Wrap(gatewayerr.KindInternal, "compute cost", err)
	}

	if cost > 0 {
		account, err := l.store.IncrementSpent(ctx, in.UserID, cost)
		if err != nil {
			l.log.Error("ledger: dead_letter: increment succeeded state unknown, usage log may be lost",
				zap.Bool("dead_letter", true), zap.String("user_id", in.UserID), zap.Error(err))
			return gatewayerr.Wrap(gatewayerr.KindInternal, "increment spent", err)
		}
		l.cache.PutAccount(account)
	}

	log := l.buildUsageLog(in, cost, false)
	if err := l.store.AppendUsageLog(ctx, log); err != nil {
		l.log.Error("ledger: dead_letter: account debited but usage log append failed",
			zap.Bool("dead_letter", true), zap.String("user_id", in.UserID),
			zap.String("model", in.ModelName), zap.Error(err))
	}
	return nil
}

func (l *Ledger) settlePricingMissing(ctx context.Context, in SettleInput, unavailableUsage bool) error {
	log := l.buildUsageLog(in, 0, true)
	if unavailableUsage {
		l.log.Warn("ledger: upstream reported no usage, settling as pricing_missing",
			zap.String("model", in.ModelName), zap.String("user_id", in.UserID))
	}
	if err := l.store.AppendUsageLog(ctx, log); err != nil {
		l.log.Error("ledger: dead_letter: pricing-missing usage log append failed",
			zap.Bool("dead_letter", true), zap.String("user_id", in.UserID), zap.Error(err))
	}
	return nil
}

func (l *Ledger) buildUsageLog(in SettleInput, cost money.Micros, pricingMissing bool) models.UsageLog {
	u := in.Usage
	return models.UsageLog{
		UserID:           in.UserID,
		APIKey:           in.APIKey,
		ModelName:        in.ModelName,
		RequestEndpoint:  in.Endpoint,
		IPAddress:        in.IPAddress,
		InputTokens:      u.InputTokens,
		OutputTokens:     u.OutputTokens,
		CacheReadTokens:  u.CacheReadTokens,
		CacheWriteTokens: u.CacheWriteTokens,
		TotalTokens:      u.TotalTokens(),
		IsCacheHit:       u.CacheReadTokens > 0,
		CostMicros:       cost,
		PricingMissing:   pricingMissing,
		RequestPayload:   in.RequestPayload,
		ResponsePayload:  in.ResponsePayload,
		Timestamp:        now(),
	}
}

var now = time.Now
