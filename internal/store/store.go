// Package store is the typed abstraction over the durable system of
// record: accounts, keys, model costs, and usage logs.
package store

import (
	"context"
	"errors"

	"github.com/amerfu/llmgate/internal/models"
	"github.com/amerfu/llmgate/internal/money"
)

// ErrNotFound is returned by the Get* methods when no row matches.
var ErrNotFound = errors.New("store: not found")

// Store is the durable system-of-record contract. Admin writers
// (UpsertAccount/UpsertApiKey/UpsertModelCost) are part of the contract
// only; this gateway does not expose CRUD routes for them.
type Store interface {
	GetApiKey(ctx context.Context, apiKey string) (models.ApiKey, error)
	GetAccount(ctx context.Context, userID string) (models.Account, error)
	GetModelCost(ctx context.Context, modelName string) (models.ModelCost, error)

	// IncrementSpent performs a single atomic increment of spent_micros
	// and returns the account row after the update. delta must be >= 0.
	IncrementSpent(ctx context.Context, userID string, delta money.Micros) (models.Account, error)

	AppendUsageLog(ctx context.Context, log models.UsageLog) error

	UpsertAccount(ctx context.Context, a models.Account) error
	UpsertApiKey(ctx context.Context, k models.ApiKey) error
	UpsertModelCost(ctx context.Context, m models.ModelCost) error

	// Ping reports whether the store is reachable, backing /health.
	Ping(ctx context.Context) error
}
