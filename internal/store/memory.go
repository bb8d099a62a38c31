package store

import (
	"context"
	"sync"

	"github.com/amerfu/llmgate/internal/models"
	"github.com/amerfu/llmgate/internal/money"
)

// MemoryStore is an in-process Store used by the unit test suite to
// exercise the atomic-accounting and budget-gate properties without a
// real Postgres instance. IncrementSpent is guarded by a per-store mutex,
// giving it the same single-writer atomicity the Postgres UPDATE provides.
type MemoryStore struct {
	mu         sync.Mutex
	accounts   map[string]models.Account
	apiKeys    map[string]models.ApiKey
	modelCosts map[string]models.ModelCost
	usageLogs  []models.UsageLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:   make(map[string]models.Account),
		apiKeys:    make(map[string]models.ApiKey),
		modelCosts: make(map[string]models.ModelCost),
	}
}

func (m *MemoryStore) GetApiKey(_ context.Context, apiKey string) (models.ApiKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.apiKeys[apiKey]
	if !ok {
		return models.ApiKey{}, ErrNotFound
	}
	return k, nil
}

func (m *MemoryStore) GetAccount(_ context.Context, userID string) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok {
		return models.Account{}, ErrNotFound
	}
	return a, nil
}

func (m *MemoryStore) GetModelCost(_ context.Context, modelName string) (models.ModelCost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.modelCosts[modelName]
	if !ok {
		return models.ModelCost{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) IncrementSpent(_ context.Context, userID string, delta money.Micros) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok {
		return models.Account{}, ErrNotFound
	}
	a.SpentMicros += delta
	m.accounts[userID] = a
	return a, nil
}

func (m *MemoryStore) AppendUsageLog(_ context.Context, log models.UsageLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usageLogs = append(m.usageLogs, log)
	return nil
}

func (m *MemoryStore) UpsertAccount(_ context.Context, a models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.UserID] = a
	return nil
}

func (m *MemoryStore) UpsertApiKey(_ context.Context, k models.ApiKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apiKeys[k.APIKey] = k
	return nil
}

func (m *MemoryStore) UpsertModelCost(_ context.Context, c models.ModelCost) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modelCosts[c.ModelName] = c
	return nil
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// UsageLogs returns a snapshot of appended logs, for test assertions.
func (m *MemoryStore) UsageLogs() []models.UsageLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.UsageLog, len(m.usageLogs))
	copy(out, m.usageLogs)
	return out
}

var _ Store = (*MemoryStore)(nil)
