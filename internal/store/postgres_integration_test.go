package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/amerfu/llmgate/internal/models"
	"github.com/amerfu/llmgate/internal/money"
)

// newTestPostgresStore spins up a disposable PostgreSQL container and
// migrates the gateway's schema onto it, mirroring this codebase's existing
// Testcontainers-based integration test convention.
func newTestPostgresStore(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Testcontainers-backed test in -short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("llmgate_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "start postgres container")

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "connection string")

	var st *PostgresStore
	for attempt := 0; attempt < 10; attempt++ {
		st, err = NewPostgresStore(PostgresConfig{DSN: dsn})
		if err == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	require.NoError(t, err, "connect to test database")
	require.NoError(t, st.Migrate(ctx), "migrate")

	cleanup := func() {
		_ = st.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	}
	return st, cleanup
}

func TestPostgresStoreIncrementSpentIsAtomicUnderConcurrency(t *testing.T) {
	st, cleanup := newTestPostgresStore(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, st.UpsertAccount(ctx, models.Account{UserID: "u1", IsActive: true, BudgetMicros: 1_000_000_000}))

	const n = 50
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := st.IncrementSpent(ctx, "u1", money.Micros(1000))
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs, "IncrementSpent")
	}

	got, err := st.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, money.Micros(n*1000), got.SpentMicros, "no lost updates")
}

func TestPostgresStoreGetApiKeyNotFound(t *testing.T) {
	st, cleanup := newTestPostgresStore(t)
	defer cleanup()

	_, err := st.GetApiKey(context.Background(), "sk-does-not-exist")
	assert.Equal(t, ErrNotFound, err)
}

func TestPostgresStoreUpsertAccountIsIdempotent(t *testing.T) {
	st, cleanup := newTestPostgresStore(t)
	defer cleanup()
	ctx := context.Background()

	a := models.Account{UserID: "u2", IsActive: true, BudgetMicros: 5_000_000}
	require.NoError(t, st.UpsertAccount(ctx, a), "UpsertAccount (create)")
	a.BudgetMicros = 9_000_000
	require.NoError(t, st.UpsertAccount(ctx, a), "UpsertAccount (update)")

	got, err := st.GetAccount(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, money.Micros(9_000_000), got.BudgetMicros, "upsert should update, not duplicate")
}
