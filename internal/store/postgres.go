package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/amerfu/llmgate/internal/models"
	"github.com/amerfu/llmgate/internal/money"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// PostgresConfig tunes the connection pool backing a PostgresStore.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// LogWriter receives slow-query and error lines from GORM. Nil falls
	// back to stdout.
	LogWriter logger.Writer
}

// PostgresStore implements Store over GORM + lib/pq-compatible Postgres,
// following the pool-tuning and migration conventions this gateway was
// derived from.
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore opens a connection, tunes the pool, and pings once.
func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store: DSN is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 100
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = time.Hour
	}

	writer := cfg.LogWriter
	if writer == nil {
		writer = log.New(os.Stdout, "\r\n", log.LstdFlags)
	}
	gormLogger := logger.New(
		writer,
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
		},
	)

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      gormLogger,
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: underlying db: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Migrate creates tables and the lookup indexes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(
		&models.Account{},
		&models.ApiKey{},
		&models.ModelCost{},
		&models.UsageLog{},
	); err != nil {
		return fmt.Errorf("store: automigrate: %w", err)
	}

	stmts := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_apikeys_api_key ON apikeys(api_key)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_user_id ON accounts(user_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_modelcosts_model_name ON modelcosts(model_name)`,
		`CREATE INDEX IF NOT EXISTS idx_usagelogs_user_ts ON usagelogs(user_id, timestamp)`,
	}
	for _, stmt := range stmts {
		if err := s.db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return fmt.Errorf("store: create index: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) GetApiKey(ctx context.Context, apiKey string) (models.ApiKey, error) {
	var k models.ApiKey
	err := s.db.WithContext(ctx).Where("api_key = ?", apiKey).First(&k).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ApiKey{}, ErrNotFound
	}
	return k, err
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (models.Account, error) {
	var a models.Account
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Account{}, ErrNotFound
	}
	return a, err
}

func (s *PostgresStore) GetModelCost(ctx context.Context, modelName string) (models.ModelCost, error) {
	var m models.ModelCost
	err := s.db.WithContext(ctx).Where("model_name = ?", modelName).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ModelCost{}, ErrNotFound
	}
	return m, err
}

// IncrementSpent performs the increment as a single atomic UPDATE ...
// RETURNING, never a read-modify-write.
func (s *PostgresStore) IncrementSpent(ctx context.Context, userID string, delta money.Micros) (models.Account, error) {
	if delta < 0 {
		return models.Account{}, fmt.Errorf("store: negative increment is forbidden outside admin reset")
	}

	var a models.Account
	result := s.db.WithContext(ctx).
		Clauses(clause.Returning{}).
		Model(&a).
		Where("user_id = ?", userID).
		Update("spent_micros", gorm.Expr("spent_micros + ?", delta))
	if result.Error != nil {
		return models.Account{}, fmt.Errorf("store: increment spent: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return models.Account{}, ErrNotFound
	}
	return a, nil
}

func (s *PostgresStore) AppendUsageLog(ctx context.Context, l models.UsageLog) error {
	return s.db.WithContext(ctx).Create(&l).Error
}

func (s *PostgresStore) UpsertAccount(ctx context.Context, a models.Account) error {
	return s.db.WithContext(ctx).
		Where("user_id = ?", a.UserID).
		Assign(a).
		FirstOrCreate(&a).Error
}

func (s *PostgresStore) UpsertApiKey(ctx context.Context, k models.ApiKey) error {
	return s.db.WithContext(ctx).
		Where("api_key = ?", k.APIKey).
		Assign(k).
		FirstOrCreate(&k).Error
}

func (s *PostgresStore) UpsertModelCost(ctx context.Context, m models.ModelCost) error {
	return s.db.WithContext(ctx).
		Where("model_name = ?", m.ModelName).
		Assign(m).
		FirstOrCreate(&m).Error
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ Store = (*PostgresStore)(nil)
