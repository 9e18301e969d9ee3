// Package storage persists alerts and rules and serves metric, subscription and churn reads
// from PostgreSQL or SQLite.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"metricwatch/internal/config"
	"metricwatch/internal/models"
)

// Backend is the full surface both drivers implement.
type Backend interface {
	EnsureSchema(ctx context.Context) error
	Close()

	CreateIfAbsent(ctx context.Context, alert models.Alert) (models.Alert, bool, error)
	FindUnresolvedBySource(ctx context.Context, source string) (*models.Alert, error)
	Update(ctx context.Context, id string, patch models.AlertPatch) (bool, error)
	Get(ctx context.Context, id string) (models.Alert, error)
	ListUnresolved(ctx context.Context, limit int) ([]models.Alert, error)

	ListEnabledRules(ctx context.Context) ([]models.AlertRule, error)
	UpsertRule(ctx context.Context, rule models.AlertRule) error

	InsertEvents(ctx context.Context, events []MetricEvent) error
	UpsertSubscription(ctx context.Context, sub Subscription) error

	Value(ctx context.Context, metric string, dayStart, dayEnd time.Time) (float64, error)
	ActivePlanPrices(ctx context.Context) ([]decimal.Decimal, error)
	ChurnSignals(ctx context.Context, subjectID string, now time.Time) (models.ChurnSignals, error)
}

var (
	_ Backend        = (*Store)(nil)
	_ Backend        = (*SQLiteStore)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)

// Open connects the configured driver. Only the postgres backend supports advisory locks.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (Backend, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := NewPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewStore(pool, logger), nil
	case config.DriverSQLite, "":
		return OpenSQLite(cfg.SQLitePath, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}
