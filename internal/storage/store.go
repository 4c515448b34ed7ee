package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"indicator-alerts/internal/alert"
	"indicator-alerts/internal/config"
	"indicator-alerts/internal/market"
)

// ErrNotConfigured indicates the storage pool was not initialised.
var ErrNotConfigured = errors.New("storage: pool not configured")

// RuleStore exposes the read-only rule surface this core consumes.
type RuleStore interface {
	ListActiveRules(ctx context.Context) ([]alert.Rule, error)
}

// StateStore persists per-rule evaluation continuations.
type StateStore interface {
	GetState(ctx context.Context, ruleID int64) (*alert.State, error)
	UpsertState(ctx context.Context, state alert.State) error
}

// EventStore appends and lists immutable firing records.
type EventStore interface {
	InsertEvent(ctx context.Context, event alert.Event) error
	ListRecentEvents(ctx context.Context, limit int) ([]alert.Event, error)
	DeleteEventsBefore(ctx context.Context, olderThan time.Time) error
}

// DeviceStore resolves and cleans up push delivery targets.
type DeviceStore interface {
	ListDevicesByOwner(ctx context.Context, ownerID string) ([]alert.DeviceBinding, error)
	DeleteDevice(ctx context.Context, deviceID string) error
	CountDevicesByOwner(ctx context.Context, ownerID string) (int64, error)
	PurgeOwner(ctx context.Context, ownerID string) error
}

// Store aggregates all persistence concerns over one pgx pool. It also
// implements market.SeriesCache.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
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

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

var (
	_ RuleStore          = (*Store)(nil)
	_ StateStore         = (*Store)(nil)
	_ EventStore         = (*Store)(nil)
	_ DeviceStore        = (*Store)(nil)
	_ market.SeriesCache = (*Store)(nil)
)
