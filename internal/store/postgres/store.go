// Package postgres implements the relational store: the authoritative copy
// of content nodes, their forgetting-curve metrics, access logs, version
// history, permissions and communities. Every operation runs inside a
// transaction that pins app.tenant_id so row-level security enforces
// tenant isolation at the storage boundary.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/mnemora/mnemora/internal/config"
	"github.com/mnemora/mnemora/migrations"
)

// TenantWildcard grants a transaction visibility across all tenants. Only
// maintenance paths (decay sweeps, tenant listing) may use it.
const TenantWildcard = "*"

// Store is the relational store backed by Postgres.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Open connects to Postgres and configures the connection pool.
func Open(cfg config.PostgresConfig, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Connect("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Std())

	return &Store{db: db, logger: logger.Named("postgres")}, nil
}

// NewWithDB wraps an existing database handle. Used by tests.
func NewWithDB(db *sql.DB, logger *zap.Logger) *Store {
	return &Store{db: sqlx.NewDb(db, "pgx"), logger: logger.Named("postgres")}
}

// RunMigrations applies all pending schema migrations using goose.
// It uses the embedded SQL files from the migrations package.
func (s *Store) RunMigrations() error {
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations.FS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(s.db.DB, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTenantTx runs fn inside a transaction with app.tenant_id pinned for
// the row-level security policies. The setting is transaction-local, so
// pooled connections never leak a tenant across requests.
func (s *Store) withTenantTx(ctx context.Context, tenantID string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapErr("begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`SELECT set_config('app.tenant_id', $1, true)`, tenantID); err != nil {
		return wrapErr("set tenant", err)
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return wrapErr("commit", err)
	}
	return nil
}

// now returns the current time in UTC truncated to microseconds, matching
// Postgres timestamp precision so round-tripped values compare equal.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
