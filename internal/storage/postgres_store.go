package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"keygate/internal/models"
)

// PostgresConfig tunes the connection pool backing the Postgres store.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AppName             string
}

// PostgresStore keeps the account snapshot in a single accounts table. Load
// and Save retain the snapshot contract of the JSON driver: Save replaces the
// whole table in one transaction so readers never observe a partial write.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const accountsSchema = `
CREATE TABLE IF NOT EXISTS accounts (
    key TEXT PRIMARY KEY,
    pin TEXT NOT NULL,
    ip TEXT,
    locked BOOLEAN NOT NULL DEFAULT FALSE
)`

// NewPostgresStore opens a pooled connection and ensures the accounts table
// exists.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if appName := strings.TrimSpace(cfg.AppName); appName != "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = appName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if _, err := pool.Exec(ctx, accountsSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure accounts table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Load reads every account row into a snapshot.
func (s *PostgresStore) Load(ctx context.Context) (map[string]models.Account, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, pin, ip, locked FROM accounts`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	accounts := make(map[string]models.Account)
	for rows.Next() {
		var (
			key    string
			pin    string
			ip     *string
			locked bool
		)
		if err := rows.Scan(&key, &pin, &ip, &locked); err != nil {
			return nil, fmt.Errorf("scan account row: %w", err)
		}
		account := models.Account{PIN: pin, Locked: locked}
		if ip != nil {
			account.BoundAddress = *ip
		}
		accounts[key] = account
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate account rows: %w", err)
	}
	return accounts, nil
}

// Save replaces the accounts table with the provided snapshot inside one
// transaction.
func (s *PostgresStore) Save(ctx context.Context, accounts map[string]models.Account) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin accounts transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `DELETE FROM accounts`); err != nil {
		return fmt.Errorf("clear accounts table: %w", err)
	}
	for key, account := range accounts {
		var ip *string
		if account.BoundAddress != "" {
			addr := account.BoundAddress
			ip = &addr
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO accounts (key, pin, ip, locked) VALUES ($1, $2, $3, $4)`,
			key, account.PIN, ip, account.Locked,
		); err != nil {
			return fmt.Errorf("insert account %q: %w", key, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit accounts transaction: %w", err)
	}
	return nil
}

// Ping verifies the pool can reach the database.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool, bounded by the provided context.
func (s *PostgresStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
