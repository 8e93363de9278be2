package drivers

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
)

// PostgresConfig holds connection settings for one Postgres backend. The same
// type serves the primary and every read replica.
type PostgresConfig struct {
	ConnectionString string `yaml:"connection_string"`
	MaxConnections   int    `yaml:"max_connections"`
}

// Validate checks the configuration.
func (c *PostgresConfig) Validate() error {
	if c.ConnectionString == "" {
		return fmt.Errorf("postgres: connection string is required")
	}
	return nil
}

// PostgresStore is a Store backed by a PostgreSQL key-value table.
type PostgresStore struct {
	db     *sql.DB
	name   string
	logger *zap.Logger
}

// NewPostgresStore opens a pooled connection. The caller owns Close.
func NewPostgresStore(name string, cfg PostgresConfig, logger *zap.Logger) (*PostgresStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	maxConns := cfg.MaxConnections
	if maxConns == 0 {
		maxConns = 25
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresStore{db: db, name: name, logger: logger}, nil
}

func (p *PostgresStore) Name() string { return p.name }

// Close releases the connection pool.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}

// CreateSchema creates the records table if missing. Replicas skip this.
func (p *PostgresStore) CreateSchema(ctx context.Context) error {
	query := `
        CREATE TABLE IF NOT EXISTS records (
            collection VARCHAR(255) NOT NULL,
            key        VARCHAR(255) NOT NULL,
            value      BYTEA NOT NULL,
            updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
            PRIMARY KEY (collection, key)
        )`
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, collection, key string) ([]byte, error) {
	var value []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT value FROM records WHERE collection = $1 AND key = $2`,
		collection, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, key, err)
	}
	return value, nil
}

func (p *PostgresStore) Put(ctx context.Context, collection, key string, value []byte) error {
	_, err := p.db.ExecContext(ctx, `
        INSERT INTO records (collection, key, value, updated_at)
        VALUES ($1, $2, $3, NOW())
        ON CONFLICT (collection, key)
        DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		collection, key, value)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", collection, key, err)
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, collection, key string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM records WHERE collection = $1 AND key = $2`,
		collection, key)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, key, err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, collection, prefix string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
        SELECT key FROM records
        WHERE collection = $1 AND key LIKE $2 || '%'
        ORDER BY key`,
		collection, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (p *PostgresStore) Exists(ctx context.Context, collection, key string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM records WHERE collection = $1 AND key = $2)`,
		collection, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("exists %s/%s: %w", collection, key, err)
	}
	return exists, nil
}

// Ping verifies the connection; probes run against it.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Truncate implements Maintainer.
func (p *PostgresStore) Truncate(ctx context.Context, collection string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM records WHERE collection = $1`, collection)
	return err
}

// Stats implements Maintainer.
func (p *PostgresStore) Stats(ctx context.Context) (StoreStats, error) {
	var stats StoreStats
	err := p.db.QueryRowContext(ctx, `
        SELECT COUNT(DISTINCT collection), COUNT(*), COALESCE(SUM(LENGTH(value)), 0)
        FROM records`).Scan(&stats.Collections, &stats.Records, &stats.Bytes)
	if err != nil {
		return StoreStats{}, fmt.Errorf("stats: %w", err)
	}
	return stats, nil
}
