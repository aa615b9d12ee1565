package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/collab-docs/sharecore/internal/logger"
)

// PostgresProvider is a Provider backed by a single generalized
// kv_store table, the descendant of the teacher repo's document/
// permission/snapshot-specific tables collapsed to the single
// get/put/remove/list contract this spec's StorageProvider needs.
type PostgresProvider struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS kv_store (
	key   TEXT PRIMARY KEY,
	value BYTEA NOT NULL
)`

// NewPostgresProvider connects to databaseURL and ensures kv_store
// exists, mirroring the teacher's db.New (internal/db/db.go): a pooled
// connection with the simple query-exec mode so it works transparently
// behind PgBouncer's transaction pooling.
func NewPostgresProvider(ctx context.Context, databaseURL string) (*PostgresProvider, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("storage: parse database url: %w", err)
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ensure kv_store: %w", err)
	}
	logger.Info("storage: connected to postgres kv_store")
	return &PostgresProvider{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (p *PostgresProvider) Close() {
	p.pool.Close()
}

// Get implements Provider.
func (p *PostgresProvider) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.pool.QueryRow(ctx, `SELECT value FROM kv_store WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, wrapErr("get", key, err)
	}
	return value, nil
}

// Put implements Provider.
func (p *PostgresProvider) Put(ctx context.Context, key string, value []byte) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO kv_store (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	if err != nil {
		return wrapErr("put", key, err)
	}
	return nil
}

// Remove implements Provider.
func (p *PostgresProvider) Remove(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM kv_store WHERE key = $1`, key)
	if err != nil {
		return wrapErr("remove", key, err)
	}
	return nil
}

// List implements Provider.
func (p *PostgresProvider) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT key FROM kv_store WHERE key LIKE $1 ORDER BY key`, prefix+"%")
	if err != nil {
		return nil, wrapErr("list", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, wrapErr("list", prefix, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list", prefix, err)
	}
	return keys, nil
}
