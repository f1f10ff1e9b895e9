package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps keys in a single table, one row per key
type PostgresStore struct {
	pool      *pgxpool.Pool
	namespace string
}

// NewPostgresStore creates a store on an existing pool; the schema must already exist
func NewPostgresStore(pool *pgxpool.Pool, namespace string) *PostgresStore {
	return &PostgresStore{pool: pool, namespace: namespace}
}

func (p *PostgresStore) key(k string) string {
	if p.namespace == "" {
		return k
	}
	return p.namespace + ":" + k
}

func (p *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	query := `SELECT value FROM power_kv WHERE key = $1`

	var value string
	err := p.pool.QueryRow(ctx, query, p.key(key)).Scan(&value)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query key %s: %w", key, err)
	}
	return value, true, nil
}

func (p *PostgresStore) Set(ctx context.Context, key, value string) error {
	if _, err := p.pool.Exec(ctx, upsertQuery, p.key(key), value, time.Now()); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM power_kv WHERE key = $1`, p.key(key)); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

const upsertQuery = `
	INSERT INTO power_kv (key, value, updated_at)
	VALUES ($1, $2, $3)
	ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
`

// Update serialises writers on the key with a transaction-scoped advisory lock,
// which also covers keys that do not exist yet
func (p *PostgresStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	k := p.key(key)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, k); err != nil {
		return fmt.Errorf("failed to lock key %s: %w", key, err)
	}

	var current string
	exists := true
	err = tx.QueryRow(ctx, `SELECT value FROM power_kv WHERE key = $1`, k).Scan(&current)
	if err == pgx.ErrNoRows {
		current, exists = "", false
	} else if err != nil {
		return fmt.Errorf("failed to query key %s: %w", key, err)
	}

	next, keep, err := fn(current, exists)
	if err != nil {
		return err
	}

	if keep {
		_, err = tx.Exec(ctx, upsertQuery, k, next, time.Now())
	} else {
		_, err = tx.Exec(ctx, `DELETE FROM power_kv WHERE key = $1`, k)
	}
	if err != nil {
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
