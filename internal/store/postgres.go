package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on Postgres, upserting on the key.
//
// Schema (created by EnsureSchema):
//
//	CREATE TABLE prism_objects (
//	  key      TEXT PRIMARY KEY,
//	  type     TEXT NOT NULL,
//	  payload  JSONB NOT NULL,
//	  saved_at TIMESTAMPTZ NOT NULL
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed store and ensures its table
// exists.
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	p := &PostgresStore{pool: pool}
	if err := p.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// EnsureSchema creates the objects table if missing.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS prism_objects (
			key      TEXT PRIMARY KEY,
			type     TEXT NOT NULL,
			payload  JSONB NOT NULL,
			saved_at TIMESTAMPTZ NOT NULL
		)
	`
	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("postgres schema setup failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	query := `
		SELECT type, payload, saved_at
		FROM prism_objects
		WHERE key = $1
	`

	var rec Record
	var payload []byte
	err := p.pool.QueryRow(ctx, query, key).Scan(&rec.Type, &payload, &rec.SavedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	rec.Payload = payload
	return &rec, nil
}

func (p *PostgresStore) Put(ctx context.Context, key string, rec *Record) error {
	// ON CONFLICT DO UPDATE: the latest save wins
	query := `
		INSERT INTO prism_objects (key, type, payload, saved_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE
		SET type = EXCLUDED.type, payload = EXCLUDED.payload, saved_at = EXCLUDED.saved_at
	`

	savedAt := rec.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now().UTC()
	}
	if _, err := p.pool.Exec(ctx, query, key, rec.Type, []byte(rec.Payload), savedAt); err != nil {
		return fmt.Errorf("postgres upsert failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	query := `
		SELECT key
		FROM prism_objects
		WHERE starts_with(key, $1)
		ORDER BY key
	`

	rows, err := p.pool.Query(ctx, query, prefix)
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres scan failed: %w", err)
	}
	return keys, nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
