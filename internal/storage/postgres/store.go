package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"buyscope/internal/model"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS discovered_pools (
	chain            TEXT NOT NULL,
	pool_address     TEXT NOT NULL,
	factory          TEXT NOT NULL,
	token0           TEXT NOT NULL,
	token1           TEXT NOT NULL,
	kind             TEXT NOT NULL,
	first_seen_block BIGINT NOT NULL,
	tx_hash          TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (chain, pool_address)
);
CREATE TABLE IF NOT EXISTS scanner_state (
	name                 TEXT PRIMARY KEY,
	last_processed_block BIGINT NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Store provides Postgres persistence for scanner output and progress.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects and ensures the schema.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// PutPoolBatch inserts new pools, keeping the earliest block a pool was seen at.
func (s *Store) PutPoolBatch(ctx context.Context, pools []model.PoolCreation) error {
	if len(pools) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, pool := range pools {
		batch.Queue(`
			INSERT INTO discovered_pools (
				chain, pool_address, factory, token0, token1, kind, first_seen_block, tx_hash, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
			ON CONFLICT (chain, pool_address)
			DO UPDATE SET
				first_seen_block = LEAST(discovered_pools.first_seen_block, EXCLUDED.first_seen_block),
				updated_at = now()
		`,
			pool.Chain,
			pool.Pool,
			pool.Factory,
			pool.Token0,
			pool.Token1,
			pool.Kind,
			int64(pool.BlockNumber),
			pool.TxHash,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range pools {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// LoadState returns last_processed_block for a name.
func (s *Store) LoadState(ctx context.Context, name string) (uint64, bool, error) {
	if name == "" {
		return 0, false, fmt.Errorf("state name required")
	}
	var block int64
	row := s.pool.QueryRow(ctx, `SELECT last_processed_block FROM scanner_state WHERE name=$1`, name)
	if err := row.Scan(&block); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return uint64(block), true, nil
}

// SaveState upserts last_processed_block for a name.
func (s *Store) SaveState(ctx context.Context, name string, block uint64) error {
	if name == "" {
		return fmt.Errorf("state name required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scanner_state (name, last_processed_block, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE
		SET last_processed_block = EXCLUDED.last_processed_block, updated_at = now()
	`, name, int64(block))
	return err
}
