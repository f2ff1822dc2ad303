package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"buyscope/internal/model"
)

const defaultFlushDelay = 2 * time.Second

const schemaSQL = `
CREATE TABLE IF NOT EXISTS group_settings (
	group_id   TEXT PRIMARY KEY,
	settings   JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore persists settings in a group_settings table. Reads are served
// from memory; dirty signals are flushed after a quiet period.
type PostgresStore struct {
	*MemoryStore

	pool       *pgxpool.Pool
	flushDelay time.Duration
	dirty      chan struct{}
	logger     *zap.Logger
}

// NewPostgresStore connects, ensures the schema and loads every row.
func NewPostgresStore(ctx context.Context, dsn string, flushDelay time.Duration, logger *zap.Logger) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	if flushDelay <= 0 {
		flushDelay = defaultFlushDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	s := &PostgresStore{
		MemoryStore: NewMemoryStore(),
		pool:        pool,
		flushDelay:  flushDelay,
		dirty:       make(chan struct{}, 1),
		logger:      logger.With(zap.String("component", "settings")),
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	if err := s.Reload(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// MarkDirty schedules a flush.
func (s *PostgresStore) MarkDirty() {
	s.MemoryStore.MarkDirty()
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

// Reload replaces in-memory settings with the table content.
func (s *PostgresStore) Reload(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `SELECT group_id, settings FROM group_settings`)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	defer rows.Close()

	groups := make(map[string]model.GroupSettings)
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return fmt.Errorf("scan settings: %w", err)
		}
		var g model.GroupSettings
		if err := json.Unmarshal(raw, &g); err != nil {
			s.logger.Warn("skip malformed settings row", zap.String("group", id), zap.Error(err))
			continue
		}
		groups[id] = g
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate settings: %w", err)
	}
	s.Replace(groups)
	s.logger.Info("settings loaded", zap.Int("groups", len(groups)))
	return nil
}

// Flush upserts every group.
func (s *PostgresStore) Flush(ctx context.Context) error {
	groups := s.All()
	if len(groups) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for id, g := range groups {
		raw, err := json.Marshal(g)
		if err != nil {
			return fmt.Errorf("marshal group %s: %w", id, err)
		}
		batch.Queue(`
			INSERT INTO group_settings (group_id, settings, created_at, updated_at)
			VALUES ($1, $2, now(), now())
			ON CONFLICT (group_id)
			DO UPDATE SET settings = EXCLUDED.settings, updated_at = now()
		`, id, raw)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range groups {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// Run flushes after each burst of dirty signals until ctx is done, then flushes once more.
func (s *PostgresStore) Run(ctx context.Context) {
	timer := time.NewTimer(s.flushDelay)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			if pending {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := s.Flush(flushCtx); err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Error("final settings flush failed", zap.Error(err))
				}
				cancel()
			}
			return
		case <-s.dirty:
			if pending && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(s.flushDelay)
			pending = true
		case <-timer.C:
			pending = false
			if err := s.Flush(ctx); err != nil {
				s.logger.Error("settings flush failed", zap.Error(err))
			}
		}
	}
}
