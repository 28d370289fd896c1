package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/daviddao/stationbot/pkg/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore keeps watermarks in PostgreSQL, for deployments where the bot
// runs without a persistent local volume. Same table shape as SQLite.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to dsn and creates the state table if needed.
func NewPostgres(ctx context.Context, dsn string) (*PGStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 2
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS bot_state (
			key   TEXT PRIMARY KEY,
			value TEXT
		)`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

// Close closes the pool.
func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

// Get returns the value stored under key.
func (s *PGStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value *string
	err := s.pool.QueryRow(ctx, `SELECT value FROM bot_state WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	if value == nil || *value == "" {
		return "", false, nil
	}
	return *value, true, nil
}

// Set upserts value under key.
func (s *PGStore) Set(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bot_state (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// List returns all watermarks ordered by key.
func (s *PGStore) List(ctx context.Context) ([]model.Watermark, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, COALESCE(value, '') FROM bot_state ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Watermark
	for rows.Next() {
		var w model.Watermark
		if err := rows.Scan(&w.Key, &w.Value); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
