// Package store persists stream watermarks.
//
// State is a single key/value table, bot_state(key, value). One row per
// logical stream, last write wins, rows are never deleted. The SQLite
// layout matches the database file written by earlier releases of the bot,
// so an existing data/database.db keeps its cursors.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/daviddao/stationbot/pkg/model"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed watermark store.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database and initializes the schema.
func New(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// retryOnContention wraps retryOp from retry.go with the default config.
func retryOnContention(ctx context.Context, fn func() error) error {
	return retryOp(ctx, defaultRetryConfig, fn)
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS bot_state (
		key   TEXT PRIMARY KEY,
		value TEXT
	);
	`)
	return err
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value sql.NullString
	err := retryOnContention(ctx, func() error {
		return s.db.QueryRowContext(ctx,
			`SELECT value FROM bot_state WHERE key = ?`, key,
		).Scan(&value)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	// A NULL or empty value is treated as never written.
	if !value.Valid || value.String == "" {
		return "", false, nil
	}
	return value.String, true, nil
}

// Set upserts value under key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	err := retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO bot_state (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, value,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// List returns all watermarks ordered by key.
func (s *Store) List(ctx context.Context) ([]model.Watermark, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, COALESCE(value, '') FROM bot_state ORDER BY key`,
	)
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
