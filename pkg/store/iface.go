// iface.go defines the store interfaces for dependency injection and testing.
//
// Stream cycles only need Get/Set and accept WatermarkStore. The CLI also
// lists and closes stores and accepts StoreInterface. *Store (SQLite),
// *PGStore (PostgreSQL) and *Memory all satisfy both.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/daviddao/stationbot/pkg/model"
)

// ErrUnknownDriver is returned by Open for an unsupported driver name.
var ErrUnknownDriver = errors.New("unknown state driver")

// WatermarkStore is the durable key/value contract used by stream cycles.
// Each key holds at most one value; Set is an idempotent upsert.
type WatermarkStore interface {
	// Get returns the value stored under key. ok is false when the key has
	// never been written. A non-nil error means storage is unavailable.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set writes value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error
}

// StoreInterface is the full set of store operations.
type StoreInterface interface {
	WatermarkStore

	// List returns every stored watermark ordered by key.
	List(ctx context.Context) ([]model.Watermark, error)

	// Close releases the underlying connection.
	Close() error
}

// Compile-time checks.
var (
	_ StoreInterface = (*Store)(nil)
	_ StoreInterface = (*PGStore)(nil)
	_ StoreInterface = (*Memory)(nil)
)

// Open returns a store for the named driver. For "sqlite" target is a file
// path; for "postgres" it is a connection string.
func Open(ctx context.Context, driver, target string) (StoreInterface, error) {
	switch driver {
	case "", "sqlite":
		return New(target)
	case "postgres":
		return NewPostgres(ctx, target)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}
