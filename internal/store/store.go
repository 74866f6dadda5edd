// Package store defines durable key/value persistence for serialized
// application records. Implementations include SQLite (local default),
// PostgreSQL, a Redis read-through cache, and in-memory (for testing).
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Load when no record exists under the key.
var ErrNotFound = errors.New("store: record not found")

// Store persists opaque JSON records under string keys. A Save fully
// replaces the previous record.
type Store interface {
	// Load returns the record stored under key, or ErrNotFound.
	Load(ctx context.Context, key string) ([]byte, error)

	// Save writes data under key, replacing any existing record.
	Save(ctx context.Context, key string, data []byte) error

	// Delete removes the record under key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists the keys starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
}
