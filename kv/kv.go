// Package kv provides the key-value and distributed-lock port: TTL'd set
// membership for dedup, atomic set-if-absent locks with token-checked
// release, and hash primitives for the agent registry.
package kv

import (
	"context"
	"time"
)

// Store is the KV/lock port consumed by the engine, dispatcher, and
// aggregator.
type Store interface {
	// AddMember adds a member to a set and refreshes the set's TTL.
	AddMember(ctx context.Context, key, member string, ttl time.Duration) error

	// IsMember reports set membership.
	IsMember(ctx context.Context, key, member string) (bool, error)

	// AcquireLock atomically sets key to token with a PX TTL if absent.
	// Returns false when another holder owns the key.
	AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// ReleaseLock deletes key only if its value equals token. Releasing a
	// lock lost to TTL expiry is not an error.
	ReleaseLock(ctx context.Context, key, token string) error

	// HashSet stores a field in a hash.
	HashSet(ctx context.Context, key, field string, value []byte) error

	// HashGet fetches one hash field; ok is false when absent.
	HashGet(ctx context.Context, key, field string) (value []byte, ok bool, err error)

	// HashGetAll fetches all fields of a hash.
	HashGetAll(ctx context.Context, key string) (map[string][]byte, error)

	// HashDelete removes a field from a hash.
	HashDelete(ctx context.Context, key, field string) error

	// Set stores a TTL'd string value.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get fetches a string value; ok is false when absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Close releases the underlying connection.
	Close() error
}
