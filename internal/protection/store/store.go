// Package store defines the shared counter store port used by every
// protection component, plus its Redis and in-memory implementations.
//
// The store is the only shared mutable resource in the protection layer. All
// mutation goes through single atomic operations (increment, set-with-TTL);
// components compose them without cross-operation transactions.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get and TTL when the key does not exist. Key
// absence is meaningful to callers (an absent block record means "unblocked"),
// so it is a sentinel rather than a nil payload.
var ErrNotFound = errors.New("store: key not found")

// NoTTL is returned by TTL for keys that exist without an expiry.
const NoTTL = time.Duration(-1)

// CounterStore is the keyed get/set/increment/expire contract backing rate
// windows, reputation records, and block records. Implementations must make
// Increment atomic per key. Failures are explicit errors, never silent
// defaults; callers decide the fail-open policy.
type CounterStore interface {
	// Get returns the raw value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes value under key. A positive ttl bounds the key's lifetime;
	// zero stores without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Increment atomically adds amount to the integer at key, creating it at
	// zero first, and returns the new value.
	Increment(ctx context.Context, key string, amount int64) (int64, error)

	// Expire sets the remaining lifetime of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// TTL returns the remaining lifetime of key, NoTTL when the key has no
	// expiry, or ErrNotFound.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Health reports whether the backing store is reachable.
	Health(ctx context.Context) error
}
