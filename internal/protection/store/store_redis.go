package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTimeout bounds every store call. The protection layer sits on the
// hot path of each request, so a slow store must resolve to a quick fail-open
// rather than a stalled decision.
const DefaultTimeout = 50 * time.Millisecond

// Redis is the production CounterStore, shared across all process instances.
// The client lifecycle is managed by the caller.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) RedisOption {
	return func(s *Redis) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewRedis constructs a Redis-backed counter store.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	s := &Redis{
		client:  client,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Redis) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// Get returns the raw value for key, or ErrNotFound.
func (s *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set writes value under key with an optional TTL.
func (s *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.client.Set(ctx, key, value, ttl).Err()
}

// Increment atomically adds amount to the integer at key via INCRBY.
func (s *Redis) Increment(ctx context.Context, key string, amount int64) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.client.IncrBy(ctx, key, amount).Result()
}

// Expire sets the remaining lifetime of an existing key.
func (s *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.client.Expire(ctx, key, ttl).Err()
}

// Delete removes key.
func (s *Redis) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.client.Del(ctx, key).Err()
}

// TTL returns the remaining lifetime of key. Redis reports -2 for missing
// keys and -1 for keys without expiry.
func (s *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	d, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	// go-redis maps the raw replies through unscaled: -2 means missing key,
	// -1 means no expiry.
	if d == -2 {
		return 0, ErrNotFound
	}
	if d < 0 {
		return NoTTL, nil
	}
	return d, nil
}

// Health reports whether Redis answers a ping within the call timeout.
func (s *Redis) Health(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.client.Ping(ctx).Err()
}
