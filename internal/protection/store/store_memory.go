package store

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process CounterStore for tests and single-node development.
// Expiry is evaluated lazily on access, so no sweeper goroutine is needed.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock injects the time source. Tests advance it to trigger expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *Memory) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemory constructs an in-memory counter store.
func NewMemory(opts ...MemoryOption) *Memory {
	s := &Memory{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// live returns the entry for key if it exists and has not expired. Expired
// entries are removed on sight. Caller must hold s.mu.
func (s *Memory) live(key string) *memoryEntry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return nil
	}
	return e
}

// Get returns the raw value for key, or ErrNotFound.
func (s *Memory) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set writes value under key with an optional TTL.
func (s *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = e
	return nil
}

// Increment atomically adds amount to the integer at key, creating it at zero.
func (s *Memory) Increment(_ context.Context, key string, amount int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	e := s.live(key)
	if e != nil {
		n, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, err
		}
		current = n
	} else {
		e = &memoryEntry{}
		s.entries[key] = e
	}
	current += amount
	e.value = []byte(strconv.FormatInt(current, 10))
	return current, nil
}

// Expire sets the remaining lifetime of an existing key.
func (s *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return nil
	}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	} else {
		e.expiresAt = time.Time{}
	}
	return nil
}

// Delete removes key.
func (s *Memory) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// TTL returns the remaining lifetime of key.
func (s *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return 0, ErrNotFound
	}
	if e.expiresAt.IsZero() {
		return NoTTL, nil
	}
	return e.expiresAt.Sub(s.now()), nil
}

// Health always succeeds for the in-memory store.
func (s *Memory) Health(_ context.Context) error {
	return nil
}
