// Package ratelimit enforces per-source fixed-window request limits on the
// shared counter store. Windows are independent minute and hour buckets keyed
// by truncated timestamps; bucket rollover happens through key expiry, never
// through an explicit sweep.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gridshield/internal/protection/models"
	"gridshield/internal/protection/store"
)

type Service struct {
	store          store.CounterStore
	limitPerMinute int
	limitPerHour   int
	logger         *slog.Logger
	now            func() time.Time
}

type Option func(*Service)

// WithLogger sets a logger for degraded-mode reporting.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock injects the time source used for window bucketing.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a rate limiter. Limits are per source identifier.
func New(counters store.CounterStore, limitPerMinute, limitPerHour int, opts ...Option) (*Service, error) {
	if counters == nil {
		return nil, fmt.Errorf("counter store is required")
	}
	if limitPerMinute <= 0 {
		return nil, fmt.Errorf("limit per minute must be positive, got %d", limitPerMinute)
	}
	if limitPerHour <= 0 {
		return nil, fmt.Errorf("limit per hour must be positive, got %d", limitPerHour)
	}

	svc := &Service{
		store:          counters,
		limitPerMinute: limitPerMinute,
		limitPerHour:   limitPerHour,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// CheckAndConsume consumes one request from both windows for the source and
// reports whether it fit. The counter is incremented first and the returned
// value compared against the limit, so concurrent requests cannot slip past
// the limit through a read-then-increment race.
//
// Store failures fail open: the request is allowed and the returned info is
// marked Degraded so the orchestrator can audit the outage.
func (s *Service) CheckAndConsume(ctx context.Context, sourceID string) *models.RateLimitInfo {
	now := s.now()

	minuteCount, ok := s.consume(ctx, models.RateLimitKey(sourceID, models.WindowMinute, now), models.WindowMinute)
	if !ok {
		return s.failOpen()
	}
	if minuteCount > int64(s.limitPerMinute) {
		return s.denied(ctx, sourceID, models.WindowMinute, s.limitPerMinute, now)
	}

	hourCount, ok := s.consume(ctx, models.RateLimitKey(sourceID, models.WindowHour, now), models.WindowHour)
	if !ok {
		return s.failOpen()
	}
	if hourCount > int64(s.limitPerHour) {
		return s.denied(ctx, sourceID, models.WindowHour, s.limitPerHour, now)
	}

	return &models.RateLimitInfo{
		Allowed:         true,
		Limit:           s.limitPerMinute,
		MinuteRemaining: remaining(s.limitPerMinute, minuteCount),
		HourRemaining:   remaining(s.limitPerHour, hourCount),
	}
}

// consume increments a window counter and, when the increment created the
// counter, bounds its lifetime to the window length.
func (s *Service) consume(ctx context.Context, key string, window models.WindowGranularity) (int64, bool) {
	count, err := s.store.Increment(ctx, key, 1)
	if err != nil {
		s.logDegraded(ctx, "rate limit counter increment failed", key, err)
		return 0, false
	}
	if count == 1 {
		if err := s.store.Expire(ctx, key, window.Length()); err != nil {
			// The bucket key embeds its timestamp, so a missing TTL only
			// leaks the key until the next store-side eviction.
			s.logDegraded(ctx, "rate limit counter expire failed", key, err)
		}
	}
	return count, true
}

func (s *Service) denied(ctx context.Context, sourceID string, window models.WindowGranularity, limit int, now time.Time) *models.RateLimitInfo {
	resetIn := window.Length()
	if ttl, err := s.store.TTL(ctx, models.RateLimitKey(sourceID, window, now)); err == nil && ttl > 0 {
		resetIn = ttl
	}
	return &models.RateLimitInfo{
		Allowed: false,
		Limit:   limit,
		Window:  window,
		ResetIn: resetIn,
	}
}

func (s *Service) failOpen() *models.RateLimitInfo {
	return &models.RateLimitInfo{
		Allowed:         true,
		Limit:           s.limitPerMinute,
		MinuteRemaining: s.limitPerMinute,
		HourRemaining:   s.limitPerHour,
		Degraded:        true,
	}
}

func (s *Service) logDegraded(ctx context.Context, msg, key string, err error) {
	if s.logger != nil {
		s.logger.WarnContext(ctx, msg, "key", key, "error", err)
	}
}

func remaining(limit int, count int64) int {
	r := limit - int(count)
	if r < 0 {
		return 0
	}
	return r
}
