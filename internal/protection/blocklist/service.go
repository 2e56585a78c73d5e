// Package blocklist holds the severity-tiered block state for abusive
// sources. A source is blocked exactly while its record exists in the store;
// expiry happens through the record's TTL, so absence of the key, whatever
// the cause, means unblocked. No background sweep is involved.
package blocklist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gridshield/internal/protection/models"
	"gridshield/internal/protection/store"
)

type Service struct {
	store  store.CounterStore
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Service)

// WithLogger sets a logger for degraded-mode reporting.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock injects the time source used to stamp block records.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a blocklist manager.
func New(counters store.CounterStore, opts ...Option) (*Service, error) {
	if counters == nil {
		return nil, fmt.Errorf("counter store is required")
	}

	svc := &Service{
		store: counters,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// IsBlocked reports whether the source has an active block record. Store
// failures fail open: an unreachable store reads as unblocked, consistent
// with the availability-over-enforcement policy of the whole layer.
func (s *Service) IsBlocked(ctx context.Context, sourceID string) (bool, *models.BlockRecord) {
	raw, err := s.store.Get(ctx, models.BlockKey(sourceID))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) && s.logger != nil {
			s.logger.WarnContext(ctx, "block lookup failed, failing open",
				"source_id", sourceID, "error", err)
		}
		return false, nil
	}

	var record models.BlockRecord
	if err := json.Unmarshal(raw, &record); err != nil || record.SchemaVersion != models.BlockSchemaVersion {
		// Corrupt record: discard so the source returns to a clean state
		// instead of serving an unreadable block forever.
		if s.logger != nil {
			s.logger.WarnContext(ctx, "discarding unreadable block record", "source_id", sourceID)
		}
		_ = s.store.Delete(ctx, models.BlockKey(sourceID))
		return false, nil
	}
	return true, &record
}

// Block places (or replaces) the block record for a source. A zero duration
// selects the severity's default tier. Re-blocking an already-blocked source
// overwrites the record: last write wins, durations never stack.
func (s *Service) Block(ctx context.Context, sourceID, reason string, severity models.Severity, duration time.Duration) (*models.BlockRecord, error) {
	record, err := models.NewBlockRecord(sourceID, reason, severity, duration, s.now())
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	if err := s.store.Set(ctx, models.BlockKey(sourceID), raw, record.Duration); err != nil {
		return nil, fmt.Errorf("persist block record: %w", err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "source blocked",
			"source_id", sourceID,
			"severity", record.Severity,
			"duration", record.Duration,
			"reason", reason,
		)
	}
	return record, nil
}

// Unblock removes the source's block record, if any.
func (s *Service) Unblock(ctx context.Context, sourceID string) error {
	if sourceID == "" {
		return fmt.Errorf("source id cannot be empty")
	}
	if err := s.store.Delete(ctx, models.BlockKey(sourceID)); err != nil {
		return fmt.Errorf("delete block record: %w", err)
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "source unblocked", "source_id", sourceID)
	}
	return nil
}
