// Package reputation maintains the decaying per-source threat score. The
// full retained event history is the source of truth; the score is recomputed
// from it on every read and write so decay keeps acting between events.
package reputation

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

// InactivityTTL bounds how long a silent source's reputation survives in the
// store. Refreshed on every write.
const InactivityTTL = 7 * 24 * time.Hour

// maxEventAge prunes events so old their weight sits on the decay floor.
// Pruning by age keeps score recomputation order-independent.
const maxEventAge = 10 * 24 * time.Hour

type Service struct {
	store  store.CounterStore
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Service)

// WithLogger sets a logger for degraded-mode and corrupt-record reporting.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock injects the time source used for decay arithmetic.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a reputation scorer.
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

// Record appends events to the source's reputation, recomputes the score, and
// persists the updated record with a fresh inactivity TTL. The updated record
// is returned even when persistence fails, so callers can still act on it for
// the current request; the error reports the degraded store.
func (s *Service) Record(ctx context.Context, sourceID string, events []models.ThreatEvent) (*models.SourceReputation, error) {
	if sourceID == "" {
		return nil, fmt.Errorf("source id cannot be empty")
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("no events to record")
	}

	now := s.now()
	rep, loadErr := s.load(ctx, sourceID)
	if rep == nil {
		rep = models.NewSourceReputation(sourceID, now)
	}

	rep.Append(events, now)
	s.prune(rep, now)
	rep.ThreatScore = rep.ScoreAt(now)

	if err := s.persist(ctx, rep); err != nil {
		return rep, fmt.Errorf("persist reputation: %w", err)
	}
	if loadErr != nil {
		return rep, fmt.Errorf("load reputation: %w", loadErr)
	}
	return rep, nil
}

// Score returns the source's current decayed score. A pure read: an unknown
// source scores zero and no record is created as a side effect.
func (s *Service) Score(ctx context.Context, sourceID string) (int, error) {
	rep, err := s.load(ctx, sourceID)
	if err != nil {
		return 0, err
	}
	if rep == nil {
		return 0, nil
	}
	return rep.ScoreAt(s.now()), nil
}

// load fetches and decodes a reputation record. A missing key yields
// (nil, nil). A corrupt or incompatibly-versioned payload is discarded so the
// caller recreates it fresh; drift never propagates.
func (s *Service) load(ctx context.Context, sourceID string) (*models.SourceReputation, error) {
	raw, err := s.store.Get(ctx, models.ReputationKey(sourceID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var rep models.SourceReputation
	if err := json.Unmarshal(raw, &rep); err != nil {
		s.logDiscard(ctx, sourceID, fmt.Sprintf("malformed payload: %v", err))
		return nil, nil
	}
	if rep.SchemaVersion != models.ReputationSchemaVersion {
		s.logDiscard(ctx, sourceID, fmt.Sprintf("schema version %d", rep.SchemaVersion))
		return nil, nil
	}
	return &rep, nil
}

func (s *Service) persist(ctx context.Context, rep *models.SourceReputation) error {
	raw, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, models.ReputationKey(rep.SourceID), raw, InactivityTTL)
}

func (s *Service) prune(rep *models.SourceReputation, now time.Time) {
	cutoff := now.Add(-maxEventAge)
	i := 0
	for ; i < len(rep.Events); i++ {
		if rep.Events[i].Timestamp.After(cutoff) {
			break
		}
	}
	rep.Events = rep.Events[i:]
}

func (s *Service) logDiscard(ctx context.Context, sourceID, why string) {
	if s.logger != nil {
		s.logger.WarnContext(ctx, "discarding unreadable reputation record",
			"source_id", sourceID, "cause", why)
	}
}
