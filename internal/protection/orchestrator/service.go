// Package orchestrator composes the rate limiter, pattern detector,
// reputation scorer, and blocklist into the single per-request Evaluate entry
// point, and owns the auto-block escalation policy.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"gridshield/internal/protection/blocklist"
	"gridshield/internal/protection/detector"
	"gridshield/internal/protection/metrics"
	"gridshield/internal/protection/models"
	"gridshield/internal/protection/ratelimit"
	"gridshield/internal/protection/reputation"
	"gridshield/pkg/platform/audit"
	"gridshield/pkg/requestcontext"
)

// EscalationPolicy controls when recent threat events trip an automatic
// block. Escalation looks only at recent burstiness, never at the lifetime
// score; the score stays informational.
type EscalationPolicy struct {
	// CriticalThreshold auto-blocks once this many critical events land
	// within Window.
	CriticalThreshold int
	// HighThreshold auto-blocks once this many high events land within Window.
	HighThreshold int
	// Window is how far back escalation counting reaches.
	Window time.Duration
	// FailedLoginWindow bounds the rolling failed-authentication counter.
	FailedLoginWindow time.Duration
}

// DefaultEscalationPolicy returns the default policy: one critical or three
// high events within the last hour.
func DefaultEscalationPolicy() EscalationPolicy {
	return EscalationPolicy{
		CriticalThreshold: 1,
		HighThreshold:     3,
		Window:            time.Hour,
		FailedLoginWindow: 10 * time.Minute,
	}
}

// Validate reports configuration errors. Callers treat these as fatal.
func (p EscalationPolicy) Validate() error {
	if p.CriticalThreshold <= 0 {
		return fmt.Errorf("critical threshold must be positive, got %d", p.CriticalThreshold)
	}
	if p.HighThreshold <= 0 {
		return fmt.Errorf("high threshold must be positive, got %d", p.HighThreshold)
	}
	if p.Window <= 0 {
		return fmt.Errorf("escalation window must be positive, got %s", p.Window)
	}
	if p.FailedLoginWindow <= 0 {
		return fmt.Errorf("failed login window must be positive, got %s", p.FailedLoginWindow)
	}
	return nil
}

type Service struct {
	limiter    *ratelimit.Service
	detector   *detector.Service
	reputation *reputation.Service
	blocklist  *blocklist.Service
	counters   counterBookkeeper
	policy     EscalationPolicy
	auditor    audit.Publisher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// counterBookkeeper is the slice of the counter store the orchestrator itself
// touches for the detector's anomaly inputs.
type counterBookkeeper interface {
	Increment(ctx context.Context, key string, amount int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithAuditPublisher sets the audit sink.
func WithAuditPublisher(publisher audit.Publisher) Option {
	return func(s *Service) {
		if publisher != nil {
			s.auditor = publisher
		}
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithPolicy overrides the escalation policy.
func WithPolicy(policy EscalationPolicy) Option {
	return func(s *Service) {
		s.policy = policy
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs the threat orchestrator.
func New(
	limiter *ratelimit.Service,
	det *detector.Service,
	rep *reputation.Service,
	blocks *blocklist.Service,
	counters counterBookkeeper,
	opts ...Option,
) (*Service, error) {
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if det == nil {
		return nil, fmt.Errorf("detector is required")
	}
	if rep == nil {
		return nil, fmt.Errorf("reputation scorer is required")
	}
	if blocks == nil {
		return nil, fmt.Errorf("blocklist is required")
	}
	if counters == nil {
		return nil, fmt.Errorf("counter store is required")
	}

	svc := &Service{
		limiter:    limiter,
		detector:   det,
		reputation: rep,
		blocklist:  blocks,
		counters:   counters,
		policy:     DefaultEscalationPolicy(),
		auditor:    audit.Nop{},
		tracer:     otel.Tracer("gridshield/protection"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	if err := svc.policy.Validate(); err != nil {
		return nil, err
	}
	return svc, nil
}

// Evaluate produces the per-request decision. Ordering is deliberate: the
// cheap blocklist lookup short-circuits everything for known-bad sources,
// the rate limiter runs before any scoring work, and escalation only counts
// events inside the recent window.
func (s *Service) Evaluate(ctx context.Context, rc *models.RequestContext) *models.Decision {
	ctx, span := s.tracer.Start(ctx, "protection.evaluate")
	defer span.End()
	timer := s.metrics.StartEvaluateTimer()
	defer timer.ObserveDuration()

	decision := s.evaluate(ctx, rc)

	span.SetAttributes(
		attribute.Bool("decision.allowed", decision.Allowed),
		attribute.String("decision.reason", string(decision.Reason)),
	)
	s.metrics.ObserveDecision(string(decision.Reason))
	return decision
}

func (s *Service) evaluate(ctx context.Context, rc *models.RequestContext) *models.Decision {
	sourceID := rc.SourceID()

	if blocked, record := s.blocklist.IsBlocked(ctx, sourceID); blocked {
		s.emit(ctx, audit.Event{
			Action:   audit.ActionBlockedDenied,
			SourceID: sourceID,
			Severity: string(record.Severity),
			Reason:   record.Reason,
			Endpoint: rc.Path,
		})
		return &models.Decision{Allowed: false, Reason: models.ReasonBlocked, Block: record}
	}

	info := s.limiter.CheckAndConsume(ctx, sourceID)
	if info.Degraded {
		s.auditDegraded(ctx, sourceID, "rate limiter")
	}
	if !info.Allowed {
		s.emit(ctx, audit.Event{
			Action:   audit.ActionRateLimited,
			SourceID: sourceID,
			Endpoint: rc.Path,
			Details: map[string]string{
				"window":   string(info.Window),
				"limit":    strconv.Itoa(info.Limit),
				"reset_in": info.ResetIn.String(),
			},
		})
		return &models.Decision{Allowed: false, Reason: models.ReasonRateLimited, RateLimit: info}
	}

	events := s.detector.Analyze(rc)
	anomalies, anomaliesDegraded := s.detector.CheckRateAnomalies(ctx, rc)
	events = append(events, anomalies...)
	if anomaliesDegraded {
		s.auditDegraded(ctx, sourceID, "anomaly detector")
	}

	if len(events) > 0 {
		if decision := s.recordAndEscalate(ctx, rc, sourceID, events); decision != nil {
			return decision
		}
	}

	s.countRequest(ctx, sourceID)

	return &models.Decision{
		Allowed:       true,
		Reason:        models.ReasonOK,
		RateLimit:     info,
		StoreDegraded: info.Degraded || anomaliesDegraded,
	}
}

// recordAndEscalate folds fresh events into the source's reputation and
// applies the auto-block policy over the recent window. Returns a denial
// decision when escalation fires, nil otherwise.
func (s *Service) recordAndEscalate(ctx context.Context, rc *models.RequestContext, sourceID string, events []models.ThreatEvent) *models.Decision {
	for i := range events {
		s.metrics.ObserveThreatEvent(string(events[i].Type), string(events[i].Severity))
	}

	rep, err := s.reputation.Record(ctx, sourceID, events)
	if err != nil {
		s.logError(ctx, "reputation update degraded", sourceID, err)
		s.auditDegraded(ctx, sourceID, "reputation scorer")
	}
	if rep == nil {
		return nil
	}

	s.emit(ctx, audit.Event{
		Action:   audit.ActionThreatEvents,
		SourceID: sourceID,
		Endpoint: rc.Path,
		Details: map[string]string{
			"events": strconv.Itoa(len(events)),
			"score":  strconv.Itoa(rep.ThreatScore),
		},
	})

	var high, critical int
	for _, ev := range rep.EventsSince(s.now().Add(-s.policy.Window)) {
		switch ev.Severity {
		case models.SeverityHigh:
			high++
		case models.SeverityCritical:
			critical++
		}
	}
	if critical < s.policy.CriticalThreshold && high < s.policy.HighThreshold {
		return nil
	}

	reason := fmt.Sprintf("auto-block: %d high, %d critical events within %s", high, critical, s.policy.Window)
	record, err := s.blocklist.Block(ctx, sourceID, reason, models.SeverityHigh, 0)
	if err != nil {
		// Store is down; the deny still stands for this request.
		s.logError(ctx, "auto-block persistence failed", sourceID, err)
		s.auditDegraded(ctx, sourceID, "blocklist")
	}
	s.metrics.ObserveBlock(string(models.SeverityHigh), "auto")
	s.emit(ctx, audit.Event{
		Action:    audit.ActionAutoBlocked,
		SourceID:  sourceID,
		Severity:  string(models.SeverityHigh),
		Reason:    reason,
		Endpoint:  rc.Path,
		UserAgent: rc.UserAgent,
	})
	return &models.Decision{Allowed: false, Reason: models.ReasonAutoBlocked, Block: record}
}

// ObserveResponse runs the post-handling probes once the downstream status is
// known: the error-response check and failed-authentication accounting.
func (s *Service) ObserveResponse(ctx context.Context, rc *models.RequestContext) {
	sourceID := rc.SourceID()

	if events := s.detector.AnalyzeResponse(rc); len(events) > 0 {
		for i := range events {
			s.metrics.ObserveThreatEvent(string(events[i].Type), string(events[i].Severity))
		}
		if _, err := s.reputation.Record(ctx, sourceID, events); err != nil {
			s.logError(ctx, "reputation update degraded", sourceID, err)
		}
	}

	if rc.AuthAttempt && (rc.Status == 401 || rc.Status == 403) {
		s.recordAuthFailure(ctx, rc, sourceID)
	}
}

func (s *Service) recordAuthFailure(ctx context.Context, rc *models.RequestContext, sourceID string) {
	key := models.FailedLoginsKey(sourceID)
	count, err := s.counters.Increment(ctx, key, 1)
	if err != nil {
		s.logError(ctx, "failed login counter increment failed", sourceID, err)
		return
	}
	if count == 1 {
		if err := s.counters.Expire(ctx, key, s.policy.FailedLoginWindow); err != nil {
			s.logError(ctx, "failed login counter expire failed", sourceID, err)
		}
	}
	s.emit(ctx, audit.Event{
		Action:   audit.ActionAuthFailure,
		SourceID: sourceID,
		Endpoint: rc.Path,
		Details:  map[string]string{"failures": strconv.FormatInt(count, 10)},
	})
}

// countRequest maintains the per-minute request counter the anomaly detector
// reads. Kept separate from the enforced rate-limit buckets.
func (s *Service) countRequest(ctx context.Context, sourceID string) {
	key := models.RequestCountKey(sourceID, s.now())
	count, err := s.counters.Increment(ctx, key, 1)
	if err != nil {
		s.logError(ctx, "request counter increment failed", sourceID, err)
		return
	}
	if count == 1 {
		if err := s.counters.Expire(ctx, key, time.Minute); err != nil {
			s.logError(ctx, "request counter expire failed", sourceID, err)
		}
	}
}

// Unblock lifts a source's block. Operator surface.
func (s *Service) Unblock(ctx context.Context, sourceID string) error {
	if err := s.blocklist.Unblock(ctx, sourceID); err != nil {
		return err
	}
	s.emit(ctx, audit.Event{Action: audit.ActionManualUnblock, SourceID: sourceID})
	return nil
}

// Block places a manual block on a source. Operator surface.
func (s *Service) Block(ctx context.Context, sourceID, reason string, severity models.Severity, duration time.Duration) (*models.BlockRecord, error) {
	record, err := s.blocklist.Block(ctx, sourceID, reason, severity, duration)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveBlock(string(record.Severity), "manual")
	s.emit(ctx, audit.Event{
		Action:   audit.ActionManualBlock,
		SourceID: sourceID,
		Severity: string(record.Severity),
		Reason:   reason,
	})
	return record, nil
}

// Score returns a source's current reputation score. Operator surface; a
// pure read.
func (s *Service) Score(ctx context.Context, sourceID string) (int, error) {
	return s.reputation.Score(ctx, sourceID)
}

func (s *Service) emit(ctx context.Context, event audit.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}
	s.auditor.Emit(ctx, event)
}

func (s *Service) auditDegraded(ctx context.Context, sourceID, component string) {
	s.metrics.ObserveStoreFailure()
	s.emit(ctx, audit.Event{
		Action:   audit.ActionStoreDegraded,
		SourceID: sourceID,
		Details:  map[string]string{"component": component},
	})
}

func (s *Service) logError(ctx context.Context, msg, sourceID string, err error) {
	if s.logger != nil {
		s.logger.WarnContext(ctx, msg, "source_id", sourceID, "error", err)
	}
}
