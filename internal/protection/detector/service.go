// Package detector inspects individual requests for malicious signatures,
// scanner user-agents, sensitive-surface probing, and rate anomalies. The
// request-phase checks are pure functions of the request; only the anomaly
// checks touch the counter store.
package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mssola/useragent"

	"gridshield/internal/protection/models"
	"gridshield/internal/protection/store"
)

// Thresholds configures the rate-anomaly checks.
type Thresholds struct {
	// RapidRequests is the per-minute request count beyond which a source is
	// flagged, independent of the enforced rate limit.
	RapidRequests int
	// FailedLogins is the rolling failed-authentication count beyond which a
	// brute-force event is emitted.
	FailedLogins int
}

// DefaultThresholds returns the default anomaly thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		RapidRequests: 100,
		FailedLogins:  5,
	}
}

// Validate reports configuration errors. Callers treat these as fatal.
func (t Thresholds) Validate() error {
	if t.RapidRequests <= 0 {
		return fmt.Errorf("rapid request threshold must be positive, got %d", t.RapidRequests)
	}
	if t.FailedLogins <= 0 {
		return fmt.Errorf("failed login threshold must be positive, got %d", t.FailedLogins)
	}
	return nil
}

type Service struct {
	store            store.CounterStore
	signatures       Signatures
	suspiciousAgents []string
	sensitivePaths   []string
	thresholds       Thresholds
	logger           *slog.Logger
	now              func() time.Time
}

type Option func(*Service)

// WithLogger sets a logger for degraded-mode reporting.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithSignatures replaces the built-in signature set.
func WithSignatures(sigs Signatures) Option {
	return func(s *Service) {
		if sigs != nil {
			s.signatures = sigs
		}
	}
}

// WithSuspiciousAgents replaces the built-in scanner agent list.
func WithSuspiciousAgents(agents []string) Option {
	return func(s *Service) {
		if agents != nil {
			s.suspiciousAgents = agents
		}
	}
}

// WithSensitivePaths replaces the built-in sensitive path prefixes.
func WithSensitivePaths(paths []string) Option {
	return func(s *Service) {
		if paths != nil {
			s.sensitivePaths = paths
		}
	}
}

// WithClock injects the time source used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a pattern detector.
func New(counters store.CounterStore, thresholds Thresholds, opts ...Option) (*Service, error) {
	if counters == nil {
		return nil, fmt.Errorf("counter store is required")
	}
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}

	svc := &Service{
		store:            counters,
		signatures:       DefaultSignatures(),
		suspiciousAgents: DefaultSuspiciousAgents(),
		sensitivePaths:   DefaultSensitivePaths(),
		thresholds:       thresholds,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Analyze runs the request-phase checks and returns every hit. It never
// mutates state. Each check contributes at most one event per call.
func (s *Service) Analyze(rc *models.RequestContext) []models.ThreatEvent {
	var events []models.ThreatEvent

	if ev := s.checkSignatures(rc); ev != nil {
		events = append(events, *ev)
	}
	if ev := s.checkUserAgent(rc); ev != nil {
		events = append(events, *ev)
	}
	if ev := s.checkSensitivePath(rc); ev != nil {
		events = append(events, *ev)
	}
	return events
}

// AnalyzeResponse runs the post-handling check against the final response
// status. A 4xx/5xx is a cheap proxy for endpoint enumeration; it is weighted
// low so routine client errors cannot dominate a score on their own.
func (s *Service) AnalyzeResponse(rc *models.RequestContext) []models.ThreatEvent {
	if rc.Status < 400 {
		return nil
	}
	ev := s.event(rc, models.EventErrorResponse, models.SeverityLow,
		fmt.Sprintf("status=%d", rc.Status))
	return []models.ThreatEvent{*ev}
}

// CheckRateAnomalies evaluates the per-source request and failed-login
// counters against the configured thresholds. Store failures fail open: no
// events are emitted, the outage is logged, and degraded is reported so the
// orchestrator can audit it.
func (s *Service) CheckRateAnomalies(ctx context.Context, rc *models.RequestContext) ([]models.ThreatEvent, bool) {
	var events []models.ThreatEvent
	var degraded bool
	sourceID := rc.SourceID()

	count, err := s.readCounter(ctx, models.RequestCountKey(sourceID, s.now()))
	if err != nil {
		s.logDegraded(ctx, "request counter read failed", sourceID, err)
		degraded = true
	} else if count > s.thresholds.RapidRequests {
		ev := s.event(rc, models.EventRapidRequests, models.SeverityHigh,
			fmt.Sprintf("requests_per_minute=%d threshold=%d", count, s.thresholds.RapidRequests))
		events = append(events, *ev)
	}

	failures, err := s.readCounter(ctx, models.FailedLoginsKey(sourceID))
	if err != nil {
		s.logDegraded(ctx, "failed login counter read failed", sourceID, err)
		degraded = true
	} else if failures > s.thresholds.FailedLogins {
		ev := s.event(rc, models.EventBruteForceLogin, models.SeverityHigh,
			fmt.Sprintf("failed_logins=%d threshold=%d", failures, s.thresholds.FailedLogins))
		events = append(events, *ev)
	}

	return events, degraded
}

// checkSignatures scans the path and every query parameter value against the
// signature groups. The first match wins; one request yields at most one
// signature event no matter how many fragments it carries.
func (s *Service) checkSignatures(rc *models.RequestContext) *models.ThreatEvent {
	if class, token := s.matchSignature(rc.Path); class != "" {
		return s.event(rc, models.EventMaliciousPattern, models.SeverityHigh,
			fmt.Sprintf("class=%s token=%q location=path", class, token))
	}
	for param, values := range rc.Query {
		for _, value := range values {
			if class, token := s.matchSignature(value); class != "" {
				return s.event(rc, models.EventMaliciousPattern, models.SeverityHigh,
					fmt.Sprintf("class=%s token=%q location=query:%s", class, token, param))
			}
		}
	}
	return nil
}

func (s *Service) matchSignature(input string) (AttackClass, string) {
	lower := strings.ToLower(input)
	for class, tokens := range s.signatures {
		for _, token := range tokens {
			if strings.Contains(lower, token) {
				return class, token
			}
		}
	}
	return "", ""
}

// checkUserAgent flags known scanner signatures and, failing that, clients
// that parse as bots without presenting a browser engine.
func (s *Service) checkUserAgent(rc *models.RequestContext) *models.ThreatEvent {
	lower := strings.ToLower(rc.UserAgent)
	for _, agent := range s.suspiciousAgents {
		if strings.Contains(lower, agent) {
			return s.event(rc, models.EventSuspiciousAgent, models.SeverityMedium,
				fmt.Sprintf("agent=%s", agent))
		}
	}
	if rc.UserAgent != "" {
		if ua := useragent.New(rc.UserAgent); ua.Bot() {
			return s.event(rc, models.EventSuspiciousAgent, models.SeverityMedium, "agent=bot")
		}
	}
	return nil
}

func (s *Service) checkSensitivePath(rc *models.RequestContext) *models.ThreatEvent {
	lower := strings.ToLower(rc.Path)
	for _, prefix := range s.sensitivePaths {
		if strings.HasPrefix(lower, prefix) {
			return s.event(rc, models.EventAdminProbe, models.SeverityMedium,
				fmt.Sprintf("path=%s", prefix))
		}
	}
	return nil
}

func (s *Service) event(rc *models.RequestContext, eventType models.EventType, severity models.Severity, details string) *models.ThreatEvent {
	// Inputs are validated enums, so construction cannot fail here.
	ev, _ := models.NewThreatEvent(rc.SourceID(), eventType, severity, s.now(), details)
	ev.UserAgent = rc.UserAgent
	ev.Endpoint = rc.Path
	return ev
}

func (s *Service) readCounter(ctx context.Context, key string) (int, error) {
	raw, err := s.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, fmt.Errorf("malformed counter at %s: %w", key, err)
	}
	return n, nil
}

func (s *Service) logDegraded(ctx context.Context, msg, sourceID string, err error) {
	if s.logger != nil {
		s.logger.WarnContext(ctx, msg, "source_id", sourceID, "error", err)
	}
}
