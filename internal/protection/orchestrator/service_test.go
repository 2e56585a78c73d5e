package orchestrator

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"gridshield/internal/protection/blocklist"
	"gridshield/internal/protection/detector"
	"gridshield/internal/protection/models"
	"gridshield/internal/protection/ratelimit"
	"gridshield/internal/protection/reputation"
	"gridshield/internal/protection/store"
	"gridshield/pkg/platform/audit"
)

const (
	testMinuteLimit = 5
	testHourLimit   = 100
)

// capturePublisher records emitted audit events for assertions.
type capturePublisher struct {
	events []audit.Event
}

func (p *capturePublisher) Emit(_ context.Context, event audit.Event) {
	p.events = append(p.events, event)
}

func (p *capturePublisher) actions() []audit.Action {
	out := make([]audit.Action, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Action
	}
	return out
}

// failingStore errors on every operation to exercise degraded mode.
type failingStore struct{}

var errStoreDown = errors.New("store down")

func (failingStore) Get(context.Context, string) ([]byte, error) { return nil, errStoreDown }
func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errStoreDown
}
func (failingStore) Increment(context.Context, string, int64) (int64, error) {
	return 0, errStoreDown
}
func (failingStore) Expire(context.Context, string, time.Duration) error { return errStoreDown }
func (failingStore) Delete(context.Context, string) error                { return errStoreDown }
func (failingStore) TTL(context.Context, string) (time.Duration, error)  { return 0, errStoreDown }
func (failingStore) Health(context.Context) error                        { return errStoreDown }

type OrchestratorSuite struct {
	suite.Suite
	svc     *Service
	blocks  *blocklist.Service
	store   *store.Memory
	auditor *capturePublisher
	ctx     context.Context
	now     time.Time
}

func TestOrchestratorSuite(t *testing.T) {
	suite.Run(t, new(OrchestratorSuite))
}

func (s *OrchestratorSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	s.auditor = &capturePublisher{}
	clock := func() time.Time { return s.now }
	s.store = store.NewMemory(store.WithClock(clock))
	s.svc = s.build(s.store, clock)
}

func (s *OrchestratorSuite) build(counters store.CounterStore, clock func() time.Time) *Service {
	limiter, err := ratelimit.New(counters, testMinuteLimit, testHourLimit, ratelimit.WithClock(clock))
	s.Require().NoError(err)
	det, err := detector.New(counters, detector.DefaultThresholds(), detector.WithClock(clock))
	s.Require().NoError(err)
	rep, err := reputation.New(counters, reputation.WithClock(clock))
	s.Require().NoError(err)
	blocks, err := blocklist.New(counters, blocklist.WithClock(clock))
	s.Require().NoError(err)
	s.blocks = blocks

	svc, err := New(limiter, det, rep, blocks, counters,
		WithAuditPublisher(s.auditor),
		WithClock(clock),
	)
	s.Require().NoError(err)
	return svc
}

func (s *OrchestratorSuite) request(ip, path string) *models.RequestContext {
	return &models.RequestContext{
		SourceIP:  ip,
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
		Method:    "GET",
		Path:      path,
	}
}

func (s *OrchestratorSuite) TestNew() {
	s.Run("missing collaborators rejected", func() {
		_, err := New(nil, nil, nil, nil, nil)
		s.Error(err)
	})

	s.Run("invalid policy rejected", func() {
		limiter, err := ratelimit.New(s.store, 1, 1)
		s.Require().NoError(err)
		det, err := detector.New(s.store, detector.DefaultThresholds())
		s.Require().NoError(err)
		rep, err := reputation.New(s.store)
		s.Require().NoError(err)
		blocks, err := blocklist.New(s.store)
		s.Require().NoError(err)

		_, err = New(limiter, det, rep, blocks, s.store, WithPolicy(EscalationPolicy{}))
		s.Error(err)
	})
}

func (s *OrchestratorSuite) TestEvaluateCleanRequest() {
	rc := s.request("203.0.113.10", "/api/v1/readings")

	decision := s.svc.Evaluate(s.ctx, rc)
	s.True(decision.Allowed)
	s.Equal(models.ReasonOK, decision.Reason)
	s.Require().NotNil(decision.RateLimit)
	s.Equal(testMinuteLimit-1, decision.RateLimit.MinuteRemaining)
	s.False(decision.StoreDegraded)
	s.Empty(s.auditor.events)

	s.Run("request counter is maintained for anomaly detection", func() {
		raw, err := s.store.Get(s.ctx, models.RequestCountKey(rc.SourceID(), s.now))
		s.Require().NoError(err)
		s.Equal("1", string(raw))
	})
}

func (s *OrchestratorSuite) TestEvaluateBlockedSource() {
	rc := s.request("203.0.113.11", "/api/v1/readings")
	_, err := s.blocks.Block(s.ctx, rc.SourceID(), "manual review", models.SeverityHigh, 0)
	s.Require().NoError(err)

	decision := s.svc.Evaluate(s.ctx, rc)
	s.False(decision.Allowed)
	s.Equal(models.ReasonBlocked, decision.Reason)
	s.Require().NotNil(decision.Block)
	s.Equal("manual review", decision.Block.Reason)
	s.Contains(s.auditor.actions(), audit.ActionBlockedDenied)

	s.Run("blocked requests never consume rate limit quota", func() {
		_, err := s.store.Get(s.ctx, models.RateLimitKey(rc.SourceID(), models.WindowMinute, s.now))
		s.ErrorIs(err, store.ErrNotFound)
	})
}

func (s *OrchestratorSuite) TestEvaluateRateLimited() {
	rc := s.request("203.0.113.12", "/api/v1/readings")
	for range testMinuteLimit {
		s.Require().True(s.svc.Evaluate(s.ctx, rc).Allowed)
	}

	decision := s.svc.Evaluate(s.ctx, rc)
	s.False(decision.Allowed)
	s.Equal(models.ReasonRateLimited, decision.Reason)
	s.Require().NotNil(decision.RateLimit)
	s.Equal(models.WindowMinute, decision.RateLimit.Window)
	s.Positive(decision.RateLimit.ResetIn)
	s.Contains(s.auditor.actions(), audit.ActionRateLimited)
}

func (s *OrchestratorSuite) TestAutoBlockEscalation() {
	rc := s.request("203.0.113.13", "/api/v1/readings")
	rc.Query = url.Values{"q": {"1 UNION SELECT * FROM users"}}

	s.Run("first two high events stay below the threshold", func() {
		for range 2 {
			decision := s.svc.Evaluate(s.ctx, rc)
			s.True(decision.Allowed)
		}
	})

	s.Run("third high event within the window trips the auto block", func() {
		decision := s.svc.Evaluate(s.ctx, rc)
		s.False(decision.Allowed)
		s.Equal(models.ReasonAutoBlocked, decision.Reason)
		s.Require().NotNil(decision.Block)
		s.Equal(models.SeverityHigh, decision.Block.Severity)
		s.Contains(s.auditor.actions(), audit.ActionAutoBlocked)
	})

	s.Run("subsequent requests hit the blocklist fast path", func() {
		decision := s.svc.Evaluate(s.ctx, rc)
		s.False(decision.Allowed)
		s.Equal(models.ReasonBlocked, decision.Reason)
	})
}

func (s *OrchestratorSuite) TestEscalationWindowExcludesOldEvents() {
	rc := s.request("203.0.113.14", "/api/v1/readings")
	rc.Query = url.Values{"q": {"<script>alert(1)</script>"}}

	for range 2 {
		s.Require().True(s.svc.Evaluate(s.ctx, rc).Allowed)
	}

	// Age the first two events out of the escalation window.
	s.now = s.now.Add(61 * time.Minute)

	decision := s.svc.Evaluate(s.ctx, rc)
	s.True(decision.Allowed)
	s.NotContains(s.auditor.actions(), audit.ActionAutoBlocked)
}

func (s *OrchestratorSuite) TestMediumEventsDoNotEscalate() {
	rc := s.request("203.0.113.15", "/admin/panel")

	for range 4 {
		decision := s.svc.Evaluate(s.ctx, rc)
		s.True(decision.Allowed)
	}
	s.NotContains(s.auditor.actions(), audit.ActionAutoBlocked)
	s.Contains(s.auditor.actions(), audit.ActionThreatEvents)
}

func (s *OrchestratorSuite) TestObserveResponse() {
	s.Run("error responses feed the reputation", func() {
		rc := s.request("203.0.113.16", "/api/v1/unknown")
		rc.Status = 404

		s.svc.ObserveResponse(s.ctx, rc)
		score, err := s.svc.Score(s.ctx, rc.SourceID())
		s.Require().NoError(err)
		s.Positive(score)
	})

	s.Run("failed auth attempts are counted inside the rolling window", func() {
		rc := s.request("203.0.113.17", "/auth/login")
		rc.AuthAttempt = true
		rc.Status = 401

		for range 3 {
			s.svc.ObserveResponse(s.ctx, rc)
		}

		raw, err := s.store.Get(s.ctx, models.FailedLoginsKey(rc.SourceID()))
		s.Require().NoError(err)
		s.Equal("3", string(raw))
		s.Contains(s.auditor.actions(), audit.ActionAuthFailure)

		ttl, err := s.store.TTL(s.ctx, models.FailedLoginsKey(rc.SourceID()))
		s.Require().NoError(err)
		s.Positive(ttl)
	})

	s.Run("successful responses leave no trace", func() {
		rc := s.request("203.0.113.18", "/api/v1/readings")
		rc.Status = 200

		s.svc.ObserveResponse(s.ctx, rc)
		score, err := s.svc.Score(s.ctx, rc.SourceID())
		s.Require().NoError(err)
		s.Zero(score)
	})

	s.Run("forbidden responses on non-auth paths are not login failures", func() {
		rc := s.request("203.0.113.19", "/api/v1/meters")
		rc.Status = 403

		s.svc.ObserveResponse(s.ctx, rc)
		_, err := s.store.Get(s.ctx, models.FailedLoginsKey(rc.SourceID()))
		s.ErrorIs(err, store.ErrNotFound)
	})
}

func (s *OrchestratorSuite) TestBruteForceDetection() {
	rc := s.request("203.0.113.20", "/auth/login")
	rc.AuthAttempt = true
	rc.Status = 401

	// Default threshold is 5; push the counter past it.
	key := models.FailedLoginsKey(rc.SourceID())
	s.Require().NoError(s.store.Set(s.ctx, key, []byte(strconv.Itoa(6)), 10*time.Minute))

	decision := s.svc.Evaluate(s.ctx, rc)
	s.True(decision.Allowed)
	s.Contains(s.auditor.actions(), audit.ActionThreatEvents)

	score, err := s.svc.Score(s.ctx, rc.SourceID())
	s.Require().NoError(err)
	s.Positive(score)
}

func (s *OrchestratorSuite) TestFailOpen() {
	svc := s.build(failingStore{}, func() time.Time { return s.now })

	rc := s.request("203.0.113.21", "/api/v1/readings")
	decision := svc.Evaluate(s.ctx, rc)
	s.True(decision.Allowed)
	s.Equal(models.ReasonOK, decision.Reason)
	s.True(decision.StoreDegraded)
	s.Contains(s.auditor.actions(), audit.ActionStoreDegraded)

	s.Run("every degraded component is audited", func() {
		var components []string
		for _, ev := range s.auditor.events {
			if ev.Action == audit.ActionStoreDegraded {
				components = append(components, ev.Details["component"])
			}
		}
		s.Contains(components, "rate limiter")
		s.Contains(components, "anomaly detector")
	})
}

func (s *OrchestratorSuite) TestOperatorSurface() {
	s.Run("manual block and unblock round-trip", func() {
		record, err := s.svc.Block(s.ctx, "src-op", "abuse report", models.SeverityMedium, 0)
		s.Require().NoError(err)
		s.Equal(30*time.Minute, record.Duration)
		s.Contains(s.auditor.actions(), audit.ActionManualBlock)

		s.Require().NoError(s.svc.Unblock(s.ctx, "src-op"))
		s.Contains(s.auditor.actions(), audit.ActionManualUnblock)

		blocked, _ := s.blocks.IsBlocked(s.ctx, "src-op")
		s.False(blocked)
	})

	s.Run("score lookup is a pure read", func() {
		score, err := s.svc.Score(s.ctx, "src-op-unknown")
		s.Require().NoError(err)
		s.Zero(score)
	})
}
