package detector

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"gridshield/internal/protection/models"
	"gridshield/internal/protection/store"
)

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

type DetectorSuite struct {
	suite.Suite
	svc   *Service
	store *store.Memory
	ctx   context.Context
	now   time.Time
}

func TestDetectorSuite(t *testing.T) {
	suite.Run(t, new(DetectorSuite))
}

func (s *DetectorSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return s.now }
	s.store = store.NewMemory(store.WithClock(clock))

	svc, err := New(s.store, Thresholds{RapidRequests: 10, FailedLogins: 3}, WithClock(clock))
	s.Require().NoError(err)
	s.svc = svc
}

func (s *DetectorSuite) request(path string) *models.RequestContext {
	return &models.RequestContext{
		SourceIP:  "203.0.113.9",
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
		Method:    "GET",
		Path:      path,
	}
}

func (s *DetectorSuite) TestNew() {
	s.Run("nil store rejected", func() {
		_, err := New(nil, DefaultThresholds())
		s.Error(err)
	})

	s.Run("bad thresholds rejected", func() {
		_, err := New(s.store, Thresholds{RapidRequests: 0, FailedLogins: 3})
		s.Error(err)
		_, err = New(s.store, Thresholds{RapidRequests: 10, FailedLogins: -1})
		s.Error(err)
	})
}

func (s *DetectorSuite) TestAnalyze() {
	s.Run("clean request yields no events", func() {
		s.Empty(s.svc.Analyze(s.request("/api/v1/readings")))
	})

	s.Run("sql injection in query parameter", func() {
		rc := s.request("/api/v1/readings")
		rc.Query = url.Values{"meter": {"1 UNION SELECT password FROM users"}}

		events := s.svc.Analyze(rc)
		s.Require().Len(events, 1)
		s.Equal(models.EventMaliciousPattern, events[0].Type)
		s.Equal(models.SeverityHigh, events[0].Severity)
		s.Contains(events[0].Details, "sql_injection")
	})

	s.Run("path traversal in path", func() {
		events := s.svc.Analyze(s.request("/files/../../etc/passwd"))
		s.Require().NotEmpty(events)
		s.Equal(models.EventMaliciousPattern, events[0].Type)
	})

	s.Run("one signature event per request at most", func() {
		rc := s.request("/search")
		rc.Query = url.Values{
			"a": {"<script>alert(1)</script>"},
			"b": {"' OR '1'='1"},
		}
		events := s.svc.Analyze(rc)
		var hits int
		for _, ev := range events {
			if ev.Type == models.EventMaliciousPattern {
				hits++
			}
		}
		s.Equal(1, hits)
	})

	s.Run("scanner user agent flagged", func() {
		rc := s.request("/api/v1/readings")
		rc.UserAgent = "sqlmap/1.7.2#stable (https://sqlmap.org)"

		events := s.svc.Analyze(rc)
		s.Require().Len(events, 1)
		s.Equal(models.EventSuspiciousAgent, events[0].Type)
		s.Equal(models.SeverityMedium, events[0].Severity)
	})

	s.Run("crawler user agent flagged as bot", func() {
		rc := s.request("/api/v1/readings")
		rc.UserAgent = "Googlebot/2.1 (+http://www.google.com/bot.html)"

		events := s.svc.Analyze(rc)
		s.Require().Len(events, 1)
		s.Equal(models.EventSuspiciousAgent, events[0].Type)
	})

	s.Run("empty user agent is not flagged", func() {
		rc := s.request("/api/v1/readings")
		rc.UserAgent = ""
		s.Empty(s.svc.Analyze(rc))
	})

	s.Run("sensitive path probe flagged", func() {
		events := s.svc.Analyze(s.request("/wp-admin/setup.php"))
		s.Require().Len(events, 1)
		s.Equal(models.EventAdminProbe, events[0].Type)
		s.Equal(models.SeverityMedium, events[0].Severity)
	})

	s.Run("independent checks stack", func() {
		rc := s.request("/admin/login")
		rc.UserAgent = "nikto/2.5.0"
		rc.Query = url.Values{"q": {"<script>"}}

		events := s.svc.Analyze(rc)
		s.Len(events, 3)
	})

	s.Run("events carry request attribution", func() {
		rc := s.request("/admin")
		events := s.svc.Analyze(rc)
		s.Require().Len(events, 1)
		s.Equal(rc.SourceID(), events[0].SourceID)
		s.Equal("/admin", events[0].Endpoint)
		s.Equal(s.now, events[0].Timestamp)
	})
}

func (s *DetectorSuite) TestAnalyzeResponse() {
	s.Run("success status yields nothing", func() {
		rc := s.request("/api/v1/readings")
		rc.Status = 200
		s.Empty(s.svc.AnalyzeResponse(rc))
	})

	s.Run("client error yields a low severity event", func() {
		rc := s.request("/api/v1/unknown")
		rc.Status = 404

		events := s.svc.AnalyzeResponse(rc)
		s.Require().Len(events, 1)
		s.Equal(models.EventErrorResponse, events[0].Type)
		s.Equal(models.SeverityLow, events[0].Severity)
	})
}

func (s *DetectorSuite) TestCheckRateAnomalies() {
	s.Run("quiet source yields nothing", func() {
		events, degraded := s.svc.CheckRateAnomalies(s.ctx, s.request("/api/v1/readings"))
		s.Empty(events)
		s.False(degraded)
	})

	s.Run("rapid requests over threshold flagged high", func() {
		rc := s.request("/api/v1/readings")
		key := models.RequestCountKey(rc.SourceID(), s.now)
		s.Require().NoError(s.store.Set(s.ctx, key, []byte("11"), time.Minute))

		events, degraded := s.svc.CheckRateAnomalies(s.ctx, rc)
		s.Require().Len(events, 1)
		s.Equal(models.EventRapidRequests, events[0].Type)
		s.Equal(models.SeverityHigh, events[0].Severity)
		s.False(degraded)
	})

	s.Run("count at threshold is not flagged", func() {
		rc := s.request("/api/v1/readings")
		rc.UserAgent = "Mozilla/5.0 (Macintosh) AppleWebKit/605.1.15 Safari/605.1.15"
		key := models.RequestCountKey(rc.SourceID(), s.now)
		s.Require().NoError(s.store.Set(s.ctx, key, []byte("10"), time.Minute))

		events, _ := s.svc.CheckRateAnomalies(s.ctx, rc)
		s.Empty(events)
	})

	s.Run("failed logins over threshold flagged high", func() {
		rc := s.request("/auth/login")
		rc.SourceIP = "198.51.100.7"
		key := models.FailedLoginsKey(rc.SourceID())
		s.Require().NoError(s.store.Set(s.ctx, key, []byte(strconv.Itoa(4)), 10*time.Minute))

		events, _ := s.svc.CheckRateAnomalies(s.ctx, rc)
		s.Require().Len(events, 1)
		s.Equal(models.EventBruteForceLogin, events[0].Type)
	})

	s.Run("store failure fails open and reports degraded", func() {
		svc, err := New(failingStore{}, DefaultThresholds())
		s.Require().NoError(err)

		events, degraded := svc.CheckRateAnomalies(s.ctx, s.request("/api/v1/readings"))
		s.Empty(events)
		s.True(degraded)
	})
}
