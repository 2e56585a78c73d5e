package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"gridshield/internal/platform/config"
	"gridshield/internal/protection/store"
	"gridshield/pkg/platform/audit"
)

type RouterSuite struct {
	suite.Suite
	cfg    config.Config
	router http.Handler
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}

func (s *RouterSuite) SetupTest() {
	s.cfg = config.Config{
		Addr: ":0",
		Redis: config.RedisConfig{
			CallTimeout: 50 * time.Millisecond,
		},
		Protection: config.ProtectionConfig{
			LimitPerMinute:             2,
			LimitPerHour:               10,
			RapidRequestThreshold:      100,
			FailedLoginThreshold:       5,
			FailedLoginWindow:          10 * time.Minute,
			AutoBlockHighThreshold:     3,
			AutoBlockCriticalThreshold: 1,
			EscalationWindow:           time.Hour,
		},
	}
	s.Require().NoError(s.cfg.Validate())

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	counters := store.NewMemory()
	orch, err := buildOrchestrator(s.cfg, log, counters, audit.Nop{}, nil)
	s.Require().NoError(err)
	s.router = newRouter(s.cfg, log, orch, counters)
}

func (s *RouterSuite) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *RouterSuite) TestDecisionAPIExemptFromCallerThrottling() {
	// One gateway instance asks about many distinct sources from a single
	// transport address. The decision API judges the source described in the
	// body, so the gateway's own call volume must never be throttled, no
	// matter how far past the per-source minute limit it runs.
	for i := 0; i < 20*s.cfg.Protection.LimitPerMinute; i++ {
		body := fmt.Sprintf(`{"ip":"203.0.113.%d","user_agent":"meter-agent/2.1","path":"/api/v1/readings"}`, i+1)
		req := httptest.NewRequest("POST", "/v1/decision", strings.NewReader(body))
		req.RemoteAddr = "10.0.0.5:43210"

		rec := s.do(req)
		s.Require().Equal(http.StatusOK, rec.Code, "call %d", i+1)
		s.Require().Contains(rec.Body.String(), `"allowed":true`)
	}
}

func (s *RouterSuite) TestDecisionAPIStillJudgesTheDescribedSource() {
	// Per-source limits apply to the subject of the query, not the caller.
	for i := 0; i < s.cfg.Protection.LimitPerMinute; i++ {
		req := httptest.NewRequest("POST", "/v1/decision",
			strings.NewReader(`{"ip":"198.51.100.7","path":"/api/v1/readings"}`))
		req.RemoteAddr = "10.0.0.5:43210"
		s.Require().Equal(http.StatusOK, s.do(req).Code)
	}

	req := httptest.NewRequest("POST", "/v1/decision",
		strings.NewReader(`{"ip":"198.51.100.7","path":"/api/v1/readings"}`))
	req.RemoteAddr = "10.0.0.5:43210"
	rec := s.do(req)

	s.Equal(http.StatusOK, rec.Code)
	s.Contains(rec.Body.String(), `"allowed":false`)
	s.Contains(rec.Body.String(), `"reason":"rate_limited"`)
}

func (s *RouterSuite) TestAdminAPIExemptFromCallerThrottling() {
	for i := 0; i < 10*s.cfg.Protection.LimitPerMinute; i++ {
		req := httptest.NewRequest("GET", "/admin/sources/203.0.113.9/score", nil)
		req.RemoteAddr = "10.0.0.5:43210"
		s.Require().Equal(http.StatusOK, s.do(req).Code, "call %d", i+1)
	}
}

func (s *RouterSuite) TestHealthz() {
	rec := s.do(httptest.NewRequest("GET", "/healthz", nil))
	s.Equal(http.StatusOK, rec.Code)
	s.Equal("ok", rec.Body.String())
}
