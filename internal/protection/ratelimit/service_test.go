package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"gridshield/internal/protection/models"
	"gridshield/internal/protection/store"
)

const (
	testMinuteLimit = 5
	testHourLimit   = 20
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

type RateLimitSuite struct {
	suite.Suite
	svc   *Service
	store *store.Memory
	ctx   context.Context
	now   time.Time
}

func TestRateLimitSuite(t *testing.T) {
	suite.Run(t, new(RateLimitSuite))
}

func (s *RateLimitSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return s.now }
	s.store = store.NewMemory(store.WithClock(clock))

	svc, err := New(s.store, testMinuteLimit, testHourLimit, WithClock(clock))
	s.Require().NoError(err)
	s.svc = svc
}

func (s *RateLimitSuite) advance(d time.Duration) {
	s.now = s.now.Add(d)
}

func (s *RateLimitSuite) TestNew() {
	s.Run("nil store rejected", func() {
		_, err := New(nil, 1, 1)
		s.Error(err)
	})

	s.Run("non-positive limits rejected", func() {
		_, err := New(s.store, 0, 10)
		s.Error(err)
		_, err = New(s.store, 10, -1)
		s.Error(err)
	})
}

func (s *RateLimitSuite) TestCheckAndConsume() {
	s.Run("first request allowed with full remaining", func() {
		info := s.svc.CheckAndConsume(s.ctx, "src-first")
		s.True(info.Allowed)
		s.Equal(testMinuteLimit, info.Limit)
		s.Equal(testMinuteLimit-1, info.MinuteRemaining)
		s.Equal(testHourLimit-1, info.HourRemaining)
		s.False(info.Degraded)
	})

	s.Run("requests up to the minute limit allowed", func() {
		var info *models.RateLimitInfo
		for range testMinuteLimit {
			info = s.svc.CheckAndConsume(s.ctx, "src-limit")
		}
		s.True(info.Allowed)
		s.Equal(0, info.MinuteRemaining)
	})

	s.Run("request over the minute limit denied", func() {
		for range testMinuteLimit {
			s.svc.CheckAndConsume(s.ctx, "src-over")
		}
		info := s.svc.CheckAndConsume(s.ctx, "src-over")
		s.False(info.Allowed)
		s.Equal(models.WindowMinute, info.Window)
		s.Positive(info.ResetIn)
		s.LessOrEqual(info.ResetIn, time.Minute)
	})

	s.Run("minute window resets on rollover", func() {
		for range testMinuteLimit + 1 {
			s.svc.CheckAndConsume(s.ctx, "src-reset")
		}
		s.False(s.svc.CheckAndConsume(s.ctx, "src-reset").Allowed)

		s.advance(time.Minute)
		info := s.svc.CheckAndConsume(s.ctx, "src-reset")
		s.True(info.Allowed)
	})

	s.Run("hour limit holds across minute windows", func() {
		// Spread requests so no single minute window trips first.
		for i := range testHourLimit {
			info := s.svc.CheckAndConsume(s.ctx, "src-hour")
			s.Require().True(info.Allowed, "request %d", i)
			if (i+1)%testMinuteLimit == 0 {
				s.advance(time.Minute)
			}
		}
		info := s.svc.CheckAndConsume(s.ctx, "src-hour")
		s.False(info.Allowed)
		s.Equal(models.WindowHour, info.Window)
		s.Equal(testHourLimit, info.Limit)
	})

	s.Run("sources are isolated", func() {
		for range testMinuteLimit + 1 {
			s.svc.CheckAndConsume(s.ctx, "src-noisy")
		}
		info := s.svc.CheckAndConsume(s.ctx, "src-quiet")
		s.True(info.Allowed)
	})
}

func (s *RateLimitSuite) TestFailOpen() {
	svc, err := New(failingStore{}, testMinuteLimit, testHourLimit)
	s.Require().NoError(err)

	for range testMinuteLimit * 3 {
		info := svc.CheckAndConsume(s.ctx, "src-degraded")
		s.True(info.Allowed)
		s.True(info.Degraded)
	}
}
