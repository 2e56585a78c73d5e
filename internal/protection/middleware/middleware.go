// Package middleware wires the protection layer into the HTTP pipeline. The
// Protect middleware evaluates every request before routing and feeds the
// final response status back for the post-handling probes. Denied callers
// receive deterministic, non-leaky reasons; matched signatures and scores
// stay in the audit trail.
package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"gridshield/internal/protection/models"
	"gridshield/pkg/requestcontext"
)

// Evaluator is the orchestrator surface the middleware depends on.
type Evaluator interface {
	Evaluate(ctx context.Context, rc *models.RequestContext) *models.Decision
	ObserveResponse(ctx context.Context, rc *models.RequestContext)
}

type Middleware struct {
	evaluator    Evaluator
	logger       *slog.Logger
	authPrefixes []string
	disabled     bool
}

type Option func(*Middleware)

// WithDisabled turns protection off entirely (testing/demo mode).
func WithDisabled(disabled bool) Option {
	return func(m *Middleware) {
		m.disabled = disabled
	}
}

// WithAuthPrefixes sets the path prefixes treated as credential-accepting
// endpoints for failed-login accounting.
func WithAuthPrefixes(prefixes []string) Option {
	return func(m *Middleware) {
		if prefixes != nil {
			m.authPrefixes = prefixes
		}
	}
}

// New constructs the protection middleware.
func New(evaluator Evaluator, logger *slog.Logger, opts ...Option) *Middleware {
	m := &Middleware{
		evaluator:    evaluator,
		logger:       logger,
		authPrefixes: []string{"/auth/", "/api/auth/", "/login"},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.disabled && logger != nil {
		logger.Info("abuse protection disabled")
	}
	return m
}

// RequestID assigns a correlation ID to every request and echoes it back.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(requestcontext.WithRequestID(r.Context(), id)))
	})
}

// Protect evaluates the request before routing and observes the response
// status after. It is the only place the protection layer touches HTTP.
func (m *Middleware) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.disabled {
			next.ServeHTTP(w, r)
			return
		}

		rc := m.requestContext(r)
		ctx := requestcontext.WithClientIP(r.Context(), rc.SourceIP)
		ctx = requestcontext.WithUserAgent(ctx, rc.UserAgent)
		r = r.WithContext(ctx)

		decision := m.evaluator.Evaluate(ctx, rc)
		if !decision.Allowed {
			m.writeDenied(w, decision)
			return
		}

		addRateLimitHeaders(w, decision.RateLimit)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		rc.Status = rec.status
		m.evaluator.ObserveResponse(ctx, rc)
	})
}

func (m *Middleware) requestContext(r *http.Request) *models.RequestContext {
	path := r.URL.Path
	return &models.RequestContext{
		SourceIP:    clientIP(r),
		UserAgent:   r.Header.Get("User-Agent"),
		Method:      r.Method,
		Path:        path,
		Query:       r.URL.Query(),
		AuthAttempt: m.isAuthPath(path),
	}
}

func (m *Middleware) isAuthPath(path string) bool {
	for _, prefix := range m.authPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// deniedBody is the caller-visible denial envelope. Reasons are generic on
// purpose: internal scoring detail would help an attacker calibrate.
type deniedBody struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	Details string `json:"details"`
}

func (m *Middleware) writeDenied(w http.ResponseWriter, decision *models.Decision) {
	w.Header().Set("Content-Type", "application/json")

	switch decision.Reason {
	case models.ReasonRateLimited:
		info := decision.RateLimit
		if info != nil {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("Retry-After", strconv.Itoa(int(info.ResetIn.Seconds())))
		}
		w.WriteHeader(http.StatusTooManyRequests)
		writeJSON(w, deniedBody{Reason: "rate_limited", Details: "too many requests"})
	default:
		w.WriteHeader(http.StatusForbidden)
		writeJSON(w, deniedBody{Reason: "blocked", Details: "request blocked"})
	}
}

func addRateLimitHeaders(w http.ResponseWriter, info *models.RateLimitInfo) {
	if info == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.MinuteRemaining))
}

func writeJSON(w http.ResponseWriter, body any) {
	_ = json.NewEncoder(w).Encode(body)
}

// statusRecorder captures the downstream status code for the post-handling
// probes without buffering the body.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wrote {
		r.status = status
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wrote = true
	return r.ResponseWriter.Write(b)
}

// Unwrap exposes the underlying writer so http.ResponseController can reach
// Flusher and Hijacker on streaming handlers.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// clientIP resolves the original client address behind proxies and load
// balancers: X-Forwarded-For first, then X-Real-IP, then RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if addr := r.RemoteAddr; addr != "" {
		// RemoteAddr carries a port: "127.0.0.1:54321" or "[::1]:54321".
		if idx := strings.LastIndex(addr, ":"); idx != -1 {
			return strings.Trim(addr[:idx], "[]")
		}
		return addr
	}
	return "unknown"
}
