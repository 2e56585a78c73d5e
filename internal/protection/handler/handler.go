// Package handler exposes the Evaluate entry point over HTTP for
// sidecar-style collaborators that cannot embed the middleware directly. The
// response carries only the caller-safe decision fields.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"gridshield/internal/protection/models"
)

// Evaluator is the orchestrator surface the handler depends on.
type Evaluator interface {
	Evaluate(ctx context.Context, rc *models.RequestContext) *models.Decision
}

type Handler struct {
	evaluator Evaluator
	logger    *slog.Logger
	disabled  bool
}

type Option func(*Handler)

// WithDisabled turns protection off entirely: every decision comes back
// allowed without touching the orchestrator (testing/demo mode).
func WithDisabled(disabled bool) Option {
	return func(h *Handler) {
		h.disabled = disabled
	}
}

// NewHandler constructs the decision handler.
func NewHandler(evaluator Evaluator, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		evaluator: evaluator,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.disabled && logger != nil {
		logger.Info("abuse protection disabled")
	}
	return h
}

// Routes returns the decision router, mounted by the caller under /v1.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/decision", h.decide)
	return r
}

type decisionRequest struct {
	IP        string              `json:"ip"`
	UserAgent string              `json:"user_agent"`
	Method    string              `json:"method"`
	Path      string              `json:"path"`
	Query     map[string][]string `json:"query,omitempty"`
}

type decisionResponse struct {
	Allowed   bool                  `json:"allowed"`
	Reason    string                `json:"reason"`
	RateLimit *models.RateLimitInfo `json:"rate_limit,omitempty"`
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.IP == "" || req.Path == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "ip and path are required"})
		return
	}

	if h.disabled {
		writeJSON(w, http.StatusOK, decisionResponse{Allowed: true, Reason: string(models.ReasonOK)})
		return
	}

	rc := &models.RequestContext{
		SourceIP:  req.IP,
		UserAgent: req.UserAgent,
		Method:    req.Method,
		Path:      req.Path,
		Query:     url.Values(req.Query),
	}
	decision := h.evaluator.Evaluate(r.Context(), rc)

	writeJSON(w, http.StatusOK, decisionResponse{
		Allowed:   decision.Allowed,
		Reason:    string(decision.Reason),
		RateLimit: decision.RateLimit,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
