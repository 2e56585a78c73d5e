// Package admin exposes the operator surface of the protection layer:
// manual block/unblock and reputation lookups. Mounted behind whatever
// operator authentication the surrounding deployment uses.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"gridshield/internal/protection/models"
)

// Orchestrator is the protection surface the admin handlers depend on.
type Orchestrator interface {
	Block(ctx context.Context, sourceID, reason string, severity models.Severity, duration time.Duration) (*models.BlockRecord, error)
	Unblock(ctx context.Context, sourceID string) error
	Score(ctx context.Context, sourceID string) (int, error)
}

type Handler struct {
	orchestrator Orchestrator
	logger       *slog.Logger
}

// NewHandler constructs the admin handler.
func NewHandler(orchestrator Orchestrator, logger *slog.Logger) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		logger:       logger,
	}
}

// Routes returns the admin router, mounted by the caller under /admin.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/sources/{sourceID}/block", h.blockSource)
	r.Post("/sources/{sourceID}/unblock", h.unblockSource)
	r.Get("/sources/{sourceID}/score", h.sourceScore)
	return r
}

type blockRequest struct {
	Reason          string `json:"reason"`
	Severity        string `json:"severity"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

type blockResponse struct {
	SourceID  string    `json:"source_id"`
	Severity  string    `json:"severity"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Handler) blockSource(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceID")

	var req blockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	severity := models.Severity(req.Severity)
	if !severity.IsValid() {
		writeError(w, http.StatusBadRequest, "invalid severity")
		return
	}
	if req.DurationSeconds < 0 {
		writeError(w, http.StatusBadRequest, "duration cannot be negative")
		return
	}

	record, err := h.orchestrator.Block(r.Context(), sourceID, req.Reason, severity,
		time.Duration(req.DurationSeconds)*time.Second)
	if err != nil {
		h.logError(r.Context(), "manual block failed", sourceID, err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, blockResponse{
		SourceID:  record.SourceID,
		Severity:  string(record.Severity),
		ExpiresAt: record.ExpiresAt,
	})
}

func (h *Handler) unblockSource(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceID")

	if err := h.orchestrator.Unblock(r.Context(), sourceID); err != nil {
		h.logError(r.Context(), "manual unblock failed", sourceID, err)
		writeError(w, http.StatusInternalServerError, "unblock failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"source_id": sourceID, "status": "unblocked"})
}

func (h *Handler) sourceScore(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceID")

	score, err := h.orchestrator.Score(r.Context(), sourceID)
	if err != nil {
		h.logError(r.Context(), "score lookup failed", sourceID, err)
		writeError(w, http.StatusInternalServerError, "score lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source_id": sourceID, "score": score})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (h *Handler) logError(ctx context.Context, msg, sourceID string, err error) {
	if h.logger != nil {
		h.logger.ErrorContext(ctx, msg, "source_id", sourceID, "error", err)
	}
}
