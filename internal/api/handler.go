package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// maxBodyBytes bounds request bodies on scoring endpoints.
const maxBodyBytes = 1 << 20

// Handler holds dependencies for API handlers.
type Handler struct {
	service *scoring.Service
	store   domain.ManifestStore
	cache   domain.Cache
	bus     domain.EventBus
	version string
}

// NewHandler creates a new API handler.
func NewHandler(service *scoring.Service, store domain.ManifestStore, cache domain.Cache, bus domain.EventBus, version string) *Handler {
	return &Handler{
		service: service,
		store:   store,
		cache:   cache,
		bus:     bus,
		version: version,
	}
}

// ErrorResponse is the body of every 4xx/5xx response from scoring endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
	Type  string `json:"type"`
}

// SubmitResponse is the response for POST /submit.
type SubmitResponse struct {
	ID    string `json:"id"`
	Topic string `json:"topic"`
}

// Predict handles POST /predict requests.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, ok := decodeScoreRequest(w, r)
	if !ok {
		return
	}

	result, err := h.service.Score(ctx, GetRequestID(ctx), req)
	if err != nil {
		writeScoringError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result.Decision.Verdict)
}

// Submit handles POST /submit: the transaction is queued on the event bus
// and scored by the worker. Malformed bodies are rejected here; field
// validation happens asynchronously.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Error: "event bus not available",
			Type:  "UnavailableError",
		})
		return
	}

	req, ok := decodeScoreRequest(w, r)
	if !ok {
		return
	}

	id := uuid.New().String()
	payload, err := json.Marshal(domain.SubmittedTransaction{ID: id, Request: req})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to encode submission", Type: "InternalError"})
		return
	}

	if err := h.bus.Publish(r.Context(), domain.TopicTransactionSubmitted, payload); err != nil {
		slog.Error("failed to publish submission", "id", id, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Error: "failed to queue transaction",
			Type:  "UnavailableError",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitResponse{
		ID:    id,
		Topic: domain.TopicTransactionSubmitted,
	})
}

func decodeScoreRequest(w http.ResponseWriter, r *http.Request) (domain.ScoreRequest, bool) {
	var req domain.ScoreRequest

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "invalid JSON request body: " + err.Error(),
			Type:  "ValidationError",
		})
		return req, false
	}
	return req, true
}

func writeScoringError(w http.ResponseWriter, err error) {
	var vErr *domain.ValidationError
	if errors.As(err, &vErr) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: vErr.Error(),
			Type:  scoring.ErrorType(err),
		})
		return
	}

	slog.Error("scoring failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error: "scoring failed",
		Type:  scoring.ErrorType(err),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	checks := map[string]string{}

	if h.store != nil {
		checks["repository"] = "ok"
		if err := h.store.Ping(ctx); err != nil {
			checks["repository"] = err.Error()
			status = "degraded"
		}
	}

	if h.cache != nil {
		checks["cache"] = "ok"
		if err := h.cache.Ping(ctx); err != nil {
			checks["cache"] = err.Error()
			status = "degraded"
		}
	}

	if h.bus != nil {
		checks["eventbus"] = "ok"
		if err := h.bus.Ping(ctx); err != nil {
			checks["eventbus"] = err.Error()
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready returns whether the server is ready to accept traffic. The model is
// built before the server starts, so a running server is ready.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// GetModel returns the manifest of the model serving requests.
func (h *Handler) GetModel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Pipeline().Model().Manifest())
}

// ModelHistory lists persisted model manifests, newest first.
func (h *Handler) ModelHistory(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a non-negative integer",
			})
			return
		}
		limit = n
	}

	manifests, err := h.store.ListManifests(r.Context(), limit)
	if err != nil {
		slog.Error("failed to list manifests", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list manifests",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"manifests": manifests,
		"count":     len(manifests),
	})
}

// ListRules returns the overlay rules in evaluation order.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.service.Pipeline().Overlay().Rules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loaded,
		"count": len(loaded),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
