package monitor

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gatewarden/gatewarden/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

const defaultEventListLimit = 50

// Handler exposes the signal ingest endpoint and event history lookups.
type Handler struct {
	monitor   *Monitor
	validator *validator.Validate
}

// NewHandler creates a new monitor handler.
func NewHandler(monitor *Monitor) *Handler {
	return &Handler{
		monitor:   monitor,
		validator: validator.New(),
	}
}

// RegisterRoutes registers monitor routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/signals", h.IngestSignal)
	r.Get("/deployments/{deploymentId}/events", h.ListEvents)
}

// IngestSignal accepts one pushed health signal.
func (h *Handler) IngestSignal(w http.ResponseWriter, r *http.Request) {
	var sig RawSignal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Struct(sig); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	if err := h.monitor.Ingest(r.Context(), sig); err != nil {
		httputil.HandleError(r.Context(), w, err, nil)
		return
	}
	httputil.Success(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// ListEvents returns the most recent events for a deployment.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			httputil.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	events, err := h.monitor.ListEvents(r.Context(), chi.URLParam(r, "deploymentId"), limit)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, nil)
		return
	}
	httputil.Success(w, http.StatusOK, events)
}
