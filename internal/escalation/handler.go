package escalation

import (
	"net/http"

	"github.com/gatewarden/gatewarden/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrEscalationNotFound, Status: http.StatusNotFound, Message: "escalation not found"},
	{Error: ErrAlreadyAcknowledged, Status: http.StatusConflict, Message: "escalation already acknowledged"},
}

// Handler exposes escalation lookups and acknowledgement.
type Handler struct {
	dispatcher *Dispatcher
}

// NewHandler creates a new escalation handler.
func NewHandler(dispatcher *Dispatcher) *Handler {
	return &Handler{dispatcher: dispatcher}
}

// RegisterRoutes registers escalation routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/escalations/{id}", h.Get)
	r.Post("/escalations/{id}/ack", h.Acknowledge)
	r.Get("/incidents/{id}/escalations", h.ListByIncident)
}

// Get returns an escalation record by id.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	esc, err := h.dispatcher.GetEscalation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, esc)
}

// Acknowledge marks an escalation as seen by an operator.
func (h *Handler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	if err := h.dispatcher.Acknowledge(r.Context(), chi.URLParam(r, "id")); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

// ListByIncident returns the escalation records for an incident.
func (h *Handler) ListByIncident(w http.ResponseWriter, r *http.Request) {
	escalations, err := h.dispatcher.ListByIncident(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, escalations)
}
