package incident

import (
	"net/http"

	"github.com/gatewarden/gatewarden/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrIncidentNotFound, Status: http.StatusNotFound, Message: "incident not found"},
	{Error: ErrStateConflict, Status: http.StatusConflict, Message: "incident state conflict"},
}

// Handler exposes incident lookups and operator resolution.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new incident handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes registers incident routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/incidents", h.ListOpen)
	r.Get("/incidents/{id}", h.Get)
	r.Post("/incidents/{id}/resolve", h.Resolve)
}

// ListOpen returns all non-resolved incidents.
func (h *Handler) ListOpen(w http.ResponseWriter, r *http.Request) {
	incidents, err := h.manager.ListOpen(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, incidents)
}

// Get returns an incident by id.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	inc, err := h.manager.GetIncident(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, inc)
}

// Resolve closes an incident on operator request.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Resolve(r.Context(), chi.URLParam(r, "id")); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, map[string]string{"status": "resolved"})
}
