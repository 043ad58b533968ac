package rollback

import (
	"net/http"

	"github.com/gatewarden/gatewarden/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrRollbackNotInProgress, Status: http.StatusConflict, Message: "no rollback in progress for incident"},
}

// Handler exposes operator control over in-flight rollbacks.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new rollback handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes registers rollback routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/incidents/{id}/rollback/cancel", h.Cancel)
}

// Cancel aborts the incident's in-flight rollback.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Cancel(chi.URLParam(r, "id")); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, map[string]string{"status": "cancelling"})
}
