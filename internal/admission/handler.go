package admission

import (
	"encoding/json"
	"net/http"

	"github.com/gatewarden/gatewarden/internal/domain"
	"github.com/gatewarden/gatewarden/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrDecisionNotFound, Status: http.StatusNotFound, Message: "admission decision not found"},
}

// Handler handles the admission webhook endpoint and decision lookups.
type Handler struct {
	pipeline  *Pipeline
	validator *validator.Validate
}

// NewHandler creates a new admission handler.
func NewHandler(pipeline *Pipeline) *Handler {
	return &Handler{
		pipeline:  pipeline,
		validator: validator.New(),
	}
}

// RegisterWebhookRoutes registers the admission webhook endpoint.
func (h *Handler) RegisterWebhookRoutes(r chi.Router) {
	r.Post("/admit", h.Admit)
}

// RegisterRoutes registers decision lookup routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/decisions/{requestId}", h.GetDecision)
}

// AdmitRequest is the webhook request body.
type AdmitRequest struct {
	RequestID string          `json:"request_id"`
	Resource  domain.Resource `json:"resource" validate:"required"`
	Operation string          `json:"operation" validate:"required,oneof=create update delete"`
	DryRun    bool            `json:"dry_run"`
}

// Admit decides one admission request. The response body is the terminal
// AdmissionDecision; the caller applies its own failurePolicy if we exceed
// its deadline.
func (h *Handler) Admit(w http.ResponseWriter, r *http.Request) {
	var req AdmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}
	if req.Resource.Kind == "" {
		httputil.Error(w, http.StatusBadRequest, "resource.kind is required")
		return
	}

	decision, err := h.pipeline.Admit(r.Context(), domain.AdmissionRequest{
		RequestID: req.RequestID,
		Resource:  req.Resource,
		Operation: domain.Operation(req.Operation),
		DryRun:    req.DryRun,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.JSON(w, http.StatusOK, decision)
}

// GetDecision returns a persisted admission decision by request id.
func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	decision, err := h.pipeline.GetDecision(r.Context(), chi.URLParam(r, "requestId"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, decision)
}
