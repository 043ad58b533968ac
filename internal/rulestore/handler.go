package rulestore

import (
	"encoding/json"
	"net/http"

	"github.com/gatewarden/gatewarden/internal/domain"
	"github.com/gatewarden/gatewarden/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrNotFound, Status: http.StatusNotFound, Message: "constraint not found"},
	{Error: ErrRuleNotFound, Status: http.StatusNotFound, Message: "policy rule not found"},
	{Error: ErrDuplicateRule, Status: http.StatusConflict, Message: "identical active rule already published"},
	{Error: ErrInvalidRule, Status: http.StatusBadRequest},
	{Error: ErrInvalidMode, Status: http.StatusBadRequest},
}

// Handler handles HTTP requests for rule and constraint management.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new rule store handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterRoutes registers rule management routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/rules", h.PublishRule)
	r.Get("/constraints", h.ListConstraints)
	r.Get("/constraints/{id}", h.GetConstraint)
	r.Put("/constraints/{id}", h.UpsertConstraint)
	r.Put("/constraints/{id}/mode", h.SetMode)
}

// PublishRuleRequest is the request body for publishing a rule.
type PublishRuleRequest struct {
	ID       string          `json:"id" validate:"required"`
	Kind     string          `json:"kind" validate:"required,oneof=mutation validation"`
	Selector domain.Selector `json:"selector"`
	Body     string          `json:"body" validate:"required"`
	Message  string          `json:"message"`
	Severity string          `json:"severity" validate:"omitempty,oneof=low medium high critical"`
}

// PublishRule publishes a new rule version.
func (h *Handler) PublishRule(w http.ResponseWriter, r *http.Request) {
	var req PublishRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	rule, err := h.service.Publish(r.Context(), domain.PolicyRule{
		ID:       req.ID,
		Kind:     domain.RuleKind(req.Kind),
		Selector: req.Selector,
		Body:     req.Body,
		Message:  req.Message,
		Severity: domain.Severity(req.Severity),
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, rule)
}

// UpsertConstraintRequest is the request body for creating or replacing a
// constraint.
type UpsertConstraintRequest struct {
	RuleIDs        []string        `json:"rule_ids" validate:"required,min=1"`
	Mode           string          `json:"mode" validate:"required,oneof=dry-run audit enforce"`
	TargetSelector domain.Selector `json:"target_selector"`
	Threshold      string          `json:"threshold" validate:"required,oneof=low medium high critical"`
	TimeoutPolicy  string          `json:"timeout_policy" validate:"required,oneof=fail-open fail-closed"`
}

// UpsertConstraint creates or replaces a constraint.
func (h *Handler) UpsertConstraint(w http.ResponseWriter, r *http.Request) {
	var req UpsertConstraintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	constraint, err := h.service.UpsertConstraint(r.Context(), domain.Constraint{
		ID:             chi.URLParam(r, "id"),
		RuleIDs:        req.RuleIDs,
		Mode:           domain.EnforcementMode(req.Mode),
		TargetSelector: req.TargetSelector,
		Threshold:      domain.Severity(req.Threshold),
		TimeoutPolicy:  domain.TimeoutPolicy(req.TimeoutPolicy),
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, constraint)
}

// GetConstraint returns a constraint by id.
func (h *Handler) GetConstraint(w http.ResponseWriter, r *http.Request) {
	constraint, err := h.service.GetConstraint(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, constraint)
}

// ListConstraints returns all constraints.
func (h *Handler) ListConstraints(w http.ResponseWriter, r *http.Request) {
	constraints, err := h.service.ListConstraints(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, constraints)
}

// SetModeRequest is the request body for changing a constraint's mode.
type SetModeRequest struct {
	Mode string `json:"mode" validate:"required,oneof=dry-run audit enforce"`
}

// SetMode changes a constraint's enforcement mode.
func (h *Handler) SetMode(w http.ResponseWriter, r *http.Request) {
	var req SetModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.service.SetMode(r.Context(), id, domain.EnforcementMode(req.Mode)); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	constraint, err := h.service.GetConstraint(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, constraint)
}
