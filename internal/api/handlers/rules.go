package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"signaldesk/internal/core"
	"signaldesk/internal/types"
)

// RuleService manages the versioned rule set. Implemented by engine.Service.
type RuleService interface {
	ListRules() ([]types.PriorityRule, int)
	RuleSetVersion() int
	CreateRule(ctx context.Context, rule types.PriorityRule) (types.PriorityRule, int, error)
	UpdateRule(ctx context.Context, rule types.PriorityRule) (int, error)
	DeleteRule(ctx context.Context, id string) (int, error)
}

// RuleRequest is the request body for rule create and update.
type RuleRequest struct {
	Priority            types.Priority        `json:"priority" validate:"required,oneof=P0 P1 P2 P3 P4"`
	MatchEventTypes     []string              `json:"match_event_types" validate:"max=50,dive,max=100"`
	MatchKeywords       []string              `json:"match_keywords" validate:"max=50,dive,max=100"`
	Conditions          []types.RuleCondition `json:"conditions" validate:"max=20,dive"`
	RequiresAckOverride bool                  `json:"requires_ack_override"`
	IsActive            bool                  `json:"is_active"`
}

// RuleSetResponse wraps rule listings with the active version.
type RuleSetResponse struct {
	Version int                  `json:"version"`
	Rules   []types.PriorityRule `json:"rules"`
}

// RuleResponse wraps a single rule with the version its edit activated.
type RuleResponse struct {
	Version int                `json:"version"`
	Rule    types.PriorityRule `json:"rule"`
}

// RuleHandler manages PriorityRule CRUD. Every edit activates and persists a
// new rule-set version.
type RuleHandler struct {
	service   RuleService
	validator *core.Validator
	logger    *slog.Logger
}

// NewRuleHandler creates a RuleHandler.
func NewRuleHandler(service RuleService, v *core.Validator, l *slog.Logger) *RuleHandler {
	if l == nil {
		l = slog.Default()
	}
	return &RuleHandler{service: service, validator: v, logger: l}
}

// RegisterRoutes mounts the rule routes on the provided chi.Router.
func (h *RuleHandler) RegisterRoutes(r chi.Router) {
	r.Route("/rules", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Get("/version", h.Version)
		r.Put("/{id}", h.Update)
		r.Delete("/{id}", h.Delete)
	})
}

// List handles GET /v1/rules.
func (h *RuleHandler) List(w http.ResponseWriter, r *http.Request) {
	rules, version := h.service.ListRules()
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: RuleSetResponse{
		Version: version,
		Rules:   rules,
	}})
}

// Version handles GET /v1/rules/version.
func (h *RuleHandler) Version(w http.ResponseWriter, r *http.Request) {
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]int{
		"version": h.service.RuleSetVersion(),
	}})
}

// Create handles POST /v1/rules.
func (h *RuleHandler) Create(w http.ResponseWriter, r *http.Request) {
	rule, ok := h.decodeRule(w, r)
	if !ok {
		return
	}

	stored, version, err := h.service.CreateRule(r.Context(), rule)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: RuleResponse{
		Version: version,
		Rule:    stored,
	}})
}

// Update handles PUT /v1/rules/{id}.
func (h *RuleHandler) Update(w http.ResponseWriter, r *http.Request) {
	rule, ok := h.decodeRule(w, r)
	if !ok {
		return
	}
	rule.ID = chi.URLParam(r, "id")

	version, err := h.service.UpdateRule(r.Context(), rule)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: RuleResponse{
		Version: version,
		Rule:    rule,
	}})
}

// Delete handles DELETE /v1/rules/{id}.
func (h *RuleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	version, err := h.service.DeleteRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]int{
		"version": version,
	}})
}

func (h *RuleHandler) decodeRule(w http.ResponseWriter, r *http.Request) (types.PriorityRule, bool) {
	var req RuleRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return types.PriorityRule{}, false
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		core.Error(w, r, err)
		return types.PriorityRule{}, false
	}
	if err := validateConditions(req.Conditions); err != nil {
		core.Error(w, r, err)
		return types.PriorityRule{}, false
	}

	return types.PriorityRule{
		Priority:            req.Priority,
		MatchEventTypes:     req.MatchEventTypes,
		MatchKeywords:       req.MatchKeywords,
		Conditions:          req.Conditions,
		RequiresAckOverride: req.RequiresAckOverride,
		IsActive:            req.IsActive,
	}, true
}

// validateConditions enforces the operator/value pairing the classifier
// expects: numeric operators need a number, equality operators need exactly
// one typed value.
func validateConditions(conditions []types.RuleCondition) error {
	for i, c := range conditions {
		set := 0
		if c.NumberValue != nil {
			set++
		}
		if c.StringValue != nil {
			set++
		}
		if c.BoolValue != nil {
			set++
		}

		switch c.Operator {
		case types.OpGreaterThanEq, types.OpLessThanEq:
			if c.NumberValue == nil {
				return types.NewAppErrorWithDetails(
					types.ErrCodeValidationInvalidCondition,
					"numeric operators require number_value",
					nil,
					map[string]any{"condition": i, "operator": string(c.Operator)},
				)
			}
		case types.OpEqual, types.OpNotEqual:
			if set != 1 {
				return types.NewAppErrorWithDetails(
					types.ErrCodeValidationInvalidCondition,
					"equality operators require exactly one of number_value, string_value, bool_value",
					nil,
					map[string]any{"condition": i, "operator": string(c.Operator)},
				)
			}
		default:
			return types.NewAppErrorWithDetails(
				types.ErrCodeValidationInvalidCondition,
				"unknown condition operator",
				nil,
				map[string]any{"condition": i, "operator": string(c.Operator)},
			)
		}
	}
	return nil
}
