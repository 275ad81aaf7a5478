package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"signaldesk/internal/core"
	"signaldesk/internal/types"
)

// NotificationService exposes notification history and recipient actions.
// Implemented by engine.Service.
type NotificationService interface {
	GetNotification(ctx context.Context, id string) (*types.Notification, error)
	ListNotifications(ctx context.Context, filter types.NotificationFilter) ([]types.Notification, string, error)
	Acknowledge(ctx context.Context, notificationID, actor string) (types.AcknowledgmentState, error)
	MarkRead(ctx context.Context, notificationID, actor string) error
	MarkAllRead(ctx context.Context, recipientID string) (int, error)
	Override(ctx context.Context, notificationID string, to types.Priority, actor string) (*types.ClassificationOverride, error)
}

// AckRequest is the request body for acknowledging a notification.
type AckRequest struct {
	AcknowledgedBy string `json:"acknowledged_by" validate:"max=200"`
}

// ReadRequest is the request body for marking a notification read.
type ReadRequest struct {
	RecipientID string `json:"recipient_id" validate:"max=200"`
}

// ReadAllRequest is the request body for POST /v1/notifications/read-all.
type ReadAllRequest struct {
	RecipientID string `json:"recipient_id" validate:"required,max=200"`
}

// OverrideRequest is the request body for a manual priority override.
type OverrideRequest struct {
	ToPriority   types.Priority `json:"to_priority" validate:"required,oneof=P0 P1 P2 P3 P4"`
	OverriddenBy string         `json:"overridden_by" validate:"max=200"`
}

// ListNotificationsResponse is a cursor-paginated page of notifications.
type ListNotificationsResponse struct {
	Notifications []types.Notification `json:"notifications"`
	NextCursor    string               `json:"next_cursor,omitempty"`
}

// NotificationHandler serves notification history and the recipient action
// endpoints (acknowledge, mark read, override).
type NotificationHandler struct {
	service   NotificationService
	validator *core.Validator
	logger    *slog.Logger
}

// NewNotificationHandler creates a NotificationHandler.
func NewNotificationHandler(service NotificationService, v *core.Validator, l *slog.Logger) *NotificationHandler {
	if l == nil {
		l = slog.Default()
	}
	return &NotificationHandler{service: service, validator: v, logger: l}
}

// RegisterRoutes mounts the notification routes on the provided chi.Router.
func (h *NotificationHandler) RegisterRoutes(r chi.Router) {
	r.Route("/notifications", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/read-all", h.ReadAll)
		r.Get("/{id}", h.Get)
		r.Post("/{id}/ack", h.Ack)
		r.Post("/{id}/read", h.Read)
		r.Post("/{id}/override", h.Override)
	})
}

// List handles GET /v1/notifications. Filters arrive as query parameters;
// pagination is keyset-based via the cursor parameter.
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := types.NotificationFilter{
		RecipientID: q.Get("recipient_id"),
		Category:    types.EventCategory(q.Get("category")),
		Cursor:      q.Get("cursor"),
	}
	if p := q.Get("priority"); p != "" {
		priority := types.Priority(p)
		if !priority.Valid() {
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidPriority,
				"priority must be one of P0..P4", nil))
			return
		}
		filter.Priority = priority
	}
	if u := q.Get("unread"); u != "" {
		unread, err := strconv.ParseBool(u)
		if err != nil {
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidJSON,
				"unread must be a boolean", err))
			return
		}
		filter.UnreadOnly = unread
	}
	if l := q.Get("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil || limit < 1 {
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidJSON,
				"limit must be a positive integer", err))
			return
		}
		filter.Limit = limit
	}

	notifications, nextCursor, err := h.service.ListNotifications(r.Context(), filter)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if notifications == nil {
		notifications = []types.Notification{}
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: ListNotificationsResponse{
		Notifications: notifications,
		NextCursor:    nextCursor,
	}})
}

// Get handles GET /v1/notifications/{id}.
func (h *NotificationHandler) Get(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.GetNotification(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: n})
}

// Ack handles POST /v1/notifications/{id}/ack. Acknowledging is idempotent:
// repeating the call returns the stored state unchanged.
func (h *NotificationHandler) Ack(w http.ResponseWriter, r *http.Request) {
	var req AckRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		core.Error(w, r, err)
		return
	}

	actor := req.AcknowledgedBy
	if actor == "" {
		actor = types.GetActor(r.Context())
	}

	state, err := h.service.Acknowledge(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: state})
}

// Read handles POST /v1/notifications/{id}/read.
func (h *NotificationHandler) Read(w http.ResponseWriter, r *http.Request) {
	var req ReadRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		core.Error(w, r, err)
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.service.MarkRead(r.Context(), id, req.RecipientID); err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]string{
		"id":     id,
		"status": "read",
	}})
}

// ReadAll handles POST /v1/notifications/read-all. Idempotent: a repeat call
// reports zero marked.
func (h *NotificationHandler) ReadAll(w http.ResponseWriter, r *http.Request) {
	var req ReadAllRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		core.Error(w, r, err)
		return
	}

	marked, err := h.service.MarkAllRead(r.Context(), req.RecipientID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]int{
		"marked_read": marked,
	}})
}

// Override handles POST /v1/notifications/{id}/override.
func (h *NotificationHandler) Override(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		core.Error(w, r, err)
		return
	}

	actor := req.OverriddenBy
	if actor == "" {
		actor = types.GetActor(r.Context())
	}

	override, err := h.service.Override(r.Context(), chi.URLParam(r, "id"), req.ToPriority, actor)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: override})
}
