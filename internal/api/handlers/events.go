// Package handlers contains the HTTP handler implementations for the
// Signaldesk API: event ingestion, rule management, notification history and
// actions, and delivery statistics.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"signaldesk/internal/core"
	"signaldesk/internal/types"
)

// EventProcessor runs the classification pipeline for one event.
// Implemented by engine.Service.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, e types.Event) ([]types.Notification, error)
}

// IngestRequest is the request body for POST /v1/events.
type IngestRequest struct {
	EventType           string               `json:"event_type" validate:"required,max=100"`
	OccurredAt          time.Time            `json:"occurred_at,omitzero"`
	Payload             map[string]any       `json:"payload"`
	RecipientCandidates []types.RecipientRef `json:"recipient_candidates" validate:"required,min=1,max=50,dive"`
}

// IngestResponse reports what the pipeline produced for the event.
type IngestResponse struct {
	Accepted      bool                 `json:"accepted"`
	Notifications []types.Notification `json:"notifications,omitempty"`
}

// EventHandler ingests business events.
type EventHandler struct {
	processor EventProcessor
	validator *core.Validator
	logger    *slog.Logger
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(processor EventProcessor, v *core.Validator, l *slog.Logger) *EventHandler {
	if l == nil {
		l = slog.Default()
	}
	return &EventHandler{processor: processor, validator: v, logger: l}
}

// RegisterRoutes mounts the event routes on the provided chi.Router.
func (h *EventHandler) RegisterRoutes(r chi.Router) {
	r.Post("/events", h.Ingest)
}

// Ingest handles POST /v1/events. A well-formed event is always accepted
// with 202: unknown event types and malformed payload values classify to the
// silent tier by policy, never to an error. Only transport-level problems
// (bad JSON, missing recipients, persistence failure) reject the request.
func (h *EventHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		core.Error(w, r, err)
		return
	}

	event := types.Event{
		EventType:           req.EventType,
		OccurredAt:          req.OccurredAt,
		Payload:             req.Payload,
		RecipientCandidates: req.RecipientCandidates,
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	notifications, err := h.processor.ProcessEvent(r.Context(), event)
	if err != nil {
		if len(notifications) == 0 {
			core.Error(w, r, err)
			return
		}
		// Partial success: some recipients were served. Log the rest and
		// accept; the client cannot act on a per-recipient failure anyway.
		h.logger.Error("event partially processed",
			"event_type", event.EventType,
			"processed", len(notifications),
			"error", err,
		)
	}

	core.JSON(w, r, http.StatusAccepted, core.APIResponse{Data: IngestResponse{
		Accepted:      true,
		Notifications: notifications,
	}})
}
