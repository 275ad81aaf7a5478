package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signaldesk/internal/core"
	"signaldesk/internal/types"
)

type mockEventProcessor struct {
	processFn func(ctx context.Context, e types.Event) ([]types.Notification, error)

	lastEvent *types.Event
}

func (m *mockEventProcessor) ProcessEvent(ctx context.Context, e types.Event) ([]types.Notification, error) {
	m.lastEvent = &e
	if m.processFn != nil {
		return m.processFn(ctx, e)
	}
	return []types.Notification{{ID: "ntf_1", Priority: types.PriorityP0}}, nil
}

func newTestEventHandler() (*EventHandler, *mockEventProcessor) {
	processor := &mockEventProcessor{}
	handler := NewEventHandler(processor, core.NewValidator(), slog.Default())
	return handler, processor
}

func postJSON(t *testing.T, path string, body any) *http.Request {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestEventHandler_Ingest_Success(t *testing.T) {
	handler, processor := newTestEventHandler()

	req := postJSON(t, "/v1/events", IngestRequest{
		EventType: "payment_failed",
		Payload:   map[string]any{"amount": 15000.0},
		RecipientCandidates: []types.RecipientRef{
			{RecipientID: "usr_1", Role: types.RoleAdmin},
		},
	})

	rr := httptest.NewRecorder()
	handler.Ingest(rr, req)

	assert.Equal(t, http.StatusAccepted, rr.Code)

	require.NotNil(t, processor.lastEvent)
	assert.Equal(t, "payment_failed", processor.lastEvent.EventType)
	assert.False(t, processor.lastEvent.OccurredAt.IsZero())

	var resp struct {
		Data IngestResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.True(t, resp.Data.Accepted)
	require.Len(t, resp.Data.Notifications, 1)
	assert.Equal(t, "ntf_1", resp.Data.Notifications[0].ID)
}

func TestEventHandler_Ingest_SilentEventStillAccepted(t *testing.T) {
	handler, _ := newTestEventHandler()

	req := postJSON(t, "/v1/events", IngestRequest{
		EventType: "cache_warmed",
		RecipientCandidates: []types.RecipientRef{
			{RecipientID: "usr_1"},
		},
	})

	rr := httptest.NewRecorder()
	handler.Ingest(rr, req)

	assert.Equal(t, http.StatusAccepted, rr.Code)
}

func TestEventHandler_Ingest_MissingRecipients(t *testing.T) {
	handler, processor := newTestEventHandler()

	req := postJSON(t, "/v1/events", map[string]any{
		"event_type": "payment_failed",
	})

	rr := httptest.NewRecorder()
	handler.Ingest(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Nil(t, processor.lastEvent)
}

func TestEventHandler_Ingest_MalformedJSON(t *testing.T) {
	handler, _ := newTestEventHandler()

	req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewReader([]byte(`{"event_type":`)))
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	handler.Ingest(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)

	var resp core.APIErrorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, string(types.ErrCodeValidationInvalidJSON), resp.Error.Code)
}

func TestEventHandler_Ingest_AllRecipientsFailed(t *testing.T) {
	handler, processor := newTestEventHandler()
	processor.processFn = func(ctx context.Context, e types.Event) ([]types.Notification, error) {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to persist notification", errors.New("connection refused"))
	}

	req := postJSON(t, "/v1/events", IngestRequest{
		EventType:           "payment_failed",
		RecipientCandidates: []types.RecipientRef{{RecipientID: "usr_1"}},
	})

	rr := httptest.NewRecorder()
	handler.Ingest(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestEventHandler_Ingest_PartialFailureStillAccepted(t *testing.T) {
	handler, processor := newTestEventHandler()
	processor.processFn = func(ctx context.Context, e types.Event) ([]types.Notification, error) {
		return []types.Notification{{ID: "ntf_ok"}},
			errors.New("process event for recipient usr_2: connection refused")
	}

	req := postJSON(t, "/v1/events", IngestRequest{
		EventType: "payment_failed",
		RecipientCandidates: []types.RecipientRef{
			{RecipientID: "usr_1"},
			{RecipientID: "usr_2"},
		},
	})

	rr := httptest.NewRecorder()
	handler.Ingest(rr, req)

	assert.Equal(t, http.StatusAccepted, rr.Code)

	var resp struct {
		Data IngestResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.Len(t, resp.Data.Notifications, 1)
	assert.Equal(t, "ntf_ok", resp.Data.Notifications[0].ID)
}
