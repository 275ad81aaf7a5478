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

// defaultStatsWindow is the lookback applied when the caller omits a range.
const defaultStatsWindow = 24 * time.Hour

// StatsProvider computes delivery statistics over a time range. Implemented
// by stats.Aggregator.
type StatsProvider interface {
	Aggregate(ctx context.Context, from, to time.Time) (*types.StatsSnapshot, error)
}

// StatsHandler serves the dashboard statistics endpoints.
type StatsHandler struct {
	provider StatsProvider
	logger   *slog.Logger
}

// NewStatsHandler creates a StatsHandler.
func NewStatsHandler(provider StatsProvider, l *slog.Logger) *StatsHandler {
	if l == nil {
		l = slog.Default()
	}
	return &StatsHandler{provider: provider, logger: l}
}

// RegisterRoutes mounts the stats routes on the provided chi.Router.
func (h *StatsHandler) RegisterRoutes(r chi.Router) {
	r.Route("/stats", func(r chi.Router) {
		r.Get("/overview", h.Overview)
		r.Get("/priorities", h.Priorities)
		r.Get("/channels", h.Channels)
	})
}

// Overview handles GET /v1/stats/overview.
func (h *StatsHandler) Overview(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := h.aggregate(w, r)
	if !ok {
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]any{
		"from":                    snapshot.From,
		"to":                      snapshot.To,
		"overview":                snapshot.Overview,
		"classification_accuracy": snapshot.ClassificationAccuracy,
	}})
}

// Priorities handles GET /v1/stats/priorities.
func (h *StatsHandler) Priorities(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := h.aggregate(w, r)
	if !ok {
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]any{
		"from":        snapshot.From,
		"to":          snapshot.To,
		"by_priority": snapshot.ByPriority,
	}})
}

// Channels handles GET /v1/stats/channels.
func (h *StatsHandler) Channels(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := h.aggregate(w, r)
	if !ok {
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]any{
		"from":       snapshot.From,
		"to":         snapshot.To,
		"by_channel": snapshot.ByChannel,
	}})
}

func (h *StatsHandler) aggregate(w http.ResponseWriter, r *http.Request) (*types.StatsSnapshot, bool) {
	from, to, err := parseRange(r)
	if err != nil {
		core.Error(w, r, err)
		return nil, false
	}

	snapshot, err := h.provider.Aggregate(r.Context(), from, to)
	if err != nil {
		core.Error(w, r, err)
		return nil, false
	}
	return snapshot, true
}

// parseRange reads the from/to query parameters as RFC 3339 timestamps. An
// omitted range defaults to the trailing 24 hours.
func parseRange(r *http.Request) (from, to time.Time, err error) {
	q := r.URL.Query()

	to = time.Now().UTC()
	if raw := q.Get("to"); raw != "" {
		to, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, types.NewAppError(
				types.ErrCodeValidationInvalidRange, "to must be an RFC 3339 timestamp", err)
		}
	}

	from = to.Add(-defaultStatsWindow)
	if raw := q.Get("from"); raw != "" {
		from, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, types.NewAppError(
				types.ErrCodeValidationInvalidRange, "from must be an RFC 3339 timestamp", err)
		}
	}

	if !from.Before(to) {
		return time.Time{}, time.Time{}, types.NewAppError(
			types.ErrCodeValidationInvalidRange, "from must be earlier than to", nil)
	}
	return from, to, nil
}
