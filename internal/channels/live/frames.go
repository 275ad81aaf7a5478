package live

import (
	"time"

	"signaldesk/internal/types"
)

// Server-to-client frame types.
const (
	FrameNotification = "notification"
	FrameAckResult    = "ack_result"
	FrameReadResult   = "read_result"
	FrameBackfill     = "backfill"
	FrameError        = "error"
)

// Client-to-server actions.
const (
	ActionAcknowledge = "acknowledge"
	ActionMarkRead    = "markRead"
	ActionMarkAllRead = "markAllRead"
	ActionBackfill    = "backfill"
)

// Frame is the server-to-client envelope.
type Frame struct {
	Type          string                     `json:"type"`
	Notification  *types.Notification        `json:"notification,omitempty"`
	Notifications []types.Notification       `json:"notifications,omitempty"`
	AckState      *types.AcknowledgmentState `json:"ack_state,omitempty"`
	Count         int                        `json:"count,omitempty"`
	Error         string                     `json:"error,omitempty"`
}

// ControlMessage is the client-to-server envelope.
type ControlMessage struct {
	Action         string    `json:"action"`
	NotificationID string    `json:"notification_id,omitempty"`
	Since          time.Time `json:"since,omitzero"`
}
