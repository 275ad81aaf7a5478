package live

import (
	"context"

	"signaldesk/internal/types"
)

// Compile-time assertion that Sender satisfies ChannelSender.
var _ types.ChannelSender = (*Sender)(nil)

// Sender pushes notifications onto the recipient's open websocket
// connections through the hub.
type Sender struct {
	hub *Hub
}

// NewSender creates a Sender over the hub.
func NewSender(hub *Hub) *Sender {
	return &Sender{hub: hub}
}

// Channel returns the websocket channel type.
func (s *Sender) Channel() types.ChannelType { return types.ChannelWebsocket }

// Send pushes the full notification onto the recipient's live connections.
// No open connection is a retryable miss, not an error: the recipient may
// reconnect within the retry window, and reconnecting clients also backfill
// what they missed.
func (s *Sender) Send(_ context.Context, n types.Notification, msg types.RenderedMessage) (*types.DeliveryResult, error) {
	n.Title = msg.Title // carries the group count suffix

	ok, err := s.hub.SendJSON(n.Recipient.ID, Frame{
		Type:         FrameNotification,
		Notification: &n,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return &types.DeliveryResult{
			Delivered:     false,
			Retryable:     true,
			FailureReason: "no live connection",
		}, nil
	}
	return &types.DeliveryResult{Delivered: true}, nil
}
