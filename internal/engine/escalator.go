package engine

import (
	"context"
	"fmt"

	"signaldesk/internal/types"
)

// Compile-time assertion that BroadcastEscalator implements types.Escalator.
var _ types.Escalator = (*BroadcastEscalator)(nil)

// BroadcastEscalator handles missed acknowledgment deadlines by re-dispatching
// the notification over the full critical channel set, whatever tier it was
// originally routed at.
type BroadcastEscalator struct {
	dispatch Dispatcher
	logger   types.Logger
}

// NewBroadcastEscalator creates a BroadcastEscalator.
func NewBroadcastEscalator(dispatcher Dispatcher, logger types.Logger) *BroadcastEscalator {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &BroadcastEscalator{dispatch: dispatcher, logger: logger}
}

// Escalate re-dispatches the notification at P0 with an escalation marker in
// the title. The group key is cleared so retry scheduling for the escalation
// is never suppressed by later merges of the original group.
func (e *BroadcastEscalator) Escalate(ctx context.Context, n *types.Notification) error {
	esc := *n
	esc.Priority = types.PriorityP0
	esc.Title = "[ESCALATED] " + esc.Title
	esc.GroupKey = ""

	e.logger.Warn("escalating unacknowledged notification",
		"notification_id", esc.ID,
		"original_priority", string(n.Priority),
		"recipient_id", esc.Recipient.ID,
	)

	if err := e.dispatch.Dispatch(ctx, esc, 0); err != nil {
		return fmt.Errorf("Escalate: %w", err)
	}
	return nil
}
