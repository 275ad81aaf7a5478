// Package dispatch fans classified notifications out to their routed
// delivery channels, tracks per-channel delivery state, and schedules
// retries with exponential backoff.
package dispatch

import (
	"context"
	"fmt"

	"signaldesk/internal/types"
)

// DeliveryRepository defines the minimal persistence interface required by
// the DeliveryManager. This is a subset of the full NotificationRepository.
//
// By depending on this narrow interface rather than the full repository,
// the DeliveryManager is testable with lightweight mocks.
type DeliveryRepository interface {
	// InsertDeliveryIfNotExists performs an idempotent insert using
	// INSERT ... ON CONFLICT DO NOTHING. Returns the delivery ID and whether
	// it was newly created. The deterministic ID is constructed from the
	// notification ID and channel type: one record per pair.
	InsertDeliveryIfNotExists(ctx context.Context, delivery *types.DeliveryRecord) (id string, created bool, err error)

	// UpdateDeliveryStatus updates a delivery record's status and error
	// message atomically, with the matching lifecycle timestamp.
	UpdateDeliveryStatus(ctx context.Context, deliveryID string, status types.DeliveryStatus, reason string) error

	// SetDeliverySent marks a delivery as sent with the provider message ID
	// and the observed provider response time.
	SetDeliverySent(ctx context.Context, deliveryID string, providerMsgID string, responseTimeMs int64) error

	// SetDeliveryConfirmed advances a sent delivery to 'delivered'.
	SetDeliveryConfirmed(ctx context.Context, deliveryID string) error

	// GetDeliveryStatus returns the record's current status.
	GetDeliveryStatus(ctx context.Context, deliveryID string) (types.DeliveryStatus, error)

	// IncrementAttempt updates the attempt count for a delivery and returns
	// the new count.
	IncrementAttempt(ctx context.Context, deliveryID string) (int, error)
}

// DeliveryManager orchestrates delivery record state transitions through a
// repository. It owns the forward-only status invariant; the dispatcher only
// ever moves records through the manager.
type DeliveryManager struct {
	repo   DeliveryRepository
	logger types.Logger
}

// NewDeliveryManager creates a DeliveryManager.
func NewDeliveryManager(repo DeliveryRepository, logger types.Logger) *DeliveryManager {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &DeliveryManager{repo: repo, logger: logger}
}

// DeliveryID builds the deterministic per-(notification, channel) record ID.
func DeliveryID(notifID string, ch types.ChannelType) string {
	return fmt.Sprintf("del_%s_%s", notifID, ch)
}

// EnsureDeliveryExists performs an idempotent insert of the delivery record
// for one (notification, channel) pair. If the record already exists, it
// returns the existing ID with created=false; a superseding merge re-entering
// dispatch therefore reuses the same record instead of forking a sibling.
func (m *DeliveryManager) EnsureDeliveryExists(ctx context.Context, notifID string, ch types.ChannelType) (string, bool, error) {
	record := &types.DeliveryRecord{
		ID:             DeliveryID(notifID, ch),
		NotificationID: notifID,
		Channel:        ch,
		Status:         types.DeliveryStatusPending,
	}

	id, created, err := m.repo.InsertDeliveryIfNotExists(ctx, record)
	if err != nil {
		return "", false, fmt.Errorf("EnsureDeliveryExists: %w", err)
	}

	if created {
		m.logger.Info("delivery record created",
			"delivery_id", id,
			"notification_id", notifID,
			"channel", string(ch),
		)
	}

	return id, created, nil
}

// AttemptAllowed reports whether the delivery record still accepts a send
// attempt. Only 'pending' and 'retrying' records do; re-sending a record at
// or past 'sent' would duplicate the message on the provider.
func (m *DeliveryManager) AttemptAllowed(ctx context.Context, deliveryID string) (bool, error) {
	status, err := m.repo.GetDeliveryStatus(ctx, deliveryID)
	if err != nil {
		return false, fmt.Errorf("AttemptAllowed: %w", err)
	}
	return status == types.DeliveryStatusPending || status == types.DeliveryStatusRetrying, nil
}

// RecordAttempt increments the delivery's attempt count and returns the new
// count. Called once per send attempt, before the provider call.
func (m *DeliveryManager) RecordAttempt(ctx context.Context, deliveryID string) (int, error) {
	attempt, err := m.repo.IncrementAttempt(ctx, deliveryID)
	if err != nil {
		return 0, fmt.Errorf("RecordAttempt: %w", err)
	}
	return attempt, nil
}

// MarkSent advances the delivery to 'sent', recording the provider message ID
// and response time.
func (m *DeliveryManager) MarkSent(ctx context.Context, deliveryID string, providerMsgID string, responseTimeMs int64) error {
	if err := m.repo.SetDeliverySent(ctx, deliveryID, providerMsgID, responseTimeMs); err != nil {
		return fmt.Errorf("MarkSent: %w", err)
	}

	m.logger.Info("delivery sent",
		"delivery_id", deliveryID,
		"provider_message_id", providerMsgID,
		"response_time_ms", responseTimeMs,
	)

	return nil
}

// MarkDelivered advances a sent delivery to 'delivered' on provider
// confirmation (synchronous acceptance or a live push onto an open socket).
func (m *DeliveryManager) MarkDelivered(ctx context.Context, deliveryID string) error {
	if err := m.repo.SetDeliveryConfirmed(ctx, deliveryID); err != nil {
		return fmt.Errorf("MarkDelivered: %w", err)
	}
	return nil
}

// MarkFailure records a failed attempt. If the attempt count is below the
// route's retry budget it moves the record to 'retrying' and returns
// shouldRetry=true so the caller can schedule the next attempt; otherwise the
// record is permanently failed.
func (m *DeliveryManager) MarkFailure(ctx context.Context, deliveryID string, attempt int, policy types.RetryPolicy, reason string) (bool, error) {
	if attempt < policy.MaxAttempts {
		if err := m.repo.UpdateDeliveryStatus(ctx, deliveryID, types.DeliveryStatusRetrying, reason); err != nil {
			return false, fmt.Errorf("MarkFailure: update status to retrying: %w", err)
		}

		m.logger.Warn("delivery failed, will retry",
			"delivery_id", deliveryID,
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"reason", reason,
		)

		return true, nil
	}

	if err := m.repo.UpdateDeliveryStatus(ctx, deliveryID, types.DeliveryStatusFailed, reason); err != nil {
		return false, fmt.Errorf("MarkFailure: update status to failed: %w", err)
	}

	m.logger.Error("delivery permanently failed",
		"delivery_id", deliveryID,
		"attempt", attempt,
		"reason", reason,
	)

	return false, nil
}
