// Package ack tracks acknowledgment deadlines for notifications that demand
// explicit human confirmation, escalating the ones nobody acknowledged in
// time.
package ack

import (
	"context"
	"fmt"
	"sync"
	"time"

	"signaldesk/internal/types"
)

// AckRepository persists acknowledgment state. States are archived in place
// on reaching a terminal state, never deleted; the archive also answers
// acknowledgments arriving after the in-memory entry was evicted.
type AckRepository interface {
	InsertAckState(ctx context.Context, state *types.AcknowledgmentState) error
	UpdateAckState(ctx context.Context, state *types.AcknowledgmentState) error
	GetAckState(ctx context.Context, notificationID string) (*types.AcknowledgmentState, error)
}

// terminalRetention keeps a terminal entry in memory briefly so immediate
// re-acknowledgments resolve without a round trip. After eviction the
// archived row answers.
const terminalRetention = time.Minute

// Timeouts holds the escalation deadlines per tier.
type Timeouts struct {
	// P0 is the deadline for critical notifications.
	P0 time.Duration
	// Default applies to lower tiers whose rule forces acknowledgment.
	Default time.Duration
}

type entry struct {
	state        types.AcknowledgmentState
	notification types.Notification
	timer        *time.Timer
}

// Tracker owns the acknowledgment state machine: pending_ack is the only
// live state, acknowledged and escalated are both terminal. Deadlines are
// enforced server-side on cancellable timers, so an escalation fires exactly
// once even when an acknowledgment races it.
type Tracker struct {
	repo      AckRepository
	escalator types.Escalator
	timeouts  Timeouts
	clock     types.Clock
	logger    types.Logger
	retention time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	stopped bool

	// baseCtx bounds escalations fired long after the originating request.
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewTracker creates a Tracker.
func NewTracker(repo AckRepository, escalator types.Escalator, timeouts Timeouts, clock types.Clock, logger types.Logger) *Tracker {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		repo:       repo,
		escalator:  escalator,
		timeouts:   timeouts,
		clock:      clock,
		logger:     logger,
		retention:  terminalRetention,
		entries:    make(map[string]*entry),
		baseCtx:    ctx,
		cancelBase: cancel,
	}
}

// Deadline returns the escalation deadline duration for a tier.
func (t *Tracker) Deadline(p types.Priority) time.Duration {
	if p == types.PriorityP0 {
		return t.timeouts.P0
	}
	return t.timeouts.Default
}

// Track registers a notification that requires acknowledgment, persists its
// pending state, and arms the escalation timer. Notifications that do not
// require acknowledgment are ignored.
func (t *Tracker) Track(ctx context.Context, n types.Notification) error {
	if !n.RequiresAck {
		return nil
	}
	deadline := t.clock.Now().Add(t.Deadline(n.Priority))
	return t.track(ctx, n, deadline, true)
}

// Resume re-arms the timer for a pending state rehydrated from persistence
// after a restart. A deadline already in the past escalates immediately.
func (t *Tracker) Resume(ctx context.Context, n types.Notification, deadline time.Time) error {
	return t.track(ctx, n, deadline, false)
}

func (t *Tracker) track(ctx context.Context, n types.Notification, deadline time.Time, persist bool) error {
	state := types.AcknowledgmentState{
		NotificationID:     n.ID,
		State:              types.AckStatePending,
		EscalationDeadline: deadline,
	}
	if persist {
		if err := t.repo.InsertAckState(ctx, &state); err != nil {
			return fmt.Errorf("Track: %w", err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return nil
	}
	if _, exists := t.entries[n.ID]; exists {
		return nil
	}

	e := &entry{state: state, notification: n}
	delay := deadline.Sub(t.clock.Now())
	if delay < 0 {
		delay = 0
	}
	e.timer = time.AfterFunc(delay, func() { t.escalate(n.ID) })
	t.entries[n.ID] = e

	t.logger.Info("acknowledgment deadline armed",
		"notification_id", n.ID,
		"priority", string(n.Priority),
		"deadline", deadline.Format(time.RFC3339),
	)
	return nil
}

// Acknowledge transitions a pending notification to acknowledged, recording
// who confirmed it. It is idempotent: acknowledging an already acknowledged
// or escalated notification returns the existing terminal state unchanged.
func (t *Tracker) Acknowledge(ctx context.Context, notificationID, by string) (types.AcknowledgmentState, error) {
	t.mu.Lock()
	e, ok := t.entries[notificationID]
	if !ok {
		t.mu.Unlock()
		return t.acknowledgeArchived(ctx, notificationID, by)
	}
	if e.state.State != types.AckStatePending {
		state := e.state
		t.mu.Unlock()
		return state, nil
	}

	e.timer.Stop()
	e.state.State = types.AckStateAcknowledged
	e.state.AcknowledgedBy = by
	e.state.AcknowledgedAt = t.clock.Now()
	state := e.state
	t.mu.Unlock()
	t.scheduleEvict(notificationID)

	if err := t.repo.UpdateAckState(ctx, &state); err != nil {
		return state, fmt.Errorf("Acknowledge: %w", err)
	}

	t.logger.Info("notification acknowledged",
		"notification_id", notificationID,
		"acknowledged_by", by,
	)
	return state, nil
}

// acknowledgeArchived resolves an acknowledgment whose in-memory entry was
// evicted. A terminal row returns unchanged, keeping the call idempotent; a
// pending row without an armed timer exists only between a restart and its
// Resume pass and is acknowledged directly.
func (t *Tracker) acknowledgeArchived(ctx context.Context, notificationID, by string) (types.AcknowledgmentState, error) {
	stored, err := t.repo.GetAckState(ctx, notificationID)
	if err != nil {
		return types.AcknowledgmentState{}, fmt.Errorf("Acknowledge: %w", err)
	}
	if stored.State != types.AckStatePending {
		return *stored, nil
	}

	stored.State = types.AckStateAcknowledged
	stored.AcknowledgedBy = by
	stored.AcknowledgedAt = t.clock.Now()
	if err := t.repo.UpdateAckState(ctx, stored); err != nil {
		return *stored, fmt.Errorf("Acknowledge: %w", err)
	}
	return *stored, nil
}

// scheduleEvict drops a terminal entry after the retention period so the
// entries map stays bounded in a long-lived process.
func (t *Tracker) scheduleEvict(notificationID string) {
	time.AfterFunc(t.retention, func() {
		t.mu.Lock()
		if e, ok := t.entries[notificationID]; ok && e.state.State != types.AckStatePending {
			delete(t.entries, notificationID)
		}
		t.mu.Unlock()
	})
}

// State returns the tracked acknowledgment state for a notification.
func (t *Tracker) State(notificationID string) (types.AcknowledgmentState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[notificationID]
	if !ok {
		return types.AcknowledgmentState{}, false
	}
	return e.state, true
}

// escalate fires when a deadline passes. The pending check under the lock
// makes escalation and acknowledgment mutually exclusive: whichever claims
// the entry first wins, the loser is a no-op.
func (t *Tracker) escalate(notificationID string) {
	t.mu.Lock()
	e, ok := t.entries[notificationID]
	if !ok || e.state.State != types.AckStatePending || t.stopped {
		t.mu.Unlock()
		return
	}
	e.state.State = types.AckStateEscalated
	state := e.state
	n := e.notification
	t.mu.Unlock()
	t.scheduleEvict(notificationID)

	if err := t.repo.UpdateAckState(t.baseCtx, &state); err != nil {
		t.logger.Error("escalation bookkeeping failed",
			"notification_id", notificationID,
			"error", err,
		)
	}

	t.logger.Warn("acknowledgment deadline missed, escalating",
		"notification_id", notificationID,
		"priority", string(n.Priority),
	)

	if err := t.escalator.Escalate(t.baseCtx, &n); err != nil {
		t.logger.Error("escalation failed",
			"notification_id", notificationID,
			"error", err,
		)
	}
}

// Stop cancels all armed timers. In-flight escalations finish under a
// cancelled context.
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.stopped = true
	for _, e := range t.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	t.mu.Unlock()
	t.cancelBase()
}
