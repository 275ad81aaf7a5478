// Package engine wires the classification pipeline end to end: an incoming
// event is classified against the active rule set, admitted to its dedup
// group, persisted, fanned out to its delivery channels, and (for critical
// tiers) placed under acknowledgment tracking.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"signaldesk/internal/dedup"
	"signaldesk/internal/rules"
	"signaldesk/internal/types"
)

// NotificationStore is the persistence surface the engine needs. Implemented
// by db.NotificationRepository.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *types.Notification) error
	UpdateGroup(ctx context.Context, id string, groupCount int, createdAt time.Time) error
	GetNotification(ctx context.Context, id string) (*types.Notification, error)
	List(ctx context.Context, filter types.NotificationFilter) ([]types.Notification, string, error)
	Backfill(ctx context.Context, recipientID string, since time.Time, limit int) ([]types.Notification, error)
	MarkRead(ctx context.Context, id, recipientID string) error
	MarkAllRead(ctx context.Context, recipientID string) (int, error)
	InsertOverride(ctx context.Context, o *types.ClassificationOverride) error
	SetPriority(ctx context.Context, id string, p types.Priority) error
}

// RulePersistence appends rule-set versions so the active set survives
// restarts. Implemented by db.RuleRepository.
type RulePersistence interface {
	SaveRuleSet(ctx context.Context, version int, ruleList []types.PriorityRule) error
}

// Dispatcher fans a notification out to its routed channels. DispatchUpdate
// refreshes the live view of a merged group; it never re-invokes the provider
// channels.
type Dispatcher interface {
	Dispatch(ctx context.Context, n types.Notification, generation int64) error
	DispatchUpdate(ctx context.Context, n types.Notification, generation int64) error
}

// AckTracker arms and resolves acknowledgment deadlines.
type AckTracker interface {
	Track(ctx context.Context, n types.Notification) error
	Acknowledge(ctx context.Context, notificationID, by string) (types.AcknowledgmentState, error)
}

// Service is the engine facade used by the HTTP handlers and the websocket
// control surface.
type Service struct {
	store     *rules.Store
	persist   RulePersistence
	grouper   *dedup.Grouper
	dispatch  Dispatcher
	tracker   AckTracker
	repo      NotificationStore
	directory types.RecipientDirectory
	clock     types.Clock
	logger    types.Logger

	backfillLimit int
}

// NewService creates the engine Service.
func NewService(
	store *rules.Store,
	persist RulePersistence,
	grouper *dedup.Grouper,
	dispatcher Dispatcher,
	tracker AckTracker,
	repo NotificationStore,
	directory types.RecipientDirectory,
	backfillLimit int,
	clock types.Clock,
	logger types.Logger,
) *Service {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	if backfillLimit <= 0 {
		backfillLimit = 200
	}
	return &Service{
		store:         store,
		persist:       persist,
		grouper:       grouper,
		dispatch:      dispatcher,
		tracker:       tracker,
		repo:          repo,
		directory:     directory,
		clock:         clock,
		logger:        logger,
		backfillLimit: backfillLimit,
	}
}

// ProcessEvent runs the full pipeline for one event. The rule-set snapshot is
// pinned once, so every recipient of the event classifies against the same
// version. P4 results are logged and dropped; they never reach storage or a
// channel.
//
// Recipients are independent: a failure for one is logged and does not stop
// the others. The returned error joins any per-recipient failures.
func (s *Service) ProcessEvent(ctx context.Context, e types.Event) ([]types.Notification, error) {
	snapshot := s.store.Snapshot()
	classification := rules.Classify(e, snapshot)

	if classification.Priority == types.PriorityP4 {
		s.logger.Info("event classified silent",
			"event_type", e.EventType,
			"rule_set_version", classification.RuleSetVersion,
		)
		return nil, nil
	}

	var processed []types.Notification
	var errs []error
	for _, ref := range e.RecipientCandidates {
		n, err := s.processForRecipient(ctx, e, classification, ref)
		if err != nil {
			s.logger.Error("event processing failed for recipient",
				"event_type", e.EventType,
				"recipient_id", ref.RecipientID,
				"error", err,
			)
			errs = append(errs, err)
			continue
		}
		processed = append(processed, n)
	}
	return processed, errors.Join(errs...)
}

func (s *Service) processForRecipient(ctx context.Context, e types.Event, c rules.Classification, ref types.RecipientRef) (types.Notification, error) {
	recipient, err := s.directory.Resolve(ctx, ref)
	if err != nil {
		return types.Notification{}, fmt.Errorf("resolve recipient: %w", err)
	}

	n := types.Notification{
		ID:             "ntf_" + uuid.New().String(),
		Priority:       c.Priority,
		EventType:      e.EventType,
		Category:       e.Category(),
		Title:          titleFor(e),
		Message:        messageFor(e),
		CreatedAt:      s.clock.Now(),
		Recipient:      recipient,
		RequiresAck:    c.RequiresAck,
		RuleSetVersion: c.RuleSetVersion,
		Metadata:       e.Payload,
	}
	if c.Rule != nil {
		n.RuleID = c.Rule.ID
	}

	adm := s.grouper.AdmitOrMerge(n)

	if !adm.IsNewGroup {
		if err := s.repo.UpdateGroup(ctx, adm.Notification.ID, adm.Notification.GroupCount, adm.Notification.CreatedAt); err != nil {
			return types.Notification{}, fmt.Errorf("persist group merge: %w", err)
		}
		// A merge is an update to the existing deliveries, not a new one:
		// only the live counter is refreshed, the provider channels stay
		// untouched.
		if err := s.dispatch.DispatchUpdate(ctx, adm.Notification, adm.Generation); err != nil {
			return types.Notification{}, fmt.Errorf("dispatch group update: %w", err)
		}
		return adm.Notification, nil
	}

	if err := s.repo.CreateNotification(ctx, &adm.Notification); err != nil {
		return types.Notification{}, fmt.Errorf("persist notification: %w", err)
	}
	if adm.Notification.RequiresAck {
		if err := s.tracker.Track(ctx, adm.Notification); err != nil {
			return types.Notification{}, fmt.Errorf("track acknowledgment: %w", err)
		}
	}

	if err := s.dispatch.Dispatch(ctx, adm.Notification, adm.Generation); err != nil {
		// Channel failures are retried by the dispatcher itself; an error
		// here means the fan-out could not even start.
		return types.Notification{}, fmt.Errorf("dispatch: %w", err)
	}
	return adm.Notification, nil
}

// Acknowledge resolves a pending acknowledgment. Implements the websocket
// control surface; the HTTP ack endpoint calls the same path.
func (s *Service) Acknowledge(ctx context.Context, notificationID, actor string) (types.AcknowledgmentState, error) {
	return s.tracker.Acknowledge(ctx, notificationID, actor)
}

// MarkRead stamps one notification read for the acting recipient.
func (s *Service) MarkRead(ctx context.Context, notificationID, actor string) error {
	return s.repo.MarkRead(ctx, notificationID, actor)
}

// MarkAllRead stamps every unread notification for the recipient. Idempotent:
// a repeat call affects zero rows.
func (s *Service) MarkAllRead(ctx context.Context, recipientID string) (int, error) {
	return s.repo.MarkAllRead(ctx, recipientID)
}

// Backfill returns the recipient's notifications since the given time, capped
// at the configured limit, for websocket reconnect catch-up.
func (s *Service) Backfill(ctx context.Context, recipientID string, since time.Time, limit int) ([]types.Notification, error) {
	if limit <= 0 || limit > s.backfillLimit {
		limit = s.backfillLimit
	}
	return s.repo.Backfill(ctx, recipientID, since, limit)
}

// GetNotification fetches one notification.
func (s *Service) GetNotification(ctx context.Context, id string) (*types.Notification, error) {
	return s.repo.GetNotification(ctx, id)
}

// ListNotifications returns a filtered history page plus the next cursor.
func (s *Service) ListNotifications(ctx context.Context, filter types.NotificationFilter) ([]types.Notification, string, error) {
	return s.repo.List(ctx, filter)
}

// Override records a human re-prioritization and applies the new tier to the
// stored notification. Overrides feed the classification accuracy metric;
// rules are never mutated.
func (s *Service) Override(ctx context.Context, notificationID string, to types.Priority, actor string) (*types.ClassificationOverride, error) {
	if !to.Valid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPriority,
			"unknown priority: "+string(to), nil)
	}

	n, err := s.repo.GetNotification(ctx, notificationID)
	if err != nil {
		return nil, err
	}

	o := &types.ClassificationOverride{
		NotificationID: notificationID,
		FromPriority:   n.Priority,
		ToPriority:     to,
		OverriddenBy:   actor,
		CreatedAt:      s.clock.Now(),
	}
	if err := s.repo.InsertOverride(ctx, o); err != nil {
		return nil, err
	}
	if err := s.repo.SetPriority(ctx, notificationID, to); err != nil {
		return nil, err
	}

	s.logger.Info("classification overridden",
		"notification_id", notificationID,
		"from", string(o.FromPriority),
		"to", string(to),
		"by", actor,
	)
	return o, nil
}

// ListRules returns the active rule set and its version.
func (s *Service) ListRules() ([]types.PriorityRule, int) {
	snapshot := s.store.Snapshot()
	return snapshot.Rules(), snapshot.Version()
}

// RuleSetVersion returns the active rule-set version.
func (s *Service) RuleSetVersion() int {
	return s.store.Snapshot().Version()
}

// CreateRule adds a rule, activating and persisting a new rule-set version.
func (s *Service) CreateRule(ctx context.Context, rule types.PriorityRule) (types.PriorityRule, int, error) {
	stored, snapshot := s.store.Create(rule)
	if err := s.persist.SaveRuleSet(ctx, snapshot.Version(), snapshot.Rules()); err != nil {
		return types.PriorityRule{}, 0, err
	}
	s.logger.Info("rule created", "rule_id", stored.ID, "rule_set_version", snapshot.Version())
	return stored, snapshot.Version(), nil
}

// UpdateRule replaces a rule, activating and persisting a new version.
func (s *Service) UpdateRule(ctx context.Context, rule types.PriorityRule) (int, error) {
	snapshot, err := s.store.Update(rule)
	if err != nil {
		return 0, err
	}
	if err := s.persist.SaveRuleSet(ctx, snapshot.Version(), snapshot.Rules()); err != nil {
		return 0, err
	}
	s.logger.Info("rule updated", "rule_id", rule.ID, "rule_set_version", snapshot.Version())
	return snapshot.Version(), nil
}

// DeleteRule removes a rule, activating and persisting a new version.
func (s *Service) DeleteRule(ctx context.Context, id string) (int, error) {
	snapshot, err := s.store.Delete(id)
	if err != nil {
		return 0, err
	}
	if err := s.persist.SaveRuleSet(ctx, snapshot.Version(), snapshot.Rules()); err != nil {
		return 0, err
	}
	s.logger.Info("rule deleted", "rule_id", id, "rule_set_version", snapshot.Version())
	return snapshot.Version(), nil
}

// titleFor humanizes the event type: "payment_failed" becomes
// "Payment failed".
func titleFor(e types.Event) string {
	words := strings.ReplaceAll(e.EventType, "_", " ")
	if words == "" {
		return "Notification"
	}
	return strings.ToUpper(words[:1]) + words[1:]
}

// messageFor prefers an explicit message in the payload, falling back to the
// humanized title.
func messageFor(e types.Event) string {
	if msg, ok := e.Payload["message"].(string); ok && msg != "" {
		return msg
	}
	return titleFor(e)
}
