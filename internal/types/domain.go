package types

import (
	"strings"
	"time"
)

// Event is the immutable input to the classification pipeline. Business
// systems (payments, security, orders) emit these; the engine never mutates
// them.
type Event struct {
	EventType           string         `json:"event_type" validate:"required"`
	OccurredAt          time.Time      `json:"occurred_at"`
	Payload             map[string]any `json:"payload"`
	RecipientCandidates []RecipientRef `json:"recipient_candidates"`
}

// Category derives a dashboard display category from the event type prefix.
// Unknown prefixes fall back to the system category.
func (e Event) Category() EventCategory {
	switch {
	case strings.HasPrefix(e.EventType, "payment_"), strings.HasPrefix(e.EventType, "refund_"):
		return CategoryPayment
	case strings.HasPrefix(e.EventType, "security_"), strings.HasPrefix(e.EventType, "auth_"):
		return CategorySecurity
	case strings.HasPrefix(e.EventType, "order_"):
		return CategoryOrder
	default:
		return CategorySystem
	}
}

// RecipientRef is a role/tenant scoping hint carried on an incoming event.
type RecipientRef struct {
	RecipientID string        `json:"recipient_id" validate:"required"`
	Role        RecipientRole `json:"role"`
	TenantID    string        `json:"tenant_id"`
}

// Recipient holds the delivery identity and channel preferences for one
// notification target. Address fields are only consulted by the channel
// senders that need them.
type Recipient struct {
	ID         string        `json:"id"`
	Role       RecipientRole `json:"role"`
	TenantID   string        `json:"tenant_id"`
	Email      string        `json:"email,omitempty"`
	Phone      string        `json:"phone,omitempty"`
	PushTarget string        `json:"push_target,omitempty"`
}

// RuleCondition is one structured predicate on an event payload field.
// Exactly one of NumberValue, StringValue, or BoolValue is set, matching the
// operator: numeric operators require NumberValue, equality operators accept
// any of the three.
type RuleCondition struct {
	Field       string            `json:"field" validate:"required"`
	Operator    ConditionOperator `json:"operator" validate:"required,oneof='>=' '<=' '==' '!='"`
	NumberValue *float64          `json:"number_value,omitempty"`
	StringValue *string           `json:"string_value,omitempty"`
	BoolValue   *bool             `json:"bool_value,omitempty"`
}

// PriorityRule is one classification rule. Rules belong to a versioned rule
// set and are never mutated in place; edits produce a new rule-set version.
type PriorityRule struct {
	ID                  string          `json:"id"`
	Priority            Priority        `json:"priority" validate:"required,oneof=P0 P1 P2 P3 P4"`
	MatchEventTypes     []string        `json:"match_event_types"`
	MatchKeywords       []string        `json:"match_keywords"`
	Conditions          []RuleCondition `json:"conditions" validate:"dive"`
	RequiresAckOverride bool            `json:"requires_ack_override"`
	IsActive            bool            `json:"is_active"`
}

// Notification is the classified, grouped output of the pipeline. It is
// mutated only to merge duplicates within the dedup window (GroupCount
// increment, CreatedAt refresh); once delivered it is immutable, with
// delivery state tracked externally in DeliveryRecords.
type Notification struct {
	ID             string         `json:"id"`
	Priority       Priority       `json:"priority"`
	EventType      string         `json:"event_type"`
	Category       EventCategory  `json:"category"`
	Title          string         `json:"title"`
	Message        string         `json:"message"`
	CreatedAt      time.Time      `json:"created_at"`
	Recipient      Recipient      `json:"recipient"`
	RequiresAck    bool           `json:"requires_ack"`
	GroupKey       string         `json:"group_key"`
	GroupCount     int            `json:"group_count"`
	RuleID         string         `json:"rule_id,omitempty"`
	RuleSetVersion int            `json:"rule_set_version"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ReadAt         time.Time      `json:"read_at,omitzero"`
}

// DeliveryRecord tracks the delivery state of one (notification, channel)
// pair. One record exists per pair; retries increment Attempt on the same
// record rather than creating siblings.
type DeliveryRecord struct {
	ID             string         `json:"id"`
	NotificationID string         `json:"notification_id"`
	Channel        ChannelType    `json:"channel"`
	Status         DeliveryStatus `json:"status"`
	Attempt        int            `json:"attempt"`
	ResponseTimeMs int64          `json:"response_time_ms"`
	ProviderMsgID  string         `json:"provider_message_id,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	SentAt         time.Time      `json:"sent_at,omitzero"`
	DeliveredAt    time.Time      `json:"delivered_at,omitzero"`
	ReadAt         time.Time      `json:"read_at,omitzero"`
}

// AcknowledgmentState exists only for notifications with RequiresAck=true.
// It is archived (not deleted) once the state machine reaches a terminal
// state.
type AcknowledgmentState struct {
	NotificationID     string    `json:"notification_id"`
	State              AckState  `json:"state"`
	AcknowledgedBy     string    `json:"acknowledged_by,omitempty"`
	AcknowledgedAt     time.Time `json:"acknowledged_at,omitzero"`
	EscalationDeadline time.Time `json:"escalation_deadline"`
}

// ClassificationOverride records a human re-prioritization of an
// automatically classified notification. Overrides feed the classification
// accuracy metric; they do not mutate rules.
type ClassificationOverride struct {
	NotificationID string    `json:"notification_id"`
	FromPriority   Priority  `json:"from_priority"`
	ToPriority     Priority  `json:"to_priority"`
	OverriddenBy   string    `json:"overridden_by"`
	CreatedAt      time.Time `json:"created_at"`
}

// NotificationFilter narrows notification list queries. Zero-valued fields
// are ignored. Cursor is an opaque keyset token issued by a previous page.
type NotificationFilter struct {
	RecipientID string
	Priority    Priority
	Category    EventCategory
	UnreadOnly  bool
	Cursor      string
	Limit       int
}

// RenderedMessage is the channel-agnostic content handed to a channel sender.
type RenderedMessage struct {
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Priority Priority       `json:"priority"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// DeliveryResult is the outcome of a single channel send attempt.
type DeliveryResult struct {
	Delivered         bool
	ProviderMessageID string
	Retryable         bool
	FailureReason     string
}

// OverviewStats holds the dashboard's top-line totals for a time range.
type OverviewStats struct {
	Total             int64   `json:"total"`
	Sent              int64   `json:"sent"`
	Delivered         int64   `json:"delivered"`
	Failed            int64   `json:"failed"`
	SuccessRate       float64 `json:"success_rate"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
}

// PriorityStats is the per-tier delivery breakdown.
type PriorityStats struct {
	Priority          Priority `json:"priority"`
	Sent              int64    `json:"sent"`
	Delivered         int64    `json:"delivered"`
	Failed            int64    `json:"failed"`
	AvgResponseTimeMs float64  `json:"avg_response_time_ms"`
}

// ChannelStats is the per-channel delivery breakdown.
type ChannelStats struct {
	Channel     ChannelType `json:"channel"`
	Sent        int64       `json:"sent"`
	Delivered   int64       `json:"delivered"`
	Failed      int64       `json:"failed"`
	SuccessRate float64     `json:"success_rate"`
}

// StatsSnapshot is the derived, on-demand aggregate the dashboard displays.
/// It is never authoritative: it is always reconstructible from DeliveryRecord
// and Notification history.
type StatsSnapshot struct {
	From                   time.Time       `json:"from"`
	To                     time.Time       `json:"to"`
	Overview               OverviewStats   `json:"overview"`
	ByPriority             []PriorityStats `json:"by_priority"`
	ByChannel              []ChannelStats  `json:"by_channel"`
	ClassificationAccuracy float64         `json:"classification_accuracy"`
}
