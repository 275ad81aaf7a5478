package types

// Priority is the classification tier assigned to an event. P0 is critical
// and requires explicit human acknowledgment; P4 is silent (log only, no
// user-facing delivery).
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
	PriorityP4 Priority = "P4"
)

// AllPriorities lists the tiers in evaluation order. The Classifier iterates
// this slice so that P0 rules always win over lower tiers.
var AllPriorities = []Priority{
	PriorityP0,
	PriorityP1,
	PriorityP2,
	PriorityP3,
	PriorityP4,
}

// Rank returns the numeric rank of a priority (0 for P0 through 4 for P4).
// Unknown values rank below P4.
func (p Priority) Rank() int {
	switch p {
	case PriorityP0:
		return 0
	case PriorityP1:
		return 1
	case PriorityP2:
		return 2
	case PriorityP3:
		return 3
	case PriorityP4:
		return 4
	default:
		return 5
	}
}

// Valid reports whether p is one of the five known tiers.
func (p Priority) Valid() bool {
	return p.Rank() <= 4
}

// ChannelType identifies a notification delivery channel.
type ChannelType string

const (
	ChannelWebsocket ChannelType = "websocket"
	ChannelEmail     ChannelType = "email"
	ChannelSMS       ChannelType = "sms"
	ChannelPush      ChannelType = "push"
)

// DeliveryStatus enumerates the states of a per-channel delivery record.
// Status only moves forward (pending -> sent -> delivered -> read), except
// 'failed' which is terminal per attempt; 'retrying' is the transient state
// between a failed attempt and its scheduled retry.
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusSent      DeliveryStatus = "sent"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusRead      DeliveryStatus = "read"
	DeliveryStatusFailed    DeliveryStatus = "failed"
	DeliveryStatusRetrying  DeliveryStatus = "retrying"
)

// rank orders delivery statuses along the forward-only lifecycle. Failed and
// retrying sit outside the happy path and are handled separately.
func (s DeliveryStatus) rank() int {
	switch s {
	case DeliveryStatusPending:
		return 0
	case DeliveryStatusSent:
		return 1
	case DeliveryStatusDelivered:
		return 2
	case DeliveryStatusRead:
		return 3
	default:
		return -1
	}
}

// CanTransitionTo reports whether moving from s to next respects the
// forward-only invariant. Any non-terminal state may fail; a failed attempt
// may move to retrying (a new attempt), and retrying back to sent.
func (s DeliveryStatus) CanTransitionTo(next DeliveryStatus) bool {
	switch next {
	case DeliveryStatusFailed:
		return s != DeliveryStatusRead
	case DeliveryStatusRetrying:
		return s == DeliveryStatusFailed || s == DeliveryStatusPending
	case DeliveryStatusSent:
		return s == DeliveryStatusPending || s == DeliveryStatusRetrying
	default:
		return s.rank() >= 0 && next.rank() == s.rank()+1
	}
}

// AckState represents the acknowledgment lifecycle of a notification that
// requires explicit human confirmation.
type AckState string

const (
	AckStatePending      AckState = "pending_ack"
	AckStateAcknowledged AckState = "acknowledged"
	AckStateEscalated    AckState = "escalated"
)

// RecipientRole defines the role used by the Channel Router to select
// delivery channels for a recipient.
type RecipientRole string

const (
	RoleAdmin    RecipientRole = "admin"
	RoleOperator RecipientRole = "operator"
	RoleOnCall   RecipientRole = "oncall"
	RoleViewer   RecipientRole = "viewer"
)

// ConditionOperator defines comparison operators for rule condition evaluation.
type ConditionOperator string

const (
	OpGreaterThanEq ConditionOperator = ">="
	OpLessThanEq    ConditionOperator = "<="
	OpEqual         ConditionOperator = "=="
	OpNotEqual      ConditionOperator = "!="
)

// EventCategory groups event types for display in the dashboard.
type EventCategory string

const (
	CategoryPayment  EventCategory = "payment"
	CategorySecurity EventCategory = "security"
	CategoryOrder    EventCategory = "order"
	CategorySystem   EventCategory = "system"
)
