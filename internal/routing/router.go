// Package routing maps a notification's priority tier and recipient role to
// the set of delivery channels and their retry policies. The mapping is a
// static in-memory table: routing is a pure lookup and never blocks.
package routing

import (
	"time"

	"signaldesk/internal/types"
)

// ChannelRoute pairs one delivery channel with the retry policy the
// dispatcher applies on that channel.
type ChannelRoute struct {
	Channel types.ChannelType
	Retry   types.RetryPolicy
}

// Standard retry policies per channel. The websocket path retries fast and
// briefly (a client is either connected or it is not); provider-backed
// channels back off harder to respect upstream rate limits.
var (
	WebsocketRetryPolicy = types.RetryPolicy{
		MaxAttempts:   2,
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
	}
	EmailRetryPolicy = types.RetryPolicy{
		MaxAttempts:   3,
		BaseDelay:     1 * time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
	}
	SMSRetryPolicy = types.RetryPolicy{
		MaxAttempts:   3,
		BaseDelay:     2 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 3.0,
	}
	PushRetryPolicy = types.RetryPolicy{
		MaxAttempts:   3,
		BaseDelay:     1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 5.0,
	}
)

// Router resolves (priority, role) to channel routes.
type Router struct {
	table map[types.Priority][]ChannelRoute
}

// NewRouter builds the static routing table. P0 reaches every urgent channel,
// tiers below shed channels one by one, and P4 routes nowhere (log only).
func NewRouter() *Router {
	return &Router{
		table: map[types.Priority][]ChannelRoute{
			types.PriorityP0: {
				{Channel: types.ChannelWebsocket, Retry: WebsocketRetryPolicy},
				{Channel: types.ChannelEmail, Retry: EmailRetryPolicy},
				{Channel: types.ChannelSMS, Retry: SMSRetryPolicy},
			},
			types.PriorityP1: {
				{Channel: types.ChannelWebsocket, Retry: WebsocketRetryPolicy},
				{Channel: types.ChannelEmail, Retry: EmailRetryPolicy},
			},
			types.PriorityP2: {
				{Channel: types.ChannelWebsocket, Retry: WebsocketRetryPolicy},
			},
			types.PriorityP3: {
				{Channel: types.ChannelWebsocket, Retry: WebsocketRetryPolicy},
				{Channel: types.ChannelPush, Retry: PushRetryPolicy},
			},
			types.PriorityP4: {},
		},
	}
}

// Route returns the channel routes for a priority tier and recipient role.
// Viewers only receive the live (websocket) feed regardless of tier; SMS is
// reserved for on-call and admin recipients. The returned slice is a copy.
func (r *Router) Route(priority types.Priority, role types.RecipientRole) []ChannelRoute {
	routes := r.table[priority]
	out := make([]ChannelRoute, 0, len(routes))
	for _, route := range routes {
		if !roleAllows(role, route.Channel) {
			continue
		}
		out = append(out, route)
	}
	return out
}

func roleAllows(role types.RecipientRole, ch types.ChannelType) bool {
	switch ch {
	case types.ChannelWebsocket:
		return true
	case types.ChannelSMS:
		return role == types.RoleOnCall || role == types.RoleAdmin
	default:
		return role != types.RoleViewer
	}
}
