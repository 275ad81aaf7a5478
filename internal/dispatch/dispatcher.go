package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"

	"signaldesk/internal/routing"
	"signaldesk/internal/types"
)

// RetryTask carries everything needed to re-attempt one channel delivery.
// It is serialized onto the retry queue in the distributed deployment, so it
// must be self-contained: the worker never re-reads the grouper.
type RetryTask struct {
	Notification types.Notification `json:"notification"`
	Channel      types.ChannelType  `json:"channel"`
	Attempt      int                `json:"attempt"`
	Generation   int64              `json:"generation"`
}

// RetryScheduler schedules a retry task to run after the given delay. The
// dispatcher never sleeps or holds locks while waiting; scheduling is
// fire-and-forget.
type RetryScheduler interface {
	Schedule(ctx context.Context, task RetryTask, delay time.Duration) error
}

// GroupIndex answers whether a dispatch generation is still the latest
// admission for its group. Satisfied by dedup.Grouper.
type GroupIndex interface {
	IsCurrent(groupKey string, generation int64) bool
}

// Metrics receives one observation per completed send attempt.
type Metrics interface {
	RecordDeliveryAttempt(ctx context.Context, channel types.ChannelType, priority types.Priority, outcome string, responseTimeMs int64)
}

// NopMetrics discards all observations.
type NopMetrics struct{}

func (NopMetrics) RecordDeliveryAttempt(context.Context, types.ChannelType, types.Priority, string, int64) {
}

// Dispatcher fans one notification out to its routed channels. Channels are
// independent: each gets its own goroutine, its own delivery record, its own
// circuit breaker, and its own retry schedule.
type Dispatcher struct {
	router    *routing.Router
	manager   *DeliveryManager
	senders   map[types.ChannelType]types.ChannelSender
	breakers  map[types.ChannelType]*gobreaker.CircuitBreaker[*types.DeliveryResult]
	scheduler RetryScheduler
	groups    GroupIndex
	metrics   Metrics
	clock     types.Clock
	logger    types.Logger
}

// NewDispatcher wires a Dispatcher. One circuit breaker is created per
// sender so a misbehaving provider only opens its own channel.
func NewDispatcher(
	router *routing.Router,
	manager *DeliveryManager,
	senders []types.ChannelSender,
	scheduler RetryScheduler,
	groups GroupIndex,
	metrics Metrics,
	clock types.Clock,
	logger types.Logger,
) *Dispatcher {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}

	senderMap := make(map[types.ChannelType]types.ChannelSender, len(senders))
	breakerMap := make(map[types.ChannelType]*gobreaker.CircuitBreaker[*types.DeliveryResult], len(senders))
	for _, s := range senders {
		ch := s.Channel()
		senderMap[ch] = s
		breakerMap[ch] = gobreaker.NewCircuitBreaker[*types.DeliveryResult](gobreaker.Settings{
			Name:        "sender-" + string(ch),
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		})
	}

	return &Dispatcher{
		router:    router,
		manager:   manager,
		senders:   senderMap,
		breakers:  breakerMap,
		scheduler: scheduler,
		groups:    groups,
		metrics:   metrics,
		clock:     clock,
		logger:    logger,
	}
}

// Render builds the channel-agnostic message for a notification. Groups that
// absorbed duplicates carry the occurrence count in the title.
func Render(n types.Notification) types.RenderedMessage {
	title := n.Title
	if n.GroupCount > 1 {
		title = fmt.Sprintf("%s (x%d)", n.Title, n.GroupCount)
	}
	return types.RenderedMessage{
		Title:    title,
		Body:     n.Message,
		Priority: n.Priority,
		Metadata: n.Metadata,
	}
}

// Dispatch fans the notification out to every routed channel concurrently
// and waits for the first attempt on each to settle. Failures on one channel
// never block or fail another; Dispatch only returns an error when no
// delivery record could be created at all.
func (d *Dispatcher) Dispatch(ctx context.Context, n types.Notification, generation int64) error {
	routes := d.router.Route(n.Priority, n.Recipient.Role)
	if len(routes) == 0 {
		d.logger.Info("notification routed to no channels",
			"notification_id", n.ID,
			"priority", string(n.Priority),
			"recipient_role", string(n.Recipient.Role),
		)
		return nil
	}

	g := new(errgroup.Group)
	for _, route := range routes {
		route := route
		g.Go(func() error {
			deliveryID, _, err := d.manager.EnsureDeliveryExists(ctx, n.ID, route.Channel)
			if err != nil {
				d.logger.Error("delivery record creation failed",
					"notification_id", n.ID,
					"channel", string(route.Channel),
					"error", err,
				)
				return err
			}
			d.attempt(ctx, n, route, deliveryID, generation)
			return nil
		})
	}
	return g.Wait()
}

// DispatchUpdate pushes the refreshed group counter of a merged duplicate to
// the recipient's live connections. The per-channel deliveries already ran
// when the group opened; a rising counter updates them in place and is not a
// new delivery, so the provider channels are never re-invoked. Best-effort: a
// recipient with no open socket catches up through reconnect backfill.
func (d *Dispatcher) DispatchUpdate(ctx context.Context, n types.Notification, generation int64) error {
	sender, ok := d.senders[types.ChannelWebsocket]
	if !ok {
		return nil
	}
	if _, routed := d.findRoute(n, types.ChannelWebsocket); !routed {
		return nil
	}

	result, err := sender.Send(ctx, n, Render(n))
	if err != nil {
		d.logger.Error("group counter update failed",
			"notification_id", n.ID,
			"group_count", n.GroupCount,
			"error", err,
		)
		return nil
	}
	if !result.Delivered {
		d.logger.Info("group counter update not delivered",
			"notification_id", n.ID,
			"group_count", n.GroupCount,
			"reason", result.FailureReason,
		)
	}
	return nil
}

// HandleRetry executes one scheduled retry attempt. Called by the in-process
// timer scheduler or the queue worker. A task whose group admitted a newer
// duplicate is dropped: the superseding dispatch owns the channel now.
func (d *Dispatcher) HandleRetry(ctx context.Context, task RetryTask) error {
	n := task.Notification
	if !d.groups.IsCurrent(n.GroupKey, task.Generation) {
		d.logger.Info("dropping superseded retry",
			"notification_id", n.ID,
			"channel", string(task.Channel),
			"attempt", task.Attempt,
		)
		return nil
	}

	route, ok := d.findRoute(n, task.Channel)
	if !ok {
		return fmt.Errorf("HandleRetry: no route for channel %s at %s", task.Channel, n.Priority)
	}

	d.attempt(ctx, n, route, DeliveryID(n.ID, task.Channel), task.Generation)
	return nil
}

func (d *Dispatcher) findRoute(n types.Notification, ch types.ChannelType) (routing.ChannelRoute, bool) {
	for _, route := range d.router.Route(n.Priority, n.Recipient.Role) {
		if route.Channel == ch {
			return route, true
		}
	}
	return routing.ChannelRoute{}, false
}

// attempt performs one send attempt on one channel and settles the delivery
// record: sent/delivered on success, retrying or failed otherwise. A
// retryable failure schedules the next attempt with exponential backoff,
// unless a later duplicate superseded this dispatch.
func (d *Dispatcher) attempt(ctx context.Context, n types.Notification, route routing.ChannelRoute, deliveryID string, generation int64) {
	sender, ok := d.senders[route.Channel]
	if !ok {
		d.logger.Error("no sender registered for channel", "channel", string(route.Channel))
		return
	}

	allowed, err := d.manager.AttemptAllowed(ctx, deliveryID)
	if err != nil {
		d.logger.Error("delivery status check failed", "delivery_id", deliveryID, "error", err)
		return
	}
	if !allowed {
		d.logger.Info("skipping send for settled delivery",
			"delivery_id", deliveryID,
			"channel", string(route.Channel),
		)
		return
	}

	attempt, err := d.manager.RecordAttempt(ctx, deliveryID)
	if err != nil {
		d.logger.Error("attempt accounting failed", "delivery_id", deliveryID, "error", err)
		return
	}

	msg := Render(n)
	start := d.clock.Now()
	result, err := d.breakers[route.Channel].Execute(func() (*types.DeliveryResult, error) {
		return sender.Send(ctx, n, msg)
	})
	elapsedMs := d.clock.Now().Sub(start).Milliseconds()

	switch {
	case err != nil:
		reason := err.Error()
		// An open breaker means the provider is struggling, not that this
		// message is bad: keep it retryable.
		retryable := true
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			reason = "channel circuit open: " + reason
		}
		d.metrics.RecordDeliveryAttempt(ctx, route.Channel, n.Priority, "error", elapsedMs)
		d.settleFailure(ctx, n, route, deliveryID, attempt, generation, reason, retryable)

	case result.Delivered:
		if err := d.manager.MarkSent(ctx, deliveryID, result.ProviderMessageID, elapsedMs); err != nil {
			d.logger.Error("delivery bookkeeping failed", "delivery_id", deliveryID, "error", err)
			return
		}
		if err := d.manager.MarkDelivered(ctx, deliveryID); err != nil {
			d.logger.Error("delivery bookkeeping failed", "delivery_id", deliveryID, "error", err)
		}
		d.metrics.RecordDeliveryAttempt(ctx, route.Channel, n.Priority, "delivered", elapsedMs)

	default:
		d.metrics.RecordDeliveryAttempt(ctx, route.Channel, n.Priority, "undelivered", elapsedMs)
		d.settleFailure(ctx, n, route, deliveryID, attempt, generation, result.FailureReason, result.Retryable)
	}
}

func (d *Dispatcher) settleFailure(ctx context.Context, n types.Notification, route routing.ChannelRoute, deliveryID string, attempt int, generation int64, reason string, retryable bool) {
	// A non-retryable refusal exhausts the budget immediately.
	effectiveAttempt := attempt
	if !retryable {
		effectiveAttempt = route.Retry.MaxAttempts
	}

	shouldRetry, err := d.manager.MarkFailure(ctx, deliveryID, effectiveAttempt, route.Retry, reason)
	if err != nil {
		d.logger.Error("failure bookkeeping failed", "delivery_id", deliveryID, "error", err)
		return
	}
	if !shouldRetry {
		return
	}

	if !d.groups.IsCurrent(n.GroupKey, generation) {
		d.logger.Info("skipping retry for superseded dispatch",
			"notification_id", n.ID,
			"channel", string(route.Channel),
		)
		return
	}

	delay := types.CalculateNextRetry(route.Retry, attempt)
	task := RetryTask{
		Notification: n,
		Channel:      route.Channel,
		Attempt:      attempt,
		Generation:   generation,
	}
	if err := d.scheduler.Schedule(ctx, task, delay); err != nil {
		d.logger.Error("retry scheduling failed",
			"notification_id", n.ID,
			"channel", string(route.Channel),
			"delay", delay.String(),
			"error", err,
		)
	}
}
