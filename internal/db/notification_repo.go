package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"signaldesk/internal/types"
)

// NotificationRepository provides data access for the notifications,
// delivery_records, ack_states, and classification_overrides tables. Its
// methods are grouped behind the narrow per-consumer interfaces declared in
// the dispatch, ack, and stats packages; one repository serves them all.
type NotificationRepository struct {
	db DBTX
}

// NewNotificationRepository creates a NotificationRepository backed by the
// given database connection (pool or transaction).
func NewNotificationRepository(db DBTX) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// PendingAck is one unresolved acknowledgment loaded at startup so the
// tracker can re-arm its server-side deadline timer.
type PendingAck struct {
	Notification types.Notification
	Deadline     time.Time
}

const notificationColumns = `id, priority, event_type, category, title, message,
	recipient_id, recipient_role, tenant_id, recipient_email, recipient_phone,
	recipient_push_target, requires_ack, group_key, group_count, rule_id,
	rule_set_version, metadata, created_at, read_at`

// CreateNotification inserts a new notification row. The caller must set the
// ID and all classification fields; CreatedAt defaults to NOW() when zero.
func (r *NotificationRepository) CreateNotification(ctx context.Context, n *types.Notification) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO notifications
		 (id, priority, event_type, category, title, message,
		  recipient_id, recipient_role, tenant_id, recipient_email,
		  recipient_phone, recipient_push_target, requires_ack,
		  group_key, group_count, rule_id, rule_set_version, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		         $16, $17, $18, COALESCE($19, NOW()))`,
		n.ID,
		string(n.Priority),
		n.EventType,
		string(n.Category),
		n.Title,
		n.Message,
		n.Recipient.ID,
		string(n.Recipient.Role),
		nilIfEmpty(n.Recipient.TenantID),
		nilIfEmpty(n.Recipient.Email),
		nilIfEmpty(n.Recipient.Phone),
		nilIfEmpty(n.Recipient.PushTarget),
		n.RequiresAck,
		n.GroupKey,
		n.GroupCount,
		nilIfEmpty(n.RuleID),
		n.RuleSetVersion,
		metadataJSON(n.Metadata),
		nilIfZeroTime(n.CreatedAt),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create notification", err)
	}
	return nil
}

// UpdateGroup persists a duplicate merge: the group representative keeps its
// ID but its group_count and created_at move with every absorbed duplicate.
func (r *NotificationRepository) UpdateGroup(ctx context.Context, id string, groupCount int, createdAt time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE notifications SET group_count = $1, created_at = $2 WHERE id = $3`,
		groupCount,
		createdAt,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update notification group", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundNotification, "notification not found", nil)
	}
	return nil
}

// GetNotification fetches one notification by ID.
func (r *NotificationRepository) GetNotification(ctx context.Context, id string) (*types.Notification, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = $1`,
		id,
	)
	n, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundNotification, "notification not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get notification", err)
	}
	return n, nil
}

// List retrieves notifications matching the filter, newest first, using
// keyset pagination on (created_at, id). Returns the page plus the cursor for
// the next one ("" when this page exhausts the result).
func (r *NotificationRepository) List(ctx context.Context, filter types.NotificationFilter) ([]types.Notification, string, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	var conditions []string
	var args []any
	argIdx := 1

	if filter.RecipientID != "" {
		conditions = append(conditions, fmt.Sprintf("recipient_id = $%d", argIdx))
		args = append(args, filter.RecipientID)
		argIdx++
	}
	if filter.Priority != "" {
		conditions = append(conditions, fmt.Sprintf("priority = $%d", argIdx))
		args = append(args, string(filter.Priority))
		argIdx++
	}
	if filter.Category != "" {
		conditions = append(conditions, fmt.Sprintf("category = $%d", argIdx))
		args = append(args, string(filter.Category))
		argIdx++
	}
	if filter.UnreadOnly {
		conditions = append(conditions, "read_at IS NULL")
	}
	if filter.Cursor != "" {
		cursorTime, cursorID, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, "", err
		}
		conditions = append(conditions, fmt.Sprintf("(created_at, id) < ($%d, $%d)", argIdx, argIdx+1))
		args = append(args, cursorTime, cursorID)
		argIdx += 2
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	// Fetch limit+1 rows to detect whether another page exists.
	query := fmt.Sprintf(
		`SELECT %s FROM notifications %s ORDER BY created_at DESC, id DESC LIMIT $%d`,
		notificationColumns, whereClause, argIdx,
	)
	args = append(args, limit+1)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, "", types.NewAppError(types.ErrCodeInternalDB, "failed to list notifications", err)
	}
	defer rows.Close()

	var results []types.Notification
	for rows.Next() {
		n, scanErr := scanNotification(rows)
		if scanErr != nil {
			return nil, "", types.NewAppError(types.ErrCodeInternalDB, "failed to scan notification row", scanErr)
		}
		results = append(results, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, "", types.NewAppError(types.ErrCodeInternalDB, "error iterating notification rows", err)
	}

	nextCursor := ""
	if len(results) > limit {
		results = results[:limit]
		last := results[limit-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	return results, nextCursor, nil
}

// Backfill returns the recipient's notifications created after the given
// time, oldest first, for websocket reconnect catch-up.
func (r *NotificationRepository) Backfill(ctx context.Context, recipientID string, since time.Time, limit int) ([]types.Notification, error) {
	if limit <= 0 {
		limit = 200
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+notificationColumns+`
		 FROM notifications
		 WHERE recipient_id = $1 AND created_at > $2
		 ORDER BY created_at ASC, id ASC
		 LIMIT $3`,
		recipientID,
		since,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to backfill notifications", err)
	}
	defer rows.Close()

	var results []types.Notification
	for rows.Next() {
		n, scanErr := scanNotification(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan notification row", scanErr)
		}
		results = append(results, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating notification rows", err)
	}
	return results, nil
}

// MarkRead stamps the notification read and advances delivered in-app
// records (websocket, push) to 'read'. Read receipts are channel-specific:
// email and SMS records stay at 'delivered'. Re-reading is a no-op; read_at
// keeps its first value.
func (r *NotificationRepository) MarkRead(ctx context.Context, id, recipientID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE notifications SET read_at = COALESCE(read_at, NOW())
		 WHERE id = $1 AND recipient_id = $2`,
		id,
		recipientID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark notification read", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundNotification, "notification not found", nil)
	}

	_, err = r.db.Exec(ctx,
		`UPDATE delivery_records SET status = 'read', read_at = NOW()
		 WHERE notification_id = $1 AND status = 'delivered'
		   AND channel IN ('websocket', 'push')`,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to advance delivery records to read", err)
	}
	return nil
}

// MarkAllRead stamps every unread notification for the recipient and returns
// how many were affected. As with MarkRead, only the in-app delivery records
// advance to 'read'.
func (r *NotificationRepository) MarkAllRead(ctx context.Context, recipientID string) (int, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE notifications SET read_at = NOW()
		 WHERE recipient_id = $1 AND read_at IS NULL`,
		recipientID,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to mark all notifications read", err)
	}

	_, err = r.db.Exec(ctx,
		`UPDATE delivery_records SET status = 'read', read_at = NOW()
		 WHERE status = 'delivered' AND channel IN ('websocket', 'push')
		   AND notification_id IN (
			SELECT id FROM notifications WHERE recipient_id = $1 AND read_at IS NOT NULL
		 )`,
		recipientID,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to advance delivery records to read", err)
	}
	return int(tag.RowsAffected()), nil
}

// InsertDeliveryIfNotExists performs the idempotent delivery record insert.
// A conflict on the deterministic ID means the (notification, channel) pair
// already has its record; the existing one is reused.
func (r *NotificationRepository) InsertDeliveryIfNotExists(ctx context.Context, d *types.DeliveryRecord) (string, bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO delivery_records
		 (id, notification_id, channel, status, attempt, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 ON CONFLICT (id) DO NOTHING`,
		d.ID,
		d.NotificationID,
		string(d.Channel),
		string(d.Status),
		d.Attempt,
	)
	if err != nil {
		return "", false, types.NewAppError(types.ErrCodeInternalDB, "failed to create delivery record", err)
	}
	return d.ID, tag.RowsAffected() == 1, nil
}

// UpdateDeliveryStatus updates a delivery record's status and error message.
// Advancing to 'read' also stamps read_at.
func (r *NotificationRepository) UpdateDeliveryStatus(ctx context.Context, deliveryID string, status types.DeliveryStatus, reason string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE delivery_records SET
			status = $1,
			error_message = $2,
			read_at = CASE WHEN $1 = 'read' THEN NOW() ELSE read_at END
		 WHERE id = $3`,
		string(status),
		nilIfEmpty(reason),
		deliveryID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update delivery status", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundNotification, "delivery record not found", nil)
	}
	return nil
}

// SetDeliverySent advances the record to 'sent', recording the provider
// message ID and the observed provider response time. The status guard keeps
// the lifecycle forward-only: a late or duplicate send never drags a record
// back from 'delivered' or 'read'.
func (r *NotificationRepository) SetDeliverySent(ctx context.Context, deliveryID string, providerMsgID string, responseTimeMs int64) error {
	_, err := r.db.Exec(ctx,
		`UPDATE delivery_records SET
			status = 'sent',
			provider_message_id = $1,
			response_time_ms = $2,
			error_message = NULL,
			sent_at = NOW()
		 WHERE id = $3 AND status IN ('pending', 'retrying')`,
		nilIfEmpty(providerMsgID),
		responseTimeMs,
		deliveryID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark delivery sent", err)
	}
	return nil
}

// GetDeliveryStatus returns the current status of one delivery record.
func (r *NotificationRepository) GetDeliveryStatus(ctx context.Context, deliveryID string) (types.DeliveryStatus, error) {
	row := r.db.QueryRow(ctx,
		`SELECT status FROM delivery_records WHERE id = $1`,
		deliveryID,
	)
	var status string
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", types.NewAppError(types.ErrCodeNotFoundNotification, "delivery record not found", nil)
		}
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to load delivery status", err)
	}
	return types.DeliveryStatus(status), nil
}

// SetDeliveryConfirmed advances a sent record to 'delivered'. The status
// guard keeps the lifecycle forward-only even if a late confirmation lands
// after the record already moved on.
func (r *NotificationRepository) SetDeliveryConfirmed(ctx context.Context, deliveryID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE delivery_records SET status = 'delivered', delivered_at = NOW()
		 WHERE id = $1 AND status = 'sent'`,
		deliveryID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to confirm delivery", err)
	}
	return nil
}

// IncrementAttempt bumps the record's attempt count and returns the new
// value.
func (r *NotificationRepository) IncrementAttempt(ctx context.Context, deliveryID string) (int, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE delivery_records SET attempt = attempt + 1, last_attempt_at = NOW()
		 WHERE id = $1
		 RETURNING attempt`,
		deliveryID,
	)
	var attempt int
	if err := row.Scan(&attempt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, types.NewAppError(types.ErrCodeNotFoundNotification, "delivery record not found", nil)
		}
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to increment delivery attempt", err)
	}
	return attempt, nil
}

// InsertAckState persists a freshly tracked acknowledgment.
func (r *NotificationRepository) InsertAckState(ctx context.Context, state *types.AcknowledgmentState) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO ack_states
		 (notification_id, state, acknowledged_by, acknowledged_at, escalation_deadline)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (notification_id) DO NOTHING`,
		state.NotificationID,
		string(state.State),
		nilIfEmpty(state.AcknowledgedBy),
		nilIfZeroTime(state.AcknowledgedAt),
		state.EscalationDeadline,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert ack state", err)
	}
	return nil
}

// UpdateAckState writes a state transition (acknowledged or escalated).
// Terminal states are archived in place, never deleted.
func (r *NotificationRepository) UpdateAckState(ctx context.Context, state *types.AcknowledgmentState) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE ack_states SET
			state = $1,
			acknowledged_by = $2,
			acknowledged_at = $3
		 WHERE notification_id = $4`,
		string(state.State),
		nilIfEmpty(state.AcknowledgedBy),
		nilIfZeroTime(state.AcknowledgedAt),
		state.NotificationID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update ack state", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundNotification, "ack state not found", nil)
	}
	return nil
}

// GetAckState loads the archived acknowledgment state for one notification.
func (r *NotificationRepository) GetAckState(ctx context.Context, notificationID string) (*types.AcknowledgmentState, error) {
	row := r.db.QueryRow(ctx,
		`SELECT notification_id, state, acknowledged_by, acknowledged_at, escalation_deadline
		 FROM ack_states WHERE notification_id = $1`,
		notificationID,
	)

	var (
		s     types.AcknowledgmentState
		state string
		by    *string
		at    *time.Time
	)
	if err := row.Scan(&s.NotificationID, &state, &by, &at, &s.EscalationDeadline); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundNotification,
				"no acknowledgment state for notification", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load ack state", err)
	}
	s.State = types.AckState(state)
	if by != nil {
		s.AcknowledgedBy = *by
	}
	if at != nil {
		s.AcknowledgedAt = *at
	}
	return &s, nil
}

// ListPendingAcks loads the unresolved acknowledgments with their
// notifications so deadline timers can be re-armed after a restart.
func (r *NotificationRepository) ListPendingAcks(ctx context.Context) ([]PendingAck, error) {
	rows, err := r.db.Query(ctx,
		`SELECT n.id, n.priority, n.event_type, n.category, n.title, n.message,
		        n.recipient_id, n.recipient_role, n.tenant_id, n.recipient_email,
		        n.recipient_phone, n.recipient_push_target, n.requires_ack,
		        n.group_key, n.group_count, n.rule_id, n.rule_set_version,
		        n.metadata, n.created_at, n.read_at,
		        a.escalation_deadline
		 FROM ack_states a
		 JOIN notifications n ON n.id = a.notification_id
		 WHERE a.state = 'pending_ack'
		 ORDER BY a.escalation_deadline ASC`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list pending acks", err)
	}
	defer rows.Close()

	var results []PendingAck
	for rows.Next() {
		n, deadline, scanErr := scanPendingAck(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan pending ack row", scanErr)
		}
		results = append(results, PendingAck{Notification: *n, Deadline: deadline})
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating pending ack rows", err)
	}
	return results, nil
}

// InsertOverride records a human re-prioritization.
func (r *NotificationRepository) InsertOverride(ctx context.Context, o *types.ClassificationOverride) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO classification_overrides
		 (notification_id, from_priority, to_priority, overridden_by, created_at)
		 VALUES ($1, $2, $3, $4, COALESCE($5, NOW()))`,
		o.NotificationID,
		string(o.FromPriority),
		string(o.ToPriority),
		o.OverriddenBy,
		nilIfZeroTime(o.CreatedAt),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert classification override", err)
	}
	return nil
}

// SetPriority applies an override's target priority to the notification row.
func (r *NotificationRepository) SetPriority(ctx context.Context, id string, p types.Priority) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE notifications SET priority = $1 WHERE id = $2`,
		string(p),
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set notification priority", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundNotification, "notification not found", nil)
	}
	return nil
}

// CountNotifications returns the number of notifications created in [from, to).
func (r *NotificationRepository) CountNotifications(ctx context.Context, from, to time.Time) (int64, error) {
	row := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications
		 WHERE created_at >= $1 AND created_at < $2`,
		from, to,
	)
	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count notifications", err)
	}
	return count, nil
}

// DeliveryBreakdownByPriority tallies delivery outcomes per tier for records
// created in [from, to). 'Sent' counts every record that reached the
// provider, including the ones later confirmed or read.
func (r *NotificationRepository) DeliveryBreakdownByPriority(ctx context.Context, from, to time.Time) ([]types.PriorityStats, error) {
	rows, err := r.db.Query(ctx,
		`SELECT n.priority,
		        COUNT(*) FILTER (WHERE d.status IN ('sent', 'delivered', 'read')),
		        COUNT(*) FILTER (WHERE d.status IN ('delivered', 'read')),
		        COUNT(*) FILTER (WHERE d.status = 'failed'),
		        COALESCE(AVG(d.response_time_ms) FILTER (WHERE d.response_time_ms > 0), 0)
		 FROM delivery_records d
		 JOIN notifications n ON n.id = d.notification_id
		 WHERE d.created_at >= $1 AND d.created_at < $2
		 GROUP BY n.priority
		 ORDER BY n.priority`,
		from, to,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query priority breakdown", err)
	}
	defer rows.Close()

	var results []types.PriorityStats
	for rows.Next() {
		var (
			priority string
			s        types.PriorityStats
		)
		if err := rows.Scan(&priority, &s.Sent, &s.Delivered, &s.Failed, &s.AvgResponseTimeMs); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan priority breakdown row", err)
		}
		s.Priority = types.Priority(priority)
		results = append(results, s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating priority breakdown rows", err)
	}
	return results, nil
}

// DeliveryBreakdownByChannel tallies delivery outcomes per channel for
// records created in [from, to).
func (r *NotificationRepository) DeliveryBreakdownByChannel(ctx context.Context, from, to time.Time) ([]types.ChannelStats, error) {
	rows, err := r.db.Query(ctx,
		`SELECT channel,
		        COUNT(*) FILTER (WHERE status IN ('sent', 'delivered', 'read')),
		        COUNT(*) FILTER (WHERE status IN ('delivered', 'read')),
		        COUNT(*) FILTER (WHERE status = 'failed')
		 FROM delivery_records
		 WHERE created_at >= $1 AND created_at < $2
		 GROUP BY channel
		 ORDER BY channel`,
		from, to,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query channel breakdown", err)
	}
	defer rows.Close()

	var results []types.ChannelStats
	for rows.Next() {
		var (
			channel string
			s       types.ChannelStats
		)
		if err := rows.Scan(&channel, &s.Sent, &s.Delivered, &s.Failed); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan channel breakdown row", err)
		}
		s.Channel = types.ChannelType(channel)
		results = append(results, s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating channel breakdown rows", err)
	}
	return results, nil
}

// CountOverrides returns the number of priority overrides recorded in
// [from, to).
func (r *NotificationRepository) CountOverrides(ctx context.Context, from, to time.Time) (int64, error) {
	row := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM classification_overrides
		 WHERE created_at >= $1 AND created_at < $2`,
		from, to,
	)
	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count overrides", err)
	}
	return count, nil
}

// encodeCursor builds the keyset token for the row after the given position.
func encodeCursor(createdAt time.Time, id string) string {
	return createdAt.UTC().Format(time.RFC3339Nano) + "~" + id
}

// decodeCursor parses a keyset token back into its (created_at, id) pair.
func decodeCursor(cursor string) (time.Time, string, error) {
	ts, id, ok := strings.Cut(cursor, "~")
	if !ok {
		return time.Time{}, "", types.NewAppError(types.ErrCodeValidationInvalidCursor,
			"invalid cursor format", nil)
	}
	cursorTime, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, "", types.NewAppError(types.ErrCodeValidationInvalidCursor,
			"invalid cursor timestamp", err)
	}
	return cursorTime, id, nil
}

// notificationScanner collects the scan destinations for one notification
// row. Enum and nullable columns land in intermediate fields that finish()
// folds into the struct.
type notificationScanner struct {
	n            types.Notification
	priority     string
	category     string
	role         string
	tenantID     *string
	email        *string
	phone        *string
	pushTarget   *string
	ruleID       *string
	metadataJSON []byte
	readAt       *time.Time
}

// dests returns the scan targets in notificationColumns order.
func (s *notificationScanner) dests() []any {
	return []any{
		&s.n.ID,
		&s.priority,
		&s.n.EventType,
		&s.category,
		&s.n.Title,
		&s.n.Message,
		&s.n.Recipient.ID,
		&s.role,
		&s.tenantID,
		&s.email,
		&s.phone,
		&s.pushTarget,
		&s.n.RequiresAck,
		&s.n.GroupKey,
		&s.n.GroupCount,
		&s.ruleID,
		&s.n.RuleSetVersion,
		&s.metadataJSON,
		&s.n.CreatedAt,
		&s.readAt,
	}
}

func (s *notificationScanner) finish() *types.Notification {
	n := s.n
	n.Priority = types.Priority(s.priority)
	n.Category = types.EventCategory(s.category)
	n.Recipient.Role = types.RecipientRole(s.role)
	if s.tenantID != nil {
		n.Recipient.TenantID = *s.tenantID
	}
	if s.email != nil {
		n.Recipient.Email = *s.email
	}
	if s.phone != nil {
		n.Recipient.Phone = *s.phone
	}
	if s.pushTarget != nil {
		n.Recipient.PushTarget = *s.pushTarget
	}
	if s.ruleID != nil {
		n.RuleID = *s.ruleID
	}
	if len(s.metadataJSON) > 0 {
		_ = json.Unmarshal(s.metadataJSON, &n.Metadata)
	}
	if s.readAt != nil {
		n.ReadAt = *s.readAt
	}
	return &n
}

// scanNotification scans one notification row from a pgx.Row or pgx.Rows.
func scanNotification(row pgx.Row) (*types.Notification, error) {
	var s notificationScanner
	if err := row.Scan(s.dests()...); err != nil {
		return nil, err
	}
	return s.finish(), nil
}

// scanPendingAck scans the notification columns plus the trailing
// escalation_deadline column produced by the ListPendingAcks join.
func scanPendingAck(rows pgx.Rows) (*types.Notification, time.Time, error) {
	var s notificationScanner
	var deadline time.Time
	if err := rows.Scan(append(s.dests(), &deadline)...); err != nil {
		return nil, time.Time{}, err
	}
	return s.finish(), deadline, nil
}

// metadataJSON marshals notification metadata for the JSONB column, falling
// back to an empty object on marshal failure.
func metadataJSON(m map[string]any) []byte {
	if m == nil {
		return []byte("{}")
	}
	b, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return b
}
