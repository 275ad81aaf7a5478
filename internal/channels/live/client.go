package live

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"signaldesk/internal/config"
	"signaldesk/internal/types"
)

// ControlHandler executes the client-initiated actions arriving on a live
// connection. Implemented by the engine service.
type ControlHandler interface {
	// Acknowledge confirms a pending notification on behalf of the actor.
	Acknowledge(ctx context.Context, notificationID, actor string) (types.AcknowledgmentState, error)

	// MarkRead records explicit read receipt of one notification.
	MarkRead(ctx context.Context, notificationID, actor string) error

	// MarkAllRead marks every unread notification of the recipient read and
	// returns how many changed.
	MarkAllRead(ctx context.Context, recipientID string) (int, error)

	// Backfill returns the recipient's notifications created after since,
	// oldest first, capped at limit.
	Backfill(ctx context.Context, recipientID string, since time.Time, limit int) ([]types.Notification, error)
}

// Client is one websocket connection. Writes go through the buffered send
// channel and a single write pump, reads through a single read pump; the
// connection itself is never touched concurrently.
type Client struct {
	recipientID string
	conn        *websocket.Conn
	send        chan []byte

	cfg     config.LiveConfig
	control ControlHandler
	logger  types.Logger

	closeOnce sync.Once
}

// NewClient wraps an upgraded connection.
func NewClient(recipientID string, conn *websocket.Conn, cfg config.LiveConfig, control ControlHandler, logger types.Logger) *Client {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Client{
		recipientID: recipientID,
		conn:        conn,
		send:        make(chan []byte, cfg.SendBufferSize),
		cfg:         cfg,
		control:     control,
		logger:      logger,
	}
}

// enqueue offers a payload to the send channel without blocking.
func (c *Client) enqueue(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Close shuts the connection down. Safe to call from any goroutine, once
// wins.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.send)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// WritePump drains the send channel onto the socket and keeps the
// connection alive with periodic pings. Runs as one goroutine per client.
func (c *Client) WritePump() {
	pingPeriod := c.cfg.PongTimeout * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Warn("websocket write failed", "recipient_id", c.recipientID, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump consumes client control messages until the connection drops.
// The caller unregisters the client when ReadPump returns.
func (c *Client) ReadPump(ctx context.Context) {
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket closed unexpectedly", "recipient_id", c.recipientID, "error", err)
			}
			return
		}

		var msg ControlMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.reply(Frame{Type: FrameError, Error: "malformed control message"})
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *Client) handle(ctx context.Context, msg ControlMessage) {
	switch msg.Action {
	case ActionAcknowledge:
		state, err := c.control.Acknowledge(ctx, msg.NotificationID, c.recipientID)
		if err != nil {
			c.reply(Frame{Type: FrameError, Error: err.Error()})
			return
		}
		c.reply(Frame{Type: FrameAckResult, AckState: &state})

	case ActionMarkRead:
		if err := c.control.MarkRead(ctx, msg.NotificationID, c.recipientID); err != nil {
			c.reply(Frame{Type: FrameError, Error: err.Error()})
			return
		}
		c.reply(Frame{Type: FrameReadResult, Count: 1})

	case ActionMarkAllRead:
		count, err := c.control.MarkAllRead(ctx, c.recipientID)
		if err != nil {
			c.reply(Frame{Type: FrameError, Error: err.Error()})
			return
		}
		c.reply(Frame{Type: FrameReadResult, Count: count})

	case ActionBackfill:
		notifications, err := c.control.Backfill(ctx, c.recipientID, msg.Since, c.cfg.BackfillLimit)
		if err != nil {
			c.reply(Frame{Type: FrameError, Error: err.Error()})
			return
		}
		c.reply(Frame{Type: FrameBackfill, Notifications: notifications, Count: len(notifications)})

	default:
		c.reply(Frame{Type: FrameError, Error: "unknown action: " + msg.Action})
	}
}

func (c *Client) reply(f Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		c.logger.Error("frame marshal failed", "error", err)
		return
	}
	if !c.enqueue(b) {
		c.logger.Warn("dropping reply to saturated client", "recipient_id", c.recipientID)
	}
}
