// Package push delivers notifications to mobile devices through an outbound
// HTTP push gateway.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"signaldesk/internal/config"
	"signaldesk/internal/types"
)

// Compile-time assertion that Sender satisfies ChannelSender.
var _ types.ChannelSender = (*Sender)(nil)

// payload is the gateway wire format.
type payload struct {
	Target   string         `json:"target"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Priority string         `json:"priority"`
	LowPrio  bool           `json:"low_priority"`
	Data     map[string]any `json:"data,omitempty"`
}

// Sender implements the push channel against a JSON-over-HTTP gateway.
type Sender struct {
	client *http.Client
	cfg    config.PushConfig
	logger types.Logger
}

// NewSender creates a Sender. The HTTP client timeout comes from config so a
// hung gateway cannot stall a dispatch goroutine.
func NewSender(cfg config.PushConfig, logger types.Logger) *Sender {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Sender{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: logger,
	}
}

// Channel returns the push channel type.
func (s *Sender) Channel() types.ChannelType { return types.ChannelPush }

// Send posts the message to the gateway. P3 notifications are flagged
// low-priority so the gateway can defer them to the next device sync window.
func (s *Sender) Send(ctx context.Context, n types.Notification, msg types.RenderedMessage) (*types.DeliveryResult, error) {
	recipient := n.Recipient
	if recipient.PushTarget == "" {
		return &types.DeliveryResult{
			Delivered:     false,
			Retryable:     false,
			FailureReason: "recipient has no push target",
		}, nil
	}
	if s.cfg.GatewayURL == "" {
		return nil, types.NewAppError(types.ErrCodeUpstreamChannel, "push gateway not configured", nil)
	}

	body, err := json.Marshal(payload{
		Target:   recipient.PushTarget,
		Title:    msg.Title,
		Body:     msg.Body,
		Priority: string(msg.Priority),
		LowPrio:  msg.Priority == types.PriorityP3,
		Data:     msg.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("push: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.GatewayURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("push: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	if token := s.cfg.AuthToken.Reveal(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamChannel,
			fmt.Sprintf("push gateway unreachable: %v", err), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out struct {
			MessageID string `json:"message_id"`
		}
		// A gateway that returns no body is still a success.
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&out)
		return &types.DeliveryResult{Delivered: true, ProviderMessageID: out.MessageID}, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, types.NewAppError(types.ErrCodeUpstreamRateLimit,
			"push gateway rate limited", nil)

	case resp.StatusCode >= 500:
		return nil, types.NewAppError(types.ErrCodeUpstreamChannel,
			fmt.Sprintf("push gateway returned %d", resp.StatusCode), nil)

	default:
		// 4xx means this message will never be accepted.
		return &types.DeliveryResult{
			Delivered:     false,
			Retryable:     false,
			FailureReason: fmt.Sprintf("push gateway rejected message with status %d", resp.StatusCode),
		}, nil
	}
}
