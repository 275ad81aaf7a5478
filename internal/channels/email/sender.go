// Package email delivers notifications over AWS SES v2.
package email

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"signaldesk/internal/config"
	"signaldesk/internal/types"
)

// SESAPI defines the subset of the SES v2 client used by Sender.
// Extracted for testability — tests can provide a mock implementation.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Compile-time assertion that Sender satisfies ChannelSender.
var _ types.ChannelSender = (*Sender)(nil)

// Sender implements the email channel using AWS SES v2.
// Authentication is handled via IAM roles (no API key required).
type Sender struct {
	api    SESAPI
	cfg    config.EmailConfig
	logger types.Logger
}

// NewSender creates a Sender from an AWS config.
func NewSender(awsCfg aws.Config, cfg config.EmailConfig, logger types.Logger) *Sender {
	return NewSenderWithAPI(sesv2.NewFromConfig(awsCfg), cfg, logger)
}

// NewSenderWithAPI creates a Sender with a pre-configured SESAPI.
// Useful for testing with a mock SES interface.
func NewSenderWithAPI(api SESAPI, cfg config.EmailConfig, logger types.Logger) *Sender {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Sender{api: api, cfg: cfg, logger: logger}
}

// Channel returns the email channel type.
func (s *Sender) Channel() types.ChannelType { return types.ChannelEmail }

// Send transmits the rendered message using SES SendEmail with simple
// content. A recipient without an email address is a permanent refusal, not
// an error: the dispatcher must not burn retries on it.
func (s *Sender) Send(ctx context.Context, n types.Notification, msg types.RenderedMessage) (*types.DeliveryResult, error) {
	recipient := n.Recipient
	if recipient.Email == "" {
		return &types.DeliveryResult{
			Delivered:     false,
			Retryable:     false,
			FailureReason: "recipient has no email address",
		}, nil
	}

	fromAddr := fmt.Sprintf("%s <%s>", s.cfg.FromName, s.cfg.FromAddress)
	if s.cfg.FromName == "" {
		fromAddr = s.cfg.FromAddress
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fromAddr),
		Destination: &sestypes.Destination{
			ToAddresses: []string{recipient.Email},
		},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{
					Data:    aws.String(subjectFor(msg)),
					Charset: aws.String("UTF-8"),
				},
				Body: &sestypes.Body{
					Text: &sestypes.Content{
						Data:    aws.String(msg.Body),
						Charset: aws.String("UTF-8"),
					},
				},
			},
		},
	}
	if s.cfg.ConfigSetName != "" {
		input.ConfigurationSetName = aws.String(s.cfg.ConfigSetName)
	}

	result, err := s.api.SendEmail(ctx, input)
	if err != nil {
		return mapSESError(err)
	}

	msgID := ""
	if result.MessageId != nil {
		msgID = *result.MessageId
	}
	return &types.DeliveryResult{Delivered: true, ProviderMessageID: msgID}, nil
}

// subjectFor prefixes urgent tiers so they stand out in a crowded inbox.
func subjectFor(msg types.RenderedMessage) string {
	if msg.Priority == types.PriorityP0 {
		return "[CRITICAL] " + msg.Title
	}
	return msg.Title
}

// mapSESError translates AWS SES failures into delivery results. Rejections
// are permanent; throttling and paused sending are retryable.
func mapSESError(err error) (*types.DeliveryResult, error) {
	var msgRejected *sestypes.MessageRejected
	if errors.As(err, &msgRejected) {
		return &types.DeliveryResult{
			Delivered:     false,
			Retryable:     false,
			FailureReason: fmt.Sprintf("SES rejected message: %v", err),
		}, nil
	}

	var tooManyReqs *sestypes.TooManyRequestsException
	if errors.As(err, &tooManyReqs) {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamRateLimit,
			fmt.Sprintf("SES rate limit exceeded: %v", err),
			err,
		)
	}

	var sendingPaused *sestypes.SendingPausedException
	if errors.As(err, &sendingPaused) {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamChannel,
			fmt.Sprintf("SES account sending paused: %v", err),
			err,
		)
	}

	return nil, types.NewAppError(
		types.ErrCodeUpstreamChannel,
		fmt.Sprintf("SES error: %v", err),
		err,
	)
}
