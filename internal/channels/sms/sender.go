// Package sms delivers notifications as transactional SMS over AWS SNS.
package sms

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"signaldesk/internal/config"
	"signaldesk/internal/types"
)

// SNSAPI defines the subset of the SNS client used by Sender.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Compile-time assertion that Sender satisfies ChannelSender.
var _ types.ChannelSender = (*Sender)(nil)

// maxSMSLength keeps messages inside a single GSM-7 concatenation budget.
const maxSMSLength = 140

// Sender implements the SMS channel using AWS SNS direct publish.
type Sender struct {
	api    SNSAPI
	cfg    config.SMSConfig
	logger types.Logger
}

// NewSender creates a Sender from an AWS config.
func NewSender(awsCfg aws.Config, cfg config.SMSConfig, logger types.Logger) *Sender {
	return NewSenderWithAPI(sns.NewFromConfig(awsCfg), cfg, logger)
}

// NewSenderWithAPI creates a Sender with a pre-configured SNSAPI.
func NewSenderWithAPI(api SNSAPI, cfg config.SMSConfig, logger types.Logger) *Sender {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Sender{api: api, cfg: cfg, logger: logger}
}

// Channel returns the sms channel type.
func (s *Sender) Channel() types.ChannelType { return types.ChannelSMS }

// Send publishes the message to the recipient's phone number as a
// Transactional SMS with a spend cap. A recipient without a phone number is
// a permanent refusal.
func (s *Sender) Send(ctx context.Context, n types.Notification, msg types.RenderedMessage) (*types.DeliveryResult, error) {
	recipient := n.Recipient
	if recipient.Phone == "" {
		return &types.DeliveryResult{
			Delivered:     false,
			Retryable:     false,
			FailureReason: "recipient has no phone number",
		}, nil
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(recipient.Phone),
		Message:     aws.String(Compose(msg)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"AWS.SNS.SMS.SMSType": {
				DataType:    aws.String("String"),
				StringValue: aws.String("Transactional"),
			},
			"AWS.SNS.SMS.SenderID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(s.cfg.SenderID),
			},
			"AWS.SNS.SMS.MaxPrice": {
				DataType:    aws.String("String"),
				StringValue: aws.String(s.cfg.MaxPrice),
			},
		},
	}

	result, err := s.api.Publish(ctx, input)
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamChannel,
			fmt.Sprintf("SNS publish failed: %v", err),
			err,
		)
	}

	msgID := ""
	if result.MessageId != nil {
		msgID = *result.MessageId
	}
	return &types.DeliveryResult{Delivered: true, ProviderMessageID: msgID}, nil
}

// Compose flattens the rendered message into a single SMS line, truncated to
// the single-segment budget.
func Compose(msg types.RenderedMessage) string {
	text := fmt.Sprintf("[%s] %s: %s", msg.Priority, msg.Title, msg.Body)
	if len(text) > maxSMSLength {
		text = text[:maxSMSLength-3] + "..."
	}
	return text
}
