// Package queue provides the SQS-backed retry scheduler for the distributed
// deployment: the api process publishes delayed retry tasks, the delivery
// worker long-polls and executes them.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"signaldesk/internal/dispatch"
	"signaldesk/internal/types"
)

// SQSClient abstracts the SQS operations used here for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSClient interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// maxSQSDelay is the SQS DelaySeconds ceiling (15 minutes). Retry delays
// above it are clamped; the backoff policies never come close.
const maxSQSDelay = 900

// Compile-time assertion that Publisher implements dispatch.RetryScheduler.
var _ dispatch.RetryScheduler = (*Publisher)(nil)

// Publisher schedules retry tasks as delayed SQS messages.
type Publisher struct {
	client   SQSClient
	queueURL string
	logger   types.Logger
}

// NewPublisher creates a Publisher for the retry queue.
func NewPublisher(client SQSClient, queueURL string, logger types.Logger) *Publisher {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Publisher{client: client, queueURL: queueURL, logger: logger}
}

// Schedule serializes the task and sends it with DelaySeconds set to the
// backoff delay, clamped to the SQS maximum.
func (p *Publisher) Schedule(ctx context.Context, task dispatch.RetryTask, delay time.Duration) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("retry queue: marshal task: %w", err)
	}

	delaySec := int32(delay.Seconds())
	if delaySec > maxSQSDelay {
		delaySec = maxSQSDelay
	}
	if delaySec < 0 {
		delaySec = 0
	}

	input := &sqs.SendMessageInput{
		QueueUrl:     aws.String(p.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: delaySec,
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("retry queue: send to %s: %w", p.queueURL, err)
	}

	p.logger.Info("retry task published",
		"notification_id", task.Notification.ID,
		"channel", string(task.Channel),
		"attempt", task.Attempt,
		"delay_seconds", delaySec,
	)
	return nil
}

// Poller long-polls the retry queue and hands tasks to the executor. Failed
// executions are not deleted, so SQS redelivers them after the visibility
// timeout.
type Poller struct {
	client   SQSClient
	queueURL string
	exec     dispatch.RetryExecutor
	logger   types.Logger
}

// NewPoller creates a Poller.
func NewPoller(client SQSClient, queueURL string, exec dispatch.RetryExecutor, logger types.Logger) *Poller {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Poller{client: client, queueURL: queueURL, exec: exec, logger: logger}
}

// Run polls until the context is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("retry queue poll failed", "error", err)
			// Back off briefly so a broken queue does not spin the loop.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) error {
	out, err := p.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(p.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     20,
	})
	if err != nil {
		return fmt.Errorf("receive: %w", err)
	}

	for _, msg := range out.Messages {
		var task dispatch.RetryTask
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &task); err != nil {
			p.logger.Error("dropping malformed retry task", "error", err)
			p.delete(ctx, msg.ReceiptHandle)
			continue
		}

		if err := p.exec.HandleRetry(ctx, task); err != nil {
			p.logger.Error("retry execution failed, leaving task for redelivery",
				"notification_id", task.Notification.ID,
				"channel", string(task.Channel),
				"error", err,
			)
			continue
		}
		p.delete(ctx, msg.ReceiptHandle)
	}
	return nil
}

func (p *Poller) delete(ctx context.Context, receiptHandle *string) {
	_, err := p.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(p.queueURL),
		ReceiptHandle: receiptHandle,
	})
	if err != nil {
		p.logger.Error("retry queue delete failed", "error", err)
	}
}
