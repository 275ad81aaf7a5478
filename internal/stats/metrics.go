package stats

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"signaldesk/internal/dispatch"
	"signaldesk/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Metric and dimension names.
const (
	MetricDeliveryAttempt = "DeliveryAttempt"
	MetricDeliveryLatency = "DeliveryLatency"

	DimChannel  = "Channel"
	DimPriority = "Priority"
	DimResult   = "Result"
)

// Compile-time assertion that CloudWatchMetrics implements dispatch.Metrics.
var _ dispatch.Metrics = (*CloudWatchMetrics)(nil)

// CloudWatchMetrics publishes per-attempt delivery metrics to CloudWatch.
//
// Metrics emitted:
//   - DeliveryAttempt: Dims {Channel, Priority, Result} -- on every outcome
//   - DeliveryLatency: Dims {Channel} -- provider response time per attempt
//
// Emission failures are logged and swallowed: metrics must never fail a
// delivery.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

// NewCloudWatchMetrics creates a CloudWatchMetrics publishing to the given
// namespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatchMetrics {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &CloudWatchMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// RecordDeliveryAttempt emits one DeliveryAttempt count and one
// DeliveryLatency observation for a settled send attempt.
func (m *CloudWatchMetrics) RecordDeliveryAttempt(ctx context.Context, channel types.ChannelType, priority types.Priority, outcome string, responseTimeMs int64) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(MetricDeliveryAttempt),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{
					{Name: aws.String(DimChannel), Value: aws.String(string(channel))},
					{Name: aws.String(DimPriority), Value: aws.String(string(priority))},
					{Name: aws.String(DimResult), Value: aws.String(outcome)},
				},
			},
			{
				MetricName: aws.String(MetricDeliveryLatency),
				Value:      aws.Float64(float64(responseTimeMs)),
				Unit:       cwtypes.StandardUnitMilliseconds,
				Dimensions: []cwtypes.Dimension{
					{Name: aws.String(DimChannel), Value: aws.String(string(channel))},
				},
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record delivery metric",
			"error", err.Error(),
			"channel", string(channel),
			"result", outcome,
		)
	}
}
