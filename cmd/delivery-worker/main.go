// Package main is the entry point for the Signaldesk delivery worker.
//
// The worker long-polls the SQS retry queue and re-attempts channel
// deliveries that the API process scheduled for retry. Failed executions are
// left on the queue for visibility-timeout redelivery; further retries are
// published back to the same queue with their backoff delay.
//
// The worker serves the provider-backed channels (email, sms, push).
// Websocket re-delivery is not queued: reconnecting dashboard clients
// backfill what they missed instead.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"signaldesk/internal/channels/email"
	"signaldesk/internal/channels/push"
	"signaldesk/internal/channels/sms"
	"signaldesk/internal/config"
	"signaldesk/internal/db"
	"signaldesk/internal/dedup"
	"signaldesk/internal/dispatch"
	"signaldesk/internal/queue"
	"signaldesk/internal/routing"
	"signaldesk/internal/stats"
	"signaldesk/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if cfg.AWS.RetryQueueURL == "" {
		return fmt.Errorf("SQS_RETRY_QUEUE must be set for the delivery worker")
	}

	logger := newLogger(cfg.LogLevel)
	workerLogger := types.NewSlogLogger(logger)
	logger.Info("signaldesk delivery worker starting",
		"environment", cfg.Environment,
		"queue", cfg.AWS.RetryQueueURL,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}
	defer pool.Close()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS configuration: %w", err)
	}
	if cfg.AWS.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
	}

	notifRepo := db.NewNotificationRepository(pool)
	manager := dispatch.NewDeliveryManager(notifRepo, workerLogger)

	senders := []types.ChannelSender{
		email.NewSender(awsCfg, cfg.Email, workerLogger),
		sms.NewSender(awsCfg, cfg.SMS, workerLogger),
		push.NewSender(cfg.Push, workerLogger),
	}

	metrics := stats.NewCloudWatchMetrics(
		cloudwatch.NewFromConfig(awsCfg), cfg.AWS.MetricNamespace, workerLogger)

	sqsClient := sqs.NewFromConfig(awsCfg)
	scheduler := queue.NewPublisher(sqsClient, cfg.AWS.RetryQueueURL, workerLogger)

	// The worker holds no group admissions of its own; a fresh grouper
	// answers IsCurrent=true for every task, so supersession is decided by
	// the API process at publish time.
	grouper := dedup.NewGrouper(cfg.Engine.DedupWindow, nil, workerLogger)

	dispatcher := dispatch.NewDispatcher(
		routing.NewRouter(), manager, senders, scheduler, grouper, metrics, nil, workerLogger)

	poller := queue.NewPoller(sqsClient, cfg.AWS.RetryQueueURL, dispatcher, workerLogger)
	if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("poller: %w", err)
	}

	logger.Info("delivery worker stopped cleanly")
	return nil
}

// newLogger creates a structured JSON slog.Logger for the given level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
