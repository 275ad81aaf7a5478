// Package main is the entry point for the Signaldesk API server.
//
// It loads configuration, connects PostgreSQL, rehydrates the active rule
// set and pending acknowledgment deadlines, wires the classification engine
// with its delivery channels, and serves the HTTP and websocket API with
// graceful shutdown on SIGINT/SIGTERM.
//
// With SQS_RETRY_QUEUE set, delivery retries are published to SQS for the
// delivery-worker; otherwise they run on in-process timers (single-binary
// deployment).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"

	"signaldesk/internal/ack"
	"signaldesk/internal/api/handlers"
	"signaldesk/internal/channels/email"
	"signaldesk/internal/channels/live"
	"signaldesk/internal/channels/push"
	"signaldesk/internal/channels/sms"
	"signaldesk/internal/config"
	"signaldesk/internal/core"
	"signaldesk/internal/db"
	"signaldesk/internal/dedup"
	"signaldesk/internal/dispatch"
	"signaldesk/internal/engine"
	"signaldesk/internal/queue"
	"signaldesk/internal/routing"
	"signaldesk/internal/rules"
	"signaldesk/internal/stats"
	"signaldesk/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on
// error.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	engineLogger := types.NewSlogLogger(logger)
	logger.Info("signaldesk API starting",
		"environment", cfg.Environment,
		"port", cfg.Server.Port,
	)

	// Background work (dedup sweeps, retry timers, escalations) is bounded by
	// this context; it ends when a shutdown signal arrives.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}
	defer pool.Close()

	notifRepo := db.NewNotificationRepository(pool)
	ruleRepo := db.NewRuleRepository(pool)
	recipientRepo := db.NewRecipientRepository(pool)

	// Rehydrate the active rule set; a fresh database starts at version 1
	// with no rules.
	version, ruleList, err := ruleRepo.LoadCurrent(ctx)
	if err != nil {
		return fmt.Errorf("loading rule set: %w", err)
	}
	var store *rules.Store
	if version > 0 {
		store = rules.NewStoreAt(version, ruleList)
		logger.Info("rule set rehydrated", "version", version, "rules", len(ruleList))
	} else {
		store = rules.NewStore(nil)
		logger.Info("no persisted rule set, starting empty")
	}

	grouper := dedup.NewGrouper(cfg.Engine.DedupWindow, nil, engineLogger)
	go grouper.Run(ctx)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS configuration: %w", err)
	}
	if cfg.AWS.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
	}

	hub := live.NewHub(engineLogger)
	defer hub.CloseAll()

	senders := []types.ChannelSender{
		live.NewSender(hub),
		email.NewSender(awsCfg, cfg.Email, engineLogger),
		sms.NewSender(awsCfg, cfg.SMS, engineLogger),
		push.NewSender(cfg.Push, engineLogger),
	}

	metrics := stats.NewCloudWatchMetrics(
		cloudwatch.NewFromConfig(awsCfg), cfg.AWS.MetricNamespace, engineLogger)

	manager := dispatch.NewDeliveryManager(notifRepo, engineLogger)

	// Retry scheduling: SQS-backed when the queue is configured, in-process
	// timers otherwise.
	var scheduler dispatch.RetryScheduler
	var timers *dispatch.TimerScheduler
	if cfg.AWS.RetryQueueURL != "" {
		scheduler = queue.NewPublisher(sqs.NewFromConfig(awsCfg), cfg.AWS.RetryQueueURL, engineLogger)
		logger.Info("retry scheduling via SQS", "queue", cfg.AWS.RetryQueueURL)
	} else {
		timers = dispatch.NewTimerScheduler(engineLogger)
		scheduler = timers
		logger.Info("retry scheduling in-process")
	}

	dispatcher := dispatch.NewDispatcher(
		routing.NewRouter(), manager, senders, scheduler, grouper, metrics, nil, engineLogger)
	if timers != nil {
		timers.Start(dispatcher)
		defer timers.Stop()
	}

	escalator := engine.NewBroadcastEscalator(dispatcher, engineLogger)
	tracker := ack.NewTracker(notifRepo, escalator, ack.Timeouts{
		P0:      cfg.Engine.AckTimeoutP0,
		Default: cfg.Engine.AckTimeoutDefault,
	}, nil, engineLogger)
	defer tracker.Stop()

	service := engine.NewService(
		store, ruleRepo, grouper, dispatcher, tracker,
		notifRepo, recipientRepo, cfg.Live.BackfillLimit, nil, engineLogger)

	// Re-arm acknowledgment deadlines that were pending when the previous
	// process stopped. Deadlines already in the past escalate immediately.
	pending, err := notifRepo.ListPendingAcks(ctx)
	if err != nil {
		return fmt.Errorf("loading pending acknowledgments: %w", err)
	}
	for _, p := range pending {
		if err := tracker.Resume(ctx, p.Notification, p.Deadline); err != nil {
			logger.Error("acknowledgment resume failed",
				"notification_id", p.Notification.ID, "error", err)
		}
	}
	if len(pending) > 0 {
		logger.Info("acknowledgment deadlines re-armed", "count", len(pending))
	}

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	eventHandler := handlers.NewEventHandler(service, srv.Validator, logger)
	ruleHandler := handlers.NewRuleHandler(service, srv.Validator, logger)
	notifHandler := handlers.NewNotificationHandler(service, srv.Validator, logger)
	statsHandler := handlers.NewStatsHandler(stats.NewAggregator(notifRepo), logger)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		func(r chi.Router) { eventHandler.RegisterRoutes(r) },
		func(r chi.Router) { ruleHandler.RegisterRoutes(r) },
		func(r chi.Router) { notifHandler.RegisterRoutes(r) },
		func(r chi.Router) { statsHandler.RegisterRoutes(r) },
	)
	srv.WSHandler = live.NewHandler(hub, cfg.Live, service, engineLogger)
	srv.HealthProbes = append(srv.HealthProbes, core.HealthProbeFunc{
		ProbeName: "database",
		Fn:        pool.Ping,
	})

	srv.MountRoutes()

	return runHTTPServer(ctx, srv, cfg, logger)
}

// runHTTPServer serves until the signal context ends, then shuts down
// gracefully within the configured deadline.
func runHTTPServer(ctx context.Context, srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
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
