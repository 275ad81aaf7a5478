package types

import (
	"context"
	"log/slog"
	"time"
)

// ChannelSender is the narrow transport interface implemented by each
// delivery channel (websocket hub, SES email, SNS sms, push gateway).
// The engine owns the retry policy; the sender is a dumb transport that
// reports whether the provider confirmed delivery.
type ChannelSender interface {
	// Channel returns the channel type this sender serves.
	Channel() ChannelType

	// Send transmits a rendered message to the notification's recipient. A
	// nil error with Delivered=false means the channel refused the message
	// permanently (e.g. the recipient has no address for it); the result's
	// Retryable flag tells the dispatcher whether another attempt is
	// worthwhile. Provider failures surface as errors.
	Send(ctx context.Context, n Notification, msg RenderedMessage) (*DeliveryResult, error)
}

// Escalator is the external collaborator invoked when an acknowledgment
// deadline is missed: re-dispatch to a broader recipient set or an on-call
// escalation path.
type Escalator interface {
	Escalate(ctx context.Context, n *Notification) error
}

// RecipientDirectory resolves event recipient hints to full delivery
// recipients (addresses, channel preferences).
type RecipientDirectory interface {
	Resolve(ctx context.Context, ref RecipientRef) (Recipient, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// Logger defines the structured logging interface used throughout the engine.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	With(args ...any) Logger
}

// NopLogger discards all log output. Used as a safe default in tests.
type NopLogger struct{}

func (NopLogger) Info(msg string, args ...any)  {}
func (NopLogger) Error(msg string, args ...any) {}
func (NopLogger) Warn(msg string, args ...any)  {}
func (NopLogger) With(args ...any) Logger       { return NopLogger{} }

// NewSlogLogger adapts a *slog.Logger to the Logger interface.
func NewSlogLogger(l *slog.Logger) Logger {
	return slogLogger{l: l}
}

type slogLogger struct {
	l *slog.Logger
}

func (s slogLogger) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s slogLogger) Error(msg string, args ...any) { s.l.Error(msg, args...) }
func (s slogLogger) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s slogLogger) With(args ...any) Logger       { return slogLogger{l: s.l.With(args...)} }
