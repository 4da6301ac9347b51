// Package notify fans donation lifecycle events out to users. Delivery is
// best effort; callers never fail a state transition because a
// notification could not be sent.
package notify

//go:generate mockgen -source=notify.go -destination=mocks/mocks.go -package=mocks Notifier

import (
	"context"
	"log/slog"

	id "kanver/pkg/domain"
)

// Event types emitted by the matching flow.
const (
	EventNewRequest       = "NEW_REQUEST"
	EventDonorFound       = "DONOR_FOUND"
	EventDonorArrived     = "DONOR_ARRIVED"
	EventDonationComplete = "DONATION_COMPLETE"
	EventTimeoutWarning   = "TIMEOUT_WARNING"
	EventNoShow           = "NO_SHOW"
	EventSlotRedirected   = "SLOT_REDIRECTED"
)

// Notifier delivers one event to one user.
type Notifier interface {
	Notify(ctx context.Context, userID id.UserID, eventType string, payload map[string]any) error
}

// Noop drops every event. Used in tests and when no broker is configured.
type Noop struct{}

func (Noop) Notify(ctx context.Context, userID id.UserID, eventType string, payload map[string]any) error {
	return nil
}

// Log writes events to the structured log instead of a broker.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Notify(ctx context.Context, userID id.UserID, eventType string, payload map[string]any) error {
	l.logger.InfoContext(ctx, "notification",
		slog.String("user_id", userID.String()),
		slog.String("event_type", eventType),
		slog.Any("payload", payload),
	)
	return nil
}
