// ABOUTME: Notifier that only logs, used when no outbox is configured
// ABOUTME: Keeps the dispatcher path identical in development setups

package notify

import (
	"context"
	"log/slog"
)

// LogNotifier records events in the log and always succeeds.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier. Pass nil logger for default.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notify.log")}
}

// Notify implements Notifier.
func (l *LogNotifier) Notify(ctx context.Context, ev Event) error {
	l.logger.Info("notification",
		"event_id", ev.ID,
		"kind", ev.Kind,
		"recipient", ev.Recipient,
		"conversation_id", ev.ConversationID,
		"connection_id", ev.ConnectionID)
	return nil
}
