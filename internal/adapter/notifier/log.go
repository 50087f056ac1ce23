package notifier

import (
	"log/slog"

	"github.com/fairyhunter13/workfabric/internal/domain"
)

// LogNotifier logs instead of delivering. Wired for channels that have no
// provider configured, typically in dev.
type LogNotifier struct {
	channel string
}

// NewLogNotifier constructs a log adapter claiming the given channel.
func NewLogNotifier(channel string) *LogNotifier { return &LogNotifier{channel: channel} }

// Channel implements domain.SendAdapter.
func (l *LogNotifier) Channel() string { return l.channel }

// Send implements domain.SendAdapter and always succeeds.
func (l *LogNotifier) Send(ctx domain.Context, msg domain.SendMessage) domain.SendResult {
	logger := slog.Default()
	logger.InfoContext(ctx, "notification (log adapter)",
		slog.String("notification_id", msg.NotificationID),
		slog.String("channel", l.channel),
		slog.String("user_id", msg.UserID),
		slog.String("template", msg.Template))
	return domain.SendResult{Success: true, ProviderID: "log"}
}
