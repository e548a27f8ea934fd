package notify

import (
	"context"
	"log/slog"

	"insiderwatch/internal/model"
)

// Log writes alerts to the process log. It is the development default.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Notify(ctx context.Context, msg model.Notification) error {
	l.logger.WarnContext(ctx, "alert notification",
		"alert_id", msg.AlertID,
		"recipient", msg.Recipient,
		"subject", msg.Subject,
		"body", msg.Text,
	)
	return nil
}
