// Package notify holds the notification channels alerts are delivered
// through.
package notify

import (
	"fmt"
	"log/slog"
	"strings"

	"insiderwatch/internal/config"
	"insiderwatch/internal/engine"
)

// New builds the configured channel, wrapped in a circuit breaker when
// notify.breaker.enabled is set.
func New(cfg config.NotifyConfig, logger *slog.Logger) (engine.Notifier, error) {
	var n engine.Notifier
	switch strings.ToLower(cfg.Driver) {
	case "", "log":
		n = NewLog(logger)
	case "email":
		n = NewEmail(cfg.Email, cfg.Timeout)
	case "webhook":
		w, err := NewWebhook(cfg.Webhook, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		n = w
	default:
		return nil, fmt.Errorf("unsupported notify driver %q", cfg.Driver)
	}
	if cfg.Breaker.Enabled {
		n = NewBreaker(n, cfg.Breaker, logger)
	}
	return n, nil
}
