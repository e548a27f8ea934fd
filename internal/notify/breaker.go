package notify

import (
	"context"
	"log/slog"

	gobreaker "github.com/sony/gobreaker/v2"

	"insiderwatch/internal/config"
	"insiderwatch/internal/engine"
	"insiderwatch/internal/model"
)

// Breaker stops calling a channel after repeated failures and fails fast
// until the open timeout passes.
type Breaker struct {
	next engine.Notifier
	cb   *gobreaker.CircuitBreaker[struct{}]
}

func NewBreaker(next engine.Notifier, cfg config.BreakerConfig, logger *slog.Logger) *Breaker {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	settings := gobreaker.Settings{
		Name:        "notify-" + next.Name(),
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("notification breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			}
		},
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker[struct{}](settings)}
}

func (b *Breaker) Name() string { return b.next.Name() }

func (b *Breaker) State() string { return b.cb.State().String() }

func (b *Breaker) Notify(ctx context.Context, msg model.Notification) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.next.Notify(ctx, msg)
	})
	return err
}
