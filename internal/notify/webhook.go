package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"insiderwatch/internal/config"
	"insiderwatch/internal/model"
)

type webhookPayload struct {
	AlertID   string    `json:"alert_id"`
	Recipient string    `json:"recipient,omitempty"`
	Subject   string    `json:"subject"`
	Text      string    `json:"text"`
	HTML      string    `json:"html,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

// Webhook POSTs alerts as JSON. Sends are spaced by the configured rate
// limit.
type Webhook struct {
	url     string
	headers map[string]string
	client  *http.Client
	limiter *rate.Limiter
}

func NewWebhook(cfg config.WebhookConfig, timeout time.Duration) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook: url is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Every(cfg.RateLimit)
	}
	return &Webhook{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Notify(ctx context.Context, msg model.Notification) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook: rate limit: %w", err)
	}
	body, err := json.Marshal(webhookPayload{
		AlertID:   msg.AlertID,
		Recipient: msg.Recipient,
		Subject:   msg.Subject,
		Text:      msg.Text,
		HTML:      msg.HTML,
		SentAt:    time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "insiderwatch/1.0")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook: status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
