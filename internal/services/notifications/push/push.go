// Package push delivers rendered notifications to an external push provider.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/louisbranch/embers/internal/platform/logging"
	"github.com/louisbranch/embers/internal/platform/timeouts"
	"github.com/louisbranch/embers/internal/services/notifications/domain"
)

// WebhookSender POSTs each push as JSON to a provider gateway.
type WebhookSender struct {
	url    string
	secret string
	client *http.Client
}

var _ domain.Sender = (*WebhookSender)(nil)

// NewWebhookSender creates a sender for url. A non-empty secret is sent as a
// bearer token.
func NewWebhookSender(url, secret string, client *http.Client) (*WebhookSender, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("push webhook url is required")
	}
	if client == nil {
		client = &http.Client{Timeout: timeouts.PushDelivery}
	}
	return &WebhookSender{url: url, secret: strings.TrimSpace(secret), client: client}, nil
}

// Send delivers one push. Refusals the provider will repeat, such as a 4xx
// other than 429, are marked rejected.
func (w *WebhookSender) Send(ctx context.Context, p domain.Push) error {
	body, err := json.Marshal(p)
	if err != nil {
		return domain.Rejected(0, fmt.Errorf("encode push: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, timeouts.PushDelivery)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set("Authorization", "Bearer "+w.secret)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("push request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &domain.DeliveryError{Status: resp.StatusCode, Err: fmt.Errorf("push provider returned %s", resp.Status)}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return domain.Rejected(resp.StatusCode, fmt.Errorf("push provider returned %s", resp.Status))
	default:
		return &domain.DeliveryError{Status: resp.StatusCode, Err: fmt.Errorf("push provider returned %s", resp.Status)}
	}
}

// LogSender only logs pushes. It stands in when no provider is configured.
type LogSender struct {
	logger *zap.Logger
}

var _ domain.Sender = (*LogSender)(nil)

// NewLogSender creates a log-only sender.
func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logging.OrNop(logger)}
}

// Send logs the push and always succeeds.
func (l *LogSender) Send(_ context.Context, p domain.Push) error {
	l.logger.Info("push",
		zap.String("user_id", p.UserID),
		zap.String("type", p.Type),
		zap.String("title", p.Title),
		zap.String("body", p.Body),
	)
	return nil
}
