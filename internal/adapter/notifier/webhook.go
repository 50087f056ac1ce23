// Package notifier provides the built-in send adapters: webhook delivery over
// HTTP and a log-only adapter for development.
package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/workfabric/internal/domain"
)

// WebhookNotifier posts the notification payload to the tenant's webhook URL.
// The URL comes from the payload's webhook_url field, falling back to the
// configured default endpoint.
type WebhookNotifier struct {
	client   *http.Client
	endpoint string
}

// NewWebhookNotifier constructs a webhook adapter. The HTTP client is traced.
func NewWebhookNotifier(endpoint string) *WebhookNotifier {
	return &WebhookNotifier{
		client: &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		endpoint: endpoint,
	}
}

// Channel implements domain.SendAdapter.
func (w *WebhookNotifier) Channel() string { return "webhook" }

// Send implements domain.SendAdapter. Non-2xx responses are failures; the
// status code is kept in the error so retry classification sees 429/502/503.
func (w *WebhookNotifier) Send(ctx domain.Context, msg domain.SendMessage) domain.SendResult {
	url := w.endpoint
	if u, ok := msg.Payload["webhook_url"].(string); ok && u != "" {
		url = u
	}
	if url == "" {
		return domain.SendResult{Err: fmt.Errorf("op=notifier.webhook: no target url: %w", domain.ErrInvalidArgument)}
	}

	body, err := json.Marshal(map[string]any{
		"notification_id": msg.NotificationID,
		"template":        msg.Template,
		"payload":         msg.Payload,
	})
	if err != nil {
		return domain.SendResult{Err: fmt.Errorf("op=notifier.webhook: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return domain.SendResult{Err: fmt.Errorf("op=notifier.webhook: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Notification-ID", msg.NotificationID)

	resp, err := w.client.Do(req)
	if err != nil {
		return domain.SendResult{Err: fmt.Errorf("op=notifier.webhook: %w", err)}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.SendResult{Err: fmt.Errorf("op=notifier.webhook: status %d", resp.StatusCode)}
	}
	return domain.SendResult{Success: true, ProviderID: resp.Header.Get("X-Request-Id")}
}
