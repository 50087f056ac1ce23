// Package platform contains external publish-target adapters.
package platform

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

// RESTPlatform publishes intents to a platform's HTTP API. The response body
// carries the external identity of the published content.
type RESTPlatform struct {
	name     string
	endpoint string
	client   *http.Client
}

// NewRESTPlatform constructs an adapter named name posting to endpoint.
func NewRESTPlatform(name, endpoint string) *RESTPlatform {
	return &RESTPlatform{
		name:     name,
		endpoint: endpoint,
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Name implements domain.PlatformAdapter.
func (p *RESTPlatform) Name() string { return p.name }

// Publish implements domain.PlatformAdapter. Non-2xx responses keep the
// status code in the error text so retry classification sees 429/502/503.
func (p *RESTPlatform) Publish(ctx domain.Context, intent domain.PublishIntent) (domain.PublishResult, error) {
	body, err := json.Marshal(map[string]any{
		"intent_id": intent.ID,
		"org_id":    intent.OrgID,
		"platform":  intent.Platform,
	})
	if err != nil {
		return domain.PublishResult{}, fmt.Errorf("op=platform.Publish: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.PublishResult{}, fmt.Errorf("op=platform.Publish: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", intent.ID)

	resp, err := p.client.Do(req)
	if err != nil {
		return domain.PublishResult{}, fmt.Errorf("op=platform.Publish: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.PublishResult{}, fmt.Errorf("op=platform.Publish: %s: status %d: %s", p.name, resp.StatusCode, snippet)
	}

	var out struct {
		ExternalID  string         `json:"external_id"`
		ExternalURL string         `json:"external_url"`
		Metadata    map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return domain.PublishResult{}, fmt.Errorf("op=platform.Publish: decode: %w", err)
	}
	if out.ExternalID == "" {
		return domain.PublishResult{}, domain.NoRetry(fmt.Errorf("op=platform.Publish: %s: response missing external_id", p.name))
	}
	return domain.PublishResult{
		ExternalID:  out.ExternalID,
		ExternalURL: out.ExternalURL,
		Metadata:    out.Metadata,
	}, nil
}
