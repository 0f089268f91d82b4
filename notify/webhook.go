/*
Package notify delivers billing callbacks over HTTP.

PURPOSE:
  Implements billing.Notifier with JSON POST webhooks. The engine calls
  Notify after a transaction commits to tell the originating system that
  an invoice was settled (payment callback) or that a credit absorbed
  it (cancel callback). Delivery is best-effort: the caller logs
  failures and moves on, committed documents are never rolled back over
  a webhook.

SEE ALSO:
  - billing/resolver.go: the Notifier interface
  - billing/engine.go: where notifications are queued and delivered
*/
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/meridian/billing-engine/billing"
)

const defaultTimeout = 15 * time.Second

// Webhook posts JSON payloads to callback URLs.
type Webhook struct {
	client *http.Client
}

// NewWebhook builds a notifier with the default 15s timeout.
func NewWebhook() *Webhook {
	return &Webhook{client: &http.Client{Timeout: defaultTimeout}}
}

// NewWebhookWithClient builds a notifier around a custom client, used
// by tests to point at an httptest server.
func NewWebhookWithClient(client *http.Client) *Webhook {
	return &Webhook{client: client}
}

// Notify posts the payload to url. The notification kind travels in the
// X-Billing-Notification header; a non-2xx response is an error.
func (w *Webhook) Notify(ctx context.Context, url string, kind billing.NotificationKind, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Billing-Notification", string(kind))

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver %s notification: %w", kind, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s notification to %s returned status %d", kind, url, resp.StatusCode)
	}
	return nil
}
