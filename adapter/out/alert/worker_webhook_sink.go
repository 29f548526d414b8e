// Package alert delivers operator alerts to external channels.
package alert

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"mailpilot_worker/core/domain"
	"mailpilot_worker/pkg/httputil"
)

// WebhookSink POSTs alerts as JSON to a fixed URL.
type WebhookSink struct {
	url    string
	client *http.Client
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		client: httputil.NewOptimizedClient(httputil.WebhookClientConfig()),
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

type webhookPayload struct {
	Event string        `json:"event"`
	Alert *domain.Alert `json:"alert"`
	Text  string        `json:"text"`
}

func (s *WebhookSink) SendAlert(ctx context.Context, alert *domain.Alert) error {
	body, err := json.Marshal(webhookPayload{
		Event: "mailbox." + string(alert.Health),
		Alert: alert,
		Text:  plainText(alert),
	})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned %d", resp.StatusCode)
	}
	return nil
}

func plainText(a *domain.Alert) string {
	return fmt.Sprintf("[%s] %s: %s", a.Health, a.Email, a.Reason)
}
