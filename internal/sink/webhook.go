package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/clarita-9850/CMIPS-APPLICATION-sub004/internal/domain"
)

// Webhook POSTs one JSON notification per recipient to the notification
// collaborator's endpoint.
type Webhook struct {
	URL     string
	Timeout time.Duration

	client *http.Client
}

type webhookPayload struct {
	Recipient string                 `json:"recipient"`
	Event     domain.TransitionEvent `json:"event"`
}

func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{URL: url, Timeout: timeout, client: &http.Client{Timeout: timeout}}
}

func (w *Webhook) Deliver(ctx context.Context, recipient string, ev domain.TransitionEvent) error {
	body, err := json.Marshal(webhookPayload{Recipient: recipient, Event: ev})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notification POST failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("notification endpoint returned HTTP %d: %s", resp.StatusCode, string(b))
	}
	return nil
}
