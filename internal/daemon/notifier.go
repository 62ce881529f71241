package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/al-bashkir/session-lease/internal/logsanitize"
)

const webhookTimeout = 5 * time.Second

// LogoutEvent is the JSON body POSTed to the logout webhook.
type LogoutEvent struct {
	Event   string `json:"event"`
	Reason  string `json:"reason"`
	EndedAt string `json:"ended_at"`
}

// Webhook POSTs logout events to a fixed URL.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a Webhook for url.
func NewWebhook(url string) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: webhookTimeout},
	}
}

// Notify sends ev. Any 2xx answer is success.
func (w *Webhook) Notify(ctx context.Context, ev LogoutEvent) error {
	if ev.Event == "" {
		ev.Event = "session_logout"
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode logout event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		slog.Warn("logout webhook rejected event",
			"status", resp.StatusCode,
			"body", logsanitize.Sanitize(string(data)),
		)
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}

	slog.Info("logout webhook notified", "reason", ev.Reason)
	return nil
}
