package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/johnayoung/go-candle-pipeline/internal/errors"
)

// WebhookNotifier posts the alert text as a form field with a bearer token,
// the way LINE Notify style endpoints expect it.
type WebhookNotifier struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewWebhookNotifier creates a notifier posting to endpoint. A nil client
// gets a 10 second timeout.
func NewWebhookNotifier(endpoint, token string, client *http.Client) (*WebhookNotifier, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("%w: webhook endpoint is required", apperrors.ErrConfiguration)
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("%w: invalid webhook endpoint: %v", apperrors.ErrConfiguration, err)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{endpoint: endpoint, token: token, client: client}, nil
}

// Notify posts message. Any non-2xx response is an error.
func (w *WebhookNotifier) Notify(ctx context.Context, pipelineID string, severity apperrors.Severity, message string) error {
	form := url.Values{}
	form.Set("message", message)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook alert for %s failed: %w", pipelineID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook alert for %s rejected: HTTP %d: %s", pipelineID, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

var _ Notifier = (*WebhookNotifier)(nil)
