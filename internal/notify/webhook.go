package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Sink delivers a single event to an external alerting target.
type Sink interface {
	Deliver(ctx context.Context, event Event) error
}

// WebhookSink posts events to a Discord-compatible webhook URL as a single
// embed. A non-2xx response counts as a delivery failure; the sink never
// retries.
type WebhookSink struct {
	URL    string
	Client *http.Client
	Clock  func() time.Time
}

// NewWebhookSink constructs a sink with a bounded-timeout HTTP client.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
		Clock:  time.Now,
	}
}

type webhookEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp"`
}

type webhookPayload struct {
	Embeds []webhookEmbed `json:"embeds"`
}

// Deliver posts the event to the webhook URL.
func (s *WebhookSink) Deliver(ctx context.Context, event Event) error {
	if strings.TrimSpace(s.URL) == "" {
		return fmt.Errorf("webhook url is required")
	}
	clock := s.Clock
	if clock == nil {
		clock = time.Now
	}
	payload := webhookPayload{
		Embeds: []webhookEmbed{{
			Title:       event.Title,
			Description: event.Description,
			Color:       event.Color(),
			Timestamp:   clock().UTC().Format(time.RFC3339),
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("webhook responded %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
