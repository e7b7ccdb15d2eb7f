package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/phuslu/log"
)

// WebhookAlerter posts a JSON payload to an arbitrary HTTP endpoint.
type WebhookAlerter struct {
	URL     string
	Headers map[string]string
	client  *http.Client
}

// NewWebhookAlerter returns a WebhookAlerter posting to url.
func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{
		URL:     url,
		Headers: make(map[string]string),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Alert posts entry to the configured URL.
func (w *WebhookAlerter) Alert(ctx context.Context, entry DLQEntry) error {
	data, err := json.Marshal(map[string]any{
		"type":        "job_failed_permanently",
		"workflow_id": entry.WorkflowID,
		"job_name":    entry.JobName,
		"error":       entry.Error,
		"attempts":    entry.Attempts,
		"failed_at":   entry.FailedAt,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, strings.NewReader(string(data)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// SlackAlerter posts a formatted message to a Slack incoming webhook.
type SlackAlerter struct {
	WebhookURL string
	Channel    string
	client     *http.Client
}

// NewSlackAlerter returns a SlackAlerter posting to webhookURL.
func NewSlackAlerter(webhookURL, channel string) *SlackAlerter {
	return &SlackAlerter{
		WebhookURL: webhookURL,
		Channel:    channel,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Alert posts entry to the configured Slack webhook.
func (s *SlackAlerter) Alert(ctx context.Context, entry DLQEntry) error {
	text := fmt.Sprintf(":x: *Job failed permanently*\n"+
		"Workflow: `%s`\nJob: `%s`\nError: %s\nAttempts: %d\nFailed at: %s",
		entry.WorkflowID, entry.JobName, entry.Error, entry.Attempts,
		entry.FailedAt.Format(time.RFC3339))

	payload := map[string]any{"text": text}
	if s.Channel != "" {
		payload["channel"] = s.Channel
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, strings.NewReader(string(data)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// LogAlerter writes a structured log line via phuslu/log instead of the
// teacher's printf-style callback, matching this codebase's logging idiom.
type LogAlerter struct{}

// Alert logs entry at warn level.
func (LogAlerter) Alert(ctx context.Context, entry DLQEntry) error {
	log.Warn().
		Str("workflow_id", entry.WorkflowID).
		Str("job_name", entry.JobName).
		Str("error", entry.Error).
		Int("attempts", entry.Attempts).
		Msg("job failed permanently, moved to dead-letter queue")
	return nil
}

// CallbackAlerter invokes an arbitrary function, e.g. to increment a
// metrics counter.
type CallbackAlerter struct {
	Callback func(entry DLQEntry)
}

// Alert calls the configured callback.
func (c *CallbackAlerter) Alert(ctx context.Context, entry DLQEntry) error {
	c.Callback(entry)
	return nil
}
