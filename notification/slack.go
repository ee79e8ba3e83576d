package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"krai.services/engine/config"
	"krai.services/engine/db"
)

// webhookPrefix is the only accepted webhook host; anything else is
// rejected before a byte leaves the process.
const webhookPrefix = "https://hooks.slack.com/"

// SlackSink posts alert messages to Slack incoming webhooks. Rate
// limited posts (429) are retried with bounded exponential backoff.
type SlackSink struct {
	cfg    config.SlackConfig
	client *http.Client

	// post and baseBackoff are swappable for tests.
	post        func(ctx context.Context, url string, msg *slack.WebhookMessage) error
	baseBackoff time.Duration
}

// NewSlackSink returns a sink bound to the Slack retry settings.
func NewSlackSink(cfg config.SlackConfig) *SlackSink {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sink := &SlackSink{
		cfg:         cfg,
		client:      &http.Client{Timeout: timeout},
		baseBackoff: time.Second,
	}
	sink.post = func(ctx context.Context, url string, msg *slack.WebhookMessage) error {
		return slack.PostWebhookCustomHTTPContext(ctx, url, sink.client, msg)
	}
	return sink
}

// Name implements Sink.
func (s *SlackSink) Name() string { return "slack" }

// Send implements Sink. Recipients are webhook URLs from the rule;
// URLs outside hooks.slack.com are skipped.
func (s *SlackSink) Send(ctx context.Context, alert *db.Alert, recipients []string) error {
	msg := webhookMessage(alert)
	var firstErr error
	for _, url := range recipients {
		if !strings.HasPrefix(url, webhookPrefix) {
			continue
		}
		if err := s.postWithRetry(ctx, url, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *SlackSink) postWithRetry(ctx context.Context, url string, msg *slack.WebhookMessage) error {
	backoff := s.baseBackoff
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		lastErr = s.post(ctx, url, msg)
		if lastErr == nil {
			return nil
		}
		var statusErr slack.StatusCodeError
		if !errors.As(lastErr, &statusErr) || statusErr.Code != http.StatusTooManyRequests {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("slack webhook rate limited after %d retries: %w", s.cfg.MaxRetries, lastErr)
}

func webhookMessage(alert *db.Alert) *slack.WebhookMessage {
	color := severityColor(alert.Severity)
	return &slack.WebhookMessage{
		Text: fmt.Sprintf("[%s] %s", strings.ToUpper(alert.Severity), alert.Title),
		Attachments: []slack.Attachment{{
			Color: color,
			Text:  alert.Message,
			Fields: []slack.AttachmentField{
				{Title: "Severity", Value: alert.Severity, Short: true},
				{Title: "Occurrences", Value: fmt.Sprintf("%d", alert.AggregationCount), Short: true},
				{Title: "First seen", Value: alert.FirstOccurrence.UTC().Format(time.RFC3339), Short: true},
				{Title: "Last seen", Value: alert.LastOccurrence.UTC().Format(time.RFC3339), Short: true},
			},
		}},
	}
}

func severityColor(severity string) string {
	switch severity {
	case "critical":
		return "#d00000"
	case "high":
		return "#e85d04"
	case "medium":
		return "#faa307"
	case "low":
		return "#ffba08"
	default:
		return "#adb5bd"
	}
}
