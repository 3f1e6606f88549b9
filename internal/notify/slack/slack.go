// Package slack announces scheduled meetings to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/muster/internal/alert"
	"github.com/linnemanlabs/muster/internal/meeting"
)

const (
	maxWhyLen   = 3000
	httpTimeout = 10 * time.Second
)

// Notifier sends meeting announcements to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// Enabled reports whether a webhook URL is configured.
func (n *Notifier) Enabled() bool { return n != nil && n.webhookURL != "" }

// Send posts a meeting context to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Send(ctx context.Context, mc *meeting.Context) error {
	if !n.Enabled() {
		return nil
	}

	body, err := json.Marshal(buildMessage(mc))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	n.logger.Info(ctx, "slack notification sent", "meeting_id", mc.MeetingID)
	return nil
}

func buildMessage(mc *meeting.Context) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(mc),
			{"type": "divider"},
			fieldsBlock(mc),
			{"type": "divider"},
			whyBlock(mc),
			{"type": "divider"},
			contextBlock(mc),
		},
	}
}

func headerBlock(mc *meeting.Context) map[string]any {
	text := fmt.Sprintf("%s Meeting Scheduled: %s", severityEmoji(mc.Severity), mc.Title)
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(mc *meeting.Context) map[string]any {
	join := mc.MeetingURL
	if join == "" {
		join = "_pending_"
	} else {
		join = fmt.Sprintf("<%s|Join meeting>", join)
	}
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Alert:* %s", mc.AlertID),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Type:* %s", alert.TitleCase(mc.AlertType)),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Urgency:* %s (%.2f)", mc.Urgency.Level, mc.Urgency.Score),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Respond:* %s", mc.Urgency.RecommendedResponseTime),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Duration:* %s", mc.RecommendedDuration),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Link:* %s", join),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func whyBlock(mc *meeting.Context) map[string]any {
	text := truncate(mc.WhyScheduled, maxWhyLen)
	if text == "" {
		text = "_No explanation available._"
	}
	if len(mc.SuggestedAttendees) > 0 {
		text += "\n\n*Attendees:* " + strings.Join(mc.SuggestedAttendees, ", ")
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Why this meeting*\n\n%s", text),
		},
	}
}

func contextBlock(mc *meeting.Context) map[string]any {
	ts := mc.ScheduledTime
	if ts.IsZero() {
		ts = mc.CreatedAt
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("muster • meeting %s • %s", mc.MeetingID, ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func severityEmoji(sev alert.Severity) string {
	switch sev {
	case alert.SeverityCritical, alert.SeverityHigh:
		return "\U0001f534" // red circle
	case alert.SeverityMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

// truncate cuts s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	for cut > 0 && !utf8RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }
