package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/slack-go/slack"

	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/config"
)

// Notifier sends notifications to a Slack incoming webhook
type Notifier struct {
	config     *config.SlackConfig
	httpClient *http.Client
}

// New creates a new Slack notifier
func New(cfg *config.SlackConfig) *Notifier {
	if cfg == nil {
		cfg = &config.SlackConfig{Enabled: false}
	}
	return &Notifier{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// IsEnabled returns true if notifications are enabled
func (n *Notifier) IsEnabled() bool {
	return n.config != nil && n.config.Enabled && n.config.WebhookURL != ""
}

// HardStop sends a notification for an entity parked in the hard-stop channel
func (n *Notifier) HardStop(ctx context.Context, pipeline, entity, stage, cause string, retryCount int) error {
	if !n.IsEnabled() {
		return nil
	}

	msg := n.message(":octagonal_sign:", fmt.Sprintf("%s: %s needs manual review", pipeline, entity), slack.Attachment{
		Color: "#dc3545", // red
		Title: "Hard Stop",
		Fields: []slack.AttachmentField{
			{Title: "Pipeline", Value: pipeline, Short: true},
			{Title: "Entity", Value: entity, Short: true},
			{Title: "Stage", Value: stage, Short: true},
			{Title: "Retries", Value: strconv.Itoa(retryCount), Short: true},
			{Title: "Error", Value: truncate(cause, 500), Short: false},
		},
	})
	return n.send(ctx, msg)
}

// RunCompleted sends notification when a run completes
func (n *Notifier) RunCompleted(ctx context.Context, pipeline string, startedAt time.Time, processed, secondary, errors int64) error {
	if !n.IsEnabled() {
		return nil
	}

	color := "#36a64f" // green
	icon := ":white_check_mark:"
	if errors > 0 {
		color = "#ffc107" // yellow
		icon = ":warning:"
	}
	header := fmt.Sprintf("Dataflow %s completed. Processed %s records with %s errors.",
		pipeline, formatNumberWithCommas(processed), formatNumberWithCommas(errors))

	fields := []slack.AttachmentField{
		{Title: "Pipeline", Value: pipeline, Short: true},
		{Title: "Processed", Value: formatNumberWithCommas(processed), Short: true},
	}
	if secondary > 0 {
		fields = append(fields, slack.AttachmentField{Title: "Secondary", Value: formatNumberWithCommas(secondary), Short: true})
	}
	fields = append(fields, slack.AttachmentField{Title: "Errors", Value: formatNumberWithCommas(errors), Short: true})
	if !startedAt.IsZero() {
		fields = append(fields,
			slack.AttachmentField{Title: "Started", Value: startedAt.UTC().Format("2006-01-02 15:04:05 UTC"), Short: true},
			slack.AttachmentField{Title: "Duration", Value: formatDuration(time.Since(startedAt)), Short: true},
		)
	}

	return n.send(ctx, n.message(icon, header, slack.Attachment{Color: color, Fields: fields}))
}

// StartFailed sends notification when the dispatcher could not start a run
func (n *Notifier) StartFailed(ctx context.Context, pipeline string, err error) error {
	if !n.IsEnabled() {
		return nil
	}

	errMsg := "Unknown error"
	if err != nil {
		errMsg = truncate(err.Error(), 500)
	}
	msg := n.message(":x:", "", slack.Attachment{
		Color: "#dc3545", // red
		Title: "Dataflow Start Failed",
		Fields: []slack.AttachmentField{
			{Title: "Pipeline", Value: pipeline, Short: true},
			{Title: "Error", Value: errMsg, Short: false},
		},
	})
	return n.send(ctx, msg)
}

func (n *Notifier) message(icon, text string, att slack.Attachment) *slack.WebhookMessage {
	att.Footer = "dataflows"
	att.Ts = json.Number(strconv.FormatInt(time.Now().Unix(), 10))
	return &slack.WebhookMessage{
		Channel:     n.config.Channel,
		Username:    n.getUsername(),
		IconEmoji:   icon,
		Text:        text,
		Attachments: []slack.Attachment{att},
	}
}

func (n *Notifier) send(ctx context.Context, msg *slack.WebhookMessage) error {
	if err := slack.PostWebhookCustomHTTPContext(ctx, n.config.WebhookURL, n.httpClient, msg); err != nil {
		return fmt.Errorf("sending to Slack: %w", err)
	}
	return nil
}

func (n *Notifier) getUsername() string {
	if n.config.Username != "" {
		return n.config.Username
	}
	return "dataflows"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func formatNumberWithCommas(n int64) string {
	str := strconv.FormatInt(n, 10)
	if len(str) <= 3 {
		return str
	}

	var result []byte
	for i, c := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	return string(result)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
