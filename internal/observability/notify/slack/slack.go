// Package slack posts detection job failure alerts to a Slack incoming webhook.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/observability/notify"
)

// Config captures the subset of Slack webhook behaviour we need.
type Config struct {
	WebhookURL     string
	Channel        string
	Username       string
	Timeout        time.Duration
	RetryLimit     int
	Client         *http.Client
	ImageURLPrefix string
}

// Client delivers job failure notifications to a Slack webhook.
type Client struct {
	webhookURL     string
	channel        string
	username       string
	retryLimit     int
	imageURLPrefix string
	client         *http.Client
}

var _ notify.Sink = (*Client)(nil)

// NewClient builds a Slack webhook client.
func NewClient(cfg Config) (*Client, error) {
	webhookURL := strings.TrimSpace(cfg.WebhookURL)
	if webhookURL == "" {
		return nil, errors.New("slack webhook url is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}

	return &Client{
		webhookURL:     webhookURL,
		channel:        strings.TrimSpace(cfg.Channel),
		username:       fallbackString(strings.TrimSpace(cfg.Username), "polybot"),
		retryLimit:     max(cfg.RetryLimit, 0),
		imageURLPrefix: strings.TrimSpace(cfg.ImageURLPrefix),
		client:         hc,
	}, nil
}

// SendJobFailure posts a formatted message to Slack.
func (c *Client) SendJobFailure(ctx context.Context, payload notify.JobFailurePayload) error {
	body, err := json.Marshal(c.formatMessage(payload))
	if err != nil {
		return fmt.Errorf("encode slack payload: %w", err)
	}
	return notify.PostJSON(ctx, c.client, c.webhookURL, "slack webhook", body, c.retryLimit)
}

func (c *Client) formatMessage(payload notify.JobFailurePayload) map[string]any {
	timestamp := payload.OccurredAt
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	var text strings.Builder
	writeHeader(&text, payload)
	appendDetails(&text, payload, c.formatImageValue(payload.ImageKey))
	appendMetadata(&text, payload.Metadata)
	text.WriteString("• Timestamp: ")
	text.WriteString(timestamp.UTC().Format(time.RFC3339))

	msg := map[string]any{
		"text":     text.String(),
		"username": c.username,
	}
	if c.channel != "" {
		msg["channel"] = c.channel
	}
	return msg
}

func writeHeader(text *strings.Builder, payload notify.JobFailurePayload) {
	if payload.DeadLetter {
		text.WriteString("*Detection job dead-lettered*")
	} else {
		text.WriteString("*Detection job failing*")
	}
	if payload.JobID != "" {
		text.WriteString(" `")
		text.WriteString(escapeSlackText(payload.JobID))
		text.WriteByte('`')
	}
	text.WriteByte('\n')
}

func appendDetails(text *strings.Builder, payload notify.JobFailurePayload, image string) {
	chat := ""
	if payload.ChatID != 0 {
		chat = strconv.FormatInt(payload.ChatID, 10)
	}
	attempts := ""
	if payload.Attempts > 0 {
		attempts = strconv.Itoa(payload.Attempts)
	}

	fields := []struct {
		label string
		value string
	}{
		{"Severity", fallbackString(payload.Severity, notify.SeverityCritical)},
		{"Stage", payload.Stage},
		{"Attempts", attempts},
		{"Chat", chat},
		{"Image", image},
		{"Error class", payload.ErrorClass},
		{"Error", escapeSlackText(payload.Error)},
	}
	for _, field := range fields {
		if strings.TrimSpace(field.value) == "" {
			continue
		}
		text.WriteString("• ")
		text.WriteString(field.label)
		text.WriteString(": ")
		text.WriteString(field.value)
		text.WriteByte('\n')
	}
}

func appendMetadata(text *strings.Builder, metadata map[string]string) {
	if len(metadata) == 0 {
		return
	}
	text.WriteString("• Metadata:\n")
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(text, "    • %s: %s\n", k, escapeSlackText(metadata[k]))
	}
}

// formatImageValue renders the image key, linked when a prefix is configured.
func (c *Client) formatImageValue(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	label := escapeSlackText(key)
	link := c.buildImageLink(key)
	if link == "" {
		return label
	}
	return fmt.Sprintf("<%s|%s>", link, label)
}

func (c *Client) buildImageLink(key string) string {
	if c.imageURLPrefix == "" {
		return ""
	}
	u, err := url.Parse(c.imageURLPrefix)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	link, err := url.JoinPath(u.String(), strings.Split(key, "/")...)
	if err != nil {
		return ""
	}
	return link
}

func escapeSlackText(value string) string {
	if value == "" {
		return ""
	}
	return strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
	).Replace(value)
}

func fallbackString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
