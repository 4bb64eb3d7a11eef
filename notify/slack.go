package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SlackConfig holds Slack sender configuration
type SlackConfig struct {
	// WebhookURL is the incoming-webhook endpoint
	WebhookURL string

	// Username overrides the webhook's display name
	Username string

	// IconEmoji overrides the webhook's icon, e.g. ":moneybag:"
	IconEmoji string
}

// slackPayload is the incoming-webhook wire format.
type slackPayload struct {
	Text      string `json:"text"`
	Username  string `json:"username,omitempty"`
	IconEmoji string `json:"icon_emoji,omitempty"`
}

// SlackSender posts messages to a Slack incoming webhook.
type SlackSender struct {
	config SlackConfig
	client *http.Client
}

// NewSlackSender creates a Slack sender.
func NewSlackSender(config SlackConfig) (*SlackSender, error) {
	if !strings.HasPrefix(config.WebhookURL, "https://") && !strings.HasPrefix(config.WebhookURL, "http://") {
		return nil, fmt.Errorf("invalid Slack webhook URL")
	}
	if config.Username == "" {
		config.Username = "Pool Watch"
	}

	return &SlackSender{
		config: config,
		client: &http.Client{},
	}, nil
}

// Name returns the channel name.
func (s *SlackSender) Name() string { return "slack" }

// Send delivers one message as a single-line Slack post.
func (s *SlackSender) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(slackPayload{
		Text:      fmt.Sprintf("*%s*: %s", msg.Title, msg.Body),
		Username:  s.config.Username,
		IconEmoji: s.config.IconEmoji,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}
	return nil
}
