package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// WebhookConfig holds webhook sender configuration
type WebhookConfig struct {
	// URL is the destination endpoint
	URL string

	// Secret, when set, signs each payload with HMAC-SHA256 and sends
	// the hex digest in the signature header
	Secret string

	// SignatureHeader defaults to X-Signature-256
	SignatureHeader string
}

// WebhookSender POSTs JSON messages to an HTTP endpoint.
type WebhookSender struct {
	config WebhookConfig
	client *http.Client
}

// NewWebhookSender creates a webhook sender.
func NewWebhookSender(config WebhookConfig) (*WebhookSender, error) {
	parsed, err := url.Parse(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("webhook URL must use http or https scheme")
	}
	if config.SignatureHeader == "" {
		config.SignatureHeader = "X-Signature-256"
	}

	return &WebhookSender{
		config: config,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

// Name returns the channel name.
func (s *WebhookSender) Name() string { return "webhook" }

// Send delivers one message. Non-2xx responses are errors.
func (s *WebhookSender) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if s.config.Secret != "" {
		mac := hmac.New(sha256.New, []byte(s.config.Secret))
		mac.Write(payload)
		req.Header.Set(s.config.SignatureHeader, "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
