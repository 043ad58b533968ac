// Package slack provides Slack notification sending via Incoming Webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gatewarden/gatewarden/internal/domain"
	"github.com/gatewarden/gatewarden/internal/escalation"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultUsername = "gatewarden"
)

// Config holds Slack sender configuration.
type Config struct {
	Enabled    bool
	WebhookURL string
	Username   string
	IconURL    string
	Timeout    time.Duration
}

// Sender implements Slack notification sending via Incoming Webhooks.
type Sender struct {
	config     Config
	httpClient *http.Client
}

// NewSender creates a new Slack sender. Returns error if enabled but required
// config is missing.
func NewSender(config Config) (*Sender, error) {
	if config.Enabled && config.WebhookURL == "" {
		return nil, errors.New("slack sender: webhook URL is required when enabled")
	}
	if config.Username == "" {
		config.Username = defaultUsername
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	return &Sender{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

// Channel returns the alerting channel.
func (s *Sender) Channel() domain.Channel {
	return domain.ChannelSlack
}

type webhookPayload struct {
	Text     string `json:"text"`
	Username string `json:"username,omitempty"`
	IconURL  string `json:"icon_url,omitempty"`
}

// Send posts a message to the configured webhook.
func (s *Sender) Send(ctx context.Context, notification escalation.Notification) error {
	if !s.config.Enabled {
		slog.Warn("slack sender disabled, skipping send", "subject", notification.Subject)
		return nil
	}

	payload := webhookPayload{
		Username: s.config.Username,
		IconURL:  s.config.IconURL,
	}
	if notification.Subject != "" {
		payload.Text = fmt.Sprintf("*%s*\n\n%s", notification.Subject, notification.Body)
	} else {
		payload.Text = notification.Body
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return escalation.NewRetryableError(fmt.Errorf("send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	return s.handleResponse(resp)
}

func (s *Sender) handleResponse(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		slog.Debug("slack message sent", "webhook", maskWebhookURL(s.config.WebhookURL))
		return nil

	case http.StatusBadRequest:
		return escalation.NewPermanentError(fmt.Errorf("bad request: %s", body))

	case http.StatusUnauthorized, http.StatusForbidden:
		return escalation.NewPermanentError(errors.New("invalid or expired webhook"))

	case http.StatusNotFound:
		return escalation.NewPermanentError(errors.New("webhook not found"))

	case http.StatusTooManyRequests:
		return escalation.NewRetryableError(errors.New("rate limited"))

	default:
		if resp.StatusCode >= 500 {
			return escalation.NewRetryableError(fmt.Errorf("server error %d: %s", resp.StatusCode, body))
		}
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}
}

// maskWebhookURL hides part of the URL for logging.
func maskWebhookURL(url string) string {
	if len(url) > 40 {
		return url[:20] + "..." + url[len(url)-10:]
	}
	return url
}
