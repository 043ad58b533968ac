// Package pager provides paging via a PagerDuty-compatible events webhook.
package pager

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
	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultRateLimit = 2 // events per second
)

// Config holds pager sender configuration.
type Config struct {
	Enabled    bool
	WebhookURL string
	RoutingKey string
	// RateLimit caps outbound events per second. 0 uses the default.
	RateLimit float64
	Timeout   time.Duration
}

// Sender implements paging via an events webhook.
type Sender struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewSender creates a new pager sender. Returns error if enabled but required
// config is missing.
func NewSender(config Config) (*Sender, error) {
	if config.Enabled {
		if config.WebhookURL == "" {
			return nil, errors.New("pager sender: webhook URL is required when enabled")
		}
		if config.RoutingKey == "" {
			return nil, errors.New("pager sender: routing key is required when enabled")
		}
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.RateLimit == 0 {
		config.RateLimit = defaultRateLimit
	}

	slog.Info("pager sender configured",
		"enabled", config.Enabled,
		"rate_limit", config.RateLimit,
	)

	return &Sender{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimit), 1),
	}, nil
}

// Channel returns the alerting channel.
func (s *Sender) Channel() domain.Channel {
	return domain.ChannelPage
}

type eventPayload struct {
	RoutingKey  string `json:"routing_key"`
	EventAction string `json:"event_action"`
	Payload     struct {
		Summary  string `json:"summary"`
		Source   string `json:"source"`
		Severity string `json:"severity"`
		Details  string `json:"custom_details,omitempty"`
	} `json:"payload"`
}

// Send triggers one page.
func (s *Sender) Send(ctx context.Context, notification escalation.Notification) error {
	if !s.config.Enabled {
		slog.Warn("pager sender disabled, skipping send", "subject", notification.Subject)
		return nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return escalation.NewRetryableError(fmt.Errorf("rate limiter: %w", err))
	}

	payload := eventPayload{
		RoutingKey:  s.config.RoutingKey,
		EventAction: "trigger",
	}
	payload.Payload.Summary = notification.Subject
	payload.Payload.Source = "gatewarden"
	payload.Payload.Severity = "critical"
	payload.Payload.Details = notification.Body

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

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		slog.Debug("page sent")
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return escalation.NewRetryableError(fmt.Errorf("pager rate limited: %s", body))
	case resp.StatusCode >= 500:
		return escalation.NewRetryableError(fmt.Errorf("pager server error %d: %s", resp.StatusCode, body))
	default:
		return escalation.NewPermanentError(fmt.Errorf("pager error %d: %s", resp.StatusCode, body))
	}
}
