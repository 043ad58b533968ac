// Package rollback remediates incidents by rolling deployments back to their
// last revision confirmed healthy. Rollbacks are coalesced per deployment and
// the incident state machine tracks ownership while one is in flight.
package rollback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gatewarden/gatewarden/internal/domain"
)

// Target performs rollbacks against the deployment platform.
type Target interface {
	// Rollback moves the deployment to the given revision.
	Rollback(ctx context.Context, deploymentID, revision string) error
	// Health reports the deployment's current coarse health.
	Health(ctx context.Context, deploymentID string) (domain.HealthState, error)
}

// HTTPTarget talks to a deployment-platform adapter over HTTP.
type HTTPTarget struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPTarget creates a target for the adapter at baseURL.
func NewHTTPTarget(baseURL, token string, timeout time.Duration) *HTTPTarget {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTarget{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// Rollback requests a rollback of the deployment to the given revision.
func (t *HTTPTarget) Rollback(ctx context.Context, deploymentID, revision string) error {
	body, err := json.Marshal(map[string]string{"revision": revision})
	if err != nil {
		return fmt.Errorf("marshal rollback request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/deployments/%s/rollback", t.baseURL, url.PathEscape(deploymentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create rollback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("execute rollback request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("rollback request returned %d: %s", resp.StatusCode, payload)
	}
	return nil
}

// Health fetches the deployment's health from the adapter.
func (t *HTTPTarget) Health(ctx context.Context, deploymentID string) (domain.HealthState, error) {
	endpoint := fmt.Sprintf("%s/deployments/%s/health", t.baseURL, url.PathEscape(deploymentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("create health request: %w", err)
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("execute health request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("health request returned %d", resp.StatusCode)
	}

	var payload struct {
		Health domain.HealthState `json:"health"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode health response: %w", err)
	}
	if payload.Health == "" {
		return "", errors.New("health response missing health field")
	}
	return payload.Health, nil
}
