package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/miradorstack/mirador-remediate/internal/models"
)

// Health reports the simulated fleet service's own health.
type Health struct {
	Status        string
	FleetSize     int
	UptimeSeconds float64
}

// DeployOutcome reports per-system acceptance of a staged deploy.
type DeployOutcome struct {
	UpdateID string
	Version  string
	Accepted map[string]bool
}

// Client wraps the simulated infrastructure fleet HTTP API.
type Client struct {
	baseURL             string
	healthPath          string
	metricsPath         string
	deployPath          string
	rollbackPath        string
	simulateFailurePath string
	httpClient          *http.Client
}

// NewClient constructs a client targeting the configured fleet service.
func NewClient(baseURL, healthPath, metricsPath, deployPath, rollbackPath, simulateFailurePath string, timeout time.Duration) *Client {
	return &Client{
		baseURL:             strings.TrimRight(baseURL, "/"),
		healthPath:          healthPath,
		metricsPath:         metricsPath,
		deployPath:          deployPath,
		rollbackPath:        rollbackPath,
		simulateFailurePath: simulateFailurePath,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// CheckHealth verifies the fleet service is reachable and serving.
func (c *Client) CheckHealth(ctx context.Context) (*Health, error) {
	if c == nil {
		return nil, fmt.Errorf("fleet client not initialised")
	}
	if c.baseURL == "" {
		return nil, fmt.Errorf("fleet base URL not configured")
	}

	var response struct {
		Status        string  `json:"status"`
		FleetSize     int     `json:"fleet_size"`
		UptimeSeconds float64 `json:"uptime_seconds"`
	}

	if err := c.getJSON(ctx, c.resolvePath(c.healthPath), &response); err != nil {
		return nil, fmt.Errorf("fleet health request failed: %w", err)
	}
	if response.Status != "ok" {
		return nil, fmt.Errorf("fleet reported status %q", response.Status)
	}
	return &Health{
		Status:        response.Status,
		FleetSize:     response.FleetSize,
		UptimeSeconds: response.UptimeSeconds,
	}, nil
}

// FetchMetrics returns the latest samples across the whole fleet.
func (c *Client) FetchMetrics(ctx context.Context) ([]models.MetricSample, error) {
	return c.fetchMetrics(ctx, "")
}

// FetchSystemMetrics returns the latest samples for a single system.
func (c *Client) FetchSystemMetrics(ctx context.Context, systemID string) ([]models.MetricSample, error) {
	if strings.TrimSpace(systemID) == "" {
		return nil, fmt.Errorf("system id required")
	}
	return c.fetchMetrics(ctx, systemID)
}

func (c *Client) fetchMetrics(ctx context.Context, systemID string) ([]models.MetricSample, error) {
	if c == nil {
		return nil, fmt.Errorf("fleet client not initialised")
	}
	if c.baseURL == "" {
		return nil, fmt.Errorf("fleet base URL not configured")
	}

	endpoint := c.resolvePath(c.metricsPath)
	if systemID != "" {
		endpoint += "?system_id=" + url.QueryEscape(systemID)
	}

	var response struct {
		Samples []struct {
			SystemID   string    `json:"system_id"`
			MetricName string    `json:"metric_name"`
			Value      float64   `json:"value"`
			Timestamp  time.Time `json:"timestamp"`
		} `json:"samples"`
	}

	if err := c.getJSON(ctx, endpoint, &response); err != nil {
		return nil, fmt.Errorf("fleet metrics request failed: %w", err)
	}

	samples := make([]models.MetricSample, 0, len(response.Samples))
	for _, s := range response.Samples {
		samples = append(samples, models.MetricSample{
			SystemID:   s.SystemID,
			MetricName: s.MetricName,
			Value:      s.Value,
			Timestamp:  s.Timestamp,
		})
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("fleet metrics returned no samples")
	}
	return samples, nil
}

// Deploy stages a version onto the target systems.
func (c *Client) Deploy(ctx context.Context, updateID, version string, targets []string) (*DeployOutcome, error) {
	if c == nil {
		return nil, fmt.Errorf("fleet client not initialised")
	}
	if c.baseURL == "" {
		return nil, fmt.Errorf("fleet base URL not configured")
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("deploy requires at least one target system")
	}

	payload := map[string]interface{}{
		"update_id":      updateID,
		"version":        version,
		"target_systems": targets,
	}

	var response struct {
		Accepted map[string]bool `json:"accepted"`
	}

	if err := c.postJSON(ctx, c.resolvePath(c.deployPath), payload, &response); err != nil {
		return nil, fmt.Errorf("fleet deploy request failed: %w", err)
	}
	return &DeployOutcome{
		UpdateID: updateID,
		Version:  version,
		Accepted: response.Accepted,
	}, nil
}

// Rollback reverts one system to its previous version.
func (c *Client) Rollback(ctx context.Context, systemID string) error {
	if c == nil {
		return fmt.Errorf("fleet client not initialised")
	}
	if c.baseURL == "" {
		return fmt.Errorf("fleet base URL not configured")
	}
	if strings.TrimSpace(systemID) == "" {
		return fmt.Errorf("system id required")
	}

	endpoint := c.resolvePath(path.Join(c.rollbackPath, systemID))
	if err := c.postJSON(ctx, endpoint, struct{}{}, nil); err != nil {
		return fmt.Errorf("fleet rollback request failed: %w", err)
	}
	return nil
}

// SimulateFailure injects a failure into one system.
func (c *Client) SimulateFailure(ctx context.Context, systemID string) error {
	if c == nil {
		return fmt.Errorf("fleet client not initialised")
	}
	if c.baseURL == "" {
		return fmt.Errorf("fleet base URL not configured")
	}
	if strings.TrimSpace(systemID) == "" {
		return fmt.Errorf("system id required")
	}

	endpoint := c.resolvePath(path.Join(c.simulateFailurePath, systemID))
	if err := c.postJSON(ctx, endpoint, struct{}{}, nil); err != nil {
		return fmt.Errorf("fleet simulate-failure request failed: %w", err)
	}
	return nil
}

func (c *Client) resolvePath(p string) string {
	if c.baseURL == "" {
		return ""
	}
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	if endpoint == "" {
		return fmt.Errorf("empty endpoint")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fleet returned %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	if endpoint == "" {
		return fmt.Errorf("empty endpoint")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fleet returned %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
