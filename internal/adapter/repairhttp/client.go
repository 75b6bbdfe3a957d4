// Package repairhttp provides an HTTP client for a generative locator-repair
// backend implementing the repair port.
package repairhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/Strob0t/MendForge/internal/config"
	"github.com/Strob0t/MendForge/internal/domain"
	"github.com/Strob0t/MendForge/internal/port/repair"
	"github.com/Strob0t/MendForge/internal/resilience"
)

// Client talks to the generative-repair HTTP API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates a new repair client from configuration.
func NewClient(cfg config.Repair) *Client {
	return &Client{
		baseURL: cfg.URL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// Generate requests a replacement selector for a failed locator.
func (c *Client) Generate(ctx context.Context, req repair.Request) (repair.Response, error) {
	if c.baseURL == "" {
		return repair.Response{}, domain.ErrRepairUnavailable
	}

	body, err := json.Marshal(req)
	if err != nil {
		return repair.Response{}, fmt.Errorf("marshal repair request: %w", err)
	}

	data, err := c.doRequest(ctx, http.MethodPost, "/v1/repair", body)
	if err != nil {
		return repair.Response{}, fmt.Errorf("repair request: %w", err)
	}

	var resp repair.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return repair.Response{}, fmt.Errorf("unmarshal repair response: %w", err)
	}
	if resp.CandidateSelector == "" {
		return repair.Response{}, fmt.Errorf("repair backend returned empty selector: %w", domain.ErrRepairUnavailable)
	}
	return resp, nil
}

// Health checks if the repair backend is reachable.
func (c *Client) Health(ctx context.Context) (bool, error) {
	_, err := c.doRequest(ctx, http.MethodGet, "/health", nil)
	return err == nil, err
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var result []byte
	call := func() error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode >= 400 {
			return fmt.Errorf("repair API error %d: %s", resp.StatusCode, string(data))
		}

		result = data
		return nil
	}

	if c.breaker != nil {
		if err := c.breaker.Execute(call); err != nil {
			return nil, err
		}
		return result, nil
	}

	if err := call(); err != nil {
		return nil, err
	}
	return result, nil
}
