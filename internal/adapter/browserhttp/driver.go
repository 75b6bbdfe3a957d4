// Package browserhttp implements the browser port against a browser-runner
// sidecar's HTTP API. The sidecar owns the real browser processes; each
// execution slot maps to one runner container.
package browserhttp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/Strob0t/MendForge/internal/config"
	"github.com/Strob0t/MendForge/internal/domain/locator"
	"github.com/Strob0t/MendForge/internal/port/browser"
)

// Driver talks to the browser-runner HTTP API.
type Driver struct {
	baseURL    string
	httpClient *http.Client
}

// NewDriver creates a new runner client from configuration.
func NewDriver(cfg config.Browser) *Driver {
	return &Driver{
		baseURL: cfg.URL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type newPageRequest struct {
	SnapshotID string `json:"snapshot_id,omitempty"`
}

type newPageResponse struct {
	PageID string `json:"page_id"`
}

// NewPage opens a fresh page in the runner container bound to slotID.
func (d *Driver) NewPage(ctx context.Context, slotID string) (browser.Page, error) {
	return d.openPage(ctx, slotID, "")
}

// RestoreSnapshot opens a page against a restored application snapshot.
func (d *Driver) RestoreSnapshot(ctx context.Context, slotID, snapshotID string) (browser.Page, error) {
	return d.openPage(ctx, slotID, snapshotID)
}

// Reset clears browser state in the slot's container.
func (d *Driver) Reset(ctx context.Context, slotID string) error {
	_, err := d.do(ctx, http.MethodPost, "/v1/slots/"+url.PathEscape(slotID)+"/reset", nil)
	return err
}

// Health checks if the runner is reachable.
func (d *Driver) Health(ctx context.Context) (bool, error) {
	_, err := d.do(ctx, http.MethodGet, "/health", nil)
	return err == nil, err
}

func (d *Driver) openPage(ctx context.Context, slotID, snapshotID string) (browser.Page, error) {
	body, err := json.Marshal(newPageRequest{SnapshotID: snapshotID})
	if err != nil {
		return nil, fmt.Errorf("marshal page request: %w", err)
	}
	data, err := d.do(ctx, http.MethodPost, "/v1/slots/"+url.PathEscape(slotID)+"/pages", body)
	if err != nil {
		return nil, fmt.Errorf("open page on slot %s: %w", slotID, err)
	}
	var resp newPageResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal page response: %w", err)
	}
	if resp.PageID == "" {
		return nil, fmt.Errorf("runner returned empty page id for slot %s", slotID)
	}
	return &page{driver: d, id: resp.PageID}, nil
}

// page is one live page held by the runner.
type page struct {
	driver *Driver
	id     string
}

func (p *page) Navigate(ctx context.Context, pageURL string) error {
	body, err := json.Marshal(map[string]string{"url": pageURL})
	if err != nil {
		return fmt.Errorf("marshal navigate request: %w", err)
	}
	_, err = p.driver.do(ctx, http.MethodPost, p.path("navigate"), body)
	return err
}

func (p *page) WaitReady(ctx context.Context) error {
	_, err := p.driver.do(ctx, http.MethodPost, p.path("wait-ready"), nil)
	return err
}

type locateRequest struct {
	Selector string       `json:"selector"`
	Kind     locator.Kind `json:"kind"`
}

type locateResponse struct {
	Found   bool                  `json:"found"`
	Invalid bool                  `json:"invalid_selector"`
	Element browser.ElementHandle `json:"element"`
}

func (p *page) Locate(ctx context.Context, selector string, kind locator.Kind) (browser.ElementHandle, error) {
	body, err := json.Marshal(locateRequest{Selector: selector, Kind: kind})
	if err != nil {
		return browser.ElementHandle{}, fmt.Errorf("marshal locate request: %w", err)
	}
	data, err := p.driver.do(ctx, http.MethodPost, p.path("locate"), body)
	if err != nil {
		return browser.ElementHandle{}, err
	}
	var resp locateResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return browser.ElementHandle{}, fmt.Errorf("unmarshal locate response: %w", err)
	}
	if resp.Invalid {
		return browser.ElementHandle{}, fmt.Errorf("selector %q: %w", selector, browser.ErrInvalidSelector)
	}
	if !resp.Found {
		return browser.ElementHandle{}, browser.ErrElementNotFound
	}
	return resp.Element, nil
}

type screenshotResponse struct {
	Data string `json:"data"` // base64 PNG
}

func (p *page) Screenshot(ctx context.Context) ([]byte, error) {
	data, err := p.driver.do(ctx, http.MethodGet, p.path("screenshot"), nil)
	if err != nil {
		return nil, err
	}
	var resp screenshotResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal screenshot response: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return raw, nil
}

type scriptResponse struct {
	Result string `json:"result"`
}

func (p *page) ExecuteScript(ctx context.Context, script string) (string, error) {
	body, err := json.Marshal(map[string]string{"script": script})
	if err != nil {
		return "", fmt.Errorf("marshal script request: %w", err)
	}
	data, err := p.driver.do(ctx, http.MethodPost, p.path("script"), body)
	if err != nil {
		return "", err
	}
	var resp scriptResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("unmarshal script response: %w", err)
	}
	return resp.Result, nil
}

func (p *page) path(op string) string {
	return "/v1/pages/" + url.PathEscape(p.id) + "/" + op
}

func (d *Driver) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("runner API error %d: %s", resp.StatusCode, string(data))
	}
	return data, nil
}
