// ABOUTME: HTTP client for the CRM API: settings, outbound persistence, templates.
// ABOUTME: Also posts forwarding payloads to resolved webhook addresses.

package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"log/slog"
)

// maxErrorBodyBytes caps how much of an error response body is read for
// inclusion in error messages.
const maxErrorBodyBytes = 2048

// Client talks to the CRM over plain HTTP with a bounded timeout. A zero
// API key disables the auth header.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// OutboundMessage is a device-originated message persisted into the CRM's
// own message store.
type OutboundMessage struct {
	MessageID string `json:"message_id"`
	PhoneE164 string `json:"phone_e164"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// Template is an outbound message template resolved from the CRM.
type Template struct {
	Name     string `json:"name"`
	Body     string `json:"body"`
	ImageURL string `json:"image_url,omitempty"`
}

// New creates a CRM client. timeout bounds every request end to end.
func New(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "crm"),
	}
}

// Settings fetches the CRM settings map from GET /api/settings. Only
// string-valued settings are returned; everything else is skipped.
func (c *Client) Settings(ctx context.Context) (map[string]string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL+"/api/settings", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching settings: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetching settings: %s", responseError(resp))
	}

	var body struct {
		Settings map[string]any `json:"settings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding settings response: %w", err)
	}

	settings := make(map[string]string, len(body.Settings))
	for k, v := range body.Settings {
		if s, ok := v.(string); ok {
			settings[k] = s
		}
	}
	return settings, nil
}

// PersistOutbound stores a device-originated message via
// POST /api/whatsapp/outbound.
func (c *Client) PersistOutbound(ctx context.Context, m OutboundMessage) error {
	return c.postJSON(ctx, c.baseURL+"/api/whatsapp/outbound", m)
}

// Template resolves a named outbound template via GET /api/whatsapp/templates.
func (c *Client) Template(ctx context.Context, name string) (*Template, error) {
	u := c.baseURL + "/api/whatsapp/templates?name=" + url.QueryEscape(name)
	req, err := c.newRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching template %q: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetching template %q: %s", name, responseError(resp))
	}

	var tmpl Template
	if err := json.NewDecoder(resp.Body).Decode(&tmpl); err != nil {
		return nil, fmt.Errorf("decoding template response: %w", err)
	}
	return &tmpl, nil
}

// PostWebhook delivers a forwarding payload to an already-resolved webhook
// address. Any non-2xx status is an error.
func (c *Client) PostWebhook(ctx context.Context, webhookURL string, payload any) error {
	return c.postJSON(ctx, webhookURL, payload)
}

// postJSON posts a JSON body and treats non-2xx statuses as errors.
func (c *Client) postJSON(ctx context.Context, u string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("posting to %s: %s", u, responseError(resp))
	}

	// Drain so the connection can be reused.
	io.Copy(io.Discard, resp.Body)
	return nil
}

// newRequest builds a request with the API key header applied.
func (c *Client) newRequest(ctx context.Context, method, u string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	return req, nil
}

// responseError summarizes a non-2xx response for error messages.
func responseError(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if len(body) == 0 {
		return fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, body)
}
