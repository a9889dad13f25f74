// Package client talks to the webhook API from operator tools.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/service/webhook"
)

// Client provides typed access to the webhook API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:8080"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("api request failed (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// Response is a raw webhook reply.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// SignOptions controls how SendWebhook signs the payload.
type SignOptions struct {
	Secret string
	// Prefix is prepended to the hex digest, e.g. "sha256=".
	Prefix string
	// Unsigned omits the signature header entirely.
	Unsigned bool
}

// SendWebhook posts payload unchanged to path with its HMAC signature.
// Non-2xx replies are returned as a Response, not an error, so callers can
// inspect rate-limit headers.
func (c *Client) SendWebhook(ctx context.Context, path string, payload []byte, sign SignOptions) (Response, error) {
	if path == "" {
		path = "/webhook"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if !sign.Unsigned {
		req.Header.Set(webhook.SignatureHeader, sign.Prefix+webhook.Sign(payload, []byte(sign.Secret)))
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	return Response{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// Health is the GET /health payload.
type Health struct {
	Status     string         `json:"status"`
	Timestamp  string         `json:"timestamp"`
	Components map[string]any `json:"components"`
}

// Health fetches service health. A degraded service is reported through
// the returned payload with a nil error.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	err := c.do(ctx, http.MethodGet, "/health", "", &out)
	var apiErr APIError
	if err != nil && errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable && out.Status != "" {
		return out, nil
	}
	return out, err
}

// StatsSummary fetches the admin rollup for the trailing window.
func (c *Client) StatsSummary(ctx context.Context, token string, window time.Duration) (map[string]any, error) {
	path := "/v1/stats/summary"
	if window > 0 {
		path += "?window=" + url.QueryEscape(window.String())
	}
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, path, token, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := extractError(data)
		apiErr.Status = resp.StatusCode
		if v != nil {
			_ = json.Unmarshal(data, v)
		}
		return apiErr
	}
	if v == nil {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(data []byte) APIError {
	if len(data) == 0 {
		return APIError{}
	}
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return APIError{Message: strings.TrimSpace(string(data))}
	}
	return APIError{Code: payload.Code, Message: strings.TrimSpace(payload.Error)}
}
