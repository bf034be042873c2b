// Package client is the Go SDK for the mnemora HTTP API. A Client is
// scoped to one tenant tuple and is safe for concurrent use.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// Tenant is the identity tuple stamped on every request.
type Tenant struct {
	CompanyID string
	AppID     string
	UserID    string
	SessionID string
}

// Client talks to one mnemora deployment on behalf of one tenant.
type Client struct {
	baseURL string
	token   string
	tenant  Tenant
	http    *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithBaseURL points the client at a deployment, e.g.
// "https://mnemora.internal:8080". Required.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithToken sets the bearer token for every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTenant sets the tenant tuple stamped on every request.
func WithTenant(t Tenant) Option {
	return func(c *Client) { c.tenant = t }
}

// WithHTTPClient replaces the default HTTP client (30s timeout).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New builds a Client. A base URL, token, and the company/app/user parts
// of the tenant are required; session id is optional.
func New(opts ...Option) (*Client, error) {
	c := &Client{http: &http.Client{Timeout: defaultTimeout}}
	for _, opt := range opts {
		opt(c)
	}
	if c.baseURL == "" {
		return nil, errors.New("client: base URL is required")
	}
	if _, err := url.Parse(c.baseURL); err != nil {
		return nil, fmt.Errorf("client: invalid base URL: %w", err)
	}
	if c.token == "" {
		return nil, errors.New("client: token is required")
	}
	if c.tenant.CompanyID == "" || c.tenant.AppID == "" || c.tenant.UserID == "" {
		return nil, errors.New("client: tenant company, app and user ids are required")
	}
	return c, nil
}

// do runs one request. A non-nil body is sent as JSON; a non-nil out has
// the 2xx response decoded into it.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Company-ID", c.tenant.CompanyID)
	req.Header.Set("X-App-ID", c.tenant.AppID)
	req.Header.Set("X-User-ID", c.tenant.UserID)
	if c.tenant.SessionID != "" {
		req.Header.Set("X-Session-ID", c.tenant.SessionID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}

// Health reports service liveness. It does not require the tenant headers
// but sends them anyway; the endpoint ignores them.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, nil, &h); err != nil {
		return Health{}, err
	}
	return h, nil
}
