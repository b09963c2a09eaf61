// Package caddy manages host routes through a Caddy-style admin API.
// This is part of the Imperative Shell - handles I/O (control-plane HTTP).
package caddy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// maxErrorBody caps how much of a failed response is kept in a ProxyError.
const maxErrorBody = 4096

// Client provides methods for the route list of one HTTP server in the
// admin API.
type Client struct {
	baseURL    string
	serverName string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// Config holds admin API client configuration.
type Config struct {
	AdminURL   string        `mapstructure:"admin_url" yaml:"admin_url"`     // e.g., "http://localhost:2019"
	ServerName string        `mapstructure:"server_name" yaml:"server_name"` // e.g., "srv0"
	APIKey     string        `mapstructure:"api_key" yaml:"api_key"`         // Optional, for a fronted admin endpoint
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		AdminURL:   "http://localhost:2019",
		ServerName: "srv0",
		Timeout:    10 * time.Second,
	}
}

// NewClient creates a new admin API client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaults.Timeout
	}
	serverName := cfg.ServerName
	if serverName == "" {
		serverName = defaults.ServerName
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.AdminURL, "/"),
		serverName: serverName,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With("component", "caddy_client"),
	}
}

// =============================================================================
// Route Operations
// =============================================================================

// ListRoutes returns the server's routes and the ETag of the list, which can
// be passed back to make a later write conditional.
func (c *Client) ListRoutes(ctx context.Context) ([]Route, string, error) {
	var routes []Route
	resp, err := c.do(ctx, "list routes", http.MethodGet, c.routesPath(), "", nil, &routes)
	if err != nil {
		return nil, "", err
	}
	return routes, resp.Header.Get("Etag"), nil
}

// AppendRoute adds route at the end of the list.
func (c *Client) AppendRoute(ctx context.Context, route Route, etag string) error {
	_, err := c.do(ctx, "append route", http.MethodPost, c.routesPath(), etag, route, nil)
	return err
}

// ReplaceRoute overwrites the route at index.
func (c *Client) ReplaceRoute(ctx context.Context, index int, route Route, etag string) error {
	_, err := c.do(ctx, "replace route", http.MethodPatch, c.routePath(index), etag, route, nil)
	return err
}

// DeleteRoute removes the route at index.
func (c *Client) DeleteRoute(ctx context.Context, index int, etag string) error {
	_, err := c.do(ctx, "delete route", http.MethodDelete, c.routePath(index), etag, nil, nil)
	return err
}

// =============================================================================
// Helper Methods
// =============================================================================

func (c *Client) routesPath() string {
	return "/config/apps/http/servers/" + url.PathEscape(c.serverName) + "/routes"
}

func (c *Client) routePath(index int) string {
	return c.routesPath() + "/" + strconv.Itoa(index)
}

func (c *Client) setHeaders(req *http.Request, etag string) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if etag != "" {
		req.Header.Set("If-Match", etag)
	}
}

// do sends one request. Transport failures and non-2xx responses are both
// returned as *ProxyError.
func (c *Client) do(ctx context.Context, op, method, path, etag string, in, out any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("marshal route: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req, etag)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("admin api unreachable", "op", op, "error", err)
		return nil, &ProxyError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Warn("admin api rejected request", "op", op, "status", resp.StatusCode)
		return nil, &ProxyError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp, nil
}
