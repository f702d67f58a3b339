// Package client talks to a running servisor daemon over its HTTP API.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

type Config struct {
	BaseURL string
	// Timeout bounds each request. Start requests wait for readiness, so it
	// should exceed the longest startup timeout.
	Timeout time.Duration
	Logger  *slog.Logger
	// TLS is used for https base URLs; nil means system roots.
	TLS *tls.Config
}

func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:9090/api",
		Timeout: 10 * time.Minute,
	}
}

func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  newHTTPClient(config),
	}
}

func newHTTPClient(config Config) *http.Client {
	c := &http.Client{Timeout: config.Timeout}
	if config.TLS != nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = config.TLS
		c.Transport = t
	}
	return c
}

// IsReachable checks the daemon's healthz endpoint.
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		c.logger.Debug("daemon unreachable", "url", c.baseURL, "error", err)
	}
	return err == nil
}

func (c *Client) Status(ctx context.Context) ([]ServiceStatus, error) {
	var out []ServiceStatus
	return out, c.do(ctx, http.MethodGet, "/services", &out)
}

func (c *Client) Get(ctx context.Context, name string) (ServiceStatus, error) {
	var out ServiceStatus
	return out, c.do(ctx, http.MethodGet, "/services/"+url.PathEscape(name), &out)
}

// StartAll starts every service. An aborted batch is an *APIError whose
// Failures lists the failed services.
func (c *Client) StartAll(ctx context.Context) ([]ServiceStatus, error) {
	var out []ServiceStatus
	return out, c.do(ctx, http.MethodPost, "/services/start", &out)
}

func (c *Client) StopAll(ctx context.Context) ([]ServiceStatus, error) {
	var out []ServiceStatus
	return out, c.do(ctx, http.MethodPost, "/services/stop", &out)
}

func (c *Client) Start(ctx context.Context, name string) (ServiceStatus, error) {
	var out ServiceStatus
	return out, c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(name)+"/start", &out)
}

func (c *Client) Stop(ctx context.Context, name string) (ServiceStatus, error) {
	var out ServiceStatus
	return out, c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(name)+"/stop", &out)
}

func (c *Client) RegisterAll(ctx context.Context) ([]RegistryResult, error) {
	var out []RegistryResult
	return out, c.do(ctx, http.MethodPost, "/registry/register", &out)
}

func (c *Client) DeregisterAll(ctx context.Context) ([]RegistryResult, error) {
	var out []RegistryResult
	return out, c.do(ctx, http.MethodPost, "/registry/deregister", &out)
}

func (c *Client) Discover(ctx context.Context, prefix string) ([]Entry, error) {
	path := "/registry/discover"
	if prefix != "" {
		path += "?prefix=" + url.QueryEscape(prefix)
	}
	var out []Entry
	return out, c.do(ctx, http.MethodGet, path, &out)
}

// do sends a bodiless request and decodes a 200 answer into out.
func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) handleErrorResponse(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(apiErr); err != nil {
		c.logger.Debug("undecodable error response", "status", resp.StatusCode, "error", err)
	}
	return apiErr
}
