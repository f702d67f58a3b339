package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/servisor/internal/errs"
)

// Client speaks the Consul agent HTTP API.
type Client struct {
	base string
	http *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// agentCheck is the HTTP health check Consul runs for an entry.
type agentCheck struct {
	HTTP                           string `json:"HTTP"`
	Interval                       string `json:"Interval"`
	Timeout                        string `json:"Timeout"`
	DeregisterCriticalServiceAfter string `json:"DeregisterCriticalServiceAfter,omitempty"`
}

type agentRegistration struct {
	ID      string            `json:"ID"`
	Name    string            `json:"Name"`
	Tags    []string          `json:"Tags,omitempty"`
	Address string            `json:"Address,omitempty"`
	Port    int               `json:"Port,omitempty"`
	Meta    map[string]string `json:"Meta,omitempty"`
	Check   *agentCheck       `json:"Check,omitempty"`
}

// AgentService is one element of GET /v1/agent/services.
type AgentService struct {
	ID      string            `json:"ID"`
	Service string            `json:"Service"`
	Tags    []string          `json:"Tags"`
	Address string            `json:"Address"`
	Port    int               `json:"Port"`
	Meta    map[string]string `json:"Meta"`
}

// statusError is a non-2xx response. 4xx responses are converted to
// errs.ErrRegistryRejected by the callers that care.
type statusError struct {
	op     string
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.op, e.status, e.body)
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &statusError{op: method + " " + path, status: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Leader returns the raft leader address; empty means no leader yet.
func (c *Client) Leader(ctx context.Context) (string, error) {
	var leader string
	if err := c.do(ctx, http.MethodGet, "/v1/status/leader", nil, &leader); err != nil {
		return "", err
	}
	return leader, nil
}

func (c *Client) register(ctx context.Context, r agentRegistration) error {
	return c.do(ctx, http.MethodPut, "/v1/agent/service/register", r, nil)
}

func (c *Client) deregister(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPut, "/v1/agent/service/deregister/"+url.PathEscape(id), nil, nil)
}

// Services lists the agent's local services keyed by ID.
func (c *Client) Services(ctx context.Context) (map[string]AgentService, error) {
	out := map[string]AgentService{}
	if err := c.do(ctx, http.MethodGet, "/v1/agent/services", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AggregatedHealth returns passing, warning or critical for a service id.
// The agent encodes the state in the status code as well as the body.
func (c *Client) AggregatedHealth(ctx context.Context, id string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.base+"/v1/agent/health/service/id/"+url.PathEscape(id)+"?format=text", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
	switch resp.StatusCode {
	case http.StatusOK:
		return HealthPassing, nil
	case http.StatusTooManyRequests:
		return HealthWarning, nil
	case http.StatusServiceUnavailable:
		return HealthCritical, nil
	}
	return HealthUnknown, &statusError{op: "health " + id, status: resp.StatusCode, body: strings.TrimSpace(string(b))}
}

// rejected maps 4xx (except 429) to a non-retryable registry rejection.
func rejected(err error) (*errs.Error, bool) {
	se, ok := err.(*statusError)
	if !ok || se.status < 400 || se.status >= 500 || se.status == http.StatusTooManyRequests {
		return nil, false
	}
	return errs.RegistryRejected(se.op, se.status, se.body), true
}

func isNotFound(err error) bool {
	se, ok := err.(*statusError)
	return ok && se.status == http.StatusNotFound
}
