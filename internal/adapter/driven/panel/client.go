// Package panel implements the PanelClient port over the panel's JSON HTTP
// protocol.
package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ericfisherdev/licensegate/internal/adapter/wire"
	"github.com/ericfisherdev/licensegate/internal/domain/model"
	"github.com/ericfisherdev/licensegate/internal/domain/port/driven"
)

// MinTimeout is the floor applied to both connect and request timeouts.
const MinTimeout = time.Second

// maxResponseBytes bounds how much of a panel response is read.
const maxResponseBytes = 1 << 20

// Compile-time interface satisfaction check.
var _ driven.PanelClient = (*Client)(nil)

// Endpoints are the request paths of the four panel verbs, relative to the
// base URL. A blank endpoint makes that verb unavailable.
type Endpoints struct {
	Validate string
	Issue    string
	Revoke   string
	Get      string
}

// DefaultEndpoints returns the standard panel paths.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Validate: "/api/licenses/validate",
		Issue:    "/api/licenses/issue",
		Revoke:   "/api/licenses/revoke",
		Get:      "/api/licenses/get",
	}
}

// Config describes how to reach a panel.
type Config struct {
	BaseURL  string
	ServerID string

	// AuthHeaderName and AuthHeaderValue are sent on every request when the
	// name is not blank. The value already includes any scheme prefix.
	AuthHeaderName  string
	AuthHeaderValue string

	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	Endpoints Endpoints

	// RateLimit caps outgoing requests per second. Zero or negative disables
	// the limit.
	RateLimit float64
}

// Client talks to a license panel over HTTP. It is safe for concurrent use.
type Client struct {
	baseURL    string
	serverID   string
	authName   string
	authValue  string
	endpoints  Endpoints
	httpClient *http.Client
	metrics    *Metrics
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures optional Client behavior.
type Option func(*Client)

// WithMetrics records request counts and latencies in m.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithClock overrides the time source used to default missing issue times.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// New creates a panel Client. It returns an error when the base URL is blank
// or not an absolute http(s) URL.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Client, error) {
	base := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("panel base URL is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse panel base URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("panel base URL %q must be an absolute http(s) URL", base)
	}

	connectTimeout := max(cfg.ConnectTimeout, MinTimeout)
	requestTimeout := max(cfg.RequestTimeout, MinTimeout)

	dialer := &net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}
	var transport http.RoundTripper = &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: connectTimeout,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	if cfg.RateLimit > 0 {
		transport = newRateLimitedTransport(transport, cfg.RateLimit)
	}

	c := &Client{
		baseURL:   base,
		serverID:  cfg.ServerID,
		authName:  strings.TrimSpace(cfg.AuthHeaderName),
		authValue: cfg.AuthHeaderValue,
		endpoints: Endpoints{
			Validate: normalizeEndpoint(cfg.Endpoints.Validate),
			Issue:    normalizeEndpoint(cfg.Endpoints.Issue),
			Revoke:   normalizeEndpoint(cfg.Endpoints.Revoke),
			Get:      normalizeEndpoint(cfg.Endpoints.Get),
		},
		httpClient: &http.Client{Timeout: requestTimeout, Transport: transport},
		now:        time.Now,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Validate asks the panel to validate key for pluginID. Unknown result codes
// map to REMOTE_ERROR without an error.
func (c *Client) Validate(ctx context.Context, pluginID, key string) (model.RemoteValidation, error) {
	req := wire.ValidateRequest{PluginID: pluginID, Key: key, ServerID: c.serverID}

	var resp wire.ValidateResponse
	if err := c.post(ctx, "validate", c.endpoints.Validate, req, &resp); err != nil {
		return model.RemoteValidation{Result: model.ResultRemoteError}, err
	}

	result, ok := model.ParseValidationResult(resp.Result)
	if !ok {
		c.logger.Warn("panel returned unknown validation result", "result", resp.Result)
	}
	return model.RemoteValidation{
		Result:  result,
		License: resp.License.ToModel(c.now()),
	}, nil
}

// Issue asks the panel to issue a license. It returns (nil, nil) when the
// panel answered without a usable record.
func (c *Client) Issue(ctx context.Context, pluginID, owner string, validDays int) (*model.License, error) {
	req := wire.IssueRequest{PluginID: pluginID, Owner: owner, ValidDays: validDays, ServerID: c.serverID}

	var resp wire.LicenseResponse
	if err := c.post(ctx, "issue", c.endpoints.Issue, req, &resp); err != nil {
		return nil, err
	}
	return resp.License.ToModel(c.now()), nil
}

// Revoke asks the panel to revoke key.
func (c *Client) Revoke(ctx context.Context, key string) (bool, error) {
	req := wire.KeyRequest{Key: key, ServerID: c.serverID}

	var resp wire.RevokeResponse
	if err := c.post(ctx, "revoke", c.endpoints.Revoke, req, &resp); err != nil {
		return false, err
	}
	return resp.Success, nil
}

// Get fetches the panel's record for key. It returns (nil, nil) when the
// panel answered without a usable record.
func (c *Client) Get(ctx context.Context, key string) (*model.License, error) {
	req := wire.KeyRequest{Key: key, ServerID: c.serverID}

	var resp wire.LicenseResponse
	if err := c.post(ctx, "get", c.endpoints.Get, req, &resp); err != nil {
		return nil, err
	}
	return resp.License.ToModel(c.now()), nil
}

// post sends body as JSON to endpoint and decodes a 2xx JSON object into out.
// Every failure wraps driven.ErrPanelUnavailable.
func (c *Client) post(ctx context.Context, verb, endpoint string, body, out any) (err error) {
	if endpoint == "" {
		return fmt.Errorf("panel %s endpoint not configured: %w", verb, driven.ErrPanelUnavailable)
	}

	start := time.Now()
	defer func() {
		c.metrics.observe(verb, err, time.Since(start))
	}()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w: %w", verb, driven.ErrPanelUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create %s request: %w: %w", verb, driven.ErrPanelUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.authName != "" {
		req.Header.Set(c.authName, c.authValue)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("panel request failed", "verb", verb, "error", err)
		return fmt.Errorf("post %s: %w: %w", verb, driven.ErrPanelUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read %s response: %w: %w", verb, driven.ErrPanelUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("panel returned non-success status", "verb", verb, "endpoint", endpoint, "status", resp.StatusCode)
		return fmt.Errorf("%s returned status %d: %w", verb, resp.StatusCode, driven.ErrPanelUnavailable)
	}

	if err := decodeObject(data, out); err != nil {
		c.logger.Warn("panel returned unparsable body", "verb", verb, "error", err)
		return fmt.Errorf("decode %s response: %w: %w", verb, driven.ErrPanelUnavailable, err)
	}
	return nil
}

// decodeObject decodes data into out, requiring a top-level JSON object.
func decodeObject(data []byte, out any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return errors.New("response is not a JSON object")
	}
	return json.Unmarshal(trimmed, out)
}

func normalizeEndpoint(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" || strings.HasPrefix(endpoint, "/") {
		return endpoint
	}
	return "/" + endpoint
}

// rateLimitedTransport delays requests to stay within a token-bucket limit.
type rateLimitedTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func newRateLimitedTransport(base http.RoundTripper, rps float64) *rateLimitedTransport {
	return &rateLimitedTransport{
		base:    base,
		limiter: rate.NewLimiter(rate.Limit(rps), max(1, int(rps))),
	}
}

// RoundTrip waits for a token, honoring the request context, then delegates.
func (t *rateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("panel rate limit: %w", err)
	}
	return t.base.RoundTrip(req)
}
