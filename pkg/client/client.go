// Package client talks to a Cosmos SDK node over CometBFT JSON-RPC and the
// Cosmos REST gateway, with request gating, error classification and retry.
//
// A Client is a ledger.Source for the block scanner and an accounts.Connector
// for the account joiner.
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
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/ledgerscan/pkg/logging"
	"github.com/Sternrassler/ledgerscan/pkg/ratelimit"
	"github.com/Sternrassler/ledgerscan/pkg/retry"
)

// Prometheus metrics for node requests.
var (
	nodeRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerscan_node_requests_total",
		Help: "Total node requests by endpoint and status",
	}, []string{"endpoint", "status"})

	nodeRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledgerscan_node_request_duration_seconds",
		Help:    "Node request duration in seconds by endpoint",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	nodeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerscan_node_errors_total",
		Help: "Total node errors by class",
	}, []string{"class"})
)

// maxBodyBytes bounds how much of a response is read.
const maxBodyBytes = 64 << 20

// Config holds the client configuration.
type Config struct {
	// RPCURL is the CometBFT JSON-RPC endpoint (e.g. http://localhost:26657).
	RPCURL string

	// RESTURL is the Cosmos REST gateway (e.g. http://localhost:1317).
	RESTURL string

	// Timeout bounds a single HTTP exchange.
	Timeout time.Duration

	UserAgent string

	// Gate throttles requests and charges failures to the error budget. May be nil.
	Gate *ratelimit.Gate

	// Retry is applied to every request. Client errors are never retried.
	Retry retry.Policy

	// AccountsPageSize is the page size for account enumeration (default: 100).
	AccountsPageSize int

	// HTTPClient overrides the default client (for testing). Connect ignores
	// it and builds a fresh transport per channel set.
	HTTPClient *http.Client
}

// DefaultConfig returns a configuration for the given endpoints.
func DefaultConfig(rpcURL, restURL string) Config {
	return Config{
		RPCURL:           rpcURL,
		RESTURL:          restURL,
		Timeout:          30 * time.Second,
		UserAgent:        "ledgerscan/1.0",
		Retry:            RequestPolicy(),
		AccountsPageSize: 100,
	}
}

// RequestPolicy is the per-request retry policy.
func RequestPolicy() retry.Policy {
	return retry.Policy{
		Name:           "node_request",
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2,
		Jitter:         0.1,
	}
}

// Client is a node client.
type Client struct {
	httpClient *http.Client
	rpcURL     string
	restURL    string
	config     Config
	logger     zerolog.Logger
}

// New validates cfg and creates a client.
func New(cfg Config) (*Client, error) {
	rpcURL, err := normalizeURL("rpc_url", cfg.RPCURL)
	if err != nil {
		return nil, err
	}
	restURL, err := normalizeURL("rest_url", cfg.RESTURL)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "ledgerscan/1.0"
	}
	if cfg.AccountsPageSize <= 0 {
		cfg.AccountsPageSize = 100
	}
	if cfg.Retry.MaxAttempts == 0 && cfg.Retry.InitialBackoff == 0 {
		cfg.Retry = RequestPolicy()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		httpClient: httpClient,
		rpcURL:     rpcURL,
		restURL:    restURL,
		config:     cfg,
		logger:     logging.NewLogger("node-client"),
	}, nil
}

func normalizeURL(field, raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%s: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%s: unsupported scheme %q", field, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%s: missing host", field)
	}
	return strings.TrimRight(raw, "/"), nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// clone returns a client sharing configuration but using its own transport.
func (c *Client) clone() *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	cp := *c
	cp.httpClient = &http.Client{Timeout: c.config.Timeout, Transport: transport}
	return &cp
}

// getJSON performs a REST GET and decodes the JSON body into out.
func (c *Client) getJSON(ctx context.Context, endpoint, path string, query url.Values, out any) error {
	target := c.restURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	body, err := c.do(ctx, endpoint, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidResponse, endpoint, err)
	}
	return nil
}

// postRPC posts a JSON-RPC payload and returns the raw response body.
func (c *Client) postRPC(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode rpc request: %w", err)
	}
	return c.do(ctx, endpoint, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
}

// do executes one logical request under the gate and the retry policy and
// returns the response body of the first successful attempt.
func (c *Client) do(ctx context.Context, endpoint string, build func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	var body []byte

	policy := c.config.Retry
	policy.Name = "node_request"
	_, err := policy.DoWithLogger(ctx, c.logger, func(ctx context.Context) error {
		if err := c.config.Gate.Acquire(ctx); err != nil {
			nodeRequestsTotal.WithLabelValues(endpoint, "gated").Inc()
			if errors.Is(err, ratelimit.ErrBudgetExhausted) {
				return err
			}
			return retry.Permanent(err)
		}

		req, err := build(ctx)
		if err != nil {
			return retry.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("User-Agent", c.config.UserAgent)
		req.Header.Set("Accept", "application/json")

		c.logger.Debug().
			Str("endpoint", endpoint).
			Str("method", req.Method).
			Msg("Executing node request")

		startTime := time.Now()
		resp, err := c.httpClient.Do(req)
		nodeRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())

		if err != nil {
			return c.fail(ctx, &NodeError{
				Class:    classifyError(nil, err),
				Endpoint: endpoint,
				Message:  "request failed",
				Err:      err,
			})
		}
		defer resp.Body.Close()

		data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))

		if resp.StatusCode >= 400 {
			return c.fail(ctx, &NodeError{
				StatusCode: resp.StatusCode,
				Class:      classifyError(resp, nil),
				Endpoint:   endpoint,
				Message:    responseMessage(resp, data),
			})
		}
		if readErr != nil {
			return c.fail(ctx, &NodeError{
				StatusCode: resp.StatusCode,
				Class:      ErrorClassNetwork,
				Endpoint:   endpoint,
				Message:    "read body",
				Err:        readErr,
			})
		}

		nodeRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
		body = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// fail records a failed attempt and marks non-retryable errors permanent.
func (c *Client) fail(ctx context.Context, nerr *NodeError) error {
	status := strconv.Itoa(nerr.StatusCode)
	if nerr.StatusCode == 0 {
		status = "network_error"
	}
	nodeRequestsTotal.WithLabelValues(nerr.Endpoint, status).Inc()
	nodeErrorsTotal.WithLabelValues(string(nerr.Class)).Inc()

	c.logger.Warn().
		Str("endpoint", nerr.Endpoint).
		Int("status", nerr.StatusCode).
		Str("error_class", string(nerr.Class)).
		Msg("Node request error")

	// A cancelled caller is not a node failure.
	if ctx.Err() == nil && chargesBudget(nerr.Class) {
		c.config.Gate.ReportFailure(ctx)
	}
	if !shouldRetry(nerr.Class) {
		return retry.Permanent(nerr)
	}
	return nerr
}

// responseMessage extracts the gateway's error message, falling back to the status line.
func responseMessage(resp *http.Response, body []byte) string {
	var gw struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &gw) == nil && gw.Message != "" {
		return gw.Message
	}
	return resp.Status
}
