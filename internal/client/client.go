// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

// Package client talks to the catalog server over HTTP.
//
// Every call goes through a token-bucket limiter and a circuit breaker.
// Idempotent GETs are retried with exponential backoff on network
// failures; writes are not retried here because the outbox owns their
// retry policy. Failures are returned as *Error carrying a Kind.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/metrics"
)

// maxBodyBytes bounds any response body, full skeletons included.
const maxBodyBytes = 64 << 20

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Config configures a Client.
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int

	// BreakerFailureThreshold consecutive network failures open the
	// breaker for BreakerTimeout.
	BreakerFailureThreshold uint32
	BreakerTimeout          time.Duration

	// MaxRetries bounds retries of idempotent GETs. Zero disables them.
	MaxRetries   uint64
	RetryInitial time.Duration

	UserAgent string
}

// DefaultConfig returns production defaults for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:                 baseURL,
		Timeout:                 30 * time.Second,
		RequestsPerSecond:       10,
		Burst:                   20,
		BreakerFailureThreshold: 5,
		BreakerTimeout:          30 * time.Second,
		MaxRetries:              2,
		RetryInitial:            500 * time.Millisecond,
		UserAgent:               "catalogsync",
	}
}

// Client is safe for concurrent use.
type Client struct {
	baseURL string
	cfg     Config
	http    *http.Client
	tokens  TokenSource
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*response]
}

type response struct {
	status int
	body   []byte
}

type request struct {
	endpoint string
	method   string
	path     string
	query    url.Values
	body     interface{}
}

// New creates a Client. tokens may be nil for unauthenticated use.
func New(cfg Config, tokens TokenSource) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("client: invalid base url %q", cfg.BaseURL)
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	threshold := cfg.BreakerFailureThreshold
	if threshold == 0 {
		threshold = 5
	}

	const name = "catalog-server"
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		tokens:  tokens,
		limiter: rate.NewLimiter(limit, burst),
	}
	c.breaker = gobreaker.NewCircuitBreaker[*response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryable(err)
		},
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})
	return c, nil
}

// BaseURL returns the server base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// WebSocketURL turns path into a ws:// or wss:// URL on the same host.
func (c *Client) WebSocketURL(path string) string {
	u := c.baseURL + path
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// send performs r and returns any response with a status below 500
// (except 408 and 429). Transport failures and those statuses come back as
// KindNetwork errors; GETs are retried on them.
func (c *Client) send(ctx context.Context, r request) (*response, error) {
	start := time.Now()

	var resp *response
	attempt := func() error {
		var err error
		resp, err = c.attempt(ctx, r)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) || errors.Is(err, gobreaker.ErrOpenState) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	var err error
	if r.method == http.MethodGet && c.cfg.MaxRetries > 0 {
		b := backoff.NewExponentialBackOff()
		if c.cfg.RetryInitial > 0 {
			b.InitialInterval = c.cfg.RetryInitial
		}
		b.MaxElapsedTime = 0
		err = backoff.RetryNotify(attempt,
			backoff.WithContext(backoff.WithMaxRetries(b, c.cfg.MaxRetries), ctx),
			func(err error, wait time.Duration) {
				logging.Debug().Err(err).Str("endpoint", r.endpoint).Dur("wait", wait).Msg("Retrying request")
			})
	} else {
		err = attempt()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
	}

	outcome := "ok"
	if err != nil {
		outcome = KindOf(err).String()
	} else if resp.status >= 300 {
		outcome = kindForStatus(resp.status).String()
	}
	metrics.RecordHTTPRequest(r.endpoint, outcome, time.Since(start))
	return resp, err
}

func (c *Client) attempt(ctx context.Context, r request) (*response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Kind: KindNetwork, Endpoint: r.endpoint, Message: "rate limiter", Err: err}
	}

	resp, err := c.breaker.Execute(func() (*response, error) {
		return c.roundTrip(ctx, r)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &Error{Kind: KindNetwork, Endpoint: r.endpoint, Message: "circuit breaker open", Err: err}
	}
	return resp, err
}

// roundTrip performs one HTTP exchange. Only failures that should count
// against the breaker are returned as errors.
func (c *Client) roundTrip(ctx context.Context, r request) (*response, error) {
	var body io.Reader = http.NoBody
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return nil, &Error{Kind: KindUnknown, Endpoint: r.endpoint, Message: "encode request", Err: err}
		}
		body = bytes.NewReader(b)
	}

	reqURL := c.baseURL + r.path
	if len(r.query) > 0 {
		reqURL += "?" + r.query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, r.method, reqURL, body)
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Endpoint: r.endpoint, Message: "create request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, &Error{Kind: KindUnauthorized, Endpoint: r.endpoint, Message: "no session token", Err: err}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Endpoint: r.endpoint, Message: "request failed", Err: err}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Endpoint: r.endpoint, Message: "read response", Err: err}
	}

	if kindForStatus(httpResp.StatusCode) == KindNetwork {
		return nil, statusError(r.endpoint, httpResp.StatusCode, data)
	}
	return &response{status: httpResp.StatusCode, body: data}, nil
}

// apiError is the server's error body.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func statusError(endpoint string, status int, body []byte) *Error {
	msg := http.StatusText(status)
	var ae apiError
	if json.Unmarshal(body, &ae) == nil {
		switch {
		case ae.Message != "":
			msg = ae.Message
		case ae.Error != "":
			msg = ae.Error
		}
	}
	return &Error{Kind: kindForStatus(status), Endpoint: endpoint, StatusCode: status, Message: msg}
}

// check turns a non-2xx response into an *Error.
func check(endpoint string, resp *response) error {
	if resp.status >= 200 && resp.status < 300 {
		return nil
	}
	return statusError(endpoint, resp.status, resp.body)
}

func decode(endpoint string, resp *response, out interface{}) error {
	if err := json.Unmarshal(resp.body, out); err != nil {
		return &Error{Kind: KindUnknown, Endpoint: endpoint, StatusCode: resp.status, Message: "decode response", Err: err}
	}
	return nil
}

// getJSON performs a GET and decodes a 2xx body into out.
func (c *Client) getJSON(ctx context.Context, endpoint, path string, query url.Values, out interface{}) error {
	resp, err := c.send(ctx, request{endpoint: endpoint, method: http.MethodGet, path: path, query: query})
	if err != nil {
		return err
	}
	if err := check(endpoint, resp); err != nil {
		return err
	}
	return decode(endpoint, resp, out)
}
