// Package client is the JSON-over-HTTP client shared by the proof backend
// sources, the proof submitter and the HTTP payout rail.
//
// Every failure leaves the client as a judge error: 404 is KindNotFound,
// other 4xx answers are KindInvalidInput, and transport failures, 429 and
// 5xx answers are KindNetworkTimeout once retries run out.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/exploopio/judge/pkg/core"
	"github.com/exploopio/judge/pkg/errors"
	"github.com/exploopio/judge/pkg/retry"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultRetryDelay = time.Second
	defaultBurst      = 10
	maxResponseBytes  = 4 << 20
	userAgent         = "zkjudge/1.0"
)

// Config holds client configuration.
type Config struct {
	BaseURL string        `yaml:"base_url" json:"base_url"`
	APIKey  string        `yaml:"api_key" json:"api_key"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`

	// RateLimit caps outbound requests per second. Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit"`
	Burst     int     `yaml:"burst" json:"burst"`

	Logger core.Logger `yaml:"-" json:"-"`
}

// DefaultConfig returns a config with the default timeout and retry delay
// and no retries.
func DefaultConfig() *Config {
	return &Config{Timeout: defaultTimeout, RetryDelay: defaultRetryDelay}
}

// Client performs JSON requests against one base URL. It is safe for
// concurrent use.
type Client struct {
	base    string
	apiKey  string
	http    *http.Client
	policy  retry.Policy
	limiter *rate.Limiter
	logger  core.Logger
}

func New(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	timeout, delay := cfg.Timeout, cfg.RetryDelay
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	c := &Client{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey: cfg.APIKey,
		http:   &http.Client{Timeout: timeout},
		logger: core.OrNop(cfg.Logger),
		policy: retry.Policy{
			MaxAttempts: max(cfg.MaxRetries, 0) + 1,
			Backoff: &retry.BackoffConfig{
				BaseInterval: delay,
				MaxInterval:  retry.DefaultMaxInterval,
				Jitter:       retry.DefaultJitter,
			},
		},
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = defaultBurst
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c
}

func (c *Client) BaseURL() string { return c.base }

// PostJSON POSTs in as JSON and decodes the answer into out, which may be nil.
func (c *Client) PostJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errors.E(errors.KindInternal, "client.PostJSON", "marshal request", err)
	}
	return c.exchange(ctx, http.MethodPost, path, body, out)
}

// GetJSON GETs path and decodes the answer into out, which may be nil.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	return c.exchange(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) exchange(ctx context.Context, method, path string, body []byte, out any) error {
	data, err := c.Do(ctx, method, path, body)
	if err != nil || out == nil || len(data) == 0 {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.E(errors.KindNetworkTimeout, method+" "+path, "malformed response", err)
	}
	return nil
}

// Do sends body to path and returns the raw answer, retrying transport
// failures, 429 and 5xx other than 501.
func (c *Client) Do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	op := method + " " + path
	p := c.policy
	p.ShouldRetry = func(err error) bool {
		if ctx.Err() != nil {
			return false
		}
		se, ok := AsStatusError(err)
		return !ok || se.Retryable()
	}
	p.OnRetry = func(attempt int, err error, wait time.Duration) {
		c.logger.Debug("%s: attempt %d/%d failed, retrying in %v: %v", op, attempt, p.MaxAttempts, wait, err)
	}

	var data []byte
	err := retry.Do(ctx, p, func(ctx context.Context, _ int) error {
		var err error
		data, err = c.send(ctx, method, c.base+path, body)
		return err
	})
	if err != nil {
		return nil, Classify(err, op)
	}
	return data, nil
}

func (c *Client) send(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, err
	}
	h := req.Header
	h.Set("Accept", "application/json")
	h.Set("User-Agent", userAgent)
	if body != nil {
		h.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		h.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, &StatusError{
			Code:      resp.StatusCode,
			Body:      strings.TrimSpace(string(data)),
			RequestID: resp.Header.Get("X-Request-ID"),
		}
	}
	return data, nil
}

// StatusError is a non-2xx answer.
type StatusError struct {
	Code      int
	Body      string
	RequestID string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("http %d", e.Code)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.RequestID != "" {
		msg += " (request_id: " + e.RequestID + ")"
	}
	return msg
}

// Kind maps the status onto a judge error kind.
func (e *StatusError) Kind() errors.Kind {
	switch {
	case e.Code == http.StatusNotFound:
		return errors.KindNotFound
	case e.Code == http.StatusTooManyRequests, e.Code >= 500:
		return errors.KindNetworkTimeout
	default:
		return errors.KindInvalidInput
	}
}

// Retryable reports whether the same request may succeed later.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || (e.Code >= 500 && e.Code != http.StatusNotImplemented)
}

// AsStatusError unwraps err to a StatusError.
func AsStatusError(err error) (*StatusError, bool) {
	var se *StatusError
	ok := stderrors.As(err, &se)
	return se, ok
}

// Classify turns a raw client failure into a judge error. Errors that
// already carry a kind pass through unchanged.
func Classify(err error, op string) error {
	if err == nil || errors.GetKind(err) != errors.KindUnknown {
		return err
	}
	if se, ok := AsStatusError(err); ok {
		return errors.E(se.Kind(), op, http.StatusText(se.Code), err)
	}
	return errors.E(errors.KindNetworkTimeout, op, "request failed", err)
}
