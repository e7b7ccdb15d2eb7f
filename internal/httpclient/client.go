// Package httpclient delivers webhook notifications and alerts with bounded
// retries and jittered exponential backoff. Adapted from the teacher's
// internal/httpclient resilient client, narrowed to the POST-a-JSON-body
// shape this project's caller (the sample pipeline's notify handler)
// actually needs, and given jittered backoff so a burst of failed
// deliveries doesn't retry in lockstep.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"
)

// ClientConfig tunes retry behavior for one Client.
type ClientConfig struct {
	MaxAttempts          int
	MinBackoff           time.Duration
	MaxBackoff           time.Duration
	Timeout              time.Duration
	RetryableStatusCodes []int
}

// DefaultClientConfig is a sensible starting point for webhook delivery:
// four attempts, half a second up to thirty seconds of jittered backoff.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		MaxAttempts:          4,
		MinBackoff:           500 * time.Millisecond,
		MaxBackoff:           30 * time.Second,
		Timeout:              60 * time.Second,
		RetryableStatusCodes: []int{429, 500, 502, 503, 504},
	}
}

func (cfg ClientConfig) retryable(status int) bool {
	for _, code := range cfg.RetryableStatusCodes {
		if code == status {
			return true
		}
	}
	return false
}

// Client delivers HTTP requests with automatic retries on transport errors
// and retryable status codes.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

// New returns a Client with its own *http.Client sized to cfg.Timeout.
func New(cfg ClientConfig) *Client {
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

// NewWithHTTPClient wraps an existing *http.Client instead of creating one.
func NewWithHTTPClient(cfg ClientConfig, hc *http.Client) *Client {
	return &Client{cfg: cfg, http: hc}
}

// Do runs req, retrying on transport errors and cfg.RetryableStatusCodes
// until cfg.MaxAttempts is exhausted or ctx is done.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	var lastErr error
	var lastResp *http.Response

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		attemptReq := req.Clone(ctx)
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("httpclient: rebuild request body for retry: %w", err)
			}
			attemptReq.Body = body
		}

		resp, err := c.http.Do(attemptReq)
		if err != nil {
			lastErr = err
			c.backoffSleep(ctx, attempt)
			continue
		}

		if c.cfg.retryable(resp.StatusCode) {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastResp = resp
			lastErr = fmt.Errorf("httpclient: retryable status %d from %s", resp.StatusCode, req.URL)
			c.backoffSleep(ctx, attempt)
			continue
		}

		return resp, nil
	}

	if lastErr != nil {
		return lastResp, fmt.Errorf("httpclient: gave up after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
	}
	return lastResp, nil
}

// backoffSleep blocks for a jittered exponential delay before the next
// attempt, or returns early if ctx ends first.
func (c *Client) backoffSleep(ctx context.Context, attempt int) {
	select {
	case <-ctx.Done():
	case <-time.After(c.jitteredDelay(attempt)):
	}
}

// jitteredDelay doubles the minimum backoff per attempt, capped at
// MaxBackoff, then picks uniformly at random between half that value and
// the full value ("equal jitter" variant) so concurrent retries spread out
// instead of synchronizing.
func (c *Client) jitteredDelay(attempt int) time.Duration {
	backoff := c.cfg.MinBackoff << attempt
	if backoff <= 0 || backoff > c.cfg.MaxBackoff {
		backoff = c.cfg.MaxBackoff
	}
	half := backoff / 2
	if half <= 0 {
		return backoff
	}
	return half + time.Duration(rand.Int63n(int64(half)))
}

// PostJSON marshals payload and POSTs it with an application/json content
// type, the shape every current caller needs.
func (c *Client) PostJSON(ctx context.Context, url string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("httpclient: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("httpclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.Do(ctx, req)
}
