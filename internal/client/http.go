// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"fleetagent/pkg/agent"
)

// Config configures an HTTPClient.
type Config struct {
	BaseURL     string
	WorkerToken string
	Timeout     time.Duration // per-call default; claim overrides with longPollMs+5s
	InsecureTLS bool
	MaxAttempts int           // retry attempts for retryable endpoints; claim is never retried
	Logger      *slog.Logger
}

// HTTPClient is the net/http-backed Client implementation.
type HTTPClient struct {
	cfg    Config
	hc     *http.Client
	base   *url.URL
	logger *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient validates cfg and constructs an HTTPClient.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("client: base URL is empty")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("client: invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("client: unsupported base URL scheme %q", u.Scheme)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureTLS,
			MinVersion:         tls.VersionTLS12,
		},
	}
	return &HTTPClient{
		cfg:    cfg,
		hc:     &http.Client{Timeout: cfg.Timeout, Transport: transport},
		base:   u,
		logger: cfg.Logger,
	}, nil
}

func (c *HTTPClient) url(path string) string {
	u := *c.base
	u.Path = u.Path + path
	return u.String()
}

// do issues a single HTTP request, decoding a JSON response body into
// out (when non-nil) on 2xx. The returned status is always populated,
// even on error, so retry logic can classify without re-parsing.
func (c *HTTPClient) do(ctx context.Context, method, path, leaseToken string, body, out any) (int, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("client: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reqBody)
	if err != nil {
		return 0, fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.WorkerToken)
	if leaseToken != "" {
		req.Header.Set("X-Lease-Token", leaseToken)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, &httpStatusError{status: resp.StatusCode, body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("client: decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// httpStatusError carries a non-2xx status through doWithRetry before
// classify wraps it into the public *Error type.
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.status, e.body)
}

// classifyErr converts a raw transport/status error plus lease
// awareness into the public Error type.
func classifyErr(err error, status int, leaseBearing bool) error {
	if err == nil {
		return nil
	}
	if status == http.StatusUnauthorized && leaseBearing {
		return &Error{Kind: KindLeaseExpired, Status: status, Err: err}
	}
	var hs *httpStatusError
	if errors.As(err, &hs) {
		return &Error{Kind: KindHTTP, Status: hs.status, Body: hs.body, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindNetwork, Err: err}
}

func (c *HTTPClient) Claim(ctx context.Context, req ClaimRequest) (*agent.TaskLease, error) {
	timeout := c.cfg.Timeout
	if req.LongPollMs > 0 {
		timeout = time.Duration(req.LongPollMs)*time.Millisecond + 5*time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The shared http.Client's Timeout would otherwise cut a long poll
	// off at cfg.Timeout, so claim runs on a copy carrying its own.
	cc := *c
	hc := *c.hc
	hc.Timeout = timeout
	cc.hc = &hc

	var out ClaimResponse
	status, err := cc.do(cctx, http.MethodPost, "/tasks/claim", "", req, &out)
	if err != nil {
		return nil, classifyErr(err, status, false)
	}
	return out.Task, nil
}

func (c *HTTPClient) Heartbeat(ctx context.Context, taskID, leaseToken string, req HeartbeatRequest) (HeartbeatResponse, error) {
	var out HeartbeatResponse
	path := fmt.Sprintf("/tasks/%s/heartbeat", taskID)
	err := doWithRetry(ctx, c.logger, newRetryPolicy("heartbeat", c.cfg.MaxAttempts), func(ctx context.Context) (int, error) {
		status, err := c.do(ctx, http.MethodPost, path, leaseToken, req, &out)
		return status, err
	})
	if err != nil {
		return HeartbeatResponse{}, classifyErr(unwrapLast(err), lastStatus(err), true)
	}
	return out, nil
}

func (c *HTTPClient) GetContext(ctx context.Context, taskID, leaseToken string) (agent.RuntimeContext, error) {
	var out ContextResponse
	path := fmt.Sprintf("/tasks/%s/context", taskID)
	err := doWithRetry(ctx, c.logger, newRetryPolicy("getContext", c.cfg.MaxAttempts), func(ctx context.Context) (int, error) {
		return c.do(ctx, http.MethodGet, path, leaseToken, nil, &out)
	})
	if err != nil {
		return agent.RuntimeContext{}, classifyErr(unwrapLast(err), lastStatus(err), true)
	}
	return out.Context, nil
}

func (c *HTTPClient) SubmitEvents(ctx context.Context, taskID, leaseToken string, events []agent.RunEvent) error {
	path := fmt.Sprintf("/tasks/%s/events", taskID)
	req := SubmitEventsRequest{Events: events}
	err := doWithRetry(ctx, c.logger, newRetryPolicy("submitEvents", c.cfg.MaxAttempts), func(ctx context.Context) (int, error) {
		return c.do(ctx, http.MethodPost, path, leaseToken, req, nil)
	})
	if err != nil {
		return classifyErr(unwrapLast(err), lastStatus(err), true)
	}
	return nil
}

func (c *HTTPClient) Complete(ctx context.Context, taskID, leaseToken string, req CompleteRequest) error {
	path := fmt.Sprintf("/tasks/%s/complete", taskID)
	err := doWithRetry(ctx, c.logger, newRetryPolicy("complete", c.cfg.MaxAttempts), func(ctx context.Context) (int, error) {
		return c.do(ctx, http.MethodPost, path, leaseToken, req, nil)
	})
	if err != nil {
		return classifyErr(unwrapLast(err), lastStatus(err), true)
	}
	return nil
}

func (c *HTTPClient) Fail(ctx context.Context, taskID, leaseToken string, req FailRequest) error {
	path := fmt.Sprintf("/tasks/%s/fail", taskID)
	err := doWithRetry(ctx, c.logger, newRetryPolicy("fail", c.cfg.MaxAttempts), func(ctx context.Context) (int, error) {
		return c.do(ctx, http.MethodPost, path, leaseToken, req, nil)
	})
	if err != nil {
		return classifyErr(unwrapLast(err), lastStatus(err), true)
	}
	return nil
}

// unwrapLast and lastStatus recover the final attempt's raw error and
// status from doWithRetry's returned error, which is what the last fn
// invocation produced, or the context's error when the context ended
// during a backoff sleep.
func unwrapLast(err error) error {
	if hs, ok := err.(*httpStatusError); ok {
		return hs
	}
	return err
}

func lastStatus(err error) int {
	if hs, ok := err.(*httpStatusError); ok {
		return hs.status
	}
	return 0
}
