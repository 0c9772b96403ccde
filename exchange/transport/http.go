// Package transport provides the HTTP client the remote-modeling-service
// and co-simulation Nodes use to reach their foreign representations,
// wrapped with the retry policy needed for a long-lived exchange process
// talking to services that occasionally hiccup.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client wraps net/http with a RetryPolicy. It has no notion of the
// request/response payload shape — callers marshal/unmarshal their own
// bodies — so it is equally usable from the remote-modeling-service node
// and the co-simulation node, which speak different wire formats.
type Client struct {
	http   *http.Client
	retry  *RetryPolicy
	Header http.Header // sent with every request, merged under per-call headers
}

// NewClient returns a Client with the given timeout and retry policy.
// A nil policy disables retries (every request is attempted exactly
// once).
func NewClient(timeout time.Duration, policy *RetryPolicy) *Client {
	return &Client{
		http:   &http.Client{Timeout: timeout},
		retry:  policy,
		Header: make(http.Header),
	}
}

// Response is the result of a completed request.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// Do sends method against url with body (nil for no body), merging
// headers on top of c.Header, retrying per c.retry on failure.
func (c *Client) Do(ctx context.Context, method, url string, headers http.Header, body []byte) (Response, error) {
	var lastErr error
	attempts := 1
	if c.retry != nil {
		attempts = c.retry.MaxAttempts
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.retry.delay(attempt - 1)):
			case <-ctx.Done():
				return Response{}, ctx.Err()
			}
		}

		resp, err := c.do(ctx, method, url, headers, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if c.retry == nil || !c.retry.retryable(err) {
			return Response{}, err
		}
	}
	return Response{}, fmt.Errorf("transport: exhausted retries: %w", lastErr)
}

func (c *Client) do(ctx context.Context, method, url string, headers http.Header, body []byte) (Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return Response{}, fmt.Errorf("transport: building request: %w", err)
	}
	for k, vs := range c.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("transport: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("transport: reading response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return Response{}, &StatusError{StatusCode: resp.StatusCode, Body: respBody}
	}

	return Response{StatusCode: resp.StatusCode, Body: respBody, Header: resp.Header}, nil
}

// StatusError is returned when a request completes but the server
// reports a 4xx or 5xx status. Only the 5xx half is treated as
// potentially retryable (see RetryPolicy.retryable); a 4xx — a bad API
// key, an unknown branch or job — is never transient and is surfaced to
// the caller on the first attempt.
type StatusError struct {
	StatusCode int
	Body       []byte
}

// serverError decodes the {"error":{"message":"..."}} shape the
// modeling-service and co-simulation wire APIs use for error bodies.
type serverError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (e *StatusError) Error() string {
	var se serverError
	if err := json.Unmarshal(e.Body, &se); err == nil && se.Error.Message != "" {
		return fmt.Sprintf("transport: server returned status %d: %s", e.StatusCode, se.Error.Message)
	}
	return fmt.Sprintf("transport: server returned status %d", e.StatusCode)
}
