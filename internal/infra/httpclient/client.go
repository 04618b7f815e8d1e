package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"
)

func New(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// Client wraps an http.Client with bounded retries. Transport errors and 5xx
// responses are retried with the base delay doubling per attempt; 4xx and
// other responses are returned as-is.
type Client struct {
	http      *http.Client
	retries   int
	baseDelay time.Duration
}

func NewRetrying(timeout time.Duration, retries int, baseDelay time.Duration) *Client {
	if retries < 0 {
		retries = 0
	}
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}

	return &Client{
		http:      New(timeout),
		retries:   retries,
		baseDelay: baseDelay,
	}
}

func (c *Client) PostJSON(ctx context.Context, url string, body []byte) (*http.Response, error) {
	var lastErr error

	delay := c.baseDelay
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			resp.Body.Close()
			lastErr = fmt.Errorf("server responded %d", resp.StatusCode)
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("post %s after %d attempts: %w", url, c.retries+1, lastErr)
}
