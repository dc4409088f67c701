package kinescope

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const userAgent = "kinescope-dl/0.3 (+https://github.com/Sti11ness/kinescope-dl)"

// RetryPolicy is the immutable retry contract shared by every HTTP call
// the engine makes. It is injected into the client at construction.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration // base, grows quadratically per attempt
	Statuses    []int         // transient statuses worth retrying
}

// DefaultRetryPolicy matches the CDN behaviour the endpoints are known
// for: five attempts with a 500ms quadratic backoff on the usual
// overload statuses.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Backoff:     500 * time.Millisecond,
		Statuses:    []int{429, 500, 502, 503, 504},
	}
}

func (p RetryPolicy) retryable(status int) bool {
	for _, s := range p.Statuses {
		if s == status {
			return true
		}
	}
	return false
}

// Client performs all HTTP traffic for one downloader: manifest fetches,
// segment fetches and the license exchange. All requests carry the fixed
// CDN referer and an identity content-encoding preference. The client is
// safe for concurrent use.
type Client struct {
	http    *http.Client
	retry   RetryPolicy
	referer string
	log     zerolog.Logger
}

// NewClient builds a client with a bounded connection pool. referer is
// attached to every request.
func NewClient(referer string, policy RetryPolicy, logger zerolog.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 20,
	}
	return &Client{
		http: &http.Client{
			Timeout:   20 * time.Second,
			Transport: transport,
		},
		retry:   policy,
		referer: referer,
		log:     logger,
	}
}

func (c *Client) prepare(req *http.Request) {
	req.Header.Set("Referer", c.referer)
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("User-Agent", userAgent)
}

// do runs one request under the retry policy. The request body, when
// present, must be replayable, so callers pass it as a byte slice.
func (c *Client) do(ctx context.Context, method, rawURL string, body []byte, extra http.Header) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt*attempt) * c.retry.Backoff
			c.log.Warn().Str("url", rawURL).Int("attempt", attempt).Dur("backoff", wait).Msg("retrying request")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
		if err != nil {
			return nil, err
		}
		c.prepare(req)
		for k, vs := range extra {
			for _, v := range vs {
				req.Header.Set(k, v)
			}
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if c.retry.retryable(resp.StatusCode) {
			resp.Body.Close()
			lastErr = fmt.Errorf("%s %s: %s", method, rawURL, resp.Status)
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", c.retry.MaxAttempts, lastErr)
}

// Get fetches rawURL with the shared headers and retry policy. Non-2xx
// responses that are not retryable are returned to the caller as-is, so
// the detector can inspect the status.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, rawURL, nil, nil)
}

// FetchText downloads rawURL and returns the body. A non-200 status is
// an error.
func (c *Client) FetchText(ctx context.Context, rawURL string) (string, error) {
	resp, err := c.Get(ctx, rawURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: %s", rawURL, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// PostJSON posts a JSON payload and returns the raw response body. Used
// by the license exchange, which additionally carries an origin header.
func (c *Client) PostJSON(ctx context.Context, rawURL string, payload []byte, extra http.Header) ([]byte, error) {
	head := http.Header{}
	head.Set("Content-Type", "application/json")
	for k, vs := range extra {
		for _, v := range vs {
			head.Set(k, v)
		}
	}
	resp, err := c.do(ctx, http.MethodPost, rawURL, payload, head)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("POST %s: %s", rawURL, resp.Status)
	}
	return io.ReadAll(resp.Body)
}
