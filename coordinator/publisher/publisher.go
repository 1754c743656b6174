// Package publisher pushes signed IPNS records to a delegated routing
// endpoint, an HTTP facade in front of the IPFS DHT.
package publisher

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

const (
	// ipnsRecordContentType is the media type delegated routing expects for
	// raw signed records.
	ipnsRecordContentType = "application/vnd.ipfs.ipns-record"

	// DefaultMaxAttempts bounds the publish retry loop per record.
	DefaultMaxAttempts = 3
	// retryBase seeds the exponential backoff between attempts.
	retryBase = time.Second
)

// ErrRateLimited is returned when every attempt was answered with 429.
var ErrRateLimited = errors.New("publish rate limited by routing endpoint")

// Client publishes records against one delegated routing base URL.
type Client struct {
	hc          *http.Client
	baseURL     *url.URL
	maxAttempts int
	// sleep is injectable so tests do not wait out real backoff.
	sleep func(ctx context.Context, d time.Duration) error
}

// ClientOpt is a functional option for the Client type.
type ClientOpt func(*Client)

// WithTimeout sets the per-attempt timeout of the wrapped http.Client.
func WithTimeout(timeout time.Duration) ClientOpt {
	return func(c *Client) {
		c.hc.Timeout = timeout
	}
}

// WithMaxAttempts overrides the retry budget.
func WithMaxAttempts(n int) ClientOpt {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithCustomTransport replaces the underlying http transport with a custom one.
func WithCustomTransport(t http.RoundTripper) ClientOpt {
	return func(c *Client) {
		c.hc.Transport = t
	}
}

// WithSleeper replaces the inter-attempt sleep. Test hook.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) ClientOpt {
	return func(c *Client) {
		c.sleep = sleep
	}
}

// NewClient constructs a publisher for the given routing base URL.
func NewClient(base string, opts ...ClientOpt) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return nil, errors.Errorf("invalid routing base url %q", base)
	}
	c := &Client{
		hc:          &http.Client{Timeout: 30 * time.Second},
		baseURL:     u,
		maxAttempts: DefaultMaxAttempts,
		sleep:       sleepWithContext,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Publish PUTs the base64-encoded signed record to
// {base}/routing/v1/ipns/{name}, retrying transient failures with
// exponential backoff and honoring Retry-After on 429 responses.
func (c *Client) Publish(ctx context.Context, ipnsName, signedRecordB64 string) error {
	if !cleanPathSegment(ipnsName) {
		return errors.Errorf("ipns name %q is not a clean url path segment", ipnsName)
	}
	record, err := base64.StdEncoding.DecodeString(signedRecordB64)
	if err != nil {
		return errors.Wrap(err, "signed record is not valid base64")
	}
	u := c.baseURL.ResolveReference(&url.URL{Path: "/routing/v1/ipns/" + ipnsName})

	var lastErr error
	only429 := true
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, lastDelay(lastErr, attempt)); err != nil {
				return err
			}
		}
		status, err := c.attempt(ctx, u, record)
		if err == nil {
			return nil
		}
		lastErr = err
		if status != http.StatusTooManyRequests {
			only429 = false
		}
	}
	if only429 {
		return errors.Wrapf(ErrRateLimited, "name=%s", ipnsName)
	}
	return lastErr
}

// attempt performs one PUT. On failure it returns the HTTP status code when
// one was received (0 for transport errors) and an error describing the
// attempt, carrying any Retry-After hint.
func (c *Client) attempt(ctx context.Context, u *url.URL, record []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.String(), bytes.NewReader(record))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", ipnsRecordContentType)
	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return resp.StatusCode, nil
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return resp.StatusCode, &retryAfterError{after: parseRetryAfter(resp)}
	}
	return resp.StatusCode, errors.Errorf("routing endpoint returned %d for %s", resp.StatusCode, u.Path)
}

// cleanPathSegment reports whether the name can be spliced into the publish
// path verbatim. A slash or dot segment would address a different route on
// the routing endpoint.
func cleanPathSegment(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return url.PathEscape(name) == name
}

// retryAfterError carries the server-provided backoff hint from a 429.
type retryAfterError struct {
	after time.Duration
}

func (e *retryAfterError) Error() string {
	return "routing endpoint returned 429"
}

// lastDelay picks the backoff before the given attempt: a 429 Retry-After
// hint when present, otherwise base << attempt.
func lastDelay(lastErr error, attempt int) time.Duration {
	var ra *retryAfterError
	if errors.As(lastErr, &ra) && ra.after > 0 {
		return ra.after
	}
	return retryBase << attempt
}

func parseRetryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
