// Package signer provides a typed HTTP client for the sealed signer, the
// out-of-process component holding the secrets needed to unseal IPNS keys and
// produce signed records. The coordinator only ever handles sealed key blobs;
// nothing in this package logs key material.
package signer

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

const (
	healthPath    = "/health"
	publicKeyPath = "/public-key"
	republishPath = "/republish"

	// DefaultTimeout bounds every signer request.
	DefaultTimeout = 30 * time.Second

	// publicKeyLen is the size of an uncompressed secp256k1 public key.
	publicKeyLen = 65
	// uncompressedPrefix is the SEC1 tag for an uncompressed point.
	uncompressedPrefix = 0x04
)

// Client is a wrapper object around the HTTP client talking to the sealed
// signer.
type Client struct {
	hc      *http.Client
	baseURL *url.URL
	token   string
}

// NewClient constructs a new client with the provided options (ex WithTimeout).
// `host` is the base host + port used to construct request urls. This value
// can be a URL string, or NewClient will assume an http endpoint if just
// `host:port` is used.
func NewClient(host string, opts ...ClientOpt) (*Client, error) {
	u, err := urlForHost(host)
	if err != nil {
		return nil, err
	}
	c := &Client{
		hc:      &http.Client{Timeout: DefaultTimeout},
		baseURL: u,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func urlForHost(h string) (*url.URL, error) {
	// try to parse as url (being permissive)
	u, err := url.Parse(h)
	if err == nil && u.Host != "" {
		return u, nil
	}
	// try to parse as host:port
	host, port, err := net.SplitHostPort(h)
	if err != nil {
		return nil, ErrMalformedHostname
	}
	return &url.URL{Host: net.JoinHostPort(host, port), Scheme: "http"}, nil
}

// NodeURL returns a human-readable string representation of the signer base url.
func (c *Client) NodeURL() string {
	return c.baseURL.String()
}

// Health queries GET /health. A transport error or non-2xx status is
// returned as an error; interpretation of an unhealthy-but-responding signer
// is left to the caller.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	body, err := c.get(ctx, healthPath, nil)
	if err != nil {
		return nil, err
	}
	hs := &HealthStatus{}
	if err := json.Unmarshal(body, hs); err != nil {
		return nil, errors.Wrap(err, "could not decode signer health response")
	}
	return hs, nil
}

// PublicKey queries GET /public-key?epoch=n and validates the returned key
// material: exactly 65 bytes, leading byte 0x04. Any deviation fails with
// ErrInvalidKeyFormat.
func (c *Client) PublicKey(ctx context.Context, epoch uint64) ([]byte, error) {
	q := url.Values{}
	q.Set("epoch", decimal(epoch))
	body, err := c.get(ctx, publicKeyPath, q)
	if err != nil {
		return nil, err
	}
	pkr := &publicKeyResponse{}
	if err := json.Unmarshal(body, pkr); err != nil {
		return nil, errors.Wrap(err, "could not decode signer public key response")
	}
	key, err := hex.DecodeString(pkr.PublicKey)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidKeyFormat, "not valid hex")
	}
	if len(key) != publicKeyLen {
		return nil, errors.Wrapf(ErrInvalidKeyFormat, "expected %d bytes, got %d", publicKeyLen, len(key))
	}
	if key[0] != uncompressedPrefix {
		return nil, errors.Wrapf(ErrInvalidKeyFormat, "expected uncompressed point prefix 0x04, got 0x%02x", key[0])
	}
	return key, nil
}

// SignBatch submits a batch of enrollments via POST /republish and returns
// the per-entry results. The result slice may be shorter than the entry
// slice; the caller treats missing trailing results as failures.
func (c *Client) SignBatch(ctx context.Context, entries []BatchEntry) ([]SignResult, error) {
	reqBody, err := json.Marshal(&signBatchRequest{Entries: entries})
	if err != nil {
		return nil, errors.Wrap(err, "could not encode sign batch request")
	}
	u := c.baseURL.ResolveReference(&url.URL{Path: republishPath})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	r, err := c.hc.Do(req)
	if err != nil {
		return nil, c.wrapTransportErr(err, u)
	}
	defer func() {
		err = r.Body.Close()
	}()
	if r.StatusCode < 200 || r.StatusCode > 299 {
		return nil, non200Err(r)
	}
	respBody, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errors.Wrap(err, "error reading sign batch response body")
	}
	sbr := &signBatchResponse{}
	if err := json.Unmarshal(respBody, sbr); err != nil {
		return nil, errors.Wrap(err, "could not decode sign batch response")
	}
	if len(sbr.Results) > len(entries) {
		return nil, errors.Errorf("signer returned %d results for %d entries", len(sbr.Results), len(entries))
	}
	return sbr.Results, nil
}

// get is a generic GET helper against the signer, reducing boilerplate
// amongst the getters in this package.
func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := c.baseURL.ResolveReference(&url.URL{Path: path})
	if query != nil {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	r, err := c.hc.Do(req)
	if err != nil {
		return nil, c.wrapTransportErr(err, u)
	}
	defer func() {
		err = r.Body.Close()
	}()
	if r.StatusCode < 200 || r.StatusCode > 299 {
		return nil, non200Err(r)
	}
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errors.Wrap(err, "error reading http response body")
	}
	return b, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// wrapTransportErr maps deadline failures to ErrSignerTimeout so callers can
// distinguish a slow signer from a broken one. The URL is included; request
// bodies never are.
func (c *Client) wrapTransportErr(err error, u *url.URL) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrapf(ErrSignerTimeout, "url=%s", u.String())
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return errors.Wrapf(ErrSignerTimeout, "url=%s", u.String())
	}
	return err
}

func decimal(v uint64) string {
	return strconv.FormatUint(v, 10)
}
