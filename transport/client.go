// Package transport moves encoded request envelopes to a replica over HTTP
// and returns the raw response. Classification of response codes and all
// retry logic stay with the engine; the only errors raised here are network
// failures and wire-contract violations.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/nustiueudinastea/icagent/principal"
	"github.com/sirupsen/logrus"
)

const contentTypeCBOR = "application/cbor"

// maxResponseBytes bounds response bodies so a misbehaving replica cannot
// exhaust memory.
const maxResponseBytes = 8 << 20

// Config configures a replica client.
type Config struct {
	// Host is the replica base URL, e.g. "https://icp-api.io".
	Host string
	// HTTPClient is optional; the default client is used when nil.
	HTTPClient *http.Client
	Log        *logrus.Entry
}

// Client posts CBOR envelopes to the four replica endpoints.
//
// A Client is immutable after construction and safe for concurrent use.
type Client struct {
	base *url.URL
	http *http.Client
	log  *logrus.Entry
}

// NewClient validates the host URL and builds a client.
func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.Host, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid replica host %q: %w", cfg.Host, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid replica host %q: scheme must be http or https", cfg.Host)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		base: base,
		http: httpClient,
		log:  log.WithField("component", "transport"),
	}, nil
}

// Response is a raw replica response. Non-2xx statuses are returned here,
// not as errors; the engine owns classification.
type Response struct {
	StatusCode int
	Body       []byte
}

// Call submits an update call for synchronous certification.
func (c *Client) Call(ctx context.Context, canisterID principal.Principal, envelope []byte) (*Response, error) {
	return c.post(ctx, fmt.Sprintf("/api/v4/canister/%s/call", canisterID), envelope)
}

// Query submits a query call.
func (c *Client) Query(ctx context.Context, canisterID principal.Principal, envelope []byte) (*Response, error) {
	return c.post(ctx, fmt.Sprintf("/api/v3/canister/%s/query", canisterID), envelope)
}

// ReadState reads canister state paths.
func (c *Client) ReadState(ctx context.Context, canisterID principal.Principal, envelope []byte) (*Response, error) {
	return c.post(ctx, fmt.Sprintf("/api/v3/canister/%s/read_state", canisterID), envelope)
}

// ReadSubnetState reads subnet state paths.
func (c *Client) ReadSubnetState(ctx context.Context, subnetID principal.Principal, envelope []byte) (*Response, error) {
	return c.post(ctx, fmt.Sprintf("/api/v3/subnet/%s/read_state", subnetID), envelope)
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*Response, error) {
	endpoint := *c.base
	endpoint.Path = strings.TrimSuffix(endpoint.Path, "/") + path

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeCBOR)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting to %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", path, err)
	}
	if len(data) > maxResponseBytes {
		return nil, fmt.Errorf("response from %s exceeds %d bytes", path, maxResponseBytes)
	}

	// Successful responses must be CBOR; error responses are often plain
	// text diagnostics and are passed through for classification.
	if resp.StatusCode >= 200 && resp.StatusCode < 300 && len(data) > 0 {
		if mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err != nil || mt != contentTypeCBOR {
			return nil, fmt.Errorf("response from %s has content type %q, want %s",
				path, resp.Header.Get("Content-Type"), contentTypeCBOR)
		}
	}

	c.log.WithFields(logrus.Fields{
		"path":   path,
		"status": resp.StatusCode,
		"bytes":  len(data),
	}).Debug("replica response")

	return &Response{StatusCode: resp.StatusCode, Body: data}, nil
}
