// Package upstream implements the HTTP client that forwards requests to the
// configured mirror.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cranlens/cranlens/internal/config"
	"github.com/cranlens/cranlens/internal/core/services"
)

// forwardedHeaders is the allowlist of request headers passed through to the
// mirror. Conditional-GET and partial-content semantics must survive the
// proxy; hop-by-hop and host-identifying headers must not.
var forwardedHeaders = []string{
	"User-Agent",
	"Accept",
	"Accept-Encoding",
	"Range",
	"If-Range",
	"If-None-Match",
	"If-Modified-Since",
}

// Client implements services.UpstreamClient against a single mirror base URL.
type Client struct {
	base        *url.URL
	http        *http.Client
	idleTimeout time.Duration
}

// New builds a Client from the upstream configuration. The underlying
// http.Client carries no overall deadline: large artifact downloads may
// legitimately run for a long time, so only connection setup, header
// receipt and per-read progress are bounded.
func New(cfg config.UpstreamConfig) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream base: %w", err)
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.HeaderTimeout,
		MaxIdleConnsPerHost:   cfg.MaxIdleConns,
		ForceAttemptHTTP2:     true,
		// The transport must not inject its own Accept-Encoding and
		// transparently decompress: passthrough is byte-faithful.
		DisableCompression: true,
	}

	return &Client{
		base:        base,
		http:        &http.Client{Transport: transport},
		idleTimeout: cfg.BodyIdleTimeout,
	}, nil
}

// Forward issues the request against the mirror. The original path and query
// are carried byte-for-byte: RawPath preserves the client's encoding and the
// query string is never re-encoded.
func (c *Client) Forward(ctx context.Context, method, path, rawQuery string, headers http.Header, body io.Reader) (*services.UpstreamResponse, error) {
	target := *c.base
	target.RawPath = path
	target.RawQuery = rawQuery
	if p, uerr := url.PathUnescape(path); uerr == nil {
		target.Path = p
	} else {
		target.Path = path
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", services.ErrUpstreamProtocol, err)
	}
	req.URL = &target
	req.Header = subsetHeaders(headers)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}

	return &services.UpstreamResponse{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   newIdleTimeoutBody(resp.Body, c.idleTimeout),
	}, nil
}

// subsetHeaders copies only the forwarding-safe headers.
func subsetHeaders(in http.Header) http.Header {
	out := make(http.Header, len(forwardedHeaders))
	for _, name := range forwardedHeaders {
		if vs := in.Values(name); len(vs) > 0 {
			out[name] = vs
		}
	}
	return out
}

// classifyError maps transport failures onto the upstream error taxonomy.
func classifyError(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", services.ErrUpstreamTimeout, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %v", services.ErrUpstreamTimeout, err)
	}

	var dnsErr *net.DNSError
	var opErr *net.OpError
	if errors.As(err, &dnsErr) || errors.As(err, &opErr) {
		return fmt.Errorf("%w: %v", services.ErrUpstreamUnreachable, err)
	}
	return fmt.Errorf("%w: %v", services.ErrUpstreamProtocol, err)
}

// idleTimeoutBody wraps a response body and aborts it when no read makes
// progress within the configured window. Without it a mirror that stops
// sending mid-body would pin the handler goroutine forever.
type idleTimeoutBody struct {
	inner   io.ReadCloser
	timeout time.Duration
	timer   *time.Timer

	mu     sync.Mutex
	fired  bool
	closed bool
}

func newIdleTimeoutBody(inner io.ReadCloser, timeout time.Duration) *idleTimeoutBody {
	b := &idleTimeoutBody{inner: inner, timeout: timeout}
	b.timer = time.AfterFunc(timeout, func() {
		b.mu.Lock()
		b.fired = true
		closed := b.closed
		b.mu.Unlock()
		if !closed {
			b.inner.Close()
		}
	})
	return b
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	n, err := b.inner.Read(p)
	if err != nil {
		b.mu.Lock()
		fired := b.fired
		b.mu.Unlock()
		if fired {
			return n, fmt.Errorf("%w: body read stalled", services.ErrUpstreamTimeout)
		}
		return n, err
	}
	b.timer.Reset(b.timeout)
	return n, nil
}

func (b *idleTimeoutBody) Close() error {
	b.timer.Stop()
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.inner.Close()
}
