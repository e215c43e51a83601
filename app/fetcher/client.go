package fetcher

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// MaxBodySize caps how much of a response body is read
const MaxBodySize = 32 << 20

type Request struct {
	URL             string
	Header          http.Header
	FollowRedirects bool
	Proxy           string
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	URL        string // final URL after any followed redirects
}

// Client performs a single GET. A returned error means no response was received.
type Client interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

var _ Client = (*HTTPClient)(nil)

// HTTPClient is the net/http implementation of Client
type HTTPClient struct {
	timeout   time.Duration
	transport *http.Transport
	limiter   *HostLimiter

	mu      sync.Mutex
	proxied map[string]*http.Transport
}

func NewHTTPClient(timeout time.Duration, verifyTLS bool, limiter *HostLimiter) *HTTPClient {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: !verifyTLS}

	return &HTTPClient{
		timeout:   timeout,
		transport: transport,
		limiter:   limiter,
		proxied:   make(map[string]*http.Transport),
	}
}

func (c *HTTPClient) Do(ctx context.Context, r *Request) (*Response, error) {
	target, err := url.Parse(r.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", r.URL, err)
	}

	if err := c.limiter.Wait(ctx, target.Host); err != nil {
		return nil, err
	}

	transport, err := c.transportFor(r.Proxy)
	if err != nil {
		return nil, err
	}

	client := &http.Client{
		Timeout:   c.timeout,
		Transport: transport,
	}
	if !r.FollowRedirects {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, values := range r.Header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		URL:        resp.Request.URL.String(),
	}, nil
}

func (c *HTTPClient) transportFor(proxy string) (*http.Transport, error) {
	if proxy == "" {
		return c.transport, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.proxied[proxy]; ok {
		return t, nil
	}

	proxyURL, err := url.Parse(proxy)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy %q: %w", proxy, err)
	}

	t := c.transport.Clone()
	t.Proxy = http.ProxyURL(proxyURL)
	c.proxied[proxy] = t
	return t, nil
}

// Forget drops the cached transport of a discarded proxy
func (c *HTTPClient) Forget(proxy string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.proxied[proxy]; ok {
		t.CloseIdleConnections()
		delete(c.proxied, proxy)
	}
}
