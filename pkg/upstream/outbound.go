package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/net/proxy"
)

// ProxyRotator hands out outbound proxies round-robin and moves on whenever
// the current one is rate limited. An empty rotator connects directly.
type ProxyRotator struct {
	mu         sync.Mutex
	idx        int
	proxies    []*url.URL
	transports []*http.Transport
	direct     *http.Transport
}

func NewProxyRotator(rawURLs []string) (*ProxyRotator, error) {
	r := &ProxyRotator{direct: newBaseTransport()}
	for _, raw := range rawURLs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse proxy %q: %w", raw, err)
		}
		t, err := transportForProxy(u)
		if err != nil {
			return nil, err
		}
		r.proxies = append(r.proxies, u)
		r.transports = append(r.transports, t)
	}
	return r, nil
}

func newBaseTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	// Bodies are decoded by decodeBody so br and zstd work too.
	t.DisableCompression = true
	t.ForceAttemptHTTP2 = true
	t.MaxIdleConnsPerHost = 32
	t.ResponseHeaderTimeout = 0
	return t
}

func transportForProxy(u *url.URL) (*http.Transport, error) {
	t := newBaseTransport()
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		t.Proxy = http.ProxyURL(u)
	case "socks5", "socks5h":
		dialer, err := proxy.FromURL(u, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 proxy %s: %w", u.Host, err)
		}
		t.Proxy = nil
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			t.DialContext = cd.DialContext
		} else {
			t.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	return t, nil
}

func (r *ProxyRotator) Len() int {
	if r == nil {
		return 0
	}
	return len(r.proxies)
}

func (r *ProxyRotator) current() (*http.Transport, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.transports) == 0 {
		return r.direct, -1
	}
	return r.transports[r.idx], r.idx
}

// Advance skips the proxy at idx. Stale indices are ignored so concurrent
// 429s only rotate once.
func (r *ProxyRotator) Advance(idx int) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.proxies) < 2 || idx != r.idx {
		return
	}
	r.idx = (r.idx + 1) % len(r.proxies)
	log.Info("rotated outbound proxy", "proxy", redactProxy(r.proxies[r.idx]))
}

func (r *ProxyRotator) RoundTrip(req *http.Request) (*http.Response, error) {
	t, idx := r.current()
	resp, err := t.RoundTrip(req)
	if err == nil && resp.StatusCode == http.StatusTooManyRequests && idx >= 0 {
		r.Advance(idx)
	}
	return resp, err
}

func redactProxy(u *url.URL) string {
	c := *u
	c.User = nil
	return c.String()
}

// rewriteTransport sends every request through a reverse proxy prefix,
// e.g. a worker that forwards https://worker/<host>/<path>.
type rewriteTransport struct {
	base   http.RoundTripper
	prefix *url.URL
}

func (rt rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.Header = req.Header.Clone()
	target := *req.URL
	out.URL = rt.prefix.JoinPath(target.Host, target.EscapedPath())
	out.URL.RawQuery = target.RawQuery
	out.Host = out.URL.Host
	out.Header.Set("X-Target-Host", target.Host)
	return rt.base.RoundTrip(out)
}

type ClientOptions struct {
	Proxies    []string
	RewriteURL string
	// Transport overrides the network layer, mostly for tests.
	Transport http.RoundTripper
}

// Client issues upstream calls and maps failures onto the error taxonomy.
type Client struct {
	http    *http.Client
	rotator *ProxyRotator
}

func NewClient(opts ClientOptions) (*Client, error) {
	rotator, err := NewProxyRotator(opts.Proxies)
	if err != nil {
		return nil, err
	}
	var rt http.RoundTripper = rotator
	if opts.Transport != nil {
		rt = opts.Transport
	}
	if s := strings.TrimSpace(opts.RewriteURL); s != "" {
		u, err := url.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("parse rewrite url: %w", err)
		}
		rt = rewriteTransport{base: rt, prefix: u}
	}
	return &Client{
		http:    &http.Client{Transport: rt},
		rotator: rotator,
	}, nil
}

func (c *Client) Rotator() *ProxyRotator { return c.rotator }

// Do sends req and returns the decoded body of a 2xx response. The timeout
// covers the whole exchange including reading the body; closing the body
// releases it.
func (c *Client) Do(ctx context.Context, provider string, req *Request, timeout time.Duration) (*http.Response, error) {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	hreq, err := http.NewRequestWithContext(cctx, method, req.URL, body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%s: build request: %w", provider, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	if hreq.Header.Get("Accept-Encoding") == "" {
		hreq.Header.Set("Accept-Encoding", acceptEncoding)
	}

	started := time.Now()
	resp, err := c.http.Do(hreq)
	if err != nil {
		cancel()
		return nil, classifyTransportError(ctx, provider, hreq.URL.Path, err)
	}
	decoded, err := decodeBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		cancel()
		return nil, &NetworkError{Provider: provider, Op: hreq.URL.Path, Err: err}
	}
	resp.Body = &cancelOnClose{ReadCloser: decoded, cancel: cancel}
	resp.Header.Del("Content-Encoding")
	log.Debug("upstream response", "provider", provider, "path", hreq.URL.Path, "status", resp.StatusCode, "latency", time.Since(started))

	if resp.StatusCode >= 400 {
		b, _ := readLimited(resp.Body, maxErrorBody)
		_ = resp.Body.Close()
		return nil, &UpstreamError{Provider: provider, StatusCode: resp.StatusCode, Body: truncateBody(b)}
	}
	return resp, nil
}

func classifyTransportError(parent context.Context, provider, op string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	timeout := false
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		timeout = true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		timeout = true
	}
	return &NetworkError{Provider: provider, Op: op, Err: err, Timeout: timeout}
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.once.Do(c.cancel)
	return err
}

func readLimited(r io.Reader, n int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, n))
}

// ReadAll drains and closes a successful response body.
func ReadAll(provider string, resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		op := ""
		if resp.Request != nil {
			op = resp.Request.URL.Path
		}
		return nil, &NetworkError{Provider: provider, Op: op, Err: err}
	}
	return b, nil
}
