package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"mediafetch/internal"
)

// HTTPClientConfig contains configuration for the HTTP client
type HTTPClientConfig struct {
	Timeout  time.Duration // whole-request timeout, 0 for streaming bodies
	ProxyURL string
}

// HTTPClient wraps http.Client with proxy support, user-agent rotation and
// mapping of HTTP statuses onto FetchErrors. Retrying is left to callers.
type HTTPClient struct {
	client       *http.Client
	userAgent    string
	userAgentIdx int
	cookieSource CookieSource
	mutex        sync.RWMutex
}

// Predefined user agent strings for rotation
var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:109.0) Gecko/20100101 Firefox/120.0",
	"Mozilla/5.0 (X11; Linux x86_64; rv:109.0) Gecko/20100101 Firefox/120.0",
}

// NewHTTPClient creates a new HTTP client with default configuration
func NewHTTPClient() *HTTPClient {
	client, _ := NewHTTPClientWithConfig(&HTTPClientConfig{})
	return client
}

// NewHTTPClientWithConfig creates a new HTTP client with custom configuration
func NewHTTPClientWithConfig(config *HTTPClientConfig) (*HTTPClient, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}

	if config.ProxyURL != "" {
		if err := configureProxy(transport, config.ProxyURL); err != nil {
			return nil, err
		}
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   config.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}

	return &HTTPClient{
		client:    client,
		userAgent: defaultUserAgents[0],
	}, nil
}

// configureProxy sets up proxy configuration for the transport
func configureProxy(transport *http.Transport, proxyURL string) error {
	parsedURL, err := url.Parse(proxyURL)
	if err != nil {
		return fmt.Errorf("invalid proxy URL: %w", err)
	}

	switch parsedURL.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsedURL)
	case "socks5":
		var auth *proxy.Auth
		if parsedURL.User != nil {
			password, _ := parsedURL.User.Password()
			auth = &proxy.Auth{User: parsedURL.User.Username(), Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", parsedURL.Host, auth, proxy.Direct)
		if err != nil {
			return fmt.Errorf("failed to create SOCKS5 proxy: %w", err)
		}
		if ctxDialer, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = ctxDialer.DialContext
		} else {
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	default:
		return fmt.Errorf("unsupported proxy scheme: %s", parsedURL.Scheme)
	}

	return nil
}

func (c *HTTPClient) newRequest(ctx context.Context, method, rawURL string, headers map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, internal.NewInvalidURLError(rawURL, err.Error())
	}

	c.mutex.RLock()
	req.Header.Set("User-Agent", c.userAgent)
	if c.cookieSource != nil {
		for _, cookie := range c.cookieSource.ForURL(req.URL) {
			req.AddCookie(cookie)
		}
	}
	c.mutex.RUnlock()

	req.Header.Set("Accept", "*/*")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	return req, nil
}

// Head issues a HEAD request and maps failure statuses to FetchErrors
func (c *HTTPClient) Head(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// GetRange issues a GET starting at offset. Servers that ignore the Range
// header answer 200 with the full body; callers must check StatusCode.
func (c *HTTPClient) GetRange(ctx context.Context, rawURL string, offset int64) (*http.Response, error) {
	var headers map[string]string
	if offset > 0 {
		headers = map[string]string{"Range": "bytes=" + strconv.FormatInt(offset, 10) + "-"}
	}
	req, err := c.newRequest(ctx, http.MethodGet, rawURL, headers)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *HTTPClient) do(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(req.Context().Err(), context.Canceled) {
			return nil, internal.NewCancelledError(req.URL.String(), context.Canceled)
		}
		errType := internal.ErrNetworkTimeout
		if internal.ClassifyError(err) == internal.ClassPermanent {
			errType = internal.ErrTransferFailed
		}
		return nil, internal.WrapFetchError(errType, "request failed", err).WithURL(req.URL.String())
	}

	if mapped := StatusError(resp, req.URL.String()); mapped != nil {
		if resp.StatusCode == http.StatusForbidden {
			c.RotateUserAgent()
		}
		resp.Body.Close()
		return nil, mapped
	}
	return resp, nil
}

// StatusError maps a non-success HTTP status to a FetchError, nil otherwise
func StatusError(resp *http.Response, rawURL string) *internal.FetchError {
	switch {
	case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusPartialContent:
		return nil
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return internal.NewNotFoundError(rawURL)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return internal.NewAccessDeniedError(rawURL, fmt.Sprintf("HTTP %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return internal.NewRateLimitError(retryAfter).WithURL(rawURL)
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		fetchErr := internal.NewFetchError(internal.ErrTransferFailed, rangeNotSatisfiable).WithURL(rawURL)
		if total, ok := unsatisfiedRangeTotal(resp.Header.Get("Content-Range")); ok {
			fetchErr.WithContext(rangeTotalKey, total)
		}
		return fetchErr
	case resp.StatusCode >= 500:
		return internal.NewFetchError(internal.ErrServerError, fmt.Sprintf("server error %d", resp.StatusCode)).WithURL(rawURL)
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		return nil
	default:
		return internal.NewFetchError(internal.ErrTransferFailed, fmt.Sprintf("unexpected status %d", resp.StatusCode)).WithURL(rawURL)
	}
}

const (
	rangeNotSatisfiable = "requested range not satisfiable"
	rangeTotalKey       = "range_total"
)

// unsatisfiedRangeTotal parses the "bytes */N" form sent with a 416
func unsatisfiedRangeTotal(header string) (int64, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes */")
	if !ok {
		return 0, false
	}
	total, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || total < 0 {
		return 0, false
	}
	return total, true
}

// RangeNotSatisfiable reports whether err is a 416 answer and, when the
// server sent one, the full resource size from its Content-Range
func RangeNotSatisfiable(err error) (total int64, known, ok bool) {
	var fetchErr *internal.FetchError
	if !errors.As(err, &fetchErr) || fetchErr.Type != internal.ErrTransferFailed || fetchErr.Message != rangeNotSatisfiable {
		return 0, false, false
	}
	total, known = fetchErr.Context[rangeTotalKey].(int64)
	return total, known, true
}

// RotateUserAgent rotates to the next user agent string
func (c *HTTPClient) RotateUserAgent() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.userAgentIdx = (c.userAgentIdx + 1) % len(defaultUserAgents)
	c.userAgent = defaultUserAgents[c.userAgentIdx]
}

// GetCurrentUserAgent returns the current user agent string
func (c *HTTPClient) GetCurrentUserAgent() string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.userAgent
}

// CookieSource selects cookies per request URL
type CookieSource interface {
	ForURL(target *url.URL) []*http.Cookie
}

// SetCookieSource attaches cookies chosen per request URL
func (c *HTTPClient) SetCookieSource(source CookieSource) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.cookieSource = source
}
