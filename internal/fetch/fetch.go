// Package fetch implements the outbound HTTP client behind the script http namespace.
//
// Security:
//   - Only http and https URLs
//   - Private/internal addresses blocked at dial time, redirects included
//   - Optional domain allowlist checked before every request and redirect
//   - Response body capped to prevent OOM
//   - Timeout enforced via context
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultMaxResponseBytes = 10 << 20 // 10 MB
	defaultTimeout          = 30 * time.Second
	defaultUserAgent        = "toolrun/1.0"
	maxRedirects            = 5
)

// Config configures outbound request restrictions.
type Config struct {
	// AllowPrivateNetworks disables the private-address guard. Development only.
	AllowPrivateNetworks bool
	// AllowedDomains restricts requests to these domains and their subdomains. Empty = any public host.
	AllowedDomains   []string
	MaxResponseBytes int64         // 0 = 10 MB default.
	Timeout          time.Duration // 0 = 30s default.
	UserAgent        string
}

// Request is one outbound call made by a script.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// Response is what the script receives back.
type Response struct {
	Status    int
	Body      string
	Truncated bool
}

// Client performs guarded outbound requests.
type Client struct {
	config Config
	http   *http.Client
	logger *slog.Logger
}

// New creates a Client.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = defaultMaxResponseBytes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	if !cfg.AllowPrivateNetworks {
		dialer.Control = dialControl
	}
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	c := &Client{config: cfg, logger: logger}
	c.http = &http.Client{
		Transport:     transport,
		CheckRedirect: c.checkRedirect,
	}
	return c
}

// Do performs req. Non-2xx statuses are not errors; the script sees them.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	parsed, err := c.validateURL(req.URL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var body io.Reader
	if req.Body != "" && method != http.MethodGet && method != http.MethodHead {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, parsed.String(), body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	c.logger.DebugContext(ctx, "outbound request",
		slog.String("method", method),
		slog.String("host", parsed.Host),
	)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	truncated := false
	if int64(len(data)) > c.config.MaxResponseBytes {
		data = data[:c.config.MaxResponseBytes]
		truncated = true
	}

	return &Response{Status: resp.StatusCode, Body: string(data), Truncated: truncated}, nil
}

func (c *Client) validateURL(rawURL string) (*url.URL, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("%w: only http/https schemes allowed, got %q", ErrBlocked, parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return nil, fmt.Errorf("invalid URL %q: missing host", rawURL)
	}
	if len(c.config.AllowedDomains) > 0 && !IsDomainAllowed(parsed.Hostname(), c.config.AllowedDomains) {
		return nil, fmt.Errorf("%w: domain %q is not in the allowlist", ErrBlocked, parsed.Hostname())
	}
	return parsed, nil
}

// checkRedirect bounds redirect chains and applies the URL rules to each hop.
func (c *Client) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("too many redirects (max %d)", maxRedirects)
	}
	_, err := c.validateURL(req.URL.String())
	return err
}
