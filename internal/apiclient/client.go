// Package apiclient is the HTTP client for the equipment-management backend.
//
// Every request runs through a [resilience.FallbackGroup] spanning the
// configured base URLs, so each backend replica has its own circuit breaker.
// Failed calls are classified by an [errhandler.Handler] and returned as
// [*apierror.ProcessedError].
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/MrWong99/equipguard/internal/apierror"
	"github.com/MrWong99/equipguard/internal/errhandler"
	"github.com/MrWong99/equipguard/internal/observe"
	"github.com/MrWong99/equipguard/internal/resilience"
)

const (
	// DefaultTimeout bounds a single attempt against one base URL.
	DefaultTimeout = 15 * time.Second

	// DefaultMaxBodyBytes caps how much of a response body is read.
	DefaultMaxBodyBytes = 1 << 20

	// BreakerPrefix prefixes the breaker name of every base URL.
	BreakerPrefix = "equipment-api:"
)

// Config configures a [Client].
type Config struct {
	// BaseURLs lists the backend replicas. The first is the primary; the rest
	// are tried in order when it fails or its breaker is open.
	BaseURLs []string

	// Timeout bounds a single attempt. Zero selects [DefaultTimeout].
	Timeout time.Duration

	UserAgent string

	// MaxBodyBytes caps response bodies. Zero selects [DefaultMaxBodyBytes].
	MaxBodyBytes int64
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if len(c.BaseURLs) == 0 {
		errs = append(errs, errors.New("apiclient: at least one base URL is required"))
	}
	for i, raw := range c.BaseURLs {
		u, err := url.Parse(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("apiclient: base_urls[%d]: %w", i, err))
			continue
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("apiclient: base_urls[%d]: %q is not an absolute http(s) URL", i, raw))
		}
	}
	if c.Timeout < 0 {
		errs = append(errs, errors.New("apiclient: timeout must not be negative"))
	}
	return errors.Join(errs...)
}

// TokenProvider supplies bearer tokens for outgoing requests.
type TokenProvider interface {
	Token(ctx context.Context) (*oauth2.Token, error)
}

// Option configures a [Client].
type Option func(*Client)

// WithTokens authenticates every request with a bearer token from tp.
func WithTokens(tp TokenProvider) Option {
	return func(c *Client) { c.tokens = tp }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// Client calls the equipment-management backend. It is safe for concurrent
// use.
type Client struct {
	group     *resilience.FallbackGroup[string]
	handler   *errhandler.Handler
	http      *http.Client
	tokens    TokenProvider
	timeout   time.Duration
	maxBody   int64
	userAgent string
}

// New creates a [Client]. Breakers for the base URLs are registered with m
// under [BreakerPrefix] plus the URL's host.
func New(cfg Config, m *resilience.Manager, h *errhandler.Handler, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		handler:   h,
		http:      http.DefaultClient,
		timeout:   cfg.Timeout,
		maxBody:   cfg.MaxBodyBytes,
		userAgent: cfg.UserAgent,
	}
	if c.timeout == 0 {
		c.timeout = DefaultTimeout
	}
	if c.maxBody == 0 {
		c.maxBody = DefaultMaxBodyBytes
	}
	for _, o := range opts {
		o(c)
	}

	fc := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{IsExpected: IsExpected},
	}
	for i, raw := range cfg.BaseURLs {
		base := strings.TrimRight(raw, "/")
		name := BreakerName(base)
		if i == 0 {
			c.group = resilience.NewFallbackGroup(m, base, name, fc)
			continue
		}
		c.group.AddFallback(name, base)
	}
	return c, nil
}

// BreakerName returns the breaker name used for baseURL.
func BreakerName(baseURL string) string {
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
		return BreakerPrefix + u.Host
	}
	return BreakerPrefix + baseURL
}

// Breakers returns the breaker names in failover order.
func (c *Client) Breakers() []string { return c.group.Names() }

// IsExpected reports whether err is a caller-side outcome that says nothing
// about backend health: a cancelled request or a 4xx response other than 408
// and 429.
func IsExpected(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var re *apierror.ResponseError
	if errors.As(err, &re) {
		return re.Status >= 400 && re.Status < 500 &&
			re.Status != http.StatusRequestTimeout &&
			re.Status != http.StatusTooManyRequests
	}
	return false
}

// request describes one logical call.
type request struct {
	method string
	path   string
	query  url.Values
	in     any
	header http.Header
}

// do performs req against the fallback group and decodes the response into
// out. Any failure is processed by the error handler and returned as a
// [*apierror.ProcessedError].
func (c *Client) do(ctx context.Context, req request, out any) error {
	ctx, span := observe.StartBackendCall(ctx, req.method, req.path)
	defer span.End()

	var body []byte
	if req.in != nil {
		var err error
		if body, err = json.Marshal(req.in); err != nil {
			return c.fail(ctx, span, req, apierror.NewException(fmt.Errorf("apiclient: encode request: %w", err)))
		}
	}

	var tok *oauth2.Token
	if c.tokens != nil {
		var err error
		if tok, err = c.tokens.Token(ctx); err != nil {
			return c.fail(ctx, span, req, fmt.Errorf("apiclient: obtain token: %w", err))
		}
	}

	err := c.group.Execute(ctx, func(ctx context.Context, base string) error {
		return c.attempt(ctx, base, req, body, tok, out)
	})
	if err != nil {
		return c.fail(ctx, span, req, err)
	}
	return nil
}

// attempt sends req to one base URL.
func (c *Client) attempt(ctx context.Context, base string, req request, body []byte, tok *oauth2.Token, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := base + req.path
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.method, target, rd)
	if err != nil {
		return apierror.NewException(fmt.Errorf("apiclient: build request: %w", err))
	}
	for k, vs := range req.header {
		hr.Header[k] = vs
	}
	hr.Header.Set("Accept", "application/json")
	if body != nil {
		hr.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		hr.Header.Set("User-Agent", c.userAgent)
	}
	if tok != nil {
		tok.SetAuthHeader(hr)
	}
	observe.Inject(ctx, hr.Header)

	resp, err := c.http.Do(hr)
	if err != nil {
		return transportError(err, req.method, target)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return transportError(err, req.method, target)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return &apierror.ResponseError{
			Status: resp.StatusCode,
			Body:   data,
			URL:    target,
			Method: req.method,
		}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apierror.NewException(fmt.Errorf("apiclient: decode %s %s: %w", req.method, req.path, err))
	}
	return nil
}

// fail hands err to the error handler and marks the span failed. Rejections
// by open breakers carry no backend response and surface as transport errors.
func (c *Client) fail(ctx context.Context, span trace.Span, req request, err error) error {
	var raw apierror.RawError
	if !errors.As(err, &raw) && errors.Is(err, resilience.ErrCircuitOpen) {
		err = &apierror.TransportError{Op: "breaker", URL: req.path, Method: req.method, Err: err}
	}

	p := c.handler.Process(ctx, err)
	observe.FailBackendCall(span, p, string(p.Type), p.CorrelationID)
	return p
}

// transportError converts a failed round trip into a [RawError] stamped
// with the request's method and URL.
func transportError(err error, method, target string) error {
	raw := apierror.FromError(err)
	if te, ok := raw.(*apierror.TransportError); ok {
		te.Method = method
		if te.URL == "" {
			te.URL = target
		}
	}
	return raw
}
