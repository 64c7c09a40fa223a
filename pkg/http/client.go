package http

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/astro-web3/graph-gateway/pkg/tracer"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultRetry     = 2
	DefaultRetryWait = 200 * time.Millisecond
	userAgent        = "graph-gateway"
)

var (
	//nolint:gochecknoglobals // Shared client for callers that need no custom base URL
	defaultClient *Client
	//nolint:gochecknoglobals // Global once is intentional for thread-safe initialization
	once sync.Once
)

type Options struct {
	BaseURL string
	Timeout time.Duration
	// RetryCount applies to GET requests only; other methods are never retried.
	RetryCount int
	RetryWait  time.Duration
	// Transport overrides the round tripper, mainly for tests.
	Transport http.RoundTripper
}

// Client is a resty client that traces every call and propagates the trace
// context to the upstream.
type Client struct {
	resty *resty.Client
}

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = DefaultRetryWait
	}

	r := resty.New().
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(opts.RetryWait).
		AddRetryCondition(retryable).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", userAgent).
		OnBeforeRequest(propagateHook)
	if opts.BaseURL != "" {
		r.SetBaseURL(strings.TrimRight(opts.BaseURL, "/"))
	}
	if opts.Transport != nil {
		r.SetTransport(opts.Transport)
	}

	return &Client{resty: r}
}

// Default returns the shared client instance.
func Default() *Client {
	once.Do(func() {
		defaultClient = New(Options{Timeout: DefaultTimeout, RetryCount: DefaultRetry})
	})
	return defaultClient
}

// retryable retries idempotent reads that failed upstream. Writes are left to
// the caller because a lost response does not mean the write was lost.
func retryable(resp *resty.Response, err error) bool {
	if resp == nil || resp.Request == nil || resp.Request.Method != http.MethodGet {
		return false
	}
	return err != nil || resp.StatusCode() >= http.StatusInternalServerError
}

type RequestOption func(*resty.Request)

func WithBasicAuth(user, pass string) RequestOption {
	return func(r *resty.Request) {
		if user != "" {
			r.SetBasicAuth(user, pass)
		}
	}
}

func WithBody(body any) RequestOption {
	return func(r *resty.Request) {
		r.SetBody(body)
	}
}

// WithResult decodes both success and error bodies into result.
func WithResult(result any) RequestOption {
	return func(r *resty.Request) {
		if result != nil {
			r.SetResult(result).SetError(result)
		}
	}
}

func WithHeader(key, value string) RequestOption {
	return func(r *resty.Request) {
		r.SetHeader(key, value)
	}
}

// Request sends one request under a client span named after the method.
func (c *Client) Request(ctx context.Context, method, url string, opts ...RequestOption) (*resty.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracer.Start(ctx, "http.client."+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.full", redactURL(c.resolve(url))),
		),
	)
	defer span.End()

	request := c.resty.R().SetContext(ctx)
	for _, opt := range opts {
		opt(request)
	}

	resp, err := request.Execute(method, url)
	recordSpan(span, resp, err)
	return resp, err
}

func (c *Client) resolve(url string) string {
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return url
	}
	return c.resty.BaseURL + url
}

func (c *Client) Get(ctx context.Context, url string, opts ...RequestOption) (*resty.Response, error) {
	return c.Request(ctx, http.MethodGet, url, opts...)
}

func (c *Client) Post(ctx context.Context, url string, opts ...RequestOption) (*resty.Response, error) {
	return c.Request(ctx, http.MethodPost, url, opts...)
}

func recordSpan(span trace.Span, resp *resty.Response, err error) {
	if err != nil {
		tracer.Fail(span, err)
		return
	}
	if resp == nil {
		return
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode()))
	if attempt := resp.Request.Attempt; attempt > 1 {
		span.SetAttributes(attribute.Int("http.request.resend_count", attempt-1))
	}
	if resp.IsError() {
		span.SetStatus(codes.Error, resp.Status())
		return
	}
	span.SetStatus(codes.Ok, "")
}
