// Package client forwards single requests to the upstream API. It applies the
// caller's forwarding options (auth hooks, inclusion predicate, query
// transforms), retries idempotent requests, and returns fully buffered
// responses.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autopage_upstream_requests_total",
		Help: "Total upstream requests by method and status",
	}, []string{"method", "status"})

	upstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "autopage_upstream_request_duration_seconds",
		Help:    "Upstream request duration in seconds by method",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"method"})

	upstreamErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autopage_upstream_errors_total",
		Help: "Total upstream errors by class",
	}, []string{"class"})
)

// ErrorClass represents a classification of upstream failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors other than 429.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// Request is an inbound request to be forwarded. Path is relative to the
// upstream base URL.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// Response is a fully buffered upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Forwarder performs one request/response cycle against the upstream API.
type Forwarder interface {
	Forward(ctx context.Context, req *Request, opts Options) (*Response, error)
}

// QueryTransformMode selects how a QueryTransform changes the query string.
type QueryTransformMode int

const (
	// QuerySet replaces all values of the parameter.
	QuerySet QueryTransformMode = iota
	// QueryAppend adds a value to the parameter.
	QueryAppend
	// QueryRemove deletes the parameter.
	QueryRemove
)

// QueryTransform rewrites one query parameter before the request is sent.
type QueryTransform struct {
	Mode  QueryTransformMode
	Name  string
	Value string
}

// TagTransformMode and PrefixMode control how routes derived from the API
// specification are named. Forward does not use them.
type (
	TagTransformMode string
	PrefixMode       string
)

const (
	TagTransformOriginal TagTransformMode = "original"
	PrefixOnly           PrefixMode       = "only_prefix"
)

// Options configure a single Forward call.
type Options struct {
	// BaseURL is the upstream API root.
	BaseURL string

	// SpecificationURL points at the upstream's OpenAPI document. It is part
	// of the forwarder contract for forwarders that derive routes from the
	// document; Forward proxies by path and does not read it.
	SpecificationURL string

	// BeforeRequest runs before the request is built. Its result is passed to
	// AdditionalHeaders.
	BeforeRequest func(ctx context.Context) (string, error)

	// AdditionalHeaders returns headers to set on the outbound request.
	AdditionalHeaders func(state string) map[string]string

	// IncludeOperation decides whether an operation may be forwarded. The
	// operation identifier is the lower-cased HTTP method. Nil allows all.
	IncludeOperation func(operationID string) bool

	// QueryTransforms are applied in order to the outbound query.
	QueryTransforms []QueryTransform

	// Route naming for specification-driven forwarders. Forward ignores both.
	TagTransform TagTransformMode
	Prefix       PrefixMode
}

// Limiter gates upstream attempts. Wait blocks while the upstream is known to
// be rate limiting; Observe records every response.
type Limiter interface {
	Wait(ctx context.Context) error
	Observe(ctx context.Context, statusCode int, header http.Header) error
}

// ClientProvider supplies the shared outbound HTTP client.
type ClientProvider interface {
	GetClient() (*http.Client, error)
}

// Config holds the forwarder configuration.
type Config struct {
	// Retry controls retries of GET and HEAD requests. Other methods are sent
	// exactly once.
	Retry RetryConfig

	// MaxBodyBytes limits the size of a buffered upstream body.
	MaxBodyBytes int64

	// UserAgent is sent when the inbound request has none.
	UserAgent string

	// Limiter is optional.
	Limiter Limiter
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		Retry:        DefaultRetryConfig(),
		MaxBodyBytes: 32 << 20,
		UserAgent:    "autopage-proxy",
	}
}

// Client is the default Forwarder.
type Client struct {
	clients ClientProvider
	config  Config
	logger  zerolog.Logger
}

// New creates a forwarder that sends requests with clients from the provider.
func New(cfg Config, clients ClientProvider) (*Client, error) {
	if clients == nil {
		return nil, fmt.Errorf("client provider is required")
	}

	if cfg.Retry.MaxAttempts < 1 {
		return nil, fmt.Errorf("retry max attempts must be >= 1 (got %d)", cfg.Retry.MaxAttempts)
	}

	if cfg.Retry.InitialBackoff < 0 {
		return nil, fmt.Errorf("retry initial backoff must not be negative")
	}

	if cfg.MaxBodyBytes <= 0 {
		return nil, fmt.Errorf("max body bytes must be > 0 (got %d)", cfg.MaxBodyBytes)
	}

	return &Client{
		clients: clients,
		config:  cfg,
		logger:  log.With().Str("component", "forwarder").Logger(),
	}, nil
}

// Forward sends req to opts.BaseURL and returns the buffered response.
//
// Upstream error statuses are not errors: the final response is returned as
// is, after retries for idempotent methods. Errors are returned when the
// operation is excluded, BeforeRequest fails, the client cannot be obtained,
// the body exceeds MaxBodyBytes, or the network fails on every attempt.
func (c *Client) Forward(ctx context.Context, req *Request, opts Options) (*Response, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	operationID := strings.ToLower(method)
	if opts.IncludeOperation != nil && !opts.IncludeOperation(operationID) {
		return nil, fmt.Errorf("%w: %s %s", ErrOperationExcluded, method, req.Path)
	}

	var state string
	if opts.BeforeRequest != nil {
		var err error
		state, err = opts.BeforeRequest(ctx)
		if err != nil {
			return nil, fmt.Errorf("before request: %w", err)
		}
	}

	target, err := BuildURL(opts.BaseURL, req.Path, req.Query, opts.QueryTransforms)
	if err != nil {
		return nil, err
	}

	header := outboundHeader(req.Header)
	if opts.AdditionalHeaders != nil {
		for key, value := range opts.AdditionalHeaders(state) {
			header.Set(key, value)
		}
	}
	if header.Get("User-Agent") == "" && c.config.UserAgent != "" {
		header.Set("User-Agent", c.config.UserAgent)
	}
	if header.Get("Accept") == "" {
		header.Set("Accept", "application/json")
	}

	httpClient, err := c.clients.GetClient()
	if err != nil {
		return nil, err
	}

	retry := c.config.Retry
	if method != http.MethodGet && method != http.MethodHead {
		retry.MaxAttempts = 1
	}

	c.logger.Debug().
		Str("method", method).
		Str("path", req.Path).
		Msg("Forwarding request")

	var resp *Response
	retryErr := retryWithBackoff(ctx, retry, func() error {
		if c.config.Limiter != nil {
			if err := c.config.Limiter.Wait(ctx); err != nil {
				return err
			}
		}
		var attemptErr error
		resp, attemptErr = c.do(ctx, httpClient, method, target, header, req.Body)
		if resp != nil && c.config.Limiter != nil {
			if err := c.config.Limiter.Observe(ctx, resp.StatusCode, resp.Header); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to record rate limit state")
			}
		}
		return attemptErr
	}, classOf)

	if retryErr != nil {
		var upstreamErr *UpstreamError
		if resp != nil && errors.As(retryErr, &upstreamErr) && upstreamErr.StatusCode != 0 {
			// Retryable status on the last attempt: hand the response back.
			return resp, nil
		}
		return nil, retryErr
	}

	return resp, nil
}

// do performs one attempt. A retryable status returns both the response and
// an *UpstreamError.
func (c *Client) do(ctx context.Context, httpClient *http.Client, method, target string, header http.Header, body []byte) (*Response, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header = header.Clone()

	start := time.Now()
	httpResp, err := httpClient.Do(httpReq)
	upstreamRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		}
		c.logger.Error().Err(err).Str("method", method).Msg("Upstream request failed")
		upstreamErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		upstreamRequestsTotal.WithLabelValues(method, "network_error").Inc()
		return nil, &UpstreamError{ErrorClass: ErrorClassNetwork, Message: "request failed", Err: err}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, c.config.MaxBodyBytes+1))
	if err != nil {
		upstreamErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, &UpstreamError{
			StatusCode: 0,
			ErrorClass: ErrorClassNetwork,
			Message:    "read body",
			Err:        err,
		}
	}
	if int64(len(data)) > c.config.MaxBodyBytes {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrBodyTooLarge, c.config.MaxBodyBytes)
	}

	upstreamRequestsTotal.WithLabelValues(method, strconv.Itoa(httpResp.StatusCode)).Inc()

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header.Clone(),
		Body:       data,
	}

	errClass := classifyStatus(httpResp.StatusCode)
	if errClass == "" {
		return resp, nil
	}

	upstreamErrorsTotal.WithLabelValues(string(errClass)).Inc()
	c.logger.Warn().
		Str("method", method).
		Int("status", httpResp.StatusCode).
		Str("error_class", string(errClass)).
		Msg("Upstream error response")

	if !shouldRetry(errClass) {
		return resp, nil
	}
	return resp, &UpstreamError{
		StatusCode: httpResp.StatusCode,
		ErrorClass: errClass,
		Message:    httpResp.Status,
	}
}

// classifyStatus maps an HTTP status to an error class, or "" for success.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// BuildURL joins base and path and encodes the query after removing the
// apikey parameter and applying transforms in order.
func BuildURL(base, path string, query url.Values, transforms []QueryTransform) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/"))
	if err != nil {
		return "", fmt.Errorf("build upstream url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("upstream base url %q must include scheme and host", base)
	}

	q := url.Values{}
	for key, values := range query {
		if strings.EqualFold(key, "apikey") {
			continue
		}
		q[key] = append([]string(nil), values...)
	}

	for _, t := range transforms {
		switch t.Mode {
		case QuerySet:
			q.Set(t.Name, t.Value)
		case QueryAppend:
			q.Add(t.Name, t.Value)
		case QueryRemove:
			q.Del(t.Name)
		}
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Headers that must not be copied to the upstream request.
var droppedHeaders = []string{
	"Apikey",
	"Authorization",
	"Host",
	"Content-Length",
	"Accept-Encoding",
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func outboundHeader(in http.Header) http.Header {
	out := in.Clone()
	if out == nil {
		out = http.Header{}
	}
	for _, name := range droppedHeaders {
		out.Del(name)
	}
	return out
}
