package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/Sternrassler/autopage-proxy/internal/testutil"
	"github.com/Sternrassler/autopage-proxy/pkg/clientcache"
	"github.com/rs/zerolog"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Retry = testRetryConfig()

	c, err := New(cfg, clientcache.New(clientcache.DefaultConfig(), clientcache.WithLogger(zerolog.Nop())))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	c.logger = zerolog.Nop()
	return c
}

func TestNew_Validation(t *testing.T) {
	provider := clientcache.New(clientcache.DefaultConfig())

	tests := []struct {
		name        string
		modify      func(*Config)
		provider    ClientProvider
		expectError bool
		errorMsg    string
	}{
		{
			name:     "valid config",
			modify:   func(*Config) {},
			provider: provider,
		},
		{
			name:        "missing provider",
			modify:      func(*Config) {},
			provider:    nil,
			expectError: true,
			errorMsg:    "client provider is required",
		},
		{
			name:        "zero attempts",
			modify:      func(c *Config) { c.Retry.MaxAttempts = 0 },
			provider:    provider,
			expectError: true,
			errorMsg:    "retry max attempts must be >= 1",
		},
		{
			name:        "negative backoff",
			modify:      func(c *Config) { c.Retry.InitialBackoff = -1 },
			provider:    provider,
			expectError: true,
			errorMsg:    "must not be negative",
		},
		{
			name:        "zero body limit",
			modify:      func(c *Config) { c.MaxBodyBytes = 0 },
			provider:    provider,
			expectError: true,
			errorMsg:    "max body bytes must be > 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)

			_, err := New(cfg, tt.provider)

			if tt.expectError {
				if err == nil {
					t.Fatal("expected an error")
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("error = %q, want it to contain %q", err.Error(), tt.errorMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.MaxBodyBytes != 32<<20 {
		t.Errorf("MaxBodyBytes = %d, want %d", cfg.MaxBodyBytes, 32<<20)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("Retry.MaxAttempts = %d, want 3", cfg.Retry.MaxAttempts)
	}
	if cfg.UserAgent == "" {
		t.Error("UserAgent should have a default")
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status   int
		expected ErrorClass
	}{
		{200, ""},
		{302, ""},
		{400, ErrorClassClient},
		{404, ErrorClassClient},
		{429, ErrorClassRateLimit},
		{500, ErrorClassServer},
		{503, ErrorClassServer},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			if got := classifyStatus(tt.status); got != tt.expected {
				t.Errorf("classifyStatus(%d) = %q, want %q", tt.status, got, tt.expected)
			}
		})
	}
}

func TestBuildURL(t *testing.T) {
	tests := []struct {
		name        string
		base        string
		path        string
		query       url.Values
		transforms  []QueryTransform
		expected    string
		expectError bool
	}{
		{
			name:     "joins base and path",
			base:     "https://api.example.com/latest/api/",
			path:     "/invoices",
			expected: "https://api.example.com/latest/api/invoices",
		},
		{
			name:     "strips apikey in any case",
			base:     "https://api.example.com/api",
			path:     "invoices",
			query:    url.Values{"apikey": {"k"}, "ApiKey": {"k2"}, "status": {"PAID"}},
			expected: "https://api.example.com/api/invoices?status=PAID",
		},
		{
			name:       "set replaces existing values",
			base:       "https://api.example.com/api",
			path:       "/invoices",
			query:      url.Values{"page": {"7", "8"}},
			transforms: []QueryTransform{{Mode: QuerySet, Name: "page", Value: "2"}},
			expected:   "https://api.example.com/api/invoices?page=2",
		},
		{
			name:  "append and remove",
			base:  "https://api.example.com/api",
			path:  "/invoices",
			query: url.Values{"tag": {"a"}, "drop": {"x"}},
			transforms: []QueryTransform{
				{Mode: QueryAppend, Name: "tag", Value: "b"},
				{Mode: QueryRemove, Name: "drop"},
			},
			expected: "https://api.example.com/api/invoices?tag=a&tag=b",
		},
		{
			name:        "base without scheme",
			base:        "api.example.com",
			path:        "/invoices",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildURL(tt.base, tt.path, tt.query, tt.transforms)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected an error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("BuildURL() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestForward_AppliesOptions(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/invoices", testutil.NewJSONResponse(http.StatusOK, `{"results":[]}`))

	c := newTestClient(t)
	opts := Options{
		BaseURL: mock.URL(),
		BeforeRequest: func(context.Context) (string, error) {
			return "secret-token", nil
		},
		AdditionalHeaders: func(state string) map[string]string {
			return map[string]string{"Authorization": "Bearer " + state}
		},
		QueryTransforms: []QueryTransform{{Mode: QuerySet, Name: "page", Value: "3"}},
	}

	req := &Request{
		Method: http.MethodGet,
		Path:   "/invoices",
		Query:  url.Values{"apikey": {"caller-key"}, "status": {"PAID"}},
		Header: http.Header{
			"Apikey":        {"caller-key"},
			"Authorization": {"Basic abc"},
			"X-Custom":      {"kept"},
		},
	}

	resp, err := c.Forward(context.Background(), req, opts)
	if err != nil {
		t.Fatalf("Forward() error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if string(resp.Body) != `{"results":[]}` {
		t.Errorf("Body = %s", resp.Body)
	}

	requests := mock.Requests()
	if len(requests) != 1 {
		t.Fatalf("expected 1 upstream request, got %d", len(requests))
	}
	got := requests[0]

	if got.Header.Get("Authorization") != "Bearer secret-token" {
		t.Errorf("Authorization = %q", got.Header.Get("Authorization"))
	}
	if got.Header.Get("Apikey") != "" {
		t.Error("apikey header must not be forwarded")
	}
	if got.Query.Get("apikey") != "" {
		t.Error("apikey query parameter must not be forwarded")
	}
	if got.Query.Get("page") != "3" || got.Query.Get("status") != "PAID" {
		t.Errorf("Query = %v", got.Query)
	}
	if got.Header.Get("X-Custom") != "kept" {
		t.Error("ordinary headers should be forwarded")
	}
	if got.Header.Get("User-Agent") != "autopage-proxy" {
		t.Errorf("User-Agent = %q", got.Header.Get("User-Agent"))
	}
}

func TestForward_OperationExcluded(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()

	c := newTestClient(t)
	var seen string
	opts := Options{
		BaseURL: mock.URL(),
		IncludeOperation: func(operationID string) bool {
			seen = operationID
			return operationID == "get"
		},
	}

	_, err := c.Forward(context.Background(), &Request{Method: "DELETE", Path: "/invoices/1"}, opts)
	if !errors.Is(err, ErrOperationExcluded) {
		t.Fatalf("expected ErrOperationExcluded, got %v", err)
	}
	if seen != "delete" {
		t.Errorf("operation id = %q, want %q", seen, "delete")
	}
	if mock.RequestCount() != 0 {
		t.Error("excluded operations must not reach the upstream")
	}
}

func TestForward_BeforeRequestError(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()

	hookErr := errors.New("no token")
	c := newTestClient(t)
	_, err := c.Forward(context.Background(), &Request{Method: "GET", Path: "/x"}, Options{
		BaseURL:       mock.URL(),
		BeforeRequest: func(context.Context) (string, error) { return "", hookErr },
	})

	if !errors.Is(err, hookErr) {
		t.Fatalf("expected hook error, got %v", err)
	}
	if mock.RequestCount() != 0 {
		t.Error("upstream must not be contacted when the hook fails")
	}
}

func TestForward_RetryOnServerError(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetSequence("/test",
		testutil.NewServerErrorResponse(),
		testutil.NewServerErrorResponse(),
		testutil.NewJSONResponse(http.StatusOK, `{"success":true}`),
	)

	c := newTestClient(t)
	resp, err := c.Forward(context.Background(), &Request{Method: "GET", Path: "/test"}, Options{BaseURL: mock.URL()})
	if err != nil {
		t.Fatalf("Forward() failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200 after retry, got %d", resp.StatusCode)
	}
	if mock.RequestCount() != 3 {
		t.Errorf("Expected 3 attempts (2 retries), got %d", mock.RequestCount())
	}
}

func TestForward_RetryOnRateLimit(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetSequence("/test",
		testutil.NewRateLimitResponse(),
		testutil.NewJSONResponse(http.StatusOK, `{"success":true}`),
	)

	c := newTestClient(t)
	resp, err := c.Forward(context.Background(), &Request{Method: "GET", Path: "/test"}, Options{BaseURL: mock.URL()})
	if err != nil {
		t.Fatalf("Forward() failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200 after retry, got %d", resp.StatusCode)
	}
	if mock.RequestCount() != 2 {
		t.Errorf("Expected 2 attempts (1 retry), got %d", mock.RequestCount())
	}
}

func TestForward_ReturnsLastResponseWhenRetriesExhausted(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/test", testutil.NewJSONResponse(http.StatusServiceUnavailable, `{"error":"down"}`))

	c := newTestClient(t)
	resp, err := c.Forward(context.Background(), &Request{Method: "GET", Path: "/test"}, Options{BaseURL: mock.URL()})
	if err != nil {
		t.Fatalf("Forward() failed: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d, want 503", resp.StatusCode)
	}
	if string(resp.Body) != `{"error":"down"}` {
		t.Errorf("Body = %s", resp.Body)
	}
	if mock.RequestCount() != 3 {
		t.Errorf("Expected 3 attempts, got %d", mock.RequestCount())
	}
}

func TestForward_NoRetryForNonIdempotentMethods(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/invoices", testutil.NewServerErrorResponse())

	c := newTestClient(t)
	resp, err := c.Forward(context.Background(), &Request{
		Method: "POST",
		Path:   "/invoices",
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(`{"amount":10}`),
	}, Options{BaseURL: mock.URL()})
	if err != nil {
		t.Fatalf("Forward() failed: %v", err)
	}
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", resp.StatusCode)
	}

	requests := mock.Requests()
	if len(requests) != 1 {
		t.Fatalf("Expected 1 attempt, got %d", len(requests))
	}
	if requests[0].Body != `{"amount":10}` {
		t.Errorf("forwarded body = %q", requests[0].Body)
	}
}

func TestForward_NoRetryOnClientError(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/test", testutil.NewJSONResponse(http.StatusNotFound, `{"error":"missing"}`))

	c := newTestClient(t)
	resp, err := c.Forward(context.Background(), &Request{Method: "GET", Path: "/test"}, Options{BaseURL: mock.URL()})
	if err != nil {
		t.Fatalf("Forward() failed: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
	if mock.RequestCount() != 1 {
		t.Errorf("Expected 1 attempt (no retry for 4xx), got %d", mock.RequestCount())
	}
}

func TestForward_NetworkErrorExhausted(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	base := server.URL
	server.Close()

	c := newTestClient(t)
	_, err := c.Forward(context.Background(), &Request{Method: "GET", Path: "/test"}, Options{BaseURL: base})

	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("Expected ErrRetryExhausted, got %v", err)
	}
	var upstreamErr *UpstreamError
	if !errors.As(err, &upstreamErr) || upstreamErr.ErrorClass != ErrorClassNetwork {
		t.Errorf("expected a network UpstreamError, got %v", err)
	}
}

func TestForward_BodyTooLarge(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/big", testutil.NewJSONResponse(http.StatusOK, `{"results":["`+strings.Repeat("x", 64)+`"]}`))

	c := newTestClient(t)
	c.config.MaxBodyBytes = 32

	_, err := c.Forward(context.Background(), &Request{Method: "GET", Path: "/big"}, Options{BaseURL: mock.URL()})
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}
	if mock.RequestCount() != 1 {
		t.Errorf("oversized bodies must not be retried, got %d attempts", mock.RequestCount())
	}
}

type recordingLimiter struct {
	waits    int
	statuses []int
	waitErr  error
}

func (l *recordingLimiter) Wait(context.Context) error {
	l.waits++
	return l.waitErr
}

func (l *recordingLimiter) Observe(_ context.Context, status int, _ http.Header) error {
	l.statuses = append(l.statuses, status)
	return nil
}

func TestForward_Limiter(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetSequence("/test",
		testutil.NewRateLimitResponse(),
		testutil.NewJSONResponse(http.StatusOK, `{"success":true}`),
	)

	limiter := &recordingLimiter{}
	c := newTestClient(t)
	c.config.Limiter = limiter

	if _, err := c.Forward(context.Background(), &Request{Method: "GET", Path: "/test"}, Options{BaseURL: mock.URL()}); err != nil {
		t.Fatalf("Forward() failed: %v", err)
	}

	if limiter.waits != 2 {
		t.Errorf("Expected Wait before each of 2 attempts, got %d", limiter.waits)
	}
	if len(limiter.statuses) != 2 || limiter.statuses[0] != http.StatusTooManyRequests || limiter.statuses[1] != http.StatusOK {
		t.Errorf("Expected observed statuses [429 200], got %v", limiter.statuses)
	}
}

func TestForward_LimiterWaitError(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/test", testutil.NewJSONResponse(http.StatusOK, `{}`))

	waitErr := errors.New("wait cancelled")
	c := newTestClient(t)
	c.config.Limiter = &recordingLimiter{waitErr: waitErr}

	_, err := c.Forward(context.Background(), &Request{Method: "GET", Path: "/test"}, Options{BaseURL: mock.URL()})
	if !errors.Is(err, waitErr) {
		t.Fatalf("expected limiter error, got %v", err)
	}
	if mock.RequestCount() != 0 {
		t.Errorf("Expected no upstream request, got %d", mock.RequestCount())
	}
}
