// Package testutil provides a mock paginated upstream API for tests.
package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// TokenPath is where the mock serves the OAuth2 token endpoint.
const TokenPath = "/oauth/token"

// MockResponse defines the behavior for a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// RecordedRequest is one API request seen by the mock. Token requests are
// tracked separately.
type RecordedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   string
}

// MockUpstream is a configurable mock upstream API with a token endpoint.
type MockUpstream struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc

	requests       []RecordedRequest
	tokenExchanges int
	tokenForms     []url.Values
	tokenResponse  *MockResponse
	tokenDelay     time.Duration
	rejectedKeys   map[string]bool
}

// NewMockUpstream starts a mock upstream. Unknown paths answer 404.
func NewMockUpstream() *MockUpstream {
	mock := &MockUpstream{
		handlers: make(map[string]http.HandlerFunc),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == TokenPath {
			mock.serveToken(w, r)
			return
		}

		body, _ := io.ReadAll(r.Body)
		mock.mu.Lock()
		mock.requests = append(mock.requests, RecordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.Query(),
			Header: r.Header.Clone(),
			Body:   string(body),
		})
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"not found"}`))
	}))

	return mock
}

// URL returns the mock server URL. It serves both the API and the token
// endpoint.
func (m *MockUpstream) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockUpstream) Close() {
	m.server.Close()
}

// Reset clears all recorded requests and counters.
func (m *MockUpstream) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.tokenExchanges = 0
	m.tokenForms = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockUpstream) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockUpstream) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, resp.write)
}

// SetSequence answers successive requests to path with the given responses.
// The last response repeats once the sequence is used up.
func (m *MockUpstream) SetSequence(path string, responses ...MockResponse) {
	var mu sync.Mutex
	next := 0
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resp := responses[next]
		if next < len(responses)-1 {
			next++
		}
		mu.Unlock()
		resp.write(w, r)
	})
}

// SetPages serves a paginated resource. The page query parameter selects the
// body (missing means 0); pages past the end answer 404.
func (m *MockUpstream) SetPages(path string, pages ...string) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		page := 0
		if raw := r.URL.Query().Get("page"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			page = n
		}
		if page < 0 || page >= len(pages) {
			NewJSONResponse(http.StatusNotFound, `{"error":"no such page"}`).write(w, r)
			return
		}
		NewJSONResponse(http.StatusOK, pages[page]).write(w, r)
	})
}

// SetTokenResponse overrides the token endpoint response. Pass nil to restore
// the default, which issues token-1, token-2, ... per exchange.
func (m *MockUpstream) SetTokenResponse(resp *MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenResponse = resp
}

// RejectAPIKey makes the token endpoint answer 400 invalid_client for
// exchanges carrying apiKey.
func (m *MockUpstream) RejectAPIKey(apiKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rejectedKeys == nil {
		m.rejectedKeys = make(map[string]bool)
	}
	m.rejectedKeys[apiKey] = true
}

// SetTokenDelay delays every token response.
func (m *MockUpstream) SetTokenDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenDelay = d
}

// RequestCount returns the number of API requests (excluding token requests).
func (m *MockUpstream) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.requests)
}

// Requests returns a copy of the recorded API requests.
func (m *MockUpstream) Requests() []RecordedRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RecordedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// TokenExchangeCount returns the number of token endpoint calls.
func (m *MockUpstream) TokenExchangeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tokenExchanges
}

// LastTokenForm returns the form of the latest token request.
func (m *MockUpstream) LastTokenForm() url.Values {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.tokenForms) == 0 {
		return nil
	}
	return m.tokenForms[len(m.tokenForms)-1]
}

func (m *MockUpstream) serveToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.tokenExchanges++
	n := m.tokenExchanges
	m.tokenForms = append(m.tokenForms, r.PostForm)
	override := m.tokenResponse
	delay := m.tokenDelay
	rejected := m.rejectedKeys[r.PostForm.Get("api_key")]
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	if rejected {
		NewJSONResponse(http.StatusBadRequest, `{"error":"invalid_client"}`).write(w, r)
		return
	}

	if override != nil {
		override.write(w, r)
		return
	}

	body := fmt.Sprintf(`{"access_token":"token-%d","token_type":"bearer","expires_in":3600}`, n)
	NewJSONResponse(http.StatusOK, body).write(w, r)
}

func (resp MockResponse) write(w http.ResponseWriter, _ *http.Request) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// NewJSONResponse creates a JSON response with the given status.
func NewJSONResponse(status int, body string) MockResponse {
	return MockResponse{
		StatusCode: status,
		Body:       body,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return NewJSONResponse(http.StatusInternalServerError, `{"error":"internal server error"}`)
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	resp := NewJSONResponse(http.StatusTooManyRequests, `{"error":"rate limit exceeded"}`)
	resp.Headers["Retry-After"] = "1"
	return resp
}

// Page builds an upstream page envelope with string-typed meta fields and
// the given number of result objects, numbered from firstID.
func Page(pageNumber, resultCount, firstID int) string {
	results := ""
	for i := 0; i < resultCount; i++ {
		if i > 0 {
			results += ","
		}
		results += fmt.Sprintf(`{"id":%d}`, firstID+i)
	}
	return fmt.Sprintf(`{"meta":{"pageNumber":"%d","pageSize":"50","resultCount":"%d"},"results":[%s]}`,
		pageNumber, resultCount, results)
}
