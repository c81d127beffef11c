package pagination

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Sternrassler/autopage-proxy/pkg/auth"
	"github.com/Sternrassler/autopage-proxy/pkg/client"
	"github.com/Sternrassler/autopage-proxy/pkg/clientcache"
	"github.com/Sternrassler/autopage-proxy/pkg/jsonvalue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveAPIKey(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header string
		want   string
	}{
		{name: "default", target: "/x", want: "default"},
		{name: "header", target: "/x", header: "from-header", want: "from-header"},
		{name: "query", target: "/x?apikey=from-query", want: "from-query"},
		{name: "query name any case", target: "/x?ApiKey=from-query", want: "from-query"},
		{name: "query beats header", target: "/x?apikey=from-query", header: "from-header", want: "from-query"},
		{name: "empty query ignored", target: "/x?apikey=", header: "from-header", want: "from-header"},
		{name: "empty everything", target: "/x?apikey=", want: "default"},
		{name: "exact name wins over other spellings", target: "/x?ApiKey=mixed&apikey=exact&APIKEY=upper", want: "exact"},
		{name: "other spellings in sorted order", target: "/x?ApiKey=mixed&APIKEY=upper", want: "upper"},
		{name: "empty exact falls to other spelling", target: "/x?apikey=&ApiKey=mixed", want: "mixed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				r.Header.Set("apikey", tt.header)
			}
			// Query maps iterate in random order; the result must not.
			for i := 0; i < 20; i++ {
				assert.Equal(t, tt.want, ResolveAPIKey(r, "default"))
			}
		})
	}
}

func TestIncludeOperation(t *testing.T) {
	readOnly := IncludeOperation(true)
	assert.True(t, readOnly("get"))
	assert.True(t, readOnly("GET"))
	assert.False(t, readOnly("delete"))
	assert.False(t, readOnly("post"))

	readWrite := IncludeOperation(false)
	assert.True(t, readWrite("get"))
	assert.True(t, readWrite("delete"))
}

func TestPagingEligible(t *testing.T) {
	enabled := Config{IsAutoPagingEnabled: true}

	tests := []struct {
		name   string
		cfg    Config
		method string
		target string
		want   bool
	}{
		{name: "plain get", cfg: enabled, method: http.MethodGet, target: "/invoices", want: true},
		{name: "caller page ignored", cfg: enabled, method: http.MethodGet, target: "/invoices?page=3", want: true},
		{name: "size set", cfg: enabled, method: http.MethodGet, target: "/invoices?size=5", want: false},
		{name: "empty size set", cfg: enabled, method: http.MethodGet, target: "/invoices?size=", want: false},
		{name: "post", cfg: enabled, method: http.MethodPost, target: "/invoices", want: false},
		{name: "head", cfg: enabled, method: http.MethodHead, target: "/invoices", want: false},
		{name: "disabled", cfg: Config{}, method: http.MethodGet, target: "/invoices", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, tt.target, nil)
			assert.Equal(t, tt.want, PagingEligible(tt.cfg, r))
		})
	}
}

type recordingTokens struct {
	apiKey string
	creds  auth.Credentials
}

func (r *recordingTokens) GetToken(_ context.Context, apiKey string, creds auth.Credentials) (string, error) {
	r.apiKey = apiKey
	r.creds = creds
	return "tok-" + apiKey, nil
}

func TestBuildOptions(t *testing.T) {
	tokens := &recordingTokens{}
	agg, err := New(Config{
		ClientID:         "id",
		ClientSecret:     "secret",
		RedirectURI:      "https://localhost/cb",
		URL:              "https://api.example.com/api",
		SpecificationURL: "https://api.example.com/swagger.json",
		IsReadOnly:       true,
	}, Deps{Tokens: tokens, Forwarder: stubForwarder{}})
	require.NoError(t, err)

	first := agg.BuildOptions("key-a", 0)
	assert.Equal(t, "https://api.example.com/api", first.BaseURL)
	assert.Equal(t, "https://api.example.com/swagger.json", first.SpecificationURL)
	assert.Empty(t, first.QueryTransforms)
	assert.Equal(t, client.TagTransformOriginal, first.TagTransform)
	assert.Equal(t, client.PrefixOnly, first.Prefix)
	assert.False(t, first.IncludeOperation("delete"))
	assert.True(t, first.IncludeOperation("get"))

	token, err := first.BeforeRequest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-key-a", token)
	assert.Equal(t, "key-a", tokens.apiKey)
	assert.Equal(t, "https://api.example.com/api", tokens.creds.TokenEndpointBaseURL)
	assert.Equal(t, map[string]string{"Authorization": "Bearer tok-key-a"}, first.AdditionalHeaders(token))

	later := agg.BuildOptions("key-a", 3)
	assert.Equal(t, []client.QueryTransform{{Mode: client.QuerySet, Name: "page", Value: "3"}}, later.QueryTransforms)
}

func mustParse(t *testing.T, s string) *jsonvalue.Value {
	t.Helper()
	v, err := jsonvalue.Parse([]byte(s))
	require.NoError(t, err)
	return v
}

func TestPageNumberOf(t *testing.T) {
	tests := []struct {
		name      string
		doc       string
		want      int
		paginated bool
		wantErr   bool
	}{
		{name: "string number", doc: `{"meta":{"pageNumber":"4"}}`, want: 4, paginated: true},
		{name: "json number", doc: `{"meta":{"pageNumber":2}}`, want: 2, paginated: true},
		{name: "padded", doc: `{"meta":{"pageNumber":" 7 "}}`, want: 7, paginated: true},
		{name: "no meta", doc: `{"results":[]}`},
		{name: "meta not object", doc: `{"meta":"x"}`},
		{name: "missing", doc: `{"meta":{"resultCount":"1"}}`},
		{name: "null", doc: `{"meta":{"pageNumber":null}}`},
		{name: "blank", doc: `{"meta":{"pageNumber":"  "}}`},
		{name: "non-numeric", doc: `{"meta":{"pageNumber":"one"}}`, wantErr: true},
		{name: "negative", doc: `{"meta":{"pageNumber":"-1"}}`, wantErr: true},
		{name: "object", doc: `{"meta":{"pageNumber":{}}}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, paginated, err := pageNumberOf(mustParse(t, tt.doc), 5)
			if tt.wantErr {
				var formatErr *UpstreamFormatError
				require.True(t, errors.As(err, &formatErr), "got %v", err)
				assert.Equal(t, 5, formatErr.Page)
				assert.Equal(t, "meta.pageNumber", formatErr.Field)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.paginated, paginated)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHasMorePages(t *testing.T) {
	assert.False(t, hasMorePages(mustParse(t, `{"meta":{"resultCount":"0"}}`)))
	assert.False(t, hasMorePages(mustParse(t, `{"meta":{"resultCount":0}}`)))
	assert.True(t, hasMorePages(mustParse(t, `{"meta":{"resultCount":"25"}}`)))
	assert.True(t, hasMorePages(mustParse(t, `{"meta":{"resultCount":" 0"}}`)))
	assert.True(t, hasMorePages(mustParse(t, `{"meta":{"resultCount":null}}`)))
	assert.True(t, hasMorePages(mustParse(t, `{"meta":{}}`)))
}

func TestPostProcess(t *testing.T) {
	t.Run("rewrites meta", func(t *testing.T) {
		doc := mustParse(t, `{"meta":{"pageNumber":"3","pageSize":"50","resultCount":"0","sort":"id"},"results":[1,2,3]}`)
		require.NoError(t, postProcess(doc, 3))

		out, err := doc.MarshalJSON()
		require.NoError(t, err)
		assert.JSONEq(t, `{"meta":{"pageCount":3,"resultCount":3,"sort":"id"},"results":[1,2,3]}`, string(out))
	})

	t.Run("no meta", func(t *testing.T) {
		doc := mustParse(t, `{"results":[1]}`)
		require.NoError(t, postProcess(doc, 1))
		out, err := doc.MarshalJSON()
		require.NoError(t, err)
		assert.JSONEq(t, `{"results":[1]}`, string(out))
	})

	t.Run("resultCount without results array", func(t *testing.T) {
		doc := mustParse(t, `{"meta":{"pageNumber":"1","resultCount":"2"},"results":{"a":1}}`)
		err := postProcess(doc, 1)
		var formatErr *UpstreamFormatError
		require.True(t, errors.As(err, &formatErr))
		assert.Equal(t, "results", formatErr.Field)
	})

	t.Run("no resultCount leaves results alone", func(t *testing.T) {
		doc := mustParse(t, `{"meta":{"pageNumber":"1"},"items":[1]}`)
		require.NoError(t, postProcess(doc, 1))
		out, err := doc.MarshalJSON()
		require.NoError(t, err)
		assert.JSONEq(t, `{"meta":{"pageCount":1},"items":[1]}`, string(out))
	})
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		page    int
		hasPage bool
	}{
		{
			name:   "authentication",
			err:    &auth.AuthenticationError{KeyHash: "abcd", Err: errors.New("denied")},
			status: http.StatusBadGateway,
		},
		{
			name:   "authentication inside page fetch",
			err:    &ProxyRequestError{Page: 2, Err: fmt.Errorf("before request: %w", &auth.AuthenticationError{Err: errors.New("denied")})},
			status: http.StatusBadGateway,
		},
		{
			name:   "client init",
			err:    &ProxyRequestError{Err: &clientcache.InitError{Err: errors.New("bad proxy")}},
			status: http.StatusInternalServerError,
		},
		{
			name:   "excluded",
			err:    &ProxyRequestError{Err: fmt.Errorf("%w: DELETE /x", client.ErrOperationExcluded)},
			status: http.StatusMethodNotAllowed,
		},
		{
			name:    "page failure",
			err:     &ProxyRequestError{Page: 4, StatusCode: 500},
			status:  http.StatusBadGateway,
			page:    4,
			hasPage: true,
		},
		{
			name:    "format",
			err:     &UpstreamFormatError{Page: 1, Field: "meta.pageNumber"},
			status:  http.StatusBadGateway,
			page:    1,
			hasPage: true,
		},
		{
			name:   "request too large",
			err:    fmt.Errorf("%w (limit 1 bytes)", ErrRequestTooLarge),
			status: http.StatusRequestEntityTooLarge,
		},
		{
			name:   "other",
			err:    errors.New("boom"),
			status: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, page, hasPage := StatusFor(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.page, page)
			assert.Equal(t, tt.hasPage, hasPage)
		})
	}
}
