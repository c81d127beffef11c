package pagination

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/autopage-proxy/pkg/auth"
	"github.com/Sternrassler/autopage-proxy/pkg/client"
)

const (
	// DefaultMaxPages bounds the paging loop when Config.MaxPages is zero.
	DefaultMaxPages = 1000

	// DefaultMaxBodyBytes bounds inbound bodies when Config.MaxBodyBytes is zero.
	DefaultMaxBodyBytes = 32 << 20
)

// Config holds the upstream plugin options and the paging limits.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string

	// APIKey is used when the request carries no apikey override.
	APIKey string

	// URL is the upstream API root. The token endpoint lives below it.
	URL              string
	SpecificationURL string

	// IsReadOnly restricts forwarding to GET operations.
	IsReadOnly          bool
	IsAutoPagingEnabled bool

	MaxPages     int
	MaxBodyBytes int64

	// CacheTTL enables the merged-document cache when positive and a cache
	// is configured.
	CacheTTL time.Duration
}

// Credentials returns the client credentials used for the token exchange.
func (c Config) Credentials() auth.Credentials {
	return auth.Credentials{
		ClientID:             c.ClientID,
		ClientSecret:         c.ClientSecret,
		RedirectURI:          c.RedirectURI,
		TokenEndpointBaseURL: c.URL,
	}
}

// ResolveAPIKey picks the API key for r: a non-empty apikey query parameter
// (name matched case-insensitively) wins over a non-empty apikey header,
// which wins over defaultKey. When several spellings of the parameter are
// present, "apikey" is tried first, then the others in sorted order.
func ResolveAPIKey(r *http.Request, defaultKey string) string {
	if r.URL != nil {
		q := r.URL.Query()
		if v := firstNonEmpty(q["apikey"]); v != "" {
			return v
		}
		var names []string
		for name := range q {
			if name != "apikey" && strings.EqualFold(name, "apikey") {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		for _, name := range names {
			if v := firstNonEmpty(q[name]); v != "" {
				return v
			}
		}
	}
	if v := r.Header.Get("apikey"); v != "" {
		return v
	}
	return defaultKey
}

func firstNonEmpty(values []string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// IncludeOperation returns the operation predicate. In read-only mode only
// "get" (any case) passes.
func IncludeOperation(readOnly bool) func(operationID string) bool {
	return func(operationID string) bool {
		if !readOnly {
			return true
		}
		return strings.EqualFold(operationID, "get")
	}
}

// PagingEligible reports whether r is handled by the paging loop.
func PagingEligible(cfg Config, r *http.Request) bool {
	if !cfg.IsAutoPagingEnabled {
		return false
	}
	if r.Method != http.MethodGet {
		return false
	}
	if r.URL != nil && hasQueryKey(r.URL.Query(), "size") {
		return false
	}
	return true
}

func hasQueryKey(q url.Values, name string) bool {
	for key := range q {
		if strings.EqualFold(key, name) {
			return true
		}
	}
	return false
}

// BuildOptions returns the forwarding options for one upstream call. Page
// zero sends the query as received; later pages set the page parameter.
func (a *Aggregator) BuildOptions(apiKey string, page int) client.Options {
	creds := a.cfg.Credentials()
	opts := client.Options{
		BaseURL:          a.cfg.URL,
		SpecificationURL: a.cfg.SpecificationURL,
		BeforeRequest: func(ctx context.Context) (string, error) {
			return a.tokens.GetToken(ctx, apiKey, creds)
		},
		AdditionalHeaders: func(token string) map[string]string {
			return map[string]string{"Authorization": "Bearer " + token}
		},
		IncludeOperation: IncludeOperation(a.cfg.IsReadOnly),
		TagTransform:     client.TagTransformOriginal,
		Prefix:           client.PrefixOnly,
	}
	if page > 0 {
		opts.QueryTransforms = []client.QueryTransform{
			{Mode: client.QuerySet, Name: "page", Value: strconv.Itoa(page)},
		}
	}
	return opts
}
