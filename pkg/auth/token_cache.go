// Package auth resolves bearer tokens for upstream calls. Tokens are obtained
// with an OAuth2 client-credentials exchange and cached per API key.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/autopage-proxy/pkg/clientcache"
	"github.com/Sternrassler/autopage-proxy/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

// DefaultTokenLifetime is how long an exchanged token is served from cache.
const DefaultTokenLifetime = 50 * time.Minute

// TokenPath is appended to the token endpoint base URL.
const TokenPath = "/oauth/token"

// DefaultExchangeTimeout bounds one token exchange. Exchanges do not inherit
// the cancellation of the request that started them.
const DefaultExchangeTimeout = 30 * time.Second

var (
	tokenExchangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autopage_token_exchanges_total",
		Help: "Total OAuth2 client-credentials exchanges by result",
	}, []string{"result"})

	tokenCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autopage_token_cache_hits_total",
		Help: "Total token lookups served from cache",
	})

	tokenCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autopage_token_cache_misses_total",
		Help: "Total token lookups that required an exchange",
	})
)

// Credentials identify this proxy to the token endpoint.
type Credentials struct {
	ClientID             string
	ClientSecret         string
	RedirectURI          string
	TokenEndpointBaseURL string
}

// ClientProvider supplies the shared outbound HTTP client.
type ClientProvider interface {
	GetClient() (*http.Client, error)
}

// AuthenticationError reports a failed or malformed token exchange.
type AuthenticationError struct {
	KeyHash string
	Err     error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed for key %s: %v", e.KeyHash, e.Err)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// entry is replaced on refresh, never mutated.
type entry struct {
	apiKey    string
	token     string
	expiresAt time.Time
}

// BreakerConfig controls the circuit breaker in front of the token endpoint.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the breaker.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures: 5,
		OpenTimeout: 30 * time.Second,
	}
}

// TokenCache maps API keys to bearer tokens. Safe for concurrent use.
//
// The freshness check is not atomic with the refresh: concurrent callers that
// all see a missing or expired entry each run an exchange, and the last one to
// finish wins. WithSingleFlight collapses those exchanges per key instead.
type TokenCache struct {
	entries sync.Map // apiKey -> *entry
	evictMu sync.Mutex

	clients  ClientProvider
	lifetime time.Duration
	now      func() time.Time
	breakers sync.Map // apiKey -> *gobreaker.CircuitBreaker
	flights  *singleflight.Group
	logger   zerolog.Logger

	breakerCfg      BreakerConfig
	exchangeTimeout time.Duration
}

// Option configures a TokenCache.
type Option func(*TokenCache)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(tc *TokenCache) { tc.now = now }
}

// WithLifetime overrides DefaultTokenLifetime.
func WithLifetime(d time.Duration) Option {
	return func(tc *TokenCache) {
		if d > 0 {
			tc.lifetime = d
		}
	}
}

// WithSingleFlight serializes concurrent refreshes of the same key.
func WithSingleFlight(enabled bool) Option {
	return func(tc *TokenCache) {
		if enabled {
			tc.flights = &singleflight.Group{}
		} else {
			tc.flights = nil
		}
	}
}

// WithBreaker overrides the token endpoint circuit breaker settings.
func WithBreaker(cfg BreakerConfig) Option {
	return func(tc *TokenCache) { tc.breakerCfg = cfg }
}

// WithExchangeTimeout overrides DefaultExchangeTimeout.
func WithExchangeTimeout(d time.Duration) Option {
	return func(tc *TokenCache) {
		if d > 0 {
			tc.exchangeTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(tc *TokenCache) { tc.logger = logger }
}

// NewTokenCache creates an empty token cache that performs exchanges with
// clients obtained from the given provider.
func NewTokenCache(clients ClientProvider, opts ...Option) *TokenCache {
	tc := &TokenCache{
		clients:         clients,
		lifetime:        DefaultTokenLifetime,
		now:             time.Now,
		logger:          log.With().Str("component", "token-cache").Logger(),
		breakerCfg:      DefaultBreakerConfig(),
		exchangeTimeout: DefaultExchangeTimeout,
	}
	for _, opt := range opts {
		opt(tc)
	}

	if tc.breakerCfg.MaxFailures == 0 {
		tc.breakerCfg.MaxFailures = DefaultBreakerConfig().MaxFailures
	}
	return tc
}

// breakerFor returns the circuit breaker of apiKey. Breakers are per key so
// that a rejected key cannot block the exchanges of other keys.
func (tc *TokenCache) breakerFor(apiKey string) *gobreaker.CircuitBreaker {
	if v, ok := tc.breakers.Load(apiKey); ok {
		return v.(*gobreaker.CircuitBreaker)
	}

	keyHash := logging.KeyHash(apiKey)
	maxFailures := tc.breakerCfg.MaxFailures
	logger := tc.logger
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "token-endpoint:" + keyHash,
		MaxRequests: 1,
		Timeout:     tc.breakerCfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("key_hash", keyHash).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Token endpoint circuit breaker state changed")
		},
	})

	v, _ := tc.breakers.LoadOrStore(apiKey, cb)
	return v.(*gobreaker.CircuitBreaker)
}

// GetToken returns a bearer token for apiKey. A cached token whose expiry is
// still in the future is returned without I/O; otherwise the entry is evicted
// and a new token is exchanged and cached.
//
// Exchange failures are returned as *AuthenticationError and nothing is
// cached. Failures to obtain the outbound client are returned as
// *clientcache.InitError.
func (tc *TokenCache) GetToken(ctx context.Context, apiKey string, creds Credentials) (string, error) {
	if token, ok := tc.cached(apiKey); ok {
		tokenCacheHits.Inc()
		tc.logger.Debug().Str("key_hash", logging.KeyHash(apiKey)).Msg("Token cache hit")
		return token, nil
	}
	tokenCacheMisses.Inc()

	if tc.flights == nil {
		return tc.refresh(ctx, apiKey, creds)
	}

	v, err, _ := tc.flights.Do(apiKey, func() (interface{}, error) {
		if token, ok := tc.cached(apiKey); ok {
			return token, nil
		}
		return tc.refresh(ctx, apiKey, creds)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token for apiKey, forcing the next GetToken to
// exchange. Call it after the upstream rejects a token.
func (tc *TokenCache) Invalidate(apiKey string) {
	tc.evictMu.Lock()
	defer tc.evictMu.Unlock()
	tc.entries.Delete(apiKey)
}

// TokenExpiry returns the expiry of the cached token for apiKey, or the zero
// time if none is cached.
func (tc *TokenCache) TokenExpiry(apiKey string) time.Time {
	if e, ok := tc.load(apiKey); ok {
		return e.expiresAt
	}
	return time.Time{}
}

// HasValidToken reports whether a non-expired token is cached for apiKey.
func (tc *TokenCache) HasValidToken(apiKey string) bool {
	_, ok := tc.cached(apiKey)
	return ok
}

func (tc *TokenCache) load(apiKey string) (*entry, bool) {
	v, ok := tc.entries.Load(apiKey)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

func (tc *TokenCache) cached(apiKey string) (string, bool) {
	e, ok := tc.load(apiKey)
	if !ok || !tc.now().Before(e.expiresAt) {
		return "", false
	}
	return e.token, true
}

func (tc *TokenCache) refresh(ctx context.Context, apiKey string, creds Credentials) (string, error) {
	keyHash := logging.KeyHash(apiKey)

	tc.evictMu.Lock()
	tc.entries.Delete(apiKey)
	tc.evictMu.Unlock()

	start := tc.now()
	token, err := tc.exchange(ctx, apiKey, creds)
	if err != nil {
		var initErr *clientcache.InitError
		if errors.As(err, &initErr) {
			tokenExchangesTotal.WithLabelValues("client_error").Inc()
			return "", err
		}
		tokenExchangesTotal.WithLabelValues("failure").Inc()
		tc.logger.Error().Err(err).Str("key_hash", keyHash).Msg("Token exchange failed")
		return "", &AuthenticationError{KeyHash: keyHash, Err: err}
	}

	e := &entry{
		apiKey:    apiKey,
		token:     token,
		expiresAt: tc.now().Add(tc.lifetime),
	}
	tc.entries.Store(apiKey, e)
	tokenExchangesTotal.WithLabelValues("success").Inc()

	tc.logger.Info().
		Str("key_hash", keyHash).
		Time("expires_at", e.expiresAt).
		Dur("duration", tc.now().Sub(start)).
		Msg("Obtained new access token")

	return token, nil
}

func (tc *TokenCache) exchange(ctx context.Context, apiKey string, creds Credentials) (string, error) {
	client, err := tc.clients.GetClient()
	if err != nil {
		return "", err
	}

	cfg := clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     TokenURL(creds.TokenEndpointBaseURL),
		AuthStyle:    oauth2.AuthStyleInParams,
		EndpointParams: url.Values{
			"redirect_uri": {creds.RedirectURI},
			"api_key":      {apiKey},
		},
	}

	// Detached from the caller: single-flight waiters share this exchange.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tc.exchangeTimeout)
	defer cancel()

	ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
	res, err := tc.breakerFor(apiKey).Execute(func() (interface{}, error) {
		return cfg.Token(ctx)
	})
	if err != nil {
		return "", err
	}

	tok, ok := res.(*oauth2.Token)
	if !ok || tok == nil || tok.AccessToken == "" {
		return "", errors.New("token response missing access_token")
	}
	return tok.AccessToken, nil
}

// TokenURL returns the token endpoint for an upstream base URL.
func TokenURL(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + TokenPath
}
