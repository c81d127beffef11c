// Package clientcache keeps one long-lived outbound HTTP client shared by all
// upstream calls and recycles it on a fixed schedule.
package clientcache

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultRecycleInterval is how long a client is handed out before it is
// replaced.
const DefaultRecycleInterval = 24 * time.Hour

var clientRecyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "autopage_client_recycles_total",
	Help: "Total number of upstream HTTP clients created",
})

// InitError reports that a new upstream client could not be constructed.
type InitError struct {
	Err error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("upstream client initialization failed: %v", e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// Config holds the settings used for every client the cache builds.
type Config struct {
	// RecycleInterval is the maximum age of a handed-out client.
	RecycleInterval time.Duration

	// Timeout bounds each outbound request. Zero means no timeout.
	Timeout time.Duration

	// ProxyURL routes outbound traffic through an HTTP proxy when set.
	ProxyURL string
}

// DefaultConfig returns the default client settings.
func DefaultConfig() Config {
	return Config{
		RecycleInterval: DefaultRecycleInterval,
		Timeout:         30 * time.Second,
	}
}

// Factory builds a new client from the cache configuration.
type Factory func(cfg Config) (*http.Client, error)

type handle struct {
	client    *http.Client
	createdAt time.Time
}

// Cache hands out a shared *http.Client. Safe for concurrent use.
type Cache struct {
	cfg     Config
	factory Factory
	now     func() time.Time
	logger  zerolog.Logger

	mu      sync.Mutex
	current atomic.Pointer[handle]
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithFactory replaces the client constructor.
func WithFactory(f Factory) Option {
	return func(c *Cache) { c.factory = f }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// New creates a cache. No client is built until the first GetClient call.
func New(cfg Config, opts ...Option) *Cache {
	if cfg.RecycleInterval <= 0 {
		cfg.RecycleInterval = DefaultRecycleInterval
	}

	c := &Cache{
		cfg:     cfg,
		factory: NewUpstreamClient,
		now:     time.Now,
		logger:  log.With().Str("component", "client-cache").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetClient returns the current client, building a new one when none exists
// or the current one is older than the recycle interval. Replaced clients are
// not closed; requests still using them run to completion.
func (c *Cache) GetClient() (*http.Client, error) {
	if h := c.current.Load(); h != nil && c.fresh(h) {
		return h.client, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if h := c.current.Load(); h != nil && c.fresh(h) {
		return h.client, nil
	}

	client, err := c.factory(c.cfg)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to build upstream client")
		return nil, &InitError{Err: err}
	}

	prev := c.current.Swap(&handle{client: client, createdAt: c.now()})
	clientRecyclesTotal.Inc()

	event := c.logger.Info().Dur("recycle_interval", c.cfg.RecycleInterval)
	if prev != nil {
		event = event.Dur("previous_age", c.now().Sub(prev.createdAt))
	}
	event.Msg("Upstream client created")

	return client, nil
}

// CreatedAt returns when the current client was built, or the zero time if
// none has been built yet.
func (c *Cache) CreatedAt() time.Time {
	if h := c.current.Load(); h != nil {
		return h.createdAt
	}
	return time.Time{}
}

func (c *Cache) fresh(h *handle) bool {
	return c.now().Sub(h.createdAt) < c.cfg.RecycleInterval
}

// NewUpstreamClient builds a client with its own connection pool that never
// follows redirects.
func NewUpstreamClient(cfg Config) (*http.Client, error) {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil, fmt.Errorf("default transport is %T, want *http.Transport", http.DefaultTransport)
	}
	transport := base.Clone()

	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		if proxyURL.Scheme == "" || proxyURL.Host == "" {
			return nil, fmt.Errorf("proxy url %q must include scheme and host", cfg.ProxyURL)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}
