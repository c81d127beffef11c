// Package config loads the proxy configuration from defaults, an optional
// YAML file and AUTOPAGE_* environment variables, in that order.
package config

import "time"

// Config is the complete proxy configuration.
type Config struct {
	// Upstream credentials and behaviour.
	ClientID            string `yaml:"clientId"`
	ClientSecret        string `yaml:"clientSecret"`
	RedirectURI         string `yaml:"redirectUri"`
	APIKey              string `yaml:"apiKey"`
	URL                 string `yaml:"url"`
	SpecificationURL    string `yaml:"specificationUrl"`
	IsReadOnly          bool   `yaml:"isReadOnly"`
	IsAutoPagingEnabled bool   `yaml:"isAutoPagingEnabled"`

	// HTTP server.
	ListenAddress  string        `yaml:"listenAddress"`
	RoutePrefix    string        `yaml:"routePrefix"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`

	// Outbound client.
	UpstreamTimeout       time.Duration `yaml:"upstreamTimeout"`
	OutboundProxyURL      string        `yaml:"outboundProxyUrl"`
	ClientRecycleInterval time.Duration `yaml:"clientRecycleInterval"`

	// Tokens.
	TokenLifetime       time.Duration `yaml:"tokenLifetime"`
	SingleFlightRefresh bool          `yaml:"singleFlightRefresh"`
	BreakerMaxFailures  uint32        `yaml:"breakerMaxFailures"`
	BreakerOpenTimeout  time.Duration `yaml:"breakerOpenTimeout"`

	// Paging limits.
	MaxPages     int   `yaml:"maxPages"`
	MaxBodyBytes int64 `yaml:"maxBodyBytes"`

	// Retries of idempotent forwards.
	RetryMaxAttempts    int           `yaml:"retryMaxAttempts"`
	RetryInitialBackoff time.Duration `yaml:"retryInitialBackoff"`

	// Outbound pacing per process. Zero disables it.
	UpstreamRequestsPerSecond float64 `yaml:"upstreamRequestsPerSecond"`
	UpstreamBurst             int     `yaml:"upstreamBurst"`

	// Merged document cache. Disabled unless both are set.
	RedisURL string        `yaml:"redisUrl"`
	CacheTTL time.Duration `yaml:"cacheTtl"`

	// Logging.
	LogLevel  string `yaml:"logLevel"`
	LogPretty bool   `yaml:"logPretty"`
}

// Upstream defaults.
const (
	DefaultURL              = "https://api.procountor.com/latest/api"
	DefaultSpecificationURL = "https://dev.procountor.com/static/swagger.latest.json"
)

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		URL:                   DefaultURL,
		SpecificationURL:      DefaultSpecificationURL,
		IsReadOnly:            true,
		IsAutoPagingEnabled:   true,
		ListenAddress:         ":8080",
		RoutePrefix:           "/",
		RequestTimeout:        30 * time.Second,
		UpstreamTimeout:       30 * time.Second,
		ClientRecycleInterval: 24 * time.Hour,
		TokenLifetime:         50 * time.Minute,
		BreakerMaxFailures:    5,
		BreakerOpenTimeout:    30 * time.Second,
		MaxPages:              1000,
		MaxBodyBytes:          32 << 20,
		RetryMaxAttempts:      3,
		RetryInitialBackoff:   500 * time.Millisecond,
		LogLevel:              "info",
	}
}

// CacheEnabled reports whether merged documents should be cached in Redis.
func (c Config) CacheEnabled() bool {
	return c.RedisURL != "" && c.CacheTTL > 0
}
