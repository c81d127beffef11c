package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AUTOPAGE_"

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	if err := ApplyEnv(&cfg); err != nil {
		return nil, err
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadFile overlays the YAML file at path onto cfg. Keys missing from the
// file keep their current values.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	return nil
}

type envBinding struct {
	name  string
	apply func(cfg *Config, val string) error
}

func stringVar(get func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		*get(cfg) = val
		return nil
	}
}

func boolVar(get func(*Config) *bool) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		*get(cfg) = b
		return nil
	}
}

func durationVar(get func(*Config) *time.Duration) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		d, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		*get(cfg) = d
		return nil
	}
}

func intVar(get func(*Config) *int) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		i, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		*get(cfg) = i
		return nil
	}
}

var envBindings = []envBinding{
	{"CLIENT_ID", stringVar(func(c *Config) *string { return &c.ClientID })},
	{"CLIENT_SECRET", stringVar(func(c *Config) *string { return &c.ClientSecret })},
	{"REDIRECT_URI", stringVar(func(c *Config) *string { return &c.RedirectURI })},
	{"API_KEY", stringVar(func(c *Config) *string { return &c.APIKey })},
	{"URL", stringVar(func(c *Config) *string { return &c.URL })},
	{"SPECIFICATION_URL", stringVar(func(c *Config) *string { return &c.SpecificationURL })},
	{"IS_READ_ONLY", boolVar(func(c *Config) *bool { return &c.IsReadOnly })},
	{"IS_AUTO_PAGING_ENABLED", boolVar(func(c *Config) *bool { return &c.IsAutoPagingEnabled })},
	{"LISTEN_ADDRESS", stringVar(func(c *Config) *string { return &c.ListenAddress })},
	{"ROUTE_PREFIX", stringVar(func(c *Config) *string { return &c.RoutePrefix })},
	{"REQUEST_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.RequestTimeout })},
	{"UPSTREAM_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.UpstreamTimeout })},
	{"OUTBOUND_PROXY_URL", stringVar(func(c *Config) *string { return &c.OutboundProxyURL })},
	{"CLIENT_RECYCLE_INTERVAL", durationVar(func(c *Config) *time.Duration { return &c.ClientRecycleInterval })},
	{"TOKEN_LIFETIME", durationVar(func(c *Config) *time.Duration { return &c.TokenLifetime })},
	{"SINGLE_FLIGHT_REFRESH", boolVar(func(c *Config) *bool { return &c.SingleFlightRefresh })},
	{"BREAKER_MAX_FAILURES", func(cfg *Config, val string) error {
		n, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return err
		}
		cfg.BreakerMaxFailures = uint32(n)
		return nil
	}},
	{"BREAKER_OPEN_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.BreakerOpenTimeout })},
	{"MAX_PAGES", intVar(func(c *Config) *int { return &c.MaxPages })},
	{"MAX_BODY_BYTES", func(cfg *Config, val string) error {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return err
		}
		cfg.MaxBodyBytes = n
		return nil
	}},
	{"RETRY_MAX_ATTEMPTS", intVar(func(c *Config) *int { return &c.RetryMaxAttempts })},
	{"RETRY_INITIAL_BACKOFF", durationVar(func(c *Config) *time.Duration { return &c.RetryInitialBackoff })},
	{"UPSTREAM_REQUESTS_PER_SECOND", func(cfg *Config, val string) error {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return err
		}
		cfg.UpstreamRequestsPerSecond = f
		return nil
	}},
	{"UPSTREAM_BURST", intVar(func(c *Config) *int { return &c.UpstreamBurst })},
	{"REDIS_URL", stringVar(func(c *Config) *string { return &c.RedisURL })},
	{"CACHE_TTL", durationVar(func(c *Config) *time.Duration { return &c.CacheTTL })},
	{"LOG_LEVEL", stringVar(func(c *Config) *string { return &c.LogLevel })},
	{"LOG_PRETTY", boolVar(func(c *Config) *bool { return &c.LogPretty })},
}

// ApplyEnv overrides cfg from AUTOPAGE_* environment variables, e.g.
// AUTOPAGE_CLIENT_ID or AUTOPAGE_MAX_PAGES. Empty variables are ignored.
// Every malformed value is reported.
func ApplyEnv(cfg *Config) error {
	var errs []error
	for _, b := range envBindings {
		val, ok := os.LookupEnv(EnvPrefix + b.name)
		if !ok || val == "" {
			continue
		}
		if err := b.apply(cfg, val); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, b.name, err))
		}
	}
	return errors.Join(errs...)
}
