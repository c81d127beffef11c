package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/Sternrassler/autopage-proxy/pkg/logging"
)

// Validate checks cfg and normalizes RoutePrefix to start and end with "/".
// All problems are reported together.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.ClientID == "" {
		errs = append(errs, errors.New("clientId is required"))
	}
	if cfg.ClientSecret == "" {
		errs = append(errs, errors.New("clientSecret is required"))
	}

	if err := validateURL("url", cfg.URL); err != nil {
		errs = append(errs, err)
	}
	if cfg.OutboundProxyURL != "" {
		if err := validateURL("outboundProxyUrl", cfg.OutboundProxyURL); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.RedisURL != "" {
		if _, err := url.Parse(cfg.RedisURL); err != nil || !strings.HasPrefix(cfg.RedisURL, "redis") {
			errs = append(errs, fmt.Errorf("redisUrl %q must be a redis:// or rediss:// URL", cfg.RedisURL))
		}
	}

	if cfg.ListenAddress == "" {
		errs = append(errs, errors.New("listenAddress is required"))
	}

	positive := []struct {
		name  string
		value int64
	}{
		{"requestTimeout", int64(cfg.RequestTimeout)},
		{"upstreamTimeout", int64(cfg.UpstreamTimeout)},
		{"clientRecycleInterval", int64(cfg.ClientRecycleInterval)},
		{"tokenLifetime", int64(cfg.TokenLifetime)},
		{"breakerMaxFailures", int64(cfg.BreakerMaxFailures)},
		{"breakerOpenTimeout", int64(cfg.BreakerOpenTimeout)},
		{"maxPages", int64(cfg.MaxPages)},
		{"maxBodyBytes", cfg.MaxBodyBytes},
		{"retryMaxAttempts", int64(cfg.RetryMaxAttempts)},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", p.name))
		}
	}
	if cfg.RetryInitialBackoff < 0 {
		errs = append(errs, errors.New("retryInitialBackoff must not be negative"))
	}
	if cfg.UpstreamRequestsPerSecond < 0 {
		errs = append(errs, errors.New("upstreamRequestsPerSecond must not be negative"))
	}
	if cfg.UpstreamBurst < 0 {
		errs = append(errs, errors.New("upstreamBurst must not be negative"))
	}
	if cfg.CacheTTL < 0 {
		errs = append(errs, errors.New("cacheTtl must not be negative"))
	}

	if !logging.ValidLevel(cfg.LogLevel) {
		errs = append(errs, fmt.Errorf("logLevel %q is not one of debug, info, warn, error", cfg.LogLevel))
	}

	prefix := "/" + strings.Trim(cfg.RoutePrefix, "/")
	if prefix != "/" {
		prefix += "/"
	}
	cfg.RoutePrefix = prefix

	return errors.Join(errs...)
}

func validateURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s %q: %w", name, raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s %q must use http or https", name, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s %q must include a host", name, raw)
	}
	return nil
}
