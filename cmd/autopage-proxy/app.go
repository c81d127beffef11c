package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Sternrassler/autopage-proxy/pkg/auth"
	"github.com/Sternrassler/autopage-proxy/pkg/cache"
	"github.com/Sternrassler/autopage-proxy/pkg/client"
	"github.com/Sternrassler/autopage-proxy/pkg/clientcache"
	"github.com/Sternrassler/autopage-proxy/pkg/config"
	"github.com/Sternrassler/autopage-proxy/pkg/logging"
	"github.com/Sternrassler/autopage-proxy/pkg/metrics"
	"github.com/Sternrassler/autopage-proxy/pkg/pagination"
	"github.com/Sternrassler/autopage-proxy/pkg/ratelimit"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const readyTimeout = 2 * time.Second

// app wires the proxy components for one configuration.
type app struct {
	cfg        *config.Config
	aggregator *pagination.Aggregator
	redis      *redis.Client
	logger     zerolog.Logger
}

func newApp(cfg *config.Config) (*app, error) {
	logger := logging.NewLogger("server")

	clients := clientcache.New(clientcache.Config{
		RecycleInterval: cfg.ClientRecycleInterval,
		Timeout:         cfg.UpstreamTimeout,
		ProxyURL:        cfg.OutboundProxyURL,
	}, clientcache.WithLogger(logging.NewLogger("clientcache")))

	tokens := auth.NewTokenCache(clients,
		auth.WithLifetime(cfg.TokenLifetime),
		auth.WithSingleFlight(cfg.SingleFlightRefresh),
		auth.WithBreaker(auth.BreakerConfig{
			MaxFailures: cfg.BreakerMaxFailures,
			OpenTimeout: cfg.BreakerOpenTimeout,
		}),
		auth.WithLogger(logging.NewLogger("auth")),
	)

	a := &app{cfg: cfg, logger: logger}

	var limiters ratelimit.Chain
	if cfg.UpstreamRequestsPerSecond > 0 {
		limiters = append(limiters, ratelimit.NewThrottle(cfg.UpstreamRequestsPerSecond, cfg.UpstreamBurst))
		logger.Info().
			Float64("rps", cfg.UpstreamRequestsPerSecond).
			Int("burst", cfg.UpstreamBurst).
			Msg("Upstream request pacing enabled")
	}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		a.redis = redis.NewClient(opts)
		limiters = append(limiters, ratelimit.NewTracker(a.redis, logging.NewLogger("ratelimit")))
		logger.Info().Str("addr", opts.Addr).Msg("Shared rate limit tracking enabled")
	}

	var limiter client.Limiter
	if len(limiters) > 0 {
		limiter = limiters
	}

	retry := client.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.InitialBackoff = cfg.RetryInitialBackoff

	forwarder, err := client.New(client.Config{
		Retry:        retry,
		MaxBodyBytes: cfg.MaxBodyBytes,
		UserAgent:    "autopage-proxy/" + version,
		Limiter:      limiter,
	}, clients)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create forwarder: %w", err)
	}

	deps := pagination.Deps{Tokens: tokens, Forwarder: forwarder}
	if cfg.CacheEnabled() {
		deps.Cache = cache.NewManager(a.redis)
		logger.Info().Dur("ttl", cfg.CacheTTL).Msg("Merged document cache enabled")
	}

	a.aggregator, err = pagination.New(pagination.Config{
		ClientID:            cfg.ClientID,
		ClientSecret:        cfg.ClientSecret,
		RedirectURI:         cfg.RedirectURI,
		APIKey:              cfg.APIKey,
		URL:                 cfg.URL,
		SpecificationURL:    cfg.SpecificationURL,
		IsReadOnly:          cfg.IsReadOnly,
		IsAutoPagingEnabled: cfg.IsAutoPagingEnabled,
		MaxPages:            cfg.MaxPages,
		MaxBodyBytes:        cfg.MaxBodyBytes,
		CacheTTL:            cfg.CacheTTL,
	}, deps)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create aggregator: %w", err)
	}

	return a, nil
}

// Close releases the Redis connection, if any.
func (a *app) Close() error {
	if a.redis != nil {
		return a.redis.Close()
	}
	return nil
}

// routes builds the HTTP handler. Operational endpoints are registered
// before the proxy catch-all so they win under the default "/" prefix.
func (a *app) routes() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", healthHandler).Methods(http.MethodGet)
	router.HandleFunc("/ready", a.readyHandler).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	proxy := http.Handler(a.aggregator)
	if strip := strings.TrimSuffix(a.cfg.RoutePrefix, "/"); strip != "" {
		proxy = http.StripPrefix(strip, proxy)
	}
	proxy = timeoutMiddleware(a.cfg.RequestTimeout, proxy)

	router.PathPrefix(a.cfg.RoutePrefix).Handler(proxy).
		Methods(http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch)

	router.Use(requestIDMiddleware, a.accessLogMiddleware)
	return router
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (a *app) readyHandler(w http.ResponseWriter, r *http.Request) {
	if a.redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.logger.Warn().Err(err).Msg("Readiness check failed: redis unavailable")
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "READY")
}

// requestIDMiddleware makes sure every request and response carries an
// X-Request-ID.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-ID", id)
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(timeout time.Duration, next http.Handler) http.Handler {
	if timeout <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += n
	return n, err
}

func (a *app) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		a.logger.Debug().
			Str("request_id", r.Header.Get("X-Request-ID")).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Int("bytes", rec.bytes).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}
