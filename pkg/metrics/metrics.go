// Package metrics exposes the Prometheus metrics of the proxy.
// All metrics are defined in their respective packages (auth, clientcache,
// client, pagination, cache) and registered via promauto on the default
// registry.
//
// This package provides the HTTP handler and a reference of all metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registerer used by the proxy.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the source served by Handler.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the metrics of Gatherer in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Token Metrics (pkg/auth):
//   - autopage_token_exchanges_total{result} (Counter): Token exchanges by result (success, failure, client_error)
//   - autopage_token_cache_hits_total (Counter): GetToken calls answered from the cache
//   - autopage_token_cache_misses_total (Counter): GetToken calls that needed an exchange
//
// Client Metrics (pkg/clientcache):
//   - autopage_client_recycles_total (Counter): Shared HTTP client replacements
//
// Upstream Metrics (pkg/client):
//   - autopage_upstream_requests_total{method, status} (Counter): Upstream requests by method and status
//   - autopage_upstream_request_duration_seconds{method} (Histogram): Upstream request duration
//   - autopage_upstream_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//   - autopage_retries_total{error_class} (Counter): Retry attempts by error class
//   - autopage_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - autopage_retry_exhausted_total{error_class} (Counter): Forwards that exhausted max retries
//
// Paging Metrics (pkg/pagination):
//   - autopage_requests_total{mode} (Counter): Requests by mode
//     (pass_through, bare_array, non_paginated, merged, failed, cached)
//   - autopage_pages_fetched (Counter): Pages fetched by the paging loop
//   - autopage_pages_per_request (Histogram): Pages fetched per paged request
//
// Cache Metrics (pkg/cache):
//   - autopage_cache_hits_total (Counter): Merged documents served from Redis
//   - autopage_cache_misses_total (Counter): Cache misses
//   - autopage_cache_entry_bytes (Histogram): Size of stored documents
//   - autopage_cache_errors_total{operation} (Counter): Cache operation errors
//
// Example Prometheus Queries:
//
//   # Share of requests that were merged
//   sum(rate(autopage_requests_total{mode="merged"}[5m])) / sum(rate(autopage_requests_total[5m]))
//
//   # Token exchange failures
//   rate(autopage_token_exchanges_total{result="failure"}[5m])
//
//   # P95 pages per paged request
//   histogram_quantile(0.95, rate(autopage_pages_per_request_bucket[5m]))
//
//   # P95 upstream latency
//   histogram_quantile(0.95, rate(autopage_upstream_request_duration_seconds_bucket[5m]))
