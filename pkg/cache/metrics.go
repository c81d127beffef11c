package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks merged documents served from Redis
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autopage_cache_hits_total",
			Help: "Total number of merged document cache hits",
		},
	)

	// CacheMisses tracks cache misses
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autopage_cache_misses_total",
			Help: "Total number of merged document cache misses",
		},
	)

	// CacheEntryBytes tracks the size of stored entries
	CacheEntryBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "autopage_cache_entry_bytes",
			Help:    "Size of cached merged documents in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopage_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete"
	)
)
