package pagination

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request modes recorded in autopage_requests_total.
const (
	modePassThrough  = "pass_through"
	modeBareArray    = "bare_array"
	modeNonPaginated = "non_paginated"
	modeMerged       = "merged"
	modeFailed       = "failed"
	modeCached       = "cached"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autopage_requests_total",
		Help: "Total proxied requests by outcome mode",
	}, []string{"mode"})

	pagesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autopage_pages_fetched",
		Help: "Total upstream pages fetched by the paging loop",
	})

	pagesPerRequest = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "autopage_pages_per_request",
		Help:    "Number of pages fetched per paged request",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
	})
)
