// Package cache stores merged paging results in Redis.
//
// Only documents assembled from several upstream pages are cached. Entries
// are keyed by the caller's key hash, the request path and the sorted query
// string (without apikey), and expire after a fixed TTL.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	manager := cache.NewManager(redisClient)
//
//	key := cache.CacheKey{
//		KeyHash: logging.KeyHash(apiKey),
//		Path:    "/invoices",
//		Query:   url.Values{"status": {"PAID"}},
//	}
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch and merge all pages, then
//		_ = manager.Set(ctx, key, cache.EntryFromDocument(http.StatusOK, header, body, ttl))
//	}
//
// # Metrics
//
//   - autopage_cache_hits_total
//   - autopage_cache_misses_total
//   - autopage_cache_entry_bytes
//   - autopage_cache_errors_total{operation}
package cache
