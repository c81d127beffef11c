package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// CacheKey identifies a merged response.
type CacheKey struct {
	// KeyDigest is KeyDigest(apiKey) of the API key the response was
	// fetched with
	KeyDigest string

	// Path is the request path relative to the proxy route
	Path string

	// Query are the inbound query parameters. apikey is ignored.
	Query url.Values
}

// KeyDigest returns the full SHA-256 digest of apiKey in hex. Merged
// documents of different keys must never share an entry, so the short log
// fingerprint is not used here.
func KeyDigest(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// String generates a deterministic cache key string.
// Format: autopage:keyhash:path:query1=val1:query2=val2a,val2b
//
// Example:
//
//	autopage:<64 hex digits>:invoices:status=PAID
func (k CacheKey) String() string {
	parts := []string{"autopage"}

	hash := k.KeyDigest
	if hash == "" {
		hash = "none"
	}
	parts = append(parts, hash)

	if path := strings.Trim(k.Path, "/"); path != "" {
		parts = append(parts, path)
	}

	if len(k.Query) > 0 {
		queryKeys := make([]string, 0, len(k.Query))
		for key := range k.Query {
			if strings.EqualFold(key, "apikey") {
				continue
			}
			queryKeys = append(queryKeys, key)
		}
		sort.Strings(queryKeys)

		for _, key := range queryKeys {
			values := append([]string(nil), k.Query[key]...)
			sort.Strings(values)
			parts = append(parts, key+"="+strings.Join(values, ","))
		}
	}

	return strings.Join(parts, ":")
}
